// Package executive implements the Decision/Learning Layer: LLM-mediated
// response generation for slow-path events, and the feedback loop that turns
// positive outcomes into new heuristics and negative outcomes into
// confidence updates.
package executive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gladys-project/gladys/pkg/types"
)

// MemoryStore is the subset of the Memory Store the executive depends on.
type MemoryStore interface {
	StoreHeuristic(ctx context.Context, h *types.Heuristic, generateEmbedding bool) (*types.Heuristic, error)
	QueryMatchingHeuristics(ctx context.Context, eventEmbedding []float64, sourceFilter string, minSimilarity, minConfidence float64, limit int) ([]*types.Heuristic, error)
	UpdateHeuristicConfidence(ctx context.Context, id string, positive bool, feedbackSource types.FeedbackSource, weight float64) (*types.Heuristic, error)
	GenerateEmbedding(ctx context.Context, text string) ([]float64, string, error)
	RecordFeedback(ctx context.Context, fe *types.FeedbackEvent) (*types.FeedbackEvent, error)
}

// FireLookup resolves which heuristic (if any) fired for a given event, used
// by ProvideFeedback's negative-feedback path.
type FireLookup interface {
	HeuristicForFire(ctx context.Context, eventID string) (*types.Heuristic, string, error)
}

// Config tunes extraction quality gates and LLM call parameters.
type Config struct {
	Model                     string
	MaxTokens                 int
	Temperature               float64
	ExtractionSimilarityDedup float64
	MinConditionTextLen       int
	BootstrapAlpha            float64 // 0 => default DefaultAlphaBeta
	BootstrapBeta             float64
}

// Executive is the Decision/Learning Layer.
type Executive struct {
	cfg    Config
	llm    *LLMClient
	memory MemoryStore
	fires  FireLookup
	logger *slog.Logger
}

// New constructs an Executive.
func New(cfg Config, llm *LLMClient, memory MemoryStore, fires FireLookup, logger *slog.Logger) *Executive {
	if cfg.ExtractionSimilarityDedup == 0 {
		cfg.ExtractionSimilarityDedup = 0.95
	}
	if cfg.MinConditionTextLen == 0 {
		cfg.MinConditionTextLen = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executive{cfg: cfg, llm: llm, memory: memory, fires: fires, logger: logger}
}

// ProcessResult is ProcessEvent/ProcessMoment's output.
type ProcessResult struct {
	ResponseID           string
	ResponseText         string
	PredictedSuccess     float64
	PredictionConfidence float64
	Accepted             bool
	ErrorMessage         string
}

// ProcessEvent synchronously invokes the LLM and returns a response plus
// prediction metadata. On LLM unavailability it returns
// accepted=true, error_message="llm_unavailable" rather than a Go error
// (deliberately NOT promoted to accepted=false — see DESIGN.md's Open
// Question decision).
func (e *Executive) ProcessEvent(ctx context.Context, event types.Event, immediate bool) ProcessResult {
	prompt := fmt.Sprintf("Event from %s: %s", event.Source, event.RawText)
	text, err := e.llm.Complete(ctx, systemPromptRespond, prompt, e.cfg.MaxTokens, e.cfg.Temperature)
	if err != nil {
		e.logger.Warn("llm unavailable during ProcessEvent", "event_id", event.ID, "error", err)
		return ProcessResult{Accepted: true, ErrorMessage: "llm_unavailable"}
	}
	return ProcessResult{
		ResponseID:           uuid.NewString(),
		ResponseText:         text,
		PredictedSuccess:     0.5,
		PredictionConfidence: 0.5,
		Accepted:             true,
	}
}

// ProcessMoment is the batch analog of ProcessEvent over an ordered sequence
// of events, realized as priority-queue periodic drains rather than a
// separate windowed batcher.
func (e *Executive) ProcessMoment(ctx context.Context, events []types.Event) ProcessResult {
	if len(events) == 0 {
		return ProcessResult{Accepted: true}
	}
	var sb strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", ev.Timestamp.Format(time.RFC3339), ev.Source, ev.RawText)
	}
	text, err := e.llm.Complete(ctx, systemPromptMoment, sb.String(), e.cfg.MaxTokens, e.cfg.Temperature)
	if err != nil {
		e.logger.Warn("llm unavailable during ProcessMoment", "event_count", len(events), "error", err)
		return ProcessResult{Accepted: true, ErrorMessage: "llm_unavailable"}
	}
	return ProcessResult{
		ResponseID:           uuid.NewString(),
		ResponseText:         text,
		PredictedSuccess:     0.5,
		PredictionConfidence: 0.5,
		Accepted:             true,
	}
}

// FeedbackResult reports what ProvideFeedback did.
type FeedbackResult struct {
	HeuristicCreated *types.Heuristic
	HeuristicUpdated *types.Heuristic
	Rejected         string // non-empty => quality gate or no-match reason
}

// ProvideFeedback dispatches on feedback polarity. Positive feedback first
// checks whether a heuristic fired for this event: a repeat positive on an
// already-matched heuristic reinforces it directly; only an event with no
// fired heuristic triggers LLM-assisted extraction of a new one. Negative
// feedback locates the fired heuristic and applies a Beta-Binomial penalty.
// A FeedbackEvent is recorded whenever a heuristic is located or created,
// and for negative feedback with no matched heuristic; the rejects raised
// before that point (no_fire_lookup_configured, lookup_failed and the
// extraction rejects) record none.
func (e *Executive) ProvideFeedback(ctx context.Context, event types.Event, responseText string, positive bool) FeedbackResult {
	if positive {
		return e.applyPositiveFeedback(ctx, event, responseText)
	}
	return e.applyNegativeFeedback(ctx, event.ID)
}

func (e *Executive) applyPositiveFeedback(ctx context.Context, event types.Event, responseText string) FeedbackResult {
	if e.fires != nil {
		h, _, err := e.fires.HeuristicForFire(ctx, event.ID)
		if err != nil {
			e.logger.Warn("failed to locate matched heuristic for positive feedback", "event_id", event.ID, "error", err)
		} else if h != nil {
			updated, err := e.memory.UpdateHeuristicConfidence(ctx, h.ID, true, types.FeedbackExplicit, 1.0)
			if err != nil {
				e.logger.Warn("confidence update failed", "heuristic_id", h.ID, "error", err)
				e.recordFeedback(ctx, types.TargetHeuristic, h.ID, types.FeedbackExplicitPositive, false)
				return FeedbackResult{Rejected: "update_failed"}
			}
			e.recordFeedback(ctx, types.TargetHeuristic, h.ID, types.FeedbackExplicitPositive, true)
			return FeedbackResult{HeuristicUpdated: updated}
		}
	}
	return e.extractHeuristic(ctx, event, responseText)
}

func (e *Executive) applyNegativeFeedback(ctx context.Context, eventID string) FeedbackResult {
	if e.fires == nil {
		return FeedbackResult{Rejected: "no_fire_lookup_configured"}
	}
	h, _, err := e.fires.HeuristicForFire(ctx, eventID)
	if err != nil {
		e.logger.Warn("failed to locate matched heuristic for negative feedback", "event_id", eventID, "error", err)
		return FeedbackResult{Rejected: "lookup_failed"}
	}
	if h == nil {
		// feedback without a matched heuristic is stored as a feedback event
		// but produces no update.
		e.recordFeedback(ctx, types.TargetAction, eventID, types.FeedbackExplicitNegative, false)
		return FeedbackResult{Rejected: "no_matched_heuristic"}
	}
	updated, err := e.memory.UpdateHeuristicConfidence(ctx, h.ID, false, types.FeedbackExplicit, 1.0)
	if err != nil {
		e.logger.Warn("confidence update failed", "heuristic_id", h.ID, "error", err)
		e.recordFeedback(ctx, types.TargetHeuristic, h.ID, types.FeedbackExplicitNegative, false)
		return FeedbackResult{Rejected: "update_failed"}
	}
	e.recordFeedback(ctx, types.TargetHeuristic, h.ID, types.FeedbackExplicitNegative, true)
	return FeedbackResult{HeuristicUpdated: updated}
}

// recordFeedback persists the normalized feedback signal this dispatch
// produced. Storage failures are logged, not surfaced: the feedback event
// row is an audit/recovery trail, not a gate on the confidence update it
// accompanies.
func (e *Executive) recordFeedback(ctx context.Context, targetType types.FeedbackTargetType, targetID string, feedbackType types.FeedbackType, processed bool) {
	value := 1.0
	if feedbackType == types.FeedbackExplicitNegative {
		value = -1.0
	}
	fe := &types.FeedbackEvent{
		TargetType:    targetType,
		TargetID:      targetID,
		FeedbackType:  feedbackType,
		FeedbackValue: value,
		Weight:        1.0,
		Processed:     processed,
	}
	if _, err := e.memory.RecordFeedback(ctx, fe); err != nil {
		e.logger.Warn("failed to record feedback event", "target_type", targetType, "target_id", targetID, "error", err)
	}
}

// extraction is the LLM's expected JSON output shape for heuristic
// extraction.
type extraction struct {
	ConditionText       string  `json:"condition_text"`
	ActionMessage       string  `json:"action.message"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

func (e *Executive) extractHeuristic(ctx context.Context, event types.Event, responseText string) FeedbackResult {
	prompt := fmt.Sprintf(
		"Event: %s\nResponse: %s\n\nOutput a JSON object with condition_text, action.message, and optionally similarity_threshold, describing a generalizable rule connecting the event to the response.",
		event.RawText, responseText,
	)
	raw, err := e.llm.Complete(ctx, systemPromptExtract, prompt, e.cfg.MaxTokens, e.cfg.Temperature)
	if err != nil {
		e.logger.Warn("llm unavailable during heuristic extraction", "event_id", event.ID, "error", err)
		return FeedbackResult{Rejected: "llm_unavailable"}
	}

	var ex extraction
	if jerr := json.Unmarshal([]byte(extractJSON(raw)), &ex); jerr != nil {
		return FeedbackResult{Rejected: "parse_failed"}
	}
	if len(strings.TrimSpace(ex.ConditionText)) < e.cfg.MinConditionTextLen {
		return FeedbackResult{Rejected: "condition_too_short"}
	}
	if ex.SimilarityThreshold <= 0 {
		ex.SimilarityThreshold = types.DefaultSimilarityThreshold
	}

	embedding, _, err := e.memory.GenerateEmbedding(ctx, ex.ConditionText)
	if err != nil {
		return FeedbackResult{Rejected: "embedding_failed"}
	}

	// Dedup gate: reject if within similarity >= threshold of an existing
	// heuristic with the same source.
	existing, err := e.memory.QueryMatchingHeuristics(ctx, embedding, event.Source, e.cfg.ExtractionSimilarityDedup, 0, 1)
	if err == nil && len(existing) > 0 {
		return FeedbackResult{Rejected: "duplicate"}
	}

	alpha, beta := e.cfg.BootstrapAlpha, e.cfg.BootstrapBeta
	if alpha <= 0 {
		alpha = types.DefaultAlphaBeta
	}
	if beta <= 0 {
		beta = types.DefaultAlphaBeta
	}
	// The positive feedback that triggered this extraction is itself the
	// heuristic's first reinforcement, not just its bootstrap prior.
	alpha++

	h := &types.Heuristic{
		Name:                ex.ConditionText,
		Condition:           types.Condition{Text: ex.ConditionText, Domain: event.Source},
		Action:              types.Action{Message: ex.ActionMessage},
		ConditionEmbedding:  embedding,
		SimilarityThreshold: ex.SimilarityThreshold,
		Alpha:               alpha,
		Beta:                beta,
		Origin:              types.OriginLearned,
		Source:              event.Source,
	}
	h.RecomputeConfidence()

	created, err := e.memory.StoreHeuristic(ctx, h, false) // embedding already generated above
	if err != nil {
		e.logger.Warn("failed to store extracted heuristic", "event_id", event.ID, "error", err)
		return FeedbackResult{Rejected: "store_failed"}
	}
	e.recordFeedback(ctx, types.TargetHeuristic, created.ID, types.FeedbackExplicitPositive, true)
	return FeedbackResult{HeuristicCreated: created}
}

// extractJSON trims any leading/trailing prose the model may have added
// around the JSON object, taking the outermost { ... } span.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

const systemPromptRespond = "You are GLADyS's deliberation layer. Produce a concise, direct response to the event described by the user."
const systemPromptMoment = "You are GLADyS's deliberation layer, reviewing a short sequence of recent events as a single moment. Produce a concise summary response."
const systemPromptExtract = "You extract generalizable condition/action heuristics from an event-response pair. Respond with JSON only: {\"condition_text\": ..., \"action.message\": ..., \"similarity_threshold\": ...}."
