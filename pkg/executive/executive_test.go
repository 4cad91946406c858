package executive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gladys-project/gladys/pkg/types"
)

type fakeMemoryStore struct {
	storeHeuristicFn func(ctx context.Context, h *types.Heuristic, gen bool) (*types.Heuristic, error)
	matchingFn       func(ctx context.Context, emb []float64, source string, minSim, minConf float64, limit int) ([]*types.Heuristic, error)
	updateFn         func(ctx context.Context, id string, positive bool, src types.FeedbackSource, weight float64) (*types.Heuristic, error)
	embedFn          func(ctx context.Context, text string) ([]float64, string, error)
	recordedFeedback []*types.FeedbackEvent
}

func (f *fakeMemoryStore) StoreHeuristic(ctx context.Context, h *types.Heuristic, generateEmbedding bool) (*types.Heuristic, error) {
	if f.storeHeuristicFn != nil {
		return f.storeHeuristicFn(ctx, h, generateEmbedding)
	}
	return h, nil
}

func (f *fakeMemoryStore) QueryMatchingHeuristics(ctx context.Context, eventEmbedding []float64, sourceFilter string, minSimilarity, minConfidence float64, limit int) ([]*types.Heuristic, error) {
	if f.matchingFn != nil {
		return f.matchingFn(ctx, eventEmbedding, sourceFilter, minSimilarity, minConfidence, limit)
	}
	return nil, nil
}

func (f *fakeMemoryStore) UpdateHeuristicConfidence(ctx context.Context, id string, positive bool, feedbackSource types.FeedbackSource, weight float64) (*types.Heuristic, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, id, positive, feedbackSource, weight)
	}
	return &types.Heuristic{ID: id}, nil
}

func (f *fakeMemoryStore) GenerateEmbedding(ctx context.Context, text string) ([]float64, string, error) {
	if f.embedFn != nil {
		return f.embedFn(ctx, text)
	}
	return []float64{0.1, 0.2}, "model-x", nil
}

func (f *fakeMemoryStore) RecordFeedback(ctx context.Context, fe *types.FeedbackEvent) (*types.FeedbackEvent, error) {
	f.recordedFeedback = append(f.recordedFeedback, fe)
	return fe, nil
}

type fakeFireLookup struct {
	heuristic *types.Heuristic
	fireID    string
	err       error
}

func (f *fakeFireLookup) HeuristicForFire(ctx context.Context, eventID string) (*types.Heuristic, string, error) {
	return f.heuristic, f.fireID, f.err
}

func newTestExecutive(t *testing.T, mem MemoryStore, fires FireLookup, llmText string) *Executive {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(llmResponse{Content: []llmContentBlock{{Type: "text", Text: llmText}}})
	}))
	t.Cleanup(srv.Close)
	llm := NewLLMClient(srv.URL, "test-key", "model-x")
	return New(Config{MaxTokens: 100, Temperature: 0.2}, llm, mem, fires, nil)
}

func TestProcessEventReturnsAcceptedResponse(t *testing.T) {
	e := newTestExecutive(t, &fakeMemoryStore{}, &fakeFireLookup{}, "a considered response")
	result := e.ProcessEvent(context.Background(), types.Event{ID: "ev-1", Source: "sensor-a", RawText: "something happened"}, true)
	assert.True(t, result.Accepted)
	assert.Equal(t, "a considered response", result.ResponseText)
	assert.Empty(t, result.ErrorMessage)
}

func TestProcessEventDegradesOnLLMUnavailable(t *testing.T) {
	llm := NewLLMClient("http://127.0.0.1:1", "", "model-x") // no api key configured
	e := New(Config{}, llm, &fakeMemoryStore{}, &fakeFireLookup{}, nil)
	result := e.ProcessEvent(context.Background(), types.Event{ID: "ev-1"}, true)
	assert.True(t, result.Accepted)
	assert.Equal(t, "llm_unavailable", result.ErrorMessage)
}

func TestProcessMomentEmptyBatchIsAcceptedNoop(t *testing.T) {
	e := newTestExecutive(t, &fakeMemoryStore{}, &fakeFireLookup{}, "unused")
	result := e.ProcessMoment(context.Background(), nil)
	assert.True(t, result.Accepted)
	assert.Empty(t, result.ResponseID)
}

func TestProcessMomentSummarizesEvents(t *testing.T) {
	e := newTestExecutive(t, &fakeMemoryStore{}, &fakeFireLookup{}, "summary text")
	events := []types.Event{
		{Source: "sensor-a", RawText: "first", Timestamp: time.Now()},
		{Source: "sensor-b", RawText: "second", Timestamp: time.Now()},
	}
	result := e.ProcessMoment(context.Background(), events)
	assert.True(t, result.Accepted)
	assert.Equal(t, "summary text", result.ResponseText)
}

// TestProvideFeedbackPositiveExtractsHeuristic reproduces scenario S1: the
// first positive feedback on an event with no matched heuristic extracts a
// new one, born at alpha=2, beta=1 — the bootstrap prior plus the triggering
// feedback's own Beta-Binomial increment.
func TestProvideFeedbackPositiveExtractsHeuristic(t *testing.T) {
	raw := `{"condition_text":"network latency spikes above threshold","action.message":"throttle non-critical traffic","similarity_threshold":0.8}`
	mem := &fakeMemoryStore{}
	e := newTestExecutive(t, mem, &fakeFireLookup{}, raw)

	result := e.ProvideFeedback(context.Background(), types.Event{ID: "ev-1", Source: "sensor-a"}, "response text", true)
	require.NotNil(t, result.HeuristicCreated)
	assert.Equal(t, "network latency spikes above threshold", result.HeuristicCreated.Condition.Text)
	assert.Equal(t, "throttle non-critical traffic", result.HeuristicCreated.Action.Message)
	assert.Equal(t, float64(2), result.HeuristicCreated.Alpha)
	assert.Equal(t, float64(1), result.HeuristicCreated.Beta)
	assert.Empty(t, result.Rejected)
	require.Len(t, mem.recordedFeedback, 1)
	assert.Equal(t, types.TargetHeuristic, mem.recordedFeedback[0].TargetType)
	assert.True(t, mem.recordedFeedback[0].Processed)
}

// TestProvideFeedbackPositiveReinforcesMatchedHeuristic reproduces scenario
// S2: a second event matches an existing heuristic via the fast path, and
// positive feedback on it reinforces that heuristic directly rather than
// re-running LLM extraction (which the dedup gate would reject anyway).
func TestProvideFeedbackPositiveReinforcesMatchedHeuristic(t *testing.T) {
	var updateCalls int
	mem := &fakeMemoryStore{
		updateFn: func(ctx context.Context, id string, positive bool, src types.FeedbackSource, weight float64) (*types.Heuristic, error) {
			updateCalls++
			assert.True(t, positive)
			assert.Equal(t, "h-1", id)
			return &types.Heuristic{ID: id, Alpha: 3, Beta: 1}, nil
		},
	}
	fires := &fakeFireLookup{heuristic: &types.Heuristic{ID: "h-1", Alpha: 2, Beta: 1}, fireID: "fire-1"}
	e := newTestExecutive(t, mem, fires, "unused")

	result := e.ProvideFeedback(context.Background(), types.Event{ID: "ev-2", Source: "sensor-a"}, "response text", true)
	require.NotNil(t, result.HeuristicUpdated)
	assert.Equal(t, "h-1", result.HeuristicUpdated.ID)
	assert.Equal(t, float64(3), result.HeuristicUpdated.Alpha)
	assert.Nil(t, result.HeuristicCreated, "must reinforce the matched heuristic, not extract a new one")
	assert.Equal(t, 1, updateCalls)
	require.Len(t, mem.recordedFeedback, 1)
	assert.Equal(t, types.TargetHeuristic, mem.recordedFeedback[0].TargetType)
	assert.Equal(t, "h-1", mem.recordedFeedback[0].TargetID)
}

func TestProvideFeedbackPositiveRejectsShortCondition(t *testing.T) {
	raw := `{"condition_text":"x","action.message":"y"}`
	e := newTestExecutive(t, &fakeMemoryStore{}, &fakeFireLookup{}, raw)

	result := e.ProvideFeedback(context.Background(), types.Event{ID: "ev-1", Source: "sensor-a"}, "response text", true)
	assert.Nil(t, result.HeuristicCreated)
	assert.Equal(t, "condition_too_short", result.Rejected)
}

func TestProvideFeedbackPositiveRejectsDuplicate(t *testing.T) {
	raw := `{"condition_text":"network latency spikes above threshold","action.message":"throttle traffic"}`
	mem := &fakeMemoryStore{
		matchingFn: func(ctx context.Context, emb []float64, source string, minSim, minConf float64, limit int) ([]*types.Heuristic, error) {
			return []*types.Heuristic{{ID: "existing"}}, nil
		},
	}
	e := newTestExecutive(t, mem, &fakeFireLookup{}, raw)

	result := e.ProvideFeedback(context.Background(), types.Event{ID: "ev-1", Source: "sensor-a"}, "response text", true)
	assert.Nil(t, result.HeuristicCreated)
	assert.Equal(t, "duplicate", result.Rejected)
}

func TestProvideFeedbackPositiveRejectsUnparsableJSON(t *testing.T) {
	e := newTestExecutive(t, &fakeMemoryStore{}, &fakeFireLookup{}, "not json at all")
	result := e.ProvideFeedback(context.Background(), types.Event{ID: "ev-1", Source: "sensor-a"}, "response text", true)
	assert.Equal(t, "parse_failed", result.Rejected)
}

func TestProvideFeedbackNegativeUpdatesMatchedHeuristic(t *testing.T) {
	mem := &fakeMemoryStore{
		updateFn: func(ctx context.Context, id string, positive bool, src types.FeedbackSource, weight float64) (*types.Heuristic, error) {
			assert.False(t, positive)
			assert.Equal(t, "h-1", id)
			return &types.Heuristic{ID: id, Confidence: 0.3}, nil
		},
	}
	fires := &fakeFireLookup{heuristic: &types.Heuristic{ID: "h-1"}, fireID: "fire-1"}
	e := newTestExecutive(t, mem, fires, "unused")

	result := e.ProvideFeedback(context.Background(), types.Event{ID: "ev-1"}, "", false)
	require.NotNil(t, result.HeuristicUpdated)
	assert.Equal(t, "h-1", result.HeuristicUpdated.ID)
}

func TestProvideFeedbackNegativeNoMatchedHeuristic(t *testing.T) {
	fires := &fakeFireLookup{}
	e := newTestExecutive(t, &fakeMemoryStore{}, fires, "unused")

	result := e.ProvideFeedback(context.Background(), types.Event{ID: "ev-1"}, "", false)
	assert.Equal(t, "no_matched_heuristic", result.Rejected)
}

func TestProvideFeedbackNegativeWithoutFireLookupConfigured(t *testing.T) {
	e := newTestExecutive(t, &fakeMemoryStore{}, nil, "unused")
	result := e.ProvideFeedback(context.Background(), types.Event{ID: "ev-1"}, "", false)
	assert.Equal(t, "no_fire_lookup_configured", result.Rejected)
}
