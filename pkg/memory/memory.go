// Package memory implements the Memory Store: persistent episodic events,
// heuristics with Bayesian confidence, heuristic-fire audit log, and
// embedding-backed semantic search. It wraps pkg/storage's repositories and
// the embedder interface behind the Memory Store's RPC-shaped operations.
package memory

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/gladys-project/gladys/pkg/storage"
	"github.com/gladys-project/gladys/pkg/types"
)

// Embedder generates embeddings for heuristic conditions and event text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, string, error)
}

// HeuristicChangeNotifier is the Salience Gateway's invalidation hook.
type HeuristicChangeNotifier interface {
	NotifyHeuristicChange(heuristicID string, change ChangeType, updated *types.Heuristic)
}

// ChangeType mirrors salience.ChangeType without importing the salience
// package, keeping Memory Store decoupled from the gateway's internals; the
// orchestrator wiring layer adapts between the two.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// Store is the Memory Store service.
type Store struct {
	db       *storage.Client
	embedder Embedder
	notifier HeuristicChangeNotifier
	logger   *slog.Logger
}

// New constructs a Store. notifier may be nil (e.g. in tests exercising
// persistence alone); NotifyHeuristicChange calls become no-ops.
func New(db *storage.Client, embedder Embedder, notifier HeuristicChangeNotifier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, embedder: embedder, notifier: notifier, logger: logger}
}

func (s *Store) notify(id string, change ChangeType, h *types.Heuristic) {
	if s.notifier != nil {
		s.notifier.NotifyHeuristicChange(id, change, h)
	}
}

// StoreEpisode persists an episode, idempotent on event id.
func (s *Store) StoreEpisode(ctx context.Context, ep *types.EpisodicEvent) (string, error) {
	id, err := s.db.Episodes.StoreEpisode(ctx, ep)
	if err != nil {
		return "", fmt.Errorf("memory: store episode: %w", err)
	}
	return id, nil
}

// QueryEpisodesBy selects the ordering mode for QueryEpisodes.
type QueryEpisodesBy string

const (
	ByTime       QueryEpisodesBy = "by_time"
	BySimilarity QueryEpisodesBy = "by_similarity"
)

// QueryEpisodes returns episodes ordered by recency or descending similarity.
func (s *Store) QueryEpisodes(ctx context.Context, by QueryEpisodesBy, source string, queryText string, limit int) ([]*types.EpisodicEvent, error) {
	switch by {
	case BySimilarity:
		emb, _, err := s.embedder.Embed(ctx, queryText)
		if err != nil {
			return nil, fmt.Errorf("memory: embed query text: %w", err)
		}
		return s.db.Episodes.QueryBySimilarity(ctx, emb, source, limit)
	default:
		return s.db.Episodes.QueryByTime(ctx, source, limit)
	}
}

// StoreHeuristic inserts a heuristic, optionally generating its condition
// embedding, and notifies the gateway of the creation.
func (s *Store) StoreHeuristic(ctx context.Context, h *types.Heuristic, generateEmbedding bool) (*types.Heuristic, error) {
	stored, err := s.db.Heuristics.StoreHeuristic(ctx, h, generateEmbedding, storageEmbedderAdapter{s.embedder})
	if err != nil {
		return nil, fmt.Errorf("memory: store heuristic: %w", err)
	}
	s.notify(stored.ID, ChangeCreated, stored)
	return stored, nil
}

// UpdateHeuristicConfidence applies the Beta-Binomial update atomically and
// notifies the gateway of the new confidence.
func (s *Store) UpdateHeuristicConfidence(ctx context.Context, id string, positive bool, feedbackSource types.FeedbackSource, weight float64) (*types.Heuristic, error) {
	h, err := s.db.Heuristics.UpdateHeuristicConfidence(ctx, id, positive, feedbackSource, weight)
	if err != nil {
		return nil, err // ErrHeuristicFrozen is a meaningful sentinel callers check for
	}
	s.notify(id, ChangeUpdated, h)
	return h, nil
}

// QueryMatchingHeuristics runs the ANN vector search with exact-match source
// filtering.
func (s *Store) QueryMatchingHeuristics(ctx context.Context, eventEmbedding []float64, sourceFilter string, minSimilarity, minConfidence float64, limit int) ([]*types.Heuristic, error) {
	out, err := s.db.Heuristics.QueryMatchingHeuristics(ctx, eventEmbedding, sourceFilter, minSimilarity, minConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: query matching heuristics: %w", err)
	}
	return out, nil
}

// RecordHeuristicFire appends a fire audit row. Append-only.
func (s *Store) RecordHeuristicFire(ctx context.Context, heuristicID, eventID, episodicEventID string) (*types.HeuristicFire, error) {
	fire, err := s.db.Heuristics.RecordHeuristicFire(ctx, heuristicID, eventID, episodicEventID)
	if err != nil {
		return nil, fmt.Errorf("memory: record heuristic fire: %w", err)
	}
	return fire, nil
}

// ResolveHeuristicFire resolves a fire's outcome exactly once; subsequent
// attempts return storage.ErrFireAlreadyResolved.
func (s *Store) ResolveHeuristicFire(ctx context.Context, fireID string, outcome types.FireOutcome, feedbackSource types.FeedbackSource) error {
	return s.db.Heuristics.ResolveHeuristicFire(ctx, fireID, outcome, feedbackSource)
}

// RecordFeedback persists a normalized feedback signal, append-only.
func (s *Store) RecordFeedback(ctx context.Context, fe *types.FeedbackEvent) (*types.FeedbackEvent, error) {
	recorded, err := s.db.Feedback.Record(ctx, fe)
	if err != nil {
		return nil, fmt.Errorf("memory: record feedback: %w", err)
	}
	return recorded, nil
}

// GenerateEmbedding returns a fixed-dimension vector for text, deterministic
// per (model id, text).
func (s *Store) GenerateEmbedding(ctx context.Context, text string) ([]float64, string, error) {
	return s.embedder.Embed(ctx, text)
}

// ConfidenceDistribution returns the Beta(α, β) distribution backing a
// heuristic's confidence, for introspection endpoints (mean/variance
// diagnostics) — grounded on gonum's distuv.Beta rather than hand-deriving
// the variance formula inline.
func (s *Store) ConfidenceDistribution(h *types.Heuristic) distuv.Beta {
	return distuv.Beta{Alpha: h.Alpha, Beta: h.Beta}
}

// Health reports whether the underlying database is reachable.
func (s *Store) Health(ctx context.Context) error {
	return s.db.DB().PingContext(ctx)
}

// storageEmbedderAdapter adapts memory.Embedder to storage.Embedder; they
// have identical shapes but are declared independently so pkg/storage does
// not need to import pkg/memory's interface declarations.
type storageEmbedderAdapter struct {
	e Embedder
}

func (a storageEmbedderAdapter) Embed(ctx context.Context, text string) ([]float64, string, error) {
	return a.e.Embed(ctx, text)
}
