// Package salience implements the Salience Gateway: an in-memory heuristic
// cache with embedding-similarity matching, warmed from and invalidated by
// the Memory Store.
package salience

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"gonum.org/v1/gonum/floats"

	"github.com/gladys-project/gladys/pkg/types"
)

// Embedder generates embeddings for raw event text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, string, error)
}

// MemoryStore is the subset of the Memory Store's contract the gateway
// depends on: storage-backed heuristic lookup for cache misses.
type MemoryStore interface {
	QueryMatchingHeuristics(ctx context.Context, queryEmbedding []float64, sourceFilter string, minSimilarity, minConfidence float64, limit int) ([]*types.Heuristic, error)
}

// Config tunes the gateway's matching and cache policy.
type Config struct {
	CacheCapacity          int
	CacheTTL               time.Duration // 0 = no TTL
	MinHeuristicSimilarity float64
	MinHeuristicConfidence float64
	FallbackNovelty        float64
}

// cacheEntry wraps a heuristic with cache bookkeeping.
type cacheEntry struct {
	heuristic    *types.Heuristic
	lastAccessed time.Time
	hitCount     int64
	lastHit      time.Time
}

// Stats reports the gateway's cache performance, per GetCacheStats.
type Stats struct {
	TotalHits     int64
	TotalMisses   int64
	Size          int
	PerHeuristic  map[string]HeuristicStat
}

// HeuristicStat is the per-entry portion of Stats.
type HeuristicStat struct {
	HitCount int64
	LastHit  time.Time
}

// Gateway is the Salience Gateway: cosine-similarity heuristic matching
// backed by an LRU+TTL cache, with graceful degradation to a default
// salience result on embedder or storage failure.
type Gateway struct {
	cfg      Config
	embedder Embedder
	memory   MemoryStore
	logger   *slog.Logger

	embedderBreaker *gobreaker.CircuitBreaker
	memoryBreaker   *gobreaker.CircuitBreaker

	mu          sync.Mutex
	cache       *lru.Cache[string, *cacheEntry]
	totalHits   int64
	totalMisses int64
}

// New constructs a Gateway. embedder/memory may be nil in tests that only
// exercise the pure-cache path.
func New(cfg Config, embedder Embedder, memory MemoryStore, logger *slog.Logger) (*Gateway, error) {
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 50
	}
	if cfg.MinHeuristicConfidence == 0 {
		cfg.MinHeuristicConfidence = 0.5
	}
	if cfg.FallbackNovelty == 0 {
		cfg.FallbackNovelty = 0.75
	}
	if logger == nil {
		logger = slog.Default()
	}

	c, err := lru.New[string, *cacheEntry](cfg.CacheCapacity)
	if err != nil {
		return nil, err
	}

	return &Gateway{
		cfg:      cfg,
		embedder: embedder,
		memory:   memory,
		logger:   logger,
		cache:    c,
		embedderBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "salience-embedder",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
		}),
		memoryBreaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "salience-memory-store",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
		}),
	}, nil
}

// EvaluateResult is the outcome of EvaluateSalience.
type EvaluateResult struct {
	Salience          types.SalienceResult
	FromCache         bool
	MatchedHeuristicID string
	Err               error
}

// EvaluateSalience matches raw_text against the cached (then storage-backed)
// heuristic set and returns a salience result. It never returns a Go error
// for ordinary misses or degraded-embedder/storage conditions — those are
// reported via EvaluateResult.Err for logging while Salience is still
// populated with the graceful-degradation default.
func (g *Gateway) EvaluateSalience(ctx context.Context, eventID, source, rawText string, structured map[string]any, entityIDs []string) EvaluateResult {
	embedding, modelID, embErr := g.embed(ctx, rawText)
	if embErr != nil {
		g.logger.Warn("embedder unavailable, skipping heuristic matching", "event_id", eventID, "error", embErr)
		// embedding stays nil: matchCache returns no candidate for an empty
		// vector and storage is only queried with an embedding, so this
		// degrades to the "no candidates" default below rather than a crash.
	}

	best, fromCache := g.matchCache(embedding, source)
	if best == nil && g.memory != nil && embedding != nil {
		candidates, err := g.queryStorage(ctx, embedding, source)
		if err != nil {
			g.logger.Warn("memory store unreachable during salience evaluation", "event_id", eventID, "error", err)
			return EvaluateResult{Salience: types.DefaultSalienceResult(g.cfg.FallbackNovelty, modelID), Err: err}
		}
		for _, h := range candidates {
			g.warmCache(h)
		}
		best, fromCache = g.matchCache(embedding, source), false
	}

	g.mu.Lock()
	if best != nil {
		g.totalHits++
	} else {
		g.totalMisses++
	}
	g.mu.Unlock()

	if best == nil {
		return EvaluateResult{
			Salience:  types.DefaultSalienceResult(g.cfg.FallbackNovelty, modelID),
			FromCache: fromCache,
		}
	}

	return EvaluateResult{
		Salience:           boostFromHeuristic(best, modelID),
		FromCache:          fromCache,
		MatchedHeuristicID: best.ID,
	}
}

func (g *Gateway) embed(ctx context.Context, text string) ([]float64, string, error) {
	if g.embedder == nil {
		return nil, "", nil
	}
	result, err := g.embedderBreaker.Execute(func() (any, error) {
		emb, model, err := g.embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		return [2]any{emb, model}, nil
	})
	if err != nil {
		return nil, "", err
	}
	pair := result.([2]any)
	return pair[0].([]float64), pair[1].(string), nil
}

func (g *Gateway) queryStorage(ctx context.Context, embedding []float64, source string) ([]*types.Heuristic, error) {
	result, err := g.memoryBreaker.Execute(func() (any, error) {
		return g.memory.QueryMatchingHeuristics(ctx, embedding, source, g.cfg.MinHeuristicSimilarity, g.cfg.MinHeuristicConfidence, 10)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*types.Heuristic), nil
}

// matchCache scans the cache for the best candidate: highest
// similarity×confidence, subject to similarity/confidence/source/TTL gates.
func (g *Gateway) matchCache(queryEmbedding []float64, source string) (*types.Heuristic, bool) {
	if len(queryEmbedding) == 0 {
		return nil, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var bestEntry *cacheEntry
	var bestScore float64
	now := time.Now()

	for _, key := range g.cache.Keys() {
		entry, ok := g.cache.Peek(key)
		if !ok {
			continue
		}
		if g.cfg.CacheTTL > 0 && now.Sub(entry.lastAccessed) > g.cfg.CacheTTL {
			continue
		}
		h := entry.heuristic
		if source != "" && h.Source != source {
			continue
		}
		if h.Confidence < g.cfg.MinHeuristicConfidence {
			continue
		}
		sim := cosineSimilarity(queryEmbedding, h.ConditionEmbedding)
		threshold := h.SimilarityThreshold
		if g.cfg.MinHeuristicSimilarity > threshold {
			threshold = g.cfg.MinHeuristicSimilarity
		}
		if sim < threshold {
			continue
		}
		score := sim * h.Confidence
		if bestEntry == nil || score > bestScore {
			bestEntry = entry
			bestScore = score
		}
	}

	if bestEntry == nil {
		return nil, false
	}
	bestEntry.lastAccessed = now
	g.cache.Get(bestEntry.heuristic.ID) // mark the hit most recently used
	bestEntry.hitCount++
	bestEntry.lastHit = now
	return bestEntry.heuristic, true
}

// warmCache inserts or refreshes a heuristic returned by a storage query.
func (g *Gateway) warmCache(h *types.Heuristic) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache.Add(h.ID, &cacheEntry{heuristic: h, lastAccessed: time.Now()})
}

// FlushCache empties the cache entirely.
func (g *Gateway) FlushCache() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache.Purge()
}

// EvictFromCache removes a single heuristic from the cache, tolerating a
// miss (it may already be gone, or never warmed).
func (g *Gateway) EvictFromCache(heuristicID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache.Remove(heuristicID)
}

// ListCachedHeuristics returns up to limit cached heuristics, most recently
// accessed first.
func (g *Gateway) ListCachedHeuristics(limit int) []*types.Heuristic {
	g.mu.Lock()
	defer g.mu.Unlock()

	keys := g.cache.Keys()
	out := make([]*types.Heuristic, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		entry, ok := g.cache.Peek(keys[i])
		if !ok {
			continue
		}
		out = append(out, entry.heuristic)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// GetCacheStats reports hit/miss totals and per-heuristic hit counts.
func (g *Gateway) GetCacheStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	per := make(map[string]HeuristicStat, g.cache.Len())
	for _, key := range g.cache.Keys() {
		entry, ok := g.cache.Peek(key)
		if !ok {
			continue
		}
		per[key] = HeuristicStat{HitCount: entry.hitCount, LastHit: entry.lastHit}
	}
	return Stats{
		TotalHits:    g.totalHits,
		TotalMisses:  g.totalMisses,
		Size:         g.cache.Len(),
		PerHeuristic: per,
	}
}

// ChangeType enumerates the kinds of heuristic mutation NotifyHeuristicChange
// carries.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// NotifyHeuristicChange is the invalidation hook the Memory Store calls
// whenever a heuristic mutates. It is best-effort and tolerates stale
// notifications (e.g. deleted-change for a heuristic never cached) — these
// are silent no-ops, not errors.
func (g *Gateway) NotifyHeuristicChange(heuristicID string, change ChangeType, updated *types.Heuristic) {
	switch change {
	case ChangeDeleted:
		g.EvictFromCache(heuristicID)
	case ChangeCreated, ChangeUpdated:
		if updated != nil {
			g.warmCache(updated)
		} else {
			// no fresh row provided; drop the stale entry so the next
			// EvaluateSalience call re-warms it from storage.
			g.EvictFromCache(heuristicID)
		}
	}
}

// boostFromHeuristic derives a SalienceResult from the matched heuristic's
// action.extra JSON: a whitelist of dimension keys, clamped to [0,1], NaN
// dropped.
func boostFromHeuristic(h *types.Heuristic, modelID string) types.SalienceResult {
	dims := map[string]float64{
		types.DimNovelty:       0,
		types.DimGoalRelevance: 0,
		types.DimOpportunity:   0,
		types.DimActionability: 0,
		types.DimSocial:        0,
	}
	threat := 0.0
	if h.Action.Extra != nil {
		for key := range dims {
			if raw, ok := h.Action.Extra[key]; ok {
				if v, ok := toFloat(raw); ok && !math.IsNaN(v) {
					dims[key] = clamp01(v)
				}
			}
		}
		if raw, ok := h.Action.Extra["threat"]; ok {
			if v, ok := toFloat(raw); ok && !math.IsNaN(v) {
				threat = clamp01(v)
			}
		}
	}
	overall := dims[types.DimGoalRelevance]
	if dims[types.DimOpportunity] > overall {
		overall = dims[types.DimOpportunity]
	}
	return types.SalienceResult{
		Dimensions:  dims,
		Threat:      threat,
		Salience:    overall,
		Habituation: 0,
		ModelID:     modelID,
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// cosineSimilarity uses gonum's floats package for the dot product and
// Euclidean norm rather than hand-rolled loops, matching the reference
// pack's use of gonum for vector math.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
