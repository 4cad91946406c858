package salience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gladys-project/gladys/pkg/types"
)

type fakeEmbedder struct {
	vec   []float64
	model string
	err   error
}

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.vec, f.model, nil
}

type fakeMemoryStore struct {
	heuristics []*types.Heuristic
	err        error
	calls      int
}

func (f *fakeMemoryStore) QueryMatchingHeuristics(ctx context.Context, queryEmbedding []float64, sourceFilter string, minSimilarity, minConfidence float64, limit int) ([]*types.Heuristic, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.heuristics, nil
}

func testHeuristic(id string, embedding []float64, confidence, threshold float64) *types.Heuristic {
	return &types.Heuristic{
		ID:                  id,
		ConditionEmbedding:  embedding,
		Confidence:          confidence,
		SimilarityThreshold: threshold,
		Source:              "sensor-a",
	}
}

func TestEvaluateSalienceFallsBackWhenNoMatch(t *testing.T) {
	gw, err := New(Config{}, fakeEmbedder{vec: []float64{1, 0, 0}, model: "m1"}, &fakeMemoryStore{}, nil)
	require.NoError(t, err)

	result := gw.EvaluateSalience(context.Background(), "ev-1", "sensor-a", "hello", nil, nil)
	assert.NoError(t, result.Err)
	assert.Empty(t, result.MatchedHeuristicID)
	assert.Equal(t, gw.cfg.FallbackNovelty, result.Salience.Salience)
}

func TestEvaluateSalienceMatchesWarmedCache(t *testing.T) {
	h := testHeuristic("h-1", []float64{1, 0, 0}, 0.9, 0.5)
	mem := &fakeMemoryStore{heuristics: []*types.Heuristic{h}}
	gw, err := New(Config{MinHeuristicConfidence: 0.5}, fakeEmbedder{vec: []float64{1, 0, 0}, model: "m1"}, mem, nil)
	require.NoError(t, err)

	result := gw.EvaluateSalience(context.Background(), "ev-1", "sensor-a", "hello", nil, nil)
	assert.Equal(t, "h-1", result.MatchedHeuristicID)
	assert.Equal(t, 1, mem.calls)

	// Second call should hit the warmed cache, not the store again.
	result2 := gw.EvaluateSalience(context.Background(), "ev-2", "sensor-a", "hello again", nil, nil)
	assert.Equal(t, "h-1", result2.MatchedHeuristicID)
	assert.Equal(t, 1, mem.calls)
	assert.True(t, result2.FromCache)
}

func TestEvaluateSalienceDegradesOnStorageError(t *testing.T) {
	mem := &fakeMemoryStore{err: errors.New("db unreachable")}
	gw, err := New(Config{}, fakeEmbedder{vec: []float64{1, 0, 0}, model: "m1"}, mem, nil)
	require.NoError(t, err)

	result := gw.EvaluateSalience(context.Background(), "ev-1", "sensor-a", "hello", nil, nil)
	assert.Error(t, result.Err)
	assert.Equal(t, gw.cfg.FallbackNovelty, result.Salience.Salience)
}

func TestEvaluateSalienceDegradesOnEmbedderError(t *testing.T) {
	gw, err := New(Config{}, fakeEmbedder{err: errors.New("embedder down")}, &fakeMemoryStore{}, nil)
	require.NoError(t, err)

	result := gw.EvaluateSalience(context.Background(), "ev-1", "sensor-a", "hello", nil, nil)
	assert.NoError(t, result.Err)
	assert.Empty(t, result.MatchedHeuristicID)
}

func TestMatchCacheRespectsSourceFilter(t *testing.T) {
	gw, err := New(Config{MinHeuristicConfidence: 0.1}, nil, nil, nil)
	require.NoError(t, err)
	gw.warmCache(testHeuristic("h-1", []float64{1, 0, 0}, 0.9, 0.1))

	best, found := gw.matchCache([]float64{1, 0, 0}, "different-source")
	assert.Nil(t, best)
	assert.False(t, found)
}

func TestMatchCacheRespectsTTLExpiry(t *testing.T) {
	gw, err := New(Config{MinHeuristicConfidence: 0.1, CacheTTL: time.Millisecond}, nil, nil, nil)
	require.NoError(t, err)
	gw.warmCache(testHeuristic("h-1", []float64{1, 0, 0}, 0.9, 0.1))

	time.Sleep(5 * time.Millisecond)
	best, _ := gw.matchCache([]float64{1, 0, 0}, "")
	assert.Nil(t, best)
}

func TestNotifyHeuristicChangeDeletedEvicts(t *testing.T) {
	gw, err := New(Config{}, nil, nil, nil)
	require.NoError(t, err)
	gw.warmCache(testHeuristic("h-1", []float64{1, 0, 0}, 0.9, 0.1))
	assert.Len(t, gw.ListCachedHeuristics(0), 1)

	gw.NotifyHeuristicChange("h-1", ChangeDeleted, nil)
	assert.Empty(t, gw.ListCachedHeuristics(0))
}

func TestNotifyHeuristicChangeUpdatedWarms(t *testing.T) {
	gw, err := New(Config{}, nil, nil, nil)
	require.NoError(t, err)
	h := testHeuristic("h-1", []float64{1, 0, 0}, 0.9, 0.1)
	gw.NotifyHeuristicChange("h-1", ChangeUpdated, h)
	assert.Len(t, gw.ListCachedHeuristics(0), 1)
}

func TestNotifyHeuristicChangeStaleDeleteIsNoop(t *testing.T) {
	gw, err := New(Config{}, nil, nil, nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		gw.NotifyHeuristicChange("never-cached", ChangeDeleted, nil)
	})
}

func TestBoostFromHeuristicClampsAndDefaults(t *testing.T) {
	h := &types.Heuristic{
		Action: types.Action{Extra: map[string]any{
			types.DimGoalRelevance: 1.5,
			types.DimOpportunity:   -0.3,
			"threat":               0.8,
		}},
	}
	result := boostFromHeuristic(h, "model-x")
	assert.Equal(t, 1.0, result.Dimensions[types.DimGoalRelevance])
	assert.Equal(t, 0.0, result.Dimensions[types.DimOpportunity])
	assert.Equal(t, 0.8, result.Threat)
	assert.Equal(t, 1.0, result.Salience)
}

func TestCosineSimilarityMismatchedLengthIsZero(t *testing.T) {
	assert.Equal(t, 0.0, cosineSimilarity([]float64{1, 2}, []float64{1, 2, 3}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, []float64{1}))
}

func TestGetCacheStatsTracksHitsAndMisses(t *testing.T) {
	h := testHeuristic("h-1", []float64{1, 0, 0}, 0.9, 0.1)
	gw, err := New(Config{MinHeuristicConfidence: 0.1}, fakeEmbedder{vec: []float64{1, 0, 0}, model: "m1"}, &fakeMemoryStore{heuristics: []*types.Heuristic{h}}, nil)
	require.NoError(t, err)

	gw.EvaluateSalience(context.Background(), "ev-1", "", "hi", nil, nil)
	gw.EvaluateSalience(context.Background(), "ev-2", "", "hi", nil, nil)

	stats := gw.GetCacheStats()
	assert.Equal(t, int64(2), stats.TotalHits)
	assert.Equal(t, 1, stats.Size)
}
