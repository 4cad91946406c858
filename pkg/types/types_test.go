package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSalienceResult(t *testing.T) {
	r := DefaultSalienceResult(0.42, "model-x")
	assert.Equal(t, 0.42, r.Salience)
	assert.Equal(t, 0.42, r.Dimensions[DimNovelty])
	assert.Zero(t, r.Dimensions[DimGoalRelevance])
	assert.Zero(t, r.Threat)
	assert.Equal(t, "model-x", r.ModelID)
}

func TestRecomputeConfidenceDefaultPrior(t *testing.T) {
	h := &Heuristic{}
	h.RecomputeConfidence()
	assert.Equal(t, 0.5, h.Confidence)
	assert.Equal(t, DefaultAlphaBeta, h.Alpha)
	assert.Equal(t, DefaultAlphaBeta, h.Beta)
}

func TestRecomputeConfidenceAfterSuccesses(t *testing.T) {
	h := &Heuristic{Alpha: 9, Beta: 1}
	h.RecomputeConfidence()
	assert.InDelta(t, 0.9, h.Confidence, 1e-9)
}

func TestRecomputeConfidenceClampsNegativeAlphaBeta(t *testing.T) {
	h := &Heuristic{Alpha: -3, Beta: -1}
	h.RecomputeConfidence()
	assert.Equal(t, 0.5, h.Confidence)
}

func TestRecomputeConfidenceNeverExceedsUnitInterval(t *testing.T) {
	h := &Heuristic{Alpha: 1e9, Beta: DefaultAlphaBeta}
	h.RecomputeConfidence()
	assert.LessOrEqual(t, h.Confidence, 1.0)
	assert.GreaterOrEqual(t, h.Confidence, 0.0)
}
