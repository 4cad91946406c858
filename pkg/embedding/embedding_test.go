package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedIsDeterministic(t *testing.T) {
	c := NewClient(64)
	ctx := context.Background()

	v1, model1, err := c.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)
	v2, model2, err := c.Embed(ctx, "the quick brown fox")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, ModelID, model1)
	assert.Equal(t, model1, model2)
}

func TestEmbedProducesUnitLengthVectors(t *testing.T) {
	c := NewClient(32)
	v, _, err := c.Embed(context.Background(), "a non-trivial sentence with several tokens")
	require.NoError(t, err)

	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(sumSq), 1e-9)
}

func TestEmbedDistinctTextsDiffer(t *testing.T) {
	c := NewClient(64)
	ctx := context.Background()
	v1, _, err := c.Embed(ctx, "alpha beta gamma")
	require.NoError(t, err)
	v2, _, err := c.Embed(ctx, "completely different words here")
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
}

func TestEmbedRespectsContextCancellation(t *testing.T) {
	c := NewClient(16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Embed(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewClientDefaultsNonPositiveDim(t *testing.T) {
	c := NewClient(0)
	assert.Equal(t, 384, c.dim)
	c2 := NewClient(-5)
	assert.Equal(t, 384, c2.dim)
}

func TestEmbedCacheHitReturnsSameSlice(t *testing.T) {
	c := NewClient(16)
	ctx := context.Background()
	v1, _, err := c.Embed(ctx, "cached text")
	require.NoError(t, err)
	v2, _, err := c.Embed(ctx, "cached text")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Same(t, &v1[0], &v2[0])
}
