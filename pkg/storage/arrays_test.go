package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPqFloatArrayValueAndScan(t *testing.T) {
	a := pqFloatArray{1.5, 2.5, 3.5}
	v, err := a.Value()
	require.NoError(t, err)
	require.NotNil(t, v)

	var out pqFloatArray
	err = out.Scan(v)
	require.NoError(t, err)
	assert.Equal(t, a, out)
}

func TestPqTextArrayValueAndScan(t *testing.T) {
	a := pqTextArray{"sensor-a", "sensor-b"}
	v, err := a.Value()
	require.NoError(t, err)
	require.NotNil(t, v)

	var out pqTextArray
	err = out.Scan(v)
	require.NoError(t, err)
	assert.Equal(t, a, out)
}

func TestCosineSimilarityMismatchedLengths(t *testing.T) {
	assert.Equal(t, 0.0, cosineSimilarity([]float64{1, 2, 3}, []float64{1, 2}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
}

func TestCosineSimilarityIdenticalVectors(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
}

func TestCosineSimilarityOrthogonalVectors(t *testing.T) {
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
}
