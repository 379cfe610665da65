package formulas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMean(t *testing.T) {
	assert.InDelta(t, 3.0, Mean([]float64{1, 2, 3, 4, 5}), 0.0001)
	assert.Equal(t, 0.0, Mean(nil))
}

func TestStdDev(t *testing.T) {
	assert.InDelta(t, 1.5811, StdDev([]float64{1, 2, 3, 4, 5}), 0.001)
	assert.Equal(t, 0.0, StdDev(nil))
}

func TestZScore(t *testing.T) {
	series := []float64{2, 2, 2, 2, 2}
	// Zero spread: no meaningful z-score
	assert.Equal(t, 0.0, ZScore(10, series))

	series = []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 1.2649, ZScore(5, series), 0.001)

	// Degenerate series
	assert.Equal(t, 0.0, ZScore(5, []float64{1}))
}
