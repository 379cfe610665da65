package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// ZScore returns how many standard deviations a value sits from the mean of
// the series. Returns 0 for degenerate series (fewer than 2 points or zero
// spread).
func ZScore(value float64, series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	sd := StdDev(series)
	if sd == 0 || math.IsNaN(sd) {
		return 0
	}
	return (value - Mean(series)) / sd
}
