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
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// WeightedMean calculates the weighted mean of values.
// Zero or negative total weight falls back to the plain mean.
func WeightedMean(values, weights []float64) float64 {
	if len(values) == 0 || len(values) != len(weights) {
		return Mean(values)
	}
	total := 0.0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return Mean(values)
	}
	sum := 0.0
	for i, v := range values {
		w := weights[i]
		if w < 0 {
			w = 0
		}
		sum += v * w
	}
	return sum / total
}

// ZScore calculates how many standard deviations value sits from the
// mean of the window. A flat window scores 0.
func ZScore(value float64, window []float64) float64 {
	if len(window) < 2 {
		return 0
	}
	sd := StdDev(window)
	if sd == 0 {
		return 0
	}
	return (value - Mean(window)) / sd
}

// Correlation calculates the Pearson correlation coefficient between two datasets
func Correlation(x, y []float64) float64 {
	if len(x) < 2 || len(x) != len(y) {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

// CalculateReturns converts prices to percentage returns
// Returns[i] = (Price[i] - Price[i-1]) / Price[i-1]
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return returns
}

// RollingMean advances an incremental mean by one observation.
// count is the number of observations BEFORE this one.
func RollingMean(current float64, count int, next float64) float64 {
	if count <= 0 {
		return next
	}
	return current + (next-current)/float64(count+1)
}

// TanhSquash maps an unbounded signal into (-1, 1) with the given scale.
func TanhSquash(value, scale float64) float64 {
	if scale == 0 {
		scale = 1
	}
	return math.Tanh(value / scale)
}
