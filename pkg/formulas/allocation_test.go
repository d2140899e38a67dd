package formulas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.5, Clamp(0.5, 0, 1))
	assert.Equal(t, 0.0, Clamp(-2, 0, 1))
	assert.Equal(t, 1.0, Clamp(7, 0, 1))
}

func TestNormLogRange(t *testing.T) {
	// Below floor clamps to 0, above ceil clamps to 1
	assert.Equal(t, 0.0, NormLogRange(0, 1_000_000, 1_000_000_000))
	assert.Equal(t, 1.0, NormLogRange(5_000_000_000, 1_000_000, 1_000_000_000))

	// Midpoint on the log scale lands near the middle
	mid := NormLogRange(31_622_776, 1_000_000, 1_000_000_000) // sqrt(1e6*1e9)
	assert.InDelta(t, 0.5, mid, 0.01)

	// Degenerate range never divides by zero
	assert.Equal(t, 0.0, NormLogRange(100, 50, 50))
}

func TestHerfindahlIndex(t *testing.T) {
	// Fully concentrated portfolio
	assert.InDelta(t, 1.0, HerfindahlIndex([]float64{1}), 1e-9)

	// Even split across 4 assets = 0.25
	assert.InDelta(t, 0.25, HerfindahlIndex([]float64{0.25, 0.25, 0.25, 0.25}), 1e-9)
}

func TestProportionalWithCap_NoCapsHit(t *testing.T) {
	weights := ProportionalWithCap([]float64{2, 1, 1}, 1.0, 0.9)

	assert.InDelta(t, 0.5, weights[0], 1e-9)
	assert.InDelta(t, 0.25, weights[1], 1e-9)
	assert.InDelta(t, 0.25, weights[2], 1e-9)
}

func TestProportionalWithCap_RedistributesExcess(t *testing.T) {
	weights := ProportionalWithCap([]float64{10, 1, 1}, 1.0, 0.4)

	assert.InDelta(t, 0.4, weights[0], 1e-9)
	assert.InDelta(t, 0.3, weights[1], 1e-9)
	assert.InDelta(t, 0.3, weights[2], 1e-9)

	total := weights[0] + weights[1] + weights[2]
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestProportionalWithCap_AllCapped(t *testing.T) {
	// Caps too small to absorb the total: every entry stops at the cap.
	weights := ProportionalWithCap([]float64{1, 1}, 1.0, 0.3)

	assert.InDelta(t, 0.3, weights[0], 1e-9)
	assert.InDelta(t, 0.3, weights[1], 1e-9)
}

func TestZScore(t *testing.T) {
	window := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 0, ZScore(3, window), 1e-9)
	assert.Greater(t, ZScore(10, window), 2.0)
	assert.Equal(t, 0.0, ZScore(3, []float64{2, 2, 2}))
}

func TestRollingMean(t *testing.T) {
	m := 0.0
	for i, v := range []float64{100, 200, 300} {
		m = RollingMean(m, i, v)
	}
	assert.InDelta(t, 200, m, 1e-9)
}

func TestWeightedMean(t *testing.T) {
	assert.InDelta(t, 2.5, WeightedMean([]float64{1, 3}, []float64{1, 3}), 1e-9)
	// Zero weights fall back to plain mean
	assert.InDelta(t, 2.0, WeightedMean([]float64{1, 3}, []float64{0, 0}), 1e-9)
}
