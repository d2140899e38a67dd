package formulas

import "math"

// Clamp limits value to the [min, max] range.
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// Round3 rounds to 3 decimal places (scores)
func Round3(value float64) float64 {
	return math.Round(value*1000) / 1000
}

// Round6 rounds to 6 decimal places (allocation weights, USDC amounts)
func Round6(value float64) float64 {
	return math.Round(value*1000000) / 1000000
}

// NormLogRange normalises a positive magnitude (typically a USD volume)
// onto [0, 1] using a log10 ramp between floor and ceil.
//
//	norm(v) = clamp((log10(v+1) - log10(floor+1)) / (log10(ceil+1) - log10(floor+1)), 0, 1)
func NormLogRange(value, floor, ceil float64) float64 {
	if value < 0 {
		value = 0
	}
	if ceil <= floor {
		return 0
	}
	lo := math.Log10(floor + 1)
	hi := math.Log10(ceil + 1)
	if hi == lo {
		return 0
	}
	return Clamp((math.Log10(value+1)-lo)/(hi-lo), 0, 1)
}

// HerfindahlIndex calculates the concentration index of a weight vector.
// Weights are expected to sum to ~1; the result is Σ w².
func HerfindahlIndex(weights []float64) float64 {
	sum := 0.0
	for _, w := range weights {
		sum += w * w
	}
	return sum
}

// ProportionalWithCap distributes total across scores proportionally,
// capping every share at cap and redistributing the excess to uncapped
// entries. Returns weights aligned with scores. Scores <= 0 get zero.
func ProportionalWithCap(scores []float64, total, cap float64) []float64 {
	weights := make([]float64, len(scores))
	if total <= 0 || len(scores) == 0 {
		return weights
	}

	remaining := total
	active := make([]int, 0, len(scores))
	for i, s := range scores {
		if s > 0 {
			active = append(active, i)
		}
	}

	// Iteratively cap and redistribute. Each pass either caps at least
	// one entry or terminates, so passes are bounded by len(scores).
	for pass := 0; pass < len(scores)+1 && len(active) > 0 && remaining > 1e-12; pass++ {
		scoreSum := 0.0
		for _, i := range active {
			scoreSum += scores[i]
		}
		if scoreSum <= 0 {
			break
		}

		capped := false
		next := active[:0]
		for _, i := range active {
			share := remaining * scores[i] / scoreSum
			if weights[i]+share >= cap {
				weights[i] = cap
				capped = true
			} else {
				next = append(next, i)
			}
		}

		if !capped {
			for _, i := range next {
				weights[i] += remaining * scores[i] / scoreSum
			}
			remaining = 0
			break
		}

		// Recompute what is still distributable after capping.
		assigned := 0.0
		for _, w := range weights {
			assigned += w
		}
		remaining = total - assigned
		active = next
	}

	return weights
}
