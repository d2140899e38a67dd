package macro

import (
	"github.com/selunlabs/selun-engine/pkg/formulas"
)

// weightedSeries reduces several series to one by credibility-weighted
// element-wise mean, aligned to the shortest common tail.
func weightedSeries(series [][]float64, weights []float64) []float64 {
	shortest := 0
	for _, s := range series {
		if len(s) == 0 {
			continue
		}
		if shortest == 0 || len(s) < shortest {
			shortest = len(s)
		}
	}
	if shortest == 0 {
		return nil
	}

	out := make([]float64, shortest)
	for i := 0; i < shortest; i++ {
		var vals, ws []float64
		for j, s := range series {
			if len(s) < shortest {
				continue
			}
			vals = append(vals, s[len(s)-shortest+i])
			ws = append(ws, weights[j])
		}
		out[i] = formulas.WeightedMean(vals, ws)
	}
	return out
}

func aggregateVolatility(cands []volCandidate) VolatilitySignal {
	if len(cands) == 0 {
		return VolatilitySignal{Missing: true}
	}

	var btcSeries, ethSeries [][]float64
	var btcWeights, ethWeights []float64
	var pressures, pressureWeights []float64

	for _, c := range cands {
		if len(c.obs.BTCDailyCloses) >= 2 {
			btcSeries = append(btcSeries, c.obs.BTCDailyCloses)
			btcWeights = append(btcWeights, c.weight)
		}
		if len(c.obs.ETHDailyCloses) >= 2 {
			ethSeries = append(ethSeries, c.obs.ETHDailyCloses)
			ethWeights = append(ethWeights, c.weight)
		}
		if c.obs.CapChangePct24 != nil {
			pressures = append(pressures, abs(*c.obs.CapChangePct24))
			pressureWeights = append(pressureWeights, c.weight)
		}
	}

	btcCloses := weightedSeries(btcSeries, btcWeights)
	ethCloses := weightedSeries(ethSeries, ethWeights)
	if len(btcCloses) < 2 && len(ethCloses) < 2 {
		// Cap pressure alone cannot stand in for realised volatility.
		return VolatilitySignal{Missing: true, SourceCount: len(cands)}
	}

	var vols []float64
	var absRets []float64
	for _, closes := range [][]float64{btcCloses, ethCloses} {
		rets := formulas.CalculateReturns(closes)
		if len(rets) == 0 {
			continue
		}
		vols = append(vols, formulas.StdDev(rets))
		for _, r := range rets {
			absRets = append(absRets, abs(r))
		}
	}

	combined := formulas.Mean(vols)
	volZ := 0.0
	if len(absRets) >= 2 {
		volZ = formulas.ZScore(absRets[len(absRets)-1], absRets)
	}
	pressure := formulas.WeightedMean(pressures, pressureWeights)

	return VolatilitySignal{
		State:            volatilityStateFrom(combined, volZ, pressure),
		CombinedDailyVol: formulas.Round6(combined),
		VolZScore:        formulas.Round3(volZ),
		CapPressurePct:   formulas.Round3(pressure),
		SourceCount:      len(cands),
	}
}

func volatilityStateFrom(combinedVol, volZ, capPressurePct float64) VolatilityState {
	switch {
	case combinedVol >= 0.085 || capPressurePct >= 12:
		return VolExtreme
	case combinedVol >= 0.05 || volZ >= 1.5 || capPressurePct >= 7:
		return VolElevated
	case combinedVol <= 0.025 && volZ <= 0.5 && capPressurePct < 3:
		return VolLow
	default:
		return VolModerate
	}
}

func aggregateLiquidity(cands []liqCandidate) LiquiditySignal {
	if len(cands) == 0 {
		return LiquiditySignal{Missing: true}
	}

	var volSeries [][]float64
	var volWeights []float64
	var spreads, spreadWeights []float64
	var doms, domWeights []float64

	for _, c := range cands {
		if len(c.obs.DailyVolumes) >= 2 {
			volSeries = append(volSeries, c.obs.DailyVolumes)
			volWeights = append(volWeights, c.weight)
		}
		if c.obs.SpreadPct != nil {
			spreads = append(spreads, *c.obs.SpreadPct)
			spreadWeights = append(spreadWeights, c.weight)
		}
		if c.obs.StablecoinDominancePct != nil {
			doms = append(doms, *c.obs.StablecoinDominancePct)
			domWeights = append(domWeights, c.weight)
		}
	}

	volumes := weightedSeries(volSeries, volWeights)
	if len(volumes) < 2 && len(spreads) == 0 {
		return LiquiditySignal{Missing: true, SourceCount: len(cands)}
	}

	volumeZ := 0.0
	if len(volumes) >= 2 {
		volumeZ = formulas.ZScore(volumes[len(volumes)-1], volumes)
	}
	spread := formulas.WeightedMean(spreads, spreadWeights)
	dominance := formulas.WeightedMean(doms, domWeights)

	return LiquiditySignal{
		State:                  liquidityStateFrom(volumeZ, spread, dominance),
		VolumeZScore:           formulas.Round3(volumeZ),
		SpreadPct:              formulas.Round6(spread),
		StablecoinDominancePct: formulas.Round3(dominance),
		SourceCount:            len(cands),
	}
}

func liquidityStateFrom(volumeZ, spreadPct, stableDominancePct float64) LiquidityState {
	switch {
	case volumeZ <= -1.0 || spreadPct >= 0.25:
		return LiqWeak
	case volumeZ >= 0.75 && spreadPct <= 0.08 && stableDominancePct <= 12:
		return LiqStrong
	default:
		return LiqStable
	}
}

// fearGreedToDirection maps the 0..100 index onto [-1, 1].
func fearGreedToDirection(index float64) float64 {
	return formulas.Clamp((index-50)/50, -1, 1)
}

func aggregateSentiment(cands []sentCandidate) SentimentSignal {
	if len(cands) == 0 {
		return SentimentSignal{Missing: true}
	}

	var dirs, weights []float64
	sig := SentimentSignal{SourceCount: len(cands)}

	for _, c := range cands {
		switch {
		case c.obs.HeadlineScore != nil:
			dirs = append(dirs, *c.obs.HeadlineScore)
			weights = append(weights, c.weight)
			sig.HeadlineCount += c.obs.HeadlineCount
		case c.obs.FearGreed != nil:
			dirs = append(dirs, fearGreedToDirection(*c.obs.FearGreed))
			weights = append(weights, c.weight)
		}
		if c.obs.FearGreed != nil {
			sig.FearGreedPresent = true
			sig.FearGreed = formulas.Round3(fearGreedToDirection(*c.obs.FearGreed))
		}
	}

	if len(dirs) == 0 {
		return SentimentSignal{Missing: true, SourceCount: len(cands)}
	}

	sig.Direction = formulas.Round3(formulas.Clamp(formulas.WeightedMean(dirs, weights), -1, 1))
	if len(dirs) == 1 {
		// One voice is no consensus signal either way.
		sig.Consensus = 0.5
	} else {
		sig.Consensus = formulas.Round3(formulas.Clamp(1-formulas.StdDev(dirs)/0.75, 0, 1))
	}
	return sig
}

func aggregateBreadth(cands []breadthCandidate) BreadthSignal {
	if len(cands) == 0 {
		return BreadthSignal{Missing: true}
	}

	var ratios, ratioWeights []float64
	var moves, moveWeights []float64
	maxCount := 0

	for _, c := range cands {
		if c.obs.AssetCount > maxCount {
			maxCount = c.obs.AssetCount
		}
		if c.obs.AssetCount > 0 {
			ratios = append(ratios, c.obs.PositiveRatio)
			ratioWeights = append(ratioWeights, c.weight)
		}
		if c.obs.AbsMovePct24 != nil {
			moves = append(moves, *c.obs.AbsMovePct24)
			moveWeights = append(moveWeights, c.weight)
		}
	}

	if maxCount == 0 {
		return BreadthSignal{Missing: true, SourceCount: len(cands)}
	}

	return BreadthSignal{
		AssetCount:    maxCount,
		PositiveRatio: formulas.Round3(formulas.WeightedMean(ratios, ratioWeights)),
		AbsMovePct24:  formulas.Round3(formulas.WeightedMean(moves, moveWeights)),
		SourceCount:   len(cands),
	}
}
