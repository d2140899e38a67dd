package macro

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func allPresentObservation() *Observation {
	return &Observation{
		Volatility: VolatilitySignal{State: VolModerate, SourceCount: 2},
		Liquidity:  LiquiditySignal{State: LiqStable, SourceCount: 2},
		Sentiment:  SentimentSignal{Direction: 0.3, Consensus: 0.7, SourceCount: 3},
		Breadth:    BreadthSignal{AssetCount: 100, PositiveRatio: 0.6, SourceCount: 2},
	}
}

func TestRiskAppetite_DefensiveWinsOverExpansionary(t *testing.T) {
	obs := allPresentObservation()
	obs.Volatility.State = VolExtreme
	obs.Sentiment.Direction = 0.5 // bullish sentiment cannot override extreme vol
	classify(obs)

	assert.Equal(t, AppetiteDefensive, obs.Appetite)
	assert.Equal(t, RegimeDefensiveStress, obs.Regime)
}

func TestRiskAppetite_Expansionary(t *testing.T) {
	obs := allPresentObservation()
	classify(obs)

	assert.Equal(t, AppetiteExpansionary, obs.Appetite)
	assert.Equal(t, RegimeExpansionaryRiskOn, obs.Regime)
}

func TestRiskAppetite_NeutralOnMixedEvidence(t *testing.T) {
	obs := allPresentObservation()
	obs.Sentiment.Direction = 0.1 // not bullish enough for expansionary
	classify(obs)

	assert.Equal(t, AppetiteNeutral, obs.Appetite)
	assert.Equal(t, RegimeNeutralMixed, obs.Regime)
}

func TestRiskAppetite_NegativeSentimentIsDefensive(t *testing.T) {
	obs := allPresentObservation()
	obs.Sentiment.Direction = -0.5
	classify(obs)

	assert.Equal(t, AppetiteDefensive, obs.Appetite)
}

func TestAlignment_MissingDomainsRaiseUncertainty(t *testing.T) {
	full := allPresentObservation()
	classify(full)

	degraded := allPresentObservation()
	degraded.Sentiment = SentimentSignal{Missing: true}
	degraded.Breadth = BreadthSignal{Missing: true}
	classify(degraded)

	assert.Greater(t, full.Alignment.Confidence, degraded.Alignment.Confidence)
	assert.Less(t, full.Alignment.Uncertainty, degraded.Alignment.Uncertainty)
}

func TestAlignment_ConflictPenalised(t *testing.T) {
	agree := allPresentObservation()
	classify(agree)

	conflict := allPresentObservation()
	conflict.Sentiment.Direction = -0.8 // fights the positive breadth signal
	classify(conflict)

	assert.Greater(t, agree.Alignment.Confidence, conflict.Alignment.Confidence)
}

func TestAlignment_AllDomainsMissing(t *testing.T) {
	obs := &Observation{
		Volatility: VolatilitySignal{Missing: true},
		Liquidity:  LiquiditySignal{Missing: true},
		Sentiment:  SentimentSignal{Missing: true},
		Breadth:    BreadthSignal{Missing: true},
	}
	classify(obs)

	assert.Equal(t, 0.0, obs.Alignment.Confidence)
	assert.Equal(t, 1.0, obs.Alignment.Uncertainty)
}

func TestCorrelationFromSeries(t *testing.T) {
	btc := []float64{100, 102, 101, 104, 103, 106, 105, 108}

	// Perfectly co-moving series compress.
	eth := make([]float64, len(btc))
	for i, v := range btc {
		eth[i] = v * 0.05
	}
	assert.Equal(t, CorrCompression, CorrelationFromSeries(btc, eth))

	// Anti-correlated series expand.
	inv := []float64{108, 105, 106, 103, 104, 101, 102, 100}
	assert.Equal(t, CorrExpansion, CorrelationFromSeries(btc, inv))

	// Too little data defaults to stable.
	assert.Equal(t, CorrStable, CorrelationFromSeries([]float64{1, 2}, []float64{1, 2}))
}

func TestUsable_RequiresThreeDomainsAndBreadthCoverage(t *testing.T) {
	obs := allPresentObservation()
	assert.True(t, obs.Usable(20))

	obs.Breadth.AssetCount = 10
	assert.False(t, obs.Usable(20))

	obs = allPresentObservation()
	obs.Liquidity.Missing = true
	assert.False(t, obs.Usable(20))

	// Breadth may be missing entirely as long as asset_count clears the bar.
	obs = allPresentObservation()
	assert.True(t, obs.Usable(20))
}
