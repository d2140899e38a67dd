package macro

import (
	"time"

	"github.com/selunlabs/selun-engine/internal/clients/fetch"
)

// Domain identifies one macro data domain.
type Domain string

const (
	DomainVolatility    Domain = "volatility"
	DomainLiquidity     Domain = "liquidity"
	DomainSentiment     Domain = "sentiment"
	DomainMarketMetrics Domain = "market_metrics"
)

// VolatilityState buckets current market volatility.
type VolatilityState string

const (
	VolLow      VolatilityState = "low"
	VolModerate VolatilityState = "moderate"
	VolElevated VolatilityState = "elevated"
	VolExtreme  VolatilityState = "extreme"
)

// LiquidityState buckets current market liquidity.
type LiquidityState string

const (
	LiqWeak   LiquidityState = "weak"
	LiqStable LiquidityState = "stable"
	LiqStrong LiquidityState = "strong"
)

// RiskAppetite is the deterministic regime classification.
type RiskAppetite string

const (
	AppetiteDefensive    RiskAppetite = "defensive"
	AppetiteNeutral      RiskAppetite = "neutral"
	AppetiteExpansionary RiskAppetite = "expansionary"
)

// Macro regime labels consumed by the authorization rules.
const (
	RegimeDefensiveStress    = "DEFENSIVE_STRESS"
	RegimeNeutralMixed       = "NEUTRAL_MIXED"
	RegimeExpansionaryRiskOn = "EXPANSIONARY_RISK_ON"
)

// CorrelationState tracks BTC/ETH co-movement.
type CorrelationState string

const (
	CorrCompression CorrelationState = "compression"
	CorrExpansion   CorrelationState = "expansion"
	CorrStable      CorrelationState = "stable"
)

// VolObservation is one provider's volatility-domain payload,
// normalised. Nil pointers mark fields the provider does not carry.
type VolObservation struct {
	BTCDailyCloses []float64
	ETHDailyCloses []float64
	TotalCapUSD    *float64
	CapChangePct24 *float64
}

// LiqObservation is one provider's liquidity-domain payload.
type LiqObservation struct {
	DailyVolumes          []float64 // total or BTC-proxy daily volumes, USD
	SpreadPct             *float64  // top-of-book spread, percent
	StablecoinDominancePct *float64
}

// SentObservation is one provider's sentiment-domain payload.
type SentObservation struct {
	HeadlineScore *float64 // lexicon score in [-1, 1]
	HeadlineCount int
	FearGreed     *float64 // raw index 0..100
}

// BreadthObservation is one provider's market-metrics payload.
type BreadthObservation struct {
	AssetCount    int
	PositiveRatio float64 // share of tracked assets up over 24h
	AbsMovePct24  *float64 // absolute 24h move of total market cap
}

// VolatilitySignal is the aggregated volatility-domain signal.
type VolatilitySignal struct {
	State           VolatilityState `json:"state"`
	CombinedDailyVol float64        `json:"combined_daily_vol"`
	VolZScore       float64         `json:"vol_z_score"`
	CapPressurePct  float64         `json:"cap_pressure_pct"`
	SourceCount     int             `json:"source_count"`
	Missing         bool            `json:"missing"`
}

// LiquiditySignal is the aggregated liquidity-domain signal.
type LiquiditySignal struct {
	State                  LiquidityState `json:"state"`
	VolumeZScore           float64        `json:"volume_z_score"`
	SpreadPct              float64        `json:"spread_pct"`
	StablecoinDominancePct float64        `json:"stablecoin_dominance_pct"`
	SourceCount            int            `json:"source_count"`
	Missing                bool           `json:"missing"`
}

// SentimentSignal is the aggregated sentiment-domain signal.
type SentimentSignal struct {
	Direction        float64 `json:"direction"` // [-1, 1]
	Consensus        float64 `json:"consensus"` // [0, 1] cross-source agreement
	FearGreedPresent bool    `json:"fear_greed_present"`
	FearGreed        float64 `json:"fear_greed"` // normalised [-1, 1]
	HeadlineCount    int     `json:"headline_count"`
	SourceCount      int     `json:"source_count"`
	Missing          bool    `json:"missing"`
}

// BreadthSignal is the aggregated market-metrics signal.
type BreadthSignal struct {
	AssetCount    int     `json:"asset_count"`
	PositiveRatio float64 `json:"positive_ratio"`
	AbsMovePct24  float64 `json:"abs_move_pct_24h"`
	SourceCount   int     `json:"source_count"`
	Missing       bool    `json:"missing"`
}

// Alignment captures cross-domain agreement.
type Alignment struct {
	Score       float64 `json:"score"`       // [0, 1]
	Confidence  float64 `json:"confidence"`  // [0, 1]
	Uncertainty float64 `json:"uncertainty"` // [0, 1]
}

// Observation is one complete macro collection attempt.
type Observation struct {
	CapturedAt  time.Time             `json:"captured_at"`
	Volatility  VolatilitySignal      `json:"volatility"`
	Liquidity   LiquiditySignal       `json:"liquidity"`
	Sentiment   SentimentSignal       `json:"sentiment"`
	Breadth     BreadthSignal         `json:"breadth"`
	Correlation CorrelationState      `json:"correlation"`
	Appetite    RiskAppetite          `json:"risk_appetite"`
	Regime      string                `json:"regime"`
	Alignment   Alignment             `json:"alignment"`
	Sources     []fetch.SourceReference `json:"sources"`
	SourceSelection []SelectionNote   `json:"source_selection"`
	MissingDomains  []string          `json:"missing_domains"`
}

// SelectionNote records why a provider was tried and how it fared.
type SelectionNote struct {
	Domain    string  `json:"domain"`
	Provider  string  `json:"provider"`
	Accepted  bool    `json:"accepted"`
	Score     float64 `json:"credibility"`
	LatencyMs float64 `json:"latency_ms"`
	Reason    string  `json:"reason,omitempty"`
}

// Usable reports whether the observation satisfies the phase 1
// usability rule: the three signal domains present and breadth
// covering at least minBreadthAssets assets.
func (o *Observation) Usable(minBreadthAssets int) bool {
	return !o.Volatility.Missing &&
		!o.Liquidity.Missing &&
		!o.Sentiment.Missing &&
		o.Breadth.AssetCount >= minBreadthAssets
}
