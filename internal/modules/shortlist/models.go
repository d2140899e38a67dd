package shortlist

import (
	"sort"
	"strings"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/screening"
	"github.com/selunlabs/selun-engine/internal/modules/universe"
	"github.com/selunlabs/selun-engine/pkg/formulas"
)

// Risk classes, from most defensive to the catch-all.
const (
	ClassStablecoin   = "stablecoin"
	ClassSpeculative  = "speculative"
	ClassHighRisk     = "high_risk"
	ClassCommodities  = "commodities"
	ClassDefiBluechip = "defi_bluechip"
	ClassLargeCap     = "large_cap_crypto"
	ClassAlternative  = "alternative"
)

// Selection buckets consumed by portfolio construction.
const (
	BucketStablecoin = "stablecoin"
	BucketCore       = "core"
	BucketSatellite  = "satellite"
	BucketHighVol    = "high_volatility"
)

// Portfolio roles.
const (
	RoleCoreHolding      = "core_holding"
	RoleDefensiveReserve = "defensive_reserve"
	RoleSupporting       = "supporting"
	RoleSpeculative      = "speculative_satellite"
)

// Candidate is one scored shortlist entry.
type Candidate struct {
	CoingeckoID       string   `json:"coingecko_id"`
	Symbol            string   `json:"symbol"`
	Name              string   `json:"name"`
	MarketCapRank     *int     `json:"market_cap_rank,omitempty"`
	Volume24hUSD      float64  `json:"volume_24h_usd"`
	Liquidity         float64  `json:"liquidity"`
	Structural        float64  `json:"structural"`
	Screening         float64  `json:"screening"`
	Quality           float64  `json:"quality"`
	Risk              float64  `json:"risk"`
	Profitability     float64  `json:"profitability"`
	Composite         float64  `json:"composite"`
	RiskClass         string   `json:"risk_class"`
	Bucket            string   `json:"bucket"`
	Role              string   `json:"role"`
	Stablecoin        bool     `json:"stablecoin"`
	StablecoinIssuer  string   `json:"stablecoin_issuer,omitempty"`
	StablecoinCluster string   `json:"stablecoin_cluster,omitempty"`
	DepthProxy        string   `json:"depth_proxy"`
	RankBucket        string   `json:"rank_bucket"`
	Selected          bool     `json:"selected"`
	SelectionReasons  []string `json:"selection_reasons,omitempty"`
}

// Constraints are the envelope values portfolio construction needs.
type Constraints struct {
	RiskBudget        float64 `json:"risk_budget"`
	StablecoinMinimum float64 `json:"stablecoin_minimum"`
	MaxSingleAsset    float64 `json:"max_single_asset"`
	HighVolCap        float64 `json:"high_vol_cap"`
}

// targetSelectionFor is the shortlist size per risk tolerance.
func targetSelectionFor(tolerance domain.RiskTolerance) int {
	switch tolerance {
	case domain.ToleranceConservative:
		return 6
	case domain.ToleranceGrowth:
		return 10
	case domain.ToleranceAggressive:
		return 12
	default:
		return 8
	}
}

// rolePolicy holds the per-tolerance role thresholds.
type rolePolicy struct {
	CarryThreshold         float64
	DefensiveStableCeiling float64
	SpeculativeThreshold   float64
}

func rolePolicyFor(tolerance domain.RiskTolerance) rolePolicy {
	switch tolerance {
	case domain.ToleranceConservative:
		return rolePolicy{CarryThreshold: 0.62, DefensiveStableCeiling: 0.50, SpeculativeThreshold: 0.45}
	case domain.ToleranceGrowth:
		return rolePolicy{CarryThreshold: 0.54, DefensiveStableCeiling: 0.30, SpeculativeThreshold: 0.62}
	case domain.ToleranceAggressive:
		return rolePolicy{CarryThreshold: 0.50, DefensiveStableCeiling: 0.25, SpeculativeThreshold: 0.70}
	default:
		return rolePolicy{CarryThreshold: 0.58, DefensiveStableCeiling: 0.40, SpeculativeThreshold: 0.55}
	}
}

// Timeframe weights over the (24h, 7d, 30d) performance windows. The
// weekly window dominates short horizons, the monthly window long ones.
func performanceWeights(tf domain.InvestmentTimeframe) (w24, w7, w30 float64) {
	switch tf {
	case domain.TimeframeShort:
		return 0.25, 0.55, 0.20
	case domain.TimeframeLong:
		return 0.10, 0.30, 0.60
	default:
		return 0.15, 0.40, 0.45
	}
}

const profitabilityTanhScale = 12.0

// stablecoinRiskFactor discounts measured risk for pegged assets by
// how well the peg is validated.
func stablecoinRiskFactor(validation string) float64 {
	switch validation {
	case universe.StableFiatCustodial:
		return 0.20
	case universe.StableCryptoCollateral:
		return 0.35
	case universe.StableSyntheticYield:
		return 0.55
	case universe.StableEmergingUnverified:
		return 0.85
	default:
		return 1.0
	}
}

// volProxyDefaults stand in when a token carries no price-change data.
var volProxyDefaults = map[string]float64{
	universe.RankTop10:    0.50,
	universe.RankTop50:    0.55,
	universe.RankTop100:   0.60,
	universe.RankTop300:   0.70,
	universe.RankLongTail: 0.85,
}

func volatilityProxy(t screening.ScreenedToken) float64 {
	p24, p7, p30 := t.PriceChangePct24, t.PriceChangePct7d, t.PriceChangePct30
	if p24 == nil && p7 == nil && p30 == nil {
		return volProxyDefaults[t.Hints.RankBucket]
	}
	v := 0.0
	if p24 != nil {
		v += 0.5 * abs(*p24) / 10
	}
	if p7 != nil {
		v += 0.3 * abs(*p7) / 25
	}
	if p30 != nil {
		v += 0.2 * abs(*p30) / 60
	}
	return formulas.Clamp(v, 0, 1)
}

func drawdownProxy(t screening.ScreenedToken, volProxy float64) float64 {
	worst := 0.0
	seen := false
	for _, p := range []*float64{t.PriceChangePct7d, t.PriceChangePct30} {
		if p == nil {
			continue
		}
		seen = true
		if *p < worst {
			worst = *p
		}
	}
	if !seen {
		return 0.5 * volProxy
	}
	return formulas.Clamp(-worst/40, 0, 1)
}

var commodityTerms = []string{"gold", "silver", "paxg", "xaut", "commodit"}

func isCommodity(t screening.ScreenedToken) bool {
	identity := strings.ToLower(t.ID + " " + t.Name + " " + t.Symbol)
	for _, term := range commodityTerms {
		if strings.Contains(identity, term) {
			return true
		}
	}
	return false
}

func rankWithin(bucket string, allowed ...string) bool {
	for _, a := range allowed {
		if bucket == a {
			return true
		}
	}
	return false
}

// sortCandidates orders by composite, then quality, then ascending
// risk, then ascending rank with unranked entries last.
func sortCandidates(cands []*Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.Quality != b.Quality {
			return a.Quality > b.Quality
		}
		if a.Risk != b.Risk {
			return a.Risk < b.Risk
		}
		switch {
		case a.MarketCapRank == nil && b.MarketCapRank == nil:
			return a.CoingeckoID < b.CoingeckoID
		case a.MarketCapRank == nil:
			return false
		case b.MarketCapRank == nil:
			return true
		}
		return *a.MarketCapRank < *b.MarketCapRank
	})
}

// sortPreferredStables orders the stable subset by the preference
// chain volume, liquidity, structural, screening, rank.
func sortPreferredStables(stables []*Candidate) {
	sort.SliceStable(stables, func(i, j int) bool {
		a, b := stables[i], stables[j]
		if a.Volume24hUSD != b.Volume24hUSD {
			return a.Volume24hUSD > b.Volume24hUSD
		}
		if a.Liquidity != b.Liquidity {
			return a.Liquidity > b.Liquidity
		}
		if a.Structural != b.Structural {
			return a.Structural > b.Structural
		}
		if a.Screening != b.Screening {
			return a.Screening > b.Screening
		}
		switch {
		case a.MarketCapRank == nil:
			return false
		case b.MarketCapRank == nil:
			return true
		}
		return *a.MarketCapRank < *b.MarketCapRank
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
