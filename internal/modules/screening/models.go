package screening

import (
	"strings"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/universe"
	"github.com/selunlabs/selun-engine/pkg/formulas"
)

// Eligibility lanes.
const (
	LaneCore         = "core"
	LaneCoverageFill = "coverage_fill"
)

// Scores is the per-token score breakdown.
type Scores struct {
	Liquidity  float64 `json:"liquidity"`
	Structural float64 `json:"structural"`
	Screening  float64 `json:"screening"`
}

// ScreenedToken is a universe token annotated with screening results.
type ScreenedToken struct {
	universe.Token
	Scores            Scores   `json:"scores"`
	Eligible          bool     `json:"eligible"`
	Lane              string   `json:"lane,omitempty"`
	ExclusionReasons  []string `json:"exclusion_reasons,omitempty"`
	StablecoinIssuer  string   `json:"stablecoin_issuer,omitempty"`
	StablecoinCluster string   `json:"stablecoin_cluster,omitempty"`
}

// targetEligibleFor is how many tokens each risk tolerance keeps
// eligible after the priority cutoff.
func targetEligibleFor(tolerance domain.RiskTolerance) int {
	switch tolerance {
	case domain.ToleranceConservative:
		return 12
	case domain.ToleranceGrowth:
		return 24
	case domain.ToleranceAggressive:
		return 30
	default:
		return 18
	}
}

// gates holds the eligibility floors for one tolerance ladder rung.
type gates struct {
	MinScreening float64
	MinLiquidity float64
	MinVolume24  float64
	// 2 = high only, 1 = high or medium, 0 = any depth
	MinDepth int
}

func gatesFor(tolerance domain.RiskTolerance) gates {
	switch tolerance {
	case domain.ToleranceConservative:
		return gates{MinScreening: 0.60, MinLiquidity: 0.55, MinVolume24: 5e7, MinDepth: 1}
	case domain.ToleranceGrowth:
		return gates{MinScreening: 0.45, MinLiquidity: 0.38, MinVolume24: 8e6, MinDepth: 0}
	case domain.ToleranceAggressive:
		return gates{MinScreening: 0.40, MinLiquidity: 0.30, MinVolume24: 3e6, MinDepth: 0}
	default:
		return gates{MinScreening: 0.52, MinLiquidity: 0.45, MinVolume24: 2e7, MinDepth: 1}
	}
}

// relax lowers the floors one step toward the absolute minima. The
// depth requirement is dropped from the second step on.
func (g gates) relax(step int) gates {
	g.MinScreening = formulas.Clamp(g.MinScreening-0.04, 0.30, 1)
	g.MinLiquidity = formulas.Clamp(g.MinLiquidity-0.05, 0.20, 1)
	g.MinVolume24 = g.MinVolume24 * 0.5
	if g.MinVolume24 < 1e6 {
		g.MinVolume24 = 1e6
	}
	if step >= 2 {
		g.MinDepth = 0
	}
	return g
}

func (g gates) pass(t *ScreenedToken) bool {
	if t.Scores.Screening < g.MinScreening || t.Scores.Liquidity < g.MinLiquidity {
		return false
	}
	if t.Volume24hUSD < g.MinVolume24 {
		return false
	}
	switch g.MinDepth {
	case 2:
		return t.Hints.DepthProxy == universe.DepthHigh
	case 1:
		return t.Hints.DepthProxy != universe.DepthLow
	}
	return true
}

var rankBucketScores = map[string]float64{
	universe.RankTop10:    1.0,
	universe.RankTop50:    0.85,
	universe.RankTop100:   0.7,
	universe.RankTop300:   0.5,
	universe.RankLongTail: 0.25,
}

var categoryScores = map[string]float64{
	"stablecoin": 0.9,
	"large_cap":  0.9,
	"defi":       0.75,
	"other":      0.55,
	"meme":       0.35,
}

var validationScores = map[string]float64{
	universe.StableFiatCustodial:      1.0,
	universe.StableCryptoCollateral:   0.8,
	universe.StableSyntheticYield:     0.6,
	universe.StableEmergingUnverified: 0.3,
	universe.NotStablecoin:            0.8,
}

// Log-ramp bounds for the three volume windows. The longer windows
// use stricter ramps so sustained flow is rewarded over a single
// hot day.
const (
	vol24Floor, vol24Ceil = 5e5, 1e10
	vol7Floor, vol7Ceil   = 2e6, 2.5e10
	vol30Floor, vol30Ceil = 8e6, 5e10
)

func depthScore(proxy string) float64 {
	switch proxy {
	case universe.DepthHigh:
		return 1.0
	case universe.DepthMedium:
		return 0.6
	default:
		return 0.25
	}
}

func liquidityScore(t universe.Token) float64 {
	v24 := formulas.NormLogRange(t.Volume24hUSD, vol24Floor, vol24Ceil)
	v7 := formulas.NormLogRange(t.Volume24hUSD, vol7Floor, vol7Ceil)
	v30 := formulas.NormLogRange(t.Volume24hUSD, vol30Floor, vol30Ceil)
	return 0.45*v24 + 0.25*v7 + 0.15*v30 + 0.15*depthScore(t.Hints.DepthProxy)
}

func structuralScore(h universe.Hints) float64 {
	s := 0.4*rankBucketScores[h.RankBucket] +
		0.35*categoryScores[h.Category] +
		0.25*validationScores[h.StablecoinValidation]

	if h.SuspiciousVolume {
		s -= 0.15
	}
	if !h.StrictRank {
		s -= 0.08
	}
	if h.Proxy {
		s -= 0.20
	}
	return formulas.Clamp(s, 0, 1)
}

// profileReasonCount ignores the mechanical inclusion tracks and
// counts only profile-driven reasons.
func profileReasonCount(reasons []string) int {
	n := 0
	for _, r := range reasons {
		if r != "top_volume" && r != "anchor" {
			n++
		}
	}
	return n
}

func screeningScore(liquidity, structural float64, reasonCount int) float64 {
	boost := 0.02 * float64(reasonCount)
	if boost > 0.08 {
		boost = 0.08
	}
	return formulas.Clamp(0.58*liquidity+0.42*structural+boost, 0, 1)
}

// genericIdentityTerms are words that carry no issuer information in
// a stablecoin's id, name or symbol.
var genericIdentityTerms = map[string]bool{
	"usd": true, "usdc": true, "usdt": true, "usde": true, "usdd": true,
	"coin": true, "token": true, "stable": true, "stablecoin": true,
	"dollar": true, "digital": true, "standard": true, "protocol": true,
	"the": true, "first": true, "dao": true,
}

// issuerOf derives a stablecoin issuer key from the token identity.
// When every identity term is generic the token id itself is the key.
func issuerOf(t universe.Token) string {
	raw := strings.ToLower(t.ID + " " + t.Name + " " + t.Symbol)
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	})
	for _, f := range fields {
		if len(f) < 3 || genericIdentityTerms[f] {
			continue
		}
		return f
	}
	return t.ID
}

// clusterOf maps a stablecoin onto its correlation cluster. The
// validation state is the dominant signal; weakly validated tokens
// with thin books fall into the emerging cluster regardless.
func clusterOf(t universe.Token, liquidity float64) string {
	state := t.Hints.StablecoinValidation
	if state == universe.NotStablecoin {
		return ""
	}
	if liquidity < 0.25 || t.Hints.DepthProxy == universe.DepthLow {
		if state != universe.StableFiatCustodial {
			return universe.StableEmergingUnverified
		}
	}
	return state
}

func isStable(t universe.Token) bool {
	return t.Hints.Category == "stablecoin" &&
		t.Hints.StablecoinValidation != universe.NotStablecoin
}
