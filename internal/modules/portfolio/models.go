package portfolio

import (
	"sort"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/shortlist"
	"github.com/selunlabs/selun-engine/pkg/formulas"
)

// Anchor ids force-picked into the portfolio when their shortlist
// entries sit in the core bucket.
const (
	anchorBTC = "bitcoin"
	anchorETH = "ethereum"
)

// Allocation is one weighted portfolio row.
type Allocation struct {
	CoingeckoID       string   `json:"coingecko_id"`
	Symbol            string   `json:"symbol"`
	Name              string   `json:"name"`
	Bucket            string   `json:"bucket"`
	RiskClass         string   `json:"risk_class"`
	Role              string   `json:"role"`
	Weight            float64  `json:"allocation_weight"`
	RiskScore         float64  `json:"risk_score"`
	StablecoinIssuer  string   `json:"stablecoin_issuer,omitempty"`
	StablecoinCluster string   `json:"stablecoin_cluster,omitempty"`
	Reasons           []string `json:"reasons,omitempty"`
}

// baselineStableSleeve is the default stable share per risk tolerance,
// used when the policy stablecoin minimum sits below it.
func baselineStableSleeve(tolerance domain.RiskTolerance) float64 {
	switch tolerance {
	case domain.ToleranceConservative:
		return 0.35
	case domain.ToleranceGrowth:
		return 0.10
	case domain.ToleranceAggressive:
		return 0.05
	default:
		return 0.20
	}
}

// minimumStableCount is how many distinct stablecoins the selection
// anchors before anything else.
func minimumStableCount(stablecoinMinimum float64) int {
	switch {
	case stablecoinMinimum >= 0.2:
		return 2
	case stablecoinMinimum > 0:
		return 1
	default:
		return 0
	}
}

// stableSleeveCap bounds the total stablecoin allocation.
func stableSleeveCap(stablecoinMinimum float64) float64 {
	return formulas.Clamp(stablecoinMinimum+0.22, 0.25, 0.45)
}

// Sub-cap shares inside the stable sleeve.
const (
	issuerShareCap  = 0.60
	clusterShareCap = 0.75
	maxSubCapPasses = 12
)

// sortByComposite orders candidates composite DESC with id tie-break.
func sortByComposite(cands []shortlist.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Composite != cands[j].Composite {
			return cands[i].Composite > cands[j].Composite
		}
		return cands[i].CoingeckoID < cands[j].CoingeckoID
	})
}

// pickStableAnchors chooses up to want stables preferring distinct
// clusters first, then distinct issuers, then plain composite order.
func pickStableAnchors(stables []shortlist.Candidate, want int) []shortlist.Candidate {
	if want <= 0 || len(stables) == 0 {
		return nil
	}

	picked := make([]shortlist.Candidate, 0, want)
	used := make(map[string]bool, len(stables))
	clusters := make(map[string]bool)
	issuers := make(map[string]bool)

	take := func(accept func(c shortlist.Candidate) bool) {
		for _, c := range stables {
			if len(picked) >= want || used[c.CoingeckoID] {
				continue
			}
			if !accept(c) {
				continue
			}
			picked = append(picked, c)
			used[c.CoingeckoID] = true
			clusters[c.StablecoinCluster] = true
			issuers[c.StablecoinIssuer] = true
		}
	}

	take(func(c shortlist.Candidate) bool { return !clusters[c.StablecoinCluster] })
	take(func(c shortlist.Candidate) bool { return !issuers[c.StablecoinIssuer] })
	take(func(shortlist.Candidate) bool { return true })

	return picked
}
