package portfolio

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/schema"
	"github.com/selunlabs/selun-engine/internal/modules/shortlist"
	"github.com/selunlabs/selun-engine/pkg/formulas"
)

// Output is the validated phase 6 result.
type Output struct {
	JobID                       string                `json:"job_id"`
	GeneratedAt                 time.Time             `json:"generated_at"`
	TargetCount                 int                   `json:"target_count"`
	Allocations                 []Allocation          `json:"allocations"`
	StablecoinAllocation        float64               `json:"stablecoin_allocation"`
	ExpectedPortfolioVolatility float64               `json:"expected_portfolio_volatility"`
	ConcentrationIndex          float64               `json:"concentration_index"`
	Constraints                 shortlist.Constraints `json:"portfolio_constraints"`
	Sanitized                   bool                  `json:"sanitized"`
	ContentHash                 string                `json:"content_hash,omitempty"`
}

// Engine constructs the final weighted portfolio from the shortlist.
type Engine struct {
	schema *schema.Schema
	log    zerolog.Logger
	now    func() time.Time
}

// NewEngine creates the phase 6 engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		schema: OutputSchema(),
		log:    log.With().Str("component", "phase6_portfolio").Logger(),
		now:    time.Now,
	}
}

// Run selects and weights the final allocations for one job.
func (e *Engine) Run(jobID string, sl *shortlist.Output, profile domain.UserProfile) (*Output, error) {
	if sl == nil || len(sl.Candidates) == 0 {
		return nil, fmt.Errorf("%w: portfolio construction requires a shortlist", domain.ErrInvalidInput)
	}
	cons := sl.Constraints

	targetCount := sl.TargetSelection
	if targetCount < 3 {
		targetCount = 3
	}

	picked := e.selectAssets(sl.Candidates, cons, targetCount)
	if len(picked) == 0 {
		return nil, fmt.Errorf("%w: nothing selectable from the shortlist", domain.ErrInvalidInput)
	}

	weights := e.weigh(picked, cons, profile)

	allocations := make([]Allocation, 0, len(picked))
	stableTotal, expectedVol := 0.0, 0.0
	rawWeights := make([]float64, 0, len(picked))
	for i, c := range picked {
		if weights[i] <= 0 {
			continue
		}
		w := weights[i]
		allocations = append(allocations, Allocation{
			CoingeckoID:       c.CoingeckoID,
			Symbol:            c.Symbol,
			Name:              c.Name,
			Bucket:            c.Bucket,
			RiskClass:         c.RiskClass,
			Role:              c.Role,
			Weight:            w,
			RiskScore:         c.Risk,
			StablecoinIssuer:  c.StablecoinIssuer,
			StablecoinCluster: c.StablecoinCluster,
			Reasons:           c.SelectionReasons,
		})
		if c.Stablecoin {
			stableTotal += w
		}
		expectedVol += w * c.Risk
		rawWeights = append(rawWeights, w)
	}

	sort.SliceStable(allocations, func(i, j int) bool {
		if allocations[i].Weight != allocations[j].Weight {
			return allocations[i].Weight > allocations[j].Weight
		}
		return allocations[i].CoingeckoID < allocations[j].CoingeckoID
	})

	out := Output{
		JobID:                       jobID,
		GeneratedAt:                 e.now().UTC(),
		TargetCount:                 targetCount,
		Allocations:                 allocations,
		StablecoinAllocation:        formulas.Round6(stableTotal),
		ExpectedPortfolioVolatility: formulas.Round6(expectedVol),
		ConcentrationIndex:          formulas.Round6(formulas.HerfindahlIndex(rawWeights)),
		Constraints:                 cons,
	}

	var validated Output
	sanitized, err := schema.Emit(e.schema, out, &validated)
	if err != nil {
		return nil, fmt.Errorf("phase 6 output rejected: %w", err)
	}
	validated.Sanitized = sanitized

	hash, err := schema.ContentHash(validated)
	if err != nil {
		return nil, fmt.Errorf("phase 6 content hash: %w", err)
	}
	validated.ContentHash = hash

	e.log.Info().
		Str("job_id", jobID).
		Int("allocations", len(validated.Allocations)).
		Float64("stablecoin_allocation", validated.StablecoinAllocation).
		Float64("concentration_index", validated.ConcentrationIndex).
		Msg("Portfolio constructed")

	return &validated, nil
}

// selectAssets picks the portfolio membership: diversified stable
// anchors, then BTC/ETH core anchors, then best composites.
func (e *Engine) selectAssets(candidates []shortlist.Candidate, cons shortlist.Constraints, targetCount int) []shortlist.Candidate {
	ordered := make([]shortlist.Candidate, len(candidates))
	copy(ordered, candidates)
	sortByComposite(ordered)

	var stables []shortlist.Candidate
	for _, c := range ordered {
		if c.Stablecoin {
			stables = append(stables, c)
		}
	}

	minStable := minimumStableCount(cons.StablecoinMinimum)
	picked := pickStableAnchors(stables, minStable)
	used := make(map[string]bool, targetCount)
	for _, c := range picked {
		used[c.CoingeckoID] = true
	}

	// Core anchors are only forced in when phase 5 placed them in the
	// core bucket.
	for _, c := range ordered {
		if len(picked) >= targetCount {
			break
		}
		if used[c.CoingeckoID] || c.Bucket != shortlist.BucketCore {
			continue
		}
		if c.CoingeckoID == anchorBTC || c.CoingeckoID == anchorETH {
			picked = append(picked, c)
			used[c.CoingeckoID] = true
		}
	}

	// Fill with the best remaining non-stable candidates; the stable
	// sleeve is already anchored.
	for _, c := range ordered {
		if len(picked) >= targetCount {
			break
		}
		if used[c.CoingeckoID] || c.Stablecoin {
			continue
		}
		picked = append(picked, c)
		used[c.CoingeckoID] = true
	}

	// A stable-only shortlist still has to fill somehow.
	for _, c := range ordered {
		if len(picked) >= targetCount {
			break
		}
		if !used[c.CoingeckoID] {
			picked = append(picked, c)
			used[c.CoingeckoID] = true
		}
	}

	return picked
}

// weigh runs the sleeve allocation: stable sleeve, non-stable sleeve,
// high-volatility scaling, stable sub-caps and final normalisation.
func (e *Engine) weigh(picked []shortlist.Candidate, cons shortlist.Constraints, profile domain.UserProfile) []float64 {
	weights := make([]float64, len(picked))

	var stableIdx, otherIdx []int
	for i, c := range picked {
		if c.Stablecoin {
			stableIdx = append(stableIdx, i)
		} else {
			otherIdx = append(otherIdx, i)
		}
	}

	stableTotal := 0.0
	if len(stableIdx) > 0 {
		sleeve := formulas.Clamp(
			maxF(cons.StablecoinMinimum, baselineStableSleeve(profile.RiskTolerance)), 0, 0.65)
		if cap := stableSleeveCap(cons.StablecoinMinimum); sleeve > cap {
			sleeve = cap
		}

		scores := stableScores(picked, stableIdx)
		sw := formulas.ProportionalWithCap(scores, sleeve, cons.MaxSingleAsset)
		for j, i := range stableIdx {
			weights[i] = sw[j]
			stableTotal += sw[j]
		}
	}

	if len(otherIdx) > 0 {
		scores := make([]float64, len(otherIdx))
		for j, i := range otherIdx {
			scores[j] = picked[i].Composite
		}
		ow := formulas.ProportionalWithCap(scores, 1-stableTotal, cons.MaxSingleAsset)
		for j, i := range otherIdx {
			weights[i] = ow[j]
		}
	}

	e.capHighVolatility(picked, weights, cons)
	e.enforceStableSubCaps(picked, weights, cons)
	e.normalize(weights, cons.MaxSingleAsset)

	return weights
}

// stableScores dampens each stable's composite by candidate risk and
// by issuer/cluster collisions with earlier picks.
func stableScores(picked []shortlist.Candidate, stableIdx []int) []float64 {
	issuerSeen := make(map[string]int)
	clusterSeen := make(map[string]int)

	scores := make([]float64, len(stableIdx))
	for j, i := range stableIdx {
		c := picked[i]
		score := c.Composite * (1 - 0.5*c.Risk)
		score /= 1 + float64(issuerSeen[c.StablecoinIssuer])
		score /= 1 + 0.5*float64(clusterSeen[c.StablecoinCluster])
		if score < 0.01 {
			score = 0.01
		}
		scores[j] = score
		issuerSeen[c.StablecoinIssuer]++
		clusterSeen[c.StablecoinCluster]++
	}
	return scores
}

// capHighVolatility scales the high-volatility bucket down to its cap
// and hands the excess to the non-high-vol, non-stable rows.
func (e *Engine) capHighVolatility(picked []shortlist.Candidate, weights []float64, cons shortlist.Constraints) {
	hvTotal := 0.0
	var hvIdx, calmIdx []int
	for i, c := range picked {
		if c.Bucket == shortlist.BucketHighVol {
			hvTotal += weights[i]
			hvIdx = append(hvIdx, i)
		} else if !c.Stablecoin && weights[i] > 0 {
			calmIdx = append(calmIdx, i)
		}
	}
	if hvTotal <= cons.HighVolCap || hvTotal == 0 {
		return
	}

	factor := cons.HighVolCap / hvTotal
	excess := 0.0
	for _, i := range hvIdx {
		cut := weights[i] * (1 - factor)
		weights[i] -= cut
		excess += cut
	}

	// Redistribute proportionally with the single-asset cap intact.
	// Anything the calm set cannot absorb is recovered by the final
	// normalisation pass.
	for pass := 0; pass < 4 && excess > 1e-12 && len(calmIdx) > 0; pass++ {
		calmTotal := 0.0
		for _, i := range calmIdx {
			calmTotal += weights[i]
		}
		if calmTotal <= 0 {
			break
		}
		remaining := 0.0
		for _, i := range calmIdx {
			add := excess * weights[i] / calmTotal
			if weights[i]+add > cons.MaxSingleAsset {
				remaining += weights[i] + add - cons.MaxSingleAsset
				weights[i] = cons.MaxSingleAsset
			} else {
				weights[i] += add
			}
		}
		excess = remaining
	}

	e.log.Debug().
		Float64("high_vol_total", hvTotal).
		Float64("high_vol_cap", cons.HighVolCap).
		Msg("High-volatility sleeve scaled down")
}

// enforceStableSubCaps iteratively cuts overweight issuer and cluster
// groups inside the stable sleeve and hands the cut to compliant
// stable peers, falling back to the non-stable rows.
func (e *Engine) enforceStableSubCaps(picked []shortlist.Candidate, weights []float64, cons shortlist.Constraints) {
	var stableIdx []int
	for i, c := range picked {
		if c.Stablecoin && weights[i] > 0 {
			stableIdx = append(stableIdx, i)
		}
	}
	if len(stableIdx) < 2 {
		return
	}

	for pass := 0; pass < maxSubCapPasses; pass++ {
		sleeve := 0.0
		for _, i := range stableIdx {
			sleeve += weights[i]
		}
		if sleeve <= 0 {
			return
		}

		cut := cutOvergroup(picked, weights, stableIdx, sleeve*issuerShareCap,
			func(c shortlist.Candidate) string { return c.StablecoinIssuer })
		cut += cutOvergroup(picked, weights, stableIdx, sleeve*clusterShareCap,
			func(c shortlist.Candidate) string { return c.StablecoinCluster })
		if cut <= 1e-12 {
			return
		}

		// Compliant peers absorb the cut proportionally.
		absorbed := distributeAmong(picked, weights, stableIdx, cut, cons.MaxSingleAsset)
		leftover := cut - absorbed
		if leftover > 1e-12 {
			var otherIdx []int
			for i, c := range picked {
				if !c.Stablecoin {
					otherIdx = append(otherIdx, i)
				}
			}
			distributeAmong(picked, weights, otherIdx, leftover, cons.MaxSingleAsset)
		}
	}
}

// cutOvergroup trims every group whose total exceeds cap and returns
// the total weight removed.
func cutOvergroup(picked []shortlist.Candidate, weights []float64, idx []int, cap float64, keyOf func(shortlist.Candidate) string) float64 {
	groups := make(map[string]float64)
	for _, i := range idx {
		groups[keyOf(picked[i])] += weights[i]
	}

	removed := 0.0
	for key, total := range groups {
		if total <= cap || total <= 0 {
			continue
		}
		factor := cap / total
		for _, i := range idx {
			if keyOf(picked[i]) != key {
				continue
			}
			cut := weights[i] * (1 - factor)
			weights[i] -= cut
			removed += cut
		}
	}
	return removed
}

// distributeAmong adds amount proportionally across idx rows without
// breaching the per-asset cap. Returns what was actually placed.
func distributeAmong(picked []shortlist.Candidate, weights []float64, idx []int, amount, cap float64) float64 {
	placed := 0.0
	for pass := 0; pass < 4 && amount-placed > 1e-12; pass++ {
		total := 0.0
		var open []int
		for _, i := range idx {
			if weights[i] > 0 && weights[i] < cap {
				open = append(open, i)
				total += weights[i]
			}
		}
		if len(open) == 0 || total <= 0 {
			break
		}
		for _, i := range open {
			add := (amount - placed) * weights[i] / total
			if weights[i]+add > cap {
				add = cap - weights[i]
			}
			weights[i] += add
			placed += add
		}
	}
	return placed
}

// normalize rounds to 6 decimals and forces the sum to exactly 1, the
// residue landing on the largest row that still fits under the cap.
func (e *Engine) normalize(weights []float64, maxSingle float64) {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if sum <= 0 {
		return
	}
	// Scale first when the sleeves did not account for the full unit,
	// then absorb rounding dust on one row.
	if diff := 1 - sum; diff > 1e-9 || diff < -1e-9 {
		for i := range weights {
			weights[i] /= sum
		}
	}

	sum = 0.0
	for i := range weights {
		weights[i] = formulas.Round6(weights[i])
		sum += weights[i]
	}

	delta := formulas.Round6(1 - sum)
	if delta == 0 {
		return
	}
	best := -1
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		if w+delta > maxSingle+1e-9 {
			continue
		}
		if best == -1 || w > weights[best] {
			best = i
		}
	}
	if best == -1 {
		for i, w := range weights {
			if best == -1 || w > weights[best] {
				best = i
			}
		}
	}
	weights[best] = formulas.Round6(weights[best] + delta)
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
