package screening

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/policy"
	"github.com/selunlabs/selun-engine/internal/modules/schema"
	"github.com/selunlabs/selun-engine/internal/modules/universe"
	"github.com/selunlabs/selun-engine/pkg/formulas"
)

const (
	// minEligibleCoverage is the pool size below which the floors are
	// progressively relaxed.
	minEligibleCoverage = 25
	maxRelaxationSteps  = 4
	coverageFillShare   = 0.40
)

// Output is the validated phase 4 result.
type Output struct {
	JobID           string          `json:"job_id"`
	GeneratedAt     time.Time       `json:"generated_at"`
	TargetEligible  int             `json:"target_eligible"`
	EligibleCount   int             `json:"eligible_count"`
	RelaxationSteps int             `json:"relaxation_steps"`
	StablecoinCap   float64         `json:"stablecoin_cap"`
	Tokens          []ScreenedToken `json:"tokens"`
	Sanitized       bool            `json:"sanitized"`
	ContentHash     string          `json:"content_hash,omitempty"`
}

// Engine runs liquidity and structural screening over the universe.
type Engine struct {
	allowMeme bool
	schema    *schema.Schema
	log       zerolog.Logger
	now       func() time.Time
}

// NewEngine creates the phase 4 engine.
func NewEngine(allowMeme bool, log zerolog.Logger) *Engine {
	return &Engine{
		allowMeme: allowMeme,
		schema:    OutputSchema(),
		log:       log.With().Str("component", "phase4_screening").Logger(),
		now:       time.Now,
	}
}

// Run screens the phase 3 universe against the policy envelope.
func (e *Engine) Run(jobID string, uni *universe.Output, pol *policy.Output, profile domain.UserProfile) (*Output, error) {
	if uni == nil || len(uni.Tokens) == 0 {
		return nil, fmt.Errorf("%w: screening requires a non-empty universe", domain.ErrInvalidInput)
	}
	if pol == nil {
		return nil, fmt.Errorf("%w: screening requires the policy envelope", domain.ErrInvalidInput)
	}

	candidates := e.score(uni.Tokens)
	blocked, open := e.splitBlocked(candidates)

	hard := gatesFor(profile.RiskTolerance)
	target := targetEligibleFor(profile.RiskTolerance)

	core := make(map[*ScreenedToken]bool)
	for _, c := range open {
		if hard.pass(c) {
			core[c] = true
		}
	}

	// Relax the floors while the pool is too thin to screen from.
	relaxed := hard
	steps := 0
	pool := poolOf(open, relaxed)
	for len(pool) < minEligibleCoverage && steps < maxRelaxationSteps {
		steps++
		relaxed = relaxed.relax(steps)
		pool = poolOf(open, relaxed)
	}

	// Core candidates outrank coverage fills regardless of score.
	sortCandidates(pool, core)

	fillCap := int(math.Floor(coverageFillShare * float64(target)))
	kept := make([]*ScreenedToken, 0, target)
	fills := 0
	for _, c := range pool {
		if !core[c] {
			if fills >= fillCap {
				c.ExclusionReasons = append(c.ExclusionReasons, "coverage_fill_demoted")
				continue
			}
			fills++
		}
		kept = append(kept, c)
	}

	var leftovers []*ScreenedToken
	if len(kept) > target {
		for _, c := range kept[target:] {
			c.ExclusionReasons = append(c.ExclusionReasons, "target_eligible_cutoff")
			leftovers = append(leftovers, c)
		}
		kept = kept[:target]
	}

	stableCap := formulas.Clamp(pol.Envelope.StablecoinMinimum+0.22, 0.25, 0.45)
	kept = e.applyStablecoinGuards(kept, leftovers, stableCap)

	for _, c := range kept {
		c.Eligible = true
		if core[c] {
			c.Lane = LaneCore
		} else {
			c.Lane = LaneCoverageFill
		}
	}
	e.annotateFailures(open, relaxed)

	out := Output{
		JobID:           jobID,
		GeneratedAt:     e.now().UTC(),
		TargetEligible:  target,
		EligibleCount:   len(kept),
		RelaxationSteps: steps,
		StablecoinCap:   formulas.Round3(stableCap),
		Tokens:          assemble(kept, open, blocked),
	}

	var validated Output
	sanitized, err := schema.Emit(e.schema, out, &validated)
	if err != nil {
		return nil, fmt.Errorf("phase 4 output rejected: %w", err)
	}
	validated.Sanitized = sanitized

	hash, err := schema.ContentHash(validated)
	if err != nil {
		return nil, fmt.Errorf("phase 4 content hash: %w", err)
	}
	validated.ContentHash = hash

	e.log.Info().
		Str("job_id", jobID).
		Int("universe", len(uni.Tokens)).
		Int("eligible", len(kept)).
		Int("relaxation_steps", steps).
		Msg("Screening completed")

	return &validated, nil
}

// score computes the per-token breakdown for the whole universe.
func (e *Engine) score(tokens []universe.Token) []*ScreenedToken {
	out := make([]*ScreenedToken, 0, len(tokens))
	for _, t := range tokens {
		liq := liquidityScore(t)
		str := structuralScore(t.Hints)
		scr := screeningScore(liq, str, profileReasonCount(t.InclusionReasons))

		c := &ScreenedToken{
			Token: t,
			Scores: Scores{
				Liquidity:  formulas.Round3(liq),
				Structural: formulas.Round3(str),
				Screening:  formulas.Round3(scr),
			},
		}
		if isStable(t) {
			c.StablecoinIssuer = issuerOf(t)
			c.StablecoinCluster = clusterOf(t, liq)
		}
		out = append(out, c)
	}
	return out
}

// splitBlocked separates tokens carrying a hard, never-relaxed
// exclusion from the screenable remainder.
func (e *Engine) splitBlocked(candidates []*ScreenedToken) (blocked, open []*ScreenedToken) {
	for _, c := range candidates {
		var reasons []string
		if c.Hints.Proxy {
			reasons = append(reasons, "proxy_instrument")
		}
		if c.Hints.SuspiciousVolume {
			reasons = append(reasons, "suspicious_volume")
		}
		if c.Placeholder {
			reasons = append(reasons, "placeholder_market_data")
		}
		if c.Hints.StrictRank && c.MarketCapRank != nil && *c.MarketCapRank > 500 {
			reasons = append(reasons, "rank_gate_exceeded")
		}
		if c.Hints.Meme && !e.allowMeme {
			reasons = append(reasons, "meme_token_blocked")
		}

		if len(reasons) > 0 {
			c.ExclusionReasons = reasons
			blocked = append(blocked, c)
		} else {
			open = append(open, c)
		}
	}
	return blocked, open
}

func poolOf(open []*ScreenedToken, g gates) []*ScreenedToken {
	var pool []*ScreenedToken
	for _, c := range open {
		if g.pass(c) {
			pool = append(pool, c)
		}
	}
	return pool
}

func sortCandidates(pool []*ScreenedToken, core map[*ScreenedToken]bool) {
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if core[a] != core[b] {
			return core[a]
		}
		if a.Scores.Screening != b.Scores.Screening {
			return a.Scores.Screening > b.Scores.Screening
		}
		if a.Volume24hUSD != b.Volume24hUSD {
			return a.Volume24hUSD > b.Volume24hUSD
		}
		return a.ID < b.ID
	})
}

// applyStablecoinGuards demotes stablecoins past the total, issuer
// and cluster caps and backfills the freed slots from the cutoff
// leftovers.
func (e *Engine) applyStablecoinGuards(kept, leftovers []*ScreenedToken, stableCap float64) []*ScreenedToken {
	maxStable := int(math.Floor(stableCap * float64(len(kept))))
	if maxStable < 1 {
		maxStable = 1
	}
	issuerCap := int(math.Ceil(0.60 * float64(maxStable)))
	clusterCap := int(math.Ceil(0.75 * float64(maxStable)))

	stables := 0
	byIssuer := map[string]int{}
	byCluster := map[string]int{}

	admit := func(c *ScreenedToken) (bool, string) {
		if !isStable(c.Token) {
			return true, ""
		}
		switch {
		case stables >= maxStable:
			return false, "stablecoin_total_cap"
		case byIssuer[c.StablecoinIssuer] >= issuerCap:
			return false, "stablecoin_issuer_cap:" + c.StablecoinIssuer
		case byCluster[c.StablecoinCluster] >= clusterCap:
			return false, "stablecoin_cluster_cap:" + c.StablecoinCluster
		}
		stables++
		byIssuer[c.StablecoinIssuer]++
		byCluster[c.StablecoinCluster]++
		return true, ""
	}

	final := kept[:0]
	demoted := 0
	for _, c := range kept {
		ok, reason := admit(c)
		if !ok {
			c.ExclusionReasons = append(c.ExclusionReasons, reason)
			demoted++
			continue
		}
		final = append(final, c)
	}

	// Refill demoted slots with the next candidates in priority order.
	for _, c := range leftovers {
		if demoted == 0 {
			break
		}
		if ok, _ := admit(c); !ok {
			continue
		}
		c.ExclusionReasons = dropReason(c.ExclusionReasons, "target_eligible_cutoff")
		final = append(final, c)
		demoted--
	}
	return final
}

// annotateFailures records why an open candidate missed the final
// relaxed floors.
func (e *Engine) annotateFailures(open []*ScreenedToken, g gates) {
	for _, c := range open {
		if c.Eligible || len(c.ExclusionReasons) > 0 || g.pass(c) {
			continue
		}
		if c.Scores.Screening < g.MinScreening {
			c.ExclusionReasons = append(c.ExclusionReasons, "below_screening_floor")
		}
		if c.Scores.Liquidity < g.MinLiquidity {
			c.ExclusionReasons = append(c.ExclusionReasons, "below_liquidity_floor")
		}
		if c.Volume24hUSD < g.MinVolume24 {
			c.ExclusionReasons = append(c.ExclusionReasons, "below_volume_floor")
		}
		if len(c.ExclusionReasons) == 0 {
			c.ExclusionReasons = append(c.ExclusionReasons, "depth_policy")
		}
	}
}

// assemble orders the output: eligible tokens in priority order,
// then everything else by screening score.
func assemble(kept, open, blocked []*ScreenedToken) []ScreenedToken {
	seen := make(map[*ScreenedToken]bool, len(kept))
	out := make([]ScreenedToken, 0, len(open)+len(blocked))
	for _, c := range kept {
		seen[c] = true
		out = append(out, *c)
	}

	var rest []*ScreenedToken
	for _, c := range open {
		if !seen[c] {
			rest = append(rest, c)
		}
	}
	rest = append(rest, blocked...)
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].Scores.Screening != rest[j].Scores.Screening {
			return rest[i].Scores.Screening > rest[j].Scores.Screening
		}
		return rest[i].ID < rest[j].ID
	})
	for _, c := range rest {
		out = append(out, *c)
	}
	return out
}

func dropReason(reasons []string, reason string) []string {
	out := reasons[:0]
	for _, r := range reasons {
		if r != reason {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
