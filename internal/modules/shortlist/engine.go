package shortlist

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/policy"
	"github.com/selunlabs/selun-engine/internal/modules/schema"
	"github.com/selunlabs/selun-engine/internal/modules/screening"
	"github.com/selunlabs/selun-engine/internal/modules/universe"
	"github.com/selunlabs/selun-engine/pkg/formulas"
)

// Request is the selection problem handed to a transport.
type Request struct {
	JobID          string
	Profile        domain.UserProfile
	Constraints    Constraints
	Candidates     []Candidate
	Target         int
	MaxStablecoins int
}

// Selection is one transport pick. Class, bucket and role must come
// from the deterministic enum sets; unknown ids fail the phase.
type Selection struct {
	CoingeckoID string   `json:"coingecko_id"`
	RiskClass   string   `json:"risk_class"`
	Bucket      string   `json:"bucket"`
	Role        string   `json:"role"`
	Reasons     []string `json:"reasons,omitempty"`
}

// Transport proposes the selected subset of the scored candidates.
// The default is the deterministic rule set; an LLM-backed transport
// plugs in behind the same contract.
type Transport interface {
	Select(ctx context.Context, req Request) ([]Selection, error)
}

// Output is the validated phase 5 result.
type Output struct {
	JobID           string      `json:"job_id"`
	GeneratedAt     time.Time   `json:"generated_at"`
	TargetSelection int         `json:"target_selection"`
	MaxStablecoins  int         `json:"max_selected_stablecoins"`
	SelectedCount   int         `json:"selected_count"`
	Provider        string      `json:"scoring_provider"`
	Constraints     Constraints `json:"portfolio_constraints"`
	Candidates      []Candidate `json:"candidates"`
	Sanitized       bool        `json:"sanitized"`
	ContentHash     string      `json:"content_hash,omitempty"`
}

// Engine builds the risk and quality shortlist from phase 4 output.
type Engine struct {
	transport Transport
	provider  string
	maxStable int
	schema    *schema.Schema
	log       zerolog.Logger
	now       func() time.Time
}

// NewEngine creates the phase 5 engine. A nil transport selects the
// deterministic rules.
func NewEngine(transport Transport, provider string, maxStable int, log zerolog.Logger) *Engine {
	if transport == nil {
		transport = RulesTransport{}
		provider = "deterministic"
	}
	if maxStable < 0 {
		maxStable = 0
	}
	return &Engine{
		transport: transport,
		provider:  provider,
		maxStable: maxStable,
		schema:    OutputSchema(),
		log:       log.With().Str("component", "phase5_shortlist").Logger(),
		now:       time.Now,
	}
}

// Run scores every eligible token and selects the shortlist.
func (e *Engine) Run(ctx context.Context, jobID string, scr *screening.Output, pol *policy.Output, profile domain.UserProfile) (*Output, error) {
	if scr == nil || pol == nil {
		return nil, fmt.Errorf("%w: shortlist requires screening and policy output", domain.ErrInvalidInput)
	}

	var eligible []screening.ScreenedToken
	for _, t := range scr.Tokens {
		if t.Eligible {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no eligible tokens to shortlist", domain.ErrInvalidInput)
	}

	constraints := Constraints{
		RiskBudget:        pol.Envelope.RiskBudget,
		StablecoinMinimum: pol.Envelope.StablecoinMinimum,
		MaxSingleAsset:    pol.Envelope.MaxSingleAssetExposure,
		HighVolCap:        pol.Envelope.HighVolatilityAssetCap,
	}

	candidates := make([]*Candidate, 0, len(eligible))
	for _, t := range eligible {
		candidates = append(candidates, e.scoreCandidate(t, pol, profile))
	}
	sortCandidates(candidates)

	req := Request{
		JobID:          jobID,
		Profile:        profile,
		Constraints:    constraints,
		Candidates:     deref(candidates),
		Target:         targetSelectionFor(profile.RiskTolerance),
		MaxStablecoins: e.maxStable,
	}

	selections, err := e.transport.Select(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("shortlist transport: %w", err)
	}
	if err := e.applySelections(candidates, selections, req); err != nil {
		return nil, err
	}

	out := Output{
		JobID:           jobID,
		GeneratedAt:     e.now().UTC(),
		TargetSelection: req.Target,
		MaxStablecoins:  e.maxStable,
		SelectedCount:   len(selections),
		Provider:        e.provider,
		Constraints:     constraints,
		Candidates:      deref(candidates),
	}

	var validated Output
	sanitized, err := schema.Emit(e.schema, out, &validated)
	if err != nil {
		return nil, fmt.Errorf("phase 5 output rejected: %w", err)
	}
	validated.Sanitized = sanitized

	hash, err := schema.ContentHash(validated)
	if err != nil {
		return nil, fmt.Errorf("phase 5 content hash: %w", err)
	}
	validated.ContentHash = hash

	e.log.Info().
		Str("job_id", jobID).
		Str("provider", e.provider).
		Int("candidates", len(candidates)).
		Int("selected", len(selections)).
		Msg("Shortlist built")

	return &validated, nil
}

// scoreCandidate computes every phase 5 metric for one token.
func (e *Engine) scoreCandidate(t screening.ScreenedToken, pol *policy.Output, profile domain.UserProfile) *Candidate {
	vol := volatilityProxy(t)
	dd := drawdownProxy(t, vol)

	risk := formulas.Clamp(0.45*vol+0.30*dd+0.25*(1-t.Scores.Structural), 0, 1)
	if t.StablecoinIssuer != "" {
		risk *= stablecoinRiskFactor(t.Hints.StablecoinValidation)
	}

	quality := formulas.Clamp(
		0.45*t.Scores.Structural+0.35*t.Scores.Liquidity+0.20*t.Scores.Screening, 0, 1)

	boost := formulas.Clamp(0.25*float64(profileReasons(t.InclusionReasons)), 0, 1)
	composite := formulas.Clamp(quality*(1-0.72*risk)+0.08*boost, 0, 1)

	w24, w7, w30 := performanceWeights(profile.InvestmentTimeframe)
	perf := 0.0
	if t.PriceChangePct24 != nil {
		perf += w24 * *t.PriceChangePct24
	}
	if t.PriceChangePct7d != nil {
		perf += w7 * *t.PriceChangePct7d
	}
	if t.PriceChangePct30 != nil {
		perf += w30 * *t.PriceChangePct30
	}

	c := &Candidate{
		CoingeckoID:       t.ID,
		Symbol:            t.Symbol,
		Name:              t.Name,
		MarketCapRank:     t.MarketCapRank,
		Volume24hUSD:      t.Volume24hUSD,
		Liquidity:         t.Scores.Liquidity,
		Structural:        t.Scores.Structural,
		Screening:         t.Scores.Screening,
		Quality:           formulas.Round3(quality),
		Risk:              formulas.Round3(risk),
		Profitability:     formulas.Round3(formulas.TanhSquash(perf, profitabilityTanhScale)),
		Composite:         formulas.Round3(composite),
		Stablecoin:        t.StablecoinIssuer != "",
		StablecoinIssuer:  t.StablecoinIssuer,
		StablecoinCluster: t.StablecoinCluster,
		DepthProxy:        t.Hints.DepthProxy,
		RankBucket:        t.Hints.RankBucket,
	}

	c.RiskClass = riskClass(t, c, vol, pol.Envelope.VolatilityCeiling)
	c.Bucket = bucket(c)
	c.Role = role(c, rolePolicyFor(profile.RiskTolerance))
	return c
}

// riskClass walks the classification ladder top down.
func riskClass(t screening.ScreenedToken, c *Candidate, volProxy, volCeiling float64) string {
	switch {
	case c.Stablecoin:
		return ClassStablecoin
	case t.Hints.Meme || t.Hints.Proxy:
		return ClassSpeculative
	case t.Hints.RankBucket == universe.RankLongTail,
		c.Risk >= volCeiling, volProxy >= volCeiling:
		return ClassHighRisk
	case isCommodity(t):
		return ClassCommodities
	case t.Hints.Category == "defi" &&
		rankWithin(t.Hints.RankBucket, universe.RankTop10, universe.RankTop50, universe.RankTop100):
		return ClassDefiBluechip
	case rankWithin(t.Hints.RankBucket, universe.RankTop10, universe.RankTop50, universe.RankTop100) &&
		t.Hints.DepthProxy == universe.DepthHigh && c.Risk <= 0.5:
		return ClassLargeCap
	default:
		return ClassAlternative
	}
}

func bucket(c *Candidate) string {
	if c.Stablecoin {
		return BucketStablecoin
	}
	if c.RiskClass == ClassLargeCap &&
		c.MarketCapRank != nil && *c.MarketCapRank <= 3 &&
		c.DepthProxy == universe.DepthHigh &&
		c.Liquidity >= 0.72 && c.Structural >= 0.9 && c.Risk <= 0.24 {
		return BucketCore
	}
	if c.RiskClass == ClassHighRisk || c.RiskClass == ClassSpeculative ||
		c.Risk >= 0.62 || c.RankBucket == universe.RankLongTail {
		return BucketHighVol
	}
	return BucketSatellite
}

func role(c *Candidate, pol rolePolicy) string {
	if c.Stablecoin {
		if c.Risk <= pol.DefensiveStableCeiling {
			return RoleDefensiveReserve
		}
		return RoleSupporting
	}
	if c.Risk >= pol.SpeculativeThreshold {
		return RoleSpeculative
	}
	if c.Composite >= pol.CarryThreshold {
		return RoleCoreHolding
	}
	return RoleSupporting
}

// applySelections validates the transport proposal against the
// candidate set and the deterministic enums, then marks the picks.
func (e *Engine) applySelections(candidates []*Candidate, selections []Selection, req Request) error {
	byID := make(map[string]*Candidate, len(candidates))
	for _, c := range candidates {
		byID[c.CoingeckoID] = c
	}

	if len(selections) == 0 {
		return fmt.Errorf("%w: transport selected nothing", domain.ErrSchemaValidation)
	}
	if len(selections) > req.Target {
		return fmt.Errorf("%w: transport selected %d of target %d",
			domain.ErrSchemaValidation, len(selections), req.Target)
	}

	stables := 0
	for _, s := range selections {
		c, ok := byID[s.CoingeckoID]
		if !ok {
			return fmt.Errorf("%w: unknown coingecko_id %q", domain.ErrSchemaValidation, s.CoingeckoID)
		}
		if c.Selected {
			return fmt.Errorf("%w: duplicate selection %q", domain.ErrSchemaValidation, s.CoingeckoID)
		}
		if !validClass(s.RiskClass) || !validBucket(s.Bucket) || !validRole(s.Role) {
			return fmt.Errorf("%w: selection %q outside enum set", domain.ErrSchemaValidation, s.CoingeckoID)
		}
		if c.Stablecoin {
			stables++
		}
		c.Selected = true
		c.RiskClass = s.RiskClass
		c.Bucket = s.Bucket
		c.Role = s.Role
		c.SelectionReasons = s.Reasons
	}
	if stables > req.MaxStablecoins {
		return fmt.Errorf("%w: %d stablecoins selected, cap is %d",
			domain.ErrSchemaValidation, stables, req.MaxStablecoins)
	}
	return nil
}

func validClass(v string) bool {
	switch v {
	case ClassStablecoin, ClassSpeculative, ClassHighRisk, ClassCommodities,
		ClassDefiBluechip, ClassLargeCap, ClassAlternative:
		return true
	}
	return false
}

func validBucket(v string) bool {
	switch v {
	case BucketStablecoin, BucketCore, BucketSatellite, BucketHighVol:
		return true
	}
	return false
}

func validRole(v string) bool {
	switch v {
	case RoleCoreHolding, RoleDefensiveReserve, RoleSupporting, RoleSpeculative:
		return true
	}
	return false
}

func profileReasons(reasons []string) int {
	n := 0
	for _, r := range reasons {
		if r != "top_volume" && r != "anchor" {
			n++
		}
	}
	return n
}

func deref(cands []*Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	for i, c := range cands {
		out[i] = *c
	}
	return out
}

// RulesTransport is the deterministic selection: preferred
// stablecoins first up to the cap, then the composite ordering.
type RulesTransport struct{}

// Select implements Transport.
func (RulesTransport) Select(_ context.Context, req Request) ([]Selection, error) {
	var stables, others []*Candidate
	for i := range req.Candidates {
		c := &req.Candidates[i]
		if c.Stablecoin {
			stables = append(stables, c)
		} else {
			others = append(others, c)
		}
	}
	sortPreferredStables(stables)

	var picks []*Candidate
	for _, c := range stables {
		if len(picks) >= req.MaxStablecoins || len(picks) >= req.Target {
			break
		}
		picks = append(picks, c)
	}
	for _, c := range others {
		if len(picks) >= req.Target {
			break
		}
		picks = append(picks, c)
	}

	out := make([]Selection, 0, len(picks))
	for _, c := range picks {
		out = append(out, Selection{
			CoingeckoID: c.CoingeckoID,
			RiskClass:   c.RiskClass,
			Bucket:      c.Bucket,
			Role:        c.Role,
		})
	}
	return out, nil
}
