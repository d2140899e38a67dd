package policy

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/macro"
	"github.com/selunlabs/selun-engine/internal/modules/macroreview"
	"github.com/selunlabs/selun-engine/internal/modules/schema"
	"github.com/selunlabs/selun-engine/pkg/formulas"
)

// Mode is the allocation policy regime.
type Mode string

const (
	ModeCapitalPreservation Mode = "capital_preservation"
	ModeBalancedDefensive   Mode = "balanced_defensive"
	ModeBalancedGrowth      Mode = "balanced_growth"
	ModeOffensiveGrowth     Mode = "offensive_growth"
)

// Authorization statuses for the policy phase.
const (
	StatusAuthorized = "AUTHORIZED"
	StatusRestricted = "RESTRICTED"
	StatusProhibited = "PROHIBITED"
)

// Agent judgement postures and hints.
const (
	PostureMoreDefensive   = "more_defensive"
	PostureNeutral         = "neutral"
	PostureSelectiveRiskOn = "selective_risk_on"

	HintNoChange = "NO_CHANGE"
	HintTighten  = "TIGHTEN"
	HintRelax    = "RELAX"
)

// Envelope is the numeric policy constraint set handed downstream.
type Envelope struct {
	RiskBudget                 float64 `json:"risk_budget"`
	RiskScalingFactor          float64 `json:"risk_scaling_factor"`
	MaxSingleAssetExposure     float64 `json:"max_single_asset_exposure"`
	StablecoinMinimum          float64 `json:"stablecoin_minimum"`
	HighVolatilityAssetCap     float64 `json:"high_volatility_asset_cap"`
	PortfolioVolatilityTarget  float64 `json:"portfolio_volatility_target"`
	VolatilityCeiling          float64 `json:"volatility_ceiling"`
	LiquidityFloorRequirement  float64 `json:"liquidity_floor_requirement"`
	CapitalPreservationBias    float64 `json:"capital_preservation_bias"`
	DefensiveAdjustmentApplied bool    `json:"defensive_adjustment_applied"`
}

// AgentJudgement is the deterministic posture read of phase 1 output.
type AgentJudgement struct {
	Posture           string  `json:"posture"`
	AuthorizationHint string  `json:"authorization_hint"`
	RiskBudgetAdj     float64 `json:"risk_budget_adjustment"`
	StablecoinAdj     float64 `json:"stablecoin_minimum_adjustment"`
	HighVolCapAdj     float64 `json:"high_vol_cap_adjustment"`
	BiasAdj           float64 `json:"bias_adjustment"`
}

// Output is the validated phase 2 result.
type Output struct {
	JobID          string                   `json:"job_id"`
	GeneratedAt    time.Time                `json:"generated_at"`
	Mode           Mode                     `json:"mode"`
	Envelope       Envelope                 `json:"allocation_policy"`
	Authorization  macroreview.Authorization `json:"allocation_authorization"`
	AgentJudgement AgentJudgement           `json:"agent_judgement"`
	Sanitized      bool                     `json:"sanitized"`
	ContentHash    string                   `json:"content_hash,omitempty"`
}

// Engine computes the policy envelope from the macro review.
type Engine struct {
	schema *schema.Schema
	log    zerolog.Logger
	now    func() time.Time
}

// NewEngine creates the phase 2 engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		schema: OutputSchema(),
		log:    log.With().Str("component", "phase2_policy").Logger(),
		now:    time.Now,
	}
}

// Run derives the policy envelope for one job.
func (e *Engine) Run(phase1 *macroreview.Output, profile domain.UserProfile) (*Output, error) {
	base := baselineFor(profile.RiskTolerance)
	mc := phase1.MarketCondition

	judgement := judge(mc)
	regime := regimeDelta(mc)
	agent := agentDelta(judgement, base)

	total := timeframeDelta(profile.InvestmentTimeframe).add(regime).add(agent)

	env := Envelope{
		RiskBudget:                formulas.Clamp(base.RiskBudget+total.RiskBudget, 0.08, 0.9),
		MaxSingleAssetExposure:    formulas.Clamp(base.MaxSingleAsset+total.MaxSingleAsset, 0.05, 0.45),
		StablecoinMinimum:         formulas.Clamp(base.StablecoinMin+total.StablecoinMin, 0.03, 0.75),
		HighVolatilityAssetCap:    formulas.Clamp(base.HighVolCap+total.HighVolCap, 0.02, 0.45),
		PortfolioVolatilityTarget: formulas.Clamp(base.VolTarget+total.VolTarget, 0.1, 0.9),
		VolatilityCeiling:         formulas.Clamp(base.VolCeiling+total.VolCeiling, 0.15, 0.95),
		LiquidityFloorRequirement: formulas.Clamp(base.LiquidityFloor+total.LiquidityFloor, 0, 1),
		CapitalPreservationBias:   formulas.Clamp(base.Bias+total.Bias, base.BiasMin, base.BiasMax),
	}
	env.DefensiveAdjustmentApplied = defensiveApplied(mc)

	// Post-clamp invariants.
	if env.HighVolatilityAssetCap > env.MaxSingleAssetExposure {
		env.HighVolatilityAssetCap = env.MaxSingleAssetExposure
	}
	if env.VolatilityCeiling < env.PortfolioVolatilityTarget {
		env.VolatilityCeiling = env.PortfolioVolatilityTarget
	}

	env.RiskScalingFactor = formulas.Clamp(env.RiskBudget/base.RiskBudget, 0.2, 1.5)

	roundEnvelope(&env)

	auth := e.authorize(mc, phase1.AllocationAuthorization.Status, judgement, env.RiskScalingFactor)
	mode := policyMode(mc, profile.RiskTolerance, judgement, auth.Status, env)

	out := Output{
		JobID:          phase1.JobID,
		GeneratedAt:    e.now().UTC(),
		Mode:           mode,
		Envelope:       env,
		Authorization:  auth,
		AgentJudgement: judgement,
	}

	var validated Output
	sanitized, err := schema.Emit(e.schema, out, &validated)
	if err != nil {
		return nil, fmt.Errorf("phase 2 output rejected: %w", err)
	}
	validated.Sanitized = sanitized

	hash, err := schema.ContentHash(validated)
	if err != nil {
		return nil, fmt.Errorf("phase 2 content hash: %w", err)
	}
	validated.ContentHash = hash

	e.log.Info().
		Str("job_id", phase1.JobID).
		Str("mode", string(mode)).
		Str("authorization", auth.Status).
		Float64("risk_budget", env.RiskBudget).
		Msg("Policy envelope derived")

	return &validated, nil
}

func roundEnvelope(env *Envelope) {
	env.RiskBudget = formulas.Round3(env.RiskBudget)
	env.RiskScalingFactor = formulas.Round3(env.RiskScalingFactor)
	env.MaxSingleAssetExposure = formulas.Round3(env.MaxSingleAssetExposure)
	env.StablecoinMinimum = formulas.Round3(env.StablecoinMinimum)
	env.HighVolatilityAssetCap = formulas.Round3(env.HighVolatilityAssetCap)
	env.PortfolioVolatilityTarget = formulas.Round3(env.PortfolioVolatilityTarget)
	env.VolatilityCeiling = formulas.Round3(env.VolatilityCeiling)
	env.LiquidityFloorRequirement = formulas.Round3(env.LiquidityFloorRequirement)
	env.CapitalPreservationBias = formulas.Round3(env.CapitalPreservationBias)
}

// judge is the deterministic agent judgement over phase 1 fields.
func judge(mc macroreview.MarketCondition) AgentJudgement {
	j := AgentJudgement{Posture: PostureNeutral, AuthorizationHint: HintNoChange}

	switch {
	case mc.RiskAppetite == string(macro.AppetiteDefensive) || mc.Uncertainty >= 0.6:
		j.Posture = PostureMoreDefensive
		j.AuthorizationHint = HintTighten
		severity := formulas.Clamp(mc.Uncertainty, 0.4, 1)
		j.RiskBudgetAdj = formulas.Clamp(-0.05*severity, -0.05, 0.05)
		j.StablecoinAdj = formulas.Clamp(0.05*severity, -0.05, 0.05)
		j.HighVolCapAdj = formulas.Clamp(-0.04*severity, -0.05, 0.05)
		j.BiasAdj = formulas.Clamp(0.08*severity, -0.08, 0.08)

	case mc.RiskAppetite == string(macro.AppetiteExpansionary) && mc.Confidence >= 0.55:
		j.Posture = PostureSelectiveRiskOn
		j.AuthorizationHint = HintRelax
		strength := formulas.Clamp(mc.Confidence, 0.55, 1)
		j.RiskBudgetAdj = formulas.Clamp(0.05*strength, -0.05, 0.05)
		j.StablecoinAdj = formulas.Clamp(-0.04*strength, -0.05, 0.05)
		j.HighVolCapAdj = formulas.Clamp(0.03*strength, -0.05, 0.05)
		j.BiasAdj = formulas.Clamp(-0.06*strength, -0.08, 0.08)
	}

	j.RiskBudgetAdj = formulas.Round3(j.RiskBudgetAdj)
	j.StablecoinAdj = formulas.Round3(j.StablecoinAdj)
	j.HighVolCapAdj = formulas.Round3(j.HighVolCapAdj)
	j.BiasAdj = formulas.Round3(j.BiasAdj)
	return j
}

// agentDelta scales the judgement by the profile multiplier: risk
// reductions use the tighten multiplier, risk additions the relax one.
func agentDelta(j AgentJudgement, base baseline) delta {
	mult := base.RelaxMult
	if j.Posture == PostureMoreDefensive {
		mult = base.TightenMult
	}
	return delta{
		RiskBudget:    formulas.Clamp(j.RiskBudgetAdj*mult, -0.05, 0.05),
		StablecoinMin: formulas.Clamp(j.StablecoinAdj*mult, -0.05, 0.05),
		HighVolCap:    formulas.Clamp(j.HighVolCapAdj*mult, -0.05, 0.05),
		Bias:          formulas.Clamp(j.BiasAdj*mult, -0.08, 0.08),
	}
}

// regimeDelta maps market-regime evidence onto envelope deltas.
func regimeDelta(mc macroreview.MarketCondition) delta {
	var d delta

	switch mc.Regime {
	case macro.RegimeDefensiveStress:
		d = d.add(delta{
			RiskBudget: -0.15, StablecoinMin: 0.12, HighVolCap: -0.08,
			MaxSingleAsset: -0.05, VolTarget: -0.10, Bias: 0.10,
		})
	case macro.RegimeExpansionaryRiskOn:
		d = d.add(delta{
			RiskBudget: 0.08, StablecoinMin: -0.05, HighVolCap: 0.04, Bias: -0.05,
		})
	}

	switch mc.VolatilityState {
	case string(macro.VolElevated):
		d = d.add(delta{RiskBudget: -0.05, StablecoinMin: 0.05})
	case string(macro.VolExtreme):
		d = d.add(delta{RiskBudget: -0.12, StablecoinMin: 0.10, HighVolCap: -0.06})
	}

	if mc.LiquidityState == string(macro.LiqWeak) {
		d = d.add(delta{RiskBudget: -0.05, LiquidityFloor: 0.10})
	}
	if mc.Uncertainty >= 0.6 {
		d = d.add(delta{RiskBudget: -0.05, Bias: 0.05})
	}

	return d
}

func defensiveApplied(mc macroreview.MarketCondition) bool {
	return mc.Regime == macro.RegimeDefensiveStress ||
		mc.VolatilityState == string(macro.VolElevated) ||
		mc.VolatilityState == string(macro.VolExtreme) ||
		mc.LiquidityState == string(macro.LiqWeak) ||
		mc.Uncertainty >= 0.6
}

// macroEmergency is the hard block: a stressed tape with broken
// liquidity and clearly negative sentiment, or a read so uncertain it
// cannot support any allocation.
func macroEmergency(mc macroreview.MarketCondition) bool {
	stress := mc.VolatilityState == string(macro.VolExtreme) &&
		mc.LiquidityState == string(macro.LiqWeak) &&
		mc.SentimentDirection <= -0.3
	blind := mc.Uncertainty >= 0.9 && mc.Confidence <= 0.2
	return stress || blind
}

func (e *Engine) authorize(mc macroreview.MarketCondition, phase1Status string, j AgentJudgement, riskScaling float64) macroreview.Authorization {
	if macroEmergency(mc) {
		return macroreview.Authorization{
			Status:    StatusProhibited,
			Rationale: []string{"macro_emergency"},
		}
	}

	switch phase1Status {
	case macroreview.StatusProhibited:
		return macroreview.Authorization{
			Status:    StatusRestricted,
			Rationale: []string{"macro_review_prohibited"},
		}
	case macroreview.StatusAuthorized:
		if j.AuthorizationHint == HintTighten {
			return macroreview.Authorization{
				Status:    StatusRestricted,
				Rationale: []string{"agent_judgement_tighten"},
			}
		}
		return macroreview.Authorization{
			Status:    StatusAuthorized,
			Rationale: []string{"macro_review_authorized"},
		}
	default: // DEFERRED
		if j.AuthorizationHint == HintTighten || riskScaling <= 0.6 {
			return macroreview.Authorization{
				Status:    StatusRestricted,
				Rationale: []string{"deferred_macro_with_tightening"},
			}
		}
		return macroreview.Authorization{
			Status:    StatusAuthorized,
			Rationale: []string{"deferred_macro_within_risk_budget"},
		}
	}
}

func policyMode(mc macroreview.MarketCondition, tolerance domain.RiskTolerance, j AgentJudgement, authStatus string, env Envelope) Mode {
	switch {
	case authStatus == StatusProhibited,
		env.RiskBudget <= 0.2,
		env.DefensiveAdjustmentApplied && tolerance == domain.ToleranceConservative:
		return ModeCapitalPreservation
	case env.DefensiveAdjustmentApplied || j.Posture == PostureMoreDefensive:
		return ModeBalancedDefensive
	case j.Posture == PostureSelectiveRiskOn && authStatus == StatusAuthorized &&
		(tolerance == domain.ToleranceGrowth || tolerance == domain.ToleranceAggressive):
		return ModeOffensiveGrowth
	default:
		return ModeBalancedGrowth
	}
}

// OutputSchema declares the phase 2 output document.
func OutputSchema() *schema.Schema {
	min0, max1 := schema.Bounds(0, 1)
	minAdj, maxAdj := schema.Bounds(-0.08, 0.08)

	envFields := []schema.Field{
		{Name: "risk_budget", Kind: schema.KindNumber, Required: true, Min: ptr(0.08), Max: ptr(0.9)},
		{Name: "risk_scaling_factor", Kind: schema.KindNumber, Required: true, Min: ptr(0.2), Max: ptr(1.5)},
		{Name: "max_single_asset_exposure", Kind: schema.KindNumber, Required: true, Min: ptr(0.05), Max: ptr(0.45)},
		{Name: "stablecoin_minimum", Kind: schema.KindNumber, Required: true, Min: ptr(0.03), Max: ptr(0.75)},
		{Name: "high_volatility_asset_cap", Kind: schema.KindNumber, Required: true, Min: ptr(0.02), Max: ptr(0.45)},
		{Name: "portfolio_volatility_target", Kind: schema.KindNumber, Required: true, Min: ptr(0.1), Max: ptr(0.9)},
		{Name: "volatility_ceiling", Kind: schema.KindNumber, Required: true, Min: ptr(0.15), Max: ptr(0.95)},
		{Name: "liquidity_floor_requirement", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
		{Name: "capital_preservation_bias", Kind: schema.KindNumber, Required: true, Min: ptr(0.0), Max: ptr(0.6)},
		{Name: "defensive_adjustment_applied", Kind: schema.KindBool, Required: true},
	}

	return &schema.Schema{
		Name: "phase2_policy_envelope",
		Fields: []schema.Field{
			{Name: "job_id", Kind: schema.KindString, Required: true},
			{Name: "generated_at", Kind: schema.KindString, Required: true},
			{Name: "mode", Kind: schema.KindEnum, Required: true, Enum: []string{
				string(ModeCapitalPreservation), string(ModeBalancedDefensive),
				string(ModeBalancedGrowth), string(ModeOffensiveGrowth),
			}},
			{Name: "allocation_policy", Kind: schema.KindObject, Required: true, Fields: envFields},
			{Name: "allocation_authorization", Kind: schema.KindObject, Required: true, Fields: []schema.Field{
				{Name: "status", Kind: schema.KindEnum, Required: true, Enum: []string{StatusAuthorized, StatusRestricted, StatusProhibited}},
				{Name: "rationale", Kind: schema.KindStringArray, Required: true},
			}},
			{Name: "agent_judgement", Kind: schema.KindObject, Required: true, Fields: []schema.Field{
				{Name: "posture", Kind: schema.KindEnum, Required: true, Enum: []string{PostureMoreDefensive, PostureNeutral, PostureSelectiveRiskOn}},
				{Name: "authorization_hint", Kind: schema.KindEnum, Required: true, Enum: []string{HintNoChange, HintTighten, HintRelax}},
				{Name: "risk_budget_adjustment", Kind: schema.KindNumber, Min: ptr(-0.05), Max: ptr(0.05)},
				{Name: "stablecoin_minimum_adjustment", Kind: schema.KindNumber, Min: ptr(-0.05), Max: ptr(0.05)},
				{Name: "high_vol_cap_adjustment", Kind: schema.KindNumber, Min: ptr(-0.05), Max: ptr(0.05)},
				{Name: "bias_adjustment", Kind: schema.KindNumber, Min: minAdj, Max: maxAdj},
			}},
			{Name: "sanitized", Kind: schema.KindBool},
			{Name: "content_hash", Kind: schema.KindString},
		},
	}
}

func ptr(v float64) *float64 { return &v }
