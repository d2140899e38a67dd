package policy

import "github.com/selunlabs/selun-engine/internal/domain"

// baseline is the per-tolerance starting envelope before deltas.
type baseline struct {
	RiskBudget       float64
	MaxSingleAsset   float64
	StablecoinMin    float64
	HighVolCap       float64
	VolTarget        float64
	VolCeiling       float64
	LiquidityFloor   float64
	Bias             float64
	BiasMin, BiasMax float64

	// Profile multipliers scale the agent-judgement adjustment:
	// tighten applies to risk-reducing deltas, relax to risk-adding.
	TightenMult float64
	RelaxMult   float64
}

var baselines = map[domain.RiskTolerance]baseline{
	domain.ToleranceConservative: {
		RiskBudget: 0.25, MaxSingleAsset: 0.12, StablecoinMin: 0.40,
		HighVolCap: 0.05, VolTarget: 0.25, VolCeiling: 0.45,
		LiquidityFloor: 0.50, Bias: 0.35, BiasMin: 0.20, BiasMax: 0.60,
		TightenMult: 1.2, RelaxMult: 0.6,
	},
	domain.ToleranceBalanced: {
		RiskBudget: 0.45, MaxSingleAsset: 0.20, StablecoinMin: 0.25,
		HighVolCap: 0.12, VolTarget: 0.40, VolCeiling: 0.60,
		LiquidityFloor: 0.40, Bias: 0.20, BiasMin: 0.05, BiasMax: 0.45,
		TightenMult: 1.0, RelaxMult: 1.0,
	},
	domain.ToleranceGrowth: {
		RiskBudget: 0.60, MaxSingleAsset: 0.28, StablecoinMin: 0.15,
		HighVolCap: 0.20, VolTarget: 0.55, VolCeiling: 0.75,
		LiquidityFloor: 0.30, Bias: 0.10, BiasMin: 0.00, BiasMax: 0.35,
		TightenMult: 0.9, RelaxMult: 1.1,
	},
	domain.ToleranceAggressive: {
		RiskBudget: 0.75, MaxSingleAsset: 0.35, StablecoinMin: 0.08,
		HighVolCap: 0.30, VolTarget: 0.65, VolCeiling: 0.85,
		LiquidityFloor: 0.25, Bias: 0.05, BiasMin: 0.00, BiasMax: 0.25,
		TightenMult: 0.8, RelaxMult: 1.25,
	},
}

func baselineFor(t domain.RiskTolerance) baseline {
	if b, ok := baselines[t]; ok {
		return b
	}
	return baselines[domain.ToleranceBalanced]
}

// delta is one additive envelope change; every source of change is
// expressed as a delta so the computation stays a plain sum.
type delta struct {
	RiskBudget     float64
	MaxSingleAsset float64
	StablecoinMin  float64
	HighVolCap     float64
	VolTarget      float64
	VolCeiling     float64
	LiquidityFloor float64
	Bias           float64
}

func (d delta) add(other delta) delta {
	return delta{
		RiskBudget:     d.RiskBudget + other.RiskBudget,
		MaxSingleAsset: d.MaxSingleAsset + other.MaxSingleAsset,
		StablecoinMin:  d.StablecoinMin + other.StablecoinMin,
		HighVolCap:     d.HighVolCap + other.HighVolCap,
		VolTarget:      d.VolTarget + other.VolTarget,
		VolCeiling:     d.VolCeiling + other.VolCeiling,
		LiquidityFloor: d.LiquidityFloor + other.LiquidityFloor,
		Bias:           d.Bias + other.Bias,
	}
}

func timeframeDelta(tf domain.InvestmentTimeframe) delta {
	switch tf {
	case domain.TimeframeShort:
		return delta{RiskBudget: -0.05, StablecoinMin: 0.05, HighVolCap: -0.02}
	case domain.TimeframeLong:
		return delta{RiskBudget: 0.05, StablecoinMin: -0.03, HighVolCap: 0.03}
	default:
		return delta{}
	}
}
