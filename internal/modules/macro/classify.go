package macro

import (
	"github.com/selunlabs/selun-engine/pkg/formulas"
)

// classify fills the derived fields of an observation: risk appetite,
// regime label and alignment. Domain signals must already be set.
func classify(obs *Observation) {
	obs.Appetite = riskAppetite(obs)
	switch obs.Appetite {
	case AppetiteDefensive:
		obs.Regime = RegimeDefensiveStress
	case AppetiteExpansionary:
		obs.Regime = RegimeExpansionaryRiskOn
	default:
		obs.Regime = RegimeNeutralMixed
	}
	obs.Alignment = alignment(obs)
}

// riskAppetite is a deterministic classifier; defensive triggers win
// over expansionary ones so conflicting evidence resolves cautiously.
func riskAppetite(obs *Observation) RiskAppetite {
	vol, liq, sent, breadth := obs.Volatility, obs.Liquidity, obs.Sentiment, obs.Breadth

	defensive := vol.State == VolExtreme ||
		(vol.State == VolElevated && liq.State == LiqWeak) ||
		(!sent.Missing && sent.Direction <= -0.35) ||
		(!breadth.Missing && breadth.PositiveRatio <= 0.35) ||
		(!breadth.Missing && breadth.AbsMovePct24 >= 8 && !sent.Missing && sent.Direction < 0)
	if defensive {
		return AppetiteDefensive
	}

	expansionary := (vol.State == VolLow || vol.State == VolModerate) &&
		liq.State != LiqWeak &&
		!sent.Missing && sent.Direction >= 0.25 &&
		!breadth.Missing && breadth.PositiveRatio >= 0.55
	if expansionary {
		return AppetiteExpansionary
	}

	return AppetiteNeutral
}

// domainDirections maps each present domain onto a directional score
// in [-1, 1] for pairwise agreement.
func domainDirections(obs *Observation) []float64 {
	var dirs []float64
	if !obs.Volatility.Missing {
		switch obs.Volatility.State {
		case VolLow:
			dirs = append(dirs, 0.5)
		case VolModerate:
			dirs = append(dirs, 0.1)
		case VolElevated:
			dirs = append(dirs, -0.5)
		case VolExtreme:
			dirs = append(dirs, -1)
		}
	}
	if !obs.Liquidity.Missing {
		switch obs.Liquidity.State {
		case LiqStrong:
			dirs = append(dirs, 0.6)
		case LiqStable:
			dirs = append(dirs, 0.1)
		case LiqWeak:
			dirs = append(dirs, -0.7)
		}
	}
	if !obs.Sentiment.Missing {
		dirs = append(dirs, obs.Sentiment.Direction)
	}
	if !obs.Breadth.Missing {
		dirs = append(dirs, formulas.Clamp((obs.Breadth.PositiveRatio-0.5)*2, -1, 1))
	}
	return dirs
}

// alignment scores cross-domain agreement and derives confidence and
// uncertainty. Penalties: missing domains, directional conflict and
// thin source diversity. A consistency pass restores confidence when
// every domain is present and in agreement.
func alignment(obs *Observation) Alignment {
	dirs := domainDirections(obs)
	missing := 0
	for _, m := range []bool{obs.Volatility.Missing, obs.Liquidity.Missing, obs.Sentiment.Missing, obs.Breadth.Missing} {
		if m {
			missing++
		}
	}

	if len(dirs) < 2 {
		return Alignment{Score: 0, Confidence: 0, Uncertainty: 1}
	}

	pairSum, pairs := 0.0, 0
	conflict := false
	for i := 0; i < len(dirs); i++ {
		for j := i + 1; j < len(dirs); j++ {
			pairSum += 1 - abs(dirs[i]-dirs[j])/2
			pairs++
			if dirs[i]*dirs[j] < 0 && abs(dirs[i]) >= 0.3 && abs(dirs[j]) >= 0.3 {
				conflict = true
			}
		}
	}
	score := formulas.Clamp(pairSum/float64(pairs), 0, 1)

	confidence := score
	confidence -= 0.12 * float64(missing)
	if conflict {
		confidence -= 0.10
	}
	totalSources := obs.Volatility.SourceCount + obs.Liquidity.SourceCount +
		obs.Sentiment.SourceCount + obs.Breadth.SourceCount
	if totalSources < 4 {
		confidence -= 0.08
	}
	confidence = formulas.Clamp(confidence, 0, 1)

	// Consistency pass: full coverage plus strong agreement earns back
	// most of the penalty headroom.
	if missing == 0 && !conflict && score >= 0.6 && obs.Sentiment.Consensus >= 0.6 {
		if floor := score - 0.05; confidence < floor {
			confidence = floor
		}
	}

	uncertainty := formulas.Clamp(1-confidence+0.1*float64(missing), 0, 1)

	return Alignment{
		Score:       formulas.Round3(score),
		Confidence:  formulas.Round3(confidence),
		Uncertainty: formulas.Round3(uncertainty),
	}
}
