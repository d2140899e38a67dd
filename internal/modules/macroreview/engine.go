package macroreview

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/macro"
	"github.com/selunlabs/selun-engine/internal/modules/schema"
	"github.com/selunlabs/selun-engine/internal/modules/sourceintel"
)

// minBreadthAssets is the market-breadth coverage floor for a usable
// collection attempt.
const minBreadthAssets = 20

// Collector produces one macro observation per attempt.
type Collector interface {
	Collect(ctx context.Context) *macro.Observation
}

// IdentityEngager activates the agent identity before data collection.
// Failure is survivable; the run proceeds with an assumption note.
type IdentityEngager interface {
	Engage(ctx context.Context) (address string, err error)
}

// Config tunes the retry and recovery behaviour.
type Config struct {
	MaxUsableDataAttempts int
	RetryDelay            time.Duration
	MaxRetryDelay         time.Duration
	SnapshotMaxAge        time.Duration
}

// Engine runs the macro review: collect with retries, fall back to the
// last-known-good snapshot, authorize, and emit a validated output.
type Engine struct {
	collector Collector
	snapshots *macro.SnapshotStore
	intel     *sourceintel.Registry
	intelFile string
	identity  IdentityEngager
	cfg       Config
	schema    *schema.Schema
	log       zerolog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewEngine creates the phase 1 engine. identity may be nil.
func NewEngine(collector Collector, snapshots *macro.SnapshotStore, intel *sourceintel.Registry, intelFile string, identity IdentityEngager, cfg Config, log zerolog.Logger) *Engine {
	if cfg.MaxUsableDataAttempts < 1 {
		cfg.MaxUsableDataAttempts = 1
	}
	return &Engine{
		collector: collector,
		snapshots: snapshots,
		intel:     intel,
		intelFile: intelFile,
		identity:  identity,
		cfg:       cfg,
		schema:    OutputSchema(),
		log:       log.With().Str("component", "phase1_macro_review").Logger(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes the macro review for one job.
func (e *Engine) Run(ctx context.Context, input domain.Phase1Input) (*Output, error) {
	var assumptions []string

	if e.identity != nil {
		if addr, err := e.identity.Engage(ctx); err != nil {
			assumptions = append(assumptions, "agent_identity_unavailable")
			e.log.Warn().Str("job_id", input.JobID).Err(err).Msg("Agent identity engagement failed, continuing")
		} else {
			e.log.Debug().Str("job_id", input.JobID).Str("address", addr).Msg("Agent identity engaged")
		}
	}

	obs, attempts, err := e.collectUsable(ctx, input.JobID)
	recovered := false
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		snap, age, ok := e.snapshots.Load()
		if !ok || age > e.cfg.SnapshotMaxAge {
			e.log.Error().
				Str("job_id", input.JobID).
				Int("attempts", attempts).
				Bool("snapshot_present", ok).
				Msg("Macro data unusable and no acceptable snapshot")
			return nil, fmt.Errorf("%w: %d attempts exhausted", domain.ErrMacroDataUnusable, attempts)
		}
		obs = snap
		recovered = true
		obs.MissingDomains = append(obs.MissingDomains,
			"live_macro_unavailable_recovered_with_last_known_good_snapshot",
			fmt.Sprintf("snapshot_recovery_age_ms:%d", age.Milliseconds()),
		)
		e.log.Warn().
			Str("job_id", input.JobID).
			Int64("snapshot_age_ms", age.Milliseconds()).
			Msg("Recovered with last-known-good macro snapshot")
	} else {
		if err := e.snapshots.Save(obs); err != nil {
			e.log.Warn().Str("job_id", input.JobID).Err(err).Msg("Snapshot persist failed")
		}
	}

	if e.intelFile != "" {
		if err := e.intel.Persist(e.intelFile); err != nil {
			e.log.Warn().Err(err).Msg("Source intelligence persist failed")
		}
	}

	out := e.buildOutput(input, obs, attempts, recovered, assumptions)

	var validated Output
	sanitized, err := schema.Emit(e.schema, out, &validated)
	if err != nil {
		return nil, fmt.Errorf("phase 1 output rejected: %w", err)
	}
	validated.Sanitized = sanitized

	hash, err := schema.ContentHash(validated)
	if err != nil {
		return nil, fmt.Errorf("phase 1 content hash: %w", err)
	}
	validated.ContentHash = hash

	e.log.Info().
		Str("job_id", input.JobID).
		Str("authorization", validated.AllocationAuthorization.Status).
		Bool("snapshot_recovered", recovered).
		Int("attempts", attempts).
		Msg("Macro review complete")

	return &validated, nil
}

// collectUsable retries live collection with linear capped backoff.
func (e *Engine) collectUsable(ctx context.Context, jobID string) (*macro.Observation, int, error) {
	attempts := 0
	for attempts < e.cfg.MaxUsableDataAttempts {
		attempts++

		obs := e.collector.Collect(ctx)
		if obs.Usable(minBreadthAssets) {
			return obs, attempts, nil
		}

		e.log.Warn().
			Str("job_id", jobID).
			Int("attempt", attempts).
			Strs("missing_domains", obs.MissingDomains).
			Int("breadth_assets", obs.Breadth.AssetCount).
			Msg("Macro attempt not usable")

		if attempts == e.cfg.MaxUsableDataAttempts {
			break
		}
		backoff := e.cfg.RetryDelay * time.Duration(attempts)
		if backoff > e.cfg.MaxRetryDelay {
			backoff = e.cfg.MaxRetryDelay
		}
		if err := e.sleep(ctx, backoff); err != nil {
			return nil, attempts, err
		}
	}
	return nil, attempts, fmt.Errorf("no usable macro attempt in %d tries", attempts)
}

// authorize applies the allocation gate rules to an observation.
func authorize(obs *macro.Observation) Authorization {
	conf := obs.Alignment.Confidence

	if obs.Volatility.State == macro.VolExtreme {
		return Authorization{
			Status:    StatusProhibited,
			Rationale: []string{"volatility_state_extreme"},
		}
	}
	if obs.Regime == macro.RegimeDefensiveStress && conf >= 0.45 {
		return Authorization{
			Status:    StatusProhibited,
			Rationale: []string{"defensive_stress_with_confidence"},
		}
	}
	if obs.Regime == macro.RegimeExpansionaryRiskOn && conf >= 0.55 && obs.Liquidity.State != macro.LiqWeak {
		return Authorization{
			Status:    StatusAuthorized,
			Rationale: []string{"expansionary_risk_on_confirmed"},
		}
	}
	return Authorization{
		Status:    StatusDeferred,
		Rationale: []string{"mixed_or_low_confidence_macro_read"},
	}
}

func (e *Engine) buildOutput(input domain.Phase1Input, obs *macro.Observation, attempts int, recovered bool, assumptions []string) Output {
	if assumptions == nil {
		assumptions = []string{}
	}
	if obs.MissingDomains == nil {
		obs.MissingDomains = []string{}
	}

	return Output{
		JobID:       input.JobID,
		GeneratedAt: e.now().UTC(),
		TimeWindow:  string(input.TimeWindow),
		MarketCondition: MarketCondition{
			VolatilityState:    string(obs.Volatility.State),
			LiquidityState:     string(obs.Liquidity.State),
			RiskAppetite:       string(obs.Appetite),
			Regime:             obs.Regime,
			SentimentDirection: obs.Sentiment.Direction,
			Alignment:          obs.Alignment.Score,
			Confidence:         obs.Alignment.Confidence,
			Uncertainty:        obs.Alignment.Uncertainty,
			CorrelationState:   string(obs.Correlation),
		},
		Evidence: buildEvidence(obs),
		AllocationAuthorization: authorize(obs),
		Audit: Audit{
			Attempts:        attempts,
			Sources:         obs.Sources,
			MissingDomains:  obs.MissingDomains,
			Assumptions:     assumptions,
			Credibility:     e.intel.Snapshot(),
			SourceSelection: obs.SourceSelection,
		},
		SnapshotRecovered: recovered,
	}
}

func buildEvidence(obs *macro.Observation) []EvidenceBlock {
	assetCount := float64(obs.Breadth.AssetCount)

	return []EvidenceBlock{
		{
			Domain:      string(macro.DomainVolatility),
			Summary:     fmt.Sprintf("volatility %s across %d sources", obs.Volatility.State, obs.Volatility.SourceCount),
			SourceCount: obs.Volatility.SourceCount,
			Missing:     obs.Volatility.Missing,
			Metrics: EvidenceMetrics{
				CombinedDailyVol: &obs.Volatility.CombinedDailyVol,
				VolZScore:        &obs.Volatility.VolZScore,
				CapPressurePct:   &obs.Volatility.CapPressurePct,
			},
		},
		{
			Domain:      string(macro.DomainLiquidity),
			Summary:     fmt.Sprintf("liquidity %s across %d sources", obs.Liquidity.State, obs.Liquidity.SourceCount),
			SourceCount: obs.Liquidity.SourceCount,
			Missing:     obs.Liquidity.Missing,
			Metrics: EvidenceMetrics{
				VolumeZScore:           &obs.Liquidity.VolumeZScore,
				SpreadPct:              &obs.Liquidity.SpreadPct,
				StablecoinDominancePct: &obs.Liquidity.StablecoinDominancePct,
			},
		},
		{
			Domain:      string(macro.DomainSentiment),
			Summary:     fmt.Sprintf("sentiment direction %.2f, consensus %.2f", obs.Sentiment.Direction, obs.Sentiment.Consensus),
			SourceCount: obs.Sentiment.SourceCount,
			Missing:     obs.Sentiment.Missing,
			Metrics: EvidenceMetrics{
				Direction: &obs.Sentiment.Direction,
				Consensus: &obs.Sentiment.Consensus,
				FearGreed: fearGreedMetric(obs),
			},
		},
		{
			Domain:      string(macro.DomainMarketMetrics),
			Summary:     fmt.Sprintf("breadth %d assets, %.0f%% positive", obs.Breadth.AssetCount, obs.Breadth.PositiveRatio*100),
			SourceCount: obs.Breadth.SourceCount,
			Missing:     obs.Breadth.Missing,
			Metrics: EvidenceMetrics{
				PositiveRatio: &obs.Breadth.PositiveRatio,
				AbsMovePct24:  &obs.Breadth.AbsMovePct24,
				AssetCount:    &assetCount,
			},
		},
	}
}

func fearGreedMetric(obs *macro.Observation) *float64 {
	if !obs.Sentiment.FearGreedPresent {
		return nil
	}
	v := obs.Sentiment.FearGreed
	return &v
}
