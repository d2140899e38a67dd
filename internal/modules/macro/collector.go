package macro

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/clients/fetch"
	"github.com/selunlabs/selun-engine/internal/clients/markets"
	"github.com/selunlabs/selun-engine/internal/modules/sourceintel"
	"github.com/selunlabs/selun-engine/pkg/formulas"
)

// Config tunes per-domain candidate targets.
type Config struct {
	KVolatility    int
	KLiquidity     int
	KSentiment     int
	KMarketMetrics int
}

// DefaultConfig returns the default candidate targets.
func DefaultConfig() Config {
	return Config{
		KVolatility:    2,
		KLiquidity:     2,
		KSentiment:     3,
		KMarketMetrics: 2,
	}
}

// minAggregateWeight floors credibility weights so a provider with a
// collapsed score still contributes once it produced usable data.
const minAggregateWeight = 0.05

// Collectors runs the four macro data domains against live providers
// and reduces the results to one Observation.
type Collectors struct {
	fetcher    *fetch.Client
	gecko      *markets.CoinGecko
	cmc        *markets.CoinMarketCap
	registry   *sourceintel.Registry
	messariKey string
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time
}

// NewCollectors creates macro collectors over the shared clients.
func NewCollectors(fetcher *fetch.Client, gecko *markets.CoinGecko, cmc *markets.CoinMarketCap, registry *sourceintel.Registry, messariKey string, cfg Config, log zerolog.Logger) *Collectors {
	if cfg.KVolatility < 1 {
		cfg.KVolatility = 1
	}
	if cfg.KLiquidity < 1 {
		cfg.KLiquidity = 1
	}
	if cfg.KSentiment < 1 {
		cfg.KSentiment = 1
	}
	if cfg.KMarketMetrics < 1 {
		cfg.KMarketMetrics = 1
	}
	return &Collectors{
		fetcher:    fetcher,
		gecko:      gecko,
		cmc:        cmc,
		registry:   registry,
		messariKey: messariKey,
		cfg:        cfg,
		log:        log.With().Str("component", "macro_collectors").Logger(),
		now:        time.Now,
	}
}

type volCandidate struct {
	obs    VolObservation
	weight float64
}

type liqCandidate struct {
	obs    LiqObservation
	weight float64
}

type sentCandidate struct {
	obs    SentObservation
	weight float64
}

type breadthCandidate struct {
	obs    BreadthObservation
	weight float64
}

// Collect runs all four domains and classifies the result. It never
// returns an error: domains that yield nothing are marked missing and
// the caller decides whether the observation is usable.
func (c *Collectors) Collect(ctx context.Context) *Observation {
	refsBefore := len(c.fetcher.References())

	obs := &Observation{CapturedAt: c.now().UTC()}
	var notes []SelectionNote

	volCands := c.collectVolatility(ctx, &notes)
	liqCands := c.collectLiquidity(ctx, &notes)
	sentCands := c.collectSentiment(ctx, &notes)
	breadthCands := c.collectBreadth(ctx, &notes)

	obs.Volatility = aggregateVolatility(volCands)
	obs.Liquidity = aggregateLiquidity(liqCands)
	obs.Sentiment = aggregateSentiment(sentCands)
	obs.Breadth = aggregateBreadth(breadthCands)

	obs.Correlation = c.correlationState(ctx)
	classify(obs)

	obs.SourceSelection = notes
	for _, d := range []struct {
		name    string
		missing bool
	}{
		{string(DomainVolatility), obs.Volatility.Missing},
		{string(DomainLiquidity), obs.Liquidity.Missing},
		{string(DomainSentiment), obs.Sentiment.Missing},
		{string(DomainMarketMetrics), obs.Breadth.Missing},
	} {
		if d.missing {
			obs.MissingDomains = append(obs.MissingDomains, d.name)
		}
	}

	refs := c.fetcher.References()
	if refsBefore < len(refs) {
		obs.Sources = refs[refsBefore:]
	}

	c.log.Info().
		Int("sources", len(obs.Sources)).
		Strs("missing_domains", obs.MissingDomains).
		Str("risk_appetite", string(obs.Appetite)).
		Msg("Macro collection complete")

	return obs
}

func (c *Collectors) collectVolatility(ctx context.Context, notes *[]SelectionNote) []volCandidate {
	var cands []volCandidate
	c.iterate(ctx, DomainVolatility, volatilityConfigured, volatilityDiscovery, c.cfg.KVolatility, notes,
		func(ctx context.Context, provider string) (bool, error) {
			o, err := c.fetchVolatility(ctx, provider)
			if err != nil {
				return false, err
			}
			cands = append(cands, volCandidate{obs: o, weight: c.weight(DomainVolatility, provider)})
			return true, nil
		})
	return cands
}

func (c *Collectors) collectLiquidity(ctx context.Context, notes *[]SelectionNote) []liqCandidate {
	var cands []liqCandidate
	c.iterate(ctx, DomainLiquidity, liquidityConfigured, liquidityDiscovery, c.cfg.KLiquidity, notes,
		func(ctx context.Context, provider string) (bool, error) {
			o, err := c.fetchLiquidity(ctx, provider)
			if err != nil {
				return false, err
			}
			cands = append(cands, liqCandidate{obs: o, weight: c.weight(DomainLiquidity, provider)})
			return true, nil
		})
	return cands
}

func (c *Collectors) collectSentiment(ctx context.Context, notes *[]SelectionNote) []sentCandidate {
	var cands []sentCandidate
	c.iterate(ctx, DomainSentiment, sentimentConfigured, sentimentDiscovery, c.cfg.KSentiment, notes,
		func(ctx context.Context, provider string) (bool, error) {
			o, err := c.fetchSentiment(ctx, provider)
			if err != nil {
				return false, err
			}
			cands = append(cands, sentCandidate{obs: o, weight: c.weight(DomainSentiment, provider)})
			return true, nil
		})
	return cands
}

func (c *Collectors) collectBreadth(ctx context.Context, notes *[]SelectionNote) []breadthCandidate {
	var cands []breadthCandidate
	c.iterate(ctx, DomainMarketMetrics, breadthConfigured, breadthDiscovery, c.cfg.KMarketMetrics, notes,
		func(ctx context.Context, provider string) (bool, error) {
			o, err := c.fetchBreadth(ctx, provider)
			if err != nil {
				return false, err
			}
			cands = append(cands, breadthCandidate{obs: o, weight: c.weight(DomainMarketMetrics, provider)})
			return true, nil
		})
	return cands
}

// iterate walks the credibility-ordered provider list for a domain
// until k providers yielded usable data. Providers without a strategy
// or with a missing API key are skipped without a registry outcome.
func (c *Collectors) iterate(ctx context.Context, domain Domain, configured, discovery []string, k int, notes *[]SelectionNote, try func(context.Context, string) (bool, error)) {
	order := c.registry.BuildProviderOrder(string(domain), configured, discovery)

	accepted := 0
	for _, provider := range order {
		if accepted >= k {
			break
		}
		if ctx.Err() != nil {
			return
		}

		start := c.now()
		ok, err := try(ctx, provider)
		latencyMs := float64(c.now().Sub(start)) / float64(time.Millisecond)

		note := SelectionNote{
			Domain:    string(domain),
			Provider:  provider,
			Score:     c.registry.GetScore(string(domain), provider),
			LatencyMs: latencyMs,
		}

		switch {
		case errors.Is(err, errNoStrategy), errors.Is(err, errDisabled):
			note.Reason = err.Error()
		case err != nil:
			c.registry.RecordOutcome(string(domain), provider, false, latencyMs)
			note.Reason = err.Error()
			c.log.Warn().
				Str("domain", string(domain)).
				Str("provider", provider).
				Err(err).
				Msg("Macro provider failed")
		case ok:
			c.registry.RecordOutcome(string(domain), provider, true, latencyMs)
			note.Accepted = true
			accepted++
		}
		*notes = append(*notes, note)
	}
}

func (c *Collectors) weight(domain Domain, provider string) float64 {
	w := c.registry.GetScore(string(domain), provider)
	if w < minAggregateWeight {
		w = minAggregateWeight
	}
	return w
}

// correlationState derives BTC/ETH co-movement from hourly returns.
// A fetch failure degrades to the stable default rather than failing
// the whole observation.
func (c *Collectors) correlationState(ctx context.Context) CorrelationState {
	btc, err := c.gecko.HourlyChart(ctx, "bitcoin", 3)
	if err != nil {
		return CorrStable
	}
	eth, err := c.gecko.HourlyChart(ctx, "ethereum", 3)
	if err != nil {
		return CorrStable
	}
	return CorrelationFromSeries(btc.Values, eth.Values)
}

// CorrelationFromSeries classifies Pearson correlation of two price
// series into compression, expansion or stable.
func CorrelationFromSeries(btcPrices, ethPrices []float64) CorrelationState {
	n := len(btcPrices)
	if len(ethPrices) < n {
		n = len(ethPrices)
	}
	if n < 3 {
		return CorrStable
	}
	btcRets := formulas.CalculateReturns(btcPrices[len(btcPrices)-n:])
	ethRets := formulas.CalculateReturns(ethPrices[len(ethPrices)-n:])

	r := formulas.Correlation(btcRets, ethRets)
	switch {
	case r >= 0.82:
		return CorrCompression
	case r <= 0.55:
		return CorrExpansion
	default:
		return CorrStable
	}
}
