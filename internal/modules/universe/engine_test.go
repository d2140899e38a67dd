package universe

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selunlabs/selun-engine/internal/clients/fetch"
	"github.com/selunlabs/selun-engine/internal/clients/markets"
	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/policy"
	"github.com/selunlabs/selun-engine/internal/modules/sourceintel"
)

type fakeSource struct {
	listings   []markets.Row
	listingErr error
	byID       map[string]markets.Row
	byIDErr    error
	aliases    map[string][]string
}

func (f *fakeSource) TopVolume(ctx context.Context, page, perPage int) ([]markets.Row, error) {
	if f.listingErr != nil {
		return nil, f.listingErr
	}
	if page > 1 {
		return nil, nil
	}
	return f.listings, nil
}

func (f *fakeSource) MarketsByIDs(ctx context.Context, ids []string) ([]markets.Row, error) {
	if f.byIDErr != nil {
		return nil, f.byIDErr
	}
	var out []markets.Row
	for _, id := range ids {
		if row, ok := f.byID[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeSource) SearchSymbol(ctx context.Context, query string) ([]string, error) {
	return f.aliases[query], nil
}

func intp(v int) *int { return &v }

func row(id, symbol string, rank int, volume, cap float64) markets.Row {
	return markets.Row{
		ID: id, Symbol: symbol, Name: symbol,
		MarketCapRank: intp(rank),
		Volume24hUSD:  volume, MarketCapUSD: cap, CurrentPriceUSD: 1,
	}
}

func testRows() []markets.Row {
	return []markets.Row{
		row("bitcoin", "BTC", 1, 3e10, 1e12),
		row("ethereum", "ETH", 2, 1.5e10, 4e11),
		row("tether", "USDT", 3, 5e10, 1e11),
		row("solana", "SOL", 5, 3e9, 8e10),
		row("wrapped-bitcoin", "WBTC", 12, 2e8, 1e10), // filtered out
		row("dogecoin", "DOGE", 9, 1e9, 2e10),
	}
}

func balancedPolicy() *policy.Output {
	return &policy.Output{
		Mode: policy.ModeBalancedGrowth,
		Envelope: policy.Envelope{
			StablecoinMinimum:      0.25,
			HighVolatilityAssetCap: 0.12,
		},
	}
}

func newTestEngine(src *fakeSource, target int) *Engine {
	return NewEngine(src, nil, sourceintel.NewRegistry(zerolog.Nop()), target, zerolog.Nop())
}

func run(t *testing.T, e *Engine, pol *policy.Output) *Output {
	t.Helper()
	out, err := e.Run(context.Background(), "job-1",
		domain.UserProfile{RiskTolerance: domain.ToleranceBalanced, InvestmentTimeframe: domain.TimeframeMedium}, pol)
	require.NoError(t, err)
	return out
}

func tokenByID(out *Output, id string) *Token {
	for i := range out.Tokens {
		if out.Tokens[i].ID == id {
			return &out.Tokens[i]
		}
	}
	return nil
}

func TestRun_RetailFilterDropsProxies(t *testing.T) {
	src := &fakeSource{listings: testRows(), byID: map[string]markets.Row{
		"usd-coin": row("usd-coin", "USDC", 6, 8e9, 3e10),
		"dai":      row("dai", "DAI", 20, 3e8, 5e9),
	}}
	out := run(t, newTestEngine(src, 300), balancedPolicy())

	assert.Nil(t, tokenByID(out, "wrapped-bitcoin"))
	assert.NotNil(t, tokenByID(out, "bitcoin"))
}

func TestRun_ProfileMatchAddsReasonsAndTokens(t *testing.T) {
	src := &fakeSource{listings: testRows(), byID: map[string]markets.Row{
		"usd-coin": row("usd-coin", "USDC", 6, 8e9, 3e10),
		"dai":      row("dai", "DAI", 20, 3e8, 5e9),
	}}
	out := run(t, newTestEngine(src, 300), balancedPolicy())

	// Already-listed stablecoin gains the floor reason.
	usdt := tokenByID(out, "tether")
	require.NotNil(t, usdt)
	assert.Contains(t, usdt.InclusionReasons, "stablecoin_floor_requirement")
	assert.Contains(t, usdt.InclusionReasons, "top_volume")

	// Missing candidates were fetched and added.
	usdc := tokenByID(out, "usd-coin")
	require.NotNil(t, usdc)
	assert.Contains(t, usdc.InclusionReasons, "stablecoin_floor_requirement")

	btc := tokenByID(out, "bitcoin")
	require.NotNil(t, btc)
	assert.Contains(t, btc.InclusionReasons, "profile_risk_tolerance:balanced")
}

func TestRun_RateLimitBuildsPlaceholder(t *testing.T) {
	rateLimited := &fetch.Error{Provider: "coingecko", URL: "x", StatusCode: http.StatusTooManyRequests}
	src := &fakeSource{listings: testRows(), byIDErr: rateLimited}

	out := run(t, newTestEngine(src, 300), balancedPolicy())

	usdc := tokenByID(out, "usd-coin")
	require.NotNil(t, usdc, "rate-limited lookup degrades to a placeholder")
	assert.True(t, usdc.Placeholder)
	assert.Equal(t, "USDC", usdc.Symbol)
}

func TestRun_AnchorFallbackOnEmptyTopVolume(t *testing.T) {
	src := &fakeSource{
		listingErr: fmt.Errorf("provider down"),
		byID: map[string]markets.Row{
			"bitcoin": row("bitcoin", "BTC", 1, 3e10, 1e12),
			"tether":  row("tether", "USDT", 3, 5e10, 1e11),
		},
	}
	out := run(t, newTestEngine(src, 300), balancedPolicy())

	assert.Contains(t, out.Notes, "top_volume_empty_anchor_fallback")

	btc := tokenByID(out, "bitcoin")
	require.NotNil(t, btc)
	assert.Contains(t, btc.InclusionReasons, "anchor")

	// Unfetchable anchors come back as placeholders.
	doge := tokenByID(out, "dogecoin")
	require.NotNil(t, doge)
	assert.True(t, doge.Placeholder)
	assert.Equal(t, "DOGE", doge.Symbol)
}

func TestRun_TargetSizeBoundsOutput(t *testing.T) {
	var rows []markets.Row
	for i := 0; i < 40; i++ {
		rows = append(rows, row(fmt.Sprintf("token-%02d", i), fmt.Sprintf("T%02d", i), i+1, float64(1000-i), 1e9))
	}
	src := &fakeSource{listings: rows, byID: map[string]markets.Row{}}

	out := run(t, newTestEngine(src, 10), balancedPolicy())
	assert.Len(t, out.Tokens, 10)
}

func TestHints(t *testing.T) {
	h := hintsFor(row("tether", "USDT", 3, 5e10, 1e11), false)
	assert.Equal(t, "stablecoin", h.Category)
	assert.Equal(t, StableFiatCustodial, h.StablecoinValidation)
	assert.Equal(t, RankTop10, h.RankBucket)
	assert.Equal(t, DepthHigh, h.DepthProxy)

	h = hintsFor(row("dogecoin", "DOGE", 9, 1e9, 2e10), false)
	assert.True(t, h.Meme)
	assert.Equal(t, "meme", h.Category)

	// Tiny cap with outsized volume is suspicious.
	h = hintsFor(row("micro", "MIC", 900, 9e8, 2e8), false)
	assert.True(t, h.SuspiciousVolume)
	assert.Equal(t, RankLongTail, h.RankBucket)

	// Placeholders never claim depth or strict rank.
	h = hintsFor(placeholderRow("render-token"), true)
	assert.False(t, h.StrictRank)
	assert.Equal(t, DepthLow, h.DepthProxy)
}

func TestRetailExcluded(t *testing.T) {
	assert.True(t, retailExcluded("wrapped-bitcoin", "Wrapped Bitcoin", "WBTC"))
	assert.True(t, retailExcluded("coinbase-staked-eth", "Coinbase Staked ETH", "CBETH"))
	assert.True(t, retailExcluded("apple-tokenized-stock", "Apple Tokenized Stock", "AAPL"))
	assert.False(t, retailExcluded("bitcoin", "Bitcoin", "BTC"))
	assert.False(t, retailExcluded("chainlink", "Chainlink", "LINK"))
}
