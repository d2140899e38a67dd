package shortlist

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/policy"
	"github.com/selunlabs/selun-engine/internal/modules/screening"
	"github.com/selunlabs/selun-engine/internal/modules/universe"
)

func balancedProfile() domain.UserProfile {
	return domain.UserProfile{
		RiskTolerance:       domain.ToleranceBalanced,
		InvestmentTimeframe: domain.TimeframeMedium,
	}
}

func testPolicy() *policy.Output {
	return &policy.Output{
		Envelope: policy.Envelope{
			RiskBudget:             0.50,
			StablecoinMinimum:      0.15,
			MaxSingleAssetExposure: 0.30,
			HighVolatilityAssetCap: 0.12,
			VolatilityCeiling:      0.80,
		},
	}
}

func coin(id string, rank int, volume, structural, liquidity float64) screening.ScreenedToken {
	r := rank
	symbol := id
	if len(symbol) > 4 {
		symbol = symbol[:4]
	}
	return screening.ScreenedToken{
		Token: universe.Token{
			ID:            id,
			Symbol:        strings.ToUpper(symbol),
			Name:          id,
			MarketCapRank: &r,
			Volume24hUSD:  volume,
			Hints: universe.Hints{
				Category:   "layer-1",
				RankBucket: universe.RankTop50,
				DepthProxy: universe.DepthHigh,
			},
		},
		Scores:   screening.Scores{Liquidity: liquidity, Structural: structural, Screening: 0.8},
		Eligible: true,
		Lane:     screening.LaneCore,
	}
}

func stable(id, issuer string, rank int, volume float64) screening.ScreenedToken {
	t := coin(id, rank, volume, 0.95, 0.9)
	t.Hints.StablecoinValidation = universe.StableFiatCustodial
	t.StablecoinIssuer = issuer
	t.StablecoinCluster = universe.StableFiatCustodial
	return t
}

func testScreening(tokens ...screening.ScreenedToken) *screening.Output {
	return &screening.Output{
		JobID:         "J1",
		EligibleCount: len(tokens),
		Tokens:        tokens,
	}
}

func manyCoins(n int) []screening.ScreenedToken {
	names := []string{
		"bitcoin", "ethereum", "solana", "cardano", "polkadot", "avalanche",
		"chainlink", "polygon", "cosmos", "near", "aptos", "arbitrum",
	}
	out := make([]screening.ScreenedToken, 0, n)
	for i := 0; i < n && i < len(names); i++ {
		out = append(out, coin(names[i], i+1, float64(5_000_000_000-i*100_000_000), 0.9-0.02*float64(i), 0.85))
	}
	return out
}

func TestRunSelectsTargetWithStablecoinCap(t *testing.T) {
	tokens := manyCoins(10)
	tokens = append(tokens,
		stable("tether", "tether", 3, 40_000_000_000),
		stable("usd-coin", "circle", 6, 8_000_000_000),
	)
	e := NewEngine(nil, "", 1, zerolog.Nop())

	out, err := e.Run(context.Background(), "J1", testScreening(tokens...), testPolicy(), balancedProfile())
	require.NoError(t, err)

	// Balanced tolerance targets 8 picks.
	assert.Equal(t, 8, out.TargetSelection)
	assert.Equal(t, 8, out.SelectedCount)
	assert.Equal(t, "deterministic", out.Provider)
	assert.NotEmpty(t, out.ContentHash)

	selected := 0
	stables := 0
	var stableID string
	for _, c := range out.Candidates {
		if !c.Selected {
			continue
		}
		selected++
		if c.Stablecoin {
			stables++
			stableID = c.CoingeckoID
		}
	}
	assert.Equal(t, 8, selected)
	assert.Equal(t, 1, stables)
	// Highest-volume stable is preferred.
	assert.Equal(t, "tether", stableID)
}

func TestRunOrdersByComposite(t *testing.T) {
	tokens := manyCoins(6)
	e := NewEngine(nil, "", 1, zerolog.Nop())

	out, err := e.Run(context.Background(), "J1", testScreening(tokens...), testPolicy(), balancedProfile())
	require.NoError(t, err)

	for i := 1; i < len(out.Candidates); i++ {
		assert.GreaterOrEqual(t, out.Candidates[i-1].Composite, out.Candidates[i].Composite)
	}
}

func TestRunConstraintsMirrorEnvelope(t *testing.T) {
	e := NewEngine(nil, "", 1, zerolog.Nop())
	pol := testPolicy()

	out, err := e.Run(context.Background(), "J1", testScreening(manyCoins(6)...), pol, balancedProfile())
	require.NoError(t, err)

	assert.Equal(t, pol.Envelope.RiskBudget, out.Constraints.RiskBudget)
	assert.Equal(t, pol.Envelope.StablecoinMinimum, out.Constraints.StablecoinMinimum)
	assert.Equal(t, pol.Envelope.MaxSingleAssetExposure, out.Constraints.MaxSingleAsset)
	assert.Equal(t, pol.Envelope.HighVolatilityAssetCap, out.Constraints.HighVolCap)
}

func TestRunRejectsEmptyEligibleSet(t *testing.T) {
	blocked := coin("bitcoin", 1, 1e9, 0.9, 0.9)
	blocked.Eligible = false
	e := NewEngine(nil, "", 1, zerolog.Nop())

	_, err := e.Run(context.Background(), "J1", testScreening(blocked), testPolicy(), balancedProfile())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = e.Run(context.Background(), "J1", nil, testPolicy(), balancedProfile())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRiskClassLadder(t *testing.T) {
	meme := coin("dogwifcoin", 140, 2e8, 0.5, 0.5)
	meme.Hints.Meme = true
	meme.Hints.RankBucket = universe.RankTop300

	longTail := coin("obscure-token", 900, 4e6, 0.4, 0.3)
	longTail.Hints.RankBucket = universe.RankLongTail
	longTail.Hints.DepthProxy = universe.DepthLow

	gold := coin("pax-gold", 90, 3e8, 0.8, 0.7)

	tokens := []screening.ScreenedToken{
		coin("bitcoin", 1, 5e10, 0.95, 0.95),
		stable("tether", "tether", 3, 4e10),
		meme,
		longTail,
		gold,
	}
	e := NewEngine(nil, "", 1, zerolog.Nop())

	out, err := e.Run(context.Background(), "J1", testScreening(tokens...), testPolicy(), balancedProfile())
	require.NoError(t, err)

	classes := make(map[string]string, len(out.Candidates))
	buckets := make(map[string]string, len(out.Candidates))
	for _, c := range out.Candidates {
		classes[c.CoingeckoID] = c.RiskClass
		buckets[c.CoingeckoID] = c.Bucket
	}

	assert.Equal(t, ClassStablecoin, classes["tether"])
	assert.Equal(t, BucketStablecoin, buckets["tether"])
	assert.Equal(t, ClassSpeculative, classes["dogwifcoin"])
	assert.Equal(t, BucketHighVol, buckets["dogwifcoin"])
	assert.Equal(t, ClassHighRisk, classes["obscure-token"])
	assert.Equal(t, ClassCommodities, classes["pax-gold"])
	assert.Equal(t, ClassLargeCap, classes["bitcoin"])
}

// rejectingTransport exercises the proposal validation paths.
type rejectingTransport struct {
	selections []Selection
}

func (f rejectingTransport) Select(context.Context, Request) ([]Selection, error) {
	return f.selections, nil
}

func TestTransportProposalValidation(t *testing.T) {
	tokens := manyCoins(6)
	pol := testPolicy()
	profile := balancedProfile()

	cases := []struct {
		name       string
		selections []Selection
	}{
		{"empty proposal", nil},
		{"unknown id", []Selection{{CoingeckoID: "nope", RiskClass: ClassLargeCap, Bucket: BucketCore, Role: RoleCoreHolding}}},
		{"enum violation", []Selection{{CoingeckoID: "bitcoin", RiskClass: "galaxy_brain", Bucket: BucketCore, Role: RoleCoreHolding}}},
		{"duplicate pick", []Selection{
			{CoingeckoID: "bitcoin", RiskClass: ClassLargeCap, Bucket: BucketCore, Role: RoleCoreHolding},
			{CoingeckoID: "bitcoin", RiskClass: ClassLargeCap, Bucket: BucketCore, Role: RoleCoreHolding},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEngine(rejectingTransport{tc.selections}, "llm-test", 1, zerolog.Nop())
			_, err := e.Run(context.Background(), "J1", testScreening(tokens...), pol, profile)
			assert.ErrorIs(t, err, domain.ErrSchemaValidation)
		})
	}
}

func TestTransportStablecoinOverflowRejected(t *testing.T) {
	tokens := []screening.ScreenedToken{
		stable("tether", "tether", 3, 4e10),
		stable("usd-coin", "circle", 6, 8e9),
	}
	tokens = append(tokens, manyCoins(4)...)

	overStable := rejectingTransport{selections: []Selection{
		{CoingeckoID: "tether", RiskClass: ClassStablecoin, Bucket: BucketStablecoin, Role: RoleDefensiveReserve},
		{CoingeckoID: "usd-coin", RiskClass: ClassStablecoin, Bucket: BucketStablecoin, Role: RoleDefensiveReserve},
	}}
	e := NewEngine(overStable, "llm-test", 1, zerolog.Nop())

	_, err := e.Run(context.Background(), "J1", testScreening(tokens...), testPolicy(), balancedProfile())
	assert.ErrorIs(t, err, domain.ErrSchemaValidation)
}
