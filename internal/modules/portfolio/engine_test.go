package portfolio

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/shortlist"
	"github.com/selunlabs/selun-engine/internal/modules/universe"
)

func intp(v int) *int { return &v }

func coin(id string, rank int, composite, risk float64, bucket string) shortlist.Candidate {
	return shortlist.Candidate{
		CoingeckoID:   id,
		Symbol:        id,
		Name:          id,
		MarketCapRank: intp(rank),
		Volume24hUSD:  1e9,
		Liquidity:     0.8,
		Structural:    0.9,
		Screening:     0.8,
		Quality:       composite,
		Risk:          risk,
		Composite:     composite,
		RiskClass:     classFor(bucket),
		Bucket:        bucket,
		Role:          shortlist.RoleCoreHolding,
		DepthProxy:    universe.DepthHigh,
		RankBucket:    universe.RankTop10,
		Selected:      true,
	}
}

func classFor(bucket string) string {
	switch bucket {
	case shortlist.BucketStablecoin:
		return shortlist.ClassStablecoin
	case shortlist.BucketHighVol:
		return shortlist.ClassHighRisk
	case shortlist.BucketCore:
		return shortlist.ClassLargeCap
	default:
		return shortlist.ClassAlternative
	}
}

func stable(id, issuer, cluster string, composite, risk float64) shortlist.Candidate {
	c := coin(id, 5, composite, risk, shortlist.BucketStablecoin)
	c.Stablecoin = true
	c.StablecoinIssuer = issuer
	c.StablecoinCluster = cluster
	c.Role = shortlist.RoleDefensiveReserve
	return c
}

func balancedProfile() domain.UserProfile {
	return domain.UserProfile{
		RiskTolerance:       domain.ToleranceBalanced,
		InvestmentTimeframe: domain.TimeframeMedium,
	}
}

func defaultConstraints() shortlist.Constraints {
	return shortlist.Constraints{
		RiskBudget:        0.5,
		StablecoinMinimum: 0.2,
		MaxSingleAsset:    0.30,
		HighVolCap:        0.15,
	}
}

func shortlistOutput(cons shortlist.Constraints, cands []shortlist.Candidate) *shortlist.Output {
	return &shortlist.Output{
		JobID:           "job-1",
		TargetSelection: 8,
		Constraints:     cons,
		Candidates:      cands,
	}
}

func mixedShortlist() []shortlist.Candidate {
	cands := []shortlist.Candidate{
		stable("usd-coin", "circle", universe.StableFiatCustodial, 0.70, 0.10),
		stable("tether", "tether", universe.StableFiatCustodial, 0.68, 0.12),
		stable("dai", "makerdao", universe.StableCryptoCollateral, 0.62, 0.18),
		coin("bitcoin", 1, 0.82, 0.20, shortlist.BucketCore),
		coin("ethereum", 2, 0.78, 0.22, shortlist.BucketCore),
		coin("chainlink", 12, 0.66, 0.35, shortlist.BucketSatellite),
		coin("uniswap", 18, 0.60, 0.38, shortlist.BucketSatellite),
		coin("solana", 6, 0.64, 0.45, shortlist.BucketSatellite),
		coin("dogecoin", 9, 0.55, 0.70, shortlist.BucketHighVol),
		coin("pepe", 40, 0.50, 0.80, shortlist.BucketHighVol),
	}
	return cands
}

func run(t *testing.T, cons shortlist.Constraints, cands []shortlist.Candidate) *Output {
	t.Helper()
	e := NewEngine(zerolog.Nop())
	out, err := e.Run("job-1", shortlistOutput(cons, cands), balancedProfile())
	require.NoError(t, err)
	return out
}

func weightSum(out *Output) float64 {
	sum := 0.0
	for _, a := range out.Allocations {
		sum += a.Weight
	}
	return sum
}

func TestRunNormalisesToOne(t *testing.T) {
	out := run(t, defaultConstraints(), mixedShortlist())

	assert.InDelta(t, 1.0, weightSum(out), 1e-6)
	for _, a := range out.Allocations {
		assert.GreaterOrEqual(t, a.Weight, 0.0)
		assert.LessOrEqual(t, a.Weight, defaultConstraints().MaxSingleAsset+1e-6,
			"weight for %s over the single-asset cap", a.CoingeckoID)
	}
}

func TestRunSortsByWeightDescending(t *testing.T) {
	out := run(t, defaultConstraints(), mixedShortlist())

	for i := 1; i < len(out.Allocations); i++ {
		assert.GreaterOrEqual(t, out.Allocations[i-1].Weight, out.Allocations[i].Weight)
	}
}

func TestHighVolatilitySleeveCapped(t *testing.T) {
	cons := defaultConstraints()
	cons.HighVolCap = 0.08
	out := run(t, cons, mixedShortlist())

	hv := 0.0
	for _, a := range out.Allocations {
		if a.Bucket == shortlist.BucketHighVol {
			hv += a.Weight
		}
	}
	assert.LessOrEqual(t, hv, cons.HighVolCap+1e-6)
	assert.InDelta(t, 1.0, weightSum(out), 1e-6)
}

func TestStablecoinSleeveRespectsCap(t *testing.T) {
	cons := defaultConstraints()
	cons.StablecoinMinimum = 0.2

	cands := mixedShortlist()
	cands = append(cands,
		stable("true-usd", "techteryx", universe.StableFiatCustodial, 0.55, 0.20),
		stable("frax", "frax", universe.StableCryptoCollateral, 0.52, 0.25),
	)
	out := run(t, cons, cands)

	// clamp(0.2 + 0.22, 0.25, 0.45) = 0.42
	assert.LessOrEqual(t, out.StablecoinAllocation, 0.42+1e-6)

	issuers := make(map[string]float64)
	sleeve := 0.0
	for _, a := range out.Allocations {
		if a.StablecoinIssuer != "" {
			issuers[a.StablecoinIssuer] += a.Weight
			sleeve += a.Weight
		}
	}
	require.Greater(t, sleeve, 0.0)
	for issuer, w := range issuers {
		assert.LessOrEqual(t, w, issuerShareCap*sleeve+1e-6,
			"issuer %s over 60%% of the stable sleeve", issuer)
	}
}

func TestStableAnchorsDiversified(t *testing.T) {
	// stablecoin_minimum >= 0.2 anchors two stables across clusters.
	out := run(t, defaultConstraints(), mixedShortlist())

	clusters := make(map[string]bool)
	count := 0
	for _, a := range out.Allocations {
		if a.StablecoinCluster != "" {
			clusters[a.StablecoinCluster] = true
			count++
		}
	}
	assert.GreaterOrEqual(t, count, 2)
	assert.GreaterOrEqual(t, len(clusters), 2)
}

func TestCoreAnchorsForced(t *testing.T) {
	out := run(t, defaultConstraints(), mixedShortlist())

	ids := make(map[string]bool)
	for _, a := range out.Allocations {
		ids[a.CoingeckoID] = true
	}
	assert.True(t, ids["bitcoin"])
	assert.True(t, ids["ethereum"])
}

func TestDerivedMetrics(t *testing.T) {
	out := run(t, defaultConstraints(), mixedShortlist())

	expectedVol, hhi := 0.0, 0.0
	for _, a := range out.Allocations {
		expectedVol += a.Weight * a.RiskScore
		hhi += a.Weight * a.Weight
	}
	assert.InDelta(t, expectedVol, out.ExpectedPortfolioVolatility, 1e-5)
	assert.InDelta(t, hhi, out.ConcentrationIndex, 1e-5)
	assert.Greater(t, out.ConcentrationIndex, 0.0)
	assert.Less(t, out.ConcentrationIndex, 1.0)
}

func TestNoStablecoinsInShortlist(t *testing.T) {
	cons := defaultConstraints()
	cons.StablecoinMinimum = 0.0

	var cands []shortlist.Candidate
	for i := 0; i < 6; i++ {
		cands = append(cands, coin(fmt.Sprintf("alt-%d", i), i+10, 0.6-0.02*float64(i), 0.4, shortlist.BucketSatellite))
	}
	out := run(t, cons, cands)

	assert.Zero(t, out.StablecoinAllocation)
	assert.InDelta(t, 1.0, weightSum(out), 1e-6)
}

func TestEmptyShortlistRejected(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	_, err := e.Run("job-1", shortlistOutput(defaultConstraints(), nil), balancedProfile())
	assert.Error(t, err)
}

func TestContentHashPresent(t *testing.T) {
	// Replay tooling dereferences phase outputs by this hash.
	out := run(t, defaultConstraints(), mixedShortlist())
	assert.NotEmpty(t, out.ContentHash)
	assert.Contains(t, out.ContentHash, "sha256:")
}
