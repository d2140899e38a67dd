package sourceintel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(now time.Time) *Registry {
	r := NewRegistry(zerolog.Nop())
	r.now = func() time.Time { return now }
	return r
}

func TestGetScore_UnknownProviderIsNeutral(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	assert.Equal(t, 0.5, r.GetScore("volatility", "nobody"))
}

func TestRecordOutcome_ScoreStaysInRange(t *testing.T) {
	r := newTestRegistry(time.Now())

	for i := 0; i < 50; i++ {
		r.RecordOutcome("volatility", "coingecko", true, 200)
	}
	score := r.GetScore("volatility", "coingecko")
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
	assert.Greater(t, score, 0.8, "fast reliable provider should score high")

	for i := 0; i < 200; i++ {
		r.RecordOutcome("volatility", "coingecko", false, 0)
	}
	score = r.GetScore("volatility", "coingecko")
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
	assert.Less(t, score, 0.5, "failing provider should sink")
}

func TestRecordOutcome_CountsAreMonotone(t *testing.T) {
	r := newTestRegistry(time.Now())

	outcomes := []bool{true, false, true, true, false}
	prevTotal := 0
	for _, ok := range outcomes {
		r.RecordOutcome("sentiment", "newsfeed", ok, 100)
		snap := r.Snapshot()
		require.Len(t, snap, 1)
		total := snap[0].Successes + snap[0].Failures
		assert.Greater(t, total, prevTotal)
		prevTotal = total
	}

	snap := r.Snapshot()
	assert.Equal(t, 3, snap[0].Successes)
	assert.Equal(t, 2, snap[0].Failures)
}

func TestRecordOutcome_LatencyIsIncrementalMean(t *testing.T) {
	r := newTestRegistry(time.Now())

	r.RecordOutcome("liquidity", "defillama", true, 100)
	r.RecordOutcome("liquidity", "defillama", true, 300)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.InDelta(t, 200, snap[0].AvgLatencyMs, 1e-9)
}

func TestScore_FreshnessDecaysAfterSevenDays(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(now)
	r.RecordOutcome("volatility", "stale", true, 100)
	fresh := r.GetScore("volatility", "stale")

	// Eight days later the last success is outside the freshness
	// horizon; a failure re-scores the record with zero freshness.
	r.now = func() time.Time { return now.Add(8 * 24 * time.Hour) }
	r.RecordOutcome("volatility", "stale", false, 0)

	assert.Less(t, r.GetScore("volatility", "stale"), fresh)
}

func TestBuildProviderOrder_BoostsAndTieBreak(t *testing.T) {
	r := newTestRegistry(time.Now())

	// Historical provider with strong record but no configuration.
	for i := 0; i < 20; i++ {
		r.RecordOutcome("volatility", "veteran", true, 150)
	}
	// Configured provider that keeps failing.
	for i := 0; i < 20; i++ {
		r.RecordOutcome("volatility", "flaky", false, 0)
	}

	order := r.BuildProviderOrder("volatility", []string{"flaky", "coingecko"}, []string{"discovery1"})

	assert.ElementsMatch(t, []string{"flaky", "coingecko", "discovery1", "veteran"}, order)

	// Unseen configured provider (neutral 0.5 + 0.30) beats the strong
	// historical provider (≈0.95 + 0.05 = 1.0 vs 0.8).
	idx := map[string]int{}
	for i, p := range order {
		idx[p] = i
	}
	assert.Less(t, idx["coingecko"], idx["veteran"])
	// The failing configured provider still trails the healthy ones.
	assert.Greater(t, idx["flaky"], idx["coingecko"])
}

func TestBuildProviderOrder_StableAlphabeticalTieBreak(t *testing.T) {
	r := newTestRegistry(time.Now())
	order := r.BuildProviderOrder("sentiment", []string{"zeta", "alpha"}, nil)
	assert.Equal(t, []string{"alpha", "zeta"}, order)
}

func TestPersistAndLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "source-intelligence.json")

	r := newTestRegistry(time.Now())
	r.RecordOutcome("volatility", "coingecko", true, 250)
	r.RecordOutcome("sentiment", "newsfeed", false, 0)
	require.NoError(t, r.Persist(path))

	loaded := NewRegistry(zerolog.Nop())
	require.NoError(t, loaded.Load(path))

	snap := loaded.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "sentiment", snap[0].Domain)
	assert.Equal(t, "volatility", snap[1].Domain)
	assert.Equal(t, 1, snap[1].Successes)
	assert.InDelta(t, 250, snap[1].AvgLatencyMs, 1e-9)
}

func TestLoad_MissingAndCorruptFilesStartEmpty(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, r.Load(filepath.Join(t.TempDir(), "missing.json")))
	assert.Empty(t, r.Snapshot())

	dir := t.TempDir()
	corrupt := filepath.Join(dir, "source-intelligence.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))
	require.NoError(t, r.Load(corrupt))
	assert.Empty(t, r.Snapshot())
}
