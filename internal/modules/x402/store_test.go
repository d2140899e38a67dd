package x402

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selunlabs/selun-engine/internal/domain"
)

const txHash = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "x402-state.json")
	return New(path, 7, zerolog.Nop()), path
}

func TestReserveTransactionHashSingleUse(t *testing.T) {
	s, _ := newStore(t)

	res, err := s.ReserveTransactionHash(txHash, "D1")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.False(t, res.Reused)

	res, err = s.ReserveTransactionHash(txHash, "D1")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Reused)

	res, err = s.ReserveTransactionHash(txHash, "D2")
	assert.ErrorIs(t, err, domain.ErrTransactionReused)
	assert.False(t, res.Accepted)
	assert.Equal(t, "D1", res.ExistingDecisionID)
}

func TestReservationSurvivesRestart(t *testing.T) {
	s, path := newStore(t)
	_, err := s.ReserveTransactionHash(txHash, "D1")
	require.NoError(t, err)

	reopened := New(path, 7, zerolog.Nop())
	res, err := reopened.ReserveTransactionHash(txHash, "D2")
	assert.ErrorIs(t, err, domain.ErrTransactionReused)
	assert.Equal(t, "D1", res.ExistingDecisionID)
}

func TestAllocateRecordRoundTrip(t *testing.T) {
	s, path := newStore(t)

	rec := AllocateRecord{
		DecisionID:        "SELUN-DEC-1",
		InputFingerprint:  "sha256:abc",
		ChargedAmountUSDC: "9.99",
		State:             StateAccepted,
		JobID:             "job-7",
		Payment: &Payment{
			FromAddress:     "0x1111111111111111111111111111111111111111",
			TransactionHash: txHash,
			Network:         "base-mainnet",
			VerifiedAt:      time.Now().UTC(),
		},
	}
	require.NoError(t, s.SetAllocateRecord(rec))

	reopened := New(path, 7, zerolog.Nop())

	owner, ok := reopened.GetTransactionOwner(txHash)
	require.True(t, ok)
	assert.Equal(t, "SELUN-DEC-1", owner)

	decisionID, ok := reopened.GetDecisionIDForJob("job-7")
	require.True(t, ok)
	assert.Equal(t, "SELUN-DEC-1", decisionID)

	got, ok := reopened.GetAllocateRecord("SELUN-DEC-1")
	require.True(t, ok)
	require.NotNil(t, got.Payment)
	assert.Equal(t, "base-mainnet", got.Payment.Network)
}

func TestAcceptedRecordRequiresPayment(t *testing.T) {
	s, _ := newStore(t)
	err := s.SetAllocateRecord(AllocateRecord{DecisionID: "D1", State: StateAccepted})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConsumedHashBackfilledOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x402-state.json")

	// A record written by an older version: accepted with a payment
	// but missing its consumed-hash entry.
	state := map[string]interface{}{
		"version":   1,
		"updatedAt": time.Now().UTC(),
		"allocateByDecisionId": map[string]interface{}{
			"D1": AllocateRecord{
				DecisionID: "D1",
				State:      StateAccepted,
				JobID:      "job-1",
				CreatedAt:  time.Now().UTC(),
				Payment:    &Payment{FromAddress: "0xabc", TransactionHash: txHash},
			},
		},
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s := New(path, 7, zerolog.Nop())
	owner, ok := s.GetTransactionOwner(txHash)
	require.True(t, ok)
	assert.Equal(t, "D1", owner)

	decisionID, ok := s.GetDecisionIDForJob("job-1")
	require.True(t, ok)
	assert.Equal(t, "D1", decisionID)
}

func TestDailyUsagePruning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x402-state.json")
	today := time.Now().UTC().Format("2006-01-02")

	state := map[string]interface{}{
		"version": 1,
		"addressDailyUsage": map[string]int{
			"2025-01-01:0xaaa": 2,
			today + ":0xbbb":   5,
		},
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s := New(path, 7, zerolog.Nop())
	assert.Zero(t, s.GetAddressDailyUsage("2025-01-01:0xaaa"))
	assert.Equal(t, 5, s.GetAddressDailyUsage(today+":0xbbb"))
}

func TestIncrementAddressDailyUsage(t *testing.T) {
	s, _ := newStore(t)
	key := DayKey(time.Now(), "0xAAAA0000000000000000000000000000000000AA")

	n, err := s.IncrementAddressDailyUsage(key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementAddressDailyUsage(key)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x402-state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := New(path, 7, zerolog.Nop())
	_, ok := s.GetAllocateRecord("anything")
	assert.False(t, ok)

	// The store must still be writable after ignoring the bad file.
	_, err := s.ReserveTransactionHash(txHash, "D1")
	assert.NoError(t, err)
}

func TestToolRecordsSeparateLedger(t *testing.T) {
	s, path := newStore(t)

	rec := AllocateRecord{
		DecisionID: "D9",
		State:      StateAccepted,
		Payment:    &Payment{FromAddress: "0xabc", TransactionHash: txHash},
	}
	require.NoError(t, s.SetToolRecord("risk-report", rec))

	reopened := New(path, 7, zerolog.Nop())
	got, ok := reopened.GetToolRecord("risk-report", "D9")
	require.True(t, ok)
	assert.Equal(t, "D9", got.DecisionID)

	owner, ok := reopened.GetTransactionOwner(txHash)
	require.True(t, ok)
	assert.Equal(t, "risk-report:D9", owner)

	// The allocate ledger must not see tool decisions.
	_, ok = reopened.GetAllocateRecord("D9")
	assert.False(t, ok)

	// Cross-ledger reuse of the hash is rejected.
	_, err := s.ReserveTransactionHash(txHash, "D9")
	assert.True(t, errors.Is(err, domain.ErrTransactionReused))
}

func TestHashNormalisedCaseInsensitive(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.ReserveTransactionHash("0xABCDEF", "D1")
	require.NoError(t, err)

	res, err := s.ReserveTransactionHash("0xabcdef", "D2")
	assert.ErrorIs(t, err, domain.ErrTransactionReused)
	assert.Equal(t, "D1", res.ExistingDecisionID)
}
