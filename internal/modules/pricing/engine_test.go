package pricing

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selunlabs/selun-engine/internal/domain"
)

const wallet = "0x1111111111111111111111111111111111111111"

func newEngine(t *testing.T, rulesJSON, codesCSV string) *Engine {
	t.Helper()
	ledger := NewLedger(filepath.Join(t.TempDir(), "redemptions.json"), zerolog.Nop())
	e, err := NewEngine("9.99", "4.99", rulesJSON, codesCSV, ledger, zerolog.Nop())
	require.NoError(t, err)
	return e
}

func TestParseUSDC(t *testing.T) {
	cases := map[string]int64{
		"9.99":     9_990_000,
		"0":        0,
		"12.5":     12_500_000,
		"0.000001": 1,
		"100":      100_000_000,
	}
	for in, want := range cases {
		got, err := ParseUSDC(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "abc", "-1", "1.1234567"} {
		_, err := ParseUSDC(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatUSDC(t *testing.T) {
	assert.Equal(t, "9.99", FormatUSDC(9_990_000))
	assert.Equal(t, "0", FormatUSDC(0))
	assert.Equal(t, "12.5", FormatUSDC(12_500_000))
	assert.Equal(t, "0.000001", FormatUSDC(1))
}

func TestQuotePricing(t *testing.T) {
	e := newEngine(t, "", "")

	q := e.Quote(false)
	assert.Equal(t, int64(9_990_000), q.BaseUnits)
	assert.Equal(t, "9.99", q.AmountUSDC)

	q = e.Quote(true)
	assert.Equal(t, int64(14_980_000), q.BaseUnits)
	assert.Equal(t, "14.98", q.AmountUSDC)
	assert.Equal(t, "4.99", q.CertifiedFeeUSDC)
}

func TestFullDiscountGrant(t *testing.T) {
	e := newEngine(t, `[{"code":"SELUN100","maxUses":1,"includeCertifiedDecisionRecord":true,"discountPercent":100}]`, "")

	grant, err := e.Redeem("selun100", wallet, "D1", false, 9_990_000)
	require.NoError(t, err)
	assert.Equal(t, KindFree, grant.Kind)
	assert.Zero(t, grant.ChargedBaseUnits)
	assert.True(t, strings.HasPrefix(grant.TransactionID, "FREE-SELUN100-"))
	assert.Len(t, strings.TrimPrefix(grant.TransactionID, "FREE-SELUN100-"), 20)
}

func TestPercentDiscountGrant(t *testing.T) {
	e := newEngine(t, `[{"code":"HALF","maxUses":5,"includeCertifiedDecisionRecord":true,"discountPercent":50}]`, "")

	grant, err := e.Redeem("HALF", wallet, "D1", false, 10_000_000)
	require.NoError(t, err)
	assert.Equal(t, KindPercentDiscount, grant.Kind)
	assert.Equal(t, int64(5_000_000), grant.ChargedBaseUnits)
	assert.Empty(t, grant.TransactionID)
}

func TestRedemptionIdempotency(t *testing.T) {
	e := newEngine(t, `[{"code":"ONCE","maxUses":3,"includeCertifiedDecisionRecord":true,"discountPercent":100}]`, "")

	_, err := e.Redeem("ONCE", wallet, "D1", false, 9_990_000)
	require.NoError(t, err)

	// Same wallet again: rejected even though global uses remain.
	_, err = e.Redeem("ONCE", wallet, "D2", false, 9_990_000)
	assert.ErrorIs(t, err, domain.ErrAuthorizationRejected)
}

func TestMaxUsesEnforced(t *testing.T) {
	e := newEngine(t, `[{"code":"CAP","maxUses":1,"includeCertifiedDecisionRecord":true,"discountPercent":100}]`, "")

	_, err := e.Redeem("CAP", wallet, "D1", false, 9_990_000)
	require.NoError(t, err)

	_, err = e.Redeem("CAP", "0x2222222222222222222222222222222222222222", "D2", false, 9_990_000)
	assert.ErrorIs(t, err, domain.ErrAuthorizationRejected)
}

func TestExpiredCodeRejected(t *testing.T) {
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	e := newEngine(t, `[{"code":"OLD","maxUses":1,"includeCertifiedDecisionRecord":true,"discountPercent":100,"expiresAt":"`+past+`"}]`, "")

	_, err := e.Redeem("OLD", wallet, "D1", false, 9_990_000)
	assert.ErrorIs(t, err, domain.ErrAuthorizationRejected)
}

func TestCertifiedMismatchRejected(t *testing.T) {
	e := newEngine(t, `[{"code":"NOCERT","maxUses":1,"includeCertifiedDecisionRecord":false,"discountPercent":100}]`, "")

	_, err := e.Redeem("NOCERT", wallet, "D1", true, 14_980_000)
	assert.ErrorIs(t, err, domain.ErrAuthorizationRejected)
}

func TestEmptyCodeIsInvalidInput(t *testing.T) {
	e := newEngine(t, "", "")
	_, err := e.Redeem("   ", wallet, "D1", false, 9_990_000)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestUnknownCodeRejected(t *testing.T) {
	e := newEngine(t, "", "")
	_, err := e.Redeem("NOPE", wallet, "D1", false, 9_990_000)
	assert.ErrorIs(t, err, domain.ErrAuthorizationRejected)
}

func TestCSVFallbackCodesAreFreeSingleUse(t *testing.T) {
	e := newEngine(t, "", "alpha, beta")

	grant, err := e.Redeem("ALPHA", wallet, "D1", true, 14_980_000)
	require.NoError(t, err)
	assert.Equal(t, KindFree, grant.Kind)

	_, err = e.Redeem("ALPHA", "0x3333333333333333333333333333333333333333", "D2", false, 9_990_000)
	assert.ErrorIs(t, err, domain.ErrAuthorizationRejected)
}

func TestLedgerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "redemptions.json")

	ledger := NewLedger(path, zerolog.Nop())
	e, err := NewEngine("9.99", "4.99",
		`[{"code":"SELUN100","maxUses":2,"includeCertifiedDecisionRecord":true,"discountPercent":100}]`, "",
		ledger, zerolog.Nop())
	require.NoError(t, err)

	_, err = e.Redeem("SELUN100", wallet, "D1", false, 9_990_000)
	require.NoError(t, err)

	reopened := NewLedger(path, zerolog.Nop())
	assert.Equal(t, 1, reopened.UsageCount("SELUN100"))
	assert.True(t, reopened.WalletRedeemed("SELUN100", wallet))
}
