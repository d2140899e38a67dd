package pricing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/domain"
)

// Quote is the priced request before payment.
type Quote struct {
	BaseUnits          int64  `json:"base_units"`
	AmountUSDC         string `json:"amount_usdc"`
	CertifiedIncluded  bool   `json:"certified_decision_record"`
	BasePriceUSDC      string `json:"base_price_usdc"`
	CertifiedFeeUSDC   string `json:"certified_fee_usdc,omitempty"`
}

// Grant is a successful promo resolution. A free grant short-circuits
// on-chain verification; a percent grant lowers the expected transfer.
type Grant struct {
	Code             string
	Kind             string
	DiscountPercent  int
	AmountBefore     int64
	ChargedBaseUnits int64
	TransactionID    string // synthetic, free grants only
	IncludeCertified bool
}

// Engine prices allocation runs and resolves promo codes.
type Engine struct {
	basePrice    int64
	certifiedFee int64
	rules        map[string]Rule
	ledger       *Ledger
	log          zerolog.Logger
	now          func() time.Time
}

// NewEngine builds the pricing engine from the configured price
// strings and promo environment.
func NewEngine(basePriceUSDC, certifiedFeeUSDC, rulesJSON, codesCSV string, ledger *Ledger, log zerolog.Logger) (*Engine, error) {
	base, err := ParseUSDC(basePriceUSDC)
	if err != nil {
		return nil, fmt.Errorf("structured allocation price: %w", err)
	}
	fee, err := ParseUSDC(certifiedFeeUSDC)
	if err != nil {
		return nil, fmt.Errorf("certified decision record fee: %w", err)
	}
	rules, err := ParseRules(rulesJSON, codesCSV)
	if err != nil {
		return nil, err
	}

	return &Engine{
		basePrice:    base,
		certifiedFee: fee,
		rules:        rules,
		ledger:       ledger,
		log:          log.With().Str("component", "pricing").Logger(),
		now:          time.Now,
	}, nil
}

// Quote prices a request.
func (e *Engine) Quote(includeCertified bool) Quote {
	total := e.basePrice
	q := Quote{
		CertifiedIncluded: includeCertified,
		BasePriceUSDC:     FormatUSDC(e.basePrice),
	}
	if includeCertified {
		total += e.certifiedFee
		q.CertifiedFeeUSDC = FormatUSDC(e.certifiedFee)
	}
	q.BaseUnits = total
	q.AmountUSDC = FormatUSDC(total)
	return q
}

// Redeem runs the promo resolution pipeline and persists the
// redemption before returning the grant.
func (e *Engine) Redeem(code, wallet, decisionID string, includeCertified bool, totalBaseUnits int64) (*Grant, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty promo code", domain.ErrInvalidInput)
	}

	rule, ok := e.rules[normalized]
	if !ok {
		return nil, fmt.Errorf("%w: unknown promo code", domain.ErrAuthorizationRejected)
	}
	if rule.ExpiresAt != nil && e.now().After(*rule.ExpiresAt) {
		return nil, fmt.Errorf("%w: promo code expired", domain.ErrAuthorizationRejected)
	}
	if includeCertified && !rule.IncludeCertifiedDecisionRecord {
		return nil, fmt.Errorf("%w: promo code does not cover the certified decision record", domain.ErrAuthorizationRejected)
	}
	if e.ledger.UsageCount(normalized) >= rule.MaxUses {
		return nil, fmt.Errorf("%w: promo code exhausted", domain.ErrAuthorizationRejected)
	}
	if e.ledger.WalletRedeemed(normalized, wallet) {
		return nil, fmt.Errorf("%w: promo code already redeemed by this wallet", domain.ErrAuthorizationRejected)
	}

	bps := rule.discountBps()
	charged := totalBaseUnits * (10000 - bps) / 10000

	grant := &Grant{
		Code:             normalized,
		DiscountPercent:  int(bps / 100),
		AmountBefore:     totalBaseUnits,
		ChargedBaseUnits: charged,
		IncludeCertified: includeCertified,
	}
	if charged == 0 {
		grant.Kind = KindFree
		grant.TransactionID = freeTransactionID(normalized)
	} else {
		grant.Kind = KindPercentDiscount
	}

	redemption := Redemption{
		Code:                           normalized,
		PromoKind:                      grant.Kind,
		DiscountPercent:                grant.DiscountPercent,
		WalletAddress:                  strings.ToLower(wallet),
		DecisionID:                     decisionID,
		TransactionID:                  grant.TransactionID,
		RedeemedAt:                     e.now().UTC(),
		IncludeCertifiedDecisionRecord: includeCertified,
		AmountBeforeDiscountUSDC:       FormatUSDC(totalBaseUnits),
		ChargedAmountUSDC:              FormatUSDC(charged),
	}
	if err := e.ledger.Append(redemption); err != nil {
		return nil, fmt.Errorf("persist redemption: %w", err)
	}

	e.log.Info().
		Str("code", normalized).
		Str("kind", grant.Kind).
		Str("charged", redemption.ChargedAmountUSDC).
		Msg("Promo code redeemed")

	return grant, nil
}

// HasCode reports whether a rule exists for code without consuming it.
func (e *Engine) HasCode(code string) bool {
	_, ok := e.rules[NormalizeCode(code)]
	return ok
}

// freeTransactionID builds "FREE-<CODE>-<20 uppercase hex>".
func freeTransactionID(code string) string {
	buf := make([]byte, 10)
	_, _ = rand.Read(buf)
	return "FREE-" + code + "-" + strings.ToUpper(hex.EncodeToString(buf))
}
