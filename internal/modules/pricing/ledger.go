package pricing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Promo kinds.
const (
	KindFree            = "free"
	KindPercentDiscount = "percent_discount"
)

// Redemption is one persisted promo grant.
type Redemption struct {
	Code                           string    `json:"code"`
	PromoKind                      string    `json:"promoKind"`
	DiscountPercent                int       `json:"discountPercent"`
	WalletAddress                  string    `json:"walletAddress"`
	DecisionID                     string    `json:"decisionId"`
	TransactionID                  string    `json:"transactionId"`
	RedeemedAt                     time.Time `json:"redeemedAt"`
	IncludeCertifiedDecisionRecord bool      `json:"includeCertifiedDecisionRecord"`
	AmountBeforeDiscountUSDC       string    `json:"amountBeforeDiscountUsdc"`
	ChargedAmountUSDC              string    `json:"chargedAmountUsdc"`
}

type ledgerFile struct {
	Redemptions []Redemption `json:"redemptions"`
}

// Ledger is the durable promo redemption log. Appends persist via
// tmp + rename before the redemption is considered granted.
type Ledger struct {
	path string
	log  zerolog.Logger

	mu          sync.Mutex
	redemptions []Redemption
}

// NewLedger creates the ledger and loads any existing file; corrupt
// files are ignored and the ledger starts empty.
func NewLedger(path string, log zerolog.Logger) *Ledger {
	l := &Ledger{
		path: path,
		log:  log.With().Str("component", "promo_ledger").Logger(),
	}
	l.load()
	return l
}

func (l *Ledger) load() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	var state ledgerFile
	if err := json.Unmarshal(data, &state); err != nil {
		l.log.Warn().Err(err).Str("path", l.path).Msg("Ignoring corrupt promo ledger")
		return
	}
	l.redemptions = state.Redemptions
	l.log.Info().Int("redemptions", len(l.redemptions)).Msg("Promo ledger loaded")
}

// UsageCount returns how many times code has been redeemed globally.
func (l *Ledger) UsageCount(code string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.redemptions {
		if r.Code == code {
			n++
		}
	}
	return n
}

// WalletRedeemed reports whether wallet already used code.
func (l *Ledger) WalletRedeemed(code, wallet string) bool {
	wallet = strings.ToLower(wallet)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.redemptions {
		if r.Code == code && strings.ToLower(r.WalletAddress) == wallet {
			return true
		}
	}
	return false
}

// Append persists a redemption. The write happens before the grant is
// returned to the caller, so a crash cannot hand out an unrecorded
// free run.
func (l *Ledger) Append(r Redemption) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.redemptions = append(l.redemptions, r)
	if err := l.persistLocked(); err != nil {
		l.redemptions = l.redemptions[:len(l.redemptions)-1]
		return err
	}
	return nil
}

func (l *Ledger) persistLocked() error {
	data, err := json.MarshalIndent(ledgerFile{Redemptions: l.redemptions}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal promo ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write promo ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace promo ledger: %w", err)
	}
	return nil
}
