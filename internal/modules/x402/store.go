package x402

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/domain"
)

// Decision states.
const (
	StateQuoted   = "quoted"
	StateAccepted = "accepted"
)

// Payment is the on-chain settlement attached to an accepted record.
type Payment struct {
	FromAddress     string    `json:"fromAddress"`
	TransactionHash string    `json:"transactionHash"`
	Network         string    `json:"network,omitempty"`
	VerifiedAt      time.Time `json:"verifiedAt"`
}

// AllocateRecord is one paid (or quoted) allocation decision.
type AllocateRecord struct {
	DecisionID        string          `json:"decisionId"`
	InputFingerprint  string          `json:"inputFingerprint"`
	Inputs            json.RawMessage `json:"inputs,omitempty"`
	ChargedAmountUSDC string          `json:"chargedAmountUsdc"`
	QuoteIssuedAt     time.Time       `json:"quoteIssuedAt"`
	QuoteExpiresAt    time.Time       `json:"quoteExpiresAt"`
	State             string          `json:"state"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	JobID             string          `json:"jobId,omitempty"`
	Payment           *Payment        `json:"payment,omitempty"`
}

// Reservation is the outcome of a transaction hash reservation.
type Reservation struct {
	Accepted           bool   `json:"accepted"`
	Reused             bool   `json:"reused"`
	ExistingDecisionID string `json:"existingDecisionId,omitempty"`
}

// fileState is the on-disk layout of x402-state.json.
type fileState struct {
	Version                   int                                  `json:"version"`
	UpdatedAt                 time.Time                            `json:"updatedAt"`
	AllocateByDecisionID      map[string]*AllocateRecord           `json:"allocateByDecisionId"`
	DecisionIDByJobID         map[string]string                    `json:"decisionIdByJobId"`
	AddressDailyUsage         map[string]int                       `json:"addressDailyUsage"`
	ConsumedTransactionByHash map[string]string                    `json:"consumedTransactionByHash"`
	ToolRecords               map[string]map[string]*AllocateRecord `json:"toolRecordsByProduct,omitempty"`
}

// Store is the durable source of truth for paid decisions and
// single-use transaction hashes. All mutations serialise through one
// mutex and persist via tmp + atomic rename before returning.
type Store struct {
	path          string
	retentionDays int
	log           zerolog.Logger
	now           func() time.Time

	mu    sync.Mutex
	state fileState
}

// New creates the store and loads any existing state file. Unreadable
// or corrupt files are ignored and the store starts empty.
func New(path string, retentionDays int, log zerolog.Logger) *Store {
	if retentionDays < 2 {
		retentionDays = 2
	}
	s := &Store{
		path:          path,
		retentionDays: retentionDays,
		log:           log.With().Str("component", "x402_store").Logger(),
		now:           time.Now,
	}
	s.state = emptyState()
	s.load()
	return s
}

func emptyState() fileState {
	return fileState{
		Version:                   1,
		AllocateByDecisionID:      make(map[string]*AllocateRecord),
		DecisionIDByJobID:         make(map[string]string),
		AddressDailyUsage:         make(map[string]int),
		ConsumedTransactionByHash: make(map[string]string),
		ToolRecords:               make(map[string]map[string]*AllocateRecord),
	}
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("Ignoring corrupt x402 state file")
		return
	}

	if state.AllocateByDecisionID == nil {
		state.AllocateByDecisionID = make(map[string]*AllocateRecord)
	}
	if state.DecisionIDByJobID == nil {
		state.DecisionIDByJobID = make(map[string]string)
	}
	if state.AddressDailyUsage == nil {
		state.AddressDailyUsage = make(map[string]int)
	}
	if state.ConsumedTransactionByHash == nil {
		state.ConsumedTransactionByHash = make(map[string]string)
	}
	if state.ToolRecords == nil {
		state.ToolRecords = make(map[string]map[string]*AllocateRecord)
	}
	state.Version = 1
	s.state = state

	s.backfillConsumedHashes()
	s.pruneAddressDailyUsage()

	s.log.Info().
		Int("decisions", len(state.AllocateByDecisionID)).
		Int("consumed_hashes", len(state.ConsumedTransactionByHash)).
		Str("path", s.path).
		Msg("X402 state loaded")
}

// backfillConsumedHashes restores hash ownership for accepted records
// whose payment hash is missing from the consumed map, oldest first so
// the earliest decision keeps a contested hash.
func (s *Store) backfillConsumedHashes() {
	records := make([]*AllocateRecord, 0, len(s.state.AllocateByDecisionID))
	for _, rec := range s.state.AllocateByDecisionID {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	for _, rec := range records {
		if rec.State != StateAccepted || rec.Payment == nil || rec.Payment.TransactionHash == "" {
			continue
		}
		hash := normalizeHash(rec.Payment.TransactionHash)
		if _, taken := s.state.ConsumedTransactionByHash[hash]; !taken {
			s.state.ConsumedTransactionByHash[hash] = rec.DecisionID
		}
		if rec.JobID != "" {
			if _, ok := s.state.DecisionIDByJobID[rec.JobID]; !ok {
				s.state.DecisionIDByJobID[rec.JobID] = rec.DecisionID
			}
		}
	}
}

// ReserveTransactionHash binds hash to decisionID. A hash already
// owned by the same decision reports reused=true; ownership by any
// other decision is rejected with the existing owner.
func (s *Store) ReserveTransactionHash(hash, decisionID string) (Reservation, error) {
	return s.reserve(hash, decisionID)
}

// ReserveToolTransactionHash is the per-product variant; the owner key
// is "<productId>:<decisionId>".
func (s *Store) ReserveToolTransactionHash(hash, productID, decisionID string) (Reservation, error) {
	return s.reserve(hash, productID+":"+decisionID)
}

func (s *Store) reserve(hash, owner string) (Reservation, error) {
	hash = normalizeHash(hash)
	if hash == "" || owner == "" {
		return Reservation{}, fmt.Errorf("%w: transaction hash and owner are required", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, taken := s.state.ConsumedTransactionByHash[hash]; taken {
		if existing == owner {
			return Reservation{Accepted: true, Reused: true}, nil
		}
		return Reservation{Accepted: false, ExistingDecisionID: existing},
			fmt.Errorf("%w: hash already bound to %s", domain.ErrTransactionReused, existing)
	}

	s.state.ConsumedTransactionByHash[hash] = owner
	if err := s.persistLocked(); err != nil {
		// First-to-persist wins: an unpersisted reservation is released.
		delete(s.state.ConsumedTransactionByHash, hash)
		return Reservation{}, err
	}
	return Reservation{Accepted: true}, nil
}

// GetTransactionOwner returns the owner key bound to hash.
func (s *Store) GetTransactionOwner(hash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.state.ConsumedTransactionByHash[normalizeHash(hash)]
	return owner, ok
}

// SetAllocateRecord upserts a decision record and backfills the job
// index and consumed hash map from its payment.
func (s *Store) SetAllocateRecord(rec AllocateRecord) error {
	if rec.DecisionID == "" {
		return fmt.Errorf("%w: decision id required", domain.ErrInvalidInput)
	}
	if rec.State == StateAccepted && rec.Payment == nil {
		return fmt.Errorf("%w: accepted record requires a payment", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	stored := rec
	s.state.AllocateByDecisionID[rec.DecisionID] = &stored
	if rec.JobID != "" {
		s.state.DecisionIDByJobID[rec.JobID] = rec.DecisionID
	}
	if rec.Payment != nil && rec.Payment.TransactionHash != "" {
		hash := normalizeHash(rec.Payment.TransactionHash)
		if _, taken := s.state.ConsumedTransactionByHash[hash]; !taken {
			s.state.ConsumedTransactionByHash[hash] = rec.DecisionID
		}
	}

	return s.persistLocked()
}

// GetAllocateRecord returns a copy of the record for decisionID.
func (s *Store) GetAllocateRecord(decisionID string) (AllocateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.AllocateByDecisionID[decisionID]
	if !ok {
		return AllocateRecord{}, false
	}
	return *rec, true
}

// GetDecisionIDForJob resolves the decision behind a job.
func (s *Store) GetDecisionIDForJob(jobID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.state.DecisionIDByJobID[jobID]
	return id, ok
}

// SetToolRecord upserts a per-product ledger record.
func (s *Store) SetToolRecord(productID string, rec AllocateRecord) error {
	if productID == "" || rec.DecisionID == "" {
		return fmt.Errorf("%w: product and decision id required", domain.ErrInvalidInput)
	}
	if rec.State == StateAccepted && rec.Payment == nil {
		return fmt.Errorf("%w: accepted record requires a payment", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	ledger := s.state.ToolRecords[productID]
	if ledger == nil {
		ledger = make(map[string]*AllocateRecord)
		s.state.ToolRecords[productID] = ledger
	}
	stored := rec
	ledger[rec.DecisionID] = &stored

	if rec.Payment != nil && rec.Payment.TransactionHash != "" {
		hash := normalizeHash(rec.Payment.TransactionHash)
		owner := productID + ":" + rec.DecisionID
		if _, taken := s.state.ConsumedTransactionByHash[hash]; !taken {
			s.state.ConsumedTransactionByHash[hash] = owner
		}
	}

	return s.persistLocked()
}

// GetToolRecord returns a copy of the per-product record.
func (s *Store) GetToolRecord(productID, decisionID string) (AllocateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ledger, ok := s.state.ToolRecords[productID]
	if !ok {
		return AllocateRecord{}, false
	}
	rec, ok := ledger[decisionID]
	if !ok {
		return AllocateRecord{}, false
	}
	return *rec, true
}

// DayKey builds the daily usage key for a wallet at t (UTC day).
func DayKey(t time.Time, wallet string) string {
	return t.UTC().Format("2006-01-02") + ":" + strings.ToLower(wallet)
}

// IncrementAddressDailyUsage bumps the counter for dayKey and returns
// the new value. Stale keys are pruned on every write.
func (s *Store) IncrementAddressDailyUsage(dayKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.AddressDailyUsage[dayKey]++
	s.pruneAddressDailyUsage()
	if err := s.persistLocked(); err != nil {
		return 0, err
	}
	return s.state.AddressDailyUsage[dayKey], nil
}

// GetAddressDailyUsage returns the counter for dayKey, 0 when absent.
func (s *Store) GetAddressDailyUsage(dayKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AddressDailyUsage[dayKey]
}

// PruneAddressDailyUsage drops counters older than the retention
// window and persists when anything was removed.
func (s *Store) PruneAddressDailyUsage() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if removed := s.pruneAddressDailyUsage(); removed > 0 {
		return s.persistLocked()
	}
	return nil
}

func (s *Store) pruneAddressDailyUsage() int {
	cutoff := s.now().UTC().AddDate(0, 0, -(s.retentionDays - 1)).Format("2006-01-02")
	removed := 0
	for key := range s.state.AddressDailyUsage {
		day, _, found := strings.Cut(key, ":")
		if !found || day < cutoff {
			delete(s.state.AddressDailyUsage, key)
			removed++
		}
	}
	return removed
}

func (s *Store) persistLocked() error {
	s.state.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal x402 state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write x402 state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace x402 state: %w", err)
	}
	return nil
}

func normalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
