package universe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/clients/fetch"
	"github.com/selunlabs/selun-engine/internal/clients/markets"
	"github.com/selunlabs/selun-engine/internal/domain"
	"github.com/selunlabs/selun-engine/internal/modules/policy"
	"github.com/selunlabs/selun-engine/internal/modules/schema"
	"github.com/selunlabs/selun-engine/internal/modules/sourceintel"
)

const intelDomain = "universe"

// MarketSource is the primary listings provider (CoinGecko shape).
type MarketSource interface {
	TopVolume(ctx context.Context, page, perPage int) ([]markets.Row, error)
	MarketsByIDs(ctx context.Context, ids []string) ([]markets.Row, error)
	SearchSymbol(ctx context.Context, query string) ([]string, error)
}

// SecondarySource is the keyed fallback listings provider.
type SecondarySource interface {
	Enabled() bool
	Listings(ctx context.Context, limit int) ([]markets.Row, error)
}

// Output is the validated phase 3 result.
type Output struct {
	JobID       string    `json:"job_id"`
	GeneratedAt time.Time `json:"generated_at"`
	TargetSize  int       `json:"target_size"`
	Tokens      []Token   `json:"tokens"`
	Notes       []string  `json:"notes"`
	Sanitized   bool      `json:"sanitized"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// Engine expands the investable universe for one job.
type Engine struct {
	primary   MarketSource
	secondary SecondarySource
	intel     *sourceintel.Registry
	target    int
	schema    *schema.Schema
	log       zerolog.Logger
	now       func() time.Time
}

// NewEngine creates the phase 3 engine. secondary may be nil.
func NewEngine(primary MarketSource, secondary SecondarySource, intel *sourceintel.Registry, targetSize int, log zerolog.Logger) *Engine {
	if targetSize < 10 {
		targetSize = 10
	}
	return &Engine{
		primary:   primary,
		secondary: secondary,
		intel:     intel,
		target:    targetSize,
		schema:    OutputSchema(),
		log:       log.With().Str("component", "phase3_universe").Logger(),
		now:       time.Now,
	}
}

// merged accumulates tokens across both tracks, keyed by id.
type merged struct {
	tokens map[string]*Token
	order  []string
}

func newMerged() *merged {
	return &merged{tokens: make(map[string]*Token)}
}

// add merges a market row into the set: min rank wins, max volume
// wins, inclusion reasons accumulate.
func (m *merged) add(row markets.Row, placeholder bool, reason string) {
	if existing, ok := m.tokens[row.ID]; ok {
		if row.MarketCapRank != nil &&
			(existing.MarketCapRank == nil || *row.MarketCapRank < *existing.MarketCapRank) {
			existing.MarketCapRank = row.MarketCapRank
		}
		if row.Volume24hUSD > existing.Volume24hUSD {
			existing.Volume24hUSD = row.Volume24hUSD
		}
		if !containsString(existing.InclusionReasons, reason) {
			existing.InclusionReasons = append(existing.InclusionReasons, reason)
		}
		return
	}

	tok := &Token{
		ID:               row.ID,
		Symbol:           row.Symbol,
		Name:             row.Name,
		MarketCapRank:    row.MarketCapRank,
		CurrentPriceUSD:  row.CurrentPriceUSD,
		Volume24hUSD:     row.Volume24hUSD,
		MarketCapUSD:     row.MarketCapUSD,
		PriceChangePct24: row.PriceChangePct24,
		PriceChangePct7d: row.PriceChangePct7d,
		PriceChangePct30: row.PriceChangePct30,
		Placeholder:      placeholder,
		InclusionReasons: []string{reason},
		Hints:            hintsFor(row, placeholder),
	}
	m.tokens[row.ID] = tok
	m.order = append(m.order, row.ID)
}

func (m *merged) has(id string) bool {
	_, ok := m.tokens[id]
	return ok
}

// Run expands the universe: top-volume track, profile-match track,
// retail filter and anchor fallback.
func (e *Engine) Run(ctx context.Context, jobID string, profile domain.UserProfile, pol *policy.Output) (*Output, error) {
	set := newMerged()
	var notes []string

	e.collectTopVolume(ctx, set)
	if len(set.tokens) == 0 {
		notes = append(notes, "top_volume_empty_anchor_fallback")
		e.seedAnchors(ctx, set)
	}

	reasons := profileReasons(profile, pol)
	unresolved := e.collectProfileMatches(ctx, set, reasons)
	for _, reason := range unresolved {
		// Rebind reasons whose candidates could not be resolved to
		// anchors already present so the requirement stays visible.
		rebound := false
		for _, id := range anchorIDs {
			if tok, ok := set.tokens[id]; ok {
				if !containsString(tok.InclusionReasons, reason) {
					tok.InclusionReasons = append(tok.InclusionReasons, reason)
				}
				rebound = true
				break
			}
		}
		if !rebound {
			notes = append(notes, "unresolved_profile_reason:"+reason)
		}
	}

	tokens := make([]Token, 0, len(set.order))
	for _, id := range set.order {
		tokens = append(tokens, *set.tokens[id])
	}
	sort.SliceStable(tokens, func(i, j int) bool {
		return tokens[i].Volume24hUSD > tokens[j].Volume24hUSD
	})
	if len(tokens) > e.target {
		tokens = tokens[:e.target]
	}

	if notes == nil {
		notes = []string{}
	}
	out := Output{
		JobID:       jobID,
		GeneratedAt: e.now().UTC(),
		TargetSize:  e.target,
		Tokens:      tokens,
		Notes:       notes,
	}

	var validated Output
	sanitized, err := schema.Emit(e.schema, out, &validated)
	if err != nil {
		return nil, fmt.Errorf("phase 3 output rejected: %w", err)
	}
	validated.Sanitized = sanitized

	hash, err := schema.ContentHash(validated)
	if err != nil {
		return nil, fmt.Errorf("phase 3 content hash: %w", err)
	}
	validated.ContentHash = hash

	e.log.Info().
		Str("job_id", jobID).
		Int("tokens", len(validated.Tokens)).
		Strs("notes", notes).
		Msg("Universe expanded")

	return &validated, nil
}

// collectTopVolume walks the credibility-ordered listing providers
// until the target count is reached.
func (e *Engine) collectTopVolume(ctx context.Context, set *merged) {
	order := e.intel.BuildProviderOrder(intelDomain, []string{"coingecko"}, []string{"coinmarketcap"})

	for _, provider := range order {
		if len(set.tokens) >= e.target {
			return
		}
		switch provider {
		case "coingecko":
			e.topVolumeFromPrimary(ctx, set)
		case "coinmarketcap":
			e.topVolumeFromSecondary(ctx, set)
		}
	}
}

func (e *Engine) topVolumeFromPrimary(ctx context.Context, set *merged) {
	perPage := 250
	maxPages := e.target/perPage + 2

	for page := 1; page <= maxPages && len(set.tokens) < e.target; page++ {
		start := time.Now()
		rows, err := e.primary.TopVolume(ctx, page, perPage)
		latency := float64(time.Since(start)) / float64(time.Millisecond)
		e.intel.RecordOutcome(intelDomain, "coingecko", err == nil, latency)
		if err != nil {
			e.log.Warn().Int("page", page).Err(err).Msg("Top-volume page failed")
			return
		}
		if len(rows) == 0 {
			return
		}
		e.addFiltered(set, rows, "top_volume")
	}
}

func (e *Engine) topVolumeFromSecondary(ctx context.Context, set *merged) {
	if e.secondary == nil || !e.secondary.Enabled() {
		return
	}
	start := time.Now()
	rows, err := e.secondary.Listings(ctx, e.target)
	latency := float64(time.Since(start)) / float64(time.Millisecond)
	e.intel.RecordOutcome(intelDomain, "coinmarketcap", err == nil, latency)
	if err != nil {
		e.log.Warn().Err(err).Msg("Secondary listings failed")
		return
	}
	e.addFiltered(set, rows, "top_volume")
}

func (e *Engine) addFiltered(set *merged, rows []markets.Row, reason string) {
	for _, row := range rows {
		if retailExcluded(row.ID, row.Name, row.Symbol) {
			continue
		}
		set.add(row, false, reason)
	}
}

func (e *Engine) seedAnchors(ctx context.Context, set *merged) {
	rows, err := e.primary.MarketsByIDs(ctx, anchorIDs)
	if err != nil {
		e.log.Warn().Err(err).Msg("Anchor fetch failed, seeding placeholders")
		rows = nil
	}
	fetched := make(map[string]bool, len(rows))
	for _, row := range rows {
		fetched[row.ID] = true
		set.add(row, false, "anchor")
	}
	for _, id := range anchorIDs {
		if !fetched[id] {
			set.add(placeholderRow(id), true, "anchor")
		}
	}
}

// profileReasons builds the reason map for the profile-match track.
func profileReasons(profile domain.UserProfile, pol *policy.Output) map[string][]string {
	reasons := make(map[string][]string)

	tolerance := strings.ToLower(string(profile.RiskTolerance))
	switch profile.RiskTolerance {
	case domain.ToleranceConservative:
		reasons["profile_risk_tolerance:"+tolerance] = []string{"bitcoin", "ethereum"}
	case domain.ToleranceGrowth:
		reasons["profile_risk_tolerance:"+tolerance] = []string{"solana", "avalanche-2", "chainlink"}
	case domain.ToleranceAggressive:
		reasons["profile_risk_tolerance:"+tolerance] = []string{"solana", "render-token", "injective-protocol"}
	default:
		reasons["profile_risk_tolerance:"+tolerance] = []string{"bitcoin", "ethereum", "solana"}
	}

	reasons["stablecoin_floor_requirement"] = []string{"tether", "usd-coin", "dai"}

	if pol.Mode == policy.ModeOffensiveGrowth || pol.Envelope.HighVolatilityAssetCap >= 0.15 {
		reasons["high_volatility_sleeve_available"] = []string{"avalanche-2", "render-token", "sui"}
	}
	if pol.Mode == policy.ModeCapitalPreservation {
		reasons["capital_preservation_anchor"] = []string{"bitcoin", "tether", "usd-coin"}
	}

	return reasons
}

// collectProfileMatches resolves reason candidates through chunked
// queries, single-token fallback and symbol-search alias discovery.
// Rate-limited lookups degrade to placeholder tokens. Returns reasons
// with no resolvable candidate at all.
func (e *Engine) collectProfileMatches(ctx context.Context, set *merged, reasons map[string][]string) []string {
	// Stable iteration keeps output deterministic.
	names := make([]string, 0, len(reasons))
	for r := range reasons {
		names = append(names, r)
	}
	sort.Strings(names)

	var unresolved []string
	for _, reason := range names {
		ids := reasons[reason]

		// Anything already in the universe just gains the reason.
		var missing []string
		resolvedAny := false
		for _, id := range ids {
			if tok, ok := set.tokens[id]; ok {
				if !containsString(tok.InclusionReasons, reason) {
					tok.InclusionReasons = append(tok.InclusionReasons, reason)
				}
				resolvedAny = true
			} else {
				missing = append(missing, id)
			}
		}

		if len(missing) > 0 && e.resolveMissing(ctx, set, missing, reason) {
			resolvedAny = true
		}
		if !resolvedAny {
			unresolved = append(unresolved, reason)
		}
	}
	return unresolved
}

func (e *Engine) resolveMissing(ctx context.Context, set *merged, ids []string, reason string) bool {
	resolved := false

	for start := 0; start < len(ids); start += 50 {
		end := start + 50
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		rows, err := e.primary.MarketsByIDs(ctx, chunk)
		if err != nil {
			if isRateLimited(err) {
				for _, id := range chunk {
					set.add(placeholderRow(id), true, reason)
				}
				resolved = true
				continue
			}
			rows = nil
		}

		fetched := make(map[string]bool, len(rows))
		for _, row := range rows {
			fetched[row.ID] = true
			set.add(row, false, reason)
			resolved = true
		}

		for _, id := range chunk {
			if fetched[id] {
				continue
			}
			if e.resolveSingle(ctx, set, id, reason) {
				resolved = true
			}
		}
	}
	return resolved
}

// resolveSingle tries a single-token query, then symbol-search alias
// discovery, then a placeholder on rate limiting.
func (e *Engine) resolveSingle(ctx context.Context, set *merged, id, reason string) bool {
	rows, err := e.primary.MarketsByIDs(ctx, []string{id})
	if err == nil && len(rows) > 0 {
		set.add(rows[0], false, reason)
		return true
	}
	if isRateLimited(err) {
		set.add(placeholderRow(id), true, reason)
		return true
	}

	aliases, err := e.primary.SearchSymbol(ctx, id)
	if err != nil {
		if isRateLimited(err) {
			set.add(placeholderRow(id), true, reason)
			return true
		}
		return false
	}
	for _, alias := range aliases {
		if alias == id {
			continue
		}
		rows, err := e.primary.MarketsByIDs(ctx, []string{alias})
		if err == nil && len(rows) > 0 {
			set.add(rows[0], false, reason)
			return true
		}
		if isRateLimited(err) {
			set.add(placeholderRow(alias), true, reason)
			return true
		}
		break
	}
	return false
}

// placeholderRow derives a synthetic row from a coin id when market
// data is unavailable.
func placeholderRow(id string) markets.Row {
	symbol := anchorSymbols[id]
	if symbol == "" {
		parts := strings.Split(id, "-")
		symbol = markets.NormalizeSymbol(parts[0])
		if len(symbol) > 6 {
			symbol = symbol[:6]
		}
	}
	words := strings.Split(strings.ReplaceAll(id, "-", " "), " ")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return markets.Row{ID: id, Symbol: symbol, Name: strings.Join(words, " ")}
}

func isRateLimited(err error) bool {
	var fe *fetch.Error
	return errors.As(err, &fe) && fe.IsRateLimited()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
