package sourceintel

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/pkg/formulas"
)

// Score formula weights and references. Freshness decays to zero over
// seven days without a success; latency degrades linearly to 4s.
const (
	successWeight   = 0.60
	freshnessWeight = 0.25
	latencyWeight   = 0.15

	freshnessHorizon = 7 * 24 * time.Hour
	latencyCeilingMs = 4000.0

	// Ordering boosts. Configured providers lead, discovery providers
	// follow, providers only known from history trail both.
	configuredBoost = 0.30
	discoveryBoost  = 0.15
	historicalBoost = 0.05
)

// Record is the per-(domain, provider) credibility state.
type Record struct {
	Domain        string     `json:"domain"`
	Provider      string     `json:"provider"`
	Score         float64    `json:"score"`
	Successes     int        `json:"successes"`
	Failures      int        `json:"failures"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	AvgLatencyMs  float64    `json:"avg_latency_ms"`
}

type key struct {
	domain   string
	provider string
}

// Registry tracks provider credibility per macro domain. It is shared
// across jobs; a single mutex serialises writers from any phase.
type Registry struct {
	mu      sync.Mutex
	records map[key]*Record
	now     func() time.Time
	log     zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		records: make(map[key]*Record),
		now:     time.Now,
		log:     log.With().Str("component", "source_intelligence").Logger(),
	}
}

// GetScore returns the credibility score for (domain, provider).
// Unknown pairs score a neutral 0.5 so new providers are neither
// favoured nor buried.
func (r *Registry) GetScore(domain, provider string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key{domain, provider}]; ok {
		return rec.Score
	}
	return 0.5
}

// RecordOutcome records one fetch outcome and recomputes the score.
func (r *Registry) RecordOutcome(domain, provider string, success bool, latencyMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{domain, provider}
	rec, ok := r.records[k]
	if !ok {
		rec = &Record{Domain: domain, Provider: provider, Score: 0.5}
		r.records[k] = rec
	}

	now := r.now().UTC()
	count := rec.Successes + rec.Failures
	if success {
		rec.Successes++
		rec.LastSuccessAt = &now
		if latencyMs > 0 {
			rec.AvgLatencyMs = formulas.RollingMean(rec.AvgLatencyMs, count, latencyMs)
		}
	} else {
		rec.Failures++
		rec.LastFailureAt = &now
	}

	rec.Score = r.scoreLocked(rec)
}

func (r *Registry) scoreLocked(rec *Record) float64 {
	total := rec.Successes + rec.Failures
	successRate := 0.5
	if total > 0 {
		successRate = float64(rec.Successes) / float64(total)
	}

	freshness := 0.0
	if rec.LastSuccessAt != nil {
		age := r.now().UTC().Sub(*rec.LastSuccessAt)
		freshness = formulas.Clamp(1-age.Seconds()/freshnessHorizon.Seconds(), 0, 1)
	}

	latency := formulas.Clamp(1-rec.AvgLatencyMs/latencyCeilingMs, 0, 1)
	if rec.AvgLatencyMs == 0 {
		// No latency samples yet: treat as median rather than perfect.
		latency = 0.5
	}

	return formulas.Clamp(
		successWeight*successRate+freshnessWeight*freshness+latencyWeight*latency,
		0, 1,
	)
}

// Snapshot returns all records sorted by (domain, provider).
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// BuildProviderOrder combines configured, discovery and historically
// seen providers for a domain and orders them by boosted credibility.
// Ties break alphabetically so the order is stable run to run.
func (r *Registry) BuildProviderOrder(domain string, configured, discoveryPool []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	type candidate struct {
		provider string
		rank     float64
	}

	seen := make(map[string]bool)
	boost := make(map[string]float64)

	for _, p := range configured {
		if !seen[p] {
			seen[p] = true
		}
		boost[p] += configuredBoost
	}
	for _, p := range discoveryPool {
		if !seen[p] {
			seen[p] = true
		}
		boost[p] += discoveryBoost
	}
	for k := range r.records {
		if k.domain != domain {
			continue
		}
		if !seen[k.provider] {
			seen[k.provider] = true
		}
		boost[k.provider] += historicalBoost
	}

	candidates := make([]candidate, 0, len(seen))
	for p := range seen {
		score := 0.5
		if rec, ok := r.records[key{domain, p}]; ok {
			score = rec.Score
		}
		candidates = append(candidates, candidate{provider: p, rank: score + boost[p]})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank > candidates[j].rank
		}
		return candidates[i].provider < candidates[j].provider
	})

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.provider
	}
	return out
}
