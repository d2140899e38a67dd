package macroreview

import (
	"time"

	"github.com/selunlabs/selun-engine/internal/clients/fetch"
	"github.com/selunlabs/selun-engine/internal/modules/macro"
	"github.com/selunlabs/selun-engine/internal/modules/schema"
	"github.com/selunlabs/selun-engine/internal/modules/sourceintel"
)

// Authorization statuses emitted by the macro review.
const (
	StatusAuthorized = "AUTHORIZED"
	StatusDeferred   = "DEFERRED"
	StatusProhibited = "PROHIBITED"
)

// MarketCondition is the condensed macro read handed to phase 2.
type MarketCondition struct {
	VolatilityState    string  `json:"volatility_state"`
	LiquidityState     string  `json:"liquidity_state"`
	RiskAppetite       string  `json:"risk_appetite"`
	Regime             string  `json:"regime"`
	SentimentDirection float64 `json:"sentiment_direction"`
	Alignment          float64 `json:"alignment"`
	Confidence         float64 `json:"confidence"`
	Uncertainty        float64 `json:"uncertainty"`
	CorrelationState   string  `json:"correlation_state"`
}

// EvidenceMetrics is the union of per-domain numeric evidence. Only
// the fields of the block's domain are populated.
type EvidenceMetrics struct {
	CombinedDailyVol       *float64 `json:"combined_daily_vol,omitempty"`
	VolZScore              *float64 `json:"vol_z_score,omitempty"`
	CapPressurePct         *float64 `json:"cap_pressure_pct,omitempty"`
	VolumeZScore           *float64 `json:"volume_z_score,omitempty"`
	SpreadPct              *float64 `json:"spread_pct,omitempty"`
	StablecoinDominancePct *float64 `json:"stablecoin_dominance_pct,omitempty"`
	Direction              *float64 `json:"direction,omitempty"`
	Consensus              *float64 `json:"consensus,omitempty"`
	FearGreed              *float64 `json:"fear_greed,omitempty"`
	PositiveRatio          *float64 `json:"positive_ratio,omitempty"`
	AbsMovePct24           *float64 `json:"abs_move_pct_24h,omitempty"`
	AssetCount             *float64 `json:"asset_count,omitempty"`
}

// EvidenceBlock is one domain's contribution to the macro read.
type EvidenceBlock struct {
	Domain      string          `json:"domain"`
	Summary     string          `json:"summary"`
	SourceCount int             `json:"source_count"`
	Missing     bool            `json:"missing"`
	Metrics     EvidenceMetrics `json:"metrics"`
}

// Authorization is the allocation gate decision.
type Authorization struct {
	Status    string   `json:"status"`
	Rationale []string `json:"rationale"`
}

// Audit is the traceability block of the phase output.
type Audit struct {
	Attempts        int                     `json:"attempts"`
	Sources         []fetch.SourceReference `json:"sources"`
	MissingDomains  []string                `json:"missing_domains"`
	Assumptions     []string                `json:"assumptions"`
	Credibility     []sourceintel.Record    `json:"credibility"`
	SourceSelection []macro.SelectionNote   `json:"source_selection"`
}

// Output is the schema-validated phase 1 result.
type Output struct {
	JobID                   string          `json:"job_id"`
	GeneratedAt             time.Time       `json:"generated_at"`
	TimeWindow              string          `json:"time_window"`
	MarketCondition         MarketCondition `json:"market_condition"`
	Evidence                []EvidenceBlock `json:"evidence"`
	AllocationAuthorization Authorization   `json:"allocation_authorization"`
	Audit                   Audit           `json:"audit"`
	SnapshotRecovered       bool            `json:"snapshot_recovered"`
	Sanitized               bool            `json:"sanitized"`
	ContentHash             string          `json:"content_hash,omitempty"`
}

func metricsSchema() []schema.Field {
	names := []string{
		"combined_daily_vol", "vol_z_score", "cap_pressure_pct",
		"volume_z_score", "spread_pct", "stablecoin_dominance_pct",
		"direction", "consensus", "fear_greed",
		"positive_ratio", "abs_move_pct_24h", "asset_count",
	}
	fields := make([]schema.Field, 0, len(names))
	for _, n := range names {
		fields = append(fields, schema.Field{Name: n, Kind: schema.KindNumber})
	}
	return fields
}

// OutputSchema declares the phase 1 output document.
func OutputSchema() *schema.Schema {
	min0, max1 := schema.Bounds(0, 1)
	minNeg1, _ := schema.Bounds(-1, 1)

	return &schema.Schema{
		Name: "phase1_macro_review",
		Fields: []schema.Field{
			{Name: "job_id", Kind: schema.KindString, Required: true},
			{Name: "generated_at", Kind: schema.KindString, Required: true},
			{Name: "time_window", Kind: schema.KindEnum, Required: true, Enum: []string{"7d", "14d", "30d"}},
			{Name: "market_condition", Kind: schema.KindObject, Required: true, Fields: []schema.Field{
				{Name: "volatility_state", Kind: schema.KindEnum, Required: true, Enum: []string{"low", "moderate", "elevated", "extreme"}},
				{Name: "liquidity_state", Kind: schema.KindEnum, Required: true, Enum: []string{"weak", "stable", "strong"}},
				{Name: "risk_appetite", Kind: schema.KindEnum, Required: true, Enum: []string{"defensive", "neutral", "expansionary"}},
				{Name: "regime", Kind: schema.KindEnum, Required: true, Enum: []string{macro.RegimeDefensiveStress, macro.RegimeNeutralMixed, macro.RegimeExpansionaryRiskOn}},
				{Name: "sentiment_direction", Kind: schema.KindNumber, Required: true, Min: minNeg1, Max: max1},
				{Name: "alignment", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
				{Name: "confidence", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
				{Name: "uncertainty", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
				{Name: "correlation_state", Kind: schema.KindEnum, Required: true, Enum: []string{"compression", "expansion", "stable"}},
			}},
			{Name: "evidence", Kind: schema.KindArray, Required: true, Elem: &schema.Field{
				Kind: schema.KindObject,
				Fields: []schema.Field{
					{Name: "domain", Kind: schema.KindString, Required: true},
					{Name: "summary", Kind: schema.KindString, Required: true},
					{Name: "source_count", Kind: schema.KindInteger, Required: true},
					{Name: "missing", Kind: schema.KindBool, Required: true},
					{Name: "metrics", Kind: schema.KindObject, Required: true, Fields: metricsSchema()},
				},
			}},
			{Name: "allocation_authorization", Kind: schema.KindObject, Required: true, Fields: []schema.Field{
				{Name: "status", Kind: schema.KindEnum, Required: true, Enum: []string{StatusAuthorized, StatusDeferred, StatusProhibited}},
				{Name: "rationale", Kind: schema.KindStringArray, Required: true},
			}},
			{Name: "audit", Kind: schema.KindObject, Required: true, Fields: []schema.Field{
				{Name: "attempts", Kind: schema.KindInteger, Required: true},
				{Name: "sources", Kind: schema.KindArray, Elem: &schema.Field{
					Kind: schema.KindObject,
					Fields: []schema.Field{
						{Name: "id", Kind: schema.KindString},
						{Name: "provider", Kind: schema.KindString, Required: true},
						{Name: "endpoint", Kind: schema.KindString},
						{Name: "url", Kind: schema.KindString, Required: true},
						{Name: "fetched_at", Kind: schema.KindString},
					},
				}},
				{Name: "missing_domains", Kind: schema.KindStringArray},
				{Name: "assumptions", Kind: schema.KindStringArray},
				{Name: "credibility", Kind: schema.KindArray, Elem: &schema.Field{
					Kind: schema.KindObject,
					Fields: []schema.Field{
						{Name: "domain", Kind: schema.KindString, Required: true},
						{Name: "provider", Kind: schema.KindString, Required: true},
						{Name: "score", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
						{Name: "successes", Kind: schema.KindInteger},
						{Name: "failures", Kind: schema.KindInteger},
						{Name: "last_success_at", Kind: schema.KindString},
						{Name: "last_failure_at", Kind: schema.KindString},
						{Name: "avg_latency_ms", Kind: schema.KindNumber},
					},
				}},
				{Name: "source_selection", Kind: schema.KindArray, Elem: &schema.Field{
					Kind: schema.KindObject,
					Fields: []schema.Field{
						{Name: "domain", Kind: schema.KindString, Required: true},
						{Name: "provider", Kind: schema.KindString, Required: true},
						{Name: "accepted", Kind: schema.KindBool},
						{Name: "credibility", Kind: schema.KindNumber},
						{Name: "latency_ms", Kind: schema.KindNumber},
						{Name: "reason", Kind: schema.KindString},
					},
				}},
			}},
			{Name: "snapshot_recovered", Kind: schema.KindBool, Required: true},
			{Name: "sanitized", Kind: schema.KindBool},
			{Name: "content_hash", Kind: schema.KindString},
		},
	}
}
