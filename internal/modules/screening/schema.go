package screening

import (
	"github.com/selunlabs/selun-engine/internal/modules/schema"
	"github.com/selunlabs/selun-engine/internal/modules/universe"
)

// OutputSchema declares the phase 4 output document.
func OutputSchema() *schema.Schema {
	min0, max1 := schema.Bounds(0, 1)

	scoreFields := []schema.Field{
		{Name: "liquidity", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
		{Name: "structural", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
		{Name: "screening", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
	}

	tokenFields := []schema.Field{
		{Name: "id", Kind: schema.KindString, Required: true},
		{Name: "symbol", Kind: schema.KindString, Required: true},
		{Name: "name", Kind: schema.KindString, Required: true},
		{Name: "market_cap_rank", Kind: schema.KindInteger},
		{Name: "current_price_usd", Kind: schema.KindNumber, Required: true},
		{Name: "volume_24h_usd", Kind: schema.KindNumber, Required: true},
		{Name: "market_cap_usd", Kind: schema.KindNumber, Required: true},
		{Name: "price_change_pct_24h", Kind: schema.KindNumber},
		{Name: "price_change_pct_7d", Kind: schema.KindNumber},
		{Name: "price_change_pct_30d", Kind: schema.KindNumber},
		{Name: "placeholder", Kind: schema.KindBool},
		{Name: "inclusion_reasons", Kind: schema.KindStringArray, Required: true},
		{Name: "phase4_screening_hints", Kind: schema.KindObject, Required: true, Fields: []schema.Field{
			{Name: "category", Kind: schema.KindString, Required: true},
			{Name: "rank_bucket", Kind: schema.KindEnum, Required: true, Enum: []string{
				universe.RankTop10, universe.RankTop50, universe.RankTop100,
				universe.RankTop300, universe.RankLongTail,
			}},
			{Name: "depth_proxy", Kind: schema.KindEnum, Required: true, Enum: []string{
				universe.DepthHigh, universe.DepthMedium, universe.DepthLow,
			}},
			{Name: "stablecoin_validation", Kind: schema.KindEnum, Required: true, Enum: []string{
				universe.StableFiatCustodial, universe.StableCryptoCollateral,
				universe.StableSyntheticYield, universe.StableEmergingUnverified,
				universe.NotStablecoin,
			}},
			{Name: "strict_rank", Kind: schema.KindBool, Required: true},
			{Name: "suspicious_volume", Kind: schema.KindBool, Required: true},
			{Name: "meme", Kind: schema.KindBool, Required: true},
			{Name: "proxy", Kind: schema.KindBool, Required: true},
		}},
		{Name: "scores", Kind: schema.KindObject, Required: true, Fields: scoreFields},
		{Name: "eligible", Kind: schema.KindBool, Required: true},
		{Name: "lane", Kind: schema.KindEnum, Enum: []string{LaneCore, LaneCoverageFill}},
		{Name: "exclusion_reasons", Kind: schema.KindStringArray},
		{Name: "stablecoin_issuer", Kind: schema.KindString},
		{Name: "stablecoin_cluster", Kind: schema.KindString},
	}

	return &schema.Schema{
		Name: "phase4_screening",
		Fields: []schema.Field{
			{Name: "job_id", Kind: schema.KindString, Required: true},
			{Name: "generated_at", Kind: schema.KindString, Required: true},
			{Name: "target_eligible", Kind: schema.KindInteger, Required: true},
			{Name: "eligible_count", Kind: schema.KindInteger, Required: true},
			{Name: "relaxation_steps", Kind: schema.KindInteger, Required: true},
			{Name: "stablecoin_cap", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
			{Name: "tokens", Kind: schema.KindArray, Required: true, Elem: &schema.Field{
				Kind:   schema.KindObject,
				Fields: tokenFields,
			}},
			{Name: "sanitized", Kind: schema.KindBool},
			{Name: "content_hash", Kind: schema.KindString},
		},
	}
}
