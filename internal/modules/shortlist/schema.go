package shortlist

import (
	"github.com/selunlabs/selun-engine/internal/modules/schema"
	"github.com/selunlabs/selun-engine/internal/modules/universe"
)

// OutputSchema declares the phase 5 output document.
func OutputSchema() *schema.Schema {
	min0, max1 := schema.Bounds(0, 1)
	minP, maxP := schema.Bounds(-1, 1)

	candidateFields := []schema.Field{
		{Name: "coingecko_id", Kind: schema.KindString, Required: true},
		{Name: "symbol", Kind: schema.KindString, Required: true},
		{Name: "name", Kind: schema.KindString, Required: true},
		{Name: "market_cap_rank", Kind: schema.KindInteger},
		{Name: "volume_24h_usd", Kind: schema.KindNumber, Required: true},
		{Name: "liquidity", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
		{Name: "structural", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
		{Name: "screening", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
		{Name: "quality", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
		{Name: "risk", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
		{Name: "profitability", Kind: schema.KindNumber, Required: true, Min: minP, Max: maxP},
		{Name: "composite", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
		{Name: "risk_class", Kind: schema.KindEnum, Required: true, Enum: []string{
			ClassStablecoin, ClassSpeculative, ClassHighRisk, ClassCommodities,
			ClassDefiBluechip, ClassLargeCap, ClassAlternative,
		}},
		{Name: "bucket", Kind: schema.KindEnum, Required: true, Enum: []string{
			BucketStablecoin, BucketCore, BucketSatellite, BucketHighVol,
		}},
		{Name: "role", Kind: schema.KindEnum, Required: true, Enum: []string{
			RoleCoreHolding, RoleDefensiveReserve, RoleSupporting, RoleSpeculative,
		}},
		{Name: "stablecoin", Kind: schema.KindBool, Required: true},
		{Name: "stablecoin_issuer", Kind: schema.KindString},
		{Name: "stablecoin_cluster", Kind: schema.KindString},
		{Name: "depth_proxy", Kind: schema.KindEnum, Required: true, Enum: []string{
			universe.DepthHigh, universe.DepthMedium, universe.DepthLow,
		}},
		{Name: "rank_bucket", Kind: schema.KindEnum, Required: true, Enum: []string{
			universe.RankTop10, universe.RankTop50, universe.RankTop100,
			universe.RankTop300, universe.RankLongTail,
		}},
		{Name: "selected", Kind: schema.KindBool, Required: true},
		{Name: "selection_reasons", Kind: schema.KindStringArray},
	}

	return &schema.Schema{
		Name: "phase5_shortlist",
		Fields: []schema.Field{
			{Name: "job_id", Kind: schema.KindString, Required: true},
			{Name: "generated_at", Kind: schema.KindString, Required: true},
			{Name: "target_selection", Kind: schema.KindInteger, Required: true},
			{Name: "max_selected_stablecoins", Kind: schema.KindInteger, Required: true},
			{Name: "selected_count", Kind: schema.KindInteger, Required: true},
			{Name: "scoring_provider", Kind: schema.KindString, Required: true},
			{Name: "portfolio_constraints", Kind: schema.KindObject, Required: true, Fields: []schema.Field{
				{Name: "risk_budget", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
				{Name: "stablecoin_minimum", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
				{Name: "max_single_asset", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
				{Name: "high_vol_cap", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
			}},
			{Name: "candidates", Kind: schema.KindArray, Required: true, Elem: &schema.Field{
				Kind:   schema.KindObject,
				Fields: candidateFields,
			}},
			{Name: "sanitized", Kind: schema.KindBool},
			{Name: "content_hash", Kind: schema.KindString},
		},
	}
}
