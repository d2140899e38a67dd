package portfolio

import (
	"github.com/selunlabs/selun-engine/internal/modules/schema"
	"github.com/selunlabs/selun-engine/internal/modules/shortlist"
)

// OutputSchema declares the phase 6 output document.
func OutputSchema() *schema.Schema {
	min0, max1 := schema.Bounds(0, 1)

	allocationFields := []schema.Field{
		{Name: "coingecko_id", Kind: schema.KindString, Required: true},
		{Name: "symbol", Kind: schema.KindString, Required: true},
		{Name: "name", Kind: schema.KindString, Required: true},
		{Name: "bucket", Kind: schema.KindEnum, Required: true, Enum: []string{
			shortlist.BucketStablecoin, shortlist.BucketCore,
			shortlist.BucketSatellite, shortlist.BucketHighVol,
		}},
		{Name: "risk_class", Kind: schema.KindEnum, Required: true, Enum: []string{
			shortlist.ClassStablecoin, shortlist.ClassSpeculative, shortlist.ClassHighRisk,
			shortlist.ClassCommodities, shortlist.ClassDefiBluechip, shortlist.ClassLargeCap,
			shortlist.ClassAlternative,
		}},
		{Name: "role", Kind: schema.KindEnum, Required: true, Enum: []string{
			shortlist.RoleCoreHolding, shortlist.RoleDefensiveReserve,
			shortlist.RoleSupporting, shortlist.RoleSpeculative,
		}},
		{Name: "allocation_weight", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
		{Name: "risk_score", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
		{Name: "stablecoin_issuer", Kind: schema.KindString},
		{Name: "stablecoin_cluster", Kind: schema.KindString},
		{Name: "reasons", Kind: schema.KindStringArray},
	}

	return &schema.Schema{
		Name: "phase6_portfolio",
		Fields: []schema.Field{
			{Name: "job_id", Kind: schema.KindString, Required: true},
			{Name: "generated_at", Kind: schema.KindString, Required: true},
			{Name: "target_count", Kind: schema.KindInteger, Required: true},
			{Name: "allocations", Kind: schema.KindArray, Required: true, Elem: &schema.Field{
				Kind:   schema.KindObject,
				Fields: allocationFields,
			}},
			{Name: "stablecoin_allocation", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
			{Name: "expected_portfolio_volatility", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
			{Name: "concentration_index", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
			{Name: "portfolio_constraints", Kind: schema.KindObject, Required: true, Fields: []schema.Field{
				{Name: "risk_budget", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
				{Name: "stablecoin_minimum", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
				{Name: "max_single_asset", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
				{Name: "high_vol_cap", Kind: schema.KindNumber, Required: true, Min: min0, Max: max1},
			}},
			{Name: "sanitized", Kind: schema.KindBool},
			{Name: "content_hash", Kind: schema.KindString},
		},
	}
}
