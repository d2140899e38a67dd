package universe

import "github.com/selunlabs/selun-engine/internal/modules/schema"

// OutputSchema declares the phase 3 output document.
func OutputSchema() *schema.Schema {
	return &schema.Schema{
		Name: "phase3_universe",
		Fields: []schema.Field{
			{Name: "job_id", Kind: schema.KindString, Required: true},
			{Name: "generated_at", Kind: schema.KindString, Required: true},
			{Name: "target_size", Kind: schema.KindInteger, Required: true},
			{Name: "notes", Kind: schema.KindStringArray, Required: true},
			{Name: "tokens", Kind: schema.KindArray, Required: true, Elem: &schema.Field{
				Kind: schema.KindObject,
				Fields: []schema.Field{
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
							RankTop10, RankTop50, RankTop100, RankTop300, RankLongTail,
						}},
						{Name: "depth_proxy", Kind: schema.KindEnum, Required: true, Enum: []string{
							DepthHigh, DepthMedium, DepthLow,
						}},
						{Name: "stablecoin_validation", Kind: schema.KindEnum, Required: true, Enum: []string{
							StableFiatCustodial, StableCryptoCollateral,
							StableSyntheticYield, StableEmergingUnverified, NotStablecoin,
						}},
						{Name: "strict_rank", Kind: schema.KindBool, Required: true},
						{Name: "suspicious_volume", Kind: schema.KindBool, Required: true},
						{Name: "meme", Kind: schema.KindBool, Required: true},
						{Name: "proxy", Kind: schema.KindBool, Required: true},
					}},
				},
			}},
			{Name: "sanitized", Kind: schema.KindBool},
			{Name: "content_hash", Kind: schema.KindString},
		},
	}
}
