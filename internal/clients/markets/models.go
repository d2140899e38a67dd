package markets

import "strings"

// Row is a provider-neutral market listing for one token.
type Row struct {
	ID               string   `json:"id"`
	Symbol           string   `json:"symbol"`
	Name             string   `json:"name"`
	MarketCapRank    *int     `json:"market_cap_rank,omitempty"`
	CurrentPriceUSD  float64  `json:"current_price_usd"`
	Volume24hUSD     float64  `json:"volume_24h_usd"`
	MarketCapUSD     float64  `json:"market_cap_usd"`
	PriceChangePct24 *float64 `json:"price_change_pct_24h,omitempty"`
	PriceChangePct7d *float64 `json:"price_change_pct_7d,omitempty"`
	PriceChangePct30 *float64 `json:"price_change_pct_30d,omitempty"`
}

// NormalizeSymbol uppercases and trims a ticker symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Series is a timestamped numeric series (prices or volumes).
type Series struct {
	Timestamps []int64   // unix millis
	Values     []float64
}

// Tail returns the last n values, or the whole series if shorter.
func (s Series) Tail(n int) []float64 {
	if n <= 0 || len(s.Values) <= n {
		return s.Values
	}
	return s.Values[len(s.Values)-n:]
}
