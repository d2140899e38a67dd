package universe

import (
	"strings"

	"github.com/selunlabs/selun-engine/internal/clients/markets"
)

// Rank buckets used by the screening hints.
const (
	RankTop10    = "top_10"
	RankTop50    = "top_50"
	RankTop100   = "top_100"
	RankTop300   = "top_300"
	RankLongTail = "long_tail"
)

// Depth proxies derived from volume relative to market cap.
const (
	DepthHigh   = "high"
	DepthMedium = "medium"
	DepthLow    = "low"
)

// Stablecoin validation states.
const (
	StableFiatCustodial      = "fiat_custodial"
	StableCryptoCollateral   = "crypto_collateralized"
	StableSyntheticYield     = "synthetic_yield"
	StableEmergingUnverified = "emerging_unverified"
	NotStablecoin            = "not_stablecoin"
)

// Hints is the pre-computed guidance the screening phase consumes.
type Hints struct {
	Category             string `json:"category"`
	RankBucket           string `json:"rank_bucket"`
	DepthProxy           string `json:"depth_proxy"`
	StablecoinValidation string `json:"stablecoin_validation"`
	StrictRank           bool   `json:"strict_rank"`
	SuspiciousVolume     bool   `json:"suspicious_volume"`
	Meme                 bool   `json:"meme"`
	Proxy                bool   `json:"proxy"`
}

// Token is one universe entry.
type Token struct {
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
	Placeholder      bool     `json:"placeholder,omitempty"`
	InclusionReasons []string `json:"inclusion_reasons"`
	Hints            Hints    `json:"phase4_screening_hints"`
}

// anchorIDs is the emergency seed set when the filtered top-volume
// track comes back empty.
var anchorIDs = []string{
	"bitcoin", "ethereum", "tether", "usd-coin", "solana",
	"ripple", "binancecoin", "dogecoin", "cardano", "chainlink",
}

// anchorSymbols backs placeholder construction for anchors that could
// not be fetched.
var anchorSymbols = map[string]string{
	"bitcoin": "BTC", "ethereum": "ETH", "tether": "USDT",
	"usd-coin": "USDC", "solana": "SOL", "ripple": "XRP",
	"binancecoin": "BNB", "dogecoin": "DOGE", "cardano": "ADA",
	"chainlink": "LINK",
}

// stablecoinIDs maps known stablecoins to their validation state.
var stablecoinIDs = map[string]string{
	"tether":            StableFiatCustodial,
	"usd-coin":          StableFiatCustodial,
	"binance-usd":       StableFiatCustodial,
	"true-usd":          StableFiatCustodial,
	"paypal-usd":        StableFiatCustodial,
	"first-digital-usd": StableFiatCustodial,
	"paxos-standard":    StableFiatCustodial,
	"gemini-dollar":     StableFiatCustodial,
	"dai":               StableCryptoCollateral,
	"liquity-usd":       StableCryptoCollateral,
	"susd":              StableCryptoCollateral,
	"ethena-usde":       StableSyntheticYield,
	"frax":              StableSyntheticYield,
	"usdd":              StableSyntheticYield,
}

var memeIDs = map[string]bool{
	"dogecoin": true, "shiba-inu": true, "pepe": true, "bonk": true,
	"dogwifcoin": true, "floki": true, "memecoin": true, "brett": true,
}

var defiIDs = map[string]bool{
	"uniswap": true, "aave": true, "maker": true, "lido-dao": true,
	"curve-dao-token": true, "compound-governance-token": true,
	"synthetix-network-token": true, "pancakeswap-token": true,
}

// retailExcluded reports whether a token is a proxy instrument a
// retail allocation should never hold directly: wrapped and bridged
// assets, tokenised stocks, exchange fan tokens, leveraged products
// and staking receipts.
func retailExcluded(id, name, symbol string) bool {
	lid := strings.ToLower(id)
	lname := strings.ToLower(name)
	lsym := strings.ToLower(symbol)

	idPatterns := []string{
		"wrapped", "-peg", "bridged", "tokenized", "fan-token",
		"staked-", "-staked", "3l-", "3s-", "-3l", "-3s", "leveraged",
	}
	for _, p := range idPatterns {
		if strings.Contains(lid, p) {
			return true
		}
	}

	namePatterns := []string{
		"wrapped", "tokenized stock", "fan token", "(pegged",
		"staked ", "bridged", " 3l", " 3s", "leveraged",
	}
	for _, p := range namePatterns {
		if strings.Contains(lname, p) {
			return true
		}
	}

	// Wrapped tickers like WBTC, WETH, WSOL.
	if len(lsym) >= 4 && lsym[0] == 'w' {
		base := lsym[1:]
		for _, known := range []string{"btc", "eth", "sol", "bnb", "matic", "avax"} {
			if base == known {
				return true
			}
		}
	}
	return false
}

// hintsFor derives the phase 4 screening hints for a market row.
func hintsFor(row markets.Row, placeholder bool) Hints {
	h := Hints{
		Category:             "other",
		RankBucket:           RankLongTail,
		DepthProxy:           DepthLow,
		StablecoinValidation: NotStablecoin,
		StrictRank:           row.MarketCapRank != nil,
	}

	if row.MarketCapRank != nil {
		switch rank := *row.MarketCapRank; {
		case rank <= 10:
			h.RankBucket = RankTop10
		case rank <= 50:
			h.RankBucket = RankTop50
		case rank <= 100:
			h.RankBucket = RankTop100
		case rank <= 300:
			h.RankBucket = RankTop300
		}
	}

	// Volume relative to market cap stands in for order book depth.
	if row.MarketCapUSD > 0 {
		switch turnover := row.Volume24hUSD / row.MarketCapUSD; {
		case turnover >= 0.05:
			h.DepthProxy = DepthHigh
		case turnover >= 0.01:
			h.DepthProxy = DepthMedium
		}
		// A tiny cap turning over multiples of itself daily is wash
		// trading more often than organic flow.
		if row.Volume24hUSD > 3*row.MarketCapUSD && row.MarketCapUSD < 500_000_000 {
			h.SuspiciousVolume = true
		}
	}

	if state, ok := stablecoinIDs[row.ID]; ok {
		h.Category = "stablecoin"
		h.StablecoinValidation = state
	} else if looksLikeStable(row) {
		h.Category = "stablecoin"
		h.StablecoinValidation = StableEmergingUnverified
	}

	if memeIDs[row.ID] {
		h.Category = "meme"
		h.Meme = true
	}
	if defiIDs[row.ID] {
		h.Category = "defi"
	}
	if h.Category == "other" && row.MarketCapRank != nil && *row.MarketCapRank <= 100 {
		h.Category = "large_cap"
	}

	if retailExcluded(row.ID, row.Name, row.Symbol) {
		h.Proxy = true
	}
	if placeholder {
		h.StrictRank = false
		h.DepthProxy = DepthLow
	}

	return h
}

// looksLikeStable flags unknown tokens that trade pinned to a dollar.
func looksLikeStable(row markets.Row) bool {
	if row.CurrentPriceUSD < 0.97 || row.CurrentPriceUSD > 1.03 {
		return false
	}
	lid := strings.ToLower(row.ID + " " + row.Name + " " + row.Symbol)
	return strings.Contains(lid, "usd") || strings.Contains(lid, "stable")
}
