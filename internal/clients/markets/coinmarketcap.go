package markets

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/clients/fetch"
)

// CoinMarketCap is the secondary listings provider; requires an API key.
type CoinMarketCap struct {
	baseURL string
	apiKey  string
	fetcher *fetch.Client
	log     zerolog.Logger
}

// NewCoinMarketCap creates a CoinMarketCap client.
func NewCoinMarketCap(fetcher *fetch.Client, apiKey string, log zerolog.Logger) *CoinMarketCap {
	return &CoinMarketCap{
		baseURL: "https://pro-api.coinmarketcap.com/v1",
		apiKey:  apiKey,
		fetcher: fetcher,
		log:     log.With().Str("client", "coinmarketcap").Logger(),
	}
}

// Enabled reports whether an API key is configured.
func (c *CoinMarketCap) Enabled() bool { return c.apiKey != "" }

func (c *CoinMarketCap) headers() map[string]string {
	return map[string]string{"X-CMC_PRO_API_KEY": c.apiKey}
}

// Listings returns markets ordered by 24h volume.
func (c *CoinMarketCap) Listings(ctx context.Context, limit int) ([]Row, error) {
	u := fmt.Sprintf("%s/cryptocurrency/listings/latest?sort=volume_24h&limit=%d&convert=USD", c.baseURL, limit)

	var body struct {
		Data []struct {
			Slug   string `json:"slug"`
			Symbol string `json:"symbol"`
			Name   string `json:"name"`
			CMCRank *int  `json:"cmc_rank"`
			Quote  struct {
				USD struct {
					Price            float64  `json:"price"`
					Volume24h        float64  `json:"volume_24h"`
					MarketCap        float64  `json:"market_cap"`
					PercentChange24h *float64 `json:"percent_change_24h"`
					PercentChange7d  *float64 `json:"percent_change_7d"`
					PercentChange30d *float64 `json:"percent_change_30d"`
				} `json:"USD"`
			} `json:"quote"`
		} `json:"data"`
	}
	if _, err := c.fetcher.JSON(ctx, "coinmarketcap", u, uuid.NewString(), c.headers(), &body); err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(body.Data))
	for _, d := range body.Data {
		out = append(out, Row{
			ID:               d.Slug,
			Symbol:           NormalizeSymbol(d.Symbol),
			Name:             d.Name,
			MarketCapRank:    d.CMCRank,
			CurrentPriceUSD:  d.Quote.USD.Price,
			Volume24hUSD:     d.Quote.USD.Volume24h,
			MarketCapUSD:     d.Quote.USD.MarketCap,
			PriceChangePct24: d.Quote.USD.PercentChange24h,
			PriceChangePct7d: d.Quote.USD.PercentChange7d,
			PriceChangePct30: d.Quote.USD.PercentChange30d,
		})
	}
	return out, nil
}

// GlobalMetrics returns total market cap and its 24h change.
func (c *CoinMarketCap) GlobalMetrics(ctx context.Context) (totalCapUSD, capChangePct24 float64, err error) {
	u := c.baseURL + "/global-metrics/quotes/latest"

	var body struct {
		Data struct {
			Quote struct {
				USD struct {
					TotalMarketCap             float64 `json:"total_market_cap"`
					TotalMarketCapYesterdayPct float64 `json:"total_market_cap_yesterday_percentage_change"`
				} `json:"USD"`
			} `json:"quote"`
		} `json:"data"`
	}
	if _, err := c.fetcher.JSON(ctx, "coinmarketcap", u, uuid.NewString(), c.headers(), &body); err != nil {
		return 0, 0, err
	}
	return body.Data.Quote.USD.TotalMarketCap, body.Data.Quote.USD.TotalMarketCapYesterdayPct, nil
}
