package markets

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/selunlabs/selun-engine/internal/clients/fetch"
)

const coinGeckoHost = "api.coingecko.com"

// CoinGecko is the primary market listings provider.
type CoinGecko struct {
	baseURL string
	fetcher *fetch.Client
	log     zerolog.Logger
}

// NewCoinGecko creates a CoinGecko client. minInterval spaces requests
// to respect the free-tier budget.
func NewCoinGecko(fetcher *fetch.Client, minInterval time.Duration, log zerolog.Logger) *CoinGecko {
	fetcher.SetMinInterval(coinGeckoHost, minInterval)
	return &CoinGecko{
		baseURL: "https://" + coinGeckoHost + "/api/v3",
		fetcher: fetcher,
		log:     log.With().Str("client", "coingecko").Logger(),
	}
}

type geckoMarketRow struct {
	ID                           string   `json:"id"`
	Symbol                       string   `json:"symbol"`
	Name                         string   `json:"name"`
	MarketCapRank                *int     `json:"market_cap_rank"`
	CurrentPrice                 float64  `json:"current_price"`
	TotalVolume                  float64  `json:"total_volume"`
	MarketCap                    float64  `json:"market_cap"`
	PriceChangePct24h            *float64 `json:"price_change_percentage_24h"`
	PriceChangePct7dInCurrency   *float64 `json:"price_change_percentage_7d_in_currency"`
	PriceChangePct30dInCurrency  *float64 `json:"price_change_percentage_30d_in_currency"`
}

func (r geckoMarketRow) toRow() Row {
	return Row{
		ID:               r.ID,
		Symbol:           NormalizeSymbol(r.Symbol),
		Name:             r.Name,
		MarketCapRank:    r.MarketCapRank,
		CurrentPriceUSD:  r.CurrentPrice,
		Volume24hUSD:     r.TotalVolume,
		MarketCapUSD:     r.MarketCap,
		PriceChangePct24: r.PriceChangePct24h,
		PriceChangePct7d: r.PriceChangePct7dInCurrency,
		PriceChangePct30: r.PriceChangePct30dInCurrency,
	}
}

// TopVolume returns one page of markets ordered by 24h volume.
func (c *CoinGecko) TopVolume(ctx context.Context, page, perPage int) ([]Row, error) {
	u := fmt.Sprintf("%s/coins/markets?vs_currency=usd&order=volume_desc&per_page=%d&page=%d&price_change_percentage=24h,7d,30d",
		c.baseURL, perPage, page)

	var rows []geckoMarketRow
	if _, err := c.fetcher.JSON(ctx, "coingecko", u, uuid.NewString(), nil, &rows); err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRow())
	}
	return out, nil
}

// MarketsByIDs fetches market rows for specific coin ids in one call.
func (c *CoinGecko) MarketsByIDs(ctx context.Context, ids []string) ([]Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	u := fmt.Sprintf("%s/coins/markets?vs_currency=usd&ids=%s&price_change_percentage=24h,7d,30d",
		c.baseURL, url.QueryEscape(strings.Join(ids, ",")))

	var rows []geckoMarketRow
	if _, err := c.fetcher.JSON(ctx, "coingecko", u, uuid.NewString(), nil, &rows); err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRow())
	}
	return out, nil
}

// SearchSymbol resolves a free-form query to candidate coin ids.
func (c *CoinGecko) SearchSymbol(ctx context.Context, query string) ([]string, error) {
	u := fmt.Sprintf("%s/search?query=%s", c.baseURL, url.QueryEscape(query))

	var body struct {
		Coins []struct {
			ID     string `json:"id"`
			Symbol string `json:"symbol"`
		} `json:"coins"`
	}
	if _, err := c.fetcher.JSON(ctx, "coingecko", u, uuid.NewString(), nil, &body); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(body.Coins))
	for _, coin := range body.Coins {
		ids = append(ids, coin.ID)
	}
	return ids, nil
}

// MarketChart returns daily price and volume series for a coin.
func (c *CoinGecko) MarketChart(ctx context.Context, id string, days int) (prices, volumes Series, err error) {
	u := fmt.Sprintf("%s/coins/%s/market_chart?vs_currency=usd&days=%d&interval=daily", c.baseURL, url.PathEscape(id), days)

	var body struct {
		Prices       [][]float64 `json:"prices"`
		TotalVolumes [][]float64 `json:"total_volumes"`
	}
	if _, err := c.fetcher.JSON(ctx, "coingecko", u, uuid.NewString(), nil, &body); err != nil {
		return Series{}, Series{}, err
	}

	return pairsToSeries(body.Prices), pairsToSeries(body.TotalVolumes), nil
}

// HourlyChart returns hourly price series for correlation windows.
func (c *CoinGecko) HourlyChart(ctx context.Context, id string, days int) (Series, error) {
	u := fmt.Sprintf("%s/coins/%s/market_chart?vs_currency=usd&days=%d", c.baseURL, url.PathEscape(id), days)

	var body struct {
		Prices [][]float64 `json:"prices"`
	}
	if _, err := c.fetcher.JSON(ctx, "coingecko", u, uuid.NewString(), nil, &body); err != nil {
		return Series{}, err
	}
	return pairsToSeries(body.Prices), nil
}

// Global returns total market cap, 24h cap change and dominance shares.
func (c *CoinGecko) Global(ctx context.Context) (totalCapUSD, capChangePct24 float64, dominance map[string]float64, err error) {
	var body struct {
		Data struct {
			TotalMarketCap               map[string]float64 `json:"total_market_cap"`
			MarketCapChangePercentage24h float64            `json:"market_cap_change_percentage_24h_usd"`
			MarketCapPercentage          map[string]float64 `json:"market_cap_percentage"`
		} `json:"data"`
	}
	u := c.baseURL + "/global"
	if _, err := c.fetcher.JSON(ctx, "coingecko", u, uuid.NewString(), nil, &body); err != nil {
		return 0, 0, nil, err
	}
	return body.Data.TotalMarketCap["usd"], body.Data.MarketCapChangePercentage24h, body.Data.MarketCapPercentage, nil
}

func pairsToSeries(pairs [][]float64) Series {
	s := Series{
		Timestamps: make([]int64, 0, len(pairs)),
		Values:     make([]float64, 0, len(pairs)),
	}
	for _, p := range pairs {
		if len(p) < 2 {
			continue
		}
		s.Timestamps = append(s.Timestamps, int64(p[0]))
		s.Values = append(s.Values, p[1])
	}
	return s
}
