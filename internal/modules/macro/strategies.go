package macro

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/selunlabs/selun-engine/internal/clients/markets"
)

// Per-domain provider lists. Configured providers are first-class,
// discovery providers are opportunistic extras; both are merged with
// historically seen providers by the registry when ordering.
var (
	volatilityConfigured = []string{"coingecko", "binance"}
	volatilityDiscovery  = []string{"coinmarketcap"}

	liquidityConfigured = []string{"coingecko", "binance"}
	liquidityDiscovery  = []string{"defillama"}

	sentimentConfigured = []string{"alternative_me", "coindesk", "cointelegraph"}
	sentimentDiscovery  = []string{"decrypt"}

	breadthConfigured = []string{"coingecko", "coinmarketcap"}
	breadthDiscovery  = []string{"messari"}
)

// errNoStrategy marks providers the registry remembers but this build
// has no fetcher for. They are skipped without recording an outcome.
var errNoStrategy = errors.New("no strategy for provider")

// errDisabled marks providers that need an API key that is not set.
var errDisabled = errors.New("provider disabled")

const volatilityWindowDays = 8

func (c *Collectors) fetchVolatility(ctx context.Context, provider string) (VolObservation, error) {
	switch provider {
	case "coingecko":
		btc, _, err := c.gecko.MarketChart(ctx, "bitcoin", volatilityWindowDays)
		if err != nil {
			return VolObservation{}, err
		}
		eth, _, err := c.gecko.MarketChart(ctx, "ethereum", volatilityWindowDays)
		if err != nil {
			return VolObservation{}, err
		}
		totalCap, capChange, _, err := c.gecko.Global(ctx)
		if err != nil {
			return VolObservation{}, err
		}
		return VolObservation{
			BTCDailyCloses: btc.Values,
			ETHDailyCloses: eth.Values,
			TotalCapUSD:    &totalCap,
			CapChangePct24: &capChange,
		}, nil

	case "binance":
		btc, _, err := c.binanceKlines(ctx, "BTCUSDT", volatilityWindowDays)
		if err != nil {
			return VolObservation{}, err
		}
		eth, _, err := c.binanceKlines(ctx, "ETHUSDT", volatilityWindowDays)
		if err != nil {
			return VolObservation{}, err
		}
		return VolObservation{BTCDailyCloses: btc, ETHDailyCloses: eth}, nil

	case "coinmarketcap":
		if !c.cmc.Enabled() {
			return VolObservation{}, errDisabled
		}
		totalCap, capChange, err := c.cmc.GlobalMetrics(ctx)
		if err != nil {
			return VolObservation{}, err
		}
		return VolObservation{TotalCapUSD: &totalCap, CapChangePct24: &capChange}, nil

	default:
		return VolObservation{}, errNoStrategy
	}
}

func (c *Collectors) fetchLiquidity(ctx context.Context, provider string) (LiqObservation, error) {
	switch provider {
	case "coingecko":
		_, volumes, err := c.gecko.MarketChart(ctx, "bitcoin", volatilityWindowDays)
		if err != nil {
			return LiqObservation{}, err
		}
		_, _, dominance, err := c.gecko.Global(ctx)
		if err != nil {
			return LiqObservation{}, err
		}
		stable := dominance["usdt"] + dominance["usdc"] + dominance["dai"]
		return LiqObservation{
			DailyVolumes:           volumes.Values,
			StablecoinDominancePct: &stable,
		}, nil

	case "binance":
		_, quoteVolumes, err := c.binanceKlines(ctx, "BTCUSDT", volatilityWindowDays)
		if err != nil {
			return LiqObservation{}, err
		}
		spread, err := c.binanceSpread(ctx, "BTCUSDT")
		if err != nil {
			return LiqObservation{}, err
		}
		return LiqObservation{DailyVolumes: quoteVolumes, SpreadPct: &spread}, nil

	case "defillama":
		// Chain TVL history stands in as a liquidity depth proxy; only
		// its z-score is consumed so the unit mismatch is harmless.
		var rows []struct {
			Date int64   `json:"date"`
			TVL  float64 `json:"tvl"`
		}
		u := "https://api.llama.fi/v2/historicalChainTvl"
		if _, err := c.fetcher.JSON(ctx, "defillama", u, uuid.NewString(), nil, &rows); err != nil {
			return LiqObservation{}, err
		}
		if len(rows) > volatilityWindowDays {
			rows = rows[len(rows)-volatilityWindowDays:]
		}
		values := make([]float64, 0, len(rows))
		for _, r := range rows {
			values = append(values, r.TVL)
		}
		return LiqObservation{DailyVolumes: values}, nil

	default:
		return LiqObservation{}, errNoStrategy
	}
}

func (c *Collectors) fetchSentiment(ctx context.Context, provider string) (SentObservation, error) {
	switch provider {
	case "alternative_me":
		var body struct {
			Data []struct {
				Value string `json:"value"`
			} `json:"data"`
		}
		u := "https://api.alternative.me/fng/?limit=1"
		if _, err := c.fetcher.JSON(ctx, "alternative_me", u, uuid.NewString(), nil, &body); err != nil {
			return SentObservation{}, err
		}
		if len(body.Data) == 0 {
			return SentObservation{}, fmt.Errorf("alternative.me: empty fear-greed response")
		}
		v, err := strconv.ParseFloat(body.Data[0].Value, 64)
		if err != nil {
			return SentObservation{}, fmt.Errorf("alternative.me: bad index value %q", body.Data[0].Value)
		}
		return SentObservation{FearGreed: &v}, nil

	case "coindesk":
		return c.rssSentiment(ctx, "coindesk", "https://www.coindesk.com/arc/outboundfeeds/rss/")
	case "cointelegraph":
		return c.rssSentiment(ctx, "cointelegraph", "https://cointelegraph.com/rss")
	case "decrypt":
		return c.rssSentiment(ctx, "decrypt", "https://decrypt.co/feed")

	default:
		return SentObservation{}, errNoStrategy
	}
}

func (c *Collectors) fetchBreadth(ctx context.Context, provider string) (BreadthObservation, error) {
	switch provider {
	case "coingecko":
		rows, err := c.gecko.TopVolume(ctx, 1, 100)
		if err != nil {
			return BreadthObservation{}, err
		}
		_, capChange, _, err := c.gecko.Global(ctx)
		if err != nil {
			return BreadthObservation{}, err
		}
		absMove := abs(capChange)
		obs := breadthFromChanges(rowsChanges(rows))
		obs.AbsMovePct24 = &absMove
		return obs, nil

	case "coinmarketcap":
		if !c.cmc.Enabled() {
			return BreadthObservation{}, errDisabled
		}
		rows, err := c.cmc.Listings(ctx, 100)
		if err != nil {
			return BreadthObservation{}, err
		}
		_, capChange, err := c.cmc.GlobalMetrics(ctx)
		if err != nil {
			return BreadthObservation{}, err
		}
		absMove := abs(capChange)
		obs := breadthFromChanges(rowsChanges(rows))
		obs.AbsMovePct24 = &absMove
		return obs, nil

	case "messari":
		if c.messariKey == "" {
			return BreadthObservation{}, errDisabled
		}
		var body struct {
			Data []struct {
				Metrics struct {
					MarketData struct {
						PercentChange24h *float64 `json:"percent_change_usd_last_24_hours"`
					} `json:"market_data"`
				} `json:"metrics"`
			} `json:"data"`
		}
		u := "https://data.messari.io/api/v2/assets?limit=100&fields=id,symbol,metrics/market_data/percent_change_usd_last_24_hours"
		headers := map[string]string{"x-messari-api-key": c.messariKey}
		if _, err := c.fetcher.JSON(ctx, "messari", u, uuid.NewString(), headers, &body); err != nil {
			return BreadthObservation{}, err
		}
		changes := make([]*float64, 0, len(body.Data))
		for _, d := range body.Data {
			changes = append(changes, d.Metrics.MarketData.PercentChange24h)
		}
		return breadthFromChanges(changes), nil

	default:
		return BreadthObservation{}, errNoStrategy
	}
}

// binanceKlines fetches daily candles and returns closes and quote
// volumes. The kline payload is positional; closes sit at index 4 and
// quote asset volume at index 7, both as strings.
func (c *Collectors) binanceKlines(ctx context.Context, symbol string, limit int) (closes, quoteVolumes []float64, err error) {
	u := fmt.Sprintf("https://api.binance.com/api/v3/klines?symbol=%s&interval=1d&limit=%d", symbol, limit)

	var raw [][]interface{}
	if _, err := c.fetcher.JSON(ctx, "binance", u, uuid.NewString(), nil, &raw); err != nil {
		return nil, nil, err
	}

	for _, candle := range raw {
		if len(candle) < 8 {
			continue
		}
		closeStr, ok1 := candle[4].(string)
		volStr, ok2 := candle[7].(string)
		if !ok1 || !ok2 {
			continue
		}
		closeVal, err1 := strconv.ParseFloat(closeStr, 64)
		volVal, err2 := strconv.ParseFloat(volStr, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		closes = append(closes, closeVal)
		quoteVolumes = append(quoteVolumes, volVal)
	}
	if len(closes) == 0 {
		return nil, nil, fmt.Errorf("binance: no parseable klines for %s", symbol)
	}
	return closes, quoteVolumes, nil
}

func (c *Collectors) binanceSpread(ctx context.Context, symbol string) (float64, error) {
	u := "https://api.binance.com/api/v3/ticker/bookTicker?symbol=" + symbol

	var body struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if _, err := c.fetcher.JSON(ctx, "binance", u, uuid.NewString(), nil, &body); err != nil {
		return 0, err
	}
	bid, err1 := strconv.ParseFloat(body.BidPrice, 64)
	ask, err2 := strconv.ParseFloat(body.AskPrice, 64)
	if err1 != nil || err2 != nil || bid <= 0 || ask <= 0 {
		return 0, fmt.Errorf("binance: bad book ticker for %s", symbol)
	}
	mid := (bid + ask) / 2
	return (ask - bid) / mid * 100, nil
}

type rssFeed struct {
	Channel struct {
		Items []struct {
			Title string `xml:"title"`
		} `xml:"item"`
	} `xml:"channel"`
}

func (c *Collectors) rssSentiment(ctx context.Context, provider, feedURL string) (SentObservation, error) {
	body, _, err := c.fetcher.Text(ctx, provider, feedURL, uuid.NewString(), nil)
	if err != nil {
		return SentObservation{}, err
	}

	var feed rssFeed
	if err := xml.Unmarshal([]byte(body), &feed); err != nil {
		return SentObservation{}, fmt.Errorf("%s: parse feed: %w", provider, err)
	}
	if len(feed.Channel.Items) == 0 {
		return SentObservation{}, fmt.Errorf("%s: empty feed", provider)
	}

	titles := make([]string, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		titles = append(titles, item.Title)
	}
	score, matched := ScoreHeadlines(titles)
	return SentObservation{
		HeadlineScore: &score,
		HeadlineCount: matched,
	}, nil
}

func rowsChanges(rows []markets.Row) []*float64 {
	changes := make([]*float64, 0, len(rows))
	for _, r := range rows {
		changes = append(changes, r.PriceChangePct24)
	}
	return changes
}

func breadthFromChanges(changes []*float64) BreadthObservation {
	total, positive := 0, 0
	for _, ch := range changes {
		if ch == nil {
			continue
		}
		total++
		if *ch > 0 {
			positive++
		}
	}
	obs := BreadthObservation{AssetCount: total}
	if total > 0 {
		obs.PositiveRatio = float64(positive) / float64(total)
	}
	return obs
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
