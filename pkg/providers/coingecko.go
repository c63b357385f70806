package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/veiloq/price-stream/pkg/cache"
	"github.com/veiloq/price-stream/pkg/logging"
	"github.com/veiloq/price-stream/pkg/market"
	"github.com/veiloq/price-stream/pkg/rest"
)

// commonCoinIDs maps major ticker symbols straight to aggregator ids so they
// never need a /coins/list round trip.
var commonCoinIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"USDT": "tether",
	"BNB":  "binancecoin",
	"SOL":  "solana",
	"XRP":  "ripple",
	"USDC": "usd-coin",
	"ADA":  "cardano",
	"AVAX": "avalanche-2",
	"DOGE": "dogecoin",
}

// CoinGeckoConfig configures the CoinGecko-style aggregator provider.
type CoinGeckoConfig struct {
	BaseURL string
	APIKey  string

	HTTP   rest.Client
	Cache  cache.Cache
	Logger logging.Logger
}

// CoinGecko fetches complete quotes, market cap included, from a
// CoinGecko-shaped API. The API addresses coins by id rather than ticker
// symbol, so resolved ids are cached for a day.
type CoinGecko struct {
	baseURL string
	apiKey  string
	http    rest.Client
	cache   cache.Cache
	logger  logging.Logger
}

// NewCoinGecko creates a CoinGecko-style provider.
func NewCoinGecko(cfg CoinGeckoConfig) *CoinGecko {
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    cfg.HTTP,
		cache:   cfg.Cache,
		logger:  cfg.Logger,
	}
}

func (g *CoinGecko) Name() string { return "coingecko" }

type geckoCoin struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Image  struct {
		Large string `json:"large"`
	} `json:"image"`
	MarketData struct {
		CurrentPrice           map[string]float64 `json:"current_price"`
		PriceChange24hCurrency map[string]float64 `json:"price_change_24h_in_currency"`
		PriceChangePercentage  float64            `json:"price_change_percentage_24h"`
		MarketCap              map[string]float64 `json:"market_cap"`
		TotalVolume            map[string]float64 `json:"total_volume"`
		High24h                map[string]float64 `json:"high_24h"`
		Low24h                 map[string]float64 `json:"low_24h"`
	} `json:"market_data"`
	LastUpdated time.Time `json:"last_updated"`
}

func (g *CoinGecko) FetchPrice(ctx context.Context, symbol, currency string) (*market.Quote, error) {
	symbol = strings.ToUpper(symbol)
	cur := strings.ToLower(currency)

	id, err := g.coinID(ctx, symbol)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/coins/%s?localization=false&tickers=false&market_data=true&community_data=false&developer_data=false&sparkline=false",
		g.baseURL, url.PathEscape(id))

	var coin geckoCoin
	if err := g.getJSON(ctx, u, &coin); err != nil {
		return nil, err
	}

	md := coin.MarketData
	return &market.Quote{
		Symbol:                   strings.ToUpper(coin.Symbol),
		Name:                     coin.Name,
		Currency:                 strings.ToUpper(currency),
		Price:                    md.CurrentPrice[cur],
		PriceChange24h:           md.PriceChange24hCurrency[cur],
		PriceChangePercentage24h: md.PriceChangePercentage,
		MarketCap:                md.MarketCap[cur],
		Volume24h:                md.TotalVolume[cur],
		High24h:                  md.High24h[cur],
		Low24h:                   md.Low24h[cur],
		ImageURL:                 coin.Image.Large,
		LastUpdated:              coin.LastUpdated,
	}, nil
}

// coinID resolves a ticker symbol to the aggregator's coin id, consulting the
// static map, then the cache, then the full /coins/list endpoint.
func (g *CoinGecko) coinID(ctx context.Context, symbol string) (string, error) {
	key := cache.SymbolMapKey(g.Name(), symbol)
	if data, ok, err := g.cache.Get(ctx, key); err == nil && ok {
		return string(data), nil
	}

	if id, ok := commonCoinIDs[symbol]; ok {
		g.cacheID(ctx, key, id)
		return id, nil
	}

	var coins []struct {
		ID     string `json:"id"`
		Symbol string `json:"symbol"`
	}
	if err := g.getJSON(ctx, g.baseURL+"/coins/list", &coins); err != nil {
		return "", fmt.Errorf("listing coins: %w", err)
	}

	lower := strings.ToLower(symbol)
	for _, coin := range coins {
		if coin.Symbol == lower {
			g.cacheID(ctx, key, coin.ID)
			return coin.ID, nil
		}
	}
	return "", fmt.Errorf("%w: no aggregator id for %s", ErrSymbolNotFound, symbol)
}

func (g *CoinGecko) cacheID(ctx context.Context, key, id string) {
	if err := g.cache.Set(ctx, key, []byte(id), cache.SymbolMapTTL); err != nil {
		g.logger.Warn("failed to cache coin id", logging.String("key", key), logging.Error(err))
	}
}

func (g *CoinGecko) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if g.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", g.apiKey)
	}

	resp, err := g.http.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, u)
	}
	return decodeJSON(resp.Body, out)
}
