package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/veiloq/price-stream/pkg/market"
	"github.com/veiloq/price-stream/pkg/rest"
)

// ErrAPIKeyMissing is returned by providers that cannot operate anonymously.
var ErrAPIKeyMissing = errors.New("api key is not configured")

// CoinMarketCapConfig configures the CoinMarketCap-style aggregator provider.
type CoinMarketCapConfig struct {
	BaseURL string
	APIKey  string

	HTTP rest.Client
}

// CoinMarketCap fetches quotes from a CoinMarketCap-shaped API. It requires
// an API key and is intended as the last resort in the provider chain.
type CoinMarketCap struct {
	baseURL string
	apiKey  string
	http    rest.Client
}

// NewCoinMarketCap creates a CoinMarketCap-style provider.
func NewCoinMarketCap(cfg CoinMarketCapConfig) *CoinMarketCap {
	return &CoinMarketCap{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    cfg.HTTP,
	}
}

func (c *CoinMarketCap) Name() string { return "coinmarketcap" }

type cmcQuote struct {
	Price            float64   `json:"price"`
	Volume24h        float64   `json:"volume_24h"`
	PercentChange24h float64   `json:"percent_change_24h"`
	MarketCap        float64   `json:"market_cap"`
	LastUpdated      time.Time `json:"last_updated"`
}

type cmcResponse struct {
	Data map[string]struct {
		Name   string              `json:"name"`
		Symbol string              `json:"symbol"`
		Quote  map[string]cmcQuote `json:"quote"`
	} `json:"data"`
}

func (c *CoinMarketCap) FetchPrice(ctx context.Context, symbol, currency string) (*market.Quote, error) {
	if c.apiKey == "" {
		return nil, ErrAPIKeyMissing
	}

	symbol = strings.ToUpper(symbol)
	currency = strings.ToUpper(currency)

	u := fmt.Sprintf("%s/cryptocurrency/quotes/latest?symbol=%s&convert=%s",
		c.baseURL, url.QueryEscape(symbol), url.QueryEscape(currency))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-CMC_PRO_API_KEY", c.apiKey)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, u)
	}

	var body cmcResponse
	if err := decodeJSON(resp.Body, &body); err != nil {
		return nil, err
	}

	coin, ok := body.Data[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no data for %s", ErrSymbolNotFound, symbol)
	}
	quote, ok := coin.Quote[currency]
	if !ok {
		return nil, fmt.Errorf("no %s quote for %s", currency, symbol)
	}

	// The API reports percent change only; reconstruct the absolute change
	// from the current price.
	var change24h float64
	if denom := 1 + quote.PercentChange24h/100; denom != 0 {
		change24h = quote.Price - quote.Price/denom
	}

	return &market.Quote{
		Symbol:                   coin.Symbol,
		Name:                     coin.Name,
		Currency:                 currency,
		Price:                    quote.Price,
		PriceChange24h:           change24h,
		PriceChangePercentage24h: quote.PercentChange24h,
		MarketCap:                quote.MarketCap,
		Volume24h:                quote.Volume24h,
		LastUpdated:              quote.LastUpdated,
	}, nil
}
