package providers

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/veiloq/price-stream/pkg/logging"
	"github.com/veiloq/price-stream/pkg/market"
	"github.com/veiloq/price-stream/pkg/rest"
)

// ExchangeConfig configures the exchange 24hr-ticker provider.
type ExchangeConfig struct {
	// BaseURL is the exchange REST endpoint, e.g. "https://api.binance.com".
	BaseURL string

	HTTP   rest.Client
	Rate   RateFunc
	Logger logging.Logger
}

// Exchange fetches quotes from the exchange's 24hr ticker endpoint. The
// exchange quotes trading pairs, not symbols, so requests for a currency
// without a native pair are served from the USDT pair and converted.
type Exchange struct {
	baseURL string
	http    rest.Client
	rate    RateFunc
	logger  logging.Logger
}

// NewExchange creates an exchange ticker provider.
func NewExchange(cfg ExchangeConfig) *Exchange {
	if cfg.Rate == nil {
		cfg.Rate = identityRate
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &Exchange{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTP,
		rate:    cfg.Rate,
		logger:  cfg.Logger,
	}
}

func (e *Exchange) Name() string { return "exchange" }

type ticker24hr struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	Volume             string `json:"volume"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
}

func (e *Exchange) FetchPrice(ctx context.Context, symbol, currency string) (*market.Quote, error) {
	symbol = strings.ToUpper(symbol)
	currency = strings.ToUpper(currency)

	// Native pair when the exchange trades it directly, otherwise the USDT
	// pair with a fiat conversion on top.
	pair := symbol + currency
	native := currency == "USD" || currency == "USDT"
	if !native {
		pair = symbol + "USDT"
	}

	quote, err := e.fetchPair(ctx, pair, symbol)
	if err != nil {
		// Some listings only trade against BUSD.
		e.logger.Debug("ticker pair unavailable, trying BUSD pair",
			logging.String("pair", pair),
			logging.Error(err),
		)
		quote, err = e.fetchPair(ctx, symbol+"BUSD", symbol)
		if err != nil {
			return nil, fmt.Errorf("exchange has no tradable pair for %s/%s: %w", symbol, currency, err)
		}
	}

	if native {
		quote.Currency = currency
		return quote, nil
	}

	converted := quote.Converted(currency, e.rate("USD", currency))
	return &converted, nil
}

func (e *Exchange) fetchPair(ctx context.Context, pair, symbol string) (*market.Quote, error) {
	u := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", e.baseURL, url.QueryEscape(pair))

	var data ticker24hr
	if err := e.http.GetJSON(ctx, u, &data); err != nil {
		return nil, err
	}
	if data.LastPrice == "" {
		return nil, ErrSymbolNotFound
	}

	price, err := strconv.ParseFloat(data.LastPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid lastPrice %q for %s: %w", data.LastPrice, pair, err)
	}
	baseVolume := parseFloatOrZero(data.Volume)

	return &market.Quote{
		Symbol:                   symbol,
		Name:                     symbol,
		Currency:                 "USD",
		Price:                    price,
		PriceChange24h:           parseFloatOrZero(data.PriceChange),
		PriceChangePercentage24h: parseFloatOrZero(data.PriceChangePercent),
		Volume24h:                baseVolume * price,
		High24h:                  parseFloatOrZero(data.HighPrice),
		Low24h:                   parseFloatOrZero(data.LowPrice),
		LastUpdated:              time.Now().UTC(),
	}, nil
}

func parseFloatOrZero(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
