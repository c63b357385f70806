package pricestream

import (
	"context"
	"strconv"

	"github.com/veiloq/price-stream/pkg/cache"
	"github.com/veiloq/price-stream/pkg/logging"
	"github.com/veiloq/price-stream/pkg/market"
	"github.com/veiloq/price-stream/pkg/providers"
)

// Enricher fills the market cap on quotes from sources that do not report it,
// such as exchange tickers and the live stream. Resolved values are cached
// for an hour since market cap moves slowly.
type Enricher struct {
	cache      cache.Cache
	aggregates []providers.Provider
	logger     logging.Logger
}

// NewEnricher creates an enricher backed by aggregator providers, tried in
// order.
func NewEnricher(c cache.Cache, aggregates []providers.Provider, logger logging.Logger) *Enricher {
	if logger == nil {
		logger = logging.NewNop()
	}
	if c == nil {
		c = cache.NewMemory()
	}
	return &Enricher{cache: c, aggregates: aggregates, logger: logger}
}

// Enrich sets quote.MarketCap when it is missing. Best effort: every failure
// leaves the quote as it was.
func (e *Enricher) Enrich(ctx context.Context, quote *market.Quote) {
	if quote == nil || quote.MarketCap > 0 {
		return
	}

	key := cache.MarketCapKey(quote.Symbol, quote.Currency)
	if data, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		if cap, err := strconv.ParseFloat(string(data), 64); err == nil {
			quote.MarketCap = cap
			return
		}
	}

	for _, provider := range e.aggregates {
		full, err := provider.FetchPrice(ctx, quote.Symbol, quote.Currency)
		if err != nil {
			e.logger.Warn("market cap lookup failed",
				logging.String("provider", provider.Name()),
				logging.String("symbol", quote.Symbol),
				logging.Error(err),
			)
			continue
		}
		if full.MarketCap <= 0 {
			continue
		}

		value := strconv.FormatFloat(full.MarketCap, 'f', -1, 64)
		if err := e.cache.Set(ctx, key, []byte(value), cache.MarketCapTTL); err != nil {
			e.logger.Warn("failed to cache market cap",
				logging.String("symbol", quote.Symbol),
				logging.Error(err),
			)
		}
		quote.MarketCap = full.MarketCap
		return
	}
}
