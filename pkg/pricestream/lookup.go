package pricestream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/veiloq/price-stream/pkg/cache"
	"github.com/veiloq/price-stream/pkg/logging"
	"github.com/veiloq/price-stream/pkg/market"
	"github.com/veiloq/price-stream/pkg/providers"
)

// LookupConfig configures the price lookup facade.
type LookupConfig struct {
	Adapter *Adapter
	Cache   cache.Cache
	Logger  logging.Logger

	// Providers are the REST fallback sources, tried strictly in order.
	Providers []providers.Provider

	// Enricher optionally fills missing market caps on provider results.
	Enricher *Enricher

	// Rate converts between quote currencies. Defaults to the static table.
	Rate providers.RateFunc
}

// Lookup is the read path for price queries: cache first, then the in-memory
// stream map, then the REST providers. A symbol with no price anywhere yields
// nil, not an error; callers treat nil as "price unavailable".
type Lookup struct {
	adapter   *Adapter
	cache     cache.Cache
	logger    logging.Logger
	providers []providers.Provider
	enricher  *Enricher
	rate      providers.RateFunc
}

// NewLookup creates the lookup facade.
func NewLookup(cfg LookupConfig) *Lookup {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemory()
	}
	if cfg.Rate == nil {
		cfg.Rate = Rate
	}
	return &Lookup{
		adapter:   cfg.Adapter,
		cache:     cfg.Cache,
		logger:    cfg.Logger,
		providers: cfg.Providers,
		enricher:  cfg.Enricher,
		rate:      cfg.Rate,
	}
}

// GetPrice returns the current quote for symbol in currency, or nil when no
// source can supply one.
func (l *Lookup) GetPrice(ctx context.Context, symbol, currency string) *market.Quote {
	return l.getPrice(ctx, symbol, currency, false)
}

// RefreshPrice bypasses the cache and re-resolves the quote from live
// sources, writing the result back to the cache.
func (l *Lookup) RefreshPrice(ctx context.Context, symbol, currency string) *market.Quote {
	return l.getPrice(ctx, symbol, currency, true)
}

func (l *Lookup) getPrice(ctx context.Context, symbol, currency string, force bool) *market.Quote {
	symbol = strings.ToUpper(symbol)
	currency = strings.ToUpper(currency)
	key := cache.PriceKey(symbol, currency)

	if !force {
		if quote := l.cachedQuote(ctx, key); quote != nil {
			l.logger.Debug("serving quote from cache", logging.String("symbol", symbol))
			return quote
		}
	}

	if quote, ok := l.adapter.Latest(symbol); ok {
		if native := l.adapter.QuoteCurrency(); currency != native {
			quote = quote.Converted(currency, l.rate(native, currency))
		}
		l.writeCache(ctx, key, quote)
		return &quote
	}

	// The stream had nothing, so warm a subscription for next time while the
	// providers answer this call. Failures are logged, never surfaced.
	l.backgroundSubscribe(symbol)

	for _, provider := range l.providers {
		quote, err := provider.FetchPrice(ctx, symbol, currency)
		if err != nil {
			l.logger.Warn("provider failed",
				logging.String("provider", provider.Name()),
				logging.String("symbol", symbol),
				logging.Error(err),
			)
			continue
		}

		if l.enricher != nil {
			l.enricher.Enrich(ctx, quote)
		}
		l.writeCache(ctx, key, *quote)
		return quote
	}

	l.logger.Warn("no source could supply a price",
		logging.String("symbol", symbol),
		logging.String("currency", currency),
	)
	return nil
}

func (l *Lookup) cachedQuote(ctx context.Context, key string) *market.Quote {
	data, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		l.logger.Warn("cache read failed", logging.String("key", key), logging.Error(err))
		return nil
	}
	if !ok {
		return nil
	}

	var quote market.Quote
	if err := json.Unmarshal(data, &quote); err != nil {
		l.logger.Warn("discarding undecodable cached quote",
			logging.String("key", key),
			logging.Error(err),
		)
		return nil
	}
	return &quote
}

func (l *Lookup) writeCache(ctx context.Context, key string, quote market.Quote) {
	data, err := json.Marshal(quote)
	if err != nil {
		return
	}
	if err := l.cache.Set(ctx, key, data, cache.PriceTTL); err != nil {
		l.logger.Warn("cache write failed", logging.String("key", key), logging.Error(err))
	}
}

func (l *Lookup) backgroundSubscribe(symbol string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := l.adapter.Subscribe(ctx, symbol); err != nil {
			l.logger.Warn("background subscription failed",
				logging.String("symbol", symbol),
				logging.Error(err),
			)
		}
	}()
}
