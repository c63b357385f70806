// Command examples demonstrates library usage against the live exchange: it
// subscribes a few symbols through the connection pool and prints the quotes
// the lookup facade resolves, including the REST fallback path for a symbol
// with no open stream.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veiloq/price-stream/pkg/cache"
	"github.com/veiloq/price-stream/pkg/logging"
	"github.com/veiloq/price-stream/pkg/pricestream"
	"github.com/veiloq/price-stream/pkg/providers"
	"github.com/veiloq/price-stream/pkg/ratelimit"
	"github.com/veiloq/price-stream/pkg/rest"
	"github.com/veiloq/price-stream/pkg/websocket"
)

func main() {
	logger := logging.NewLogger(
		logging.WithLevel(logging.DEBUG),
		logging.WithDevelopmentMode(),
	)

	// Connection pool against the public exchange endpoints.
	pool := websocket.NewPool(websocket.Config{
		BaseURL:         "wss://stream.binance.com:9443/ws",
		CombinedBaseURL: "wss://stream.binance.com:9443/stream?streams=",
		APIURL:          "wss://ws-api.binance.com:443/ws-api/v3",
		Limiter: ratelimit.NewTokenBucketLimiter(ratelimit.Rate{
			Limit:    5,
			Interval: time.Second,
		}),
		Logger: logger,
	})
	pool.Start()
	defer pool.DisconnectAll()

	// In-memory cache keeps the example self-contained; swap in cache.NewRedis
	// for a shared deployment.
	store := cache.NewMemory()
	defer store.Close()

	adapter := pricestream.NewAdapter(pricestream.AdapterConfig{
		Pool:   pool,
		Cache:  store,
		Logger: logger,
	})

	// REST fallback: the exchange ticker endpoint plus CoinGecko. API keys are
	// optional for both.
	httpClient := rest.NewClient(rest.DefaultConfig())
	exchange := providers.NewExchange(providers.ExchangeConfig{
		BaseURL: "https://api.binance.com",
		HTTP:    httpClient,
		Rate:    pricestream.Rate,
		Logger:  logger,
	})
	gecko := providers.NewCoinGecko(providers.CoinGeckoConfig{
		BaseURL: "https://api.coingecko.com/api/v3",
		APIKey:  os.Getenv("COINGECKO_API_KEY"),
		HTTP:    httpClient,
		Cache:   store,
		Logger:  logger,
	})

	lookup := pricestream.NewLookup(pricestream.LookupConfig{
		Adapter:   adapter,
		Cache:     store,
		Logger:    logger,
		Providers: []providers.Provider{exchange, gecko},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open live streams for a couple of majors.
	logger.Info("subscribing to live price streams")
	for _, symbol := range []string{"BTC", "ETH"} {
		if err := adapter.Subscribe(ctx, symbol); err != nil {
			logger.Error("subscription failed",
				logging.String("symbol", symbol),
				logging.Error(err),
			)
			os.Exit(1)
		}
	}

	// Poll the lookup until interrupted. ATOM has no open stream, so its first
	// resolution exercises the REST fallback and warms a subscription.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, symbol := range []string{"BTC", "ETH", "ATOM"} {
					quote := lookup.GetPrice(ctx, symbol, "USD")
					if quote == nil {
						logger.Warn("no price available", logging.String("symbol", symbol))
						continue
					}
					logger.Info("quote",
						logging.String("symbol", quote.Symbol),
						logging.Float64("price", quote.Price),
						logging.Float64("change24h", quote.PriceChangePercentage24h),
					)
				}

				status := adapter.Status()
				logger.Debug("pool status",
					logging.Int("streams", len(status.Pool.Streams)),
					logging.Int("queued", status.Pool.QueueLength),
					logging.Int("cachedQuotes", status.CachedQuotes),
				)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
}
