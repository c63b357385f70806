// Command price-streamd runs the price streaming service: it warms the
// popular-symbol WebSocket subscriptions, keeps the quote cache fresh, and
// serves price lookups until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/veiloq/price-stream/pkg/cache"
	"github.com/veiloq/price-stream/pkg/config"
	"github.com/veiloq/price-stream/pkg/logging"
	"github.com/veiloq/price-stream/pkg/pricestream"
	"github.com/veiloq/price-stream/pkg/providers"
	"github.com/veiloq/price-stream/pkg/ratelimit"
	"github.com/veiloq/price-stream/pkg/rest"
	"github.com/veiloq/price-stream/pkg/sched"
	"github.com/veiloq/price-stream/pkg/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Secrets may live in a .env file during development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env file: %v\n", err)
	}

	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		cfg = loaded
	}

	logger := buildLogger(cfg.Logging)
	logger.Info("starting price-streamd",
		logging.String("exchange", cfg.Exchange.WSBaseURL),
		logging.Bool("redis", cfg.Redis.Enabled),
	)

	store, err := buildCache(cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	pool := websocket.NewPool(websocket.Config{
		BaseURL:                 cfg.Exchange.WSBaseURL,
		CombinedBaseURL:         cfg.Exchange.WSCombinedURL,
		APIURL:                  cfg.Exchange.WSAPIURL,
		MaxConnections:          cfg.Pool.MaxConnections,
		MaxConcurrent:           cfg.Pool.MaxConcurrent,
		MaxStreamsPerConnection: cfg.Pool.MaxStreamsPerConnection,
		MaxReconnectAttempts:    cfg.Pool.MaxReconnectAttempts,
		ReconnectInterval:       cfg.Pool.ReconnectInterval.Std(),
		ConnectTimeout:          cfg.Pool.ConnectTimeout.Std(),
		KeepAliveInterval:       cfg.Pool.KeepAliveInterval.Std(),
		MonitorInterval:         cfg.Pool.MonitorInterval.Std(),
		Limiter: ratelimit.NewTokenBucketLimiter(ratelimit.Rate{
			Limit:    5,
			Interval: time.Second,
		}),
		Logger: logger.WithFields(logging.String("component", "pool")),
	})
	pool.Start()
	defer pool.DisconnectAll()

	adapter := pricestream.NewAdapter(pricestream.AdapterConfig{
		Pool:          pool,
		Cache:         store,
		Logger:        logger.WithFields(logging.String("component", "adapter")),
		QuoteCurrency: cfg.Stream.QuoteCurrency,
		PairSuffix:    cfg.Stream.PairSuffix,
	})

	httpClient := rest.NewClient(&rest.ClientConfig{
		Timeout: cfg.Providers.Timeout.Std(),
		RateLimit: ratelimit.Rate{
			Limit:    cfg.Providers.RequestsPerSecond,
			Interval: time.Second,
		},
		MaxRetries: uint(cfg.Providers.MaxRetries),
		RetryDelay: cfg.Providers.RetryDelay.Std(),
		Logger:     logger.WithFields(logging.String("component", "rest")),
	})

	gecko := providers.NewCoinGecko(providers.CoinGeckoConfig{
		BaseURL: cfg.Providers.CoinGecko.BaseURL,
		APIKey:  cfg.Providers.CoinGecko.APIKey,
		HTTP:    httpClient,
		Cache:   store,
		Logger:  logger.WithFields(logging.String("provider", "coingecko")),
	})
	cmc := providers.NewCoinMarketCap(providers.CoinMarketCapConfig{
		BaseURL: cfg.Providers.CoinMarketCap.BaseURL,
		APIKey:  cfg.Providers.CoinMarketCap.APIKey,
		HTTP:    httpClient,
	})
	exchange := providers.NewExchange(providers.ExchangeConfig{
		BaseURL: cfg.Exchange.RESTBaseURL,
		HTTP:    httpClient,
		Rate:    pricestream.Rate,
		Logger:  logger.WithFields(logging.String("provider", "exchange")),
	})

	aggregators := []providers.Provider{gecko, cmc}
	lookup := pricestream.NewLookup(pricestream.LookupConfig{
		Adapter:   adapter,
		Cache:     store,
		Logger:    logger.WithFields(logging.String("component", "lookup")),
		Providers: append([]providers.Provider{exchange}, aggregators...),
		Enricher:  pricestream.NewEnricher(store, aggregators, logger),
	})

	scheduler := sched.NewTicker(logger.WithFields(logging.String("component", "sched")))
	defer scheduler.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	init := pricestream.NewInitializer(pricestream.InitializerConfig{
		Adapter:    adapter,
		Logger:     logger.WithFields(logging.String("component", "init")),
		Symbols:    cfg.Stream.PopularSymbols,
		BatchSize:  cfg.Stream.WarmupBatch,
		BatchDelay: cfg.Stream.WarmupDelay.Std(),
		Scheduler:  scheduler,
		Lookup:     lookup,
	})
	init.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info("shutting down", logging.String("signal", received.String()))
	return nil
}

func buildLogger(cfg config.LoggingConfig) logging.Logger {
	opts := []logging.Option{logging.WithLevel(logging.ParseLevel(cfg.Level))}
	if cfg.Development {
		opts = append(opts, logging.WithDevelopmentMode())
	}
	if cfg.File != "" {
		opts = append(opts, logging.WithRotatingFile(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays))
	}
	return logging.NewLogger(opts...)
}

func buildCache(cfg config.RedisConfig, logger logging.Logger) (cache.Cache, error) {
	if !cfg.Enabled {
		logger.Info("redis disabled, using in-memory quote cache")
		return cache.NewMemory(), nil
	}
	store, err := cache.NewRedis(cache.RedisConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return store, nil
}
