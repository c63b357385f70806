// Package price-stream maintains live cryptocurrency price quotes over exchange
// WebSocket streams and serves them through a layered lookup facade.
//
// The library keeps a bounded pool of WebSocket connections to the exchange,
// normalizes ticker, trade and kline frames into per-symbol quotes, mirrors
// every update into a cache, and falls back to REST data providers when a
// symbol has no live stream yet.
//
// Core Features:
//
//   - Bounded-concurrency WebSocket connection pool with queued connection
//     tasks, elastic sizing and quota-aware backoff
//   - Single and combined (multiplexed) stream subscriptions with automatic
//     keep-alive and exponential reconnect
//   - Stream adapter normalizing exchange frames into per-symbol quotes
//   - Layered price lookup: cache, in-memory stream map, REST providers
//     (exchange ticker, CoinGecko, CoinMarketCap)
//   - Redis or in-memory cache with per-kind TTLs
//   - Startup warm-up of a popular-symbol watch-list in staggered batches
//
// The read path never returns an error for a missing price: a symbol no
// source can resolve yields a nil quote, and the lookup warms a stream
// subscription in the background so the next query is served live.
//
// # Basic usage
//
// Build the pool, adapter and lookup, then query prices:
//
//	pool := websocket.NewPool(websocket.Config{
//	    BaseURL:         "wss://stream.binance.com:9443/ws",
//	    CombinedBaseURL: "wss://stream.binance.com:9443/stream?streams=",
//	})
//	pool.Start()
//	defer pool.DisconnectAll()
//
//	adapter := pricestream.NewAdapter(pricestream.AdapterConfig{Pool: pool})
//
//	lookup := pricestream.NewLookup(pricestream.LookupConfig{
//	    Adapter: adapter,
//	    Providers: []providers.Provider{
//	        providers.NewExchange(providers.ExchangeConfig{
//	            BaseURL: "https://api.binance.com",
//	            HTTP:    rest.NewClient(rest.DefaultConfig()),
//	        }),
//	    },
//	})
//
//	quote := lookup.GetPrice(ctx, "BTC", "USD")
//	if quote != nil {
//	    fmt.Printf("BTC: $%.2f (%.2f%%)\n", quote.Price, quote.PriceChangePercentage24h)
//	}
//
// # Live subscriptions
//
// Subscriptions are reference-counted per symbol; only the first subscriber
// dials a connection:
//
//	if err := adapter.Subscribe(ctx, "ETH"); err != nil {
//	    log.Fatalf("subscription failed: %v", err)
//	}
//	defer adapter.Unsubscribe("ETH")
//
// Large watch-lists go over combined connections, split into groups the
// exchange accepts:
//
//	err := adapter.SubscribeBatch(ctx, []string{"BTC", "ETH", "SOL", "XRP"})
//
// # Startup warm-up
//
// The initializer subscribes a watch-list in staggered batches so queries for
// the majors are served from the stream immediately after boot:
//
//	init := pricestream.NewInitializer(pricestream.InitializerConfig{
//	    Adapter:   adapter,
//	    Scheduler: sched.NewTicker(logger),
//	    Lookup:    lookup,
//	})
//	result := <-init.Start(ctx)
//	if !result.Succeeded() {
//	    log.Printf("%d batches failed", result.FailedBatches)
//	}
//
// See cmd/price-streamd for the full daemon wiring, including configuration
// loading and the Redis-backed cache.
package pricestream
