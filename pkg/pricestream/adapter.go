// Package pricestream turns raw exchange stream frames into normalized price
// quotes and serves them to readers: the adapter maintains the in-memory
// latest-quote map and mirrors updates into the cache, the lookup facade
// layers cache reads and REST fallback on top, and the initializer warms
// subscriptions for the popular watch-list at startup.
package pricestream

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/veiloq/price-stream/pkg/cache"
	"github.com/veiloq/price-stream/pkg/logging"
	"github.com/veiloq/price-stream/pkg/market"
	"github.com/veiloq/price-stream/pkg/websocket"
)

const (
	defaultQuoteCurrency = "USD"
	defaultPairSuffix    = "USDT"
)

// AdapterConfig configures the stream adapter.
type AdapterConfig struct {
	Pool   *websocket.Pool
	Cache  cache.Cache
	Logger logging.Logger

	// QuoteCurrency is the currency quotes are cached under. Defaults to USD.
	QuoteCurrency string

	// PairSuffix is the exchange quote asset appended to symbols in stream
	// names, e.g. "USDT" in btcusdt@ticker. Defaults to USDT.
	PairSuffix string
}

// Adapter subscribes to exchange price streams through the connection pool
// and maintains the latest normalized quote per base symbol. Ticker frames
// replace the whole quote; trade frames and open kline candles update only
// the price and timestamp. Every applied update is mirrored into the cache.
type Adapter struct {
	pool     *websocket.Pool
	cache    cache.Cache
	logger   logging.Logger
	currency string
	suffix   string

	mu      sync.Mutex
	latest  map[string]market.Quote
	subs    map[string]int
	dialing map[string]chan struct{}
}

// NewAdapter creates a stream adapter on top of an existing pool.
func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = defaultQuoteCurrency
	}
	if cfg.PairSuffix == "" {
		cfg.PairSuffix = defaultPairSuffix
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemory()
	}
	return &Adapter{
		pool:     cfg.Pool,
		cache:    cfg.Cache,
		logger:   cfg.Logger,
		currency: strings.ToUpper(cfg.QuoteCurrency),
		suffix:   strings.ToUpper(cfg.PairSuffix),
		latest:   make(map[string]market.Quote),
		subs:     make(map[string]int),
		dialing:  make(map[string]chan struct{}),
	}
}

// QuoteCurrency returns the currency the adapter's quotes are denominated in.
func (a *Adapter) QuoteCurrency() string { return a.currency }

// TickerStream returns the single-stream name for a symbol's ticker feed.
func (a *Adapter) TickerStream(symbol string) string {
	return strings.ToLower(symbol) + strings.ToLower(a.suffix) + "@ticker"
}

// TradeStream returns the single-stream name for a symbol's trade feed.
func (a *Adapter) TradeStream(symbol string) string {
	return strings.ToLower(symbol) + strings.ToLower(a.suffix) + "@trade"
}

// KlineStream returns the single-stream name for a symbol's candle feed.
func (a *Adapter) KlineStream(symbol, interval string) string {
	return strings.ToLower(symbol) + strings.ToLower(a.suffix) + "@kline_" + interval
}

// Subscribe opens (or joins) the ticker stream for one symbol. Subscriptions
// are reference-counted per symbol; only the first call dials a connection.
// The symbol is claimed while that first dial is in flight, so concurrent
// subscribers wait for it and join instead of registering a second handler.
func (a *Adapter) Subscribe(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)

	a.mu.Lock()
	for {
		wait, ok := a.dialing[symbol]
		if !ok {
			break
		}
		a.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		a.mu.Lock()
	}
	if count := a.subs[symbol]; count > 0 {
		a.subs[symbol] = count + 1
		a.mu.Unlock()
		a.logger.Debug("joined existing subscription",
			logging.String("symbol", symbol),
			logging.Int("subscribers", count+1),
		)
		return nil
	}
	claim := make(chan struct{})
	a.dialing[symbol] = claim
	a.mu.Unlock()

	name := a.TickerStream(symbol)
	err := a.pool.ConnectSingle(ctx, name, a.singleHandler(name))

	a.mu.Lock()
	delete(a.dialing, symbol)
	close(claim)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.subs[symbol]++
	a.mu.Unlock()

	a.logger.Info("subscribed to price updates", logging.String("symbol", symbol))
	return nil
}

// Unsubscribe releases one reference to a symbol's subscription, tearing the
// connection down when the last subscriber leaves.
func (a *Adapter) Unsubscribe(symbol string) {
	symbol = strings.ToUpper(symbol)

	a.mu.Lock()
	count := a.subs[symbol]
	if count > 1 {
		a.subs[symbol] = count - 1
		a.mu.Unlock()
		return
	}
	delete(a.subs, symbol)
	a.mu.Unlock()

	if count == 0 {
		return
	}
	a.pool.Disconnect(websocket.StreamID(a.TickerStream(symbol)))
	a.logger.Info("unsubscribed from price updates", logging.String("symbol", symbol))
}

// SubscribeBatch opens ticker streams for many symbols over combined
// connections. The pool splits oversized lists into per-connection groups;
// the call succeeds only when every group connects.
func (a *Adapter) SubscribeBatch(ctx context.Context, symbols []string) error {
	names := make([]string, len(symbols))
	for i, symbol := range symbols {
		names[i] = a.TickerStream(symbol)
	}

	if err := a.pool.ConnectCombined(ctx, names, a.handleCombinedFrame); err != nil {
		return err
	}

	a.mu.Lock()
	for _, symbol := range symbols {
		a.subs[strings.ToUpper(symbol)]++
	}
	a.mu.Unlock()
	return nil
}

// Latest returns the most recent in-memory quote for a symbol.
func (a *Adapter) Latest(symbol string) (market.Quote, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	quote, ok := a.latest[strings.ToUpper(symbol)]
	return quote, ok
}

// SubscriptionStatus describes one symbol's live subscription.
type SubscriptionStatus struct {
	Subscribers int
	LastPrice   float64
	LastUpdated time.Time
}

// Status reports the pool state plus per-symbol subscription details.
type Status struct {
	Pool          websocket.PoolStatus
	Subscriptions map[string]SubscriptionStatus
	CachedQuotes  int
}

// Status snapshots the adapter and its pool.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	subs := make(map[string]SubscriptionStatus, len(a.subs))
	for symbol, count := range a.subs {
		s := SubscriptionStatus{Subscribers: count}
		if quote, ok := a.latest[symbol]; ok {
			s.LastPrice = quote.Price
			s.LastUpdated = quote.LastUpdated
		}
		subs[symbol] = s
	}
	cached := len(a.latest)
	a.mu.Unlock()

	return Status{
		Pool:          a.pool.Status(),
		Subscriptions: subs,
		CachedQuotes:  cached,
	}
}

// singleHandler returns the frame callback for a single-stream connection,
// which carries no envelope, so the stream name is bound at registration.
func (a *Adapter) singleHandler(streamName string) websocket.MessageHandler {
	return func(data []byte) {
		a.HandleFrame(streamName, data)
	}
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// handleCombinedFrame unwraps the {stream, data} envelope used on combined
// connections and routes the payload by its inner stream name.
func (a *Adapter) handleCombinedFrame(data []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Stream == "" || len(frame.Data) == 0 {
		a.logger.Warn("dropping invalid combined-stream frame", logging.Error(err))
		return
	}
	a.HandleFrame(frame.Stream, frame.Data)
}

// HandleFrame normalizes one raw stream payload and applies it to the
// in-memory map and the cache. Unrecognized stream kinds are ignored.
func (a *Adapter) HandleFrame(streamName string, data []byte) {
	switch {
	case strings.HasSuffix(streamName, "@ticker"):
		a.handleTicker(streamName, data)
	case strings.HasSuffix(streamName, "@trade"):
		a.handleTrade(streamName, data)
	case strings.Contains(streamName, "@kline"):
		a.handleKline(streamName, data)
	}
}

type tickerPayload struct {
	LastPrice     string `json:"c"`
	PriceChange   string `json:"p"`
	PercentChange string `json:"P"`
	Volume        string `json:"v"`
	High          string `json:"h"`
	Low           string `json:"l"`
}

func (a *Adapter) handleTicker(streamName string, data []byte) {
	var payload tickerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		a.logger.Warn("dropping malformed ticker payload",
			logging.String("stream", streamName),
			logging.Error(err),
		)
		return
	}

	price, err := strconv.ParseFloat(payload.LastPrice, 64)
	if err != nil {
		a.logger.Warn("ticker payload has invalid price",
			logging.String("stream", streamName),
			logging.String("price", payload.LastPrice),
		)
		return
	}

	symbol := a.baseSymbol(streamName)
	quote := market.Quote{
		Symbol:                   symbol,
		Currency:                 a.currency,
		Price:                    price,
		PriceChange24h:           parseFloatOrZero(payload.PriceChange),
		PriceChangePercentage24h: parseFloatOrZero(payload.PercentChange),
		Volume24h:                parseFloatOrZero(payload.Volume) * price,
		High24h:                  parseFloatOrZero(payload.High),
		Low24h:                   parseFloatOrZero(payload.Low),
		LastUpdated:              time.Now().UTC(),
	}

	a.mu.Lock()
	a.latest[symbol] = quote
	a.mu.Unlock()

	a.cacheQuote(symbol, quote)
}

type tradePayload struct {
	Price string `json:"p"`
}

func (a *Adapter) handleTrade(streamName string, data []byte) {
	var payload tradePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	price, err := strconv.ParseFloat(payload.Price, 64)
	if err != nil {
		return
	}
	a.applyPrice(a.baseSymbol(streamName), price)
}

type klinePayload struct {
	Kline struct {
		Close  string `json:"c"`
		Closed bool   `json:"x"`
	} `json:"k"`
}

func (a *Adapter) handleKline(streamName string, data []byte) {
	var payload klinePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	// Only the still-open candle tracks the live price.
	if payload.Kline.Closed {
		return
	}
	price, err := strconv.ParseFloat(payload.Kline.Close, 64)
	if err != nil {
		return
	}
	a.applyPrice(a.baseSymbol(streamName), price)
}

// applyPrice performs the partial update used by trade and kline frames:
// price and timestamp change, everything else keeps its prior value. Symbols
// without a ticker-established quote are skipped.
func (a *Adapter) applyPrice(symbol string, price float64) {
	a.mu.Lock()
	quote, ok := a.latest[symbol]
	if !ok {
		a.mu.Unlock()
		return
	}
	quote.Price = price
	quote.LastUpdated = time.Now().UTC()
	a.latest[symbol] = quote
	a.mu.Unlock()

	a.cacheQuote(symbol, quote)
}

// cacheQuote mirrors a quote into the cache. Cache failures are logged, never
// propagated; the in-memory map remains authoritative.
func (a *Adapter) cacheQuote(symbol string, quote market.Quote) {
	data, err := json.Marshal(quote)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.cache.Set(ctx, cache.PriceKey(symbol, a.currency), data, cache.PriceTTL); err != nil {
		a.logger.Warn("failed to cache quote",
			logging.String("symbol", symbol),
			logging.Error(err),
		)
	}
}

// baseSymbol strips the stream-kind suffix and the pair's quote asset:
// btcusdt@ticker yields BTC.
func (a *Adapter) baseSymbol(streamName string) string {
	pair := strings.ToUpper(strings.SplitN(streamName, "@", 2)[0])
	return strings.TrimSuffix(pair, a.suffix)
}

func parseFloatOrZero(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
