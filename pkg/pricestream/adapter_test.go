package pricestream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/price-stream/pkg/cache"
	"github.com/veiloq/price-stream/pkg/logging"
	"github.com/veiloq/price-stream/pkg/market"
	"github.com/veiloq/price-stream/pkg/websocket"
)

const btcTicker = `{"c":"52100.5","p":"1200.25","P":"2.36","v":"10000","h":"53000","l":"50800"}`

func newStreamFixture(t *testing.T) (*websocket.MockServer, *Adapter) {
	t.Helper()
	mock := websocket.NewMockServer()
	t.Cleanup(mock.Close)

	cfg := mock.PoolConfig()
	cfg.Logger = logging.NewNop()
	pool := websocket.NewPool(cfg)
	t.Cleanup(pool.DisconnectAll)

	adapter := NewAdapter(AdapterConfig{
		Pool:   pool,
		Cache:  cache.NewMemory(),
		Logger: logging.NewNop(),
	})
	return mock, adapter
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTickerFullOverwrite(t *testing.T) {
	mock, adapter := newStreamFixture(t)
	ctx := context.Background()

	require.NoError(t, adapter.Subscribe(ctx, "BTC"))
	mock.Broadcast("btcusdt@ticker", []byte(btcTicker))

	eventually(t, func() bool {
		_, ok := adapter.Latest("BTC")
		return ok
	}, "ticker frame never reached the adapter")

	quote, _ := adapter.Latest("BTC")
	assert.Equal(t, "BTC", quote.Symbol)
	assert.Equal(t, "USD", quote.Currency)
	assert.Equal(t, 52100.5, quote.Price)
	assert.Equal(t, 1200.25, quote.PriceChange24h)
	assert.Equal(t, 2.36, quote.PriceChangePercentage24h)
	assert.Equal(t, 10000*52100.5, quote.Volume24h)
	assert.Equal(t, 53000.0, quote.High24h)
	assert.Equal(t, 50800.0, quote.Low24h)
	assert.False(t, quote.LastUpdated.IsZero())
}

func TestTickerWritesThroughToCache(t *testing.T) {
	mock, adapter := newStreamFixture(t)
	ctx := context.Background()

	require.NoError(t, adapter.Subscribe(ctx, "BTC"))
	mock.Broadcast("btcusdt@ticker", []byte(btcTicker))

	eventually(t, func() bool {
		_, ok, _ := adapter.cache.Get(ctx, cache.PriceKey("BTC", "USD"))
		return ok
	}, "quote never mirrored into the cache")

	data, _, err := adapter.cache.Get(ctx, cache.PriceKey("BTC", "USD"))
	require.NoError(t, err)
	var cached market.Quote
	require.NoError(t, json.Unmarshal(data, &cached))
	assert.Equal(t, 52100.5, cached.Price)
}

func TestTradeUpdatesPriceOnly(t *testing.T) {
	_, adapter := newStreamFixture(t)

	adapter.HandleFrame("btcusdt@ticker", []byte(btcTicker))
	adapter.HandleFrame("btcusdt@trade", []byte(`{"p":"52200.0"}`))

	quote, ok := adapter.Latest("BTC")
	require.True(t, ok)
	assert.Equal(t, 52200.0, quote.Price)
	// Other fields keep the values the ticker established.
	assert.Equal(t, 53000.0, quote.High24h)
	assert.Equal(t, 2.36, quote.PriceChangePercentage24h)
}

func TestTradeWithoutPriorTickerIsIgnored(t *testing.T) {
	_, adapter := newStreamFixture(t)

	adapter.HandleFrame("ethusdt@trade", []byte(`{"p":"2000.0"}`))
	_, ok := adapter.Latest("ETH")
	assert.False(t, ok)
}

func TestOpenKlineUpdatesPrice(t *testing.T) {
	_, adapter := newStreamFixture(t)

	adapter.HandleFrame("btcusdt@ticker", []byte(btcTicker))
	adapter.HandleFrame("btcusdt@kline_1m", []byte(`{"k":{"c":"52300.0","x":false}}`))

	quote, _ := adapter.Latest("BTC")
	assert.Equal(t, 52300.0, quote.Price)
}

func TestClosedKlineIsIgnored(t *testing.T) {
	_, adapter := newStreamFixture(t)

	adapter.HandleFrame("btcusdt@ticker", []byte(btcTicker))
	adapter.HandleFrame("btcusdt@kline_1m", []byte(`{"k":{"c":"99999.0","x":true}}`))

	quote, _ := adapter.Latest("BTC")
	assert.Equal(t, 52100.5, quote.Price)
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	_, adapter := newStreamFixture(t)

	adapter.HandleFrame("btcusdt@ticker", []byte(`{"c":"not-a-number"}`))
	_, ok := adapter.Latest("BTC")
	assert.False(t, ok)
}

func TestCombinedEnvelopeRouting(t *testing.T) {
	_, adapter := newStreamFixture(t)

	frame := []byte(`{"stream":"ethusdt@ticker","data":{"c":"2000","p":"10","P":"0.5","v":"5","h":"2100","l":"1900"}}`)
	adapter.handleCombinedFrame(frame)

	quote, ok := adapter.Latest("ETH")
	require.True(t, ok)
	assert.Equal(t, 2000.0, quote.Price)
}

func TestSubscribeIsReferenceCounted(t *testing.T) {
	mock, adapter := newStreamFixture(t)
	ctx := context.Background()

	require.NoError(t, adapter.Subscribe(ctx, "BTC"))
	require.NoError(t, adapter.Subscribe(ctx, "BTC"))
	assert.Equal(t, 1, mock.ConnectionCount())

	adapter.Unsubscribe("BTC")
	status := adapter.Status()
	assert.Equal(t, 1, status.Subscriptions["BTC"].Subscribers)

	adapter.Unsubscribe("BTC")
	status = adapter.Status()
	_, present := status.Subscriptions["BTC"]
	assert.False(t, present)
	assert.Empty(t, status.Pool.Streams)
}

func TestConcurrentFirstSubscribersShareOneStream(t *testing.T) {
	mock, adapter := newStreamFixture(t)
	mock.SetHandshakeDelay(100 * time.Millisecond)
	ctx := context.Background()

	// Racing first subscribers: one claims the symbol and dials, the rest
	// wait for it and join, so only one handler is ever registered.
	const subscribers = 6
	errs := make(chan error, subscribers)
	for i := 0; i < subscribers; i++ {
		go func() {
			errs <- adapter.Subscribe(ctx, "BTC")
		}()
	}
	for i := 0; i < subscribers; i++ {
		require.NoError(t, <-errs)
	}

	assert.Equal(t, 1, mock.ConnectionCount())
	status := adapter.Status()
	assert.Equal(t, subscribers, status.Subscriptions["BTC"].Subscribers)
}

func TestSubscribeBatchDeliversQuotes(t *testing.T) {
	mock, adapter := newStreamFixture(t)
	ctx := context.Background()

	require.NoError(t, adapter.SubscribeBatch(ctx, []string{"BTC", "ETH"}))
	assert.Equal(t, 1, mock.ConnectionCount())

	mock.Broadcast("btcusdt@ticker", []byte(btcTicker))
	eventually(t, func() bool {
		_, ok := adapter.Latest("BTC")
		return ok
	}, "combined ticker frame never reached the adapter")
}

func TestBaseSymbolStripsQuoteAsset(t *testing.T) {
	_, adapter := newStreamFixture(t)
	assert.Equal(t, "BTC", adapter.baseSymbol("btcusdt@ticker"))
	assert.Equal(t, "SHIB", adapter.baseSymbol("shibusdt@kline_1m"))
}
