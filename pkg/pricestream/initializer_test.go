package pricestream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/price-stream/pkg/logging"
	"github.com/veiloq/price-stream/pkg/sched"
)

func TestRunSubscribesInBatches(t *testing.T) {
	mock, adapter := newStreamFixture(t)

	symbols := []string{
		"BTC", "ETH", "BNB", "SOL", "XRP",
		"ADA", "DOGE", "SHIB", "MATIC", "DOT",
		"AVAX", "LTC",
	}
	init := NewInitializer(InitializerConfig{
		Adapter:    adapter,
		Logger:     logging.NewNop(),
		Symbols:    symbols,
		BatchSize:  5,
		BatchDelay: 10 * time.Millisecond,
	})

	result := init.Run(context.Background())
	assert.True(t, result.Succeeded())
	assert.Equal(t, 12, result.TotalSymbols)
	assert.Equal(t, 3, result.TotalBatches)
	assert.Equal(t, 3, mock.ConnectionCount())

	status := adapter.Status()
	assert.Len(t, status.Subscriptions, 12)
}

func TestRunContinuesPastFailedBatch(t *testing.T) {
	mock, adapter := newStreamFixture(t)
	mock.RejectStream("ethusdt@ticker", true)

	init := NewInitializer(InitializerConfig{
		Adapter:    adapter,
		Logger:     logging.NewNop(),
		Symbols:    []string{"ETH", "BTC"},
		BatchSize:  1,
		BatchDelay: 10 * time.Millisecond,
	})

	result := init.Run(context.Background())
	assert.False(t, result.Succeeded())
	assert.Equal(t, 1, result.FailedBatches)
	assert.Equal(t, []string{"ETH"}, result.FailedSymbols)

	// The batch after the failure still connects.
	status := adapter.Status()
	_, ok := status.Subscriptions["BTC"]
	assert.True(t, ok)
}

func TestStartRunsDetached(t *testing.T) {
	_, adapter := newStreamFixture(t)

	init := NewInitializer(InitializerConfig{
		Adapter:    adapter,
		Logger:     logging.NewNop(),
		Symbols:    []string{"BTC"},
		BatchSize:  10,
		BatchDelay: 10 * time.Millisecond,
	})

	select {
	case result := <-init.Start(context.Background()):
		assert.True(t, result.Succeeded())
	case <-time.After(3 * time.Second):
		t.Fatal("warm-up did not complete")
	}
}

func TestCancelledRunReportsRemainingBatches(t *testing.T) {
	_, adapter := newStreamFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	init := NewInitializer(InitializerConfig{
		Adapter:    adapter,
		Logger:     logging.NewNop(),
		Symbols:    []string{"BTC", "ETH", "BNB"},
		BatchSize:  1,
		BatchDelay: time.Hour,
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	result := init.Run(ctx)
	assert.False(t, result.Succeeded())
	assert.Equal(t, 2, result.FailedBatches)
}

func TestRefreshJobRegisteredAfterRun(t *testing.T) {
	_, adapter := newStreamFixture(t)
	adapter.HandleFrame("btcusdt@ticker", []byte(btcTicker))

	scheduler := sched.NewTicker(logging.NewNop())
	defer scheduler.Stop()

	lookup := NewLookup(LookupConfig{
		Adapter: adapter,
		Logger:  logging.NewNop(),
	})
	init := NewInitializer(InitializerConfig{
		Adapter:    adapter,
		Logger:     logging.NewNop(),
		Symbols:    []string{"BTC"},
		BatchSize:  10,
		BatchDelay: 10 * time.Millisecond,
		Scheduler:  scheduler,
		Lookup:     lookup,
	})

	result := init.Run(context.Background())
	require.True(t, result.Succeeded())
	// Registering again under the same job id replaces the initializer's
	// refresh job, proving it was registered.
	require.NoError(t, scheduler.ScheduleOnce(refreshJobID, func() {}))
}
