package websocket

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/price-stream/pkg/logging"
)

func newTestPool(t *testing.T, mock *MockServer, mutate func(*Config)) *Pool {
	t.Helper()
	cfg := mock.PoolConfig()
	cfg.Logger = logging.NewNop()
	if mutate != nil {
		mutate(&cfg)
	}
	p := NewPool(cfg)
	t.Cleanup(p.DisconnectAll)
	return p
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestIdempotentSubscribe(t *testing.T) {
	mock := setupMockServer(t)
	pool := newTestPool(t, mock, nil)

	var mu sync.Mutex
	var firstHits, secondHits int

	ctx := context.Background()
	require.NoError(t, pool.ConnectSingle(ctx, "btcusdt@ticker", func([]byte) {
		mu.Lock()
		firstHits++
		mu.Unlock()
	}))
	require.NoError(t, pool.ConnectSingle(ctx, "btcusdt@ticker", func([]byte) {
		mu.Lock()
		secondHits++
		mu.Unlock()
	}))

	// One physical connection serves both subscribers.
	assert.Equal(t, 1, mock.ConnectionCount())
	assert.Len(t, pool.Status().Streams, 1)

	mock.Broadcast("btcusdt@ticker", []byte(`{"c":"50000"}`))

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstHits == 1 && secondHits == 1
	}, "both registered callbacks must receive the frame")
}

func TestConcurrentSameStreamDialsOnce(t *testing.T) {
	mock := setupMockServer(t)
	mock.SetHandshakeDelay(150 * time.Millisecond)
	pool := newTestPool(t, mock, nil)

	// All callers race through enqueue before any record exists; the first
	// to claim the identifier dials, everyone else must join its session.
	const callers = 8
	ctx := context.Background()
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			errs <- pool.ConnectSingle(ctx, "btcusdt@ticker", func([]byte) {})
		}()
	}
	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}

	assert.Equal(t, 1, mock.ConnectionCount())
	assert.Len(t, pool.Status().Streams, 1)
}

func TestBatchConcurrencyBound(t *testing.T) {
	mock := setupMockServer(t)
	mock.SetHandshakeDelay(150 * time.Millisecond)
	pool := newTestPool(t, mock, func(c *Config) {
		c.MaxConcurrent = 3
	})

	streams := []string{
		"btcusdt@ticker", "ethusdt@ticker", "bnbusdt@ticker",
		"solusdt@ticker", "xrpusdt@ticker", "adausdt@ticker",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(streams))
	for _, name := range streams {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			errs <- pool.ConnectSingle(ctx, name, func([]byte) {})
		}(name)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, len(streams), mock.ConnectionCount())
	assert.LessOrEqual(t, mock.PeakInFlight(), 3,
		"no more than maxConcurrent connection attempts may be in flight")
}

func TestBatchFailureIsolation(t *testing.T) {
	mock := setupMockServer(t)
	mock.RejectStream("badusdt@ticker", true)
	pool := newTestPool(t, mock, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var goodErr, badErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		goodErr = pool.ConnectSingle(ctx, "btcusdt@ticker", func([]byte) {})
	}()
	go func() {
		defer wg.Done()
		badErr = pool.ConnectSingle(ctx, "badusdt@ticker", func([]byte) {})
	}()
	wg.Wait()

	require.NoError(t, goodErr)
	require.Error(t, badErr)

	// The queue keeps processing after a failed task.
	require.NoError(t, pool.ConnectSingle(ctx, "ethusdt@ticker", func([]byte) {}))
}

func TestCombinedStreamEnvelope(t *testing.T) {
	mock := setupMockServer(t)
	pool := newTestPool(t, mock, nil)

	received := make(chan []byte, 1)
	ctx := context.Background()
	require.NoError(t, pool.ConnectCombined(ctx,
		[]string{"btcusdt@ticker", "ethusdt@ticker"},
		func(data []byte) { received <- data },
	))
	assert.Equal(t, 1, mock.ConnectionCount())

	mock.Broadcast("ethusdt@ticker", []byte(`{"c":"3000"}`))

	select {
	case data := <-received:
		assert.Contains(t, string(data), `"stream":"ethusdt@ticker"`)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for combined frame")
	}
}

func TestCombinedGroupSplitting(t *testing.T) {
	mock := setupMockServer(t)
	pool := newTestPool(t, mock, func(c *Config) {
		c.MaxStreamsPerConnection = 25
	})

	names := make([]string, 60)
	for i := range names {
		names[i] = fmt.Sprintf("sym%dusdt@ticker", i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, pool.ConnectCombined(ctx, names, func([]byte) {}))

	// 60 streams with a 25-per-connection cap yield exactly 3 groups.
	assert.Equal(t, 3, mock.ConnectionCount())
	assert.Len(t, pool.Status().Streams, 3)
}

func TestReconnectAfterDrop(t *testing.T) {
	mock := setupMockServer(t)
	pool := newTestPool(t, mock, nil)

	ctx := context.Background()
	require.NoError(t, pool.ConnectSingle(ctx, "btcusdt@ticker", func([]byte) {}))
	require.Equal(t, 1, mock.ConnectionCount())

	mock.DropAll()

	eventually(t, 3*time.Second, func() bool {
		return mock.ConnectionCount() >= 2
	}, "pool must redial the dropped stream")

	eventually(t, 3*time.Second, func() bool {
		st, ok := pool.Status().Streams["btcusdt@ticker"]
		return ok && st.Alive
	}, "reconnected stream must be alive again")
}

func TestReconnectExhaustionDeletesRecord(t *testing.T) {
	mock := setupMockServer(t)
	pool := newTestPool(t, mock, func(c *Config) {
		c.MaxReconnectAttempts = 2
		c.ReconnectInterval = 20 * time.Millisecond
	})

	ctx := context.Background()
	require.NoError(t, pool.ConnectSingle(ctx, "btcusdt@ticker", func([]byte) {}))

	// Every redial now fails; after the budget is spent the record must go.
	mock.RejectStream("btcusdt@ticker", true)
	mock.DropAll()

	eventually(t, 5*time.Second, func() bool {
		_, ok := pool.Status().Streams["btcusdt@ticker"]
		return !ok
	}, "record must be deleted after exhausting reconnect attempts")
}

func TestQuotaBackoffRequeues(t *testing.T) {
	mock := setupMockServer(t)
	mock.SetRejectStatus(429)
	pool := newTestPool(t, mock, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- pool.ConnectSingle(ctx, "btcusdt@ticker", func([]byte) {})
	}()

	// While throttled the ceiling is halved and the task stays queued.
	time.Sleep(100 * time.Millisecond)
	mock.SetRejectStatus(0)

	require.NoError(t, <-done)
	assert.Equal(t, 1, mock.ActiveConnections())

	// After the recovery window the default ceiling is restored.
	eventually(t, 2*time.Second, func() bool {
		return pool.MaxConcurrent() == pool.cfg.MaxConcurrent
	}, "quota recovery must restore the configured concurrency")
}

func TestDisconnectIdempotent(t *testing.T) {
	mock := setupMockServer(t)
	pool := newTestPool(t, mock, nil)

	require.NoError(t, pool.ConnectSingle(context.Background(), "btcusdt@ticker", func([]byte) {}))
	pool.Disconnect("btcusdt@ticker")
	pool.Disconnect("btcusdt@ticker") // no-op
	pool.Disconnect("never@ticker")   // unknown: no-op

	assert.Empty(t, pool.Status().Streams)
	eventually(t, 2*time.Second, func() bool {
		return mock.ActiveConnections() == 0
	}, "explicit disconnect must close the socket")
}

func TestDisconnectAllDrainsPending(t *testing.T) {
	mock := setupMockServer(t)
	mock.SetHandshakeDelay(300 * time.Millisecond)
	pool := newTestPool(t, mock, func(c *Config) {
		c.MaxConcurrent = 1
	})

	ctx := context.Background()
	const n = 6
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("pend%dusdt@ticker", i)
		go func(name string) {
			errs <- pool.ConnectSingle(ctx, name, func([]byte) {})
		}(name)
	}

	// Let the first attempt start and the rest pile up in the queue.
	time.Sleep(100 * time.Millisecond)
	pool.DisconnectAll()

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrPoolClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("pending task left unresolved by DisconnectAll")
		}
	}
	assert.Empty(t, pool.Status().Streams)

	// The pool accepts no further work.
	err := pool.ConnectSingle(ctx, "late@ticker", func([]byte) {})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestMonitorRepairsUnhealthyRecord(t *testing.T) {
	mock := setupMockServer(t)
	pool := newTestPool(t, mock, nil)

	handled := make(chan struct{}, 1)
	h := MessageHandler(func([]byte) {
		select {
		case handled <- struct{}{}:
		default:
		}
	})

	// Plant a record with no session, as the monitor would find after a
	// half-open connection died without an orderly close.
	stale := newTask(KindSingle, "btcusdt@ticker", nil, nil)
	pool.mu.Lock()
	pool.conns[stale.id] = &connRecord{task: stale}
	pool.mu.Unlock()
	pool.router.set(stale.id, []MessageHandler{h})

	require.Equal(t, 1, pool.repairUnhealthy())

	eventually(t, 3*time.Second, func() bool {
		st, ok := pool.Status().Streams["btcusdt@ticker"]
		return ok && st.Alive
	}, "monitor must re-establish the unhealthy stream")

	// The previously registered callback survived the repair.
	mock.Broadcast("btcusdt@ticker", []byte(`{"c":"1"}`))
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("restored callback did not fire")
	}
}

func TestElasticPoolSizing(t *testing.T) {
	pool := NewPool(Config{
		MaxConnections: 50,
		MaxConcurrent:  20,
		Logger:         logging.NewNop(),
	})

	// Backlogged queue with a mostly idle pool scales up by 1.5x.
	pool.mu.Lock()
	for i := 0; i < queueBacklogThreshold+1; i++ {
		pool.queue = append(pool.queue, newTask(KindSingle, "s@ticker", nil, nil))
	}
	pool.mu.Unlock()
	pool.optimizePoolSize()
	assert.Equal(t, 30, pool.MaxConcurrent())

	// Empty queue and a nearly empty pool scales down by 0.8x.
	pool.mu.Lock()
	pool.queue = nil
	pool.mu.Unlock()
	pool.optimizePoolSize()
	assert.Equal(t, 24, pool.MaxConcurrent())

	// Quota halving clamps at its floor; restore returns to the default.
	pool.mu.Lock()
	pool.maxConcurrent = 8
	pool.halveForQuotaLocked()
	assert.Equal(t, quotaFloor, pool.maxConcurrent)
	pool.restoreDefaultLocked()
	assert.Equal(t, 20, pool.maxConcurrent)
	pool.mu.Unlock()
}
