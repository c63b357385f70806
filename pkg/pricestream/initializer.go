package pricestream

import (
	"context"
	"time"

	"github.com/veiloq/price-stream/pkg/logging"
	"github.com/veiloq/price-stream/pkg/sched"
)

// PopularSymbols is the default watch-list warmed at startup so price queries
// for the majors are served from the stream immediately.
var PopularSymbols = []string{
	"BTC", "ETH", "BNB", "SOL", "XRP",
	"ADA", "DOGE", "SHIB", "MATIC", "DOT",
	"AVAX", "LTC", "LINK", "UNI", "ATOM",
}

const (
	defaultInitBatchSize  = 10
	defaultInitBatchDelay = 2 * time.Second

	refreshJobID    = "popular-symbol-refresh"
	refreshInterval = time.Minute
)

// InitializerConfig configures the startup subscription warm-up.
type InitializerConfig struct {
	Adapter *Adapter
	Logger  logging.Logger

	// Symbols to warm. Defaults to PopularSymbols.
	Symbols []string

	// BatchSize is the number of symbols per combined subscription.
	BatchSize int

	// BatchDelay is the pause between batches. It doubles after a failed
	// batch to back away from connection-rate limits.
	BatchDelay time.Duration

	// Scheduler, when set, re-resolves the watch-list quotes periodically.
	Scheduler sched.Scheduler

	// Lookup is required when Scheduler is set; refresh jobs run through it.
	Lookup *Lookup
}

// InitResult aggregates the outcome of one warm-up run.
type InitResult struct {
	TotalSymbols  int
	TotalBatches  int
	FailedBatches int
	FailedSymbols []string
}

// Succeeded reports whether every batch connected.
func (r InitResult) Succeeded() bool { return r.FailedBatches == 0 }

// Initializer subscribes the watch-list in staggered batches at startup and
// optionally keeps the quotes fresh through the scheduler.
type Initializer struct {
	adapter    *Adapter
	logger     logging.Logger
	symbols    []string
	batchSize  int
	batchDelay time.Duration
	scheduler  sched.Scheduler
	lookup     *Lookup
}

// NewInitializer creates the warm-up runner.
func NewInitializer(cfg InitializerConfig) *Initializer {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = PopularSymbols
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultInitBatchSize
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = defaultInitBatchDelay
	}
	return &Initializer{
		adapter:    cfg.Adapter,
		logger:     cfg.Logger,
		symbols:    cfg.Symbols,
		batchSize:  cfg.BatchSize,
		batchDelay: cfg.BatchDelay,
		scheduler:  cfg.Scheduler,
		lookup:     cfg.Lookup,
	}
}

// Start runs the warm-up detached so application startup never blocks on it.
// The returned channel delivers the result once the run completes.
func (i *Initializer) Start(ctx context.Context) <-chan InitResult {
	done := make(chan InitResult, 1)
	go func() {
		done <- i.Run(ctx)
	}()
	return done
}

// Run subscribes the watch-list in staggered batches and reports aggregate
// counts. A failed batch doubles the stagger delay but does not stop the run.
func (i *Initializer) Run(ctx context.Context) InitResult {
	batches := splitBatches(i.symbols, i.batchSize)
	result := InitResult{TotalSymbols: len(i.symbols), TotalBatches: len(batches)}
	delay := i.batchDelay

	i.logger.Info("warming popular symbol subscriptions",
		logging.Int("symbols", len(i.symbols)),
		logging.Int("batches", len(batches)),
	)

	for n, batch := range batches {
		if err := i.adapter.SubscribeBatch(ctx, batch); err != nil {
			result.FailedBatches++
			result.FailedSymbols = append(result.FailedSymbols, batch...)
			delay *= 2
			i.logger.Warn("subscription batch failed",
				logging.Int("batch", n+1),
				logging.Duration("nextDelay", delay),
				logging.Error(err),
			)
		}

		if n < len(batches)-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				result.FailedBatches += len(batches) - n - 1
				for _, rest := range batches[n+1:] {
					result.FailedSymbols = append(result.FailedSymbols, rest...)
				}
				i.logger.Warn("warm-up cancelled", logging.Error(ctx.Err()))
				return result
			}
		}
	}

	i.logger.Info("warm-up complete",
		logging.Int("symbols", result.TotalSymbols),
		logging.Int("failedBatches", result.FailedBatches),
	)

	i.scheduleRefresh()
	return result
}

// scheduleRefresh registers the periodic re-resolution of watch-list quotes.
// A failed repeating registration degrades to a one-shot refresh.
func (i *Initializer) scheduleRefresh() {
	if i.scheduler == nil || i.lookup == nil {
		return
	}

	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()
		for _, symbol := range i.symbols {
			i.lookup.RefreshPrice(ctx, symbol, i.adapter.QuoteCurrency())
		}
	}

	if err := i.scheduler.ScheduleRepeating(refreshJobID, refreshInterval, refresh); err != nil {
		i.logger.Warn("repeating refresh registration failed, falling back to one-shot",
			logging.Error(err),
		)
		if err := i.scheduler.ScheduleOnce(refreshJobID, refresh); err != nil {
			i.logger.Error("one-shot refresh registration failed", logging.Error(err))
		}
	}
}

func splitBatches(symbols []string, size int) [][]string {
	var batches [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		batches = append(batches, symbols[start:end])
	}
	return batches
}
