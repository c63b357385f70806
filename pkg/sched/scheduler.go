// Package sched provides the periodic-job collaborator used to refresh
// popular-symbol subscriptions and cached quotes. The interface mirrors a
// job-queue backend; the in-process implementation runs jobs on tickers.
package sched

import (
	"fmt"
	"sync"
	"time"

	"github.com/veiloq/price-stream/pkg/logging"
)

// Job is the unit of scheduled work. Panics are contained by the scheduler.
type Job func()

// Scheduler registers periodic and one-shot jobs by id. Registering an id
// twice replaces the earlier job.
type Scheduler interface {
	// ScheduleRepeating runs job every interval until the scheduler stops
	// or the job is replaced.
	ScheduleRepeating(jobID string, interval time.Duration, job Job) error

	// ScheduleOnce runs job a single time, immediately. It is the fallback
	// for callers whose repeating registration failed.
	ScheduleOnce(jobID string, job Job) error

	// Stop cancels all registered jobs.
	Stop()
}

// Ticker is an in-process Scheduler backed by one goroutine per job.
type Ticker struct {
	logger logging.Logger

	mu     sync.Mutex
	cancel map[string]chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewTicker creates an in-process scheduler.
func NewTicker(logger logging.Logger) *Ticker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Ticker{
		logger: logger,
		cancel: make(map[string]chan struct{}),
	}
}

func (t *Ticker) ScheduleRepeating(jobID string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %v for job %s", interval, jobID)
	}

	stop, err := t.register(jobID)
	if err != nil {
		return err
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.run(jobID, job)
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func (t *Ticker) ScheduleOnce(jobID string, job Job) error {
	stop, err := t.register(jobID)
	if err != nil {
		return err
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-stop:
		default:
			t.run(jobID, job)
		}
	}()
	return nil
}

func (t *Ticker) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, stop := range t.cancel {
		close(stop)
	}
	t.cancel = nil
	t.mu.Unlock()

	t.wg.Wait()
}

// register claims jobID, cancelling any earlier job with the same id.
func (t *Ticker) register(jobID string) (chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("scheduler stopped, cannot register job %s", jobID)
	}
	if prev, ok := t.cancel[jobID]; ok {
		close(prev)
	}
	stop := make(chan struct{})
	t.cancel[jobID] = stop
	return stop, nil
}

func (t *Ticker) run(jobID string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("scheduled job panicked",
				logging.String("job", jobID),
				logging.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	job()
}
