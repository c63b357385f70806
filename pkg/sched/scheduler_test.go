package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veiloq/price-stream/pkg/logging"
)

func TestScheduleRepeating(t *testing.T) {
	s := NewTicker(logging.NewNop())
	defer s.Stop()

	var runs atomic.Int32
	require.NoError(t, s.ScheduleRepeating("job", 10*time.Millisecond, func() {
		runs.Add(1)
	}))

	assert.Eventually(t, func() bool { return runs.Load() >= 3 },
		time.Second, 5*time.Millisecond)
}

func TestScheduleOnce(t *testing.T) {
	s := NewTicker(logging.NewNop())
	defer s.Stop()

	var runs atomic.Int32
	require.NoError(t, s.ScheduleOnce("job", func() { runs.Add(1) }))

	assert.Eventually(t, func() bool { return runs.Load() == 1 },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestReplaceJobCancelsPrevious(t *testing.T) {
	s := NewTicker(logging.NewNop())
	defer s.Stop()

	var first, second atomic.Int32
	require.NoError(t, s.ScheduleRepeating("job", 10*time.Millisecond, func() { first.Add(1) }))
	require.NoError(t, s.ScheduleRepeating("job", 10*time.Millisecond, func() { second.Add(1) }))

	assert.Eventually(t, func() bool { return second.Load() >= 2 },
		time.Second, 5*time.Millisecond)
	before := first.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, first.Load())
}

func TestStopRejectsNewJobs(t *testing.T) {
	s := NewTicker(logging.NewNop())
	s.Stop()

	err := s.ScheduleRepeating("late", time.Millisecond, func() {})
	require.Error(t, err)
}

func TestJobPanicIsContained(t *testing.T) {
	s := NewTicker(logging.NewNop())
	defer s.Stop()

	var runs atomic.Int32
	require.NoError(t, s.ScheduleRepeating("panicky", 10*time.Millisecond, func() {
		runs.Add(1)
		panic("boom")
	}))

	assert.Eventually(t, func() bool { return runs.Load() >= 2 },
		time.Second, 5*time.Millisecond)
}

func TestInvalidInterval(t *testing.T) {
	s := NewTicker(logging.NewNop())
	defer s.Stop()

	require.Error(t, s.ScheduleRepeating("bad", 0, func() {}))
}
