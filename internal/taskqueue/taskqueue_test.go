package taskqueue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/scenelink/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func noWatchdog(workers int) Config {
	return Config{Workers: workers}
}

func TestSingleWorkerRunsInSubmissionOrder(t *testing.T) {
	testlog.Start(t)
	q := New(noWatchdog(1))

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, q.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	q.Stop()

	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
	require.Equal(t, uint64(100), q.Stats().Executed)
}

func TestWorkersDrainConcurrently(t *testing.T) {
	testlog.Start(t)
	q := New(noWatchdog(3))
	defer q.Stop()

	var inside atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Submit(func() {
			inside.Add(1)
			<-release
		}))
	}
	require.Eventually(t, func() bool { return inside.Load() == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int64(3), q.Stats().Running)
	close(release)
}

func TestSubmitAfterStopFails(t *testing.T) {
	testlog.Start(t)
	q := New(noWatchdog(2))
	q.Stop()
	q.Stop()
	require.True(t, errors.Is(q.Submit(func() {}), ErrStopped))
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	testlog.Start(t)
	q := New(noWatchdog(1))
	require.NoError(t, q.Submit(func() { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, q.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not survive panic")
	}
	q.Stop()
	require.Equal(t, uint64(2), q.Stats().Executed)
}

type hooks struct {
	registered   atomic.Int32
	alive        atomic.Int32
	unregistered atomic.Int32
}

func (h *hooks) RegisterWorker(int)   { h.registered.Add(1) }
func (h *hooks) NotifyAlive(int)      { h.alive.Add(1) }
func (h *hooks) UnregisterWorker(int) { h.unregistered.Add(1) }

func TestWatchdogReportsStallOnce(t *testing.T) {
	testlog.Start(t)
	reports := make(chan StallReport, 8)
	h := &hooks{}
	q := New(Config{
		Workers: 2,
		Watchdog: WatchdogConfig{
			Timeout:       50 * time.Millisecond,
			CheckInterval: 10 * time.Millisecond,
			OnStall:       func(r StallReport) { reports <- r },
			Notification:  h,
		},
	})

	release := make(chan struct{})
	require.NoError(t, q.Submit(func() { <-release }))

	var report StallReport
	select {
	case report = <-reports:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected stall report")
	}
	require.True(t, report.Busy)
	require.ErrorIs(t, report, ErrWatchdogStall)
	require.GreaterOrEqual(t, report.Silent, 50*time.Millisecond)

	// The stalled worker must not be reported again while still stuck.
	time.Sleep(100 * time.Millisecond)
	require.Len(t, reports, 0)

	close(release)
	q.Stop()
	require.Equal(t, int32(2), h.registered.Load())
	require.Equal(t, int32(2), h.unregistered.Load())
	require.Positive(t, h.alive.Load())
	require.Equal(t, uint64(1), q.Stats().Stalls)
}

func TestIdleWorkersAreNotReported(t *testing.T) {
	testlog.Start(t)
	var stalls atomic.Int32
	q := New(Config{
		Workers: 3,
		Watchdog: WatchdogConfig{
			Timeout:       60 * time.Millisecond,
			CheckInterval: 10 * time.Millisecond,
			OnStall:       func(StallReport) { stalls.Add(1) },
		},
	})
	time.Sleep(250 * time.Millisecond)
	q.Stop()
	require.Zero(t, stalls.Load())
}
