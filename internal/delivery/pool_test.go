package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPoolConfig() *WorkerPoolConfig {
	return &WorkerPoolConfig{
		Size:            2,
		LaneBufferSize:  10,
		MaxRequests:     1,
		Interval:        time.Minute,
		Timeout:         time.Minute,
		JobTimeout:      time.Second,
		ShutdownTimeout: 5 * time.Second,
		MaxGoroutines:   10,
	}
}

func TestWorkerPoolRunsTasks(t *testing.T) {
	pool := NewWorkerPool(testPoolConfig(), nil)

	var count int64
	pool.Handle("count", func(_ context.Context, _ Task) error {
		atomic.AddInt64(&count, 1)
		return nil
	})
	require.NoError(t, pool.Start())
	assert.Error(t, pool.Start())

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, pool.Submit(Task{Name: "count", EntryID: i, DontFork: true}))
	}
	require.NoError(t, pool.Stop())

	assert.Equal(t, int64(5), atomic.LoadInt64(&count))
	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.TotalTasks)
	assert.Equal(t, int64(5), stats.CompletedTasks)
	assert.Equal(t, 0, stats.InFlight)
	assert.ErrorIs(t, pool.Submit(Task{Name: "count", EntryID: 9}), ErrPoolStopped)
}

func TestWorkerPoolStopsIdlePoolPromptly(t *testing.T) {
	config := testPoolConfig()
	config.ShutdownTimeout = 2 * time.Second
	pool := NewWorkerPool(config, nil)
	pool.Handle("noop", func(_ context.Context, _ Task) error { return nil })
	require.NoError(t, pool.Start())

	start := time.Now()
	require.NoError(t, pool.Stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(0), pool.Stats().ActiveWorkers)
}

func TestWorkerPoolPrefersHigherPriority(t *testing.T) {
	config := testPoolConfig()
	config.Size = 1
	pool := NewWorkerPool(config, nil)

	var mu sync.Mutex
	var order []int64
	pool.Handle("ordered", func(_ context.Context, task Task) error {
		mu.Lock()
		order = append(order, task.EntryID)
		mu.Unlock()
		return nil
	})

	require.NoError(t, pool.Submit(Task{Name: "ordered", EntryID: 1, Priority: PriorityLow, DontFork: true}))
	require.NoError(t, pool.Submit(Task{Name: "ordered", EntryID: 2, Priority: PriorityMedium, DontFork: true}))
	require.NoError(t, pool.Submit(Task{Name: "ordered", EntryID: 3, Priority: PriorityHigh, DontFork: true}))

	require.NoError(t, pool.Start())
	require.NoError(t, pool.Stop())

	assert.Equal(t, []int64{3, 2, 1}, order)
}

func TestWorkerPoolRejectsDuplicatesAndOverflow(t *testing.T) {
	config := testPoolConfig()
	config.LaneBufferSize = 1
	pool := NewWorkerPool(config, nil)
	pool.Handle("slow", func(_ context.Context, _ Task) error { return nil })

	require.NoError(t, pool.Submit(Task{Name: "slow", EntryID: 1, Priority: PriorityLow, DontFork: true}))
	assert.ErrorIs(t, pool.Submit(Task{Name: "slow", EntryID: 1, Priority: PriorityLow, DontFork: true}), ErrDuplicateTask)
	assert.ErrorIs(t, pool.Submit(Task{Name: "slow", EntryID: 2, Priority: PriorityLow, DontFork: true}), ErrPoolFull)
	assert.False(t, pool.InFlight("slow", 2), "a rejected task must not stay reserved")

	assert.ErrorIs(t, pool.Submit(Task{Name: "missing", EntryID: 3}), ErrNoHandler)

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.DuplicateTasks)
	assert.Equal(t, int64(1), stats.RejectedTasks)

	require.NoError(t, pool.Start())
	require.NoError(t, pool.Stop())
}

func TestWorkerPoolForksUnlessDontFork(t *testing.T) {
	pool := NewWorkerPool(testPoolConfig(), nil)
	done := make(chan struct{})
	pool.Handle("fork", func(_ context.Context, _ Task) error {
		close(done)
		return nil
	})

	// Not started: only a forked task can run.
	require.NoError(t, pool.Submit(Task{Name: "fork", EntryID: 1}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forked task did not run")
	}
	require.NoError(t, pool.Stop())
	assert.Equal(t, int64(1), pool.Stats().ForkedTasks)
}

func TestWorkerPoolRecoversPanicsAndFailures(t *testing.T) {
	pool := NewWorkerPool(testPoolConfig(), nil)
	pool.Handle("panic", func(_ context.Context, _ Task) error { panic("boom") })
	pool.Handle("fail", func(_ context.Context, _ Task) error { return errors.New("failed") })
	require.NoError(t, pool.Start())

	require.NoError(t, pool.Submit(Task{Name: "panic", EntryID: 1, DontFork: true}))
	require.NoError(t, pool.Submit(Task{Name: "fail", EntryID: 2, DontFork: true}))
	require.NoError(t, pool.Stop())

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.PanicCount)
	assert.Equal(t, int64(2), stats.FailedTasks)
	assert.Equal(t, 0, stats.InFlight)
}

func TestWorkerPoolJobTimeout(t *testing.T) {
	config := testPoolConfig()
	config.JobTimeout = 50 * time.Millisecond
	pool := NewWorkerPool(config, nil)

	var sawDeadline int32
	pool.Handle("wait", func(ctx context.Context, _ Task) error {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			atomic.StoreInt32(&sawDeadline, 1)
		}
		return ctx.Err()
	})
	require.NoError(t, pool.Start())
	require.NoError(t, pool.Submit(Task{Name: "wait", EntryID: 1, DontFork: true}))
	require.NoError(t, pool.Stop())

	assert.Equal(t, int32(1), atomic.LoadInt32(&sawDeadline))
}

func TestWorkerPoolHealth(t *testing.T) {
	pool := NewWorkerPool(testPoolConfig(), nil)
	assert.False(t, pool.IsHealthy())

	require.NoError(t, pool.Start())
	assert.Eventually(t, pool.IsHealthy, time.Second, 10*time.Millisecond)

	require.NoError(t, pool.Stop())
	assert.False(t, pool.IsHealthy())
}

func TestParsePriority(t *testing.T) {
	for in, want := range map[string]Priority{"high": PriorityHigh, "medium": PriorityMedium, "low": PriorityLow} {
		got, err := ParsePriority(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, in, got.String())
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}
