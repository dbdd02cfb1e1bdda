package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// Task is one unit of work for the job system.
type Task struct {
	ID        string
	Name      string
	EntryID   int64
	Priority  Priority
	DontFork  bool // run on a pool worker instead of a dedicated goroutine
	Submitted time.Time
}

func (t Task) key() string {
	return t.Name + ":" + strconv.FormatInt(t.EntryID, 10)
}

// Handler executes tasks of one name.
type Handler func(ctx context.Context, task Task) error

// Submitter accepts tasks without waiting for them.
type Submitter interface {
	Submit(task Task) error
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(task Task) error

// Submit implements Submitter
func (f SubmitterFunc) Submit(task Task) error { return f(task) }

// Pool errors
var (
	ErrPoolFull      = errors.New("queue worker pool is full")
	ErrPoolStopped   = errors.New("queue worker pool is shutting down")
	ErrDuplicateTask = errors.New("task for this entry is already in flight")
	ErrNoHandler     = errors.New("no handler registered for task")
)

// WorkerPoolConfig configures the worker pool behavior
type WorkerPoolConfig struct {
	Size               int
	LaneBufferSize     int
	CircuitBreakerName string
	MaxRequests        uint32
	Interval           time.Duration
	Timeout            time.Duration
	JobTimeout         time.Duration
	ShutdownTimeout    time.Duration
	MaxGoroutines      int32
}

// DefaultWorkerPoolConfig returns a sensible default configuration
func DefaultWorkerPoolConfig() *WorkerPoolConfig {
	return &WorkerPoolConfig{
		Size:               10,
		LaneBufferSize:     1000,
		CircuitBreakerName: "queue-worker",
		MaxRequests:        10,
		Interval:           time.Minute,
		Timeout:            30 * time.Second,
		JobTimeout:         2 * time.Minute,
		ShutdownTimeout:    time.Minute,
		MaxGoroutines:      200,
	}
}

// WorkerPoolStats tracks worker pool counters
type WorkerPoolStats struct {
	TotalTasks          int64  `json:"total_tasks"`
	CompletedTasks      int64  `json:"completed_tasks"`
	FailedTasks         int64  `json:"failed_tasks"`
	RejectedTasks       int64  `json:"rejected_tasks"`
	DuplicateTasks      int64  `json:"duplicate_tasks"`
	ForkedTasks         int64  `json:"forked_tasks"`
	PanicCount          int64  `json:"panic_count"`
	ActiveWorkers       int32  `json:"active_workers"`
	QueuedTasks         int32  `json:"queued_tasks"`
	GoroutineCount      int32  `json:"goroutine_count"`
	InFlight            int    `json:"in_flight"`
	CircuitBreakerState string `json:"circuit_breaker_state"`
}

// WorkerPool is the in-process job system. Tasks are queued in three
// priority lanes; at most one task per (name, entry id) is in flight at
// any time.
type WorkerPool struct {
	config         *WorkerPoolConfig
	lanes          [3]chan Task
	laneMu         sync.RWMutex
	handlers       map[string]Handler
	inflightMu     sync.Mutex
	inflight       map[string]struct{}
	ctx            context.Context
	cancel         context.CancelFunc
	errGroup       *errgroup.Group
	forks          sync.WaitGroup
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *slog.Logger
	stats          WorkerPoolStats
	started        int32
	shutdown       int32
}

// NewWorkerPool creates a new worker pool with the given configuration
func NewWorkerPool(config *WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	if config == nil {
		config = DefaultWorkerPoolConfig()
	}
	if config.Size <= 0 {
		config.Size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	wp := &WorkerPool{
		config:   config,
		handlers: make(map[string]Handler),
		inflight: make(map[string]struct{}),
		ctx:      gctx,
		cancel:   cancel,
		errGroup: g,
		logger:   logger.With("component", "worker-pool"),
	}
	for i := range wp.lanes {
		wp.lanes[i] = make(chan Task, config.LaneBufferSize)
	}

	wp.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.CircuitBreakerName,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			wp.logger.Info("circuit_breaker_state_changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return wp
}

// Handle registers the handler for tasks named name. Handlers must be
// registered before Start.
func (wp *WorkerPool) Handle(name string, h Handler) {
	wp.handlers[name] = h
}

// Start launches the workers.
func (wp *WorkerPool) Start() error {
	if !atomic.CompareAndSwapInt32(&wp.started, 0, 1) {
		return errors.New("worker pool already started")
	}

	wp.logger.Info("worker_pool_starting",
		"size", wp.config.Size,
		"lane_buffer", wp.config.LaneBufferSize,
		"max_goroutines", wp.config.MaxGoroutines,
		"job_timeout", wp.config.JobTimeout,
	)

	for i := 0; i < wp.config.Size; i++ {
		workerID := i
		wp.errGroup.Go(func() error {
			return wp.worker(workerID)
		})
	}
	return nil
}

// Stop stops accepting tasks and waits for queued and running tasks to
// finish, up to the shutdown timeout.
func (wp *WorkerPool) Stop() error {
	if !atomic.CompareAndSwapInt32(&wp.shutdown, 0, 1) {
		return nil
	}
	wp.logger.Info("worker_pool_stopping", "queued", atomic.LoadInt32(&wp.stats.QueuedTasks))

	wp.laneMu.Lock()
	for _, lane := range wp.lanes {
		close(lane)
	}
	wp.laneMu.Unlock()

	done := make(chan error, 1)
	go func() {
		err := wp.errGroup.Wait()
		wp.forks.Wait()
		done <- err
	}()

	timer := time.NewTimer(wp.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		wp.cancel()
		wp.logger.Info("worker_pool_stopped", "stats", wp.Stats())
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		return err
	case <-timer.C:
		wp.cancel()
		wp.logger.Error("worker_pool_shutdown_timeout",
			"timeout", wp.config.ShutdownTimeout,
			"active_workers", atomic.LoadInt32(&wp.stats.ActiveWorkers),
		)
		return fmt.Errorf("worker pool shutdown timeout exceeded")
	}
}

// Submit queues a task. It never blocks: a full lane returns ErrPoolFull
// and a task whose (name, entry id) is already in flight returns
// ErrDuplicateTask.
func (wp *WorkerPool) Submit(task Task) error {
	if atomic.LoadInt32(&wp.shutdown) == 1 {
		return ErrPoolStopped
	}
	if _, ok := wp.handlers[task.Name]; !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, task.Name)
	}
	if task.Priority < PriorityHigh || task.Priority > PriorityLow {
		task.Priority = PriorityMedium
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Submitted.IsZero() {
		task.Submitted = time.Now()
	}

	if !wp.reserve(task) {
		atomic.AddInt64(&wp.stats.DuplicateTasks, 1)
		return ErrDuplicateTask
	}

	wp.laneMu.RLock()
	defer wp.laneMu.RUnlock()

	if atomic.LoadInt32(&wp.shutdown) == 1 {
		wp.release(task)
		return ErrPoolStopped
	}

	if !task.DontFork && atomic.LoadInt32(&wp.stats.GoroutineCount) < wp.config.MaxGoroutines {
		wp.forks.Add(1)
		atomic.AddInt64(&wp.stats.TotalTasks, 1)
		atomic.AddInt64(&wp.stats.ForkedTasks, 1)
		go func() {
			defer wp.forks.Done()
			atomic.AddInt32(&wp.stats.GoroutineCount, 1)
			defer atomic.AddInt32(&wp.stats.GoroutineCount, -1)
			wp.runTask(task, wp.logger.With("forked", true))
		}()
		return nil
	}

	select {
	case wp.lanes[task.Priority] <- task:
		atomic.AddInt64(&wp.stats.TotalTasks, 1)
		atomic.AddInt32(&wp.stats.QueuedTasks, 1)
		return nil
	default:
		wp.release(task)
		atomic.AddInt64(&wp.stats.RejectedTasks, 1)
		return ErrPoolFull
	}
}

// InFlight reports whether a task for the entry is queued or running.
func (wp *WorkerPool) InFlight(name string, entryID int64) bool {
	wp.inflightMu.Lock()
	defer wp.inflightMu.Unlock()
	_, ok := wp.inflight[Task{Name: name, EntryID: entryID}.key()]
	return ok
}

func (wp *WorkerPool) reserve(task Task) bool {
	wp.inflightMu.Lock()
	defer wp.inflightMu.Unlock()
	key := task.key()
	if _, ok := wp.inflight[key]; ok {
		return false
	}
	wp.inflight[key] = struct{}{}
	return true
}

func (wp *WorkerPool) release(task Task) {
	wp.inflightMu.Lock()
	defer wp.inflightMu.Unlock()
	delete(wp.inflight, task.key())
}

// worker drains the lanes, always preferring the higher priority lane.
func (wp *WorkerPool) worker(workerID int) error {
	workerLogger := wp.logger.With("worker_id", workerID)
	atomic.AddInt32(&wp.stats.ActiveWorkers, 1)
	atomic.AddInt32(&wp.stats.GoroutineCount, 1)
	defer func() {
		atomic.AddInt32(&wp.stats.ActiveWorkers, -1)
		atomic.AddInt32(&wp.stats.GoroutineCount, -1)
	}()

	lanes := []chan Task{wp.lanes[PriorityHigh], wp.lanes[PriorityMedium], wp.lanes[PriorityLow]}
	for {
		task, ok := wp.nextTask(lanes)
		if !ok {
			return nil
		}
		atomic.AddInt32(&wp.stats.QueuedTasks, -1)
		wp.runTask(task, workerLogger)
	}
}

func (wp *WorkerPool) nextTask(lanes []chan Task) (Task, bool) {
	for {
		open := false
		for i, lane := range lanes {
			if lane == nil {
				continue
			}
			select {
			case task, ok := <-lane:
				if !ok {
					lanes[i] = nil
					continue
				}
				return task, true
			default:
			}
			open = true
		}
		if !open {
			return Task{}, false
		}

		select {
		case task, ok := <-lanes[0]:
			if ok {
				return task, true
			}
			lanes[0] = nil
		case task, ok := <-lanes[1]:
			if ok {
				return task, true
			}
			lanes[1] = nil
		case task, ok := <-lanes[2]:
			if ok {
				return task, true
			}
			lanes[2] = nil
		case <-wp.ctx.Done():
			return Task{}, false
		}
	}
}

// runTask executes a task with timeout, circuit breaker and panic recovery.
func (wp *WorkerPool) runTask(task Task, logger *slog.Logger) {
	defer wp.release(task)
	startTime := time.Now()

	timeoutCtx, cancel := context.WithTimeout(wp.ctx, wp.config.JobTimeout)
	defer cancel()

	handler := wp.handlers[task.Name]

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&wp.stats.PanicCount, 1)
				logger.Error("task_panicked", "task_id", task.ID, "entry_id", task.EntryID, "panic", r)
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()

		_, err = wp.circuitBreaker.Execute(func() (interface{}, error) {
			return nil, handler(timeoutCtx, task)
		})
	}()

	if err != nil {
		atomic.AddInt64(&wp.stats.FailedTasks, 1)
		logger.Error("task_failed",
			"task_id", task.ID,
			"task", task.Name,
			"entry_id", task.EntryID,
			"error", err,
		)
	} else {
		atomic.AddInt64(&wp.stats.CompletedTasks, 1)
	}

	logger.Debug("task_processed",
		"task_id", task.ID,
		"entry_id", task.EntryID,
		"priority", task.Priority.String(),
		"duration", time.Since(startTime),
		"queue_delay", startTime.Sub(task.Submitted),
		"success", err == nil,
	)
}

// Stats returns a snapshot of the pool counters.
func (wp *WorkerPool) Stats() WorkerPoolStats {
	wp.inflightMu.Lock()
	inflight := len(wp.inflight)
	wp.inflightMu.Unlock()

	return WorkerPoolStats{
		TotalTasks:          atomic.LoadInt64(&wp.stats.TotalTasks),
		CompletedTasks:      atomic.LoadInt64(&wp.stats.CompletedTasks),
		FailedTasks:         atomic.LoadInt64(&wp.stats.FailedTasks),
		RejectedTasks:       atomic.LoadInt64(&wp.stats.RejectedTasks),
		DuplicateTasks:      atomic.LoadInt64(&wp.stats.DuplicateTasks),
		ForkedTasks:         atomic.LoadInt64(&wp.stats.ForkedTasks),
		PanicCount:          atomic.LoadInt64(&wp.stats.PanicCount),
		ActiveWorkers:       atomic.LoadInt32(&wp.stats.ActiveWorkers),
		QueuedTasks:         atomic.LoadInt32(&wp.stats.QueuedTasks),
		GoroutineCount:      atomic.LoadInt32(&wp.stats.GoroutineCount),
		InFlight:            inflight,
		CircuitBreakerState: wp.circuitBreaker.State().String(),
	}
}

// IsHealthy returns true if the pool accepts and runs tasks.
func (wp *WorkerPool) IsHealthy() bool {
	stats := wp.Stats()
	return wp.circuitBreaker.State() != gobreaker.StateOpen &&
		stats.ActiveWorkers > 0 &&
		atomic.LoadInt32(&wp.shutdown) == 0
}
