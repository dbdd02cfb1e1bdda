// Package metrics exposes queue and delivery counters to Prometheus and,
// optionally, to a shared Valkey instance for dashboards.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Singleton metrics instance
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the queue runner
type Metrics struct {
	// Delivery metrics
	Attempts         *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	HostDown         *prometheus.CounterVec
	Errors           prometheus.Counter

	// Sweep metrics
	Sweeps        prometheus.Counter
	SweepDuration prometheus.Histogram
	Expired       prometheus.Counter
	Submitted     prometheus.Counter
	Rejected      prometheus.Counter
	DueEntries    prometheus.Gauge

	// Queue metrics
	QueueEntries prometheus.Gauge
}

// GetMetrics returns the singleton metrics instance registered with the
// default Prometheus registry.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = New(prometheus.DefaultRegisterer)
	})
	return metricsInstance
}

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedqueue_delivery_attempts_total",
			Help: "Delivery attempts by protocol family and resulting state",
		}, []string{"family", "state"}),
		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fedqueue_delivery_duration_seconds",
			Help:    "Duration of single-entry delivery attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"family"}),
		HostDown: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fedqueue_host_down_total",
			Help: "Contacts marked dead after a host-down outcome",
		}, []string{"family"}),
		Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedqueue_delivery_errors_total",
			Help: "Failed delivery attempts that produced an error",
		}),
		Sweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedqueue_sweeps_total",
			Help: "Completed queue sweeps",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedqueue_sweep_duration_seconds",
			Help:    "Duration of queue sweeps",
			Buckets: prometheus.DefBuckets,
		}),
		Expired: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedqueue_entries_expired_total",
			Help: "Entries removed for exceeding the retention window",
		}),
		Submitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedqueue_tasks_submitted_total",
			Help: "Delivery tasks submitted by sweeps",
		}),
		Rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "fedqueue_tasks_rejected_total",
			Help: "Delivery tasks the job system refused",
		}),
		DueEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedqueue_due_entries",
			Help: "Entries selected as due by the last sweep",
		}),
		QueueEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fedqueue_queue_entries",
			Help: "Entries in the queue store",
		}),
	}
}

// Recorder feeds delivery and sweep events into Prometheus and, when
// configured, the Valkey store. Valkey errors are logged, never returned.
type Recorder struct {
	metrics *Metrics
	store   *ValkeyStore
	logger  *slog.Logger
}

// NewRecorder creates a Recorder. store may be nil.
func NewRecorder(m *Metrics, store *ValkeyStore, logger *slog.Logger) *Recorder {
	if m == nil {
		m = GetMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		metrics: m,
		store:   store,
		logger:  logger.With("component", "metrics"),
	}
}

// RecordAttempt counts one finished delivery attempt.
func (r *Recorder) RecordAttempt(ctx context.Context, family, state string, duration time.Duration) {
	if family == "" {
		family = "unknown"
	}
	r.metrics.Attempts.WithLabelValues(family, state).Inc()
	r.metrics.DeliveryDuration.WithLabelValues(family).Observe(duration.Seconds())

	if r.store != nil {
		if err := r.store.IncrState(ctx, state); err != nil {
			r.logger.Warn("valkey_metrics_failed", "state", state, "error", err)
		}
	}
}

// RecordHostDown counts a contact marked dead.
func (r *Recorder) RecordHostDown(_ context.Context, family string) {
	r.metrics.HostDown.WithLabelValues(family).Inc()
}

// RecordError remembers a failed attempt.
func (r *Recorder) RecordError(ctx context.Context, entryID int64, target, reason string) {
	r.metrics.Errors.Inc()
	if r.store != nil {
		if err := r.store.AddRecentError(ctx, entryID, target, reason); err != nil {
			r.logger.Warn("valkey_metrics_failed", "error", err)
		}
	}
}

// RecordSweep records the totals of one sweep.
func (r *Recorder) RecordSweep(ctx context.Context, expired, due, submitted, rejected int, duration time.Duration) {
	r.metrics.Sweeps.Inc()
	r.metrics.SweepDuration.Observe(duration.Seconds())
	r.metrics.Expired.Add(float64(expired))
	r.metrics.Submitted.Add(float64(submitted))
	r.metrics.Rejected.Add(float64(rejected))
	r.metrics.DueEntries.Set(float64(due))

	if r.store != nil && expired > 0 {
		if err := r.store.AddExpired(ctx, int64(expired)); err != nil {
			r.logger.Warn("valkey_metrics_failed", "error", err)
		}
	}
}

// SetQueueSize publishes the current number of queued entries.
func (r *Recorder) SetQueueSize(n int) {
	r.metrics.QueueEntries.Set(float64(n))
}
