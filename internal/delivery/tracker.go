package delivery

import (
	"sort"
	"sync"
	"time"
)

// TrackerStats summarises recent delivery attempts.
type TrackerStats struct {
	TotalAttempts   int64            `json:"total_attempts"`
	ByState         map[string]int64 `json:"by_state"`
	ByReason        map[string]int64 `json:"by_reason"`
	SuccessRate     float64          `json:"success_rate"`
	AverageDuration time.Duration    `json:"average_duration"`
	MaxDuration     time.Duration    `json:"max_duration"`
	Hourly          []HourlyAttempts `json:"hourly"`
	LastSweep       *SweepReport     `json:"last_sweep,omitempty"`
}

// HourlyAttempts counts attempts that ended in each state during one hour.
type HourlyAttempts struct {
	Hour      time.Time `json:"hour"`
	Delivered int64     `json:"delivered"`
	Deferred  int64     `json:"deferred"`
	Abandoned int64     `json:"abandoned"`
	Pending   int64     `json:"pending"`
}

// Tracker keeps in-memory statistics and the most recent attempts for
// the admin API.
type Tracker struct {
	mu            sync.RWMutex
	recent        []Attempt
	next          int
	full          bool
	total         int64
	byState       map[string]int64
	byReason      map[string]int64
	totalDuration time.Duration
	maxDuration   time.Duration
	hourly        map[int64]*HourlyAttempts
	lastSweep     *SweepReport
}

// NewTracker creates a tracker that remembers the last size attempts.
func NewTracker(size int) *Tracker {
	if size <= 0 {
		size = 100
	}
	return &Tracker{
		recent:   make([]Attempt, size),
		byState:  make(map[string]int64),
		byReason: make(map[string]int64),
		hourly:   make(map[int64]*HourlyAttempts),
	}
}

// RecordAttempt adds a finished attempt.
func (t *Tracker) RecordAttempt(a Attempt) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recent[t.next] = a
	t.next = (t.next + 1) % len(t.recent)
	if t.next == 0 {
		t.full = true
	}

	t.total++
	t.byState[a.State.String()]++
	if a.Reason != "" {
		t.byReason[a.Reason]++
	}
	t.totalDuration += a.Duration
	if a.Duration > t.maxDuration {
		t.maxDuration = a.Duration
	}

	hour := a.At.UTC().Truncate(time.Hour)
	bucket, ok := t.hourly[hour.Unix()]
	if !ok {
		bucket = &HourlyAttempts{Hour: hour}
		t.hourly[hour.Unix()] = bucket
		t.pruneHourly(hour.Add(-24 * time.Hour))
	}
	switch a.State {
	case Delivered:
		bucket.Delivered++
	case Deferred:
		bucket.Deferred++
	case Abandoned:
		bucket.Abandoned++
	default:
		bucket.Pending++
	}
}

// RecordSweep remembers the last sweep report.
func (t *Tracker) RecordSweep(r SweepReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSweep = &r
}

func (t *Tracker) pruneHourly(before time.Time) {
	for k, b := range t.hourly {
		if b.Hour.Before(before) {
			delete(t.hourly, k)
		}
	}
}

// Recent returns up to limit attempts, newest first.
func (t *Tracker) Recent(limit int) []Attempt {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.next
	if t.full {
		n = len(t.recent)
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]Attempt, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (t.next - 1 - i + len(t.recent)) % len(t.recent)
		out = append(out, t.recent[idx])
	}
	return out
}

// Stats returns a snapshot of the counters.
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := TrackerStats{
		TotalAttempts: t.total,
		ByState:       make(map[string]int64, len(t.byState)),
		ByReason:      make(map[string]int64, len(t.byReason)),
		MaxDuration:   t.maxDuration,
	}
	for k, v := range t.byState {
		stats.ByState[k] = v
	}
	for k, v := range t.byReason {
		stats.ByReason[k] = v
	}
	if t.total > 0 {
		stats.SuccessRate = float64(t.byState[Delivered.String()]) / float64(t.total)
		stats.AverageDuration = t.totalDuration / time.Duration(t.total)
	}
	for _, b := range t.hourly {
		stats.Hourly = append(stats.Hourly, *b)
	}
	sort.Slice(stats.Hourly, func(i, j int) bool {
		return stats.Hourly[i].Hour.Before(stats.Hourly[j].Hour)
	})
	if t.lastSweep != nil {
		r := *t.lastSweep
		stats.LastSweep = &r
	}
	return stats
}
