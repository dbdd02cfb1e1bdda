// Package delivery runs the queue: sweeps that expire and select entries,
// the job system that executes delivery tasks, and the single-entry state
// machine that drives one entry through the protocol dispatcher.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/busybox42/fedqueue/internal/protocol"
	"github.com/busybox42/fedqueue/internal/queue"
)

// State is where a single delivery attempt left its entry.
type State int

const (
	// Pending means nothing was attempted; the entry is untouched.
	Pending State = iota
	// Delivered means the peer accepted the payload and the entry was removed.
	Delivered
	// Deferred means the entry was kept and its attempt time refreshed.
	Deferred
	// Abandoned means the entry was removed without delivery.
	Abandoned
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reasons recorded on attempts.
const (
	ReasonContactMissing = "contact_missing"
	ReasonOwnerMissing   = "owner_missing"
	ReasonContactDead    = "contact_dead"
	ReasonServerDead     = "server_dead"
	ReasonHostDown       = "host_down"
	ReasonFailed         = "delivery_failed"
	ReasonNoNotify       = "no_notify_address"
	ReasonAccepted       = "accepted"
)

// Attempt describes one run of the single-entry state machine.
type Attempt struct {
	EntryID     int64            `json:"entry_id"`
	ContactID   int64            `json:"contact_id"`
	ContactName string           `json:"contact_name,omitempty"`
	Family      string           `json:"family,omitempty"`
	Target      string           `json:"target,omitempty"`
	State       State            `json:"-"`
	StateName   string           `json:"state"`
	Outcome     protocol.Outcome `json:"-"`
	Reason      string           `json:"reason,omitempty"`
	Status      int              `json:"transport_status,omitempty"`
	Error       string           `json:"error,omitempty"`
	At          time.Time        `json:"at"`
	Duration    time.Duration    `json:"duration"`
}

// SweepReport summarises one global sweep.
type SweepReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Expired   int           `json:"expired"`
	Due       int           `json:"due"`
	Dropped   int           `json:"dropped"`   // removed by pre-deliver hooks
	Submitted int           `json:"submitted"` // accepted by the job system
	Skipped   int           `json:"skipped"`   // already in flight
	Rejected  int           `json:"rejected"`  // refused by the job system

	Backlogged  int `json:"backlogged"`   // job system full, left for the next sweep
	StoreErrors int `json:"store_errors"` // store reads or deletes that failed
}

// ErrJobSystem is returned by a sweep when the job system refused work.
var ErrJobSystem = errors.New("job system did not accept delivery tasks")

// Dispatcher delivers a request with the contact's protocol family.
// attempted is false when the family had nothing to do.
type Dispatcher interface {
	Dispatch(ctx context.Context, req protocol.Request) (result protocol.Result, attempted bool)
}

// LivenessChecker answers whether a server root is reachable.
type LivenessChecker interface {
	IsLive(ctx context.Context, serverRoot, family string) (live bool, probed bool)
}

// PreDeliverHook may inspect or filter the due list before tasks are
// submitted.
type PreDeliverHook func(ctx context.Context, due []queue.Entry) []queue.Entry

// MetricsRecorder receives delivery and sweep events.
type MetricsRecorder interface {
	RecordAttempt(ctx context.Context, family, state string, duration time.Duration)
	RecordHostDown(ctx context.Context, family string)
	RecordError(ctx context.Context, entryID int64, target, reason string)
	RecordSweep(ctx context.Context, expired, due, submitted, rejected int, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordAttempt(context.Context, string, string, time.Duration) {}
func (nopMetrics) RecordHostDown(context.Context, string) {}
func (nopMetrics) RecordError(context.Context, int64, string, string) {}
func (nopMetrics) RecordSweep(context.Context, int, int, int, int, time.Duration) {}

// Priority is a scheduling hint for submitted tasks. Lower values run first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses "high", "medium" or "low".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}
