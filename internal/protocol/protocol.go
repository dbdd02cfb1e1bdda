// Package protocol dispatches queued payloads to the delivery function of
// the contact's federation protocol family.
package protocol

import (
	"context"
	"fmt"

	"github.com/busybox42/fedqueue/internal/directory"
	"github.com/busybox42/fedqueue/internal/queue"
)

// Family is a federation protocol tag as stored on a contact.
type Family string

// Built-in families.
const (
	DFRN     Family = "dfrn"
	OStatus  Family = "stat"
	Diaspora Family = "dspr"
)

// Outcome classifies a delivery attempt.
type Outcome int

const (
	// Success means the peer accepted the payload.
	Success Outcome = iota + 1
	// TransientFailure means the attempt failed but the peer may be fine.
	TransientFailure
	// HostDown means the peer could not be reached at all.
	HostDown
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFailure:
		return "transient_failure"
	case HostDown:
		return "host_down"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StatusUnreachable is the transport status reported when no connection
// to the peer could be made.
const StatusUnreachable = -1

// Result is the outcome of one delivery attempt.
type Result struct {
	Outcome Outcome
	Status  int    // transport status code, StatusUnreachable when the peer was not reached
	Target  string // address the payload was sent to
	Err     error
}

// ResultFromStatus maps a transport status onto an outcome: the
// unreachable sentinel is HostDown, 2xx is Success, anything else is a
// TransientFailure.
func ResultFromStatus(target string, status int, err error) Result {
	r := Result{Status: status, Target: target, Err: err}
	switch {
	case status == StatusUnreachable:
		r.Outcome = HostDown
	case err == nil && status >= 200 && status < 300:
		r.Outcome = Success
	default:
		r.Outcome = TransientFailure
		if r.Err == nil {
			r.Err = fmt.Errorf("peer answered with status %d", status)
		}
	}
	return r
}

// Request carries everything a family needs to deliver one entry.
type Request struct {
	Owner   directory.User
	Contact directory.Contact
	Entry   queue.Entry
}

// Payload returns the opaque message body.
func (r Request) Payload() []byte { return r.Entry.Payload }

// IsBatch reports whether the entry targets a shared public endpoint.
func (r Request) IsBatch() bool { return r.Entry.IsBatch }

// Deliverer sends a request using one protocol family.
type Deliverer interface {
	Deliver(ctx context.Context, req Request) Result
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, req Request) Result

// Deliver implements Deliverer
func (f DelivererFunc) Deliver(ctx context.Context, req Request) Result {
	return f(ctx, req)
}
