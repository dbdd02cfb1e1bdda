package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Manager is the entry-level API over a Store: enqueueing, inspection and
// removal. Delivery decisions live in the delivery package.
type Manager struct {
	store  Store
	policy Policy
	now    func() time.Time
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPolicy replaces the default retry policy.
func WithPolicy(p Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a queue manager over store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		policy: DefaultPolicy(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "queue-manager")
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// Policy returns the retry policy.
func (m *Manager) Policy() Policy { return m.policy }

// Now returns the manager's current time in UTC.
func (m *Manager) Now() time.Time { return m.now().UTC() }

// Enqueue records a delivery that could not be completed synchronously.
// The originating attempt counts as the first attempt.
func (m *Manager) Enqueue(ctx context.Context, contactID int64, payload []byte, isBatch bool) (Entry, error) {
	if contactID <= 0 {
		return Entry{}, fmt.Errorf("invalid contact id %d", contactID)
	}

	now := m.Now()
	e, err := m.store.Insert(ctx, Entry{
		ContactID:     contactID,
		Payload:       payload,
		IsBatch:       isBatch,
		CreatedAt:     now,
		LastAttemptAt: now,
	})
	if err != nil {
		return Entry{}, err
	}

	m.logger.Info("entry_enqueued",
		"entry_id", e.ID,
		"contact_id", contactID,
		"is_batch", isBatch,
		"size", len(payload),
	)
	return e, nil
}

// Get returns an entry by id
func (m *Manager) Get(ctx context.Context, id int64) (Entry, error) {
	return m.store.Get(ctx, id)
}

// List returns every queued entry
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	return m.store.List(ctx)
}

// Delete removes an entry on operator request
func (m *Manager) Delete(ctx context.Context, id int64) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("entry_deleted", "entry_id", id, "reason", "operator")
	return nil
}

// Due returns the entries that are due now, in delivery order.
func (m *Manager) Due(ctx context.Context) ([]Entry, error) {
	return m.store.ListDue(ctx, m.policy.Cutoffs(m.Now()))
}

// Stats summarises the queue
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	entries, err := m.store.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	return computeStats(entries, m.policy.Cutoffs(m.Now())), nil
}

// NextAttempt returns when the entry will next be due.
func (m *Manager) NextAttempt(e Entry) time.Time {
	return m.policy.NextAttempt(e)
}

// IsNotFound reports whether err means the entry does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
