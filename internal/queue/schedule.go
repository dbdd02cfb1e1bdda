package queue

import (
	"sort"
	"time"
)

// Policy is the retry schedule. Young entries are retried densely, older
// ones sparsely, and anything past Retention is dropped.
type Policy struct {
	DenseWindow    time.Duration // entries younger than this use DenseInterval
	DenseInterval  time.Duration
	SparseInterval time.Duration
	Retention      time.Duration
}

// DefaultPolicy retries every 15 minutes for the first 12 hours, then
// hourly, and expires entries after 3 days.
func DefaultPolicy() Policy {
	return Policy{
		DenseWindow:    12 * time.Hour,
		DenseInterval:  15 * time.Minute,
		SparseInterval: time.Hour,
		Retention:      72 * time.Hour,
	}
}

// Cutoffs are the absolute timestamps a policy resolves to at one instant.
// Stores evaluate them as a range query.
type Cutoffs struct {
	Now                 time.Time
	DenseCreatedAfter   time.Time
	DenseAttemptBefore  time.Time
	SparseAttemptBefore time.Time
	ExpireBefore        time.Time
}

// Cutoffs resolves the policy against now.
func (p Policy) Cutoffs(now time.Time) Cutoffs {
	return Cutoffs{
		Now:                 now,
		DenseCreatedAfter:   now.Add(-p.DenseWindow),
		DenseAttemptBefore:  now.Add(-p.DenseInterval),
		SparseAttemptBefore: now.Add(-p.SparseInterval),
		ExpireBefore:        now.Add(-p.Retention),
	}
}

// IsDue reports whether e should be retried at now.
func (p Policy) IsDue(e Entry, now time.Time) bool {
	return p.Cutoffs(now).Due(e)
}

// IsExpired reports whether e has outlived the retention window at now.
func (p Policy) IsExpired(e Entry, now time.Time) bool {
	return p.Cutoffs(now).Expired(e)
}

// Due is
//
//	(createdAt > now-DenseWindow AND lastAttemptAt <= now-DenseInterval)
//	OR lastAttemptAt <= now-SparseInterval
func (c Cutoffs) Due(e Entry) bool {
	if e.CreatedAt.After(c.DenseCreatedAfter) && !e.LastAttemptAt.After(c.DenseAttemptBefore) {
		return true
	}
	return !e.LastAttemptAt.After(c.SparseAttemptBefore)
}

// Expired reports createdAt < now-Retention.
func (c Cutoffs) Expired(e Entry) bool {
	return e.CreatedAt.Before(c.ExpireBefore)
}

// NextAttempt returns the earliest time e becomes due again, assuming it
// is not attempted in between.
func (p Policy) NextAttempt(e Entry) time.Time {
	dense := e.LastAttemptAt.Add(p.DenseInterval)
	if dense.Before(e.CreatedAt.Add(p.DenseWindow)) {
		return dense
	}
	return e.LastAttemptAt.Add(p.SparseInterval)
}

// sortForDelivery orders entries by contact, then oldest first.
func sortForDelivery(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ContactID != entries[j].ContactID {
			return entries[i].ContactID < entries[j].ContactID
		}
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}
