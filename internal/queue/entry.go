package queue

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no entry has the requested id.
var ErrNotFound = errors.New("queue entry not found")

// Entry is a pending delivery to a single contact.
type Entry struct {
	ID            int64     `json:"id"`
	ContactID     int64     `json:"contact_id"`
	Payload       []byte    `json:"payload"`
	IsBatch       bool      `json:"is_batch"`
	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// Age returns how long the entry has been queued.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Stats summarises the queue at a point in time.
type Stats struct {
	Total       int       `json:"total"`
	Due         int       `json:"due"`
	Expired     int       `json:"expired"`
	Contacts    int       `json:"contacts"`
	Batch       int       `json:"batch"`
	OldestEntry time.Time `json:"oldest_entry,omitempty"`
	PayloadSize int64     `json:"payload_size"`
	LastUpdated time.Time `json:"last_updated"`
}

// computeStats derives Stats from a full listing.
func computeStats(entries []Entry, cut Cutoffs) Stats {
	stats := Stats{Total: len(entries), LastUpdated: cut.Now}
	contacts := make(map[int64]struct{})
	for _, e := range entries {
		contacts[e.ContactID] = struct{}{}
		stats.PayloadSize += int64(len(e.Payload))
		if e.IsBatch {
			stats.Batch++
		}
		switch {
		case cut.Expired(e):
			stats.Expired++
		case cut.Due(e):
			stats.Due++
		}
		if stats.OldestEntry.IsZero() || e.CreatedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = e.CreatedAt
		}
	}
	stats.Contacts = len(contacts)
	return stats
}
