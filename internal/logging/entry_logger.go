package logging

import (
	"context"
	"log/slog"
	"time"
)

// EntryLogger writes structured lifecycle events for queue entries.
type EntryLogger struct {
	logger *slog.Logger
}

// NewEntryLogger creates a new entry logger
func NewEntryLogger(logger *slog.Logger) *EntryLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntryLogger{
		logger: logger.With("component", "entry-lifecycle"),
	}
}

// EntryContext contains everything known about an entry at the time of an
// event.
type EntryContext struct {
	EntryID       int64
	ContactID     int64
	ContactName   string
	OwnerNick     string
	Family        string
	Target        string
	IsBatch       bool
	CreatedAt     time.Time
	LastAttemptAt time.Time
	Now           time.Time
	Reason        string
	Error         string
	Status        int
	PayloadSize   int
}

func (c EntryContext) now() time.Time {
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}

func (c EntryContext) fields(event, status string) []any {
	now := c.now()
	fields := []any{
		"event_type", event,
		"entry_id", c.EntryID,
		"contact_id", c.ContactID,
		"contact_name", c.ContactName,
		"target", c.Target,
		"status", status,
	}
	if c.Family != "" {
		fields = append(fields, "family", c.Family)
	}
	if c.OwnerNick != "" {
		fields = append(fields, "owner", c.OwnerNick)
	}
	if c.IsBatch {
		fields = append(fields, "is_batch", true)
	}
	if !c.CreatedAt.IsZero() {
		fields = append(fields, "age_seconds", int64(now.Sub(c.CreatedAt).Seconds()))
	}
	if !c.LastAttemptAt.IsZero() {
		fields = append(fields, "since_last_attempt_seconds", int64(now.Sub(c.LastAttemptAt).Seconds()))
	}
	if c.Reason != "" {
		fields = append(fields, "reason", c.Reason)
	}
	if c.Error != "" {
		fields = append(fields, "error", c.Error)
	}
	return fields
}

// LogDelivered logs an entry about to be removed after a successful delivery
func (l *EntryLogger) LogDelivered(ctx EntryContext) {
	l.logger.Info("entry_delivered", ctx.fields("delivered", "delivered")...)
}

// LogDeferred logs an entry whose attempt time is about to be refreshed
func (l *EntryLogger) LogDeferred(ctx EntryContext) {
	l.logger.Warn("entry_deferred", ctx.fields("deferred", "deferred")...)
}

// LogHostDown logs a contact inbox about to be marked dead
func (l *EntryLogger) LogHostDown(ctx EntryContext, ttl time.Duration) {
	fields := append(ctx.fields("host_down", "deferred"), "dead_ttl_seconds", int64(ttl.Seconds()))
	l.logger.Warn("contact_host_down", fields...)
}

// LogAbandoned logs an entry about to be discarded without delivery
func (l *EntryLogger) LogAbandoned(ctx EntryContext) {
	l.logger.Warn("entry_abandoned", ctx.fields("abandoned", "abandoned")...)
}

// LogExpired logs an entry about to be removed for age
func (l *EntryLogger) LogExpired(ctx EntryContext) {
	l.logger.Info("entry_expired", append(ctx.fields("expired", "expired"), "size", ctx.PayloadSize)...)
}

// LogExpiredPayload logs the payload of an expired entry at debug level
func (l *EntryLogger) LogExpiredPayload(ctx EntryContext, payload []byte) {
	if !l.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	const limit = 512
	preview := payload
	if len(preview) > limit {
		preview = preview[:limit]
	}
	l.logger.Debug("entry_expired_payload",
		"entry_id", ctx.EntryID,
		"size", len(payload),
		"payload", string(preview),
	)
}

// LogSkipped logs an entry left pending because there was nothing to do
func (l *EntryLogger) LogSkipped(ctx EntryContext) {
	l.logger.Info("entry_skipped", ctx.fields("skipped", "pending")...)
}

// LogStatus writes the closing line of a delivery attempt.
func (l *EntryLogger) LogStatus(ctx EntryContext, state string, duration time.Duration) {
	l.logger.Info("delivery_status",
		"entry_id", ctx.EntryID,
		"state", state,
		"contact_name", ctx.ContactName,
		"target", ctx.Target,
		"transport_status", ctx.Status,
		"duration_ms", duration.Milliseconds(),
	)
}
