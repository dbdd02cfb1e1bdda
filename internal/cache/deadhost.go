package cache

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"
)

// Key namespaces for the two kinds of dead-host facts.
const (
	ContactDeadPrefix = "queue_run:deadguy:"
	ServerLivePrefix  = "queue_run:server:"
)

// DefaultFactTTL is how long a dead-host fact is trusted.
const DefaultFactTTL = 15 * time.Minute

// DeadHosts records short-lived reachability facts about contact inboxes and
// remote servers. A missing key means unknown, which is distinct from a
// cached false. Every fact is written with a finite TTL.
type DeadHosts struct {
	cache      Cache
	contactTTL time.Duration
	serverTTL  time.Duration
	logger     *slog.Logger
}

// DeadHostOption configures a DeadHosts.
type DeadHostOption func(*DeadHosts)

// WithContactTTL sets the default lifetime of contact-dead marks.
func WithContactTTL(ttl time.Duration) DeadHostOption {
	return func(d *DeadHosts) {
		if ttl > 0 {
			d.contactTTL = ttl
		}
	}
}

// WithServerTTL sets the default lifetime of server liveness facts.
func WithServerTTL(ttl time.Duration) DeadHostOption {
	return func(d *DeadHosts) {
		if ttl > 0 {
			d.serverTTL = ttl
		}
	}
}

// WithDeadHostLogger sets the logger used for backend errors.
func WithDeadHostLogger(logger *slog.Logger) DeadHostOption {
	return func(d *DeadHosts) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDeadHosts wraps a connected cache.
func NewDeadHosts(c Cache, opts ...DeadHostOption) *DeadHosts {
	d := &DeadHosts{
		cache:      c,
		contactTTL: DefaultFactTTL,
		serverTTL:  DefaultFactTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dead-host-cache", "backend", c.Type())
	return d
}

// ContactTTL returns the default lifetime of contact-dead marks.
func (d *DeadHosts) ContactTTL() time.Duration { return d.contactTTL }

// ServerTTL returns the default lifetime of server liveness facts.
func (d *DeadHosts) ServerTTL() time.Duration { return d.serverTTL }

// IsContactDead reports whether the inbox is marked dead. known is false
// when nothing is cached for it.
func (d *DeadHosts) IsContactDead(ctx context.Context, inbox string) (dead bool, known bool) {
	if inbox == "" {
		return false, false
	}
	return d.lookup(ctx, ContactDeadPrefix+inbox)
}

// MarkContactDead marks the inbox dead for ttl, or the default contact TTL
// when ttl is not positive.
func (d *DeadHosts) MarkContactDead(ctx context.Context, inbox string, ttl time.Duration) error {
	if inbox == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = d.contactTTL
	}
	return d.cache.Set(ctx, ContactDeadPrefix+inbox, encodeFact(true), ttl)
}

// ContactDeadFor returns how long the inbox stays marked dead. ok is false
// when the inbox is not marked or the backend cannot report lifetimes.
func (d *DeadHosts) ContactDeadFor(ctx context.Context, inbox string) (left time.Duration, ok bool) {
	r, supported := d.cache.(TTLReader)
	if !supported || inbox == "" {
		return 0, false
	}
	ttl, err := r.TTL(ctx, ContactDeadPrefix+inbox)
	if err != nil {
		return 0, false
	}
	return ttl, true
}

// ClearContact forgets any mark for the inbox.
func (d *DeadHosts) ClearContact(ctx context.Context, inbox string) error {
	if inbox == "" {
		return nil
	}
	return d.cache.Delete(ctx, ContactDeadPrefix+inbox)
}

// IsServerLive reports the cached liveness of a server root. known is false
// when no probe result is cached.
func (d *DeadHosts) IsServerLive(ctx context.Context, serverRoot string) (live bool, known bool) {
	if serverRoot == "" {
		return false, false
	}
	return d.lookup(ctx, ServerLivePrefix+serverRoot)
}

// MarkServerLiveness caches a probe result for ttl, or the default server
// TTL when ttl is not positive.
func (d *DeadHosts) MarkServerLiveness(ctx context.Context, serverRoot string, live bool, ttl time.Duration) error {
	if serverRoot == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = d.serverTTL
	}
	return d.cache.Set(ctx, ServerLivePrefix+serverRoot, encodeFact(live), ttl)
}

func (d *DeadHosts) lookup(ctx context.Context, key string) (bool, bool) {
	raw, err := d.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.logger.Warn("dead_host_lookup_failed", "key", key, "error", err)
		}
		return false, false
	}

	value, err := strconv.ParseBool(raw)
	if err != nil {
		d.logger.Warn("dead_host_value_invalid", "key", key, "value", raw)
		return false, false
	}
	return value, true
}

func encodeFact(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
