package prober

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/busybox42/fedqueue/internal/cache"
)

// Checker answers "is this server live" from the dead-host cache and
// probes only on a cache miss. Every probe result is cached, live or not.
// Concurrent misses for the same server share one probe.
type Checker struct {
	facts  *cache.DeadHosts
	prober Prober
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithTTL overrides the lifetime of cached probe results.
func WithTTL(ttl time.Duration) CheckerOption {
	return func(c *Checker) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger sets the checker's logger.
func WithLogger(logger *slog.Logger) CheckerOption {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChecker creates a Checker. A zero TTL falls back to the server TTL
// of the dead-host cache.
func NewChecker(facts *cache.DeadHosts, prober Prober, opts ...CheckerOption) *Checker {
	c := &Checker{
		facts:  facts,
		prober: prober,
		ttl:    facts.ServerTTL(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "liveness-checker")
	return c
}

// IsLive reports whether serverRoot is reachable. probed is true when the
// answer came from a fresh probe rather than the cache.
func (c *Checker) IsLive(ctx context.Context, serverRoot, family string) (live bool, probed bool) {
	if live, known := c.facts.IsServerLive(ctx, serverRoot); known {
		return live, false
	}

	v, _, _ := c.group.Do(serverRoot, func() (interface{}, error) {
		if live, known := c.facts.IsServerLive(ctx, serverRoot); known {
			return live, nil
		}

		c.logger.Info("server_probe", "server", serverRoot, "family", family)
		live, err := c.prober.Probe(ctx, serverRoot, family)
		if err != nil {
			// A cancelled probe says nothing about the server.
			c.logger.Warn("server_probe_error", "server", serverRoot, "error", err)
			return true, nil
		}

		if err := c.facts.MarkServerLiveness(ctx, serverRoot, live, c.ttl); err != nil {
			c.logger.Warn("server_liveness_not_cached", "server", serverRoot, "error", err)
		}
		return live, nil
	})

	return v.(bool), true
}
