package prober

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Prober checks whether a server root answers. family is the contact's
// protocol family and may select family-specific probe paths.
type Prober interface {
	Probe(ctx context.Context, serverRoot, family string) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, serverRoot, family string) (bool, error)

// Probe implements Prober
func (f ProberFunc) Probe(ctx context.Context, serverRoot, family string) (bool, error) {
	return f(ctx, serverRoot, family)
}

// HTTPConfig configures an HTTPProber.
type HTTPConfig struct {
	Timeout   time.Duration
	UserAgent string
	// Paths are tried in order until one answers. The server root itself
	// is always tried last.
	Paths map[string][]string
	// Breaker settings for the per-server circuit breaker.
	BreakerInterval time.Duration
	BreakerTimeout  time.Duration
}

// DefaultHTTPConfig returns the probe paths used by the built-in families.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:   10 * time.Second,
		UserAgent: "fedqueue",
		Paths: map[string][]string{
			"":     {"/.well-known/nodeinfo"},
			"dfrn": {"/.well-known/nodeinfo", "/friendica/json"},
			"dspr": {"/.well-known/nodeinfo", "/.well-known/host-meta"},
			"stat": {"/.well-known/host-meta", "/api/statusnet/config.json"},
		},
		BreakerInterval: 15 * time.Minute,
		BreakerTimeout:  5 * time.Minute,
	}
}

var errServerError = errors.New("server answered with an error status")

// HTTPProber treats a server as live when any probe path answers with a
// status below 500. Each server gets its own circuit breaker so a server
// that keeps failing is reported dead without a network round-trip.
type HTTPProber struct {
	config   HTTPConfig
	client   *http.Client
	logger   *slog.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPProber creates an HTTPProber.
func NewHTTPProber(config HTTPConfig, logger *slog.Logger) *HTTPProber {
	defaults := DefaultHTTPConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.Paths == nil {
		config.Paths = defaults.Paths
	}
	if config.BreakerInterval <= 0 {
		config.BreakerInterval = defaults.BreakerInterval
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = defaults.BreakerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPProber{
		config:   config,
		client:   &http.Client{Timeout: config.Timeout},
		logger:   logger.With("component", "server-prober"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Probe implements Prober
func (p *HTTPProber) Probe(ctx context.Context, serverRoot, family string) (bool, error) {
	if serverRoot == "" {
		return false, errors.New("empty server root")
	}

	_, err := p.breaker(serverRoot).Execute(func() (interface{}, error) {
		return nil, p.probeOnce(ctx, serverRoot, family)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.logger.Debug("probe_short_circuited", "server", serverRoot)
			return false, nil
		}
		if errors.Is(err, context.Canceled) {
			return false, err
		}
		p.logger.Debug("probe_failed", "server", serverRoot, "family", family, "error", err)
		return false, nil
	}
	return true, nil
}

func (p *HTTPProber) probeOnce(ctx context.Context, serverRoot, family string) error {
	paths, ok := p.config.Paths[strings.ToLower(family)]
	if !ok {
		paths = p.config.Paths[""]
	}
	paths = append(append([]string(nil), paths...), "/")

	var lastErr error
	for _, path := range paths {
		status, err := p.get(ctx, serverRoot+path)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			lastErr = err
			continue
		}
		if status < http.StatusInternalServerError {
			return nil
		}
		lastErr = fmt.Errorf("%w: %d", errServerError, status)
	}
	return lastErr
}

func (p *HTTPProber) get(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", p.config.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 16<<10))
	return resp.StatusCode, nil
}

func (p *HTTPProber) breaker(serverRoot string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cb, ok := p.breakers[serverRoot]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        serverRoot,
		MaxRequests: 1,
		Interval:    p.config.BreakerInterval,
		Timeout:     p.config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Info("probe_breaker_state_changed",
				"server", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	p.breakers[serverRoot] = cb
	return cb
}
