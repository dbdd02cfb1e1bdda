package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/fedqueue/internal/delivery"
	"github.com/busybox42/fedqueue/internal/metrics"
	"github.com/busybox42/fedqueue/internal/queue"
)

// Config represents API server configuration
type Config struct {
	Enabled    bool            `toml:"enabled" json:"enabled"`
	ListenAddr string          `toml:"listen_addr" json:"listen_addr"`
	RateLimit  RateLimitConfig `toml:"rate_limit" json:"rate_limit"`
	CORS       CORSConfig      `toml:"cors" json:"cors"`
}

// Runner is the part of the queue runner the API drives.
type Runner interface {
	Sweep(ctx context.Context) (delivery.SweepReport, error)
	Deliver(ctx context.Context, id int64) (delivery.Attempt, error)
}

// PoolStats exposes the job system's health.
type PoolStats interface {
	Stats() delivery.WorkerPoolStats
	IsHealthy() bool
}

// MetricsStore is the persisted delivery counters.
type MetricsStore interface {
	GetMetrics(ctx context.Context) (*metrics.DeliveryMetrics, error)
	GetHourlyStats(ctx context.Context) ([]metrics.HourlyStats, error)
	GetRecentErrors(ctx context.Context, limit int64) ([]metrics.RecentError, error)
}

// Dependencies are the components the API reads and drives. Only Queue is
// required.
type Dependencies struct {
	Queue    *queue.Manager
	Runner   Runner
	Tracker  *delivery.Tracker
	Pool     PoolStats
	Store    MetricsStore
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server represents the admin API server
type Server struct {
	config      *Config
	deps        Dependencies
	httpServer  *http.Server
	listenAddr  string
	rateLimiter *RateLimitMiddleware
	cors        *CORSMiddleware
	logger      *slog.Logger
	started     time.Time
}

// NewServer creates a new API server
func NewServer(config *Config, deps Dependencies) (*Server, error) {
	if config == nil || !config.Enabled {
		return nil, fmt.Errorf("API server disabled in configuration")
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("API server needs a queue")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	listenAddr := config.ListenAddr
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8081"
	}

	return &Server{
		config:      config,
		deps:        deps,
		listenAddr:  listenAddr,
		rateLimiter: NewRateLimitMiddleware(config.RateLimit),
		cors:        NewCORSMiddleware(config.CORS),
		logger:      logger.With("component", "api"),
		started:     time.Now(),
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Use(LoggingMiddleware(s.logger))
	r.Use(s.rateLimiter.Limit)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/api/queue", s.handleListQueue).Methods("GET")
	r.HandleFunc("/api/queue", s.handleEnqueue).Methods("POST")
	r.HandleFunc("/api/queue/stats", s.handleQueueStats).Methods("GET")
	r.HandleFunc("/api/queue/{id:[0-9]+}", s.handleGetEntry).Methods("GET")
	r.HandleFunc("/api/queue/{id:[0-9]+}", s.handleDeleteEntry).Methods("DELETE")
	r.HandleFunc("/api/queue/{id:[0-9]+}/deliver", s.handleDeliverEntry).Methods("POST")
	r.HandleFunc("/api/sweep", s.handleSweep).Methods("POST")
	r.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/api/attempts", s.handleRecentAttempts).Methods("GET")
	r.HandleFunc("/api/logging/level", s.HandleGetLogLevel).Methods("GET")
	r.HandleFunc("/api/logging/level", s.HandleSetLogLevel).Methods("POST", "PUT")
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	// Preflight requests are answered before route matching.
	return s.cors.Handler(r)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.listenAddr = ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		s.logger.Info("api_server_starting", "listen", s.listenAddr)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api_server_failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the listen address, resolved once Start has run.
func (s *Server) Addr() string { return s.listenAddr }

// Stop stops the API server
func (s *Server) Stop() error {
	s.rateLimiter.Stop()

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
