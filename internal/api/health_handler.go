package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/busybox42/fedqueue/internal/delivery"
	"github.com/busybox42/fedqueue/internal/metrics"
	"github.com/busybox42/fedqueue/internal/queue"
)

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
	Queue     string    `json:"queue"`
	Workers   string    `json:"workers,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Queue:     "ok",
	}

	if _, err := s.deps.Queue.Stats(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Queue = err.Error()
	}
	if s.deps.Pool != nil {
		resp.Workers = "ok"
		if !s.deps.Pool.IsHealthy() {
			resp.Status = "degraded"
			resp.Workers = "saturated"
		}
	}

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// StatsResponse combines the runner's in-process and persisted counters.
type StatsResponse struct {
	Queue         queue.Stats               `json:"queue"`
	Runner        *delivery.TrackerStats    `json:"runner,omitempty"`
	Workers       *delivery.WorkerPoolStats `json:"workers,omitempty"`
	Delivery      *metrics.DeliveryMetrics  `json:"delivery,omitempty"`
	Hourly        []metrics.HourlyStats     `json:"hourly,omitempty"`
	RecentErrors  []metrics.RecentError     `json:"recent_errors,omitempty"`
	MetricsErrors []string                  `json:"metrics_errors,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	qs, err := s.deps.Queue.Stats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := StatsResponse{Queue: qs}

	if s.deps.Tracker != nil {
		ts := s.deps.Tracker.Stats()
		resp.Runner = &ts
	}
	if s.deps.Pool != nil {
		ps := s.deps.Pool.Stats()
		resp.Workers = &ps
	}
	if s.deps.Store != nil {
		if dm, err := s.deps.Store.GetMetrics(ctx); err != nil {
			resp.MetricsErrors = append(resp.MetricsErrors, err.Error())
		} else {
			resp.Delivery = dm
		}
		if hourly, err := s.deps.Store.GetHourlyStats(ctx); err != nil {
			resp.MetricsErrors = append(resp.MetricsErrors, err.Error())
		} else {
			resp.Hourly = hourly
		}
		if recent, err := s.deps.Store.GetRecentErrors(ctx, 20); err != nil {
			resp.MetricsErrors = append(resp.MetricsErrors, err.Error())
		} else {
			resp.RecentErrors = recent
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecentAttempts(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeJSON(w, http.StatusOK, []delivery.Attempt{})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.deps.Tracker.Recent(limit))
}
