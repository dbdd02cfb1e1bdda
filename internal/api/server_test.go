package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/fedqueue/internal/delivery"
	"github.com/busybox42/fedqueue/internal/logging"
	"github.com/busybox42/fedqueue/internal/metrics"
	"github.com/busybox42/fedqueue/internal/queue"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type stubRunner struct {
	sweeps    int
	report    delivery.SweepReport
	sweepErr  error
	delivered []int64
	attempt   delivery.Attempt
	err       error
}

func (s *stubRunner) Sweep(context.Context) (delivery.SweepReport, error) {
	s.sweeps++
	return s.report, s.sweepErr
}

func (s *stubRunner) Deliver(_ context.Context, id int64) (delivery.Attempt, error) {
	s.delivered = append(s.delivered, id)
	a := s.attempt
	a.EntryID = id
	return a, s.err
}

type stubPool struct{ healthy bool }

func (p stubPool) Stats() delivery.WorkerPoolStats {
	return delivery.WorkerPoolStats{ActiveWorkers: 4}
}

func (p stubPool) IsHealthy() bool { return p.healthy }

type stubStore struct{ err error }

func (s stubStore) GetMetrics(context.Context) (*metrics.DeliveryMetrics, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &metrics.DeliveryMetrics{TotalDelivered: 7}, nil
}

func (s stubStore) GetHourlyStats(context.Context) ([]metrics.HourlyStats, error) {
	return nil, s.err
}

func (s stubStore) GetRecentErrors(context.Context, int64) ([]metrics.RecentError, error) {
	return nil, s.err
}

type apiFixture struct {
	store   *queue.FileStore
	manager *queue.Manager
	runner  *stubRunner
	tracker *delivery.Tracker
	server  *Server
	handler http.Handler
}

func newAPIFixture(t *testing.T, mutate func(*Dependencies)) *apiFixture {
	t.Helper()

	store, err := queue.NewFileStore(t.TempDir())
	require.NoError(t, err)

	f := &apiFixture{
		store:   store,
		manager: queue.NewManager(store, queue.WithClock(func() time.Time { return testNow })),
		runner:  &stubRunner{},
		tracker: delivery.NewTracker(10),
	}

	deps := Dependencies{
		Queue:    f.manager,
		Runner:   f.runner,
		Tracker:  f.tracker,
		Gatherer: prometheus.NewRegistry(),
	}
	if mutate != nil {
		mutate(&deps)
	}

	f.server, err = NewServer(&Config{Enabled: true}, deps)
	require.NoError(t, err)
	f.handler = f.server.Handler()
	return f
}

func (f *apiFixture) insert(t *testing.T, contactID int64, createdAgo, attemptedAgo time.Duration) queue.Entry {
	t.Helper()
	e, err := f.store.Insert(context.Background(), queue.Entry{
		ContactID:     contactID,
		Payload:       []byte("<entry/>"),
		CreatedAt:     testNow.Add(-createdAgo),
		LastAttemptAt: testNow.Add(-attemptedAgo),
	})
	require.NoError(t, err)
	return e
}

func (f *apiFixture) do(method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(&Config{Enabled: false}, Dependencies{})
	assert.Error(t, err)

	_, err = NewServer(nil, Dependencies{})
	assert.Error(t, err)

	_, err = NewServer(&Config{Enabled: true}, Dependencies{})
	assert.Error(t, err, "a queue is required")
}

func TestServerStartStop(t *testing.T) {
	store, err := queue.NewFileStore(t.TempDir())
	require.NoError(t, err)

	s, err := NewServer(&Config{Enabled: true, ListenAddr: "127.0.0.1:0"}, Dependencies{
		Queue:    queue.NewManager(store),
		Gatherer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer func() { assert.NoError(t, s.Stop()) }()

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListQueue(t *testing.T) {
	f := newAPIFixture(t, nil)
	due := f.insert(t, 10, time.Hour, 20*time.Minute)
	f.insert(t, 10, time.Hour, 5*time.Minute)
	f.insert(t, 11, 2*time.Hour, 30*time.Minute)

	rec := f.do("GET", "/api/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]EntryView](t, rec)
	assert.Len(t, all, 3)
	for _, v := range all {
		assert.Empty(t, v.Payload, "listing omits payloads")
	}

	rec = f.do("GET", "/api/queue?contact_id=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]EntryView](t, rec), 2)

	rec = f.do("GET", "/api/queue?due=true&contact_id=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	views := decode[[]EntryView](t, rec)
	require.Len(t, views, 1)
	assert.Equal(t, due.ID, views[0].ID)
	assert.True(t, views[0].Due)
	assert.Equal(t, due.LastAttemptAt.Add(15*time.Minute), views[0].NextAttemptAt.UTC())

	rec = f.do("GET", "/api/queue?limit=1", "")
	assert.Len(t, decode[[]EntryView](t, rec), 1)

	assert.Equal(t, http.StatusBadRequest, f.do("GET", "/api/queue?limit=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do("GET", "/api/queue?contact_id=x", "").Code)
}

func TestEnqueue(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do("POST", "/api/queue", `{"contact_id": 42, "payload": "<entry/>", "is_batch": true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	v := decode[EntryView](t, rec)
	assert.Equal(t, int64(42), v.ContactID)
	assert.True(t, v.IsBatch)
	assert.Equal(t, testNow, v.CreatedAt.UTC())
	assert.False(t, v.Due, "a fresh entry counts as just attempted")

	e, err := f.manager.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, "<entry/>", string(e.Payload))

	assert.Equal(t, http.StatusBadRequest, f.do("POST", "/api/queue", `{"payload": "x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do("POST", "/api/queue", `not json`).Code)
}

func TestGetAndDeleteEntry(t *testing.T) {
	f := newAPIFixture(t, nil)
	e := f.insert(t, 10, time.Hour, 20*time.Minute)
	path := fmt.Sprintf("/api/queue/%d", e.ID)

	rec := f.do("GET", path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[EntryView](t, rec)
	assert.Equal(t, "<entry/>", v.Payload)
	assert.Equal(t, len("<entry/>"), v.PayloadSize)

	assert.Equal(t, http.StatusNoContent, f.do("DELETE", path, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do("GET", path, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do("DELETE", path, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do("GET", "/api/queue/abc", "").Code, "non-numeric ids do not route")
}

func TestQueueStats(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.insert(t, 10, time.Hour, 20*time.Minute)
	f.insert(t, 11, 80*time.Hour, 2*time.Hour)

	rec := f.do("GET", "/api/queue/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[queue.Stats](t, rec)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 2, stats.Contacts)
}

func TestDeliverEntry(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.runner.attempt = delivery.Attempt{StateName: "delivered"}

	rec := f.do("POST", "/api/queue/5/deliver", "")
	require.Equal(t, http.StatusOK, rec.Code)
	a := decode[delivery.Attempt](t, rec)
	assert.Equal(t, int64(5), a.EntryID)
	assert.Equal(t, "delivered", a.StateName)
	assert.Equal(t, []int64{5}, f.runner.delivered)

	f.runner.err = delivery.ErrAlreadyClaimed
	assert.Equal(t, http.StatusConflict, f.do("POST", "/api/queue/5/deliver", "").Code)

	f.runner.err = fmt.Errorf("load entry: %w", queue.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, f.do("POST", "/api/queue/5/deliver", "").Code)

	f.runner.err = errors.New("directory unavailable")
	assert.Equal(t, http.StatusInternalServerError, f.do("POST", "/api/queue/5/deliver", "").Code)
}

func TestSweep(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.runner.report = delivery.SweepReport{Due: 3, Submitted: 3}

	rec := f.do("POST", "/api/sweep", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[delivery.SweepReport](t, rec)
	assert.Equal(t, 3, report.Submitted)
	assert.Equal(t, 1, f.runner.sweeps)

	f.runner.sweepErr = fmt.Errorf("%w: 1 of 3 rejected", delivery.ErrJobSystem)
	rec = f.do("POST", "/api/sweep", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"report"`)

	assert.Equal(t, http.StatusMethodNotAllowed, f.do("GET", "/api/sweep", "").Code)
}

func TestWrongMethodReturns405(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/sweep"},
		{"PUT", "/api/queue"},
		{"POST", "/api/queue/1"},
		{"GET", "/api/queue/1/deliver"},
		{"DELETE", "/api/stats"},
		{"POST", "/health"},
	} {
		rec := f.do(tc.method, tc.path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", tc.method, tc.path)
	}
	assert.Equal(t, http.StatusNotFound, f.do("GET", "/api/nowhere", "").Code)
}

func TestPreflightAnsweredBeforeRouting(t *testing.T) {
	store, err := queue.NewFileStore(t.TempDir())
	require.NoError(t, err)
	srv, err := NewServer(&Config{
		Enabled: true,
		CORS:    CORSConfig{Enabled: true, AllowedOrigins: []string{"https://admin.example"}},
	}, Dependencies{Queue: queue.NewManager(store), Gatherer: prometheus.NewRegistry()})
	require.NoError(t, err)

	req := httptest.NewRequest("OPTIONS", "/api/sweep", nil)
	req.Header.Set("Origin", "https://admin.example")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://admin.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWithoutRunner(t *testing.T) {
	f := newAPIFixture(t, func(d *Dependencies) { d.Runner = nil })
	assert.Equal(t, http.StatusServiceUnavailable, f.do("POST", "/api/sweep", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do("POST", "/api/queue/1/deliver", "").Code)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, func(d *Dependencies) { d.Pool = stubPool{healthy: true} })
	rec := f.do("GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	h := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "ok", h.Workers)

	f = newAPIFixture(t, func(d *Dependencies) { d.Pool = stubPool{healthy: false} })
	rec = f.do("GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, rec).Status)
}

func TestStats(t *testing.T) {
	f := newAPIFixture(t, func(d *Dependencies) {
		d.Pool = stubPool{healthy: true}
		d.Store = stubStore{}
	})
	f.insert(t, 10, time.Hour, 20*time.Minute)
	f.tracker.RecordAttempt(delivery.Attempt{EntryID: 1, StateName: "delivered", At: testNow})

	rec := f.do("GET", "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[StatsResponse](t, rec)
	assert.Equal(t, 1, stats.Queue.Total)
	require.NotNil(t, stats.Runner)
	require.NotNil(t, stats.Workers)
	assert.Equal(t, int32(4), stats.Workers.ActiveWorkers)
	require.NotNil(t, stats.Delivery)
	assert.Equal(t, int64(7), stats.Delivery.TotalDelivered)
	assert.Empty(t, stats.MetricsErrors)

	f = newAPIFixture(t, func(d *Dependencies) { d.Store = stubStore{err: errors.New("valkey down")} })
	rec = f.do("GET", "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats = decode[StatsResponse](t, rec)
	assert.Len(t, stats.MetricsErrors, 3)
	assert.Nil(t, stats.Delivery)
}

func TestRecentAttempts(t *testing.T) {
	f := newAPIFixture(t, nil)
	for i := int64(1); i <= 3; i++ {
		f.tracker.RecordAttempt(delivery.Attempt{EntryID: i, At: testNow})
	}

	rec := f.do("GET", "/api/attempts?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]delivery.Attempt](t, rec), 2)
	assert.Equal(t, http.StatusBadRequest, f.do("GET", "/api/attempts?limit=0", "").Code)
}

func TestLogLevel(t *testing.T) {
	old := logging.Level.Level()
	defer logging.Level.Set(old)
	logging.Level.Set(slog.LevelInfo)

	f := newAPIFixture(t, nil)

	rec := f.do("GET", "/api/logging/level", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "INFO", decode[LogLevelResponse](t, rec).Level)

	rec = f.do("PUT", "/api/logging/level", `{"level": "debug"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DEBUG", decode[LogLevelResponse](t, rec).Level)
	assert.Equal(t, slog.LevelDebug, logging.Level.Level())

	assert.Equal(t, http.StatusBadRequest, f.do("POST", "/api/logging/level", `{"level": "loud"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do("POST", "/api/logging/level", `{`).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "fedqueue_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	f := newAPIFixture(t, func(d *Dependencies) { d.Gatherer = reg })
	rec := f.do("GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fedqueue_test_total 1")
}
