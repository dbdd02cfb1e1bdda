package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/fedqueue/internal/cache"
)

func TestDetectServer(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://social.example/profile/alice", "https://social.example"},
		{"https://social.example/friendica/profile/alice", "https://social.example/friendica"},
		{"https://hub.example/channel/bob", "https://hub.example"},
		{"https://masto.example/users/carol", "https://masto.example"},
		{"https://masto.example/@carol", "https://masto.example"},
		{"https://pod.example/u/dave", "https://pod.example"},
		{"https://pod.example/people/0123abcd", "https://pod.example"},
		{"https://blog.example/author/erin/", "https://blog.example"},
		{"https://gnu.example/index.php/frank", "https://gnu.example"},
		{"HTTPS://Social.Example:8443/profile/x", "https://social.example:8443"},
		{"", ""},
		{"not a url", ""},
		{"mailto:alice@example.com", ""},
		{"ftp://files.example/profile/x", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectServer(tt.in), tt.in)
	}
}

func newFacts(t *testing.T) *cache.DeadHosts {
	t.Helper()
	m := cache.NewMemory(cache.Config{})
	require.NoError(t, m.Connect())
	t.Cleanup(func() { _ = m.Close() })
	return cache.NewDeadHosts(m)
}

func TestHTTPProber(t *testing.T) {
	var hits sync.Map
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := hits.LoadOrStore(r.URL.Path, new(int32))
		atomic.AddInt32(n.(*int32), 1)
		if r.URL.Path == "/.well-known/nodeinfo" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer live.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	p := NewHTTPProber(HTTPConfig{Timeout: 2 * time.Second}, nil)

	ok, err := p.Probe(context.Background(), live.URL, "dfrn")
	require.NoError(t, err)
	assert.True(t, ok, "a 404 still proves the server answers")

	ok, err = p.Probe(context.Background(), broken.URL, "dspr")
	require.NoError(t, err)
	assert.False(t, ok)

	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	ok, err = p.Probe(context.Background(), downURL, "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.Probe(context.Background(), "", "")
	assert.Error(t, err)
}

func TestHTTPProberBreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProber(HTTPConfig{
		Paths:          map[string][]string{"": nil},
		BreakerTimeout: time.Hour,
	}, nil)

	for i := 0; i < 3; i++ {
		ok, err := p.Probe(context.Background(), srv.URL, "")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	before := atomic.LoadInt32(&calls)

	ok, err := p.Probe(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, atomic.LoadInt32(&calls), "open breaker must not touch the network")
}

func TestCheckerCachesProbeResult(t *testing.T) {
	facts := newFacts(t)
	var probes int32
	prober := ProberFunc(func(_ context.Context, root, _ string) (bool, error) {
		atomic.AddInt32(&probes, 1)
		return root == "https://up.example", nil
	})
	c := NewChecker(facts, prober)
	ctx := context.Background()

	live, probed := c.IsLive(ctx, "https://up.example", "dfrn")
	assert.True(t, live)
	assert.True(t, probed)

	live, probed = c.IsLive(ctx, "https://up.example", "dfrn")
	assert.True(t, live)
	assert.False(t, probed)

	live, probed = c.IsLive(ctx, "https://down.example", "dfrn")
	assert.False(t, live)
	assert.True(t, probed)

	live, probed = c.IsLive(ctx, "https://down.example", "dfrn")
	assert.False(t, live)
	assert.False(t, probed, "a dead result is cached as well")

	assert.Equal(t, int32(2), atomic.LoadInt32(&probes))

	cached, known := facts.IsServerLive(ctx, "https://down.example")
	assert.True(t, known)
	assert.False(t, cached)
}

func TestCheckerUsesExistingFact(t *testing.T) {
	facts := newFacts(t)
	ctx := context.Background()
	require.NoError(t, facts.MarkServerLiveness(ctx, "https://known.example", false, 0))

	c := NewChecker(facts, ProberFunc(func(context.Context, string, string) (bool, error) {
		t.Fatal("probe must not run when the cache knows the answer")
		return true, nil
	}))

	live, probed := c.IsLive(ctx, "https://known.example", "stat")
	assert.False(t, live)
	assert.False(t, probed)
}

func TestCheckerSharesConcurrentProbes(t *testing.T) {
	facts := newFacts(t)
	var probes int32
	release := make(chan struct{})
	prober := ProberFunc(func(context.Context, string, string) (bool, error) {
		atomic.AddInt32(&probes, 1)
		<-release
		return true, nil
	})
	c := NewChecker(facts, prober, WithTTL(time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			live, _ := c.IsLive(context.Background(), "https://busy.example", "dfrn")
			assert.True(t, live)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&probes))
}

func TestCheckerProbeErrorIsNotCached(t *testing.T) {
	facts := newFacts(t)
	ctx := context.Background()
	c := NewChecker(facts, ProberFunc(func(context.Context, string, string) (bool, error) {
		return false, context.Canceled
	}))

	live, _ := c.IsLive(ctx, "https://flaky.example", "dfrn")
	assert.True(t, live)

	_, known := facts.IsServerLive(ctx, "https://flaky.example")
	assert.False(t, known)
}
