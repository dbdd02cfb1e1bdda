package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemory(t *testing.T) (*Memory, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMemory(Config{Name: "test"})
	m.SetClock(clock.Now)
	require.NoError(t, m.Connect())
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

func TestCacheFactory(t *testing.T) {
	tests := []struct {
		typ      string
		wantType string
	}{
		{"memory", "memory"},
		{"", "memory"},
		{"redis", "redis"},
		{"memcached", "memcached"},
		{"valkey", "valkey"},
	}

	for _, tt := range tests {
		t.Run("type "+tt.wantType, func(t *testing.T) {
			c, err := Factory(Config{Type: tt.typ, Host: "localhost"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, c.Type())
			assert.False(t, c.IsConnected())
		})
	}

	t.Run("unsupported type", func(t *testing.T) {
		_, err := Factory(Config{Type: "floppy"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported cache type")
	})
}

func TestMemoryNotConnected(t *testing.T) {
	m := NewMemory(Config{})
	ctx := context.Background()

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, m.Set(ctx, "k", "v", 0), ErrNotConnected)
	_, err = m.SetNX(ctx, "k", "v", 0)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, m.Delete(ctx, "k"), ErrNotConnected)
}

func TestMemoryGetSet(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "a", "1", time.Minute))
	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	ttl, err := m.TTL(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	clock.Advance(61 * time.Second)
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound, "expired keys read as missing")

	require.NoError(t, m.Set(ctx, "forever", "x", 0))
	clock.Advance(24 * time.Hour)
	got, err = m.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestMemorySetNX(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(2 * time.Minute)
	ok, err = m.SetNX(ctx, "lock", "c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired key can be claimed again")

	got, _ := m.Get(ctx, "lock")
	assert.Equal(t, "c", got)
}

func TestMemoryDeleteAndExpire(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Delete(ctx, "never-set"))

	require.NoError(t, m.Set(ctx, "a", "1", time.Second))
	require.NoError(t, m.Set(ctx, "b", "2", time.Hour))
	require.NoError(t, m.Delete(ctx, "b"))
	assert.Equal(t, 1, m.Len())

	clock.Advance(2 * time.Second)
	m.deleteExpired()
	assert.Equal(t, 0, m.Len())
}

func TestMemoryConcurrentAccess(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "k" + string(rune('a'+i%5))
			for j := 0; j < 100; j++ {
				_ = m.Set(ctx, key, "1", time.Minute)
				_, _ = m.Get(ctx, key)
				_, _ = m.SetNX(ctx, key+"-nx", "1", time.Minute)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, m.Len())
}

func TestDeadHostsContactFacts(t *testing.T) {
	m, clock := newTestMemory(t)
	d := NewDeadHosts(m)
	ctx := context.Background()
	inbox := "https://peer.example/dfrn_notify/alice"

	dead, known := d.IsContactDead(ctx, inbox)
	assert.False(t, known, "nothing cached yet")
	assert.False(t, dead)

	require.NoError(t, d.MarkContactDead(ctx, inbox, 0))
	dead, known = d.IsContactDead(ctx, inbox)
	assert.True(t, known)
	assert.True(t, dead)

	ttl, err := m.TTL(ctx, ContactDeadPrefix+inbox)
	require.NoError(t, err)
	assert.Equal(t, DefaultFactTTL, ttl)

	clock.Advance(5 * time.Minute)
	left, ok := d.ContactDeadFor(ctx, inbox)
	assert.True(t, ok)
	assert.Equal(t, DefaultFactTTL-5*time.Minute, left)

	clock.Advance(DefaultFactTTL)
	_, ok = d.ContactDeadFor(ctx, inbox)
	assert.False(t, ok)
	_, known = d.IsContactDead(ctx, inbox)
	assert.False(t, known, "dead marks always expire")
}

func TestDeadHostsServerFacts(t *testing.T) {
	m, _ := newTestMemory(t)
	d := NewDeadHosts(m, WithServerTTL(5*time.Minute))
	ctx := context.Background()

	_, known := d.IsServerLive(ctx, "https://srv.example")
	assert.False(t, known)

	require.NoError(t, d.MarkServerLiveness(ctx, "https://srv.example", false, 0))
	live, known := d.IsServerLive(ctx, "https://srv.example")
	assert.True(t, known, "a cached false is not unknown")
	assert.False(t, live)

	ttl, err := m.TTL(ctx, ServerLivePrefix+"https://srv.example")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, ttl)

	require.NoError(t, d.MarkServerLiveness(ctx, "https://srv.example", true, time.Minute))
	live, known = d.IsServerLive(ctx, "https://srv.example")
	assert.True(t, known)
	assert.True(t, live)
}

func TestDeadHostsNamespaces(t *testing.T) {
	m, _ := newTestMemory(t)
	d := NewDeadHosts(m)
	ctx := context.Background()
	url := "https://same.example"

	require.NoError(t, d.MarkContactDead(ctx, url, 0))
	_, known := d.IsServerLive(ctx, url)
	assert.False(t, known, "contact marks do not leak into server facts")

	require.NoError(t, d.ClearContact(ctx, url))
	_, known = d.IsContactDead(ctx, url)
	assert.False(t, known)
}

func TestDeadHostsEmptyKeys(t *testing.T) {
	m, _ := newTestMemory(t)
	d := NewDeadHosts(m)
	ctx := context.Background()

	require.NoError(t, d.MarkContactDead(ctx, "", 0))
	require.NoError(t, d.MarkServerLiveness(ctx, "", false, 0))
	assert.Equal(t, 0, m.Len())
}

type brokenCache struct{ Memory }

func (*brokenCache) Get(context.Context, string) (string, error) {
	return "", errors.New("connection reset")
}

func TestDeadHostsBackendErrorIsUnknown(t *testing.T) {
	d := NewDeadHosts(&brokenCache{})
	dead, known := d.IsContactDead(context.Background(), "https://x.example/inbox")
	assert.False(t, dead)
	assert.False(t, known)
}

func TestMemcachedKey(t *testing.T) {
	assert.Equal(t, "queue_run:server:https://a.example", memcachedKey("queue_run:server:https://a.example"))

	spaced := memcachedKey("queue_run:deadguy:https://a.example/with space")
	assert.NotContains(t, spaced, " ")
	assert.Len(t, spaced, 66)

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	assert.LessOrEqual(t, len(memcachedKey(string(long))), 250)
}

func TestExpirySeconds(t *testing.T) {
	assert.Equal(t, int32(0), expirySeconds(0))
	assert.Equal(t, int32(1), expirySeconds(10*time.Millisecond))
	assert.Equal(t, int32(900), expirySeconds(15*time.Minute))
}
