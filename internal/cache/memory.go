package cache

import (
	"context"
	"sync"
	"time"
)

// Item represents a cached item with expiration
type Item struct {
	Value      string
	Expiration int64 // Unix timestamp in nanoseconds, zero for none
}

func (i Item) expired(now time.Time) bool {
	return i.Expiration > 0 && now.UnixNano() > i.Expiration
}

// Memory is an in-process Cache. It is the default backend for a single
// runner process and for tests.
type Memory struct {
	config    Config
	items     map[string]Item
	mu        sync.RWMutex
	connected bool
	janitor   *time.Ticker
	stopChan  chan struct{}
	now       func() time.Time
}

// NewMemory creates a new in-memory cache
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config,
		items:  make(map[string]Item),
		now:    time.Now,
	}
}

// SetClock replaces the clock used for expiry checks.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Connect initializes the memory cache and starts the janitor
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.janitor = time.NewTicker(time.Minute)
	m.stopChan = make(chan struct{})

	go func(ticker *time.Ticker, stop <-chan struct{}) {
		for {
			select {
			case <-ticker.C:
				m.deleteExpired()
			case <-stop:
				ticker.Stop()
				return
			}
		}
	}(m.janitor, m.stopChan)

	m.connected = true
	return nil
}

// Close stops the janitor and clears the cache
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	close(m.stopChan)
	m.items = make(map[string]Item)
	m.connected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Name returns the name of this cache instance
func (m *Memory) Name() string {
	if m.config.Name != "" {
		return m.config.Name
	}
	return "memory"
}

// Type returns the type of this cache
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a value from the cache
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return "", ErrNotConnected
	}

	item, found := m.items[key]
	if !found || item.expired(m.now()) {
		return "", ErrNotFound
	}

	return item.Value, nil
}

// TTL reports the remaining lifetime of a key. A key without expiry
// reports zero.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return 0, ErrNotConnected
	}

	now := m.now()
	item, found := m.items[key]
	if !found || item.expired(now) {
		return 0, ErrNotFound
	}
	if item.Expiration == 0 {
		return 0, nil
	}
	return time.Duration(item.Expiration - now.UnixNano()), nil
}

// Set stores a value in the cache
func (m *Memory) Set(_ context.Context, key string, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	m.items[key] = m.item(value, expiration)
	return nil
}

// SetNX sets a value in the cache only if the key does not exist
func (m *Memory) SetNX(_ context.Context, key string, value string, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return false, ErrNotConnected
	}

	if item, found := m.items[key]; found && !item.expired(m.now()) {
		return false, nil
	}

	m.items[key] = m.item(value, expiration)
	return true, nil
}

// Delete removes a value from the cache
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	delete(m.items, key)
	return nil
}

// Len returns the number of live keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	n := 0
	for _, item := range m.items {
		if !item.expired(now) {
			n++
		}
	}
	return n
}

func (m *Memory) item(value string, expiration time.Duration) Item {
	var exp int64
	if expiration > 0 {
		exp = m.now().Add(expiration).UnixNano()
	}
	return Item{Value: value, Expiration: exp}
}

// deleteExpired removes expired items from the cache
func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, v := range m.items {
		if v.expired(now) {
			delete(m.items, k)
		}
	}
}
