package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for Memcached
type Memcached struct {
	client      *memcache.Client
	config      Config
	isConnected bool
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	return &Memcached{config: config}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect() error {
	if m.isConnected {
		return nil
	}

	servers := []string{}
	if m.config.Host != "" {
		port := m.config.Port
		if port == 0 {
			port = 11211
		}
		servers = append(servers, fmt.Sprintf("%s:%d", m.config.Host, port))
	}
	servers = append(servers, m.config.Servers...)
	if len(servers) == 0 {
		servers = append(servers, "localhost:11211")
	}

	m.client = memcache.New(servers...)
	if m.config.Timeout > 0 {
		m.client.Timeout = m.config.Timeout
	}

	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.isConnected = true
	return nil
}

// Close closes the connection to the Memcached server
func (m *Memcached) Close() error {
	if !m.isConnected {
		return nil
	}
	m.isConnected = false
	return nil
}

// IsConnected returns true if the cache is connected
func (m *Memcached) IsConnected() bool {
	return m.isConnected
}

// Name returns the name of the cache
func (m *Memcached) Name() string {
	if m.config.Name != "" {
		return m.config.Name
	}
	return "memcached"
}

// Type returns the type of the cache
func (m *Memcached) Type() string {
	return "memcached"
}

// Get retrieves a value from the cache
func (m *Memcached) Get(_ context.Context, key string) (string, error) {
	if !m.isConnected {
		return "", ErrNotConnected
	}

	item, err := m.client.Get(memcachedKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return "", ErrNotFound
		}
		return "", err
	}

	return string(item.Value), nil
}

// Set stores a value in the cache with an optional expiration
func (m *Memcached) Set(_ context.Context, key string, value string, expiration time.Duration) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	return m.client.Set(&memcache.Item{
		Key:        memcachedKey(key),
		Value:      []byte(value),
		Expiration: expirySeconds(expiration),
	})
}

// SetNX sets a value in the cache only if the key does not exist
func (m *Memcached) SetNX(_ context.Context, key string, value string, expiration time.Duration) (bool, error) {
	if !m.isConnected {
		return false, ErrNotConnected
	}

	err := m.client.Add(&memcache.Item{
		Key:        memcachedKey(key),
		Value:      []byte(value),
		Expiration: expirySeconds(expiration),
	})
	if err != nil {
		if errors.Is(err, memcache.ErrNotStored) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// Delete removes a value from the cache
func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	err := m.client.Delete(memcachedKey(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

// expirySeconds rounds sub-second TTLs up so they never mean "forever".
func expirySeconds(expiration time.Duration) int32 {
	if expiration <= 0 {
		return 0
	}
	secs := int32(expiration / time.Second)
	if expiration%time.Second != 0 {
		secs++
	}
	return secs
}

// memcachedKey keeps URL-derived keys within the protocol's 250 byte,
// no-whitespace limit.
func memcachedKey(key string) string {
	if len(key) <= 250 && !containsSpaceOrControl(key) {
		return key
	}
	return hashedKey(key)
}

func containsSpaceOrControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] == 0x7f {
			return true
		}
	}
	return false
}

func hashedKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "h:" + hex.EncodeToString(sum[:])
}
