package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is the TTL key/value store behind the dead-host facts and entry claims.
// Values are written as strings so every backend round-trips them the same way.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// IsConnected returns true if the cache is connected
	IsConnected() bool

	// Name returns the name of the cache
	Name() string

	// Type returns the type of the cache (e.g., "redis", "memcached", etc.)
	Type() string

	// Get retrieves a value, returning ErrNotFound for missing or expired keys
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with an expiration; zero means no expiry
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// SetNX stores a value only if the key does not exist
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)

	// Delete removes a value; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error
}

// TTLReader is implemented by backends that can report a key's remaining
// lifetime. Keys without expiry report zero.
type TTLReader interface {
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Config represents the configuration for a cache
type Config struct {
	Type     string            // memory, redis, memcached or valkey
	Name     string            // Name of this cache instance
	Host     string            // Hostname or IP address
	Port     int               // Port number
	Password string            // Password for authentication
	Database int               // Database number (redis only)
	Servers  []string          // Extra memcached servers
	Timeout  time.Duration     // Dial/IO timeout, backend default when zero
	Options  map[string]string // Backend specific options
}

// Factory creates cache instances based on configuration
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "valkey":
		return NewValkey(config), nil
	case "memory", "":
		return NewMemory(config), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}

// Open builds a cache from configuration and connects it.
func Open(config Config) (Cache, error) {
	c, err := Factory(config)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}
