package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements the Cache interface for Redis
type Redis struct {
	config    Config
	client    *redis.Client
	connected bool
}

// NewRedis creates a new Redis cache
func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	return &Redis{config: config}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password:     r.config.Password,
		DB:           r.config.Database,
		DialTimeout:  r.config.Timeout,
		ReadTimeout:  r.config.Timeout,
		WriteTimeout: r.config.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		_ = r.client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}

	if err := r.client.Close(); err != nil {
		return err
	}

	r.connected = false
	return nil
}

// IsConnected returns true if connected to Redis
func (r *Redis) IsConnected() bool {
	return r.connected
}

// Name returns the name of this cache instance
func (r *Redis) Name() string {
	if r.config.Name != "" {
		return r.config.Name
	}
	return "redis"
}

// Type returns the type of this cache
func (r *Redis) Type() string {
	return "redis"
}

// Get retrieves a value from Redis
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if !r.connected {
		return "", ErrNotConnected
	}

	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}

	return val, nil
}

// Set stores a value in Redis
func (r *Redis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.Set(ctx, key, value, expiration).Err()
}

// SetNX sets a value in Redis only if the key does not exist
func (r *Redis) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	if !r.connected {
		return false, ErrNotConnected
	}

	return r.client.SetNX(ctx, key, value, expiration).Result()
}

// Delete removes a value from Redis
func (r *Redis) Delete(ctx context.Context, key string) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.Del(ctx, key).Err()
}

// TTL implements TTLReader
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	switch {
	case d == -2:
		return 0, ErrNotFound
	case d < 0:
		return 0, nil
	}
	return d, nil
}
