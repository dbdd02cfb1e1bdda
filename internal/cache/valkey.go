package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Valkey implements the Cache interface on top of valkey-go.
type Valkey struct {
	config    Config
	client    valkey.Client
	connected bool
}

// NewValkey creates a new Valkey cache
func NewValkey(config Config) *Valkey {
	if config.Port == 0 {
		config.Port = 6379
	}
	return &Valkey{config: config}
}

// Connect establishes a connection to Valkey
func (v *Valkey) Connect() error {
	if v.connected {
		return nil
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{fmt.Sprintf("%s:%d", v.config.Host, v.config.Port)},
		Password:    v.config.Password,
		SelectDB:    v.config.Database,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Valkey: %w", err)
	}

	v.client = client
	v.connected = true
	return nil
}

// Close closes the connection to Valkey
func (v *Valkey) Close() error {
	if !v.connected {
		return nil
	}
	v.client.Close()
	v.connected = false
	return nil
}

// IsConnected returns true if connected to Valkey
func (v *Valkey) IsConnected() bool {
	return v.connected
}

// Name returns the name of this cache instance
func (v *Valkey) Name() string {
	if v.config.Name != "" {
		return v.config.Name
	}
	return "valkey"
}

// Type returns the type of this cache
func (v *Valkey) Type() string {
	return "valkey"
}

// Get retrieves a value from Valkey
func (v *Valkey) Get(ctx context.Context, key string) (string, error) {
	if !v.connected {
		return "", ErrNotConnected
	}

	val, err := v.client.Do(ctx, v.client.B().Get().Key(key).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value in Valkey
func (v *Valkey) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if !v.connected {
		return ErrNotConnected
	}

	if expiration <= 0 {
		return v.client.Do(ctx, v.client.B().Set().Key(key).Value(value).Build()).Error()
	}
	cmd := v.client.B().Set().Key(key).Value(value).Ex(roundSeconds(expiration)).Build()
	return v.client.Do(ctx, cmd).Error()
}

// SetNX sets a value in Valkey only if the key does not exist
func (v *Valkey) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	if !v.connected {
		return false, ErrNotConnected
	}

	var err error
	if expiration <= 0 {
		err = v.client.Do(ctx, v.client.B().Set().Key(key).Value(value).Nx().Build()).Error()
	} else {
		cmd := v.client.B().Set().Key(key).Value(value).Nx().Ex(roundSeconds(expiration)).Build()
		err = v.client.Do(ctx, cmd).Error()
	}
	if valkey.IsValkeyNil(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a value from Valkey
func (v *Valkey) Delete(ctx context.Context, key string) error {
	if !v.connected {
		return ErrNotConnected
	}
	return v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error()
}

// TTL implements TTLReader
func (v *Valkey) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !v.connected {
		return 0, ErrNotConnected
	}

	ms, err := v.client.Do(ctx, v.client.B().Pttl().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, err
	}
	switch {
	case ms == -2:
		return 0, ErrNotFound
	case ms < 0:
		return 0, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// roundSeconds keeps EX arguments at one second or more.
func roundSeconds(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}
