package delivery

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/fedqueue/internal/cache"
)

// ErrAlreadyClaimed is returned when another runner holds the entry.
var ErrAlreadyClaimed = errors.New("queue entry is claimed by another runner")

// ClaimPrefix namespaces entry claims in the shared cache.
const ClaimPrefix = "queue_run:claim:"

// DefaultClaimTTL bounds how long a crashed runner can hold an entry.
const DefaultClaimTTL = 10 * time.Minute

// Claimer grants exclusive processing rights on an entry id.
type Claimer interface {
	// Claim returns a release func, or ErrAlreadyClaimed.
	Claim(ctx context.Context, entryID int64) (release func(), err error)
}

// CacheClaimer claims entries with SetNX leases in a shared cache, so
// runners in different processes never work on the same entry.
type CacheClaimer struct {
	cache cache.Cache
	ttl   time.Duration
	owner string
}

// NewCacheClaimer creates a claimer over c. A non-positive ttl uses
// DefaultClaimTTL.
func NewCacheClaimer(c cache.Cache, ttl time.Duration) *CacheClaimer {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &CacheClaimer{cache: c, ttl: ttl, owner: uuid.New().String()}
}

// Claim implements Claimer
func (c *CacheClaimer) Claim(ctx context.Context, entryID int64) (func(), error) {
	key := ClaimPrefix + strconv.FormatInt(entryID, 10)
	ok, err := c.cache.SetNX(ctx, key, c.owner, c.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyClaimed
	}

	return func() {
		// The lease may have expired and been taken over.
		ctx := context.Background()
		if v, err := c.cache.Get(ctx, key); err == nil && v == c.owner {
			_ = c.cache.Delete(ctx, key)
		}
	}, nil
}

// LocalClaimer claims entries within one process.
type LocalClaimer struct {
	mu      sync.Mutex
	claimed map[int64]struct{}
}

// NewLocalClaimer creates an in-process claimer.
func NewLocalClaimer() *LocalClaimer {
	return &LocalClaimer{claimed: make(map[int64]struct{})}
}

// Claim implements Claimer
func (c *LocalClaimer) Claim(_ context.Context, entryID int64) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.claimed[entryID]; ok {
		return nil, ErrAlreadyClaimed
	}
	c.claimed[entryID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.claimed, entryID)
			c.mu.Unlock()
		})
	}, nil
}
