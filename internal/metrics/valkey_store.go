package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valkey-io/valkey-go"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "fedqueue:metrics:"

// DeliveryMetrics holds delivery statistics
type DeliveryMetrics struct {
	TotalDelivered int64     `json:"total_delivered"`
	TotalDeferred  int64     `json:"total_deferred"`
	TotalAbandoned int64     `json:"total_abandoned"`
	TotalPending   int64     `json:"total_pending"`
	TotalExpired   int64     `json:"total_expired"`
	LastUpdated    time.Time `json:"last_updated"`
}

// HourlyStats holds hourly delivery counts
type HourlyStats struct {
	Hour      string `json:"hour"`
	Delivered int64  `json:"delivered"`
	Deferred  int64  `json:"deferred"`
	Abandoned int64  `json:"abandoned"`
}

// RecentError is a failed attempt kept for the dashboard.
type RecentError struct {
	EntryID   int64  `json:"entry_id"`
	Target    string `json:"target"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// ValkeyStore provides metrics storage using Valkey
type ValkeyStore struct {
	client valkey.Client
	prefix string
	now    func() time.Time
}

// NewValkeyStore creates a new Valkey-backed metrics store
func NewValkeyStore(addr, password string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
		Password:    password,
	})
	if err != nil {
		return nil, err
	}

	return &ValkeyStore{
		client: client,
		prefix: DefaultPrefix,
		now:    time.Now,
	}, nil
}

// Close closes the Valkey connection
func (s *ValkeyStore) Close() {
	s.client.Close()
}

// incrCounter increments a counter and its hourly bucket
func (s *ValkeyStore) incrCounter(ctx context.Context, counterName string, by int64) error {
	now := s.now()
	key := s.prefix + counterName
	hourKey := s.prefix + "hourly:" + now.Format("2006-01-02:15") + ":" + counterName

	cmds := []valkey.Completed{
		s.client.B().Incrby().Key(key).Increment(by).Build(),
		s.client.B().Incrby().Key(hourKey).Increment(by).Build(),
		s.client.B().Expire().Key(hourKey).Seconds(86400).Build(), // 24h TTL
		s.client.B().Set().Key(s.prefix + "last_updated").Value(now.Format(time.RFC3339)).Build(),
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// IncrState increments the counter for a delivery end state.
func (s *ValkeyStore) IncrState(ctx context.Context, state string) error {
	return s.incrCounter(ctx, state, 1)
}

// IncrDelivered increments the delivered counter
func (s *ValkeyStore) IncrDelivered(ctx context.Context) error {
	return s.incrCounter(ctx, "delivered", 1)
}

// IncrDeferred increments the deferred counter
func (s *ValkeyStore) IncrDeferred(ctx context.Context) error {
	return s.incrCounter(ctx, "deferred", 1)
}

// IncrAbandoned increments the abandoned counter
func (s *ValkeyStore) IncrAbandoned(ctx context.Context) error {
	return s.incrCounter(ctx, "abandoned", 1)
}

// AddExpired adds to the expired counter
func (s *ValkeyStore) AddExpired(ctx context.Context, n int64) error {
	return s.incrCounter(ctx, "expired", n)
}

func (s *ValkeyStore) getInt(ctx context.Context, key string) int64 {
	v, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsInt64()
	if err != nil {
		return 0
	}
	return v
}

// GetMetrics retrieves current delivery metrics
func (s *ValkeyStore) GetMetrics(ctx context.Context) (*DeliveryMetrics, error) {
	metrics := &DeliveryMetrics{
		TotalDelivered: s.getInt(ctx, s.prefix+"delivered"),
		TotalDeferred:  s.getInt(ctx, s.prefix+"deferred"),
		TotalAbandoned: s.getInt(ctx, s.prefix+"abandoned"),
		TotalPending:   s.getInt(ctx, s.prefix+"pending"),
		TotalExpired:   s.getInt(ctx, s.prefix+"expired"),
	}

	lastUpdated, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"last_updated").Build()).ToString()
	if err != nil && !valkey.IsValkeyNil(err) {
		return nil, err
	}
	metrics.LastUpdated, _ = time.Parse(time.RFC3339, lastUpdated)

	return metrics, nil
}

// GetHourlyStats retrieves hourly statistics for the last 24 hours
func (s *ValkeyStore) GetHourlyStats(ctx context.Context) ([]HourlyStats, error) {
	stats := make([]HourlyStats, 24)
	now := s.now()

	for i := 0; i < 24; i++ {
		hour := now.Add(-time.Duration(23-i) * time.Hour)
		base := s.prefix + "hourly:" + hour.Format("2006-01-02:15") + ":"

		stats[i] = HourlyStats{
			Hour:      hour.Format("15:00"),
			Delivered: s.getInt(ctx, base+"delivered"),
			Deferred:  s.getInt(ctx, base+"deferred"),
			Abandoned: s.getInt(ctx, base+"abandoned"),
		}
	}

	return stats, nil
}

// AddRecentError stores a recent delivery error
func (s *ValkeyStore) AddRecentError(ctx context.Context, entryID int64, target, errorMsg string) error {
	data, err := json.Marshal(RecentError{
		EntryID:   entryID,
		Target:    target,
		Error:     errorMsg,
		Timestamp: s.now().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	key := s.prefix + "recent_errors"
	cmds := []valkey.Completed{
		s.client.B().Lpush().Key(key).Element(string(data)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(99).Build(), // Keep last 100 errors
	}

	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// GetRecentErrors retrieves recent delivery errors
func (s *ValkeyStore) GetRecentErrors(ctx context.Context, limit int64) ([]RecentError, error) {
	if limit <= 0 {
		limit = 100
	}
	key := s.prefix + "recent_errors"
	result, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	errs := make([]RecentError, 0, len(result))
	for _, item := range result {
		var re RecentError
		if err := json.Unmarshal([]byte(item), &re); err != nil {
			continue
		}
		errs = append(errs, re)
	}

	return errs, nil
}
