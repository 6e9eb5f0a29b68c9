// Package store is the Redis-backed StateStore: a TTL cache of order state,
// the bounded recent-orders list, the cached metrics snapshot, fixed-window
// rate-limit counters, a distributed lock, and the best-effort notification
// channels. Atomicity for single operations comes from Redis itself; the
// lock guards the one multi-step read-modify-write (UpdateOrderStatus).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/order-pipeline/internal/order"
)

const (
	orderKeyPrefix = "order:"
	recentKey      = "recent-orders"
	metricsKey     = "system-metrics"
	rateKeyPrefix  = "rate:"
	lockKeyPrefix  = "lock:"

	// OrderTTL bounds how long order state survives; nothing here is durable.
	OrderTTL = time.Hour
	// MetricsTTL is how long a computed metrics snapshot stays valid.
	MetricsTTL = time.Minute

	recentCap     = 100
	updateLockTTL = 10 * time.Second
)

// ErrLockHeld is returned when the update lock could not be acquired within
// the retry budget. At-least-once redelivery makes this safe to surface.
var ErrLockHeld = errors.New("store: update lock held")

type Store struct {
	rdb *redis.Client

	mu        sync.RWMutex
	listeners []UpdateListener

	// newToken mints lock tokens; swapped in tests.
	newToken func() string
	// lockRetries and lockBackoff bound how long UpdateOrderStatus waits
	// for the update lock.
	lockRetries int
	lockBackoff time.Duration
}

func New(rdb *redis.Client) *Store {
	return &Store{
		rdb:         rdb,
		newToken:    uuid.NewString,
		lockRetries: 3,
		lockBackoff: 50 * time.Millisecond,
	}
}

// Dial connects with bounded command timeouts and verifies the connection.
func Dial(ctx context.Context, addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", addr, err)
	}
	return New(rdb), nil
}

func (s *Store) Close() error { return s.rdb.Close() }

// Ping feeds the health surface.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func orderKey(id string) string { return orderKeyPrefix + id }

// CacheOrder upserts the order under a fresh TTL.
func (s *Store) CacheOrder(ctx context.Context, o *order.Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("store: marshal order %s: %w", o.ID, err)
	}
	if err := s.rdb.Set(ctx, orderKey(o.ID), b, OrderTTL).Err(); err != nil {
		return fmt.Errorf("store: cache order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder returns (nil, nil) when the id is unknown or expired.
func (s *Store) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	v, err := s.rdb.Get(ctx, orderKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get order %s: %w", id, err)
	}
	var o order.Order
	if err := json.Unmarshal([]byte(v), &o); err != nil {
		return nil, fmt.Errorf("store: decode order %s: %w", id, err)
	}
	return &o, nil
}

// UpdateOrderStatus merges a status (and optional processing time) into the
// cached order and refreshes its TTL. The read-modify-write runs under the
// distributed lock so concurrent consumers cannot interleave.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status order.Status, processingTime time.Duration) (*order.Order, error) {
	lockName := "order:" + id
	token, err := s.acquireLockRetrying(ctx, lockName, updateLockTTL)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("update %s: %w", id, ErrLockHeld)
	}
	defer func() {
		if _, err := s.ReleaseLock(context.WithoutCancel(ctx), lockName, token); err != nil {
			slog.Warn("store: lock release failed", "lock", lockName, "error", err)
		}
	}()

	o, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("update %s: %w", id, order.ErrNotFound)
	}

	o.Status = status
	if processingTime > 0 {
		o.ProcessingTime = float64(processingTime) / float64(time.Millisecond)
	}
	if err := s.CacheOrder(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// AddToRecentOrders pushes o to the front of the recent list and evicts
// anything past the capacity of 100.
func (s *Store) AddToRecentOrders(ctx context.Context, o *order.Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("store: marshal order %s: %w", o.ID, err)
	}
	if err := s.rdb.LPush(ctx, recentKey, b).Err(); err != nil {
		return fmt.Errorf("store: push recent order %s: %w", o.ID, err)
	}
	if err := s.rdb.LTrim(ctx, recentKey, 0, recentCap-1).Err(); err != nil {
		return fmt.Errorf("store: trim recent orders: %w", err)
	}
	return nil
}

// RecentOrders returns up to limit orders, most recent first. Corrupt
// entries are skipped, not fatal.
func (s *Store) RecentOrders(ctx context.Context, limit int) ([]order.Order, error) {
	if limit <= 0 || limit > recentCap {
		limit = recentCap
	}
	raw, err := s.rdb.LRange(ctx, recentKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: range recent orders: %w", err)
	}
	out := make([]order.Order, 0, len(raw))
	for _, v := range raw {
		var o order.Order
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			slog.Warn("store: skipping corrupt recent entry", "error", err)
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// CachedMetrics returns (nil, nil) on a cache miss.
func (s *Store) CachedMetrics(ctx context.Context) (*order.Metrics, error) {
	v, err := s.rdb.Get(ctx, metricsKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get metrics: %w", err)
	}
	var m order.Metrics
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil, fmt.Errorf("store: decode metrics: %w", err)
	}
	return &m, nil
}

func (s *Store) CacheMetrics(ctx context.Context, m *order.Metrics) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal metrics: %w", err)
	}
	if err := s.rdb.Set(ctx, metricsKey, b, MetricsTTL).Err(); err != nil {
		return fmt.Errorf("store: cache metrics: %w", err)
	}
	return nil
}
