// Package metrics derives a rolling statistics snapshot from the recent
// orders kept in the StateStore.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/jcmexdev/order-pipeline/internal/order"
)

// Store is the slice of the StateStore the aggregator reads and caches
// through.
type Store interface {
	RecentOrders(ctx context.Context, limit int) ([]order.Order, error)
	CachedMetrics(ctx context.Context) (*order.Metrics, error)
	CacheMetrics(ctx context.Context, m *order.Metrics) error
}

type Aggregator struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Calculate returns the cached snapshot when one is still fresh, otherwise
// recomputes. A cache-read failure just forces a recompute.
func (a *Aggregator) Calculate(ctx context.Context) (*order.Metrics, error) {
	m, err := a.store.CachedMetrics(ctx)
	if err != nil {
		slog.WarnContext(ctx, "metrics: snapshot read failed, recomputing", "error", err)
	}
	if m != nil {
		return m, nil
	}
	return a.Refresh(ctx)
}

// Refresh recomputes from the last 100 cached orders and re-caches the
// result. The cache write is best-effort.
func (a *Aggregator) Refresh(ctx context.Context) (*order.Metrics, error) {
	orders, err := a.store.RecentOrders(ctx, 100)
	if err != nil {
		return nil, err
	}
	m := compute(orders, a.now())
	if err := a.store.CacheMetrics(ctx, m); err != nil {
		slog.WarnContext(ctx, "metrics: snapshot cache failed", "error", err)
	}
	return m, nil
}

func compute(orders []order.Order, now time.Time) *order.Metrics {
	m := &order.Metrics{TotalOrders: len(orders)}

	var (
		processingSum   float64
		processingCount int
		terminalLastHr  int
	)
	for _, o := range orders {
		switch o.Status {
		case order.StatusCompleted:
			m.CompletedOrders++
			if o.ProcessingTime > 0 {
				processingSum += o.ProcessingTime
				processingCount++
			}
		case order.StatusFailed:
			m.FailedOrders++
		case order.StatusPending:
			m.PendingOrders++
		}
		if o.Status.Terminal() && now.Sub(o.Timestamp) <= time.Hour {
			terminalLastHr++
		}
	}

	if processingCount > 0 {
		m.AverageProcessingTime = processingSum / float64(processingCount)
	}
	m.ThroughputPerMinute = float64(terminalLastHr) / 60
	return m
}
