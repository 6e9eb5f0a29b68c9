// Package realtime fans order and metrics changes out to connected
// listeners. Delivery is best-effort: a slow subscriber has messages
// dropped rather than blocking the rest, and nothing is replayed.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/order-pipeline/internal/order"
)

// Store is the slice of the StateStore used for connect-time pushes and
// point queries.
type Store interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	RecentOrders(ctx context.Context, limit int) ([]order.Order, error)
}

// MetricsSource answers the current snapshot.
type MetricsSource interface {
	Calculate(ctx context.Context) (*order.Metrics, error)
}

// HealthFunc produces the periodic health snapshot.
type HealthFunc func(ctx context.Context) any

// Envelope is one message pushed to a subscriber.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    time.Time       `json:"at"`
}

// Subscription is one connected listener. Close it when the connection
// goes away.
type Subscription struct {
	ID string
	C  <-chan Envelope

	ch        chan Envelope
	interests map[string]struct{}
	b         *Broadcaster
}

func (s *Subscription) Close() {
	s.b.remove(s.ID)
}

// interested reports whether this subscription wants updates for orderID.
// No declared interests means everything.
func (s *Subscription) interested(orderID string) bool {
	if len(s.interests) == 0 {
		return true
	}
	_, ok := s.interests[orderID]
	return ok
}

type Broadcaster struct {
	store   Store
	metrics MetricsSource
	health  HealthFunc

	mu   sync.RWMutex
	subs map[string]*Subscription

	metricsEvery time.Duration
	healthEvery  time.Duration
	buffer       int
}

func New(store Store, metrics MetricsSource, health HealthFunc) *Broadcaster {
	return &Broadcaster{
		store:        store,
		metrics:      metrics,
		health:       health,
		subs:         make(map[string]*Subscription),
		metricsEvery: 10 * time.Second,
		healthEvery:  30 * time.Second,
		buffer:       16,
	}
}

// Subscribe registers a listener. orderIDs, when given, restrict which
// order updates it receives; metrics and health always flow. The current
// metrics snapshot and the 10 most recent orders are pushed immediately.
func (b *Broadcaster) Subscribe(ctx context.Context, orderIDs ...string) *Subscription {
	sub := &Subscription{
		ID: uuid.NewString(),
		ch: make(chan Envelope, b.buffer),
		b:  b,
	}
	sub.C = sub.ch
	if len(orderIDs) > 0 {
		sub.interests = make(map[string]struct{}, len(orderIDs))
		for _, id := range orderIDs {
			sub.interests[id] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	if m, err := b.metrics.Calculate(ctx); err == nil {
		b.push(sub, envelope("metrics", m))
	} else {
		slog.WarnContext(ctx, "realtime: connect-time metrics push failed", "error", err)
	}
	if recent, err := b.store.RecentOrders(ctx, 10); err == nil {
		b.push(sub, envelope("recent-orders", recent))
	} else {
		slog.WarnContext(ctx, "realtime: connect-time recent push failed", "error", err)
	}

	return sub
}

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Subscribers reports the number of live connections.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// HandleUpdate is registered as a StateStore update listener and relays
// notifications to the connected subscribers.
func (b *Broadcaster) HandleUpdate(channel string, payload []byte) {
	switch channel {
	case order.ChannelOrderUpdates:
		var o struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &o); err != nil {
			slog.Warn("realtime: undecodable order update", "error", err)
			return
		}
		b.relay("order-update", payload, o.ID)
	case order.ChannelMetricsUpdates:
		b.relay("metrics-update", payload, "")
	default:
		slog.Warn("realtime: update on unknown channel", "channel", channel)
	}
}

// relay delivers to every subscription; orderID, when non-empty, applies
// the interest filter.
func (b *Broadcaster) relay(event string, data []byte, orderID string) {
	env := Envelope{Event: event, Data: data, At: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if orderID != "" && !sub.interested(orderID) {
			continue
		}
		b.push(sub, env)
	}
}

// push never blocks: a full subscriber buffer drops the message.
func (b *Broadcaster) push(sub *Subscription, env Envelope) {
	select {
	case sub.ch <- env:
	default:
		slog.Debug("realtime: dropping message for slow subscriber", "subscription", sub.ID, "event", env.Event)
	}
}

// Run emits scheduled snapshots regardless of whether anything changed:
// metrics every 10s, health every 30s. Blocks until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	metricsTick := time.NewTicker(b.metricsEvery)
	healthTick := time.NewTicker(b.healthEvery)
	defer metricsTick.Stop()
	defer healthTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-metricsTick.C:
			if m, err := b.metrics.Calculate(ctx); err == nil {
				b.broadcast("metrics", m)
			} else {
				slog.WarnContext(ctx, "realtime: scheduled metrics push failed", "error", err)
			}
		case <-healthTick.C:
			b.broadcast("health", b.health(ctx))
		}
	}
}

func (b *Broadcaster) broadcast(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("realtime: broadcast marshal failed", "event", event, "error", err)
		return
	}
	b.relay(event, data, "")
}

func envelope(event string, v any) Envelope {
	data, _ := json.Marshal(v)
	return Envelope{Event: event, Data: data, At: time.Now().UTC()}
}

// Order answers a point query from the StateStore.
func (b *Broadcaster) Order(ctx context.Context, id string) (*order.Order, error) {
	return b.store.GetOrder(ctx, id)
}

// Metrics answers a point query for the current snapshot.
func (b *Broadcaster) Metrics(ctx context.Context) (*order.Metrics, error) {
	return b.metrics.Calculate(ctx)
}

// Recent answers a point query, capped at 50 orders.
func (b *Broadcaster) Recent(ctx context.Context, limit int) ([]order.Order, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	return b.store.RecentOrders(ctx, limit)
}
