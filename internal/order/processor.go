package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jcmexdev/order-pipeline/internal/bus"
)

// Store is the slice of the StateStore the processor needs. The concrete
// Redis implementation lives in internal/store.
type Store interface {
	CacheOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status Status, processingTime time.Duration) (*Order, error)
	AddToRecentOrders(ctx context.Context, o *Order) error
	PublishUpdate(ctx context.Context, channel string, payload any) error
}

// Publisher writes to one bus topic. Satisfied by *bus.Publisher.
type Publisher interface {
	Publish(ctx context.Context, key string, payload any, headers map[string]string) error
}

// MetricsRefresher recomputes the rolling metrics snapshot.
type MetricsRefresher interface {
	Refresh(ctx context.Context) (*Metrics, error)
}

// CreateResult is the asynchronous acknowledgment returned to the webhook
// caller: the order is accepted but not yet processed.
type CreateResult struct {
	OrderID string `json:"orderId"`
	Message string `json:"message"`
}

// Processor owns order lifecycle transitions. All collaborators are
// injected; nothing here reaches for globals.
type Processor struct {
	store   Store
	orders  Publisher // orders topic, keyed by order id
	notify  Publisher // notifications topic, fire-and-forget
	fulfill Fulfiller
	metrics MetricsRefresher
	source  string
}

func NewProcessor(store Store, orders, notify Publisher, fulfill Fulfiller, metrics MetricsRefresher, source string) *Processor {
	return &Processor{
		store:   store,
		orders:  orders,
		notify:  notify,
		fulfill: fulfill,
		metrics: metrics,
		source:  source,
	}
}

// Handlers returns the dispatch table for the orders topic, built once at
// startup and handed to the bus subscriber.
func (p *Processor) Handlers() map[string]bus.Handler {
	return map[string]bus.Handler{
		string(EventCreated): p.eventHandler(p.HandleCreated),
		string(EventUpdated): p.eventHandler(p.HandleUpdated),
	}
}

func (p *Processor) eventHandler(fn func(context.Context, Event) error) bus.Handler {
	return func(ctx context.Context, m bus.Message) error {
		var ev Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			return fmt.Errorf("decode order event: %w", err)
		}
		if ev.Order == nil {
			return fmt.Errorf("order event %s carries no order snapshot", ev.ID)
		}
		return fn(ctx, ev)
	}
}

// CreateOrder validates the payload, caches the new order, publishes the
// CREATED event, and acknowledges immediately. Downstream processing is not
// awaited. The cache write and the publish are the critical path; metrics
// refresh is best-effort.
func (p *Processor) CreateOrder(ctx context.Context, payload CreatePayload) (*CreateResult, error) {
	if err := payload.validate(); err != nil {
		return nil, err
	}

	o := &Order{
		ID:          uuid.NewString(),
		CustomerID:  payload.CustomerID,
		Items:       payload.Items,
		Status:      StatusPending,
		TotalAmount: Total(payload.Items),
		Timestamp:   time.Now().UTC(),
	}

	if err := p.store.CacheOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("cache new order: %w", err)
	}
	if err := p.store.AddToRecentOrders(ctx, o); err != nil {
		slog.WarnContext(ctx, "recent-orders append failed", "order_id", o.ID, "error", err)
	}

	if err := p.publishCreated(ctx, o, payload.Source); err != nil {
		return nil, err
	}

	p.refreshMetrics(ctx)

	slog.InfoContext(ctx, "order accepted", "order_id", o.ID, "customer_id", o.CustomerID, "total", o.TotalAmount)
	return &CreateResult{
		OrderID: o.ID,
		Message: "order accepted and queued for processing",
	}, nil
}

func (p *Processor) publishCreated(ctx context.Context, o *Order, source string) error {
	if source == "" {
		source = p.source
	}
	headers := map[string]string{
		bus.HeaderRetryCount: strconv.Itoa(o.RetryCount),
	}
	if err := p.orders.Publish(ctx, o.ID, NewEvent(EventCreated, o, source), headers); err != nil {
		return fmt.Errorf("publish CREATED for %s: %w", o.ID, err)
	}
	return nil
}

// HandleCreated consumes a CREATED event: pending → processing, run the
// fulfillment capability, then resolve completed or failed. The outcome is
// announced on the notifications topic and the UPDATED event re-enters the
// orders topic for state merging.
func (p *Processor) HandleCreated(ctx context.Context, ev Event) error {
	id := ev.Order.ID

	if _, err := p.store.UpdateOrderStatus(ctx, id, StatusProcessing, 0); err != nil {
		return fmt.Errorf("transition %s to processing: %w", id, err)
	}

	start := time.Now()
	ferr := p.fulfill.Fulfill(ctx, ev.Order)
	elapsed := time.Since(start)

	var (
		updated *Order
		err     error
	)
	if ferr == nil {
		updated, err = p.store.UpdateOrderStatus(ctx, id, StatusCompleted, elapsed)
	} else if errors.Is(ferr, ErrFulfillmentFailed) {
		updated, err = p.store.UpdateOrderStatus(ctx, id, StatusFailed, 0)
	} else {
		// Context cancellation or another unexpected error: leave the order
		// in processing and let at-least-once delivery retry it.
		return fmt.Errorf("fulfillment for %s: %w", id, ferr)
	}
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", id, err)
	}

	// The status transition is committed; everything below is best-effort.
	if perr := p.orders.Publish(ctx, id, NewEvent(EventUpdated, updated, p.source), nil); perr != nil {
		slog.ErrorContext(ctx, "UPDATED publish failed", "order_id", id, "error", perr)
	}
	p.announceOutcome(ctx, updated)
	p.refreshMetrics(ctx)

	slog.InfoContext(ctx, "order processed",
		"order_id", id, "status", updated.Status, "processing_ms", updated.ProcessingTime)
	return nil
}

// HandleUpdated merges the event snapshot into the store, relays the change
// on the order-updates channel, and emits a derived status-changed
// announcement.
func (p *Processor) HandleUpdated(ctx context.Context, ev Event) error {
	if err := p.store.CacheOrder(ctx, ev.Order); err != nil {
		return fmt.Errorf("merge UPDATED snapshot for %s: %w", ev.Order.ID, err)
	}

	if err := p.store.PublishUpdate(ctx, ChannelOrderUpdates, ev.Order); err != nil {
		slog.WarnContext(ctx, "order-updates notify failed", "order_id", ev.Order.ID, "error", err)
	}

	change := StatusChange{
		Type:      "status-changed",
		OrderID:   ev.Order.ID,
		Status:    ev.Order.Status,
		Timestamp: time.Now().UTC(),
	}
	if err := p.notify.Publish(ctx, ev.Order.ID, change, nil); err != nil {
		slog.WarnContext(ctx, "status-changed announce failed", "order_id", ev.Order.ID, "error", err)
	}
	return nil
}

// RetryFailedOrder re-queues a failed order as a fresh CREATED event.
// Returns false without side effects when the order is missing, not failed,
// or already at the retry bound. A retried attempt is indistinguishable
// downstream from a first attempt except via retryCount.
func (p *Processor) RetryFailedOrder(ctx context.Context, id string) (bool, error) {
	o, err := p.store.GetOrder(ctx, id)
	if err != nil {
		return false, err
	}
	if o == nil || o.Status != StatusFailed || o.RetryCount >= MaxRetries {
		return false, nil
	}

	o.RetryCount++
	o.Status = StatusPending
	o.ProcessingTime = 0

	if err := p.store.CacheOrder(ctx, o); err != nil {
		return false, fmt.Errorf("reset %s for retry: %w", id, err)
	}
	if err := p.publishCreated(ctx, o, p.source); err != nil {
		return false, err
	}

	p.refreshMetrics(ctx)
	slog.InfoContext(ctx, "order re-queued", "order_id", id, "retry_count", o.RetryCount)
	return true, nil
}

// announceOutcome emits a COMPLETED or FAILED event on the notifications
// topic for external listeners.
func (p *Processor) announceOutcome(ctx context.Context, o *Order) {
	t := EventCompleted
	if o.Status == StatusFailed {
		t = EventFailed
	}
	if err := p.notify.Publish(ctx, o.ID, NewEvent(t, o, p.source), nil); err != nil {
		slog.WarnContext(ctx, "outcome announce failed", "order_id", o.ID, "error", err)
	}
}

// refreshMetrics recomputes the snapshot and pushes it on the
// metrics-updates channel. Failures are logged and swallowed: metrics never
// abort a status transition.
func (p *Processor) refreshMetrics(ctx context.Context) {
	m, err := p.metrics.Refresh(ctx)
	if err != nil {
		slog.WarnContext(ctx, "metrics refresh failed", "error", err)
		return
	}
	if err := p.store.PublishUpdate(ctx, ChannelMetricsUpdates, m); err != nil {
		slog.WarnContext(ctx, "metrics-updates notify failed", "error", err)
	}
}
