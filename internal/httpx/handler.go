// Package httpx is the thin HTTP collaborator in front of the pipeline:
// webhook ingress, point queries, the SSE stream, and the health surface.
// Business validation and lifecycle logic live in internal/order.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/order-pipeline/internal/order"
	"github.com/jcmexdev/order-pipeline/internal/realtime"
)

// OrderService is the processor surface the handler needs.
type OrderService interface {
	CreateOrder(ctx context.Context, payload order.CreatePayload) (*order.CreateResult, error)
	RetryFailedOrder(ctx context.Context, id string) (bool, error)
}

// RateLimiter guards the webhook. Satisfied by *store.Store.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) bool
}

// HealthFunc assembles the health snapshot; wired in main where all the
// components are in scope.
type HealthFunc func(ctx context.Context) Health

type Handler struct {
	orders  OrderService
	rt      *realtime.Broadcaster
	limiter RateLimiter
	health  HealthFunc

	rateLimit  int64
	rateWindow time.Duration
}

func NewHandler(orders OrderService, rt *realtime.Broadcaster, limiter RateLimiter, health HealthFunc, rateLimit int64, rateWindow time.Duration) *Handler {
	return &Handler{
		orders:     orders,
		rt:         rt,
		limiter:    limiter,
		health:     health,
		rateLimit:  rateLimit,
		rateWindow: rateWindow,
	}
}

// CreateOrderWebhook accepts an order-creation request and acknowledges it
// before any downstream processing runs.
func (h *Handler) CreateOrderWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	source := "webhook"
	if req.Metadata != nil && req.Metadata.Source != "" {
		source = req.Metadata.Source
	}

	if !h.limiter.CheckRateLimit(r.Context(), "webhook:"+source, h.rateLimit, h.rateWindow) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many orders from "+source)
		return
	}

	items := make([]order.Item, len(req.Order.Items))
	for i, it := range req.Order.Items {
		items[i] = order.Item{Name: it.Name, Quantity: it.Quantity, Price: it.Price}
	}

	res, err := h.orders.CreateOrder(r.Context(), order.CreatePayload{
		CustomerID: req.Order.CustomerID,
		Items:      items,
		Source:     source,
	})
	if err != nil {
		if order.IsValidation(err) {
			writeError(w, http.StatusBadRequest, "invalid_order", err.Error())
			return
		}
		slog.ErrorContext(r.Context(), "order ingestion failed", "error", err)
		writeError(w, http.StatusBadGateway, "pipeline_unavailable", "order could not be accepted")
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

// RetryOrder re-queues a failed order.
func (h *Handler) RetryOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := h.orders.RetryFailedOrder(r.Context(), id)
	if err != nil {
		slog.ErrorContext(r.Context(), "retry failed", "order_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "pipeline_unavailable", "retry could not be queued")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "not_retryable", "order is missing, not failed, or out of retries")
		return
	}

	writeJSON(w, http.StatusAccepted, RetryResponse{
		OrderID: id,
		Message: "order re-queued for processing",
	})
}

// GetOrder answers a point query for a single order.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	o, err := h.rt.Order(r.Context(), id)
	if err != nil && !errors.Is(err, order.ErrNotFound) {
		writeError(w, http.StatusBadGateway, "store_unavailable", err.Error())
		return
	}
	if o == nil {
		writeError(w, http.StatusNotFound, "order_not_found", "")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetRecentOrders returns up to 50 recent orders, most recent first.
func (h *Handler) GetRecentOrders(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "")
			return
		}
		limit = n
	}

	orders, err := h.rt.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusBadGateway, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetMetrics returns the current rolling snapshot.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.rt.Metrics(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "store_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Healthz reports transport health; unhealthy still answers, with a 503.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	snapshot := h.health(r.Context())
	status := http.StatusOK
	if snapshot.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snapshot)
}
