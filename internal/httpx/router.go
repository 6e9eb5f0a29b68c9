package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/webhook/orders", h.CreateOrderWebhook)
	r.Post("/orders/{id}/retry", h.RetryOrder)
	r.Get("/orders/{id}", h.GetOrder)
	r.Get("/orders", h.GetRecentOrders)
	r.Get("/metrics", h.GetMetrics)
	r.Get("/healthz", h.Healthz)
	r.Get("/stream", h.Stream)
	return r
}
