package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/jcmexdev/order-pipeline/internal/bus"
)

// WebhookRequest is the ingress payload. Status and totalAmount are
// accepted but ignored: the pipeline owns both.
type WebhookRequest struct {
	Order    WebhookOrder     `json:"order"`
	Metadata *WebhookMetadata `json:"metadata,omitempty"`
}

type WebhookOrder struct {
	CustomerID  string           `json:"customerId"`
	Items       []WebhookItemDTO `json:"items"`
	Status      string           `json:"status,omitempty"`
	TotalAmount float64          `json:"totalAmount,omitempty"`
}

type WebhookItemDTO struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

type WebhookMetadata struct {
	Source  string `json:"source,omitempty"`
	Version string `json:"version,omitempty"`
}

type RetryResponse struct {
	OrderID string `json:"orderId"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Health is the process health surface.
type Health struct {
	Status string       `json:"status"`
	Bus    []bus.Health `json:"bus"`
	Store  StoreHealth  `json:"store"`
	Uptime float64      `json:"uptime"` // seconds
}

type StoreHealth struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
