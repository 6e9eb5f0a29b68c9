// Package order holds the domain model and the OrderProcessor that drives an
// order through its lifecycle: pending → processing → completed | failed,
// with failed orders retryable up to MaxRetries attempts.
package order

import (
	"math"
	"time"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is expected without a retry.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MaxRetries bounds how many times a failed order may be re-queued.
const MaxRetries = 3

// Item is a single order line.
type Item struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Order is the authoritative state cached in the StateStore. It is
// deliberately ephemeral: nothing outlives the cache TTL or the bounded
// recent-orders list.
type Order struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customerId"`
	Items       []Item    `json:"items"`
	Status      Status    `json:"status"`
	TotalAmount float64   `json:"totalAmount"`
	Timestamp   time.Time `json:"timestamp"`

	// ProcessingTime is the fulfillment duration in milliseconds, recorded
	// only on completed orders.
	ProcessingTime float64 `json:"processingTime,omitempty"`
	RetryCount     int     `json:"retryCount,omitempty"`
}

// Metrics is the rolling snapshot derived from the recent-orders list.
type Metrics struct {
	TotalOrders           int     `json:"totalOrders"`
	CompletedOrders       int     `json:"completedOrders"`
	FailedOrders          int     `json:"failedOrders"`
	PendingOrders         int     `json:"pendingOrders"`
	AverageProcessingTime float64 `json:"averageProcessingTime"`
	ThroughputPerMinute   float64 `json:"throughputPerMinute"`
}

// CreatePayload is the validated ingress shape handed to CreateOrder. The
// surrounding HTTP layer does structural decoding; business validation
// happens here.
type CreatePayload struct {
	CustomerID string
	Items      []Item
	Source     string
}

// Total computes Σ(price·quantity) rounded to 2 decimals.
func Total(items []Item) float64 {
	var sum float64
	for _, it := range items {
		sum += it.Price * float64(it.Quantity)
	}
	return round2(sum)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func (p CreatePayload) validate() error {
	if p.CustomerID == "" {
		return &ValidationError{Field: "customerId", Reason: "must not be empty"}
	}
	if len(p.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "must not be empty"}
	}
	for i, it := range p.Items {
		if it.Quantity <= 0 {
			return &ValidationError{Field: "items", Reason: "quantity must be positive", Index: i}
		}
		if it.Price < 0 {
			return &ValidationError{Field: "items", Reason: "price must not be negative", Index: i}
		}
	}
	if Total(p.Items) <= 0 {
		return &ValidationError{Field: "totalAmount", Reason: "must be positive"}
	}
	return nil
}
