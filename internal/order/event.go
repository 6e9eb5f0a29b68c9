package order

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags an OrderEvent on the bus. The subscriber's dispatch table
// routes on it.
type EventType string

const (
	EventCreated   EventType = "CREATED"
	EventUpdated   EventType = "UPDATED"
	EventCompleted EventType = "COMPLETED"
	EventFailed    EventType = "FAILED"
)

// Notification channel names shared by the store pub/sub side and the
// broadcaster.
const (
	ChannelOrderUpdates   = "order-updates"
	ChannelMetricsUpdates = "metrics-updates"
)

// Event is the immutable envelope published to the orders topic. The Order
// field is a snapshot taken at publish time, never a live reference.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Order     *Order    `json:"order"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// NewEvent snapshots o into a fresh envelope.
func NewEvent(t EventType, o *Order, source string) Event {
	snapshot := *o
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Order:     &snapshot,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}

// StatusChange is the derived announcement emitted on the notifications
// topic when an order transitions. Fire-and-forget: nothing in this process
// consumes it.
type StatusChange struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"orderId"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
