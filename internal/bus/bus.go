// Package bus is the event transport for the pipeline: at-least-once
// publish/subscribe over Kafka, ordered only within a partition key.
//
// Delivery semantics:
//   - Publish hashes the message key to a partition, so two events published
//     under the same key are consumed in publish order. Events under
//     different keys carry no relative ordering guarantee.
//   - A handler failure never blocks the partition: the message, the error,
//     and its retry count are forwarded to the dead-letter topic and
//     consumption continues.
//   - Loss of the consumer connection flips the health status and backs off;
//     it never crashes the process.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is the transport-level view of a consumed event.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
	Time    time.Time
}

// Handler consumes one message. A non-nil error diverts the message to the
// dead-letter topic; consumption continues either way.
type Handler func(ctx context.Context, msg Message) error

// DeadLetter is the envelope written to the dead-letter topic when a
// handler fails.
type DeadLetter struct {
	OriginalMessage json.RawMessage `json:"originalMessage"`
	Error           string          `json:"error"`
	FailedAt        time.Time       `json:"failedAt"`
	RetryCount      int             `json:"retryCount"`
}

// HeaderRetryCount carries the order retry attempt across a republish so the
// dead-letter record can report it.
const HeaderRetryCount = "x-retry-count"

func fromKafka(m kafka.Message) Message {
	msg := Message{
		Topic: m.Topic,
		Key:   string(m.Key),
		Value: m.Value,
		Time:  m.Time,
	}
	if len(m.Headers) > 0 {
		msg.Headers = make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}
