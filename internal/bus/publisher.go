package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the slice of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes JSON-encoded events to a single topic. The Hash balancer
// keeps every message with the same key on the same partition, which is what
// gives the within-key ordering guarantee.
type Publisher struct {
	topic   string
	w       messageWriter
	timeout time.Duration
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		topic: topic,
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 10 * time.Second,
		},
		timeout: 10 * time.Second,
	}
}

func (p *Publisher) Close() error { return p.w.Close() }

// Publish JSON-encodes payload and writes it under key. Headers are optional.
func (p *Publisher) Publish(ctx context.Context, key string, payload any, headers map[string]string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for topic %s: %w", p.topic, err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: b,
		Time:  time.Now(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", p.topic, err)
	}
	return nil
}
