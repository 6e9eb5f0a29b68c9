package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// fetcher is the slice of *kafka.Reader the subscriber needs.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// deadLetterer forwards poison messages. Satisfied by *Publisher.
type deadLetterer interface {
	Publish(ctx context.Context, key string, payload any, headers map[string]string) error
}

// Health is the subscriber's contribution to the process health surface.
type Health struct {
	Topic     string `json:"topic"`
	GroupID   string `json:"groupId"`
	Connected bool   `json:"connected"`
}

// Subscriber consumes one topic with a consumer group and dispatches each
// event to exactly one handler chosen by the event's type field. The
// dispatch table is built once at startup and injected; it is never mutated
// afterwards.
type Subscriber struct {
	topic    string
	groupID  string
	r        fetcher
	dead     deadLetterer
	handlers map[string]Handler

	healthy        atomic.Bool
	handlerTimeout time.Duration
	fetchBackoff   time.Duration
}

func NewSubscriber(brokers []string, topic, groupID string, handlers map[string]Handler, dead *Publisher) *Subscriber {
	s := &Subscriber{
		topic:   topic,
		groupID: groupID,
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		dead:           dead,
		handlers:       handlers,
		handlerTimeout: 30 * time.Second,
		fetchBackoff:   500 * time.Millisecond,
	}
	// Optimistic until the first fetch says otherwise.
	s.healthy.Store(true)
	return s
}

// Healthy reports whether the last fetch from the broker succeeded.
func (s *Subscriber) Healthy() bool { return s.healthy.Load() }

func (s *Subscriber) Health() Health {
	return Health{Topic: s.topic, GroupID: s.groupID, Connected: s.healthy.Load()}
}

// Run consumes until ctx is cancelled, then drains the in-flight handler and
// closes the reader. Fetch errors back off and retry; they never escape.
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.r.Close()

	for {
		m, err := s.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.healthy.Store(false)
			slog.Error("bus: fetch failed", "topic", s.topic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.fetchBackoff):
			}
			continue
		}
		s.healthy.Store(true)

		// The handler and the commit run on a detached context so an
		// accepted message is fully processed even during shutdown.
		done := context.WithoutCancel(ctx)
		s.dispatch(done, m)

		commitCtx, cancel := context.WithTimeout(done, 5*time.Second)
		if err := s.r.CommitMessages(commitCtx, m); err != nil {
			slog.Error("bus: commit failed", "topic", s.topic, "error", err)
		}
		cancel()
	}
}

// dispatch routes one message. An unrecognized type is logged and dropped;
// a handler error or panic sends the message to the dead-letter topic.
func (s *Subscriber) dispatch(ctx context.Context, m kafka.Message) {
	msg := fromKafka(m)

	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		s.toDeadLetter(ctx, msg, fmt.Errorf("undecodable event envelope: %w", err))
		return
	}

	h, ok := s.handlers[env.Type]
	if !ok {
		slog.Warn("bus: unrecognized event type, dropping",
			"topic", s.topic, "type", env.Type, "key", msg.Key)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, s.handlerTimeout)
	defer cancel()
	if err := invoke(h, hctx, msg); err != nil {
		s.toDeadLetter(ctx, msg, err)
	}
}

// invoke runs the handler, converting a panic into an error so one poison
// message cannot take the consumer down.
func invoke(h Handler, ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (s *Subscriber) toDeadLetter(ctx context.Context, msg Message, cause error) {
	retries := 0
	if v, ok := msg.Headers[HeaderRetryCount]; ok {
		retries, _ = strconv.Atoi(v)
	}

	dl := DeadLetter{
		OriginalMessage: json.RawMessage(msg.Value),
		Error:           cause.Error(),
		FailedAt:        time.Now().UTC(),
		RetryCount:      retries,
	}
	if err := s.dead.Publish(ctx, msg.Key, dl, nil); err != nil {
		// Nothing left to do but log: the offset is still committed so the
		// partition keeps moving.
		slog.Error("bus: dead-letter publish failed",
			"topic", s.topic, "key", msg.Key, "cause", cause, "error", err)
		return
	}
	slog.Warn("bus: message diverted to dead-letter",
		"topic", s.topic, "key", msg.Key, "error", cause)
}
