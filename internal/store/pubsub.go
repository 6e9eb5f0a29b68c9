package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// UpdateListener receives raw notification payloads. Listeners run in
// registration order; a panicking listener is logged and isolated, never
// propagated to the others.
type UpdateListener func(channel string, payload []byte)

// PublishUpdate pushes a best-effort notification on a channel. There is no
// persistence and no replay: a subscriber that is not listening at publish
// time simply misses the message.
func (s *Store) PublishUpdate(ctx context.Context, channel string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal update for %s: %w", channel, err)
	}
	if err := s.rdb.Publish(ctx, channel, b).Err(); err != nil {
		return fmt.Errorf("store: publish update on %s: %w", channel, err)
	}
	return nil
}

// OnUpdate registers a listener for messages consumed by ListenUpdates.
func (s *Store) OnUpdate(fn UpdateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// ListenUpdates consumes the given channels until ctx is cancelled, fanning
// each message out to the registered listeners.
func (s *Store) ListenUpdates(ctx context.Context, channels ...string) error {
	ps := s.rdb.Subscribe(ctx, channels...)
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.fire(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (s *Store) fire(channel string, payload []byte) {
	s.mu.RLock()
	listeners := make([]UpdateListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		notify(fn, channel, payload)
	}
}

func notify(fn UpdateListener, channel string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("store: update listener panicked", "channel", channel, "panic", r)
		}
	}()
	fn(channel, payload)
}
