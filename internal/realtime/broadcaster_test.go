package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jcmexdev/order-pipeline/internal/order"
)

type fakeStore struct {
	orders map[string]*order.Order
	recent []order.Order
}

func (f *fakeStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	return f.orders[id], nil
}

func (f *fakeStore) RecentOrders(_ context.Context, limit int) ([]order.Order, error) {
	if limit < len(f.recent) {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

type fakeMetrics struct{ m order.Metrics }

func (f *fakeMetrics) Calculate(context.Context) (*order.Metrics, error) {
	cp := f.m
	return &cp, nil
}

func newBroadcaster(recent []order.Order) *Broadcaster {
	return New(
		&fakeStore{recent: recent, orders: map[string]*order.Order{}},
		&fakeMetrics{m: order.Metrics{TotalOrders: len(recent)}},
		func(context.Context) any { return map[string]string{"status": "healthy"} },
	)
}

func drain(sub *Subscription) []Envelope {
	var out []Envelope
	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestSubscribePushesInitialState(t *testing.T) {
	recent := make([]order.Order, 12)
	for i := range recent {
		recent[i] = order.Order{ID: string(rune('a' + i))}
	}
	b := newBroadcaster(recent)

	sub := b.Subscribe(context.Background())
	defer sub.Close()

	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("expected metrics + recent-orders on connect, got %d messages", len(got))
	}
	if got[0].Event != "metrics" {
		t.Errorf("first push = %s, want metrics", got[0].Event)
	}
	if got[1].Event != "recent-orders" {
		t.Errorf("second push = %s, want recent-orders", got[1].Event)
	}
	var pushed []order.Order
	if err := json.Unmarshal(got[1].Data, &pushed); err != nil {
		t.Fatal(err)
	}
	if len(pushed) != 10 {
		t.Errorf("connect push carries %d orders, want 10", len(pushed))
	}
}

func TestHandleUpdateRelaysToAll(t *testing.T) {
	b := newBroadcaster(nil)
	s1 := b.Subscribe(context.Background())
	s2 := b.Subscribe(context.Background())
	defer s1.Close()
	defer s2.Close()
	drain(s1)
	drain(s2)

	payload, _ := json.Marshal(order.Order{ID: "ord-1", Status: order.StatusCompleted})
	b.HandleUpdate(order.ChannelOrderUpdates, payload)

	for _, sub := range []*Subscription{s1, s2} {
		got := drain(sub)
		if len(got) != 1 || got[0].Event != "order-update" {
			t.Fatalf("subscriber missed order-update: %+v", got)
		}
	}
}

func TestHandleUpdateHonorsInterestGroups(t *testing.T) {
	b := newBroadcaster(nil)
	all := b.Subscribe(context.Background())
	only2 := b.Subscribe(context.Background(), "ord-2")
	defer all.Close()
	defer only2.Close()
	drain(all)
	drain(only2)

	p1, _ := json.Marshal(order.Order{ID: "ord-1"})
	b.HandleUpdate(order.ChannelOrderUpdates, p1)

	if got := drain(all); len(got) != 1 {
		t.Errorf("unfiltered subscriber should see ord-1: %+v", got)
	}
	if got := drain(only2); len(got) != 0 {
		t.Errorf("interest-filtered subscriber should not see ord-1: %+v", got)
	}

	// Metrics updates bypass interest filters.
	m, _ := json.Marshal(order.Metrics{})
	b.HandleUpdate(order.ChannelMetricsUpdates, m)
	if got := drain(only2); len(got) != 1 || got[0].Event != "metrics-update" {
		t.Errorf("metrics must reach filtered subscribers: %+v", got)
	}
}

func TestSlowSubscriberNeverBlocks(t *testing.T) {
	b := newBroadcaster(nil)
	b.buffer = 1
	sub := b.Subscribe(context.Background())
	defer sub.Close()
	drain(sub)

	payload, _ := json.Marshal(order.Order{ID: "ord-1"})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.HandleUpdate(order.ChannelOrderUpdates, payload)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay blocked on a slow subscriber")
	}
}

func TestCloseRemovesSubscriber(t *testing.T) {
	b := newBroadcaster(nil)
	sub := b.Subscribe(context.Background())
	if b.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", b.Subscribers())
	}
	sub.Close()
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers = %d after close, want 0", b.Subscribers())
	}
	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after Close")
	}
}

func TestRunEmitsScheduledSnapshots(t *testing.T) {
	b := newBroadcaster(nil)
	b.metricsEvery = 5 * time.Millisecond
	b.healthEvery = 8 * time.Millisecond
	sub := b.Subscribe(context.Background())
	defer sub.Close()
	drain(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	b.Run(ctx)

	var metrics, health int
	for _, env := range drain(sub) {
		switch env.Event {
		case "metrics":
			metrics++
		case "health":
			health++
		}
	}
	if metrics == 0 {
		t.Error("no scheduled metrics snapshots observed")
	}
	if health == 0 {
		t.Error("no scheduled health snapshots observed")
	}
}

func TestPointQueries(t *testing.T) {
	b := newBroadcaster(make([]order.Order, 60))
	fs := b.store.(*fakeStore)
	fs.orders["ord-1"] = &order.Order{ID: "ord-1"}

	o, err := b.Order(context.Background(), "ord-1")
	if err != nil || o == nil || o.ID != "ord-1" {
		t.Errorf("order query: %+v, %v", o, err)
	}

	m, err := b.Metrics(context.Background())
	if err != nil || m == nil {
		t.Errorf("metrics query: %+v, %v", m, err)
	}

	recent, err := b.Recent(context.Background(), 500)
	if err != nil {
		t.Fatalf("recent query: %v", err)
	}
	if len(recent) != 50 {
		t.Errorf("recent query returned %d, want cap of 50", len(recent))
	}
}
