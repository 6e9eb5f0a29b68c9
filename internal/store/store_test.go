package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/jcmexdev/order-pipeline/internal/order"
)

func newTestStore(t *testing.T) (*Store, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	s := New(db)
	s.newToken = func() string { return "tok" }
	s.lockBackoff = time.Millisecond
	return s, mock
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func sampleOrder() *order.Order {
	return &order.Order{
		ID:          "ord-1",
		CustomerID:  "C1",
		Items:       []order.Item{{Name: "X", Quantity: 2, Price: 10}},
		Status:      order.StatusPending,
		TotalAmount: 20,
	}
}

func TestCacheAndGetOrder(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	o := sampleOrder()
	b := mustJSON(t, o)

	mock.ExpectSet("order:ord-1", b, OrderTTL).SetVal("OK")
	if err := s.CacheOrder(ctx, o); err != nil {
		t.Fatalf("cache: %v", err)
	}

	mock.ExpectGet("order:ord-1").SetVal(string(b))
	got, err := s.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != o.ID || got.Status != o.Status || got.TotalAmount != o.TotalAmount {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Reading again without intervening writes yields identical data.
	mock.ExpectGet("order:ord-1").SetVal(string(b))
	again, err := s.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if !equalOrders(*got, *again) {
		t.Error("idempotent read violated")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func equalOrders(a, b order.Order) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func TestGetOrderMissing(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectGet("order:ghost").RedisNil()
	got, err := s.GetOrder(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing order, got %+v", got)
	}
}

func TestUpdateOrderStatusMergesUnderLock(t *testing.T) {
	s, mock := newTestStore(t)
	existing := sampleOrder()

	updated := *existing
	updated.Status = order.StatusCompleted
	updated.ProcessingTime = 250

	mock.ExpectSetNX("lock:order:ord-1", "tok", updateLockTTL).SetVal(true)
	mock.ExpectGet("order:ord-1").SetVal(string(mustJSON(t, existing)))
	mock.ExpectSet("order:ord-1", mustJSON(t, &updated), OrderTTL).SetVal("OK")
	mock.ExpectEval(releaseScript, []string{"lock:order:ord-1"}, "tok").SetVal(int64(1))

	got, err := s.UpdateOrderStatus(context.Background(), "ord-1", order.StatusCompleted, 250*time.Millisecond)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != order.StatusCompleted || got.ProcessingTime != 250 {
		t.Errorf("merge wrong: %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateOrderStatusNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectSetNX("lock:order:ghost", "tok", updateLockTTL).SetVal(true)
	mock.ExpectGet("order:ghost").RedisNil()
	mock.ExpectEval(releaseScript, []string{"lock:order:ghost"}, "tok").SetVal(int64(1))

	_, err := s.UpdateOrderStatus(context.Background(), "ghost", order.StatusCompleted, 0)
	if !errors.Is(err, order.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateOrderStatusLockHeld(t *testing.T) {
	s, mock := newTestStore(t)
	s.lockRetries = 0

	mock.ExpectSetNX("lock:order:ord-1", "tok", updateLockTTL).SetVal(false)

	_, err := s.UpdateOrderStatus(context.Background(), "ord-1", order.StatusCompleted, 0)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
}

func TestAddToRecentOrdersPushesAndTrims(t *testing.T) {
	s, mock := newTestStore(t)
	o := sampleOrder()
	b := mustJSON(t, o)

	mock.ExpectLPush(recentKey, b).SetVal(1)
	mock.ExpectLTrim(recentKey, 0, recentCap-1).SetVal("OK")

	if err := s.AddToRecentOrders(context.Background(), o); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecentOrdersClampsLimitAndSkipsCorrupt(t *testing.T) {
	s, mock := newTestStore(t)
	a := mustJSON(t, &order.Order{ID: "a"})
	b := mustJSON(t, &order.Order{ID: "b"})

	// A limit beyond the capacity clamps to 100.
	mock.ExpectLRange(recentKey, 0, int64(recentCap)-1).SetVal([]string{string(a), "{corrupt", string(b)})

	got, err := s.RecentOrders(context.Background(), 500)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("recent orders wrong: %+v", got)
	}
}

func TestMetricsCacheRoundTrip(t *testing.T) {
	s, mock := newTestStore(t)
	m := &order.Metrics{TotalOrders: 12, CompletedOrders: 10, FailedOrders: 2, ThroughputPerMinute: 0.2}
	b := mustJSON(t, m)

	mock.ExpectSet(metricsKey, b, MetricsTTL).SetVal("OK")
	if err := s.CacheMetrics(context.Background(), m); err != nil {
		t.Fatalf("cache metrics: %v", err)
	}

	mock.ExpectGet(metricsKey).SetVal(string(b))
	got, err := s.CachedMetrics(context.Background())
	if err != nil || got == nil {
		t.Fatalf("cached metrics: %+v, %v", got, err)
	}
	if got.TotalOrders != 12 || got.ThroughputPerMinute != 0.2 {
		t.Errorf("metrics mismatch: %+v", got)
	}

	mock.ExpectGet(metricsKey).RedisNil()
	miss, err := s.CachedMetrics(context.Background())
	if err != nil || miss != nil {
		t.Errorf("cache miss must be (nil, nil), got %+v, %v", miss, err)
	}
}

func TestCheckRateLimitFixedWindow(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()
	window := 10 * time.Second

	// First hit in a window starts the expiry clock.
	mock.ExpectIncr("rate:webhook:C1").SetVal(1)
	mock.ExpectExpire("rate:webhook:C1", window).SetVal(true)
	if !s.CheckRateLimit(ctx, "webhook:C1", 2, window) {
		t.Error("first hit must be allowed")
	}

	mock.ExpectIncr("rate:webhook:C1").SetVal(2)
	if !s.CheckRateLimit(ctx, "webhook:C1", 2, window) {
		t.Error("hit at the limit must be allowed")
	}

	mock.ExpectIncr("rate:webhook:C1").SetVal(3)
	if s.CheckRateLimit(ctx, "webhook:C1", 2, window) {
		t.Error("hit beyond the limit must be denied")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCheckRateLimitFailsOpen(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectIncr("rate:webhook:C1").SetErr(errors.New("connection refused"))
	if !s.CheckRateLimit(context.Background(), "webhook:C1", 1, time.Second) {
		t.Error("transport failure must fail open")
	}
}

func TestAcquireLockSecondCallerBlocked(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectSetNX("lock:job", "tok", time.Minute).SetVal(true)
	token, err := s.AcquireLock(ctx, "job", time.Minute)
	if err != nil || token == "" {
		t.Fatalf("first acquire = (%q, %v), want token", token, err)
	}

	// Second caller before release or expiry gets nothing.
	mock.ExpectSetNX("lock:job", "tok", time.Minute).SetVal(false)
	second, err := s.AcquireLock(ctx, "job", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second != "" {
		t.Error("second acquire before expiry must return an empty token")
	}
}

func TestReleaseLockCompareAndDelete(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectEval(releaseScript, []string{"lock:job"}, "tok").SetVal(int64(1))
	ok, err := s.ReleaseLock(ctx, "job", "tok")
	if err != nil || !ok {
		t.Fatalf("release with matching token = (%v, %v), want (true, nil)", ok, err)
	}

	// A stale holder cannot delete a lock someone else re-acquired.
	mock.ExpectEval(releaseScript, []string{"lock:job"}, "stale").SetVal(int64(0))
	ok, err = s.ReleaseLock(ctx, "job", "stale")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok {
		t.Error("stale token must not release the lock")
	}
}

func TestFireInvokesListenersInOrderAndIsolatesPanics(t *testing.T) {
	s := New(nil)

	var calls []string
	s.OnUpdate(func(channel string, _ []byte) { calls = append(calls, "first:"+channel) })
	s.OnUpdate(func(string, []byte) { panic("listener bug") })
	s.OnUpdate(func(channel string, payload []byte) { calls = append(calls, "third:"+string(payload)) })

	s.fire("order-updates", []byte("x"))

	if len(calls) != 2 || calls[0] != "first:order-updates" || calls[1] != "third:x" {
		t.Errorf("listener fan-out wrong: %v", calls)
	}
}
