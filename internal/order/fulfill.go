package order

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrFulfillmentFailed marks a downstream processing failure; the order
// transitions to failed and becomes eligible for retry.
var ErrFulfillmentFailed = errors.New("fulfillment failed")

// Fulfiller performs the downstream unit of work for a created order. The
// pipeline wiring only depends on this capability, so a real integration
// (payment capture, warehouse reservation, ...) can replace the simulation
// without touching the processor.
type Fulfiller interface {
	Fulfill(ctx context.Context, o *Order) error
}

// SimulatedFulfiller stands in for real fulfillment: it sleeps for a
// duration scaled by item count and order amount, then fails a fixed
// fraction of attempts. The randomized outcome exists to exercise the
// failure path end to end; it is not business logic.
type SimulatedFulfiller struct {
	// SuccessRate in [0,1]; the default is 0.9.
	SuccessRate float64
	// BaseDelay anchors the simulated work duration; the default is 200ms.
	BaseDelay time.Duration
}

func (f *SimulatedFulfiller) Fulfill(ctx context.Context, o *Order) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.delayFor(o)):
	}

	rate := f.SuccessRate
	if rate == 0 {
		rate = 0.9
	}
	if rand.Float64() >= rate {
		return ErrFulfillmentFailed
	}
	return nil
}

// delayFor scales the base delay by order size: each item adds 50ms and
// every 100 currency units adds 10ms, capped at 5s so a pathological order
// cannot stall the partition.
func (f *SimulatedFulfiller) delayFor(o *Order) time.Duration {
	base := f.BaseDelay
	if base == 0 {
		base = 200 * time.Millisecond
	}
	d := base +
		time.Duration(len(o.Items))*50*time.Millisecond +
		time.Duration(o.TotalAmount/100)*10*time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
