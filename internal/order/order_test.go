package order

import (
	"testing"
)

func TestTotalRoundsToTwoDecimals(t *testing.T) {
	cases := []struct {
		name  string
		items []Item
		want  float64
	}{
		{"single line", []Item{{Name: "X", Quantity: 2, Price: 10}}, 20},
		{"fractional prices", []Item{{Name: "A", Quantity: 3, Price: 0.1}}, 0.3},
		{"accumulated rounding", []Item{{Name: "A", Quantity: 1, Price: 1.005}, {Name: "B", Quantity: 1, Price: 2.004}}, 3.01},
		{"mixed lines", []Item{{Name: "A", Quantity: 2, Price: 19.99}, {Name: "B", Quantity: 1, Price: 5.5}}, 45.48},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Total(tc.items); got != tc.want {
				t.Errorf("Total(%v) = %v, want %v", tc.items, got, tc.want)
			}
		})
	}
}

func TestCreatePayloadValidation(t *testing.T) {
	valid := CreatePayload{
		CustomerID: "C1",
		Items:      []Item{{Name: "X", Quantity: 2, Price: 10}},
	}
	if err := valid.validate(); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*CreatePayload)
	}{
		{"empty customer", func(p *CreatePayload) { p.CustomerID = "" }},
		{"no items", func(p *CreatePayload) { p.Items = nil }},
		{"zero quantity", func(p *CreatePayload) { p.Items[0].Quantity = 0 }},
		{"negative quantity", func(p *CreatePayload) { p.Items[0].Quantity = -1 }},
		{"negative price", func(p *CreatePayload) { p.Items[0].Price = -0.01 }},
		{"zero total", func(p *CreatePayload) { p.Items[0].Price = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := CreatePayload{
				CustomerID: valid.CustomerID,
				Items:      []Item{valid.Items[0]},
			}
			tc.mutate(&p)
			err := p.validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !IsValidation(err) {
				t.Errorf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	for st, want := range map[Status]bool{
		StatusPending:    false,
		StatusProcessing: false,
		StatusCompleted:  true,
		StatusFailed:     true,
	} {
		if st.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", st, st.Terminal(), want)
		}
	}
}

func TestNewEventSnapshotsOrder(t *testing.T) {
	o := &Order{ID: "ord-1", Status: StatusPending}
	ev := NewEvent(EventCreated, o, "test")

	o.Status = StatusCompleted
	if ev.Order.Status != StatusPending {
		t.Error("event order must be a snapshot, not a live reference")
	}
	if ev.ID == "" || ev.Timestamp.IsZero() {
		t.Error("event id and timestamp must be set")
	}
	if ev.Type != EventCreated || ev.Source != "test" {
		t.Errorf("envelope fields wrong: %+v", ev)
	}
}
