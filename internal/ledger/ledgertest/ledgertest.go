// Package ledgertest provides an in-memory ledger, fake gateway and
// controllable clock for tests of the packages built on the ledger.
package ledgertest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/shortlet/internal/gateway"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/money"
)

// Start is the initial time of every Clock.
var Start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock() *Clock { return &Clock{t: Start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// Logger discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Fees is a ₦90,000 room fee (3 nights at ₦30,000) with ₦5,000 cleaning,
// ₦3,000 service and a ₦20,000 deposit.
func Fees() money.Fees {
	return money.Fees{
		RoomFee:         money.Naira(90000),
		CleaningFee:     money.Naira(5000),
		ServiceFee:      money.Naira(3000),
		SecurityDeposit: money.Naira(20000),
	}
}

// Env bundles the collaborators most settlement tests need.
type Env struct {
	Clock   *Clock
	Store   *ledger.MemoryStore
	Ledger  *ledger.Service
	Gateway *gateway.MemoryClient
}

// New creates an empty environment.
func New(t *testing.T) *Env {
	t.Helper()
	clock := NewClock()
	store := ledger.NewMemoryStore().WithClock(clock.Now)
	return &Env{
		Clock:   clock,
		Store:   store,
		Ledger:  ledger.NewService(store, Logger()).WithClock(clock.Now),
		Gateway: gateway.NewMemoryClient().WithClock(clock.Now),
	}
}

// Seed registers a 3-night booking checking in at checkIn with a one hour
// dispute window and records the guest payment as held.
func (e *Env) Seed(t *testing.T, id string, checkIn time.Time) (*ledger.Booking, *ledger.Payment) {
	t.Helper()
	return e.SeedWithFees(t, id, checkIn, Fees())
}

// SeedWithFees is Seed with a custom fee breakdown. The nightly rate is
// derived from the room fee; a room fee not divisible by three is booked
// as a single night.
func (e *Env) SeedWithFees(t *testing.T, id string, checkIn time.Time, fees money.Fees) (*ledger.Booking, *ledger.Payment) {
	t.Helper()
	ctx := context.Background()
	nights := 3
	if fees.RoomFee%3 != 0 {
		nights = 1
	}

	b, err := e.Ledger.RegisterBooking(ctx, &ledger.Booking{
		ID:                id,
		GuestID:           "guest-" + id,
		RealtorID:         "realtor-" + id,
		PropertyID:        "prop-" + id,
		RealtorSubaccount: "acct_" + id,
		CheckInAt:         checkIn,
		CheckOutAt:        checkIn.Add(72 * time.Hour),
		NightlyRate:       fees.RoomFee / int64(nights),
		Nights:            nights,
	}, time.Hour)
	if err != nil {
		t.Fatalf("register booking %s: %v", id, err)
	}

	ref := "pay_" + id
	e.Gateway.AddPayment(gateway.Verification{
		Reference: ref, Amount: fees.Total(), Currency: money.DefaultCurrency, Paid: true, BookingID: id,
	})
	p, err := e.Ledger.RecordHeld(ctx, b, fees, fees.Total(), ref)
	if err != nil {
		t.Fatalf("record held %s: %v", id, err)
	}
	return b, p
}

// CheckIn marks the booking active and checked in.
func (e *Env) CheckIn(t *testing.T, id string) {
	t.Helper()
	if _, err := e.Ledger.UpdateStay(context.Background(), id, ledger.StayCheckedIn); err != nil {
		t.Fatalf("check in %s: %v", id, err)
	}
}

// Payment reloads the booking's payment.
func (e *Env) Payment(t *testing.T, id string) *ledger.Payment {
	t.Helper()
	p, err := e.Store.GetPayment(context.Background(), id)
	if err != nil {
		t.Fatalf("get payment %s: %v", id, err)
	}
	return p
}

// Events reloads the booking's events.
func (e *Env) Events(t *testing.T, id string) []*ledger.Event {
	t.Helper()
	events, err := e.Store.ListEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("list events %s: %v", id, err)
	}
	return events
}

// EventsOfType filters the booking's events.
func (e *Env) EventsOfType(t *testing.T, id string, typ ledger.EventType) []*ledger.Event {
	t.Helper()
	var out []*ledger.Event
	for _, ev := range e.Events(t, id) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
