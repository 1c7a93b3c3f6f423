package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/shortlet/internal/money"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (c *capturePublisher) PublishEscrowEvent(e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	clock := func() time.Time { return testNow }
	store := NewMemoryStore().WithClock(clock)
	return NewService(store, testLogger()).WithClock(clock), store
}

func testFees() money.Fees {
	return money.Fees{
		RoomFee:         money.Naira(90000),
		CleaningFee:     money.Naira(5000),
		ServiceFee:      money.Naira(3000),
		SecurityDeposit: money.Naira(20000),
	}
}

// seedHeld registers a 3-night booking and records a held payment for it.
func seedHeld(t *testing.T, svc *Service, id string) (*Booking, *Payment) {
	t.Helper()
	ctx := context.Background()
	b, err := svc.RegisterBooking(ctx, &Booking{
		ID:          id,
		GuestID:     "guest-1",
		RealtorID:   "realtor-1",
		PropertyID:  "prop-1",
		CheckInAt:   testNow.Add(30 * time.Hour),
		CheckOutAt:  testNow.Add(102 * time.Hour),
		NightlyRate: money.Naira(30000),
		Nights:      3,
	}, time.Hour)
	require.NoError(t, err)

	fees := testFees()
	p, err := svc.RecordHeld(ctx, b, fees, fees.Total(), "pay_"+id)
	require.NoError(t, err)
	return b, p
}

func TestRegisterBooking_DerivesEligibility(t *testing.T) {
	svc, _ := newTestService(t)
	b, _ := seedHeld(t, svc, "bk1")

	assert.Equal(t, BookingPending, b.Status)
	assert.Equal(t, StayNotStarted, b.StayStatus)
	assert.Equal(t, money.DefaultCurrency, b.Currency)
	assert.Equal(t, b.CheckInAt.Add(time.Hour), b.RoomFeeReleaseEligibleAt)
	assert.Equal(t, b.CheckInAt, b.PayoutEligibleAt)
}

func TestRegisterBooking_Rejects(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterBooking(ctx, &Booking{ID: "x", GuestID: "g", RealtorID: "r",
		CheckInAt: testNow, CheckOutAt: testNow}, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	seedHeld(t, svc, "dup")
	_, err = svc.RegisterBooking(ctx, &Booking{ID: "dup", GuestID: "g", RealtorID: "r",
		CheckInAt: testNow, CheckOutAt: testNow.Add(time.Hour)}, time.Hour)
	assert.ErrorIs(t, err, ErrBookingExists)
}

func TestRecordHeld(t *testing.T) {
	svc, store := newTestService(t)
	pub := &capturePublisher{}
	svc.WithPublisher(pub)
	_, p := seedHeld(t, svc, "bk1")

	assert.Equal(t, PaymentHeld, p.Status)
	assert.Equal(t, PayoutPending, p.PayoutStatus)
	assert.Equal(t, money.Naira(118000), p.TotalAmount)

	events, err := store.ListEvents(context.Background(), "bk1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventFundsHeld, events[0].Type)
	assert.Equal(t, "held_pay_bk1", events[0].Reference)
	assert.Equal(t, int64(0), events[0].Movement())
	assert.Len(t, pub.events, 1)
}

func TestRecordHeld_AmountMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	b, err := svc.RegisterBooking(ctx, &Booking{
		ID: "bk1", GuestID: "g", RealtorID: "r",
		CheckInAt: testNow.Add(time.Hour), CheckOutAt: testNow.Add(25 * time.Hour),
		NightlyRate: money.Naira(30000), Nights: 3,
	}, time.Hour)
	require.NoError(t, err)

	fees := testFees()
	_, err = svc.RecordHeld(ctx, b, fees, fees.Total()-1, "pay_1")
	assert.ErrorIs(t, err, ErrAmountMismatch)

	fees.RoomFee = money.Naira(80000)
	_, err = svc.RecordHeld(ctx, b, fees, fees.Total(), "pay_1")
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

func TestRecordHeld_Twice(t *testing.T) {
	svc, _ := newTestService(t)
	b, _ := seedHeld(t, svc, "bk1")

	fees := testFees()
	_, err := svc.RecordHeld(context.Background(), b, fees, fees.Total(), "pay_other")
	assert.ErrorIs(t, err, ErrPaymentExists)
}

func TestAppend_RecordsMovement(t *testing.T) {
	svc, store := newTestService(t)
	seedHeld(t, svc, "bk1")
	ctx := WithActor(context.Background(), Actor{Role: RoleAdmin, ID: "ops"})

	e, err := svc.Append(ctx, &Event{
		BookingID: "bk1",
		Type:      EventReleaseDepositToCustomer,
		Amount:    money.Naira(20000),
		From:      PartyEscrow,
		To:        PartyCustomer,
		Reference: "dep_bk1",
	})
	require.NoError(t, err)
	assert.Equal(t, "admin:ops", e.Actor)
	assert.Equal(t, money.DefaultCurrency, e.Currency)
	assert.IsType(t, Pending{}, e.Outcome)

	p, err := store.GetPayment(ctx, "bk1")
	require.NoError(t, err)
	assert.Equal(t, money.Naira(20000), p.CustomerRefunded)
}

func TestAppend_Overdraft(t *testing.T) {
	svc, store := newTestService(t)
	_, p := seedHeld(t, svc, "bk1")
	ctx := context.Background()

	_, err := svc.Append(ctx, &Event{
		BookingID: "bk1", Type: EventPayRealtorPayout,
		Amount: p.TotalAmount - 100, From: PartyEscrow, To: PartyRealtor, Reference: "a",
	})
	require.NoError(t, err)

	_, err = svc.Append(ctx, &Event{
		BookingID: "bk1", Type: EventPayRealtorPayout,
		Amount: 101, From: PartyEscrow, To: PartyRealtor, Reference: "b",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEscrowOverdraft)

	var od *OverdraftError
	require.True(t, errors.As(err, &od))
	assert.Equal(t, p.TotalAmount, od.Held)
	assert.Equal(t, p.TotalAmount-100, od.Moved)
	assert.Equal(t, int64(101), od.Requested)

	// Nothing recorded by the failed write.
	events, _ := store.ListEvents(ctx, "bk1")
	assert.Len(t, events, 2)
	got, _ := store.GetPayment(ctx, "bk1")
	assert.Equal(t, p.TotalAmount-100, got.RealtorReleased)
}

func TestAppend_UnknownBooking(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Append(context.Background(), &Event{
		BookingID: "nope", Type: EventPayRealtorPayout, Amount: 1, To: PartyRealtor,
	})
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestAppend_RejectsReservedTypes(t *testing.T) {
	svc, _ := newTestService(t)
	seedHeld(t, svc, "bk1")
	for _, typ := range []EventType{EventFundsHeld, EventCompensatingAdjustment} {
		_, err := svc.Append(context.Background(), &Event{BookingID: "bk1", Type: typ, Amount: 1})
		assert.ErrorIs(t, err, ErrInvalidEvent, typ)
	}
}

func TestAppend_DuplicateReference(t *testing.T) {
	svc, _ := newTestService(t)
	seedHeld(t, svc, "bk1")
	ctx := context.Background()

	ev := func() *Event {
		return &Event{BookingID: "bk1", Type: EventRetainServiceFee, Amount: 100,
			From: PartyEscrow, To: PartyPlatform, Reference: "svc_bk1"}
	}
	_, err := svc.Append(ctx, ev())
	require.NoError(t, err)
	_, err = svc.Append(ctx, ev())
	assert.ErrorIs(t, err, ErrDuplicateReference)
}

func TestUpdate_SplitMustSum(t *testing.T) {
	svc, _ := newTestService(t)
	seedHeld(t, svc, "bk1")

	_, err := svc.Update(context.Background(), "bk1", func(r *Record) error {
		r.Emit(&Event{Type: EventReleaseRoomFeeSplit, Amount: 100, From: PartyEscrow, To: PartySplit,
			Split: &Split{Realtor: 90, Platform: 5}})
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestUpdate_CallbackErrorWritesNothing(t *testing.T) {
	svc, store := newTestService(t)
	seedHeld(t, svc, "bk1")
	boom := errors.New("boom")

	_, err := svc.Update(context.Background(), "bk1", func(r *Record) error {
		r.Payment.RoomFeeSplitDone = true
		r.Emit(&Event{Type: EventRetainServiceFee, Amount: 1, From: PartyEscrow, To: PartyPlatform})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, _ := store.GetPayment(context.Background(), "bk1")
	assert.False(t, p.RoomFeeSplitDone)
	events, _ := store.ListEvents(context.Background(), "bk1")
	assert.Len(t, events, 1)
}

func TestUpdate_ConcurrentWritersNeverOverdraw(t *testing.T) {
	svc, store := newTestService(t)
	_, p := seedHeld(t, svc, "bk1")
	ctx := context.Background()

	// 20 writers each try to move a tenth of the total.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Append(ctx, &Event{BookingID: "bk1", Type: EventPayRealtorPayout,
				Amount: p.TotalAmount / 10, From: PartyEscrow, To: PartyRealtor})
		}()
	}
	wg.Wait()

	events, _ := store.ListEvents(ctx, "bk1")
	r := Replay(events)
	assert.LessOrEqual(t, r.Moved, p.TotalAmount)
	assert.Len(t, events, 11)
}

func TestListForBooking_Ordered(t *testing.T) {
	svc, _ := newTestService(t)
	seedHeld(t, svc, "bk1")
	ctx := context.Background()

	for _, ref := range []string{"a", "b", "c"} {
		_, err := svc.Append(ctx, &Event{BookingID: "bk1", Type: EventRetainServiceFee,
			Amount: 10, From: PartyEscrow, To: PartyPlatform, Reference: ref})
		require.NoError(t, err)
	}

	events, err := svc.ListForBooking(ctx, "bk1")
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].Seq, events[i].Seq)
	}
	assert.Equal(t, "c", events[3].Reference)

	_, err = svc.ListForBooking(ctx, "missing")
	assert.ErrorIs(t, err, ErrBookingNotFound)
}

func TestCompensate(t *testing.T) {
	svc, store := newTestService(t)
	seedHeld(t, svc, "bk1")
	ctx := WithActor(context.Background(), Actor{Role: RoleAdmin, ID: "ops"})

	orig, err := svc.Append(ctx, &Event{BookingID: "bk1", Type: EventReleaseRoomFeeSplit,
		Amount: money.Naira(90000), From: PartyEscrow, To: PartySplit,
		Split: &Split{Realtor: money.Naira(81000), Platform: money.Naira(9000)}})
	require.NoError(t, err)

	adj, err := svc.Compensate(ctx, orig.ID, "booked against wrong booking")
	require.NoError(t, err)
	assert.Equal(t, EventCompensatingAdjustment, adj.Type)
	assert.Equal(t, orig.ID, adj.CompensatesEventID)
	assert.Equal(t, "adj_"+orig.ID, adj.Reference)
	assert.Equal(t, "admin:ops", adj.Actor)
	assert.Equal(t, -orig.Amount, adj.Movement())

	p, _ := store.GetPayment(ctx, "bk1")
	assert.Equal(t, int64(0), p.RealtorReleased)
	assert.Equal(t, int64(0), p.PlatformReleased)

	// Original is untouched.
	got, _ := store.GetEvent(ctx, orig.ID)
	assert.Equal(t, orig.Amount, got.Amount)

	// Only once.
	_, err = svc.Compensate(ctx, orig.ID, "again")
	assert.ErrorIs(t, err, ErrDuplicateReference)

	_, err = svc.Compensate(ctx, adj.ID, "nested")
	assert.ErrorIs(t, err, ErrNotCompensable)
}

func TestRecordOutcome_DoesNotMoveMoney(t *testing.T) {
	svc, store := newTestService(t)
	seedHeld(t, svc, "bk1")
	ctx := context.Background()

	e, err := svc.Append(ctx, &Event{BookingID: "bk1", Type: EventPayRealtorPayout,
		Amount: 500, From: PartyEscrow, To: PartyRealtor, Reference: "po_bk1"})
	require.NoError(t, err)

	updated, err := svc.RecordOutcome(ctx, e.ID, Confirmed{ProviderTxID: "tr_1", At: testNow})
	require.NoError(t, err)
	assert.Equal(t, "tr_1", updated.ProviderTxID)
	assert.Equal(t, OutcomeConfirmed, updated.DeliveryStatusKind())
	assert.Equal(t, int64(500), updated.Amount)

	p, _ := store.GetPayment(ctx, "bk1")
	assert.Equal(t, int64(500), p.RealtorReleased)

	_, err = svc.RecordOutcome(ctx, "evt_missing", Internal{})
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestUpdateStay(t *testing.T) {
	svc, _ := newTestService(t)
	seedHeld(t, svc, "bk1")

	b, err := svc.UpdateStay(context.Background(), "bk1", StayCheckedIn)
	require.NoError(t, err)
	assert.Equal(t, BookingActive, b.Status)
	assert.Equal(t, StayCheckedIn, b.StayStatus)
}

func TestReplay_MatchesProjection(t *testing.T) {
	svc, store := newTestService(t)
	seedHeld(t, svc, "bk1")
	ctx := context.Background()

	_, err := svc.Update(ctx, "bk1", func(r *Record) error {
		r.Emit(&Event{Type: EventRefundRoomFeeToCustomer, Amount: 100, From: PartyEscrow, To: PartyCustomer})
		r.Emit(&Event{Type: EventCancellationSplit, Amount: 300, From: PartyEscrow, To: PartySplit,
			Split: &Split{Realtor: 200, Platform: 100}})
		r.Emit(&Event{Type: EventRetainServiceFee, Amount: 50, From: PartyEscrow, To: PartyPlatform})
		return nil
	})
	require.NoError(t, err)

	events, _ := store.ListEvents(ctx, "bk1")
	r := Replay(events)
	p, _ := store.GetPayment(ctx, "bk1")
	assert.Equal(t, p.CustomerRefunded, r.Customer)
	assert.Equal(t, p.RealtorReleased, r.Realtor)
	assert.Equal(t, p.PlatformReleased, r.Platform)
	assert.Equal(t, int64(450), r.Moved)
	assert.Equal(t, p.Realized(), r.Moved)
}

func TestEvent_Delivery(t *testing.T) {
	split := &Event{Type: EventReleaseRoomFeeSplit, Amount: 100, To: PartySplit, Split: &Split{Realtor: 90, Platform: 10}}
	assert.Equal(t, int64(90), split.DeliveryAmount())
	assert.Equal(t, PartyRealtor, split.Recipient())

	platform := &Event{Type: EventRetainPlatformCommission, Amount: 10, To: PartyPlatform}
	assert.False(t, platform.NeedsDelivery())

	held := &Event{Type: EventFundsHeld, Amount: 100, To: PartyEscrow}
	assert.False(t, held.NeedsDelivery())
}

func TestAttemptReference(t *testing.T) {
	e := &Event{ID: "evt_1", Reference: "po_bk1"}
	assert.Equal(t, "po_bk1", e.AttemptReference())
	e.RetryCount = 2
	assert.Equal(t, "po_bk1_r2", e.AttemptReference())
	assert.Equal(t, "po_bk1", BaseReference(e.AttemptReference()))

	assert.Equal(t, "evt_1", (&Event{ID: "evt_1"}).AttemptReference())
	assert.Equal(t, "rfs_bk_r", BaseReference("rfs_bk_r"))
	assert.Equal(t, "a_rx1", BaseReference("a_rx1"))
}

func TestDeliveryStats_AndUndelivered(t *testing.T) {
	svc, store := newTestService(t)
	seedHeld(t, svc, "bk1")
	ctx := context.Background()

	ok, _ := svc.Append(ctx, &Event{BookingID: "bk1", Type: EventPayRealtorPayout, Amount: 10,
		From: PartyEscrow, To: PartyRealtor, Reference: "r1"})
	failed, _ := svc.Append(ctx, &Event{BookingID: "bk1", Type: EventReleaseDepositToCustomer, Amount: 10,
		From: PartyEscrow, To: PartyCustomer, Reference: "r2"})
	_, _ = svc.Append(ctx, &Event{BookingID: "bk1", Type: EventRetainServiceFee, Amount: 10,
		From: PartyEscrow, To: PartyPlatform, Reference: "r3"})

	_, err := svc.RecordOutcome(ctx, ok.ID, Confirmed{ProviderTxID: "tr_1"})
	require.NoError(t, err)
	attempt := testNow
	_, err = store.UpdateDelivery(ctx, failed.ID, func(d *Delivery) error {
		d.Outcome = Failed{Reason: "insufficient balance", At: attempt}
		d.RetryCount++
		d.LastAttemptAt = &attempt
		return nil
	})
	require.NoError(t, err)

	stats, err := store.DeliveryStats(ctx, testNow.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, stats.DeliveryEvents)
	assert.Equal(t, 1, stats.ByOutcome[OutcomeConfirmed])
	assert.Equal(t, 1, stats.ByOutcome[OutcomeFailed])
	assert.Equal(t, 1, stats.TotalRetries)
	assert.Equal(t, 1, stats.EventsRetried)

	pending, err := store.ListUndelivered(ctx, testNow.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, failed.ID, pending[0].ID)

	none, _ := store.ListUndelivered(ctx, testNow, 10)
	assert.Empty(t, none)
}

func TestUpdate_PublishesCommittedEventsOnly(t *testing.T) {
	svc, _ := newTestService(t)
	pub := &capturePublisher{}
	svc.WithPublisher(pub)
	seedHeld(t, svc, "bk1")
	ctx := context.Background()

	e, err := svc.Append(ctx, &Event{BookingID: "bk1", Type: EventReleaseDepositToCustomer,
		Amount: money.Naira(20000), From: PartyEscrow, To: PartyCustomer, Reference: "dep_bk1"})
	require.NoError(t, err)

	_, err = svc.Append(ctx, &Event{BookingID: "bk1", Type: EventRefundRoomFeeToCustomer,
		Amount: money.Naira(500000), From: PartyEscrow, To: PartyCustomer, Reference: "too_much"})
	require.Error(t, err)

	require.Len(t, pub.events, 2)
	assert.Equal(t, EventFundsHeld, pub.events[0].Type)
	assert.Equal(t, e.ID, pub.events[1].ID)
}

func TestUpdate_ReusedCompensationReferenceIsDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	seedHeld(t, svc, "bk1")
	ctx := context.Background()

	orig, err := svc.Append(ctx, &Event{BookingID: "bk1", Type: EventReleaseDepositToCustomer,
		Amount: money.Naira(20000), From: PartyEscrow, To: PartyCustomer, Reference: "dep_bk1"})
	require.NoError(t, err)
	_, err = svc.Compensate(ctx, orig.ID, "wrong booking")
	require.NoError(t, err)

	// A second reversal would also drive movement below zero; the reference
	// conflict is reported first.
	_, err = svc.Update(ctx, "bk1", func(r *Record) error {
		r.Emit(&Event{Type: EventCompensatingAdjustment, Amount: orig.Amount,
			From: PartyCustomer, To: PartyEscrow, Reference: "adj_" + orig.ID, CompensatesEventID: orig.ID})
		return nil
	})
	assert.ErrorIs(t, err, ErrDuplicateReference)
}

func TestCompensate_RoomFeeReleaseReopensRoomFee(t *testing.T) {
	svc, store := newTestService(t)
	seedHeld(t, svc, "bk1")
	ctx := context.Background()

	var orig *Event
	_, err := svc.Update(ctx, "bk1", func(r *Record) error {
		orig = r.Emit(&Event{Type: EventReleaseRoomFeeSplit, Amount: money.Naira(90000),
			From: PartyEscrow, To: PartySplit, Reference: "rfs_bk1",
			Split: &Split{Realtor: money.Naira(81000), Platform: money.Naira(9000)}})
		r.Payment.RoomFeeSplitDone = true
		r.Payment.RoomFeeReleaseReference = "rfs_bk1"
		r.Payment.Status = PaymentPartiallyReleased
		return nil
	})
	require.NoError(t, err)

	_, err = svc.Compensate(ctx, orig.ID, "released before dispute was filed")
	require.NoError(t, err)

	p, err := store.GetPayment(ctx, "bk1")
	require.NoError(t, err)
	assert.False(t, p.RoomFeeSplitDone)
	assert.Empty(t, p.RoomFeeReleaseReference)
	assert.Equal(t, int64(0), p.Realized())
}

func TestCompensate_PayoutStaysOnManualHold(t *testing.T) {
	svc, store := newTestService(t)
	seedHeld(t, svc, "bk1")
	ctx := context.Background()

	var orig *Event
	_, err := svc.Update(ctx, "bk1", func(r *Record) error {
		orig = r.Emit(&Event{Type: EventPayRealtorPayout, Amount: money.Naira(98000),
			From: PartyEscrow, To: PartyRealtor, Reference: "po_bk1"})
		r.Payment.RoomFeeSplitDone = true
		r.Payment.CommissionPaidOut = true
		r.Payment.PayoutStatus = PayoutCompleted
		return nil
	})
	require.NoError(t, err)

	_, err = svc.Compensate(ctx, orig.ID, "paid to the wrong account")
	require.NoError(t, err)

	p, err := store.GetPayment(ctx, "bk1")
	require.NoError(t, err)
	assert.True(t, p.CommissionPaidOut)
	assert.True(t, p.RoomFeeSplitDone)
	assert.Equal(t, PayoutCompleted, p.PayoutStatus)
	assert.Equal(t, int64(0), p.RealtorReleased)
}

func TestRecord_HoldAndUnhold(t *testing.T) {
	svc, store := newTestService(t)
	seedHeld(t, svc, "bk1")
	ctx := context.Background()
	_, err := svc.UpdateStay(ctx, "bk1", StayCheckedIn)
	require.NoError(t, err)

	_, err = svc.Update(ctx, "bk1", func(r *Record) error {
		r.Hold(HoldDeposit)
		r.Hold(HoldRoomFee)
		r.Hold(HoldRoomFee)
		return nil
	})
	require.NoError(t, err)
	b, _ := store.GetBooking(ctx, "bk1")
	p, _ := store.GetPayment(ctx, "bk1")
	assert.Equal(t, BookingDisputed, b.Status)
	assert.Equal(t, []string{HoldDeposit, HoldRoomFee}, p.Holds)
	assert.True(t, p.Frozen(HoldRoomFee))
	assert.True(t, p.Frozen(HoldAll))

	_, err = svc.Update(ctx, "bk1", func(r *Record) error {
		r.Unhold(HoldRoomFee)
		return nil
	})
	require.NoError(t, err)
	b, _ = store.GetBooking(ctx, "bk1")
	p, _ = store.GetPayment(ctx, "bk1")
	assert.Equal(t, BookingDisputed, b.Status)
	assert.False(t, p.Frozen(HoldRoomFee))
	assert.True(t, p.Frozen(HoldDeposit))

	_, err = svc.Update(ctx, "bk1", func(r *Record) error {
		r.Unhold(HoldDeposit)
		return nil
	})
	require.NoError(t, err)
	b, _ = store.GetBooking(ctx, "bk1")
	p, _ = store.GetPayment(ctx, "bk1")
	assert.Equal(t, BookingActive, b.Status)
	assert.Empty(t, p.Holds)
}

func TestPayment_PayoutDue(t *testing.T) {
	tests := []struct {
		name string
		p    Payment
		want bool
	}{
		{"ready", Payment{PayoutStatus: PayoutReady}, true},
		{"pending", Payment{PayoutStatus: PayoutPending}, false},
		{"failed with attempts left", Payment{PayoutStatus: PayoutFailed, PayoutAttempts: 2}, true},
		{"failed and exhausted", Payment{PayoutStatus: PayoutFailed, PayoutAttempts: 3}, false},
		{"ready but frozen", Payment{PayoutStatus: PayoutReady, Holds: []string{HoldDeposit}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.PayoutDue(3))
		})
	}
}

func TestListRoomFeeReleaseCandidates_SkipsFrozenRoomFee(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	for _, id := range []string{"bk1", "bk2", "bk3"} {
		seedHeld(t, svc, id)
		_, err := svc.UpdateStay(ctx, id, StayCheckedIn)
		require.NoError(t, err)
	}
	for id, subject := range map[string]string{"bk1": HoldRoomFee, "bk2": HoldAll, "bk3": HoldDeposit} {
		_, err := svc.Update(ctx, id, func(r *Record) error {
			r.Hold(subject)
			return nil
		})
		require.NoError(t, err)
	}

	got, err := store.ListRoomFeeReleaseCandidates(ctx, testNow.Add(48*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bk3", got[0].ID)
}
