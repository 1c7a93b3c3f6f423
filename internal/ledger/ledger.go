// Package ledger holds the booking payment ledger and the escrow event log.
//
// Every movement of escrowed funds is an immutable Event. The Payment
// record is a projection of those events plus progress flags that only
// ever flip from false to true. All writes go through Store.Update, which
// locks the booking, runs the caller's guard-and-mutate function, enforces
// the overdraft invariant and commits the projection and new events together.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mbd888/shortlet/internal/idgen"
	"github.com/mbd888/shortlet/internal/money"
)

var (
	ErrBookingNotFound    = errors.New("booking not found")
	ErrBookingExists      = errors.New("booking already exists")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrPaymentExists      = errors.New("payment already recorded for booking")
	ErrEventNotFound      = errors.New("escrow event not found")
	ErrDuplicateReference = errors.New("escrow event reference already used")
	ErrInvalidEvent       = errors.New("invalid escrow event")
	ErrEscrowOverdraft    = errors.New("escrow overdraft")
	ErrNotCompensable     = errors.New("escrow event cannot be compensated")
	ErrAmountMismatch     = errors.New("payment amount does not match booking fees")
)

// OverdraftError reports an attempt to move more than the booking holds.
// errors.Is(err, ErrEscrowOverdraft) matches it.
type OverdraftError struct {
	BookingID string
	Held      int64
	Moved     int64
	Requested int64
}

func (e *OverdraftError) Error() string {
	return fmt.Sprintf("escrow overdraft on booking %s: held %s, already moved %s, requested %s",
		e.BookingID, money.Format(e.Held), money.Format(e.Moved), money.Format(e.Requested))
}

func (e *OverdraftError) Is(target error) bool { return target == ErrEscrowOverdraft }

// -----------------------------------------------------------------------------
// Booking
// -----------------------------------------------------------------------------

// BookingStatus is the lifecycle status of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingActive    BookingStatus = "ACTIVE"
	BookingCompleted BookingStatus = "COMPLETED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingDisputed  BookingStatus = "DISPUTED"
)

// StayStatus tracks the guest's physical stay.
type StayStatus string

const (
	StayNotStarted StayStatus = "NOT_STARTED"
	StayCheckedIn  StayStatus = "CHECKED_IN"
	StayCheckedOut StayStatus = "CHECKED_OUT"
)

// Booking is the settlement-relevant view of a stay. The booking subsystem
// owns it; the ledger only writes the COMPLETED, CANCELLED and DISPUTED
// transitions.
type Booking struct {
	ID                       string        `json:"id"`
	GuestID                  string        `json:"guestId"`
	RealtorID                string        `json:"realtorId"`
	PropertyID               string        `json:"propertyId"`
	RealtorSubaccount        string        `json:"realtorSubaccount"`
	Currency                 string        `json:"currency"`
	CheckInAt                time.Time     `json:"checkInAt"`
	CheckOutAt               time.Time     `json:"checkOutAt"`
	NightlyRate              int64         `json:"nightlyRate"`
	Nights                   int           `json:"nights"`
	Status                   BookingStatus `json:"status"`
	StayStatus               StayStatus    `json:"stayStatus"`
	RoomFeeReleaseEligibleAt time.Time     `json:"roomFeeReleaseEligibleAt"`
	PayoutEligibleAt         time.Time     `json:"payoutEligibleAt"`
	CreatedAt                time.Time     `json:"createdAt"`
	UpdatedAt                time.Time     `json:"updatedAt"`
}

// BaseAmount is the nightly rate times the number of nights.
func (b *Booking) BaseAmount() int64 {
	return b.NightlyRate * int64(b.Nights)
}

// IsParticipant reports whether actorID is the booking's guest or realtor.
func (b *Booking) IsParticipant(actorID string) bool {
	return actorID != "" && (actorID == b.GuestID || actorID == b.RealtorID)
}

// IsTerminal returns true once no further settlement can happen.
func (b *Booking) IsTerminal() bool {
	return b.Status == BookingCompleted || b.Status == BookingCancelled
}

// -----------------------------------------------------------------------------
// Payment
// -----------------------------------------------------------------------------

// PaymentStatus is the escrow state of a booking payment.
type PaymentStatus string

const (
	PaymentInitiated         PaymentStatus = "INITIATED"
	PaymentHeld              PaymentStatus = "HELD"
	PaymentPartiallyReleased PaymentStatus = "PARTIALLY_RELEASED"
	PaymentSettled           PaymentStatus = "SETTLED"
	PaymentRefunded          PaymentStatus = "REFUNDED"
	PaymentFailed            PaymentStatus = "FAILED"
)

// PayoutStatus tracks the realtor payout.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutReady      PayoutStatus = "READY"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutCompleted  PayoutStatus = "COMPLETED"
	PayoutFailed     PayoutStatus = "FAILED"
	PayoutCancelled  PayoutStatus = "CANCELLED"
)

// Payment is the per-booking ledger record.
type Payment struct {
	BookingID        string        `json:"bookingId"`
	Currency         string        `json:"currency"`
	TotalAmount      int64         `json:"totalAmount"`
	Fees             money.Fees    `json:"fees"`
	Status           PaymentStatus `json:"status"`
	PaymentReference string        `json:"paymentReference"`

	RoomFeeSplitDone  bool `json:"roomFeeSplitDone"`
	DepositRefunded   bool `json:"depositRefunded"`
	DepositSettled    bool `json:"depositSettled"`
	CommissionPaidOut bool `json:"commissionPaidOut"`

	RoomFeeReleaseReference string `json:"roomFeeReleaseReference,omitempty"`
	PayoutReference         string `json:"payoutReference,omitempty"`
	RefundReference         string `json:"refundReference,omitempty"`

	RealtorReleased  int64 `json:"realtorReleased"`
	PlatformReleased int64 `json:"platformReleased"`
	CustomerRefunded int64 `json:"customerRefunded"`

	PayoutStatus    PayoutStatus `json:"payoutStatus"`
	PayoutAttempts  int          `json:"payoutAttempts"`
	PayoutLastError string       `json:"payoutLastError,omitempty"`

	// Holds lists the escrow subjects frozen by open disputes.
	Holds []string `json:"holds,omitempty"`

	HeldAt    time.Time `json:"heldAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Realized returns the total amount already moved out of escrow.
func (p *Payment) Realized() int64 {
	return p.RealtorReleased + p.PlatformReleased + p.CustomerRefunded
}

// Hold subjects. A dispute freezes the part of the escrow it covers.
const (
	HoldRoomFee = "ROOM_FEE"
	HoldDeposit = "DEPOSIT"
	HoldAll     = "GENERAL"
)

// Frozen reports whether a hold covers subject. A GENERAL hold covers
// everything and a GENERAL query is covered by any hold.
func (p *Payment) Frozen(subject string) bool {
	for _, h := range p.Holds {
		if h == HoldAll || subject == HoldAll || h == subject {
			return true
		}
	}
	return false
}

// PayoutDue reports whether the scheduled payout job should send this
// payout.
func (p *Payment) PayoutDue(maxAttempts int) bool {
	if len(p.Holds) > 0 {
		return false
	}
	switch p.PayoutStatus {
	case PayoutReady:
		return true
	case PayoutFailed:
		return maxAttempts <= 0 || p.PayoutAttempts < maxAttempts
	}
	return false
}

// DepositInEscrow reports whether the security deposit is still held.
func (p *Payment) DepositInEscrow() bool {
	return !p.DepositRefunded && !p.DepositSettled && p.Fees.SecurityDeposit > 0
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store persists bookings, payments and escrow events.
type Store interface {
	CreateBooking(ctx context.Context, b *Booking) error
	GetBooking(ctx context.Context, id string) (*Booking, error)

	// CreatePayment records a verified payment together with its
	// FUNDS_HELD event.
	CreatePayment(ctx context.Context, p *Payment, held *Event) error
	GetPayment(ctx context.Context, bookingID string) (*Payment, error)
	GetPaymentByReference(ctx context.Context, reference string) (*Payment, error)

	// Update locks the booking, runs fn and commits the booking, payment
	// and emitted events atomically. If fn returns an error nothing is
	// written. Returns the events emitted by fn.
	Update(ctx context.Context, bookingID string, fn func(*Record) error) ([]*Event, error)

	GetEvent(ctx context.Context, id string) (*Event, error)
	ListEvents(ctx context.Context, bookingID string) ([]*Event, error)
	FindEventByReference(ctx context.Context, reference string) (*Event, error)
	// UpdateDelivery mutates provider metadata only. Amounts, parties and
	// type are never rewritten.
	UpdateDelivery(ctx context.Context, eventID string, fn func(*Delivery) error) (*Event, error)

	ListRoomFeeReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*Booking, error)
	MarkPayoutsReady(ctx context.Context, now time.Time) ([]string, error)
	// ListDuePayouts returns payouts the scheduled job should send: READY,
	// or FAILED with fewer than maxAttempts attempts, and not frozen.
	ListDuePayouts(ctx context.Context, maxAttempts, limit int) ([]*Payment, error)
	ListPaymentsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]*Payment, error)
	ListUndelivered(ctx context.Context, attemptedBefore time.Time, limit int) ([]*Event, error)
	DeliveryStats(ctx context.Context, since time.Time) (*DeliveryStats, error)
}

// DeliveryStats aggregates event delivery outcomes over a window.
type DeliveryStats struct {
	ByOutcome       map[OutcomeKind]int `json:"byOutcome"`
	TotalRetries    int                 `json:"totalRetries"`
	EventsRetried   int                 `json:"eventsRetried"`
	DeliveryEvents  int                 `json:"deliveryEvents"`
	OldestPendingAt *time.Time          `json:"oldestPendingAt,omitempty"`
}

// -----------------------------------------------------------------------------
// Record (unit of work)
// -----------------------------------------------------------------------------

// Record is the locked view handed to Store.Update callbacks. Callers mutate
// Booking and Payment in place and call Emit for every money movement.
type Record struct {
	Booking *Booking
	Payment *Payment

	moved   int64
	emitted []*Event
	now     time.Time
	actor   string
}

// NewRecord builds a record. Stores call it after loading and locking.
func NewRecord(b *Booking, p *Payment, moved int64, now time.Time, actor string) *Record {
	return &Record{Booking: b, Payment: p, moved: moved, now: now, actor: actor}
}

// Now is the timestamp used for every write in this unit of work.
func (r *Record) Now() time.Time { return r.now }

// Moved is the net amount moved out of escrow before this unit of work.
func (r *Record) Moved() int64 { return r.moved }

// Hold freezes subject until Unhold and marks the booking DISPUTED.
func (r *Record) Hold(subject string) {
	p := r.Payment
	if !slices.Contains(p.Holds, subject) {
		p.Holds = append(slices.Clone(p.Holds), subject)
		p.UpdatedAt = r.now
	}
	if b := r.Booking; b.Status == BookingPending || b.Status == BookingActive {
		b.Status = BookingDisputed
		b.UpdatedAt = r.now
	}
}

// Unhold lifts the hold on subject. The booking leaves DISPUTED once no
// hold remains.
func (r *Record) Unhold(subject string) {
	p := r.Payment
	if slices.Contains(p.Holds, subject) {
		p.Holds = slices.DeleteFunc(slices.Clone(p.Holds), func(h string) bool { return h == subject })
		if len(p.Holds) == 0 {
			p.Holds = nil
		}
		p.UpdatedAt = r.now
	}
	if b := r.Booking; b.Status == BookingDisputed && len(p.Holds) == 0 {
		b.Status = BookingActive
		if b.StayStatus == StayNotStarted {
			b.Status = BookingPending
		}
		b.UpdatedAt = r.now
	}
}

// Remaining is what is still held, counting events emitted so far.
func (r *Record) Remaining() int64 {
	if r.Payment == nil {
		return 0
	}
	return r.Payment.TotalAmount - r.moved - r.pendingMovement()
}

// Emitted returns the events emitted so far.
func (r *Record) Emitted() []*Event { return r.emitted }

// Emit queues an event and applies its movement to the payment's realized
// amounts. Defaults are filled in for ID, booking, currency, time, actor
// and outcome.
func (r *Record) Emit(e *Event) *Event {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	e.BookingID = r.Booking.ID
	if e.Currency == "" && r.Payment != nil {
		e.Currency = r.Payment.Currency
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = r.now
	}
	if e.Actor == "" {
		e.Actor = r.actor
	}
	if e.Outcome == nil {
		if e.NeedsDelivery() {
			e.Outcome = Pending{Since: r.now}
		} else {
			e.Outcome = Internal{}
		}
	}
	if r.Payment != nil {
		applyRealized(r.Payment, e)
		r.Payment.UpdatedAt = r.now
	}
	r.emitted = append(r.emitted, e)
	return e
}

func (r *Record) pendingMovement() int64 {
	var sum int64
	for _, e := range r.emitted {
		sum += e.Movement()
	}
	return sum
}

// References returns the non-empty references of the emitted events.
func (r *Record) References() []string {
	refs := make([]string, 0, len(r.emitted))
	for _, e := range r.emitted {
		if e.Reference != "" {
			refs = append(refs, e.Reference)
		}
	}
	return refs
}

// Validate checks the emitted events against the overdraft invariant.
// Stores call it before committing.
func (r *Record) Validate() error {
	if len(r.emitted) == 0 {
		return nil
	}
	if r.Payment == nil {
		return ErrPaymentNotFound
	}
	seen := make(map[string]bool, len(r.emitted))
	for _, e := range r.emitted {
		if e.Amount < 0 || (e.Amount == 0 && e.Type != EventFundsHeld) {
			return fmt.Errorf("%w: %s amount %d", ErrInvalidEvent, e.Type, e.Amount)
		}
		if e.Split != nil && e.Split.Total() != e.Amount {
			return fmt.Errorf("%w: %s split does not sum to amount", ErrInvalidEvent, e.Type)
		}
		if e.Reference != "" {
			if seen[e.Reference] {
				return ErrDuplicateReference
			}
			seen[e.Reference] = true
		}
	}
	pending := r.pendingMovement()
	total := r.moved + pending
	if total > r.Payment.TotalAmount {
		return &OverdraftError{
			BookingID: r.Booking.ID,
			Held:      r.Payment.TotalAmount,
			Moved:     r.moved,
			Requested: pending,
		}
	}
	if total < 0 {
		return fmt.Errorf("%w: compensation exceeds moved amount", ErrInvalidEvent)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// EventPublisher receives every committed escrow event.
type EventPublisher interface {
	PublishEscrowEvent(e *Event)
}

// Service is the escrow event log and ledger facade used by jobs, the
// dispute service and HTTP handlers.
type Service struct {
	store     Store
	logger    *slog.Logger
	publisher EventPublisher
	now       func() time.Time
}

// NewService creates a ledger service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithPublisher streams committed events to p.
func (s *Service) WithPublisher(p EventPublisher) *Service {
	s.publisher = p
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store exposes the underlying store for candidate queries.
func (s *Service) Store() Store { return s.store }

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// RegisterBooking stores a booking received from the booking subsystem and
// derives its eligibility timestamps.
func (s *Service) RegisterBooking(ctx context.Context, b *Booking, disputeWindow time.Duration) (*Booking, error) {
	if b.ID == "" || b.GuestID == "" || b.RealtorID == "" {
		return nil, fmt.Errorf("%w: booking id, guest and realtor are required", ErrInvalidEvent)
	}
	if b.CheckInAt.IsZero() || !b.CheckOutAt.After(b.CheckInAt) {
		return nil, fmt.Errorf("%w: check-out must follow check-in", ErrInvalidEvent)
	}
	now := s.now()
	if b.Currency == "" {
		b.Currency = money.DefaultCurrency
	}
	if b.Status == "" {
		b.Status = BookingPending
	}
	if b.StayStatus == "" {
		b.StayStatus = StayNotStarted
	}
	b.RoomFeeReleaseEligibleAt = b.CheckInAt.Add(disputeWindow)
	b.PayoutEligibleAt = b.CheckInAt
	b.CreatedAt = now
	b.UpdatedAt = now
	if err := s.store.CreateBooking(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateStay records a stay transition reported by the booking subsystem.
func (s *Service) UpdateStay(ctx context.Context, bookingID string, stay StayStatus) (*Booking, error) {
	var out Booking
	_, err := s.Update(ctx, bookingID, func(r *Record) error {
		if r.Booking.IsTerminal() {
			return fmt.Errorf("%w: booking is %s", ErrInvalidEvent, r.Booking.Status)
		}
		r.Booking.StayStatus = stay
		if stay != StayNotStarted && r.Booking.Status == BookingPending {
			r.Booking.Status = BookingActive
		}
		r.Booking.UpdatedAt = r.Now()
		out = *r.Booking
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordHeld creates the payment record once the gateway has verified the
// guest's payment.
func (s *Service) RecordHeld(ctx context.Context, booking *Booking, fees money.Fees, amount int64, reference string) (*Payment, error) {
	if err := fees.Validate(); err != nil {
		return nil, err
	}
	if fees.Total() != amount {
		return nil, fmt.Errorf("%w: fees total %s, paid %s", ErrAmountMismatch, money.Format(fees.Total()), money.Format(amount))
	}
	if base := booking.BaseAmount(); base != 0 && base != fees.RoomFee {
		return nil, fmt.Errorf("%w: room fee %s, nightly rate x nights %s", ErrAmountMismatch, money.Format(fees.RoomFee), money.Format(base))
	}

	now := s.now()
	p := &Payment{
		BookingID:        booking.ID,
		Currency:         booking.Currency,
		TotalAmount:      amount,
		Fees:             fees,
		Status:           PaymentHeld,
		PaymentReference: reference,
		PayoutStatus:     PayoutPending,
		HeldAt:           now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	held := &Event{
		ID:         idgen.WithPrefix("evt_"),
		BookingID:  booking.ID,
		Type:       EventFundsHeld,
		Amount:     amount,
		Currency:   booking.Currency,
		From:       PartyCustomer,
		To:         PartyEscrow,
		Reference:  "held_" + reference,
		Outcome:    Internal{},
		Actor:      ActorFromContext(ctx).String(),
		Notes:      "guest payment verified",
		ExecutedAt: now,
	}
	if err := s.store.CreatePayment(ctx, p, held); err != nil {
		return nil, err
	}
	s.publish(held)
	return p, nil
}

// Update runs fn as one unit of work and publishes the committed events.
func (s *Service) Update(ctx context.Context, bookingID string, fn func(*Record) error) ([]*Event, error) {
	events, err := s.store.Update(ctx, bookingID, fn)
	if err != nil {
		var od *OverdraftError
		if errors.As(err, &od) {
			escrowOverdrafts.Inc()
			s.logger.Error("escrow overdraft rejected",
				"booking_id", od.BookingID,
				"held", od.Held,
				"moved", od.Moved,
				"requested", od.Requested,
			)
		}
		return nil, err
	}
	for _, e := range events {
		escrowEventsTotal.WithLabelValues(string(e.Type)).Inc()
		s.publish(e)
	}
	return events, nil
}

func (s *Service) publish(e *Event) {
	if s.publisher != nil {
		s.publisher.PublishEscrowEvent(e)
	}
}

// Append records a single movement event. It fails with *OverdraftError if
// the booking's cumulative movement would exceed what it holds.
func (s *Service) Append(ctx context.Context, e *Event) (*Event, error) {
	if e.BookingID == "" {
		return nil, fmt.Errorf("%w: booking id required", ErrInvalidEvent)
	}
	if e.Type == EventFundsHeld || e.Type == EventCompensatingAdjustment {
		return nil, fmt.Errorf("%w: %s cannot be appended directly", ErrInvalidEvent, e.Type)
	}
	events, err := s.Update(ctx, e.BookingID, func(r *Record) error {
		r.Emit(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

// ListForBooking returns the booking's events in the order they were recorded.
func (s *Service) ListForBooking(ctx context.Context, bookingID string) ([]*Event, error) {
	if _, err := s.store.GetBooking(ctx, bookingID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, bookingID)
}

// Compensate appends a reversing adjustment for a movement event. It is the
// only way to correct the log.
//
// A reversed room-fee release puts the room fee back in escrow, so the split
// flag is cleared and the fee is settled again by the payout or a dispute.
// Other reversals keep their flags: the booking is held for manual
// settlement and no job re-sends the reversed movement.
func (s *Service) Compensate(ctx context.Context, eventID, notes string) (*Event, error) {
	orig, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if orig.Type == EventFundsHeld || orig.Type == EventCompensatingAdjustment || orig.Movement() <= 0 {
		return nil, ErrNotCompensable
	}
	if _, err := s.store.FindEventByReference(ctx, "adj_"+orig.ID); err == nil {
		return nil, ErrDuplicateReference
	} else if !errors.Is(err, ErrEventNotFound) {
		return nil, err
	}

	events, err := s.Update(ctx, orig.BookingID, func(r *Record) error {
		adj := &Event{
			Type:               EventCompensatingAdjustment,
			Amount:             orig.Amount,
			Currency:           orig.Currency,
			From:               orig.To,
			To:                 PartyEscrow,
			Split:              orig.Split,
			Reference:          "adj_" + orig.ID,
			CompensatesEventID: orig.ID,
			Notes:              notes,
			Outcome:            Internal{},
		}
		r.Emit(adj)
		if p := r.Payment; orig.Type == EventReleaseRoomFeeSplit && !p.CommissionPaidOut &&
			p.RoomFeeReleaseReference == orig.Reference {
			p.RoomFeeSplitDone = false
			p.RoomFeeReleaseReference = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("escrow event compensated",
		"booking_id", orig.BookingID,
		"event_id", orig.ID,
		"actor", events[0].Actor,
	)
	return events[0], nil
}

// RecordOutcome stores a provider outcome on an event without touching its
// movement. Used by webhooks and reconciliation.
func (s *Service) RecordOutcome(ctx context.Context, eventID string, outcome Outcome) (*Event, error) {
	return s.store.UpdateDelivery(ctx, eventID, func(d *Delivery) error {
		d.Outcome = outcome
		if c, ok := outcome.(Confirmed); ok && c.ProviderTxID != "" {
			d.ProviderTxID = c.ProviderTxID
		}
		return nil
	})
}

// Replay rebuilds realized amounts from an event sequence.
func Replay(events []*Event) Realized {
	p := &Payment{}
	var moved int64
	for _, e := range events {
		applyRealized(p, e)
		moved += e.Movement()
	}
	return Realized{
		Customer: p.CustomerRefunded,
		Realtor:  p.RealtorReleased,
		Platform: p.PlatformReleased,
		Moved:    moved,
	}
}

// Realized is the per-party total moved out of escrow.
type Realized struct {
	Customer int64 `json:"customer"`
	Realtor  int64 `json:"realtor"`
	Platform int64 `json:"platform"`
	Moved    int64 `json:"moved"`
}

func applyRealized(p *Payment, e *Event) {
	sign := int64(1)
	party := e.To
	switch e.Type {
	case EventFundsHeld:
		return
	case EventCompensatingAdjustment:
		sign = -1
		party = e.From
	}

	if party == PartySplit && e.Split != nil {
		p.CustomerRefunded += sign * e.Split.Customer
		p.RealtorReleased += sign * e.Split.Realtor
		p.PlatformReleased += sign * e.Split.Platform
		return
	}
	switch party {
	case PartyCustomer:
		p.CustomerRefunded += sign * e.Amount
	case PartyRealtor:
		p.RealtorReleased += sign * e.Amount
	case PartyPlatform:
		p.PlatformReleased += sign * e.Amount
	}
}
