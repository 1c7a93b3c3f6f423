// Package dispute handles disputes raised against a booking's escrow.
//
// An open dispute freezes settlement of its subject: opening it records a
// hold on the booking's payment in the same ledger unit of work, and the
// room-fee release, payout and cancellation paths refuse frozen subjects
// under the ledger lock until the dispute is resolved or rejected. Resolution moves the subject's remaining escrow through the
// ledger in one guarded unit of work, so the overdraft invariant applies.
// Each dispute resolves exactly once: resolutions are serialized per
// dispute and committed with a status compare-and-set, and the ledger
// events carry references derived from the dispute ID.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/shortlet/internal/disbursement"
	"github.com/mbd888/shortlet/internal/idgen"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/pagination"
	"github.com/mbd888/shortlet/internal/money"
	"github.com/mbd888/shortlet/internal/notify"
	"github.com/mbd888/shortlet/internal/syncutil"
)

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrInvalidTransition = errors.New("invalid dispute status transition")
	ErrAlreadyResolved   = errors.New("dispute already resolved")
	ErrDisputeExists     = errors.New("an open dispute already covers this subject")
	ErrNotParticipant    = errors.New("only the booking's guest, realtor or an admin may do this")
	ErrBookingClosed     = errors.New("booking is already settled")
	ErrNothingInEscrow   = errors.New("nothing left in escrow for this subject")
	ErrInvalidRequest    = errors.New("invalid dispute request")
)

// Subject is what part of the escrow a dispute covers.
type Subject string

const (
	SubjectRoomFee Subject = ledger.HoldRoomFee
	SubjectDeposit Subject = ledger.HoldDeposit
	// SubjectGeneral covers the room fee and the deposit.
	SubjectGeneral Subject = ledger.HoldAll
)

func (s Subject) Valid() bool {
	return s == SubjectRoomFee || s == SubjectDeposit || s == SubjectGeneral
}

// Status is the dispute lifecycle status.
type Status string

const (
	StatusOpen             Status = "OPEN"
	StatusAwaitingResponse Status = "AWAITING_RESPONSE"
	StatusEscalated        Status = "ESCALATED"
	StatusResolved         Status = "RESOLVED"
	StatusRejected         Status = "REJECTED"
)

// openStatuses are the statuses that block settlement.
var openStatuses = []Status{StatusOpen, StatusAwaitingResponse, StatusEscalated}

// Decision is how an admin (or the SLA sweeper) settles a dispute.
type Decision string

const (
	DecisionFullRefund    Decision = "FULL_REFUND"
	DecisionFullPayout    Decision = "FULL_PAYOUT"
	DecisionPartialRefund Decision = "PARTIAL_REFUND"
	DecisionRejected      Decision = "REJECTED"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionFullRefund, DecisionFullPayout, DecisionPartialRefund, DecisionRejected:
		return true
	}
	return false
}

// Dispute is a claim against a booking's escrow.
type Dispute struct {
	ID              string     `json:"id"`
	BookingID       string     `json:"bookingId"`
	OpenedBy        string     `json:"openedBy"`
	Subject         Subject    `json:"subject"`
	Status          Status     `json:"status"`
	Reason          string     `json:"reason"`
	CustomerClaim   string     `json:"customerClaim,omitempty"`
	RealtorClaim    string     `json:"realtorClaim,omitempty"`
	EscalatedAt     *time.Time `json:"escalatedAt,omitempty"`
	AdminDeadlineAt *time.Time `json:"adminDeadlineAt,omitempty"`
	Decision        Decision   `json:"decision,omitempty"`
	ClaimedAmount   *int64     `json:"claimedAmount,omitempty"`
	CustomerAmount  int64      `json:"customerAmount"`
	RealtorAmount   int64      `json:"realtorAmount"`
	PlatformAmount  int64      `json:"platformAmount"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsOpen reports whether the dispute still blocks settlement.
func (d *Dispute) IsOpen() bool {
	for _, s := range openStatuses {
		if d.Status == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the dispute has been decided.
func (d *Dispute) IsTerminal() bool {
	return d.Status == StatusResolved || d.Status == StatusRejected
}

// Blocks reports whether this dispute freezes settlement of subject. A
// GENERAL dispute blocks everything; a GENERAL query is blocked by any
// open dispute.
func (d *Dispute) Blocks(subject Subject) bool {
	if !d.IsOpen() {
		return false
	}
	return d.Subject == SubjectGeneral || subject == SubjectGeneral || d.Subject == subject
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	ListByBooking(ctx context.Context, bookingID string) ([]*Dispute, error)
	// ListOverdue returns ESCALATED disputes whose admin deadline is before
	// now, in (admin_deadline_at, id) order starting after the cursor.
	ListOverdue(ctx context.Context, now time.Time, after *pagination.Cursor, limit int) ([]*Dispute, error)
	// ListByStatus pages through disputes in (created_at, id) order,
	// starting after the cursor.
	ListByStatus(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Dispute, error)
	// Transition applies fn if the stored status is one of from, otherwise
	// it returns ErrInvalidTransition. The check and write are atomic.
	Transition(ctx context.Context, id string, from []Status, fn func(*Dispute) error) (*Dispute, error)
}

// Config holds dispute policy.
type Config struct {
	// CommissionRate is kept by the platform when a room-fee dispute pays
	// out to the realtor.
	CommissionRate money.BasisPoints
	// FallbackCustomerShare splits a PARTIAL_REFUND with no amount.
	FallbackCustomerShare money.BasisPoints
	// AdminDeadline is how long an escalated dispute may wait for an admin.
	AdminDeadline time.Duration
}

// DefaultConfig is 10% commission, a 50/50 fallback and a 48h admin SLA.
func DefaultConfig() Config {
	return Config{
		CommissionRate:        1000,
		FallbackCustomerShare: 5000,
		AdminDeadline:         48 * time.Hour,
	}
}

// OpenRequest raises a dispute.
type OpenRequest struct {
	Subject Subject `json:"subject"`
	Reason  string  `json:"reason"`
	Claim   string  `json:"claim"`
}

// ResolveRequest decides a dispute. ClaimedAmount is the customer's share
// for PARTIAL_REFUND; nil means the fallback split.
type ResolveRequest struct {
	Decision      Decision `json:"decision"`
	ClaimedAmount *int64   `json:"claimedAmount"`
	Notes         string   `json:"notes"`
}

// Service implements the dispute workflow.
type Service struct {
	store    Store
	ledger   *ledger.Service
	executor *disbursement.Executor
	notifier notify.Publisher
	logger   *slog.Logger
	cfg      Config
	locks    *syncutil.KeyedMutex
	now      func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, l *ledger.Service, x *disbursement.Executor, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		ledger:   l,
		executor: x,
		logger:   logger,
		cfg:      cfg,
		locks:    syncutil.NewKeyedMutex(0),
		now:      time.Now,
	}
}

// WithNotifier enables guest and realtor notifications.
func (s *Service) WithNotifier(p notify.Publisher) *Service {
	s.notifier = p
	return s
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store exposes the dispute store.
func (s *Service) Store() Store { return s.store }

// Get returns a dispute if actor may see it.
func (s *Service) Get(ctx context.Context, id string, actor ledger.Actor) (*Dispute, *ledger.Booking, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.ledger.Store().GetBooking(ctx, d.BookingID)
	if err != nil {
		return nil, nil, err
	}
	if !actor.CanView(b) {
		return nil, nil, ErrDisputeNotFound
	}
	return d, b, nil
}

// HasBlocking reports whether an open dispute freezes subject on the booking.
func (s *Service) HasBlocking(ctx context.Context, bookingID string, subject Subject) (bool, error) {
	list, err := s.store.ListByBooking(ctx, bookingID)
	if err != nil {
		return false, err
	}
	for _, d := range list {
		if d.Blocks(subject) {
			return true, nil
		}
	}
	return false, nil
}

// Open raises a dispute on a booking.
func (s *Service) Open(ctx context.Context, bookingID string, actor ledger.Actor, req OpenRequest) (*Dispute, error) {
	if !req.Subject.Valid() || strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: subject and reason are required", ErrInvalidRequest)
	}

	unlock, err := s.locks.Lock(ctx, "booking:"+bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err := s.ledger.Store().GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !actor.CanView(b) {
		return nil, ErrNotParticipant
	}
	if b.IsTerminal() {
		return nil, ErrBookingClosed
	}

	var d *Dispute
	_, err = s.ledger.Update(ledger.WithActor(ctx, actor), bookingID, func(r *ledger.Record) error {
		if r.Booking.IsTerminal() {
			return ErrBookingClosed
		}
		if r.Payment == nil {
			return ledger.ErrPaymentNotFound
		}
		room, deposit := remaining(r.Payment, req.Subject)
		if room+deposit == 0 {
			return ErrNothingInEscrow
		}
		if r.Payment.Frozen(string(req.Subject)) {
			return ErrDisputeExists
		}
		blocked, err := s.HasBlocking(ctx, bookingID, req.Subject)
		if err != nil {
			return err
		}
		if blocked {
			return ErrDisputeExists
		}

		now := s.now()
		d = &Dispute{
			ID:        idgen.WithPrefix("dsp_"),
			BookingID: bookingID,
			OpenedBy:  actor.String(),
			Subject:   req.Subject,
			Status:    StatusOpen,
			Reason:    req.Reason,
			CreatedAt: now,
			UpdatedAt: now,
		}
		setClaim(d, actor, req.Claim)
		if err := s.store.Create(ctx, d); err != nil {
			return err
		}
		r.Hold(string(req.Subject))
		return nil
	})
	if err != nil {
		return nil, err
	}
	disputesOpened.WithLabelValues(string(d.Subject)).Inc()
	s.logger.Info("dispute opened", "dispute_id", d.ID, "booking_id", bookingID, "subject", d.Subject, "actor", d.OpenedBy)
	s.notify(ctx, notify.KindDisputeOpened, b, d)
	return d, nil
}

// RequestResponse asks the other party to respond. The actor's note is
// stored as their claim.
func (s *Service) RequestResponse(ctx context.Context, id string, actor ledger.Actor, note string) (*Dispute, error) {
	if _, _, err := s.Get(ctx, id, actor); err != nil {
		return nil, err
	}
	d, err := s.store.Transition(ctx, id, []Status{StatusOpen, StatusAwaitingResponse}, func(d *Dispute) error {
		d.Status = StatusAwaitingResponse
		setClaim(d, actor, note)
		d.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Escalate hands the dispute to an admin with a deadline.
func (s *Service) Escalate(ctx context.Context, id string, actor ledger.Actor) (*Dispute, error) {
	_, b, err := s.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	d, err := s.store.Transition(ctx, id, []Status{StatusOpen, StatusAwaitingResponse}, func(d *Dispute) error {
		now := s.now()
		deadline := now.Add(s.cfg.AdminDeadline)
		d.Status = StatusEscalated
		d.EscalatedAt = &now
		d.AdminDeadlineAt = &deadline
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("dispute escalated", "dispute_id", id, "booking_id", d.BookingID, "deadline", d.AdminDeadlineAt)
	s.notify(ctx, notify.KindDisputeEscalated, b, d)
	return d, nil
}

// Resolve decides the dispute and books the resulting movements.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest, actor ledger.Actor) (*Dispute, error) {
	if !req.Decision.Valid() {
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidRequest, req.Decision)
	}
	if req.ClaimedAmount != nil && *req.ClaimedAmount < 0 {
		return nil, fmt.Errorf("%w: claimed amount must not be negative", ErrInvalidRequest)
	}

	unlock, err := s.locks.Lock(ctx, "dispute:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	ctx = ledger.WithActor(ctx, actor)

	var alloc Allocation
	var events []*ledger.Event
	if req.Decision != DecisionRejected {
		alloc, events, err = s.book(ctx, d, req)
	} else {
		err = s.lift(ctx, d)
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	resolved, err := s.store.Transition(ctx, id, openStatuses, func(d *Dispute) error {
		d.Status = StatusResolved
		if req.Decision == DecisionRejected {
			d.Status = StatusRejected
		}
		d.Decision = req.Decision
		d.ClaimedAmount = req.ClaimedAmount
		d.CustomerAmount = alloc.Customer
		d.RealtorAmount = alloc.Realtor
		d.PlatformAmount = alloc.Platform
		d.ResolvedBy = actor.String()
		d.ResolutionNotes = req.Notes
		d.ResolvedAt = &now
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, ErrAlreadyResolved
		}
		return nil, err
	}

	disputesResolved.WithLabelValues(string(req.Decision), string(actorRole(actor))).Inc()
	s.logger.Info("dispute resolved",
		"dispute_id", id,
		"booking_id", d.BookingID,
		"decision", req.Decision,
		"customer", alloc.Customer,
		"realtor", alloc.Realtor,
		"platform", alloc.Platform,
		"actor", resolved.ResolvedBy,
	)

	for _, e := range events {
		if !e.NeedsDelivery() {
			continue
		}
		if _, err := s.executor.Deliver(ctx, e); err != nil {
			s.logger.Warn("dispute delivery not confirmed", "dispute_id", id, "event_id", e.ID, "error", err)
		}
	}

	if b, err := s.ledger.Store().GetBooking(ctx, d.BookingID); err == nil {
		s.notify(ctx, notify.KindDisputeResolved, b, resolved)
	}
	return resolved, nil
}

// book emits the resolution's ledger events. A retry after a crash
// between booking and the status write finds its own events by reference
// and reuses them.
func (s *Service) book(ctx context.Context, d *Dispute, req ResolveRequest) (Allocation, []*ledger.Event, error) {
	prior, err := s.ledger.Store().ListEvents(ctx, d.BookingID)
	if err != nil {
		return Allocation{}, nil, err
	}
	if alloc, mine, err := recoverAllocation(d.ID, prior); err == nil {
		s.logger.Warn("dispute resolution already booked, reusing events", "dispute_id", d.ID, "events", len(mine))
		return alloc, mine, s.lift(ctx, d)
	}

	var alloc Allocation
	events, err := s.ledger.Update(ctx, d.BookingID, func(r *ledger.Record) error {
		if r.Payment == nil {
			return ledger.ErrPaymentNotFound
		}
		room, deposit := remaining(r.Payment, d.Subject)
		var err error
		alloc, err = Allocate(req.Decision, req.ClaimedAmount, room, deposit, s.cfg)
		if err != nil {
			if errors.Is(err, errClaimExceedsEscrow) {
				return &ledger.OverdraftError{
					BookingID: r.Booking.ID,
					Held:      r.Payment.TotalAmount,
					Moved:     r.Moved(),
					Requested: *req.ClaimedAmount,
				}
			}
			return err
		}
		emitAllocation(r, d, alloc)
		r.Unhold(string(d.Subject))
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		// Another process booked it between our check and the write.
		prior, lerr := s.ledger.Store().ListEvents(ctx, d.BookingID)
		if lerr != nil {
			return alloc, nil, lerr
		}
		alloc, mine, rerr := recoverAllocation(d.ID, prior)
		if rerr != nil {
			return alloc, nil, rerr
		}
		return alloc, mine, s.lift(ctx, d)
	}
	return alloc, events, err
}

// lift removes the dispute's hold from the payment. Lifting twice is a
// no-op.
func (s *Service) lift(ctx context.Context, d *Dispute) error {
	_, err := s.ledger.Update(ctx, d.BookingID, func(r *ledger.Record) error {
		if r.Payment == nil {
			return nil
		}
		r.Unhold(string(d.Subject))
		return nil
	})
	return err
}

// Allocation is the split of a resolution.
type Allocation struct {
	Customer int64 `json:"customer"`
	Realtor  int64 `json:"realtor"`
	Platform int64 `json:"platform"`
	// Room and Deposit are the escrow components the resolution consumed.
	Room    int64 `json:"room"`
	Deposit int64 `json:"deposit"`
}

var errClaimExceedsEscrow = errors.New("claimed amount exceeds remaining escrow")

// Allocate splits the remaining room fee and deposit per decision. It is a
// pure function of its inputs.
func Allocate(decision Decision, claimed *int64, room, deposit int64, cfg Config) (Allocation, error) {
	a := Allocation{Room: room, Deposit: deposit}
	total := room + deposit
	switch decision {
	case DecisionRejected:
		return Allocation{}, nil
	case DecisionFullRefund:
		a.Customer = total
	case DecisionFullPayout:
		a.Platform = money.Percent(room, cfg.CommissionRate)
		a.Realtor = total - a.Platform
	case DecisionPartialRefund:
		if claimed != nil {
			if *claimed > total {
				return Allocation{}, errClaimExceedsEscrow
			}
			a.Customer = *claimed
		} else {
			a.Customer = money.Percent(total, cfg.FallbackCustomerShare)
		}
		a.Realtor = total - a.Customer
	default:
		return Allocation{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidRequest, decision)
	}
	return a, nil
}

// remaining returns what is still in escrow for subject.
func remaining(p *ledger.Payment, subject Subject) (room, deposit int64) {
	if p.Status != ledger.PaymentHeld && p.Status != ledger.PaymentPartiallyReleased {
		return 0, 0
	}
	if !p.RoomFeeSplitDone && !p.CommissionPaidOut {
		room = p.Fees.RoomFee
	}
	if p.DepositInEscrow() {
		deposit = p.Fees.SecurityDeposit
	}
	switch subject {
	case SubjectRoomFee:
		deposit = 0
	case SubjectDeposit:
		room = 0
	}
	return room, deposit
}

// eventTypes maps a subject to its customer and realtor event types.
func eventTypes(subject Subject) (customer, realtor ledger.EventType) {
	switch subject {
	case SubjectRoomFee:
		return ledger.EventRefundRoomFeeToCustomer, ledger.EventDisputePayoutToRealtor
	case SubjectDeposit:
		return ledger.EventReleaseDepositToCustomer, ledger.EventPayRealtorFromDeposit
	default:
		return ledger.EventDisputeRefundToCustomer, ledger.EventDisputePayoutToRealtor
	}
}

func refPrefix(disputeID string) string { return disputeID + "_" }

func emitAllocation(r *ledger.Record, d *Dispute, a Allocation) {
	customerType, realtorType := eventTypes(d.Subject)
	notes := fmt.Sprintf("dispute %s (%s)", d.ID, d.Subject)
	prefix := refPrefix(d.ID)

	if a.Customer > 0 {
		r.Emit(&ledger.Event{Type: customerType, Amount: a.Customer,
			From: ledger.PartyEscrow, To: ledger.PartyCustomer,
			Reference: prefix + "customer", Notes: notes})
	}
	if a.Realtor > 0 {
		r.Emit(&ledger.Event{Type: realtorType, Amount: a.Realtor,
			From: ledger.PartyEscrow, To: ledger.PartyRealtor,
			Reference: prefix + "realtor", Notes: notes})
	}
	if a.Platform > 0 {
		r.Emit(&ledger.Event{Type: ledger.EventRetainPlatformCommission, Amount: a.Platform,
			From: ledger.PartyEscrow, To: ledger.PartyPlatform,
			Reference: prefix + "platform", Notes: notes})
	}

	p := r.Payment
	if a.Room > 0 {
		p.RoomFeeSplitDone = true
		p.RoomFeeReleaseReference = d.ID
	}
	if a.Deposit > 0 {
		p.DepositSettled = true
		if a.Customer == a.Room+a.Deposit {
			p.DepositRefunded = true
		}
	}
	if (a.Room > 0 || a.Deposit > 0) && p.Status == ledger.PaymentHeld {
		p.Status = ledger.PaymentPartiallyReleased
	}
}

func recoverAllocation(disputeID string, events []*ledger.Event) (Allocation, []*ledger.Event, error) {
	var a Allocation
	var mine []*ledger.Event
	prefix := refPrefix(disputeID)
	for _, e := range events {
		if !strings.HasPrefix(e.Reference, prefix) {
			continue
		}
		mine = append(mine, e)
		switch e.To {
		case ledger.PartyCustomer:
			a.Customer += e.Amount
		case ledger.PartyRealtor:
			a.Realtor += e.Amount
		case ledger.PartyPlatform:
			a.Platform += e.Amount
		}
	}
	if len(mine) == 0 {
		return a, nil, ledger.ErrDuplicateReference
	}
	return a, mine, nil
}

func setClaim(d *Dispute, actor ledger.Actor, claim string) {
	if claim == "" {
		return
	}
	switch actor.Role {
	case ledger.RoleGuest:
		d.CustomerClaim = claim
	case ledger.RoleRealtor:
		d.RealtorClaim = claim
	}
}

func actorRole(a ledger.Actor) ledger.Role {
	if a.Role == "" {
		return ledger.RoleSystem
	}
	return a.Role
}

func (s *Service) notify(ctx context.Context, kind notify.Kind, b *ledger.Booking, d *Dispute) {
	notify.Send(ctx, s.notifier, s.logger, notify.Notification{
		Kind:       kind,
		BookingID:  b.ID,
		Recipients: []notify.Recipient{notify.Guest(b.GuestID), notify.Realtor(b.RealtorID)},
		Data: map[string]interface{}{
			"disputeId": d.ID,
			"subject":   d.Subject,
			"status":    d.Status,
			"decision":  d.Decision,
		},
		CreatedAt: s.now(),
	})
}
