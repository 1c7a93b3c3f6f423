// Package settlement moves held escrow to its final owners: the timed
// room-fee release, the realtor payout, guest cancellations and the
// recording of verified guest payments.
//
// Every money movement is booked through ledger.Service.Update first and
// delivered through the disbursement executor afterwards. The ledger write
// guards on the payment's progress flags, so a booking is never released,
// paid out or refunded twice even when jobs, webhooks and admin actions race.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/shortlet/internal/disbursement"
	"github.com/mbd888/shortlet/internal/dispute"
	"github.com/mbd888/shortlet/internal/gateway"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/money"
	"github.com/mbd888/shortlet/internal/notify"
	"github.com/mbd888/shortlet/internal/refund"
)

var (
	ErrAlreadyReleased        = errors.New("room fee already released")
	ErrPayoutAlreadyProcessed = errors.New("payout already processed")
	ErrPayoutReversed         = errors.New("payout was reversed by the provider and needs a compensating adjustment")
	ErrNotEligible            = errors.New("booking is not eligible yet")
	ErrDisputeOpen            = errors.New("an open dispute blocks settlement")
	ErrNotCancellable         = errors.New("booking can no longer be cancelled")
	ErrPaymentNotVerified     = errors.New("payment not confirmed by the gateway")
	ErrForbidden              = errors.New("not allowed for this booking")
)

// DisputeGate reports whether an open dispute freezes a subject.
type DisputeGate interface {
	HasBlocking(ctx context.Context, bookingID string, subject dispute.Subject) (bool, error)
}

// Config holds settlement policy.
type Config struct {
	// CommissionRate is the platform's share of the room fee.
	CommissionRate money.BasisPoints
	// Policy is the cancellation refund policy.
	Policy refund.Policy
	// ReleaseBatch bounds one room-fee release run.
	ReleaseBatch int
	// PayoutBatch bounds one payout run.
	PayoutBatch int
	// PayoutConcurrency bounds parallel payout transfers.
	PayoutConcurrency int
	// MaxPayoutAttempts stops the scheduled retry of a failed payout.
	MaxPayoutAttempts int
}

// DefaultConfig is a 10% commission, the default refund policy, batches of
// 50, 5 parallel payouts and 5 payout attempts.
func DefaultConfig() Config {
	return Config{
		CommissionRate:    1000,
		Policy:            refund.DefaultPolicy(),
		ReleaseBatch:      50,
		PayoutBatch:       50,
		PayoutConcurrency: 5,
		MaxPayoutAttempts: 5,
	}
}

// Service implements the settlement operations.
type Service struct {
	ledger   *ledger.Service
	executor *disbursement.Executor
	disputes DisputeGate
	notifier notify.Publisher
	logger   *slog.Logger
	cfg      Config
}

// NewService creates a settlement service and registers it for delivery
// outcomes so payouts complete however their confirmation arrives.
func NewService(l *ledger.Service, x *disbursement.Executor, disputes DisputeGate, cfg Config, logger *slog.Logger) *Service {
	s := &Service{
		ledger:   l,
		executor: x,
		disputes: disputes,
		logger:   logger,
		cfg:      cfg,
	}
	x.Observe(s)
	return s
}

// WithNotifier enables guest and realtor notifications.
func (s *Service) WithNotifier(p notify.Publisher) *Service {
	s.notifier = p
	return s
}

// Config returns the active policy.
func (s *Service) Config() Config { return s.cfg }

func (s *Service) gateway() gateway.Client { return s.executor.Gateway() }

func (s *Service) blocked(ctx context.Context, bookingID string, subject dispute.Subject) error {
	if s.disputes == nil {
		return nil
	}
	open, err := s.disputes.HasBlocking(ctx, bookingID, subject)
	if err != nil {
		return err
	}
	if open {
		return ErrDisputeOpen
	}
	return nil
}

// deliver sends every event that needs a gateway call. Failures are
// recorded on the event by the executor and picked up by reconciliation.
func (s *Service) deliver(ctx context.Context, events []*ledger.Event) {
	for _, e := range events {
		if !e.NeedsDelivery() {
			continue
		}
		if _, err := s.executor.Deliver(ctx, e); err != nil {
			s.logger.Warn("settlement delivery not confirmed",
				"booking_id", e.BookingID, "event_id", e.ID, "type", e.Type, "error", err)
		}
	}
}

func (s *Service) notify(ctx context.Context, kind notify.Kind, b *ledger.Booking, data map[string]interface{}) {
	notify.Send(ctx, s.notifier, s.logger, notify.Notification{
		Kind:       kind,
		BookingID:  b.ID,
		Recipients: []notify.Recipient{notify.Guest(b.GuestID), notify.Realtor(b.RealtorID)},
		Data:       data,
		CreatedAt:  s.ledger.Now(),
	})
}

func (s *Service) authorize(ctx context.Context, bookingID string, actor ledger.Actor) (*ledger.Booking, error) {
	b, err := s.ledger.Store().GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !actor.CanView(b) {
		return nil, ledger.ErrBookingNotFound
	}
	return b, nil
}

func references(bookingID string) (release, commission, payout string) {
	return "rfs_" + bookingID, "com_" + bookingID, "po_" + bookingID
}

func (s *Service) now() time.Time { return s.ledger.Now() }

var _ disbursement.Observer = (*Service)(nil)
