package settlement

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/shortlet/internal/dispute"
	"github.com/mbd888/shortlet/internal/jobs"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/money"
	"github.com/mbd888/shortlet/internal/notify"
)

// PayoutQuote itemizes a realtor payout.
type PayoutQuote struct {
	RoomFee     int64 `json:"roomFee"`
	Commission  int64 `json:"commission"`
	ServiceFee  int64 `json:"serviceFee"`
	CleaningFee int64 `json:"cleaningFee"`
	Deposit     int64 `json:"deposit"`
	Total       int64 `json:"total"`
}

// quotePayout computes what is still owed to the realtor. Components
// already settled by the room-fee release or a deposit dispute are left out.
func quotePayout(p *ledger.Payment, rate money.BasisPoints) PayoutQuote {
	var q PayoutQuote
	if !p.RoomFeeSplitDone {
		q.Commission = money.Percent(p.Fees.RoomFee, rate)
		q.RoomFee = p.Fees.RoomFee - q.Commission
	}
	q.ServiceFee = p.Fees.ServiceFee
	q.CleaningFee = p.Fees.CleaningFee
	if p.DepositInEscrow() {
		q.Deposit = p.Fees.SecurityDeposit
	}
	q.Total = q.RoomFee + q.ServiceFee + q.CleaningFee + q.Deposit
	return q
}

// ProcessPayout books and sends the realtor payout. manual allows a PENDING
// payout (admin trigger); the scheduled path only takes READY ones. A FAILED
// payout is retried with a new attempt reference.
func (s *Service) ProcessPayout(ctx context.Context, bookingID string, manual bool) (*ledger.Payment, error) {
	if err := s.blocked(ctx, bookingID, dispute.SubjectGeneral); err != nil {
		return nil, err
	}
	p, err := s.ledger.Store().GetPayment(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if p.PayoutStatus == ledger.PayoutFailed {
		return s.retryPayout(ctx, bookingID)
	}

	_, commissionRef, ref := references(bookingID)
	var booking ledger.Booking
	var quote PayoutQuote
	events, err := s.ledger.Update(ctx, bookingID, func(r *ledger.Record) error {
		p := r.Payment
		if p == nil {
			return ledger.ErrPaymentNotFound
		}
		switch p.PayoutStatus {
		case ledger.PayoutReady:
		case ledger.PayoutPending:
			if !manual {
				return ErrNotEligible
			}
		default:
			return fmt.Errorf("%w: payout is %s", ErrPayoutAlreadyProcessed, p.PayoutStatus)
		}
		if p.CommissionPaidOut {
			return ErrPayoutAlreadyProcessed
		}
		if p.Frozen(ledger.HoldAll) {
			return ErrDisputeOpen
		}
		if p.Status != ledger.PaymentHeld && p.Status != ledger.PaymentPartiallyReleased {
			return fmt.Errorf("%w: payment is %s", ErrPayoutAlreadyProcessed, p.Status)
		}
		if r.Now().Before(r.Booking.CheckInAt) {
			return fmt.Errorf("%w: check-in has not passed", ErrNotEligible)
		}

		quote = quotePayout(p, s.cfg.CommissionRate)
		if quote.Commission > 0 {
			r.Emit(&ledger.Event{
				Type:      ledger.EventRetainPlatformCommission,
				Amount:    quote.Commission,
				From:      ledger.PartyEscrow,
				To:        ledger.PartyPlatform,
				Reference: commissionRef,
				Notes:     "commission retained at payout",
			})
		}
		if quote.Total > 0 {
			r.Emit(&ledger.Event{
				Type:      ledger.EventPayRealtorPayout,
				Amount:    quote.Total,
				From:      ledger.PartyEscrow,
				To:        ledger.PartyRealtor,
				Reference: ref,
				Notes:     fmt.Sprintf("payout: room %s, service %s, cleaning %s, deposit %s", money.Format(quote.RoomFee), money.Format(quote.ServiceFee), money.Format(quote.CleaningFee), money.Format(quote.Deposit)),
			})
		}
		p.RoomFeeSplitDone = true
		if quote.Deposit > 0 {
			p.DepositSettled = true
		}
		p.CommissionPaidOut = true
		p.PayoutReference = ref
		p.PayoutAttempts++
		p.PayoutLastError = ""
		if quote.Total > 0 {
			p.PayoutStatus = ledger.PayoutProcessing
			p.Status = ledger.PaymentPartiallyReleased
		} else {
			completePayout(r)
		}
		booking = *r.Booking
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payout booked",
		"booking_id", bookingID, "amount", quote.Total, "commission", quote.Commission, "manual", manual)
	s.deliver(ctx, events)
	if quote.Total == 0 {
		s.notify(ctx, notify.KindPayoutCompleted, &booking, map[string]interface{}{"amount": int64(0)})
	}
	return s.ledger.Store().GetPayment(ctx, bookingID)
}

// retryPayout re-sends a failed payout transfer.
func (s *Service) retryPayout(ctx context.Context, bookingID string) (*ledger.Payment, error) {
	_, _, ref := references(bookingID)
	e, err := s.ledger.Store().FindEventByReference(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("find payout event: %w", err)
	}
	if _, reversed := e.Outcome.(ledger.Reversed); reversed {
		// Reversed transfers need an operator; take the payout off the
		// scheduled queue.
		_, err := s.ledger.Update(ctx, bookingID, func(r *ledger.Record) error {
			if r.Payment.PayoutStatus == ledger.PayoutFailed && r.Payment.PayoutAttempts < s.cfg.MaxPayoutAttempts {
				r.Payment.PayoutAttempts = s.cfg.MaxPayoutAttempts
				r.Payment.UpdatedAt = r.Now()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return nil, ErrPayoutReversed
	}

	_, err = s.ledger.Update(ctx, bookingID, func(r *ledger.Record) error {
		if r.Payment.PayoutStatus != ledger.PayoutFailed {
			return fmt.Errorf("%w: payout is %s", ErrPayoutAlreadyProcessed, r.Payment.PayoutStatus)
		}
		if r.Payment.Frozen(ledger.HoldAll) {
			return ErrDisputeOpen
		}
		r.Payment.PayoutStatus = ledger.PayoutProcessing
		r.Payment.PayoutAttempts++
		r.Payment.UpdatedAt = r.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	payoutRetries.Inc()
	if _, err := s.executor.Redeliver(ctx, e); err != nil {
		s.logger.Warn("payout retry not confirmed", "booking_id", bookingID, "event_id", e.ID, "error", err)
	}
	return s.ledger.Store().GetPayment(ctx, bookingID)
}

// completePayout finalizes the booking inside a ledger unit of work.
func completePayout(r *ledger.Record) {
	r.Payment.PayoutStatus = ledger.PayoutCompleted
	r.Payment.PayoutLastError = ""
	r.Payment.Status = ledger.PaymentSettled
	r.Payment.UpdatedAt = r.Now()
	r.Booking.Status = ledger.BookingCompleted
	r.Booking.UpdatedAt = r.Now()
}

// DeliveryResolved moves the payout status with the outcome of its
// transfer, whichever path reported it.
func (s *Service) DeliveryResolved(ctx context.Context, e *ledger.Event) {
	if e.Type != ledger.EventPayRealtorPayout {
		return
	}

	var kind notify.Kind
	var booking ledger.Booking
	data := map[string]interface{}{"amount": e.Amount, "reference": e.AttemptReference()}
	_, err := s.ledger.Update(ctx, e.BookingID, func(r *ledger.Record) error {
		p := r.Payment
		if p.PayoutStatus != ledger.PayoutProcessing && p.PayoutStatus != ledger.PayoutFailed {
			return nil
		}
		switch o := e.Outcome.(type) {
		case ledger.Confirmed:
			completePayout(r)
			kind = notify.KindPayoutCompleted
		case ledger.Failed:
			if p.PayoutStatus == ledger.PayoutFailed {
				return nil
			}
			p.PayoutStatus = ledger.PayoutFailed
			p.PayoutLastError = o.Reason
			p.UpdatedAt = r.Now()
			kind = notify.KindPayoutFailed
			data["reason"] = o.Reason
		case ledger.Reversed:
			p.PayoutStatus = ledger.PayoutFailed
			p.PayoutLastError = o.Reason
			p.UpdatedAt = r.Now()
			kind = notify.KindPayoutFailed
			data["reason"] = o.Reason
		}
		booking = *r.Booking
		return nil
	})
	if err != nil {
		s.logger.Error("payout status update failed", "booking_id", e.BookingID, "event_id", e.ID, "error", err)
		return
	}
	if kind == "" {
		return
	}
	payoutsTotal.WithLabelValues(string(e.Outcome.Kind())).Inc()
	s.logger.Info("payout resolved", "booking_id", e.BookingID, "outcome", e.Outcome.Kind())
	s.notify(ctx, kind, &booking, data)
}

// PayoutJob promotes eligible payouts to READY and pays them out.
type PayoutJob struct {
	service *Service
}

func NewPayoutJob(s *Service) *PayoutJob {
	return &PayoutJob{service: s}
}

func (j *PayoutJob) Name() string { return "payout_eligibility" }

func (j *PayoutJob) Run(ctx context.Context, run *jobs.Run) error {
	s := j.service
	ready, err := s.ledger.Store().MarkPayoutsReady(ctx, s.now())
	if err != nil {
		return fmt.Errorf("mark payouts ready: %w", err)
	}
	if len(ready) > 0 {
		run.Logger().Info("payouts marked ready", "count", len(ready))
	}

	due, err := s.ledger.Store().ListDuePayouts(ctx, s.cfg.MaxPayoutAttempts, s.cfg.PayoutBatch)
	if err != nil {
		return fmt.Errorf("list payouts: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	ids := make([]string, 0, len(due))
	for _, p := range due {
		ids = append(ids, p.BookingID)
	}
	if err := run.Claim(ctx, ids); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.cfg.PayoutConcurrency))
	for _, id := range ids {
		g.Go(func() error {
			_, err := s.ProcessPayout(gctx, id, false)
			switch {
			case err == nil:
				run.Succeed()
			case errors.Is(err, ErrDisputeOpen):
				run.Skip(id, "open dispute")
			case errors.Is(err, ErrPayoutAlreadyProcessed), errors.Is(err, ErrNotEligible):
				run.Skip(id, err.Error())
			default:
				run.Fail(id, err)
			}
			// Per-booking failures never cancel the rest of the batch.
			return nil
		})
	}
	return g.Wait()
}

var _ jobs.Job = (*PayoutJob)(nil)
