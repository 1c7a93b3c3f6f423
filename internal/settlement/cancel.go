package settlement

import (
	"context"
	"fmt"

	"github.com/mbd888/shortlet/internal/dispute"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/notify"
	"github.com/mbd888/shortlet/internal/refund"
)

// Cancellation is the result of a guest cancellation.
type Cancellation struct {
	Booking   *ledger.Booking  `json:"booking"`
	Breakdown refund.Breakdown `json:"breakdown"`
	Events    []*ledger.Event  `json:"events"`
}

// RefundQuote previews what a cancellation now would return.
func (s *Service) RefundQuote(ctx context.Context, bookingID string, actor ledger.Actor) (*refund.Breakdown, error) {
	b, err := s.authorize(ctx, bookingID, actor)
	if err != nil {
		return nil, err
	}
	p, err := s.ledger.Store().GetPayment(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	quote := refund.Compute(b.CheckInAt, s.now(), p.Fees, s.cfg.Policy)
	return &quote, nil
}

// Cancel cancels a paid booking on behalf of its guest (or an admin) and
// books every movement of the refund breakdown. Only a booking whose
// escrow is untouched can be cancelled.
func (s *Service) Cancel(ctx context.Context, bookingID string, actor ledger.Actor, reason string) (*Cancellation, error) {
	b, err := s.authorize(ctx, bookingID, actor)
	if err != nil {
		return nil, err
	}
	if actor.Role != ledger.RoleAdmin && actor.ID != b.GuestID {
		return nil, ErrForbidden
	}
	if err := s.blocked(ctx, bookingID, dispute.SubjectGeneral); err != nil {
		return nil, err
	}

	ctx = ledger.WithActor(ctx, actor)
	var out Cancellation
	events, err := s.ledger.Update(ctx, bookingID, func(r *ledger.Record) error {
		p := r.Payment
		if p == nil {
			return ledger.ErrPaymentNotFound
		}
		if r.Booking.IsTerminal() || p.Status != ledger.PaymentHeld ||
			p.RoomFeeSplitDone || p.CommissionPaidOut || (p.Fees.SecurityDeposit > 0 && !p.DepositInEscrow()) {
			return ErrNotCancellable
		}
		if p.Frozen(ledger.HoldAll) {
			return ErrDisputeOpen
		}

		bd := refund.Compute(r.Booking.CheckInAt, r.Now(), p.Fees, s.cfg.Policy)
		emitCancellation(r, bd, reason)

		p.RoomFeeSplitDone = true
		p.DepositRefunded = p.Fees.SecurityDeposit > 0
		p.DepositSettled = p.Fees.SecurityDeposit > 0
		p.RefundReference = cancelRef(r.Booking.ID, "room")
		p.PayoutStatus = ledger.PayoutCancelled
		p.Status = ledger.PaymentRefunded
		r.Booking.Status = ledger.BookingCancelled
		r.Booking.UpdatedAt = r.Now()

		cp := *r.Booking
		out.Booking = &cp
		out.Breakdown = bd
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Events = events

	cancellations.WithLabelValues(string(out.Breakdown.Tier)).Inc()
	s.logger.Info("booking cancelled",
		"booking_id", bookingID,
		"tier", out.Breakdown.Tier,
		"customer", out.Breakdown.CustomerTotal,
		"realtor", out.Breakdown.RealtorTotal,
		"platform", out.Breakdown.PlatformTotal,
		"actor", actor.String(),
	)
	s.deliver(ctx, events)
	s.notify(ctx, notify.KindBookingCancelled, out.Booking, map[string]interface{}{
		"tier":          out.Breakdown.Tier,
		"customerTotal": out.Breakdown.CustomerTotal,
	})
	return &out, nil
}

func cancelRef(bookingID, part string) string {
	return fmt.Sprintf("cxl_%s_%s", bookingID, part)
}

// emitCancellation books the breakdown, skipping zero amounts.
func emitCancellation(r *ledger.Record, bd refund.Breakdown, reason string) {
	id := r.Booking.ID
	notes := fmt.Sprintf("cancellation (%s tier)", bd.Tier)
	if reason != "" {
		notes += ": " + reason
	}
	emit := func(typ ledger.EventType, amount int64, to ledger.Party, part string, split *ledger.Split) {
		if amount <= 0 {
			return
		}
		r.Emit(&ledger.Event{
			Type:      typ,
			Amount:    amount,
			From:      ledger.PartyEscrow,
			To:        to,
			Split:     split,
			Reference: cancelRef(id, part),
			Notes:     notes,
		})
	}

	room := bd.RoomFee
	emit(ledger.EventRefundRoomFeeToCustomer, room.Customer, ledger.PartyCustomer, "room", nil)
	emit(ledger.EventReleaseDepositToCustomer, bd.SecurityDeposit.Customer, ledger.PartyCustomer, "deposit", nil)
	emit(ledger.EventCancellationSplit, room.Realtor+room.Platform, ledger.PartySplit, "split",
		&ledger.Split{Realtor: room.Realtor, Platform: room.Platform})
	emit(ledger.EventReleaseCleaningFee, bd.CleaningFee.Realtor, ledger.PartyRealtor, "cleaning", nil)
	emit(ledger.EventRetainServiceFee, bd.ServiceFee.Platform, ledger.PartyPlatform, "service", nil)
}
