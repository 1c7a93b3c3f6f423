package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/shortlet/internal/gateway"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/money"
	"github.com/mbd888/shortlet/internal/notify"
)

// StartCheckout opens a provider checkout for the booking's total.
func (s *Service) StartCheckout(ctx context.Context, bookingID string, actor ledger.Actor, fees money.Fees, email string) (*gateway.Checkout, error) {
	b, err := s.authorize(ctx, bookingID, actor)
	if err != nil {
		return nil, err
	}
	if err := fees.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Store().GetPayment(ctx, bookingID); err == nil {
		return nil, ledger.ErrPaymentExists
	}
	return s.gateway().Initialize(ctx, gateway.InitRequest{
		BookingID: b.ID,
		Amount:    fees.Total(),
		Currency:  b.Currency,
		Email:     email,
	})
}

// RecordVerifiedPayment confirms a guest payment with the gateway and
// records the funds as held. Repeating the call with the same reference
// returns the existing payment.
func (s *Service) RecordVerifiedPayment(ctx context.Context, bookingID, reference string, fees money.Fees) (*ledger.Payment, error) {
	if existing, err := s.ledger.Store().GetPaymentByReference(ctx, reference); err == nil {
		if existing.BookingID != bookingID {
			return nil, fmt.Errorf("%w: reference belongs to another booking", ledger.ErrPaymentExists)
		}
		return existing, nil
	} else if !errors.Is(err, ledger.ErrPaymentNotFound) {
		return nil, err
	}

	b, err := s.ledger.Store().GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	v, err := s.gateway().Verify(ctx, reference)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, ErrPaymentNotVerified
		}
		return nil, fmt.Errorf("verify payment: %w", err)
	}
	if !v.Paid {
		return nil, ErrPaymentNotVerified
	}
	if v.BookingID != "" && v.BookingID != bookingID {
		return nil, fmt.Errorf("%w: provider reports booking %s", ErrPaymentNotVerified, v.BookingID)
	}

	p, err := s.ledger.RecordHeld(ctx, b, fees, v.Amount, reference)
	if errors.Is(err, ledger.ErrPaymentExists) {
		existing, gerr := s.ledger.Store().GetPayment(ctx, bookingID)
		if gerr == nil && existing.PaymentReference == reference {
			return existing, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("guest payment held", "booking_id", bookingID, "reference", reference, "amount", p.TotalAmount)
	s.notify(ctx, notify.KindFundsHeld, b, map[string]interface{}{"amount": p.TotalAmount, "reference": reference})
	return p, nil
}
