// Package disbursement delivers committed escrow events through the
// payment gateway and records the provider outcome on the event.
//
// Movement is booked first (the event is committed with a Pending
// outcome), then the gateway is called with the event's attempt reference.
// A timeout leaves the event Pending for webhooks or reconciliation to
// resolve. A definitive failure is recorded as Failed and the retry count
// advances so the next attempt uses a fresh reference.
package disbursement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/shortlet/internal/gateway"
	"github.com/mbd888/shortlet/internal/ledger"
)

var ErrNotDeliverable = errors.New("escrow event needs no delivery")

// Observer is told about every outcome recorded for a delivery.
type Observer interface {
	DeliveryResolved(ctx context.Context, e *ledger.Event)
}

// Executor performs gateway transfers and refunds for escrow events.
type Executor struct {
	ledger    *ledger.Service
	gw        gateway.Client
	logger    *slog.Logger
	observers []Observer
}

// NewExecutor creates an executor.
func NewExecutor(l *ledger.Service, gw gateway.Client, logger *slog.Logger) *Executor {
	return &Executor{ledger: l, gw: gw, logger: logger}
}

// Observe registers o for outcome notifications.
func (x *Executor) Observe(o Observer) {
	x.observers = append(x.observers, o)
}

// Gateway returns the underlying client.
func (x *Executor) Gateway() gateway.Client { return x.gw }

// Deliver sends the event's delivery amount to its recipient. Events that
// are already settled are returned unchanged. The returned error is the
// gateway error, if any; the outcome has been recorded either way.
func (x *Executor) Deliver(ctx context.Context, e *ledger.Event) (*ledger.Event, error) {
	if !e.NeedsDelivery() {
		return e, ErrNotDeliverable
	}
	if ledger.IsSettled(e.Outcome) {
		return e, nil
	}

	store := x.ledger.Store()
	booking, err := store.GetBooking(ctx, e.BookingID)
	if err != nil {
		return nil, err
	}
	payment, err := store.GetPayment(ctx, e.BookingID)
	if err != nil {
		return nil, err
	}

	ref := e.AttemptReference()
	tx, callErr := x.send(ctx, e, ref, booking, payment)
	at := x.ledger.Now()

	outcome, retried := outcomeFor(tx, callErr, at)
	deliveriesTotal.WithLabelValues(string(e.Recipient()), string(outcome.Kind())).Inc()

	updated, err := store.UpdateDelivery(ctx, e.ID, func(d *ledger.Delivery) error {
		if ledger.IsSettled(d.Outcome) {
			// A webhook got there first.
			return nil
		}
		d.Outcome = outcome
		d.LastAttemptAt = &at
		if tx != nil && tx.ProviderID != "" {
			d.ProviderTxID = tx.ProviderID
		}
		if retried {
			d.RetryCount++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record delivery of %s: %w", e.ID, err)
	}

	logAttrs := []any{
		"booking_id", e.BookingID,
		"event_id", e.ID,
		"type", e.Type,
		"reference", ref,
		"amount", e.DeliveryAmount(),
		"outcome", outcome.Kind(),
	}
	if callErr != nil {
		x.logger.Warn("escrow delivery not confirmed", append(logAttrs, "error", callErr)...)
	} else {
		x.logger.Info("escrow delivery sent", logAttrs...)
	}

	x.notify(ctx, updated)
	return updated, callErr
}

// Redeliver retries a Failed or stale Pending event. The previous attempt
// is looked up first so a transfer that did go through is confirmed rather
// than sent again.
func (x *Executor) Redeliver(ctx context.Context, e *ledger.Event) (*ledger.Event, error) {
	if ledger.IsSettled(e.Outcome) {
		return e, nil
	}

	lookups := []string{e.AttemptReference()}
	if _, failed := e.Outcome.(ledger.Failed); failed && e.RetryCount > 0 {
		prev := *e
		prev.RetryCount--
		lookups = append(lookups, prev.AttemptReference())
	}

	payment, err := x.ledger.Store().GetPayment(ctx, e.BookingID)
	if err != nil {
		return nil, err
	}
	for _, ref := range lookups {
		tx, err := x.gw.LookupTransfer(ctx, lookupFor(e, ref, payment))
		switch {
		case err == nil:
			if tx.Status == gateway.StatusSucceeded || tx.Status == gateway.StatusReversed {
				return x.Resolve(ctx, e.ID, outcomeOf(tx, x.ledger.Now()))
			}
		case errors.Is(err, gateway.ErrNotFound):
		default:
			return e, err
		}
	}

	if _, pending := e.Outcome.(ledger.Pending); pending && e.LastAttemptAt != nil {
		// Sent before and unknown to the provider: a new reference is safe.
		_, err := x.ledger.Store().UpdateDelivery(ctx, e.ID, func(d *ledger.Delivery) error {
			d.RetryCount++
			return nil
		})
		if err != nil {
			return nil, err
		}
		e.RetryCount++
	}
	return x.Deliver(ctx, e)
}

// Resolve records an outcome reported out of band (webhook,
// reconciliation) without calling the gateway.
func (x *Executor) Resolve(ctx context.Context, eventID string, outcome ledger.Outcome) (*ledger.Event, error) {
	updated, err := x.ledger.Store().UpdateDelivery(ctx, eventID, func(d *ledger.Delivery) error {
		if _, ok := d.Outcome.(ledger.Internal); ok {
			return fmt.Errorf("%w: %s", ErrNotDeliverable, eventID)
		}
		if _, failed := outcome.(ledger.Failed); failed {
			if _, already := d.Outcome.(ledger.Failed); !already {
				d.RetryCount++
			}
		}
		d.Outcome = outcome
		if c, ok := outcome.(ledger.Confirmed); ok && c.ProviderTxID != "" {
			d.ProviderTxID = c.ProviderTxID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	deliveriesTotal.WithLabelValues(string(updated.Recipient()), string(outcome.Kind())).Inc()
	x.notify(ctx, updated)
	return updated, nil
}

func (x *Executor) notify(ctx context.Context, e *ledger.Event) {
	for _, o := range x.observers {
		o.DeliveryResolved(ctx, e)
	}
}

func (x *Executor) send(ctx context.Context, e *ledger.Event, ref string, b *ledger.Booking, p *ledger.Payment) (*gateway.Transaction, error) {
	switch e.Recipient() {
	case ledger.PartyRealtor:
		return x.gw.Transfer(ctx, gateway.TransferRequest{
			Reference:   ref,
			BookingID:   e.BookingID,
			Destination: b.RealtorSubaccount,
			Amount:      e.DeliveryAmount(),
			Currency:    e.Currency,
			Description: string(e.Type),
		})
	case ledger.PartyCustomer:
		return x.gw.Refund(ctx, gateway.RefundRequest{
			Reference:        ref,
			BookingID:        e.BookingID,
			PaymentReference: p.PaymentReference,
			Amount:           e.DeliveryAmount(),
			Currency:         e.Currency,
		})
	default:
		return nil, fmt.Errorf("%w: recipient %s", ErrNotDeliverable, e.Recipient())
	}
}

func lookupFor(e *ledger.Event, ref string, p *ledger.Payment) gateway.Lookup {
	q := gateway.Lookup{Reference: ref, Kind: gateway.KindTransfer}
	if e.Recipient() == ledger.PartyCustomer {
		q.Kind = gateway.KindRefund
		q.PaymentReference = p.PaymentReference
	}
	return q
}

// outcomeFor maps a gateway result to an outcome. retried reports whether
// the attempt counts as a definitive failure.
func outcomeFor(tx *gateway.Transaction, err error, at time.Time) (ledger.Outcome, bool) {
	switch {
	case err == nil:
		return outcomeOf(tx, at), tx.Status == gateway.StatusFailed
	case errors.Is(err, gateway.ErrTimeout):
		return ledger.Pending{Since: at}, false
	default:
		return ledger.Failed{Reason: err.Error(), At: at}, true
	}
}

func outcomeOf(tx *gateway.Transaction, at time.Time) ledger.Outcome {
	switch tx.Status {
	case gateway.StatusSucceeded:
		return ledger.Confirmed{ProviderTxID: tx.ProviderID, At: at}
	case gateway.StatusFailed:
		reason := tx.FailureReason
		if reason == "" {
			reason = "provider reported failure"
		}
		return ledger.Failed{Reason: reason, At: at}
	case gateway.StatusReversed:
		return ledger.Reversed{Reason: "reversed by provider", At: at}
	default:
		return ledger.Pending{Since: at}
	}
}
