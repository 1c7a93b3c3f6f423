// Package notify enqueues guest and realtor notifications about money
// movements. Delivery (email, SMS, push) belongs to a downstream consumer;
// this package only publishes.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Kind is the notification topic. It is used as the AMQP routing key.
type Kind string

const (
	KindFundsHeld         Kind = "booking.funds_held"
	KindRoomFeeReleased   Kind = "booking.room_fee_released"
	KindPayoutCompleted   Kind = "booking.payout_completed"
	KindPayoutFailed      Kind = "booking.payout_failed"
	KindBookingCancelled  Kind = "booking.cancelled"
	KindDisputeOpened     Kind = "dispute.opened"
	KindDisputeEscalated  Kind = "dispute.escalated"
	KindDisputeResolved   Kind = "dispute.resolved"
	KindDeliveryReversed  Kind = "escrow.delivery_reversed"
)

// Recipient of a notification.
type Recipient struct {
	Role string `json:"role"`
	ID   string `json:"id"`
}

// Guest and Realtor build recipients.
func Guest(id string) Recipient   { return Recipient{Role: "guest", ID: id} }
func Realtor(id string) Recipient { return Recipient{Role: "realtor", ID: id} }

// Notification is one message for the downstream delivery service.
type Notification struct {
	Kind       Kind                   `json:"kind"`
	BookingID  string                 `json:"bookingId"`
	Recipients []Recipient            `json:"recipients"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// Publisher enqueues notifications.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// Send publishes n and logs instead of failing the caller: a lost
// notification never blocks money movement.
func Send(ctx context.Context, p Publisher, logger *slog.Logger, n Notification) {
	if p == nil {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := p.Publish(ctx, n); err != nil {
		publishedTotal.WithLabelValues(string(n.Kind), "error").Inc()
		logger.Warn("notification not published", "kind", n.Kind, "booking_id", n.BookingID, "error", err)
		return
	}
	publishedTotal.WithLabelValues(string(n.Kind), "ok").Inc()
}

// LogPublisher writes notifications to the log. Used when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (l *LogPublisher) Publish(ctx context.Context, n Notification) error {
	l.logger.InfoContext(ctx, "notification", "kind", n.Kind, "booking_id", n.BookingID, "recipients", len(n.Recipients))
	return nil
}

// Fanout publishes to every publisher and returns the joined errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, n Notification) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps notifications in memory (tests, demo mode).
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Publish(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of everything published.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// OfKind filters Sent by kind.
func (r *Recorder) OfKind(k Kind) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}
