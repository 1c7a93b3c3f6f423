// Package webhooks receives payment provider callbacks and applies the
// transfer and refund outcomes they report to the escrow event log.
//
// Each inbound delivery is parsed by a provider Parser, recorded as a
// Receipt (applied, duplicate, stale, unmatched, ignored or rejected) and,
// when it matches an escrow event, resolved through the disbursement
// executor so payout and notification side effects run the same way as
// for synchronous gateway answers.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/shortlet/internal/disbursement"
	"github.com/mbd888/shortlet/internal/idgen"
	"github.com/mbd888/shortlet/internal/ledger"
)

var (
	ErrInvalidSignature = errors.New("webhook signature invalid")
	ErrMalformed        = errors.New("webhook payload malformed")
	ErrUnknownProvider  = errors.New("no parser configured for webhook")
	ErrDuplicate        = errors.New("webhook already received")
)

// Status is what happened to an inbound delivery.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusDuplicate Status = "duplicate"
	// StatusStale is an outcome the delivery already has, or a failure for
	// an attempt that has since been superseded or settled.
	StatusStale     Status = "stale"
	StatusUnmatched Status = "unmatched"
	StatusIgnored   Status = "ignored"
	StatusRejected  Status = "rejected"
)

// Notice is a provider callback reduced to what the ledger needs.
type Notice struct {
	Provider        string
	ProviderEventID string
	Type            string
	// Reference is the attempt reference we sent with the transfer or
	// refund. Empty for callbacks that carry no movement outcome.
	Reference string
	Outcome   ledger.Outcome
}

// Parser authenticates and decodes one provider's webhook format.
type Parser interface {
	Provider() string
	// Accepts reports whether the request carries this provider's signature header.
	Accepts(header http.Header) bool
	Parse(payload []byte, header http.Header) (*Notice, error)
}

// Receipt records one inbound delivery.
type Receipt struct {
	ID              string    `json:"id"`
	Provider        string    `json:"provider"`
	ProviderEventID string    `json:"providerEventId,omitempty"`
	Type            string    `json:"type,omitempty"`
	Reference       string    `json:"reference,omitempty"`
	BookingID       string    `json:"bookingId,omitempty"`
	EscrowEventID   string    `json:"escrowEventId,omitempty"`
	Outcome         string    `json:"outcome,omitempty"`
	Status          Status    `json:"status"`
	Error           string    `json:"error,omitempty"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

// Stats summarizes receipts since a point in time. Duplicates are not
// stored and only show up in metrics.
type Stats struct {
	Total     int `json:"total"`
	Applied   int `json:"applied"`
	Stale     int `json:"stale"`
	Unmatched int `json:"unmatched"`
	Ignored   int `json:"ignored"`
	Rejected  int `json:"rejected"`
}

// SuccessRate is the share of authenticated deliveries that were handled
// without error. 1 when nothing was received.
func (s Stats) SuccessRate() float64 {
	if s.Total == 0 {
		return 1
	}
	ok := s.Applied + s.Stale + s.Ignored
	return float64(ok) / float64(s.Total)
}

func (s *Stats) add(status Status, n int) {
	s.Total += n
	switch status {
	case StatusApplied:
		s.Applied += n
	case StatusStale:
		s.Stale += n
	case StatusUnmatched:
		s.Unmatched += n
	case StatusIgnored:
		s.Ignored += n
	case StatusRejected:
		s.Rejected += n
	}
}

// Store persists receipts. Record returns ErrDuplicate when a receipt with
// the same provider and provider event ID already exists.
type Store interface {
	Record(ctx context.Context, r *Receipt) error
	ListByBooking(ctx context.Context, bookingID string, limit int) ([]*Receipt, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
}

// Service applies inbound webhooks.
type Service struct {
	store    Store
	ledger   *ledger.Service
	executor *disbursement.Executor
	parsers  []Parser
	logger   *slog.Logger
}

// NewService creates a webhook service. Parsers are tried in order; the
// first one whose signature header is present handles the request.
func NewService(store Store, l *ledger.Service, x *disbursement.Executor, logger *slog.Logger, parsers ...Parser) *Service {
	return &Service{store: store, ledger: l, executor: x, parsers: parsers, logger: logger}
}

func (s *Service) Store() Store { return s.store }

func (s *Service) parser(header http.Header) Parser {
	for _, p := range s.parsers {
		if p.Accepts(header) {
			return p
		}
	}
	return nil
}

// Handle authenticates, records and applies one delivery. A non-nil
// Receipt is returned whenever the delivery was recorded, including
// rejected ones; the error is non-nil only when the caller should answer
// with a failure status.
func (s *Service) Handle(ctx context.Context, payload []byte, header http.Header) (*Receipt, error) {
	p := s.parser(header)
	if p == nil {
		receivedTotal.WithLabelValues("unknown", string(StatusRejected)).Inc()
		return nil, ErrUnknownProvider
	}

	rcpt := &Receipt{
		ID:         idgen.WithPrefix("whr_"),
		Provider:   p.Provider(),
		ReceivedAt: s.ledger.Now(),
	}
	n, err := p.Parse(payload, header)
	if err != nil {
		rcpt.Status = StatusRejected
		rcpt.Error = err.Error()
		s.record(ctx, rcpt)
		return rcpt, err
	}
	rcpt.ProviderEventID = n.ProviderEventID
	rcpt.Type = n.Type
	rcpt.Reference = n.Reference
	if n.Outcome != nil {
		rcpt.Outcome = string(n.Outcome.Kind())
	}

	if n.Reference == "" || n.Outcome == nil {
		rcpt.Status = StatusIgnored
		s.record(ctx, rcpt)
		return rcpt, nil
	}

	e, err := s.ledger.Store().FindEventByReference(ctx, ledger.BaseReference(n.Reference))
	if errors.Is(err, ledger.ErrEventNotFound) {
		rcpt.Status = StatusUnmatched
		s.logger.Warn("webhook for unknown reference", "provider", rcpt.Provider, "reference", n.Reference, "type", n.Type)
		s.record(ctx, rcpt)
		return rcpt, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find event for %s: %w", n.Reference, err)
	}
	rcpt.BookingID = e.BookingID
	rcpt.EscrowEventID = e.ID

	if stale(e, n) {
		rcpt.Status = StatusStale
		s.logger.Info("stale webhook outcome ignored",
			"booking_id", e.BookingID, "event_id", e.ID, "reference", n.Reference, "outcome", n.Outcome.Kind())
		s.record(ctx, rcpt)
		return rcpt, nil
	}

	// Resolving the same outcome twice is a no-op for the payout, so a
	// redelivery racing this one is harmless; the receipt insert decides
	// which of them is reported as applied.
	if _, err := s.executor.Resolve(ctx, e.ID, n.Outcome); err != nil {
		return nil, fmt.Errorf("apply outcome to %s: %w", e.ID, err)
	}
	rcpt.Status = StatusApplied
	s.record(ctx, rcpt)
	s.logger.Info("webhook applied",
		"booking_id", e.BookingID, "event_id", e.ID, "reference", n.Reference, "outcome", n.Outcome.Kind())
	return rcpt, nil
}

// stale reports whether applying n would repeat e's outcome or move it
// backwards, such as a failure for an attempt other than the current one.
func stale(e *ledger.Event, n *Notice) bool {
	switch n.Outcome.(type) {
	case ledger.Failed:
		if n.Reference != e.AttemptReference() {
			return true
		}
		return ledger.IsSettled(e.Outcome)
	case ledger.Confirmed:
		_, confirmed := e.Outcome.(ledger.Confirmed)
		return confirmed
	case ledger.Reversed:
		_, reversed := e.Outcome.(ledger.Reversed)
		return reversed
	}
	return true
}

// record stores the receipt. A second receipt for the same provider event
// is reported as a duplicate. Storage failures are logged; the provider
// will redeliver.
func (s *Service) record(ctx context.Context, r *Receipt) {
	if r.ProviderEventID == "" {
		r.ProviderEventID = r.ID
	}
	err := s.store.Record(ctx, r)
	if errors.Is(err, ErrDuplicate) {
		r.Status = StatusDuplicate
	} else if err != nil {
		s.logger.Warn("webhook receipt not stored", "provider", r.Provider, "status", r.Status, "error", err)
	}
	receivedTotal.WithLabelValues(r.Provider, string(r.Status)).Inc()
}
