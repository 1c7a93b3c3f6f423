// Package gateway is the boundary to the payment provider.
//
// Every money-moving call carries a caller-chosen reference that the
// provider treats as an idempotency key, so a call can be repeated after a
// timeout without moving money twice. Errors are classified:
//
//   - ErrTransient: provider or network trouble; safe to retry
//   - ErrRejected: the provider refused the request; retrying the same
//     request will not help
//   - ErrTimeout: no answer in time; the outcome is unknown and must be
//     resolved later with LookupTransfer
package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTransient = errors.New("gateway: transient failure")
	ErrRejected  = errors.New("gateway: request rejected")
	ErrTimeout   = errors.New("gateway: timed out")
	ErrNotFound  = errors.New("gateway: reference not found")
)

// Status of a provider-side money movement.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
	StatusReversed  Status = "reversed"
)

// Kind of outbound movement.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindRefund   Kind = "refund"
)

// InitRequest starts a guest checkout.
type InitRequest struct {
	BookingID string
	Amount    int64
	Currency  string
	Email     string
}

// Checkout is returned to the client to complete payment.
type Checkout struct {
	Reference    string `json:"reference"`
	ClientSecret string `json:"clientSecret"`
}

// Verification is the provider's view of a guest payment.
type Verification struct {
	Reference string
	Amount    int64
	Currency  string
	Paid      bool
	BookingID string
	PaidAt    time.Time
}

// TransferRequest pays a realtor's connected account.
type TransferRequest struct {
	Reference   string
	BookingID   string
	Destination string
	Amount      int64
	Currency    string
	Description string
}

// RefundRequest returns money to the guest's original payment.
type RefundRequest struct {
	Reference        string
	BookingID        string
	PaymentReference string
	Amount           int64
	Currency         string
}

// Lookup identifies an earlier Transfer or Refund by its reference.
type Lookup struct {
	Reference        string
	Kind             Kind
	PaymentReference string // required for refunds
}

// Transaction is the provider's record of a transfer or refund.
type Transaction struct {
	Reference     string
	ProviderID    string
	Kind          Kind
	Amount        int64
	Currency      string
	Status        Status
	FailureReason string
	CreatedAt     time.Time
}

// Client is the payment provider contract.
type Client interface {
	Initialize(ctx context.Context, req InitRequest) (*Checkout, error)
	Verify(ctx context.Context, reference string) (*Verification, error)
	Transfer(ctx context.Context, req TransferRequest) (*Transaction, error)
	Refund(ctx context.Context, req RefundRequest) (*Transaction, error)
	LookupTransfer(ctx context.Context, q Lookup) (*Transaction, error)
}

// IsRetryable reports whether err may succeed if the same request is sent again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}
