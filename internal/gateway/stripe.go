package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeClient implements Client with Stripe Connect: guest payments are
// PaymentIntents, realtor payouts are Transfers to the realtor's connected
// account, guest refunds are Refunds against the PaymentIntent.
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a client using the given secret key. A non-empty
// baseURL points all calls at a different API host (stripe-mock, tests).
func NewStripeClient(secretKey, baseURL string, httpClient *http.Client) *StripeClient {
	api := &client.API{}
	if baseURL == "" {
		api.Init(secretKey, nil)
		return &StripeClient{api: api}
	}
	cfg := &stripe.BackendConfig{
		URL:               stripe.String(baseURL),
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	api.Init(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &StripeClient{api: api}
}

func lower(currency string) *string {
	return stripe.String(strings.ToLower(currency))
}

func (s *StripeClient) Initialize(ctx context.Context, req InitRequest) (*Checkout, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: lower(req.Currency),
	}
	if req.Email != "" {
		params.ReceiptEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.SetIdempotencyKey("init_" + req.BookingID)
	params.AddMetadata("booking_id", req.BookingID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	return &Checkout{Reference: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *StripeClient) Verify(ctx context.Context, reference string) (*Verification, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Get(reference, params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	v := &Verification{
		Reference: pi.ID,
		Amount:    pi.AmountReceived,
		Currency:  strings.ToUpper(string(pi.Currency)),
		Paid:      pi.Status == stripe.PaymentIntentStatusSucceeded,
		BookingID: pi.Metadata["booking_id"],
	}
	if pi.Created > 0 {
		v.PaidAt = time.Unix(pi.Created, 0).UTC()
	}
	return v, nil
}

// Transfer uses the reference both as the idempotency key and as the
// transfer group, so LookupTransfer can find it again.
func (s *StripeClient) Transfer(ctx context.Context, req TransferRequest) (*Transaction, error) {
	if req.Destination == "" {
		return nil, fmt.Errorf("%w: no destination account for booking %s", ErrRejected, req.BookingID)
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      lower(req.Currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.Reference),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Reference)
	params.AddMetadata("reference", req.Reference)
	params.AddMetadata("booking_id", req.BookingID)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	return transferTx(req.Reference, tr), nil
}

func (s *StripeClient) Refund(ctx context.Context, req RefundRequest) (*Transaction, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentReference),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Reference)
	params.AddMetadata("reference", req.Reference)
	params.AddMetadata("booking_id", req.BookingID)

	rf, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, classifyStripe(err)
	}
	return refundTx(req.Reference, rf), nil
}

func (s *StripeClient) LookupTransfer(ctx context.Context, q Lookup) (*Transaction, error) {
	if q.Kind == KindRefund {
		params := &stripe.RefundListParams{PaymentIntent: stripe.String(q.PaymentReference)}
		params.Context = ctx
		it := s.api.Refunds.List(params)
		for it.Next() {
			rf := it.Refund()
			if rf.Metadata["reference"] == q.Reference {
				return refundTx(q.Reference, rf), nil
			}
		}
		if err := it.Err(); err != nil {
			return nil, classifyStripe(err)
		}
		return nil, ErrNotFound
	}

	params := &stripe.TransferListParams{TransferGroup: stripe.String(q.Reference)}
	params.Context = ctx
	it := s.api.Transfers.List(params)
	for it.Next() {
		return transferTx(q.Reference, it.Transfer()), nil
	}
	if err := it.Err(); err != nil {
		return nil, classifyStripe(err)
	}
	return nil, ErrNotFound
}

func transferTx(ref string, tr *stripe.Transfer) *Transaction {
	status := StatusSucceeded
	if tr.Reversed {
		status = StatusReversed
	}
	return &Transaction{
		Reference:  ref,
		ProviderID: tr.ID,
		Kind:       KindTransfer,
		Amount:     tr.Amount,
		Currency:   strings.ToUpper(string(tr.Currency)),
		Status:     status,
		CreatedAt:  time.Unix(tr.Created, 0).UTC(),
	}
}

func refundTx(ref string, rf *stripe.Refund) *Transaction {
	tx := &Transaction{
		Reference:  ref,
		ProviderID: rf.ID,
		Kind:       KindRefund,
		Amount:     rf.Amount,
		Currency:   strings.ToUpper(string(rf.Currency)),
		Status:     RefundStatus(string(rf.Status)),
		CreatedAt:  time.Unix(rf.Created, 0).UTC(),
	}
	if tx.Status == StatusFailed {
		tx.FailureReason = string(rf.FailureReason)
	}
	return tx
}

// RefundStatus maps a Stripe refund status onto Status.
func RefundStatus(s string) Status {
	switch s {
	case "succeeded":
		return StatusSucceeded
	case "failed", "canceled":
		return StatusFailed
	default:
		return StatusPending
	}
}

// classifyStripe maps stripe-go errors onto the gateway error classes.
func classifyStripe(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, se.Msg)
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= 500,
		se.Type == stripe.ErrorTypeAPI:
		return fmt.Errorf("%w: %s", ErrTransient, se.Msg)
	default:
		return fmt.Errorf("%w: %s (%s)", ErrRejected, se.Msg, se.Code)
	}
}

var _ Client = (*StripeClient)(nil)
