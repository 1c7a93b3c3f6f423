package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stripeServer(t *testing.T, h http.HandlerFunc) *StripeClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewStripeClient("sk_test_123", srv.URL, srv.Client())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestStripe_TransferSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotGroup, gotDest string
	sc := stripeServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transfers", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotKey = r.Header.Get("Idempotency-Key")
		gotGroup = r.PostForm.Get("transfer_group")
		gotDest = r.PostForm.Get("destination")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id": "tr_1", "object": "transfer", "amount": 8100000, "currency": "ngn", "created": 1700000000,
		})
	})

	tx, err := sc.Transfer(context.Background(), TransferRequest{
		Reference: "rfs_bk1", BookingID: "bk1", Destination: "acct_1", Amount: 8100000, Currency: "NGN",
	})
	require.NoError(t, err)
	assert.Equal(t, "rfs_bk1", gotKey)
	assert.Equal(t, "rfs_bk1", gotGroup)
	assert.Equal(t, "acct_1", gotDest)
	assert.Equal(t, "tr_1", tx.ProviderID)
	assert.Equal(t, StatusSucceeded, tx.Status)
	assert.Equal(t, "NGN", tx.Currency)
}

func TestStripe_TransferWithoutDestinationIsRejected(t *testing.T) {
	var hits atomic.Int32
	sc := stripeServer(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })

	_, err := sc.Transfer(context.Background(), TransferRequest{Reference: "x", BookingID: "bk1", Amount: 1})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Zero(t, hits.Load())
}

func TestStripe_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		typ    string
		want   error
	}{
		{"invalid request", http.StatusBadRequest, "invalid_request_error", ErrRejected},
		{"card error", http.StatusPaymentRequired, "card_error", ErrRejected},
		{"rate limited", http.StatusTooManyRequests, "invalid_request_error", ErrTransient},
		{"server error", http.StatusInternalServerError, "api_error", ErrTransient},
		{"missing", http.StatusNotFound, "invalid_request_error", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := stripeServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]interface{}{
					"error": map[string]string{"type": tt.typ, "message": "nope"},
				})
			})
			_, err := sc.Refund(context.Background(), RefundRequest{
				Reference: "ref_1", BookingID: "bk1", PaymentReference: "pi_1", Amount: 100, Currency: "NGN",
			})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStripe_VerifySucceededIntent(t *testing.T) {
	sc := stripeServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id": "pi_1", "object": "payment_intent", "status": "succeeded",
			"amount": 11800000, "amount_received": 11800000, "currency": "ngn",
			"created": 1700000000, "metadata": map[string]string{"booking_id": "bk1"},
		})
	})

	v, err := sc.Verify(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.True(t, v.Paid)
	assert.Equal(t, int64(11800000), v.Amount)
	assert.Equal(t, "bk1", v.BookingID)
	assert.Equal(t, "NGN", v.Currency)
}

func TestStripe_LookupTransferByGroup(t *testing.T) {
	sc := stripeServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/transfers", r.URL.Path)
		if r.URL.Query().Get("transfer_group") != "po_bk1" {
			writeJSON(w, http.StatusOK, map[string]interface{}{"object": "list", "data": []interface{}{}, "has_more": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"object": "list", "has_more": false,
			"data": []interface{}{map[string]interface{}{
				"id": "tr_9", "object": "transfer", "amount": 500, "currency": "ngn", "reversed": true,
			}},
		})
	})

	tx, err := sc.LookupTransfer(context.Background(), Lookup{Reference: "po_bk1", Kind: KindTransfer})
	require.NoError(t, err)
	assert.Equal(t, StatusReversed, tx.Status)

	_, err = sc.LookupTransfer(context.Background(), Lookup{Reference: "po_other", Kind: KindTransfer})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefundStatus(t *testing.T) {
	assert.Equal(t, StatusSucceeded, RefundStatus("succeeded"))
	assert.Equal(t, StatusPending, RefundStatus("pending"))
	assert.Equal(t, StatusPending, RefundStatus("requires_action"))
	assert.Equal(t, StatusFailed, RefundStatus("failed"))
	assert.Equal(t, StatusFailed, RefundStatus("canceled"))
}
