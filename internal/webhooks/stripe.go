package webhooks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/shortlet/internal/gateway"
	"github.com/mbd888/shortlet/internal/ledger"
)

const stripeSignatureHeader = "Stripe-Signature"

// StripeParser verifies Stripe-Signature headers and maps transfer and
// refund events onto delivery outcomes.
type StripeParser struct {
	secret    string
	tolerance time.Duration
}

// NewStripeParser creates a parser for the endpoint signing secret. A zero
// tolerance uses Stripe's default of five minutes.
func NewStripeParser(secret string, tolerance time.Duration) *StripeParser {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeParser{secret: secret, tolerance: tolerance}
}

func (p *StripeParser) Provider() string { return "stripe" }

func (p *StripeParser) Accepts(header http.Header) bool {
	return header.Get(stripeSignatureHeader) != ""
}

func (p *StripeParser) Parse(payload []byte, header http.Header) (*Notice, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, header.Get(stripeSignatureHeader), p.secret,
		webhook.ConstructEventOptions{Tolerance: p.tolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	n := &Notice{Provider: p.Provider(), ProviderEventID: ev.ID, Type: string(ev.Type)}
	if ev.Data == nil {
		return n, nil
	}
	at := time.Unix(ev.Created, 0).UTC()

	switch ev.Type {
	case "transfer.created", "transfer.updated", "transfer.reversed":
		var tr stripe.Transfer
		if err := json.Unmarshal(ev.Data.Raw, &tr); err != nil {
			return nil, fmt.Errorf("%w: transfer: %v", ErrMalformed, err)
		}
		n.Reference = tr.Metadata["reference"]
		if n.Reference == "" {
			n.Reference = tr.TransferGroup
		}
		if tr.Reversed || ev.Type == "transfer.reversed" {
			n.Outcome = ledger.Reversed{Reason: "transfer reversed by provider", At: at}
		} else {
			n.Outcome = ledger.Confirmed{ProviderTxID: tr.ID, At: at}
		}

	case "refund.created", "refund.updated", "refund.failed", "charge.refund.updated":
		var rf stripe.Refund
		if err := json.Unmarshal(ev.Data.Raw, &rf); err != nil {
			return nil, fmt.Errorf("%w: refund: %v", ErrMalformed, err)
		}
		n.Reference = rf.Metadata["reference"]
		switch gateway.RefundStatus(string(rf.Status)) {
		case gateway.StatusSucceeded:
			n.Outcome = ledger.Confirmed{ProviderTxID: rf.ID, At: at}
		case gateway.StatusFailed:
			reason := string(rf.FailureReason)
			if reason == "" {
				reason = "refund " + string(rf.Status)
			}
			n.Outcome = ledger.Failed{Reason: reason, At: at}
		}
	}
	return n, nil
}

var _ Parser = (*StripeParser)(nil)
