package webhooks

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mbd888/shortlet/internal/ledger"
)

// HMACSignatureHeader carries hex(HMAC-SHA512(body, secret)).
const HMACSignatureHeader = "X-Gateway-Signature"

// HMACParser handles the signed JSON format used by card processors in the
// Paystack family:
//
//	{"event": "transfer.success", "data": {"id": 123, "reference": "po_bk1", "reason": ""}}
type HMACParser struct {
	secret []byte
}

func NewHMACParser(secret string) *HMACParser {
	return &HMACParser{secret: []byte(secret)}
}

func (p *HMACParser) Provider() string { return "hmac" }

func (p *HMACParser) Accepts(header http.Header) bool {
	return header.Get(HMACSignatureHeader) != ""
}

type hmacPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID          json.Number `json:"id"`
		Reference   string      `json:"reference"`
		Reason      string      `json:"reason"`
		Status      string      `json:"status"`
		TransferRef string      `json:"transfer_code"`
		UpdatedAt   time.Time   `json:"updatedAt"`
	} `json:"data"`
}

func (p *HMACParser) Parse(payload []byte, header http.Header) (*Notice, error) {
	if len(p.secret) == 0 {
		return nil, fmt.Errorf("%w: no secret configured", ErrInvalidSignature)
	}
	got, err := hex.DecodeString(header.Get(HMACSignatureHeader))
	if err != nil || !hmac.Equal(got, Sign(payload, p.secret)) {
		return nil, ErrInvalidSignature
	}

	var body hmacPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	n := &Notice{
		Provider:        p.Provider(),
		ProviderEventID: body.Event + ":" + body.Data.ID.String() + ":" + body.Data.Reference,
		Type:            body.Event,
		Reference:       body.Data.Reference,
	}
	at := body.Data.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	providerID := body.Data.TransferRef
	if providerID == "" {
		providerID = body.Data.ID.String()
	}

	switch body.Event {
	case "transfer.success", "refund.processed":
		n.Outcome = ledger.Confirmed{ProviderTxID: providerID, At: at}
	case "transfer.failed", "refund.failed":
		reason := body.Data.Reason
		if reason == "" {
			reason = body.Event
		}
		n.Outcome = ledger.Failed{Reason: reason, At: at}
	case "transfer.reversed", "refund.reversed":
		n.Outcome = ledger.Reversed{Reason: body.Data.Reason, At: at}
	}
	return n, nil
}

// Sign computes the signature HMACParser expects. Also used to sign
// outbound notification callbacks.
func Sign(payload, secret []byte) []byte {
	h := hmac.New(sha512.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

var _ Parser = (*HMACParser)(nil)
