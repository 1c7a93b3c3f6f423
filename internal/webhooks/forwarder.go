package webhooks

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mbd888/shortlet/internal/notify"
)

// Outbound headers on forwarded notifications.
const (
	HeaderEvent     = "X-Shortlet-Event"
	HeaderTimestamp = "X-Shortlet-Timestamp"
	HeaderSignature = "X-Shortlet-Signature"
)

// Forwarder posts notifications to the booking platform's callback URL,
// signed with the shared secret. It implements notify.Publisher.
type Forwarder struct {
	url    string
	secret []byte
	client *http.Client
}

// NewForwarder creates a forwarder. A nil client uses a 10 second timeout.
func NewForwarder(url, secret string, client *http.Client) *Forwarder {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Forwarder{url: url, secret: []byte(secret), client: client}
}

func (f *Forwarder) Publish(ctx context.Context, n notify.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(n.Kind))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", n.CreatedAt.Unix()))
	if len(f.secret) > 0 {
		req.Header.Set(HeaderSignature, hex.EncodeToString(Sign(payload, f.secret)))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		forwardedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("forward %s: %w", n.Kind, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		forwardedTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("forward %s: status %d", n.Kind, resp.StatusCode)
	}
	forwardedTotal.WithLabelValues("ok").Inc()
	return nil
}

var _ notify.Publisher = (*Forwarder)(nil)
