package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/shortlet/internal/auth"
	"github.com/mbd888/shortlet/internal/dispute"
	"github.com/mbd888/shortlet/internal/health"
	"github.com/mbd888/shortlet/internal/joblock"
	"github.com/mbd888/shortlet/internal/jobs"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/webhooks"
)

// Config holds the settings for connecting to the settlement engine.
type Config struct {
	APIURL      string
	AdminSecret string
	// OperatorID is recorded as the actor on admin actions.
	OperatorID string
}

// Client is an HTTP client for the engine's admin API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new admin API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	u := c.cfg.APIURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set(auth.HeaderActorID, c.cfg.OperatorID)
	req.Header.Set(auth.HeaderActorRole, string(ledger.RoleAdmin))
	req.Header.Set(auth.HeaderAdminSecret, c.cfg.AdminSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListJobLocks returns the job locks currently held.
func (c *Client) ListJobLocks(ctx context.Context) ([]*joblock.Lock, error) {
	var out struct {
		Locks []*joblock.Lock `json:"locks"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/admin/system/job-locks", nil, &out); err != nil {
		return nil, err
	}
	return out.Locks, nil
}

// ReleaseJobLock force-releases a job lock.
func (c *Client) ReleaseJobLock(ctx context.Context, lockID string) (*joblock.Lock, error) {
	var out struct {
		Released *joblock.Lock `json:"released"`
	}
	path := "/admin/system/job-locks/" + url.PathEscape(lockID)
	if err := c.doRequest(ctx, http.MethodDelete, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Released, nil
}

// EscrowEvents returns a booking's escrow events with their replayed totals.
type EscrowEvents struct {
	BookingID string          `json:"bookingId"`
	Events    []*ledger.Event `json:"events"`
	Realized  ledger.Realized `json:"realized"`
}

// ListEscrowEvents fetches the escrow event log of a booking.
func (c *Client) ListEscrowEvents(ctx context.Context, bookingID string) (*EscrowEvents, error) {
	var out EscrowEvents
	path := "/bookings/" + url.PathEscape(bookingID) + "/escrow-events"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BookingDeliveries is the delivery and webhook view of a booking.
type BookingDeliveries struct {
	BookingID  string              `json:"bookingId"`
	Deliveries []webhooks.Delivery `json:"deliveries"`
	Receipts   []*webhooks.Receipt `json:"receipts"`
}

// GetBookingDeliveries fetches gateway deliveries and webhook receipts for a booking.
func (c *Client) GetBookingDeliveries(ctx context.Context, bookingID string) (*BookingDeliveries, error) {
	var out BookingDeliveries
	path := "/admin/webhooks/booking/" + url.PathEscape(bookingID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HealthStats fetches the operational health report.
func (c *Client) HealthStats(ctx context.Context) (*health.Report, error) {
	var out health.Report
	if err := c.doRequest(ctx, http.MethodGet, "/admin/system/health-stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunJob triggers one run of a scheduled job.
func (c *Client) RunJob(ctx context.Context, name string) (*jobs.Run, error) {
	var out struct {
		Run *jobs.Run `json:"run"`
	}
	path := "/admin/jobs/" + url.PathEscape(name) + "/run"
	if err := c.doRequest(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Run, nil
}

// ResolveDispute records an admin decision on a dispute.
func (c *Client) ResolveDispute(ctx context.Context, disputeID string, req dispute.ResolveRequest) (*dispute.Dispute, error) {
	var out struct {
		Dispute *dispute.Dispute `json:"dispute"`
	}
	path := "/admin/disputes/" + url.PathEscape(disputeID) + "/resolve"
	if err := c.doRequest(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return out.Dispute, nil
}
