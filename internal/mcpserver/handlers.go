package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/shortlet/internal/dispute"
	"github.com/mbd888/shortlet/internal/money"
)

// Handlers holds the MCP tool handler functions.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

func (h *Handlers) HandleListJobLocks(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	locks, err := h.client.ListJobLocks(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list job locks: %v", err)), nil
	}
	if len(locks) == 0 {
		return mcp.NewToolResultText("No job locks are held."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d lock(s) held:\n", len(locks))
	for _, l := range locks {
		fmt.Fprintf(&sb, "\n- %s (%s)\n", l.JobName, l.ID)
		fmt.Fprintf(&sb, "  Holder: %s\n", l.Holder)
		fmt.Fprintf(&sb, "  Acquired: %s | Expires: %s\n", formatTime(l.AcquiredAt), formatTime(l.ExpiresAt))
		if len(l.BookingIDs) > 0 {
			fmt.Fprintf(&sb, "  Bookings: %s\n", strings.Join(l.BookingIDs, ", "))
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleReleaseJobLock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	lockID := req.GetString("lock_id", "")
	if lockID == "" {
		return mcp.NewToolResultError("lock_id is required"), nil
	}

	released, err := h.client.ReleaseJobLock(ctx, lockID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}
	if released == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Lock %s released.", lockID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Lock %s released.\n  Job: %s\n  Was held by: %s\n\nThe job will run on its next tick.",
		released.ID, released.JobName, released.Holder)), nil
}

func (h *Handlers) HandleGetEscrowEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bookingID := req.GetString("booking_id", "")
	if bookingID == "" {
		return mcp.NewToolResultError("booking_id is required"), nil
	}

	history, err := h.client.ListEscrowEvents(ctx, bookingID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow events: %v", err)), nil
	}
	if len(history.Events) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Booking %s has no escrow events.", bookingID)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow events for %s:\n\n", bookingID)
	for _, e := range history.Events {
		fmt.Fprintf(&sb, "%d. %s  %s NGN  %s -> %s\n", e.Seq, e.Type, money.Format(e.Amount), e.From, e.To)
		if e.Outcome != nil {
			fmt.Fprintf(&sb, "   Outcome: %s", e.Outcome.Kind())
			if e.RetryCount > 0 {
				fmt.Fprintf(&sb, " (retries: %d)", e.RetryCount)
			}
			sb.WriteString("\n")
		}
		if e.CompensatesEventID != "" {
			fmt.Fprintf(&sb, "   Compensates: %s\n", e.CompensatesEventID)
		}
		fmt.Fprintf(&sb, "   At: %s by %s\n", formatTime(e.ExecutedAt), e.Actor)
	}
	r := history.Realized
	fmt.Fprintf(&sb, "\nRealized: guest %s | realtor %s | platform %s NGN\n",
		money.Format(r.Customer), money.Format(r.Realtor), money.Format(r.Platform))
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleGetBookingDeliveries(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	bookingID := req.GetString("booking_id", "")
	if bookingID == "" {
		return mcp.NewToolResultError("booking_id is required"), nil
	}

	d, err := h.client.GetBookingDeliveries(ctx, bookingID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get deliveries: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Deliveries for %s:\n", bookingID)
	if len(d.Deliveries) == 0 {
		sb.WriteString("  none\n")
	}
	for _, dl := range d.Deliveries {
		fmt.Fprintf(&sb, "- %s to %s: %s NGN, %s", dl.Type, dl.Recipient, money.Format(dl.Amount), dl.Outcome)
		if dl.ProviderTxID != "" {
			fmt.Fprintf(&sb, " (tx %s)", dl.ProviderTxID)
		}
		if dl.RetryCount > 0 {
			fmt.Fprintf(&sb, ", %d retries", dl.RetryCount)
		}
		fmt.Fprintf(&sb, "\n  Reference: %s\n", dl.AttemptReference)
	}

	fmt.Fprintf(&sb, "\nWebhooks received: %d\n", len(d.Receipts))
	for _, r := range d.Receipts {
		fmt.Fprintf(&sb, "- %s %s: %s", formatTime(r.ReceivedAt), r.Provider, r.Status)
		if r.Outcome != "" {
			fmt.Fprintf(&sb, " (%s)", r.Outcome)
		}
		if r.Error != "" {
			fmt.Fprintf(&sb, " error: %s", r.Error)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleGetHealthStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rep, err := h.client.HealthStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get health stats: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Settlement health (last %s):\n\n", rep.Window)
	fmt.Fprintf(&sb, "Webhooks: %d received, %.1f%% success\n", rep.Webhooks.Total, rep.Webhooks.SuccessRate*100)
	fmt.Fprintf(&sb, "  applied %d | stale %d | unmatched %d | ignored %d | rejected %d\n",
		rep.Webhooks.Applied, rep.Webhooks.Stale, rep.Webhooks.Unmatched, rep.Webhooks.Ignored, rep.Webhooks.Rejected)
	fmt.Fprintf(&sb, "Deliveries: %d\n", rep.Deliveries)
	for kind, n := range rep.TransferOutcomes {
		fmt.Fprintf(&sb, "  %s: %d\n", kind, n)
	}
	fmt.Fprintf(&sb, "Retries: %d across %d event(s)\n", rep.Retries.Total, rep.Retries.EventsRetried)
	if rep.OldestPendingAt != nil {
		fmt.Fprintf(&sb, "Oldest pending delivery: %s\n", formatTime(*rep.OldestPendingAt))
	}
	fmt.Fprintf(&sb, "Active job locks: %d\n", rep.ActiveLocks)
	if rep.ReplayMismatches > 0 {
		fmt.Fprintf(&sb, "WARNING: %d payment(s) disagree with their event log\n", rep.ReplayMismatches)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleRunJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	if name == "" {
		return mcp.NewToolResultError("name is required"), nil
	}

	run, err := h.client.RunJob(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Job run failed: %v", err)), nil
	}
	if run == nil {
		return mcp.NewToolResultText(fmt.Sprintf("Job %s ran.", name)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Job %s finished in %s.\n", run.Job, run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&sb, "  Processed: %d | Succeeded: %d | Skipped: %d | Failed: %d\n",
		run.Processed, run.Succeeded, run.Skipped, run.Failed)
	for _, e := range run.Errors {
		fmt.Fprintf(&sb, "  - %s\n", e)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	decision := dispute.Decision(req.GetString("decision", ""))
	if !decision.Valid() {
		return mcp.NewToolResultError("decision must be FULL_REFUND, FULL_PAYOUT, PARTIAL_REFUND or REJECTED"), nil
	}

	body := dispute.ResolveRequest{Decision: decision, Notes: req.GetString("notes", "")}
	if raw := req.GetString("claimed_amount", ""); raw != "" {
		amount, err := money.Parse(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid claimed_amount: %v", err)), nil
		}
		body.ClaimedAmount = &amount
	}
	if decision == dispute.DecisionPartialRefund && body.ClaimedAmount == nil {
		return mcp.NewToolResultError("claimed_amount is required for PARTIAL_REFUND"), nil
	}

	d, err := h.client.ResolveDispute(ctx, disputeID, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolve failed: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s resolved: %s\n", d.ID, d.Decision)
	fmt.Fprintf(&sb, "  Booking: %s\n", d.BookingID)
	fmt.Fprintf(&sb, "  Guest refund: %s NGN\n", money.Format(d.CustomerAmount))
	fmt.Fprintf(&sb, "  Realtor release: %s NGN\n", money.Format(d.RealtorAmount))
	fmt.Fprintf(&sb, "  Platform: %s NGN\n", money.Format(d.PlatformAmount))
	return mcp.NewToolResultText(sb.String()), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
