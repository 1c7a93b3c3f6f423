package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListJobLocks = mcp.NewTool("list_job_locks",
	mcp.WithDescription(
		"List the settlement job locks currently held. Each lock shows the job, the holder, "+
			"when it expires and which bookings the run has claimed. "+
			"Use this when a job seems stuck or a booking is not being settled."),
)

var ToolReleaseJobLock = mcp.NewTool("release_job_lock",
	mcp.WithDescription(
		"Force-release a job lock so the job can run again on its next tick. "+
			"Only do this when the holder has crashed; releasing a live lock lets two runs overlap."),
	mcp.WithString("lock_id",
		mcp.Required(),
		mcp.Description("The lock ID from list_job_locks")),
)

var ToolGetEscrowEvents = mcp.NewTool("get_escrow_events",
	mcp.WithDescription(
		"Show the escrow event log of a booking: every hold, release, refund and payout "+
			"with its delivery outcome, plus the totals replayed from the log."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID")),
)

var ToolGetBookingDeliveries = mcp.NewTool("get_booking_deliveries",
	mcp.WithDescription(
		"Show gateway deliveries and received provider webhooks for a booking. "+
			"Use this to see why a refund or payout has not been confirmed."),
	mcp.WithString("booking_id",
		mcp.Required(),
		mcp.Description("The booking ID")),
)

var ToolGetHealthStats = mcp.NewTool("get_health_stats",
	mcp.WithDescription(
		"Get settlement health for the last 24 hours: webhook success rate, transfer outcomes, "+
			"delivery retries, the oldest pending delivery, active job locks and replay mismatches."),
)

var ToolRunJob = mcp.NewTool("run_job",
	mcp.WithDescription(
		"Run a settlement job immediately instead of waiting for its schedule. "+
			"Fails if the job is already running."),
	mcp.WithString("name",
		mcp.Required(),
		mcp.Description("Job name"),
		mcp.Enum("room_fee_release", "payout_eligibility", "dispute_sla_sweeper", "transfer_reconciliation")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Resolve a dispute with an admin decision and move the escrowed funds accordingly. "+
			"FULL_REFUND returns what is left to the guest, FULL_PAYOUT releases it to the realtor, "+
			"PARTIAL_REFUND refunds claimed_amount and releases the rest, REJECTED closes the dispute "+
			"without moving funds so normal settlement resumes."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID")),
	mcp.WithString("decision",
		mcp.Required(),
		mcp.Description("The decision"),
		mcp.Enum("FULL_REFUND", "FULL_PAYOUT", "PARTIAL_REFUND", "REJECTED")),
	mcp.WithString("claimed_amount",
		mcp.Description("Amount to refund in naira (e.g. '25000.00'). Required for PARTIAL_REFUND.")),
	mcp.WithString("notes",
		mcp.Description("Resolution notes recorded on the dispute")),
)
