package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/shortlet/internal/jobs"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/pagination"
)

// SLASweeper auto-resolves escalated disputes whose admin deadline has
// passed with the fallback split.
type SLASweeper struct {
	service *Service
	batch   int
}

// NewSLASweeper creates the sweeper job. batch is the page size; a run
// pages through every overdue dispute.
func NewSLASweeper(service *Service, batch int) *SLASweeper {
	if batch <= 0 {
		batch = 50
	}
	return &SLASweeper{service: service, batch: batch}
}

func (j *SLASweeper) Name() string { return "dispute_sla_sweeper" }

// Run resolves overdue disputes page by page. A dispute that fails stays
// ESCALATED and the cursor moves past it, so it never hides the rest.
func (j *SLASweeper) Run(ctx context.Context, run *jobs.Run) error {
	now := j.service.now()
	var after *pagination.Cursor
	for {
		overdue, err := j.service.store.ListOverdue(ctx, now, after, j.batch)
		if err != nil {
			return fmt.Errorf("list overdue disputes: %w", err)
		}
		if len(overdue) == 0 {
			return nil
		}

		ids := make([]string, 0, len(overdue))
		for _, d := range overdue {
			ids = append(ids, d.BookingID)
		}
		if err := run.Claim(ctx, ids); err != nil {
			return err
		}

		for _, d := range overdue {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			j.resolve(ctx, run, d)
		}

		if len(overdue) < j.batch {
			return nil
		}
		last := overdue[len(overdue)-1]
		after = &pagination.Cursor{CreatedAt: *last.AdminDeadlineAt, ID: last.ID}
	}
}

func (j *SLASweeper) resolve(ctx context.Context, run *jobs.Run, d *Dispute) {
	_, err := j.service.Resolve(ctx, d.ID, ResolveRequest{
		Decision: DecisionPartialRefund,
		Notes:    fmt.Sprintf("auto-resolved: admin deadline %s passed", d.AdminDeadlineAt.Format("2006-01-02 15:04 MST")),
	}, ledger.SystemActor)
	switch {
	case err == nil:
		slaBreaches.Inc()
		run.Logger().Warn("dispute auto-resolved after SLA breach", "dispute_id", d.ID, "booking_id", d.BookingID)
		run.Succeed()
	case errors.Is(err, ErrAlreadyResolved):
		run.Skip(d.BookingID, "dispute already resolved")
	default:
		run.Fail(d.BookingID, fmt.Errorf("dispute %s: %w", d.ID, err))
	}
}

var _ jobs.Job = (*SLASweeper)(nil)
