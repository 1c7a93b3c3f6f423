// Package reconciliation settles gateway deliveries that did not reach a
// final outcome and audits payment projections against the event log.
//
// Each run retries Failed deliveries up to a bounded number of attempts,
// looks up Pending deliveries older than the transfer timeout, and replays
// the events of recently updated payments to check their realized totals.
package reconciliation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/shortlet/internal/disbursement"
	"github.com/mbd888/shortlet/internal/jobs"
	"github.com/mbd888/shortlet/internal/ledger"
)

// JobName is also the job lock name.
const JobName = "transfer_reconciliation"

// Config bounds one reconciliation run.
type Config struct {
	// StaleAfter is how long a delivery may stay unresolved before it is
	// looked up or retried.
	StaleAfter time.Duration
	// MaxAttempts stops retrying a delivery once it has failed this often.
	MaxAttempts int
	// Batch bounds deliveries and payments examined per run.
	Batch int
	// ReplayWindow selects payments updated this recently for the replay check.
	ReplayWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:   30 * time.Minute,
		MaxAttempts:  5,
		Batch:        100,
		ReplayWindow: 24 * time.Hour,
	}
}

// Mismatch is a payment whose stored totals disagree with a replay of its
// events.
type Mismatch struct {
	BookingID string          `json:"bookingId"`
	Stored    ledger.Realized `json:"stored"`
	Replayed  ledger.Realized `json:"replayed"`
}

// Job is the transfer reconciliation job.
type Job struct {
	ledger   *ledger.Service
	executor *disbursement.Executor
	cfg      Config

	mu   sync.Mutex
	last []Mismatch
}

func NewJob(l *ledger.Service, x *disbursement.Executor, cfg Config) *Job {
	return &Job{ledger: l, executor: x, cfg: cfg}
}

func (j *Job) Name() string { return JobName }

// Mismatches returns the replay mismatches found by the most recent run.
func (j *Job) Mismatches() []Mismatch {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Mismatch(nil), j.last...)
}

func (j *Job) Run(ctx context.Context, run *jobs.Run) error {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	if err := j.redeliver(ctx, run); err != nil {
		return err
	}
	return j.replay(ctx, run)
}

func (j *Job) redeliver(ctx context.Context, run *jobs.Run) error {
	store := j.ledger.Store()
	events, err := store.ListUndelivered(ctx, j.ledger.Now().Add(-j.cfg.StaleAfter), j.cfg.Batch)
	if err != nil {
		return fmt.Errorf("list undelivered events: %w", err)
	}
	if len(events) == 0 {
		exhaustedDeliveries.Set(0)
		return nil
	}

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.BookingID)
	}
	if err := run.Claim(ctx, ids); err != nil {
		return fmt.Errorf("claim bookings: %w", err)
	}

	exhausted := 0
	for _, e := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, failed := e.Outcome.(ledger.Failed); failed {
			// Failed payouts are retried by the payout job, which tracks
			// attempts on the payment.
			if e.Type == ledger.EventPayRealtorPayout {
				run.Skip(e.ID, "payout retry owned by payout job")
				continue
			}
			if e.RetryCount >= j.cfg.MaxAttempts {
				exhausted++
				run.Skip(e.ID, "attempt limit reached")
				continue
			}
		}

		updated, err := j.executor.Redeliver(ctx, e)
		if updated != nil {
			redeliveries.WithLabelValues(string(updated.Outcome.Kind())).Inc()
		}
		switch {
		case err != nil:
			run.Fail(e.ID, err)
		case ledger.IsSettled(updated.Outcome):
			run.Logger().Info("delivery reconciled",
				"booking_id", e.BookingID, "event_id", e.ID, "outcome", updated.Outcome.Kind())
			run.Succeed()
		default:
			run.Skip(e.ID, "still "+string(updated.Outcome.Kind()))
		}
	}
	exhaustedDeliveries.Set(float64(exhausted))
	return nil
}

func (j *Job) replay(ctx context.Context, run *jobs.Run) error {
	store := j.ledger.Store()
	payments, err := store.ListPaymentsUpdatedSince(ctx, j.ledger.Now().Add(-j.cfg.ReplayWindow), j.cfg.Batch)
	if err != nil {
		return fmt.Errorf("list recent payments: %w", err)
	}

	var mismatches []Mismatch
	for _, p := range payments {
		events, err := store.ListEvents(ctx, p.BookingID)
		if err != nil {
			run.Fail(p.BookingID, fmt.Errorf("list events: %w", err))
			continue
		}
		replayed := ledger.Replay(events)
		stored := ledger.Realized{
			Customer: p.CustomerRefunded,
			Realtor:  p.RealtorReleased,
			Platform: p.PlatformReleased,
			Moved:    p.Realized(),
		}
		if replayed != stored {
			mismatches = append(mismatches, Mismatch{BookingID: p.BookingID, Stored: stored, Replayed: replayed})
			run.Logger().Error("payment projection does not match event log",
				"booking_id", p.BookingID, "stored", stored, "replayed", replayed)
		}
	}
	replayMismatches.Set(float64(len(mismatches)))
	j.mu.Lock()
	j.last = mismatches
	j.mu.Unlock()
	return nil
}
