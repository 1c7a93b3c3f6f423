package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/shortlet/internal/joblock"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/webhooks"
)

// DefaultWindow is the period covered by health statistics.
const DefaultWindow = 24 * time.Hour

// WebhookStats summarizes received provider webhooks.
type WebhookStats interface {
	Stats(ctx context.Context, since time.Time) (webhooks.Stats, error)
}

// DeliveryStats summarizes gateway delivery outcomes.
type DeliveryStats interface {
	DeliveryStats(ctx context.Context, since time.Time) (*ledger.DeliveryStats, error)
}

// LockLister lists job locks currently held.
type LockLister interface {
	ListActive(ctx context.Context) ([]*joblock.Lock, error)
}

// WebhookReport is the webhook section of a Report.
type WebhookReport struct {
	webhooks.Stats
	SuccessRate float64 `json:"successRate"`
}

// RetryReport counts delivery retries.
type RetryReport struct {
	Total         int `json:"total"`
	EventsRetried int `json:"eventsRetried"`
}

// Report is the body of GET /admin/system/health-stats.
type Report struct {
	Window           string                     `json:"window"`
	Since            time.Time                  `json:"since"`
	Webhooks         WebhookReport              `json:"webhooks"`
	TransferOutcomes map[ledger.OutcomeKind]int `json:"transferOutcomes"`
	Deliveries       int                        `json:"deliveries"`
	Retries          RetryReport                `json:"retries"`
	OldestPendingAt  *time.Time                 `json:"oldestPendingAt,omitempty"`
	ActiveLocks      int                        `json:"activeLocks"`
	ReplayMismatches int                        `json:"replayMismatches"`
}

// Reporter builds health reports.
type Reporter struct {
	webhooks   WebhookStats
	deliveries DeliveryStats
	locks      LockLister
	mismatches func() int
	window     time.Duration
	now        func() time.Time
}

func NewReporter(w WebhookStats, d DeliveryStats, l LockLister) *Reporter {
	return &Reporter{webhooks: w, deliveries: d, locks: l, window: DefaultWindow, now: time.Now}
}

// WithClock overrides the time source (tests).
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

// WithMismatches adds the reconciliation replay mismatch count to reports.
func (r *Reporter) WithMismatches(count func() int) *Reporter {
	r.mismatches = count
	return r
}

// Report collects statistics for the trailing window.
func (r *Reporter) Report(ctx context.Context) (*Report, error) {
	since := r.now().Add(-r.window)
	rep := &Report{Window: r.window.String(), Since: since}

	var (
		wh    webhooks.Stats
		ds    *ledger.DeliveryStats
		locks []*joblock.Lock
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if wh, err = r.webhooks.Stats(gctx, since); err != nil {
			return fmt.Errorf("webhook stats: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if ds, err = r.deliveries.DeliveryStats(gctx, since); err != nil {
			return fmt.Errorf("delivery stats: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if locks, err = r.locks.ListActive(gctx); err != nil {
			return fmt.Errorf("active locks: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rep.Webhooks = WebhookReport{Stats: wh, SuccessRate: wh.SuccessRate()}
	rep.TransferOutcomes = ds.ByOutcome
	if rep.TransferOutcomes == nil {
		rep.TransferOutcomes = map[ledger.OutcomeKind]int{}
	}
	rep.Deliveries = ds.DeliveryEvents
	rep.Retries = RetryReport{Total: ds.TotalRetries, EventsRetried: ds.EventsRetried}
	rep.OldestPendingAt = ds.OldestPendingAt
	rep.ActiveLocks = len(locks)
	if r.mismatches != nil {
		rep.ReplayMismatches = r.mismatches()
	}
	return rep, nil
}

// StatsHandler serves GET /admin/system/health-stats.
func (r *Reporter) StatsHandler(c *gin.Context) {
	rep, err := r.Report(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to collect health statistics",
		})
		return
	}
	c.JSON(http.StatusOK, rep)
}
