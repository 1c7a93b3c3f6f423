// Package jobs runs the settlement engine's periodic tasks.
//
// Each job runs on its own ticker and holds a joblock lease for the
// duration of a run, so at most one runner executes a given job at a
// time across all processes sharing the lock store. A run that cannot get
// the lease is skipped, not failed. Runs are bounded by the lease TTL.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/shortlet/internal/idgen"
	"github.com/mbd888/shortlet/internal/joblock"
	"github.com/mbd888/shortlet/internal/traces"
)

var ErrUnknownJob = errors.New("unknown job")

// Job is one periodic task.
type Job interface {
	Name() string
	Run(ctx context.Context, run *Run) error
}

// Run accumulates the outcome of one job execution. Per-booking results
// are recorded with Succeed, Skip and Fail; a non-nil error from Job.Run
// means the run itself aborted.
type Run struct {
	ID         string    `json:"id"`
	Job        string    `json:"job"`
	LockID     string    `json:"lockId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Processed  int       `json:"processed"`
	Succeeded  int       `json:"succeeded"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Errors     []string  `json:"errors,omitempty"`
	Error      string    `json:"error,omitempty"`

	mu     sync.Mutex
	logger *slog.Logger
	claim  func(ctx context.Context, ids []string) error
}

// NewRun creates a standalone run, for calling a job outside a Scheduler.
func NewRun(job string, logger *slog.Logger) *Run {
	return &Run{
		ID:        idgen.WithPrefix("run_"),
		Job:       job,
		StartedAt: time.Now(),
		logger:    logger.With("job", job),
	}
}

// Logger is tagged with the job name and run ID.
func (r *Run) Logger() *slog.Logger { return r.logger }

// Claim records the booking IDs this run is about to touch on its lease.
func (r *Run) Claim(ctx context.Context, ids []string) error {
	if r.claim == nil || len(ids) == 0 {
		return nil
	}
	return r.claim(ctx, ids)
}

func (r *Run) Succeed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Processed++
	r.Succeeded++
}

func (r *Run) Skip(id, reason string) {
	r.mu.Lock()
	r.Processed++
	r.Skipped++
	r.mu.Unlock()
	r.logger.Info("skipped", "id", id, "reason", reason)
}

// Fail records a per-item failure. The run continues.
func (r *Run) Fail(id string, err error) {
	r.mu.Lock()
	r.Processed++
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", id, err))
	r.mu.Unlock()
	r.logger.Warn("item failed", "id", id, "error", err)
}

// Snapshot copies the counters for reporting.
func (r *Run) Snapshot() *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Run{
		ID: r.ID, Job: r.Job, LockID: r.LockID,
		StartedAt: r.StartedAt, FinishedAt: r.FinishedAt,
		Processed: r.Processed, Succeeded: r.Succeeded, Skipped: r.Skipped, Failed: r.Failed,
		Errors: append([]string(nil), r.Errors...), Error: r.Error,
	}
}

type entry struct {
	job      Job
	interval time.Duration
	ttl      time.Duration
	last     atomic.Pointer[Run]
}

// Scheduler owns the job timers.
type Scheduler struct {
	locks   *joblock.Manager
	holder  string
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]*entry
	stop    chan struct{}
	running atomic.Bool
}

// NewScheduler creates a scheduler whose leases are held as holder
// (typically hostname plus process ID).
func NewScheduler(locks *joblock.Manager, holder string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		locks:   locks,
		holder:  holder,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
}

// WithClock overrides the time source used for run timestamps (tests).
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Register adds a job. ttl bounds each run and the lease.
func (s *Scheduler) Register(job Job, interval, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[job.Name()] = &entry{job: job, interval: interval, ttl: ttl}
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LastRun returns the most recent completed run of name, or nil.
func (s *Scheduler) LastRun(name string) *Run {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return e.last.Load()
}

// Running reports whether the scheduler loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start runs every registered job on its interval until ctx is done or
// Stop is called. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.RLock()
	var wg sync.WaitGroup
	for _, e := range s.entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	s.mu.RUnlock()

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	cancel()
	wg.Wait()
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.safeRun(ctx, e)
		}
	}
}

// RunNow executes name immediately, subject to the same lease as the
// timer. Returns joblock.ErrConflict if another run holds it.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*Run, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.safeRun(ctx, e)
}

func (s *Scheduler) safeRun(ctx context.Context, e *entry) (run *Run, err error) {
	defer func() {
		if r := recover(); r != nil {
			name := e.job.Name()
			s.logger.Error("panic in job", "job", name, "panic", fmt.Sprint(r))
			runsTotal.WithLabelValues(name, "panic").Inc()
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
	}()
	return s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) (*Run, error) {
	name := e.job.Name()
	lock, err := s.locks.Acquire(ctx, name, s.holder, e.ttl)
	if err != nil {
		if errors.Is(err, joblock.ErrConflict) {
			runsTotal.WithLabelValues(name, "skipped").Inc()
			s.logger.Debug("job already running elsewhere", "job", name)
		} else {
			runsTotal.WithLabelValues(name, "error").Inc()
			s.logger.Error("job lock acquire failed", "job", name, "error", err)
		}
		return nil, err
	}
	defer func() {
		// Release with a fresh context: the run context may be expired.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locks.Release(rctx, lock.ID); err != nil && !errors.Is(err, joblock.ErrNotFound) {
			s.logger.Warn("job lock release failed", "job", name, "lock_id", lock.ID, "error", err)
		}
	}()

	run := &Run{
		ID:        idgen.WithPrefix("run_"),
		Job:       name,
		LockID:    lock.ID,
		StartedAt: s.now(),
	}
	run.logger = s.logger.With("job", name, "run_id", run.ID)
	run.claim = func(ctx context.Context, ids []string) error {
		return s.locks.Claim(ctx, lock.ID, ids)
	}

	ctx, cancel := context.WithTimeout(ctx, e.ttl)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "job."+name, traces.Job(name), traces.RunID(run.ID))

	start := time.Now()
	runErr := e.job.Run(ctx, run)
	traces.End(span, runErr)

	run.mu.Lock()
	run.FinishedAt = s.now()
	if runErr != nil {
		run.Error = runErr.Error()
	}
	run.mu.Unlock()

	result := "ok"
	if runErr != nil {
		result = "error"
	}
	runsTotal.WithLabelValues(name, result).Inc()
	runDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	snap := run.Snapshot()
	e.last.Store(snap)
	itemsTotal.WithLabelValues(name, "succeeded").Add(float64(snap.Succeeded))
	itemsTotal.WithLabelValues(name, "skipped").Add(float64(snap.Skipped))
	itemsTotal.WithLabelValues(name, "failed").Add(float64(snap.Failed))

	attrs := []any{"processed", snap.Processed, "succeeded", snap.Succeeded, "skipped", snap.Skipped, "failed", snap.Failed}
	if runErr != nil {
		run.logger.Error("job run aborted", append(attrs, "error", runErr)...)
		return snap, runErr
	}
	run.logger.Info("job run finished", attrs...)
	return snap, nil
}
