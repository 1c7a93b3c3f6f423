package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/shortlet/internal/joblock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type funcJob struct {
	name string
	fn   func(ctx context.Context, run *Run) error
}

func (f funcJob) Name() string                            { return f.name }
func (f funcJob) Run(ctx context.Context, run *Run) error { return f.fn(ctx, run) }

func newScheduler(t *testing.T) (*Scheduler, *joblock.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := joblock.NewManager(joblock.NewMemoryStore(), logger)
	return NewScheduler(locks, "test-host", logger), locks
}

func TestRunNow_RecordsCounters(t *testing.T) {
	s, _ := newScheduler(t)
	s.Register(funcJob{name: "count", fn: func(ctx context.Context, run *Run) error {
		run.Succeed()
		run.Skip("bk2", "open dispute")
		run.Fail("bk3", errors.New("boom"))
		return nil
	}}, time.Hour, time.Minute)

	run, err := s.RunNow(context.Background(), "count")
	require.NoError(t, err)
	assert.Equal(t, 3, run.Processed)
	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 1, run.Skipped)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, []string{"bk3: boom"}, run.Errors)
	assert.Equal(t, run.ID, s.LastRun("count").ID)
}

func TestRunNow_SingleFlight(t *testing.T) {
	s, locks := newScheduler(t)
	started := make(chan struct{})
	release := make(chan struct{})
	s.Register(funcJob{name: "slow", fn: func(ctx context.Context, run *Run) error {
		require.NoError(t, run.Claim(ctx, []string{"bk1", "bk2"}))
		close(started)
		<-release
		return nil
	}}, time.Hour, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "slow")
		done <- err
	}()
	<-started

	_, err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, joblock.ErrConflict)

	active, err := locks.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, []string{"bk1", "bk2"}, active[0].BookingIDs)

	close(release)
	require.NoError(t, <-done)

	// Lease released: the next run proceeds.
	active, _ = locks.ListActive(context.Background())
	assert.Empty(t, active)
}

func TestRunNow_AbortAndPanic(t *testing.T) {
	s, locks := newScheduler(t)
	s.Register(funcJob{name: "abort", fn: func(ctx context.Context, run *Run) error {
		return errors.New("candidate query failed")
	}}, time.Hour, time.Minute)
	s.Register(funcJob{name: "panic", fn: func(ctx context.Context, run *Run) error {
		panic("nil map")
	}}, time.Hour, time.Minute)

	run, err := s.RunNow(context.Background(), "abort")
	require.Error(t, err)
	assert.Equal(t, "candidate query failed", run.Error)

	_, err = s.RunNow(context.Background(), "panic")
	require.Error(t, err)

	active, _ := locks.ListActive(context.Background())
	assert.Empty(t, active, "locks are released after abort and panic")

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunNow_BoundedByTTL(t *testing.T) {
	s, _ := newScheduler(t)
	s.Register(funcJob{name: "stuck", fn: func(ctx context.Context, run *Run) error {
		<-ctx.Done()
		return ctx.Err()
	}}, time.Hour, 20*time.Millisecond)

	_, err := s.RunNow(context.Background(), "stuck")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_StartStop(t *testing.T) {
	s, _ := newScheduler(t)
	ran := make(chan struct{}, 10)
	s.Register(funcJob{name: "tick", fn: func(ctx context.Context, run *Run) error {
		ran <- struct{}{}
		return nil
	}}, 5*time.Millisecond, time.Second)

	go s.Start(context.Background())
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	assert.True(t, s.Running())
	s.Stop()
	assert.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
}

func TestHandler_RunNow(t *testing.T) {
	s, _ := newScheduler(t)
	s.Register(funcJob{name: "ok", fn: func(ctx context.Context, run *Run) error {
		run.Succeed()
		return nil
	}}, time.Hour, time.Minute)

	r := gin.New()
	NewHandler(s).RegisterAdminRoutes(r.Group(""))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/jobs/ok/run", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"succeeded":1`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/jobs/nope/run", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/jobs", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"ok"`)
}
