package joblock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(store Store) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(store, logger).WithClock(clock.Now), clock
}

// runStoreSuite exercises the Store contract through the Manager. Stores
// that expire leases on the wall clock pass fakeExpiry=false and skip the
// takeover case.
func runStoreSuite(t *testing.T, fakeExpiry bool, newStore func(t *testing.T) Store) {
	t.Run("AcquireConflictRelease", func(t *testing.T) {
		m, _ := newTestManager(newStore(t))
		ctx := context.Background()

		l, err := m.Acquire(ctx, "room_fee_release", "pod-a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "pod-a", l.Holder)

		_, err = m.Acquire(ctx, "room_fee_release", "pod-b", time.Minute)
		assert.ErrorIs(t, err, ErrConflict)

		// Different job names do not interfere.
		_, err = m.Acquire(ctx, "payout_eligibility", "pod-b", time.Minute)
		require.NoError(t, err)

		require.NoError(t, m.Release(ctx, l.ID))
		assert.ErrorIs(t, m.Release(ctx, l.ID), ErrNotFound)

		_, err = m.Acquire(ctx, "room_fee_release", "pod-b", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("ExpiredLockIsTakenOver", func(t *testing.T) {
		if !fakeExpiry {
			t.Skip("store expires leases on the wall clock")
		}
		m, clock := newTestManager(newStore(t))
		ctx := context.Background()

		old, err := m.Acquire(ctx, "dispute_sla_sweeper", "pod-a", time.Minute)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		fresh, err := m.Acquire(ctx, "dispute_sla_sweeper", "pod-b", time.Minute)
		require.NoError(t, err)

		// The stale holder cannot release the new lease.
		assert.ErrorIs(t, m.Release(ctx, old.ID), ErrNotFound)
		active, err := m.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, fresh.ID, active[0].ID)
	})

	t.Run("ClaimAndForceRelease", func(t *testing.T) {
		m, clock := newTestManager(newStore(t))
		ctx := context.Background()

		l, err := m.Acquire(ctx, "payout_eligibility", "pod-a", 10*time.Minute)
		require.NoError(t, err)
		require.NoError(t, m.Claim(ctx, l.ID, []string{"bk1", "bk2"}))

		active, err := m.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, []string{"bk1", "bk2"}, active[0].BookingIDs)

		clock.Advance(3 * time.Minute)
		rec, err := m.ForceRelease(ctx, l.ID, "admin:ops")
		require.NoError(t, err)
		assert.Equal(t, "pod-a", rec.Lock.Holder)
		assert.Equal(t, "admin:ops", rec.ReleasedBy)
		assert.False(t, rec.WasExpired)
		assert.Equal(t, 3*time.Minute, rec.HeldFor)
		assert.Equal(t, []string{"bk1", "bk2"}, rec.Lock.BookingIDs)

		// Re-acquire after force release.
		_, err = m.Acquire(ctx, "payout_eligibility", "pod-b", time.Minute)
		require.NoError(t, err)

		_, err = m.ForceRelease(ctx, l.ID, "admin:ops")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, true, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ForceReleaseExpired(t *testing.T) {
	m, clock := newTestManager(NewMemoryStore())
	ctx := context.Background()

	l, err := m.Acquire(ctx, "room_fee_release", "pod-a", time.Minute)
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)

	rec, err := m.ForceRelease(ctx, l.ID, "admin:ops")
	require.NoError(t, err)
	assert.True(t, rec.WasExpired)
}

func TestManager_InvalidTTL(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore())
	_, err := m.Acquire(context.Background(), "x", "pod", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestManager_SingleFlightUnderContention(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore())
	ctx := context.Background()

	var won int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Acquire(ctx, "room_fee_release", "pod", time.Minute)
			if err == nil {
				atomic.AddInt32(&won, 1)
			} else if !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), won)
}
