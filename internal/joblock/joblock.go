// Package joblock provides single-flight locks for scheduled jobs.
//
// A lock is a row (or key) per job name with an expiry. Acquire fails with
// ErrConflict while an unexpired lock exists for the name; an expired lock
// is taken over silently. Holders may claim the booking IDs they are
// working on so operators can see what a stuck run was touching, and
// admins may force-release a lock.
package joblock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/shortlet/internal/idgen"
)

var (
	ErrConflict   = errors.New("job lock held by another runner")
	ErrNotFound   = errors.New("job lock not found")
	ErrInvalidTTL = errors.New("job lock ttl must be positive")
)

// Lock is a lease on a job name.
type Lock struct {
	ID         string    `json:"id"`
	JobName    string    `json:"jobName"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	BookingIDs []string  `json:"bookingIds"`
}

// Expired reports whether the lease has lapsed at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// ForceReleaseRecord describes a lock an admin removed.
type ForceReleaseRecord struct {
	Lock       *Lock         `json:"lock"`
	ReleasedBy string        `json:"releasedBy"`
	ReleasedAt time.Time     `json:"releasedAt"`
	WasExpired bool          `json:"wasExpired"`
	HeldFor    time.Duration `json:"heldForNs"`
}

// Store persists locks. Acquire must be atomic with respect to other
// Acquire calls for the same job name.
type Store interface {
	// Acquire inserts l unless an unexpired lock for l.JobName exists at
	// now, in which case it returns ErrConflict. Expired locks are replaced.
	Acquire(ctx context.Context, l *Lock, now time.Time) error
	Release(ctx context.Context, id string) error
	Claim(ctx context.Context, id string, bookingIDs []string) error
	Get(ctx context.Context, id string) (*Lock, error)
	ListActive(ctx context.Context, now time.Time) ([]*Lock, error)
	// Remove deletes the lock and returns what was stored.
	Remove(ctx context.Context, id string) (*Lock, error)
}

// Manager hands out job locks.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a lock manager.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the time source (tests).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Acquire takes the lock for jobName. A conflict is returned as ErrConflict
// and is not a failure: the caller should skip this run.
func (m *Manager) Acquire(ctx context.Context, jobName, holder string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	now := m.now()
	l := &Lock{
		ID:         idgen.WithPrefix("lock_"),
		JobName:    jobName,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		BookingIDs: []string{},
	}
	if err := m.store.Acquire(ctx, l, now); err != nil {
		if errors.Is(err, ErrConflict) {
			lockConflicts.WithLabelValues(jobName).Inc()
			return nil, err
		}
		return nil, fmt.Errorf("acquire %s: %w", jobName, err)
	}
	locksAcquired.WithLabelValues(jobName).Inc()
	return l, nil
}

// Release drops a lock the caller holds. Releasing a lock that was already
// taken over or force-released returns ErrNotFound.
func (m *Manager) Release(ctx context.Context, lockID string) error {
	return m.store.Release(ctx, lockID)
}

// Claim records the bookings a run is processing.
func (m *Manager) Claim(ctx context.Context, lockID string, bookingIDs []string) error {
	return m.store.Claim(ctx, lockID, bookingIDs)
}

// ListActive returns unexpired locks.
func (m *Manager) ListActive(ctx context.Context) ([]*Lock, error) {
	return m.store.ListActive(ctx, m.now())
}

// ForceRelease removes a lock regardless of holder. It is a privileged
// action and is always logged.
func (m *Manager) ForceRelease(ctx context.Context, lockID, admin string) (*ForceReleaseRecord, error) {
	prior, err := m.store.Remove(ctx, lockID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	rec := &ForceReleaseRecord{
		Lock:       prior,
		ReleasedBy: admin,
		ReleasedAt: now,
		WasExpired: prior.Expired(now),
		HeldFor:    now.Sub(prior.AcquiredAt),
	}
	forceReleases.WithLabelValues(prior.JobName).Inc()
	m.logger.Warn("job lock force-released",
		"lock_id", prior.ID,
		"job", prior.JobName,
		"holder", prior.Holder,
		"released_by", admin,
		"was_expired", rec.WasExpired,
		"booking_ids", prior.BookingIDs,
	)
	return rec, nil
}
