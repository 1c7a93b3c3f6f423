package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/shortlet/internal/pagination"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func clone(d *Dispute) *Dispute {
	cp := *d
	if d.ClaimedAmount != nil {
		v := *d.ClaimedAmount
		cp.ClaimedAmount = &v
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = clone(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) ListByBooking(ctx context.Context, bookingID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.BookingID == bookingID {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, now time.Time, after *pagination.Cursor, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusEscalated && d.AdminDeadlineAt != nil && d.AdminDeadlineAt.Before(now) &&
			after.Before(*d.AdminDeadlineAt, d.ID) {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AdminDeadlineAt.Equal(*out[j].AdminDeadlineAt) {
			return out[i].AdminDeadlineAt.Before(*out[j].AdminDeadlineAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == status && after.Before(d.CreatedAt, d.ID) {
			out = append(out, clone(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from []Status, fn func(*Dispute) error) (*Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	if !statusIn(d.Status, from) {
		return nil, ErrInvalidTransition
	}
	cp := clone(d)
	if err := fn(cp); err != nil {
		return nil, err
	}
	m.disputes[id] = cp
	return clone(cp), nil
}

func statusIn(s Status, set []Status) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
