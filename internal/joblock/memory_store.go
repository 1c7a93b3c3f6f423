package joblock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps locks in process. Only suitable for a single replica.
type MemoryStore struct {
	byName map[string]*Lock
	mu     sync.Mutex
}

// NewMemoryStore creates a new in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byName: make(map[string]*Lock)}
}

func clone(l *Lock) *Lock {
	cp := *l
	cp.BookingIDs = append([]string{}, l.BookingIDs...)
	return &cp
}

func (m *MemoryStore) Acquire(ctx context.Context, l *Lock, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.byName[l.JobName]; ok && !cur.Expired(now) {
		return ErrConflict
	}
	m.byName[l.JobName] = clone(l)
	return nil
}

func (m *MemoryStore) findLocked(id string) *Lock {
	for _, l := range m.byName {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.findLocked(id)
	if l == nil {
		return ErrNotFound
	}
	delete(m.byName, l.JobName)
	return nil
}

func (m *MemoryStore) Claim(ctx context.Context, id string, bookingIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.findLocked(id)
	if l == nil {
		return ErrNotFound
	}
	l.BookingIDs = append([]string{}, bookingIDs...)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.findLocked(id)
	if l == nil {
		return nil, ErrNotFound
	}
	return clone(l), nil
}

func (m *MemoryStore) ListActive(ctx context.Context, now time.Time) ([]*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*Lock, 0, len(m.byName))
	for _, l := range m.byName {
		if !l.Expired(now) {
			result = append(result, clone(l))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].JobName < result[j].JobName })
	return result, nil
}

func (m *MemoryStore) Remove(ctx context.Context, id string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.findLocked(id)
	if l == nil {
		return nil, ErrNotFound
	}
	delete(m.byName, l.JobName)
	return clone(l), nil
}

var _ Store = (*MemoryStore)(nil)
