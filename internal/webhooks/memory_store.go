package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps receipts in memory for dev mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	receipts []*Receipt
	seen     map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

func (m *MemoryStore) Record(ctx context.Context, r *Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.Provider + "/" + r.ProviderEventID
	if m.seen[key] {
		return ErrDuplicate
	}
	m.seen[key] = true
	cp := *r
	m.receipts = append(m.receipts, &cp)
	return nil
}

func (m *MemoryStore) ListByBooking(ctx context.Context, bookingID string, limit int) ([]*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Receipt
	for _, r := range m.receipts {
		if r.BookingID == bookingID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Stats(ctx context.Context, since time.Time) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, r := range m.receipts {
		if !r.ReceivedAt.Before(since) {
			s.add(r.Status, 1)
		}
	}
	return s, nil
}

var _ Store = (*MemoryStore)(nil)
