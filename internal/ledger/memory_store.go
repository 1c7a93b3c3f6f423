package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	bookings   map[string]*Booking
	payments   map[string]*Payment
	events     map[string][]*Event // booking ID -> events in order
	eventsByID map[string]*Event
	references map[string]string // reference -> event ID
	seq        int64
	now        func() time.Time
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:   make(map[string]*Booking),
		payments:   make(map[string]*Payment),
		events:     make(map[string][]*Event),
		eventsByID: make(map[string]*Event),
		references: make(map[string]string),
		now:        time.Now,
	}
}

// WithClock overrides the time source used for unit-of-work timestamps.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) CreateBooking(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bookings[b.ID]; ok {
		return ErrBookingExists
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *Payment, held *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bookings[p.BookingID]; !ok {
		return ErrBookingNotFound
	}
	if _, ok := m.payments[p.BookingID]; ok {
		return ErrPaymentExists
	}
	if held.Reference != "" {
		if _, ok := m.references[held.Reference]; ok {
			return ErrDuplicateReference
		}
	}
	cp := *p
	m.payments[p.BookingID] = &cp
	m.appendLocked(held)
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, bookingID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[bookingID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPaymentByReference(ctx context.Context, reference string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if p.PaymentReference == reference {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) Update(ctx context.Context, bookingID string, fn func(*Record) error) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bookings[bookingID]
	if !ok {
		return nil, ErrBookingNotFound
	}
	bk := *b
	var pay *Payment
	if p, ok := m.payments[bookingID]; ok {
		cp := *p
		pay = &cp
	}

	var moved int64
	for _, e := range m.events[bookingID] {
		moved += e.Movement()
	}

	rec := NewRecord(&bk, pay, moved, m.now(), ActorFromContext(ctx).String())
	if err := fn(rec); err != nil {
		return nil, err
	}
	for _, ref := range rec.References() {
		if _, ok := m.references[ref]; ok {
			return nil, ErrDuplicateReference
		}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	m.bookings[bookingID] = &bk
	if pay != nil {
		m.payments[bookingID] = pay
	}
	out := make([]*Event, 0, len(rec.emitted))
	for _, e := range rec.emitted {
		m.appendLocked(e)
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) appendLocked(e *Event) {
	m.seq++
	cp := *e
	cp.Seq = m.seq
	e.Seq = m.seq
	m.events[cp.BookingID] = append(m.events[cp.BookingID], &cp)
	m.eventsByID[cp.ID] = &cp
	if cp.Reference != "" {
		m.references[cp.Reference] = cp.ID
	}
}

func (m *MemoryStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.eventsByID[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, bookingID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.events[bookingID]
	result := make([]*Event, 0, len(src))
	for _, e := range src {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) FindEventByReference(ctx context.Context, reference string) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.references[reference]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *m.eventsByID[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateDelivery(ctx context.Context, eventID string, fn func(*Delivery) error) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.eventsByID[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	d := e.delivery()
	if err := fn(d); err != nil {
		return nil, err
	}
	// eventsByID and events share the pointer.
	e.applyDelivery(d)
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListRoomFeeReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Booking
	for id, b := range m.bookings {
		p, ok := m.payments[id]
		if !ok {
			continue
		}
		if b.Status != BookingActive && b.Status != BookingDisputed {
			continue
		}
		if b.StayStatus != StayCheckedIn && b.StayStatus != StayCheckedOut {
			continue
		}
		if b.RoomFeeReleaseEligibleAt.After(now) {
			continue
		}
		if p.Status != PaymentHeld || p.RoomFeeSplitDone || p.Frozen(HoldRoomFee) {
			continue
		}
		cp := *b
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].RoomFeeReleaseEligibleAt.Before(result[j].RoomFeeReleaseEligibleAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) MarkPayoutsReady(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, p := range m.payments {
		b := m.bookings[id]
		if p.PayoutStatus != PayoutPending || b == nil || b.PayoutEligibleAt.After(now) {
			continue
		}
		if p.Status != PaymentPartiallyReleased && p.Status != PaymentSettled {
			continue
		}
		p.PayoutStatus = PayoutReady
		p.UpdatedAt = now
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) ListDuePayouts(ctx context.Context, maxAttempts, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.PayoutDue(maxAttempts) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListPaymentsUpdatedSince(ctx context.Context, since time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if !p.UpdatedAt.Before(since) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListUndelivered(ctx context.Context, attemptedBefore time.Time, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, e := range m.eventsByID {
		if !e.NeedsDelivery() {
			continue
		}
		switch e.Outcome.(type) {
		case Pending, Failed:
		default:
			continue
		}
		last := e.ExecutedAt
		if e.LastAttemptAt != nil {
			last = *e.LastAttemptAt
		}
		if !last.Before(attemptedBefore) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) DeliveryStats(ctx context.Context, since time.Time) (*DeliveryStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &DeliveryStats{ByOutcome: make(map[OutcomeKind]int)}
	for _, e := range m.eventsByID {
		if e.ExecutedAt.Before(since) || !e.NeedsDelivery() {
			continue
		}
		stats.DeliveryEvents++
		stats.ByOutcome[e.DeliveryStatusKind()]++
		stats.TotalRetries += e.RetryCount
		if e.RetryCount > 0 {
			stats.EventsRetried++
		}
		if _, ok := e.Outcome.(Pending); ok {
			if stats.OldestPendingAt == nil || e.ExecutedAt.Before(*stats.OldestPendingAt) {
				t := e.ExecutedAt
				stats.OldestPendingAt = &t
			}
		}
	}
	return stats, nil
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
