package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/shortlet/internal/idgen"
)

// MemoryClient is an in-process provider for development and tests.
// Transfers and refunds are idempotent by reference, and failures can be
// injected per operation.
type MemoryClient struct {
	mu       sync.Mutex
	payments map[string]*Verification
	txs      map[string]*Transaction
	failures map[Kind][]error
	calls    map[Kind]int
	now      func() time.Time
}

// NewMemoryClient creates an empty fake provider.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		payments: make(map[string]*Verification),
		txs:      make(map[string]*Transaction),
		failures: make(map[Kind][]error),
		calls:    make(map[Kind]int),
		now:      time.Now,
	}
}

// WithClock overrides the time source (tests).
func (m *MemoryClient) WithClock(now func() time.Time) *MemoryClient {
	m.now = now
	return m
}

// AddPayment registers a completed guest payment that Verify will report.
func (m *MemoryClient) AddPayment(v Verification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := v
	m.payments[v.Reference] = &cp
}

// FailNext makes the next call of kind return err. ErrTimeout is special:
// the movement is applied and the caller still sees a timeout.
func (m *MemoryClient) FailNext(kind Kind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[kind] = append(m.failures[kind], err)
}

// Calls returns how many times kind was invoked.
func (m *MemoryClient) Calls(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

// Transactions returns every applied transfer and refund ordered by reference.
func (m *MemoryClient) Transactions() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		out = append(out, *tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reference < out[j].Reference })
	return out
}

// Total sums applied movements of kind.
func (m *MemoryClient) Total(kind Kind) int64 {
	var sum int64
	for _, tx := range m.Transactions() {
		if tx.Kind == kind && tx.Status == StatusSucceeded {
			sum += tx.Amount
		}
	}
	return sum
}

// Reverse marks an applied transaction as reversed.
func (m *MemoryClient) Reverse(reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[reference]
	if !ok {
		return ErrNotFound
	}
	tx.Status = StatusReversed
	return nil
}

func (m *MemoryClient) popFailure(kind Kind) error {
	m.calls[kind]++
	q := m.failures[kind]
	if len(q) == 0 {
		return nil
	}
	m.failures[kind] = q[1:]
	return q[0]
}

func (m *MemoryClient) Initialize(ctx context.Context, req InitRequest) (*Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	ref := idgen.Deterministic("pi_", req.BookingID)
	return &Checkout{Reference: ref, ClientSecret: ref + "_secret"}, nil
}

func (m *MemoryClient) Verify(ctx context.Context, reference string) (*Verification, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.payments[reference]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryClient) Transfer(ctx context.Context, req TransferRequest) (*Transaction, error) {
	if req.Destination == "" {
		return nil, fmt.Errorf("%w: no destination account for booking %s", ErrRejected, req.BookingID)
	}
	return m.apply(ctx, KindTransfer, req.Reference, req.Amount, req.Currency)
}

func (m *MemoryClient) Refund(ctx context.Context, req RefundRequest) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	m.mu.Lock()
	_, known := m.payments[req.PaymentReference]
	m.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: unknown payment %s", ErrRejected, req.PaymentReference)
	}
	return m.apply(ctx, KindRefund, req.Reference, req.Amount, req.Currency)
}

func (m *MemoryClient) apply(ctx context.Context, kind Kind, ref string, amount int64, currency string) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	injected := m.popFailure(kind)
	if injected != nil && !errors.Is(injected, ErrTimeout) {
		return nil, injected
	}

	tx, ok := m.txs[ref]
	if !ok {
		tx = &Transaction{
			Reference:  ref,
			ProviderID: idgen.WithPrefix(string(kind[:2]) + "_"),
			Kind:       kind,
			Amount:     amount,
			Currency:   currency,
			Status:     StatusSucceeded,
			CreatedAt:  m.now(),
		}
		m.txs[ref] = tx
	}
	if injected != nil {
		return nil, injected
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryClient) LookupTransfer(ctx context.Context, q Lookup) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[q.Reference]
	if !ok || (q.Kind != "" && tx.Kind != q.Kind) {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

var _ Client = (*MemoryClient)(nil)
