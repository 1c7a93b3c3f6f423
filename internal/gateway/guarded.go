package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/shortlet/internal/circuitbreaker"
	"github.com/mbd888/shortlet/internal/retry"
	"github.com/mbd888/shortlet/internal/traces"
)

// GuardOptions configures Guarded.
type GuardOptions struct {
	// Timeout bounds each call including retries.
	Timeout time.Duration
	Retry   retry.Policy
	Breaker *circuitbreaker.Breaker
	Logger  *slog.Logger
}

// Guarded decorates a Client with a per-call timeout, bounded retries of
// transient failures, a circuit breaker per operation and tracing.
//
// Timeouts are not retried: the outcome is unknown and the caller records
// it as pending for reconciliation.
type Guarded struct {
	inner   Client
	timeout time.Duration
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewGuarded wraps inner.
func NewGuarded(inner Client, opts GuardOptions) *Guarded {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Breaker == nil {
		opts.Breaker = circuitbreaker.New(5, 30*time.Second)
	}
	// Rejections describe the request, not provider health.
	opts.Breaker.CountIf(func(err error) bool {
		return IsRetryable(err)
	})
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Guarded{
		inner:   inner,
		timeout: opts.Timeout,
		policy:  opts.Retry,
		breaker: opts.Breaker,
		logger:  opts.Logger,
	}
}

// Breaker exposes circuit state for health reporting.
func (g *Guarded) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *Guarded) call(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) (err error) {
	ctx, span := traces.StartSpan(ctx, "gateway."+op, attrs...)
	start := time.Now()
	defer func() {
		callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		callsTotal.WithLabelValues(op, resultLabel(err)).Inc()
		traces.End(span, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	err = retry.Do(ctx, g.policy, func(attempt int) error {
		callErr := g.breaker.Do(op, func() error {
			return normalize(fn(ctx))
		})
		if errors.Is(callErr, circuitbreaker.ErrOpen) {
			return retry.Permanent(fmt.Errorf("%w: %s circuit open", ErrTransient, op))
		}
		if callErr == nil {
			return nil
		}
		if !errors.Is(callErr, ErrTransient) {
			return retry.Permanent(callErr)
		}
		g.logger.Warn("gateway call failed, retrying", "op", op, "attempt", attempt+1, "error", callErr)
		return callErr
	})
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrRejected) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	return err
}

// normalize makes sure every error carries a gateway class.
func normalize(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransient), errors.Is(err, ErrRejected),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}

func isTimeout(err error) bool  { return errors.Is(err, ErrTimeout) }
func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func (g *Guarded) Initialize(ctx context.Context, req InitRequest) (*Checkout, error) {
	var out *Checkout
	err := g.call(ctx, "initialize", []attribute.KeyValue{traces.BookingID(req.BookingID), traces.Amount(req.Amount)},
		func(ctx context.Context) (err error) {
			out, err = g.inner.Initialize(ctx, req)
			return err
		})
	return out, err
}

func (g *Guarded) Verify(ctx context.Context, reference string) (*Verification, error) {
	var out *Verification
	err := g.call(ctx, "verify", []attribute.KeyValue{traces.Reference(reference)},
		func(ctx context.Context) (err error) {
			out, err = g.inner.Verify(ctx, reference)
			return err
		})
	return out, err
}

func (g *Guarded) Transfer(ctx context.Context, req TransferRequest) (*Transaction, error) {
	var out *Transaction
	err := g.call(ctx, "transfer",
		[]attribute.KeyValue{traces.BookingID(req.BookingID), traces.Reference(req.Reference), traces.Amount(req.Amount)},
		func(ctx context.Context) (err error) {
			out, err = g.inner.Transfer(ctx, req)
			return err
		})
	return out, err
}

func (g *Guarded) Refund(ctx context.Context, req RefundRequest) (*Transaction, error) {
	var out *Transaction
	err := g.call(ctx, "refund",
		[]attribute.KeyValue{traces.BookingID(req.BookingID), traces.Reference(req.Reference), traces.Amount(req.Amount)},
		func(ctx context.Context) (err error) {
			out, err = g.inner.Refund(ctx, req)
			return err
		})
	return out, err
}

func (g *Guarded) LookupTransfer(ctx context.Context, q Lookup) (*Transaction, error) {
	var out *Transaction
	err := g.call(ctx, "lookup", []attribute.KeyValue{traces.Reference(q.Reference)},
		func(ctx context.Context) (err error) {
			out, err = g.inner.LookupTransfer(ctx, q)
			return err
		})
	return out, err
}

var _ Client = (*Guarded)(nil)
