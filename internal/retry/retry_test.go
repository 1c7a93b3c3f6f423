package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast(n int) Policy {
	return Policy{MaxAttempts: n, BaseDelay: time.Millisecond}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var attempts []int
	err := Do(context.Background(), fast(3), func(attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, attempts)
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), fast(3), func(int) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	rejected := errors.New("rejected")
	calls := 0
	err := Do(context.Background(), fast(5), func(int) error {
		calls++
		return Permanent(rejected)
	})
	assert.Equal(t, rejected, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Second}, func(int) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{}, func(int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "0 rounds up to 1")
}

func TestDo_MaxDelayCapsSleep(t *testing.T) {
	start := time.Now()
	_ = Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: 5 * time.Millisecond},
		func(int) error { return errors.New("fail") })
	assert.Less(t, time.Since(start), time.Second)
}

func TestPermanent_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	assert.ErrorIs(t, Permanent(inner), inner)
}

func TestPolicy_BackOffDoublesWithJitter(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	bo := p.backOff(context.Background(), p.MaxAttempts)

	within := func(d, center time.Duration) {
		t.Helper()
		assert.GreaterOrEqual(t, d, center*3/4)
		assert.LessOrEqual(t, d, center*5/4)
	}
	within(bo.NextBackOff(), 100*time.Millisecond)
	within(bo.NextBackOff(), 200*time.Millisecond)
	within(bo.NextBackOff(), 300*time.Millisecond)
	assert.Equal(t, backoff.Stop, bo.NextBackOff(), "three retries after the first attempt")
}
