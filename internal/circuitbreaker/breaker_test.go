package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, open).WithClock(c.now), c
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("transfer")
	b.RecordFailure("transfer")
	assert.True(t, b.Allow("transfer"), "should still allow before threshold")

	b.RecordFailure("transfer")
	assert.False(t, b.Allow("transfer"))
	assert.Equal(t, StateOpen, b.State("transfer"))
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, c := newTestBreaker(2, time.Minute)
	b.RecordFailure("transfer")
	b.RecordFailure("transfer")

	c.t = c.t.Add(59 * time.Second)
	assert.False(t, b.Allow("transfer"))

	c.t = c.t.Add(time.Second)
	assert.True(t, b.Allow("transfer"), "one trial call after open duration")
	assert.Equal(t, StateHalfOpen, b.State("transfer"))
	assert.False(t, b.Allow("transfer"), "only one trial call at a time")

	b.RecordSuccess("transfer")
	assert.Equal(t, StateClosed, b.State("transfer"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, c := newTestBreaker(1, time.Minute)
	b.RecordFailure("refund")
	c.t = c.t.Add(time.Minute)
	assert.True(t, b.Allow("refund"))

	b.RecordFailure("refund")
	assert.Equal(t, StateOpen, b.State("refund"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("transfer")
	assert.False(t, b.Allow("transfer"))
	assert.True(t, b.Allow("refund"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_Do(t *testing.T) {
	rejected := errors.New("rejected")
	outage := errors.New("503")
	b, _ := newTestBreaker(2, time.Minute)
	b.CountIf(func(err error) bool { return !errors.Is(err, rejected) })

	// Rejections never trip.
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Do("transfer", func() error { return rejected }), rejected)
	}
	assert.Equal(t, StateClosed, b.State("transfer"))

	_ = b.Do("transfer", func() error { return outage })
	_ = b.Do("transfer", func() error { return outage })

	called := false
	err := b.Do("transfer", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, map[string]State{"transfer": StateOpen}, b.Snapshot())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
