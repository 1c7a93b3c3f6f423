package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{}

func (failingPublisher) Publish(ctx context.Context, n Notification) error {
	return errors.New("broker down")
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSend_RecordsAndStamps(t *testing.T) {
	rec := &Recorder{}
	Send(context.Background(), rec, discard(), Notification{
		Kind: KindPayoutCompleted, BookingID: "bk1", Recipients: []Recipient{Realtor("r1")},
	})

	sent := rec.OfKind(KindPayoutCompleted)
	require.Len(t, sent, 1)
	assert.False(t, sent[0].CreatedAt.IsZero())
	assert.Equal(t, "realtor", sent[0].Recipients[0].Role)
	assert.Empty(t, rec.OfKind(KindDisputeOpened))
}

func TestSend_SwallowsPublisherErrors(t *testing.T) {
	before := testutil.ToFloat64(publishedTotal.WithLabelValues(string(KindFundsHeld), "error"))
	Send(context.Background(), failingPublisher{}, discard(), Notification{Kind: KindFundsHeld, BookingID: "bk1"})
	after := testutil.ToFloat64(publishedTotal.WithLabelValues(string(KindFundsHeld), "error"))
	assert.Equal(t, before+1, after)
}

func TestSend_NilPublisher(t *testing.T) {
	assert.NotPanics(t, func() {
		Send(context.Background(), nil, discard(), Notification{Kind: KindFundsHeld})
	})
}

func TestLogPublisher(t *testing.T) {
	assert.NoError(t, NewLogPublisher(discard()).Publish(context.Background(), Notification{Kind: KindBookingCancelled}))
}

func TestFanout_PublishesToAllAndJoinsErrors(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	err := Fanout{a, failingPublisher{}, b}.Publish(context.Background(), Notification{Kind: KindDisputeResolved})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, a.Sent(), 1)
	assert.Len(t, b.Sent(), 1)
}
