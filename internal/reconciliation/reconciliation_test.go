package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/shortlet/internal/disbursement"
	"github.com/mbd888/shortlet/internal/dispute"
	"github.com/mbd888/shortlet/internal/gateway"
	"github.com/mbd888/shortlet/internal/jobs"
	"github.com/mbd888/shortlet/internal/ledger"
	"github.com/mbd888/shortlet/internal/ledger/ledgertest"
	"github.com/mbd888/shortlet/internal/settlement"
)

var guest = ledger.Actor{Role: ledger.RoleGuest, ID: "guest-bk1"}

type fixture struct {
	env        *ledgertest.Env
	settlement *settlement.Service
	job        *Job
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()
	env := ledgertest.New(t)
	x := disbursement.NewExecutor(env.Ledger, env.Gateway, ledgertest.Logger())
	disputes := dispute.NewService(dispute.NewMemoryStore(), env.Ledger, x, dispute.DefaultConfig(), ledgertest.Logger()).
		WithClock(env.Clock.Now)
	st := settlement.NewService(env.Ledger, x, disputes, settlement.DefaultConfig(), ledgertest.Logger())
	return &fixture{env: env, settlement: st, job: NewJob(env.Ledger, x, cfg)}
}

func (f *fixture) run(t *testing.T) *jobs.Run {
	t.Helper()
	run := jobs.NewRun(f.job.Name(), ledgertest.Logger())
	require.NoError(t, f.job.Run(context.Background(), run))
	return run.Snapshot()
}

// failedRefund cancels bk1 early with the customer refund rejected once.
func (f *fixture) failedRefund(t *testing.T) *ledger.Event {
	t.Helper()
	f.env.Seed(t, "bk1", ledgertest.Start.Add(30*time.Hour))
	f.env.Gateway.FailNext(gateway.KindRefund, gateway.ErrRejected)
	_, err := f.settlement.Cancel(context.Background(), "bk1", guest, "")
	require.NoError(t, err)

	for _, e := range f.env.Events(t, "bk1") {
		if _, failed := e.Outcome.(ledger.Failed); failed {
			return e
		}
	}
	t.Fatal("no failed delivery")
	return nil
}

func TestRun_RetriesFailedDelivery(t *testing.T) {
	f := setup(t, DefaultConfig())
	failed := f.failedRefund(t)
	require.Equal(t, 1, failed.RetryCount)

	// Not stale yet.
	run := f.run(t)
	assert.Equal(t, 0, run.Succeeded)

	f.env.Clock.Advance(31 * time.Minute)
	run = f.run(t)
	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 0, run.Failed)

	got, err := f.env.Store.GetEvent(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeConfirmed, got.Outcome.Kind())
	assert.Equal(t, failed.Reference+"_r1", got.AttemptReference())

	var retried *gateway.Transaction
	for _, tx := range f.env.Gateway.Transactions() {
		if tx.Reference == failed.Reference+"_r1" {
			retried = &tx
		}
	}
	require.NotNil(t, retried)
	assert.Equal(t, failed.DeliveryAmount(), retried.Amount)
}

func TestRun_AttemptLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	f := setup(t, cfg)
	failed := f.failedRefund(t)

	f.env.Clock.Advance(time.Hour)
	run := f.run(t)
	assert.Equal(t, 0, run.Succeeded)
	assert.Equal(t, 1, run.Skipped)
	assert.Equal(t, 1.0, testutil.ToFloat64(exhaustedDeliveries))

	got, err := f.env.Store.GetEvent(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeFailed, got.Outcome.Kind())
}

func TestRun_ResolvesTimedOutPayout(t *testing.T) {
	f := setup(t, DefaultConfig())
	f.env.Seed(t, "bk1", ledgertest.Start.Add(-2*time.Hour))
	f.env.CheckIn(t, "bk1")
	f.env.Gateway.FailNext(gateway.KindTransfer, gateway.ErrTimeout)
	p, err := f.settlement.ProcessPayout(context.Background(), "bk1", true)
	require.NoError(t, err)
	require.Equal(t, ledger.PayoutProcessing, p.PayoutStatus)
	transfers := f.env.Gateway.Calls(gateway.KindTransfer)

	f.env.Clock.Advance(time.Hour)
	run := f.run(t)
	assert.Equal(t, 1, run.Succeeded)

	// The timed-out transfer went through, so it is confirmed by lookup
	// rather than sent again.
	assert.Equal(t, transfers, f.env.Gateway.Calls(gateway.KindTransfer))
	assert.Equal(t, ledger.PayoutCompleted, f.env.Payment(t, "bk1").PayoutStatus)
}

func TestRun_ReplayMismatch(t *testing.T) {
	f := setup(t, DefaultConfig())
	f.env.Seed(t, "bk1", ledgertest.Start.Add(30*time.Hour))
	f.env.Seed(t, "bk2", ledgertest.Start.Add(30*time.Hour))
	_, err := f.settlement.Cancel(context.Background(), "bk1", guest, "")
	require.NoError(t, err)

	run := f.run(t)
	assert.Equal(t, 0, run.Failed)
	assert.Empty(t, f.job.Mismatches())
	assert.Equal(t, 0.0, testutil.ToFloat64(replayMismatches))

	_, err = f.env.Ledger.Update(context.Background(), "bk2", func(r *ledger.Record) error {
		r.Payment.RealtorReleased += 100
		return nil
	})
	require.NoError(t, err)

	f.run(t)
	mm := f.job.Mismatches()
	require.Len(t, mm, 1)
	assert.Equal(t, "bk2", mm[0].BookingID)
	assert.Equal(t, int64(100), mm[0].Stored.Realtor)
	assert.Equal(t, int64(0), mm[0].Replayed.Realtor)
	assert.Equal(t, 1.0, testutil.ToFloat64(replayMismatches))
}
