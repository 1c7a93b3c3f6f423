package refund

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/shortlet/internal/money"
)

var checkIn = time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC)

func scenarioFees() money.Fees {
	return money.Fees{
		RoomFee:         money.Naira(90000),
		CleaningFee:     money.Naira(5000),
		ServiceFee:      money.Naira(3000),
		SecurityDeposit: money.Naira(20000),
	}
}

func TestDefaultPolicy_Valid(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
}

func TestPolicy_ValidateRejectsBadShares(t *testing.T) {
	p := DefaultPolicy()
	p.Early.Platform = 500
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)

	p = DefaultPolicy()
	p.MediumThreshold = 48 * time.Hour
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)

	p = DefaultPolicy()
	p.AfterCheckIn = Share{Customer: 1000, Realtor: 8000, Platform: 1000}
	assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy)
}

func TestCompute_EarlyCancellationScenario(t *testing.T) {
	b := Compute(checkIn, checkIn.Add(-30*time.Hour), scenarioFees(), DefaultPolicy())

	assert.Equal(t, TierEarly, b.Tier)
	assert.Equal(t, money.Naira(81000), b.RoomFee.Customer)
	assert.Equal(t, money.Naira(6300), b.RoomFee.Realtor)
	assert.Equal(t, money.Naira(2700), b.RoomFee.Platform)
	assert.Equal(t, money.Naira(20000), b.SecurityDeposit.Customer)
	assert.Equal(t, money.Naira(5000), b.CleaningFee.Realtor)
	assert.Equal(t, money.Naira(3000), b.ServiceFee.Platform)

	assert.Equal(t, money.Naira(101000), b.CustomerTotal)
	assert.Equal(t, money.Naira(11300), b.RealtorTotal)
	assert.Equal(t, money.Naira(5700), b.PlatformTotal)
	assert.InDelta(t, 30.0, b.HoursUntilCheckIn, 0.0001)
}

func TestCompute_LateCancellationScenario(t *testing.T) {
	b := Compute(checkIn, checkIn.Add(-6*time.Hour), scenarioFees(), DefaultPolicy())

	assert.Equal(t, TierLate, b.Tier)
	assert.Equal(t, int64(0), b.RoomFee.Customer)
	assert.Equal(t, money.Naira(72000), b.RoomFee.Realtor)
	assert.Equal(t, money.Naira(18000), b.RoomFee.Platform)
	assert.Equal(t, money.Naira(20000), b.SecurityDeposit.Customer)
	assert.Equal(t, money.Naira(20000), b.CustomerTotal)
}

func TestCompute_TierBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		before time.Duration
		want   Tier
	}{
		{"exactly 24h", 24 * time.Hour, TierEarly},
		{"24h minus one second", 24*time.Hour - time.Second, TierMedium},
		{"exactly 12h", 12 * time.Hour, TierMedium},
		{"12h minus one second", 12*time.Hour - time.Second, TierLate},
		{"one second before", time.Second, TierLate},
		{"at check-in", 0, TierNone},
		{"after check-in", -time.Hour, TierNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Compute(checkIn, checkIn.Add(-tt.before), scenarioFees(), DefaultPolicy())
			assert.Equal(t, tt.want, b.Tier)
			if tt.want == TierNone {
				assert.Equal(t, int64(0), b.RoomFee.Customer)
			}
		})
	}
}

func TestCompute_Deterministic(t *testing.T) {
	fees := scenarioFees()
	now := checkIn.Add(-17*time.Hour - 13*time.Minute)
	first := Compute(checkIn, now, fees, DefaultPolicy())
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Compute(checkIn, now, fees, DefaultPolicy()))
	}
}

func TestCompute_Conservation(t *testing.T) {
	roomFees := []int64{0, 1, 3, 7, 99, 101, 12345, 999999, money.Naira(90000), money.Naira(100000) + 33}
	offsets := []time.Duration{48 * time.Hour, 24 * time.Hour, 13 * time.Hour, 12 * time.Hour, 5 * time.Hour, 0, -5 * time.Hour}

	for _, room := range roomFees {
		for _, off := range offsets {
			fees := money.Fees{RoomFee: room, CleaningFee: 700, ServiceFee: 300, SecurityDeposit: 2000}
			b := Compute(checkIn, checkIn.Add(-off), fees, DefaultPolicy())

			assert.Equal(t, room, b.RoomFee.Customer+b.RoomFee.Realtor+b.RoomFee.Platform,
				"room fee %d offset %s", room, off)
			assert.Equal(t, fees.SecurityDeposit, b.SecurityDeposit.Customer)
			assert.Equal(t, fees.Total(), b.CustomerTotal+b.RealtorTotal+b.PlatformTotal)
			assert.GreaterOrEqual(t, b.RoomFee.Platform, int64(0))
		}
	}
}
