// Package refund computes cancellation splits for a booking payment.
//
// The room fee is divided between customer, realtor and platform according
// to how long before check-in the cancellation happens:
//
//	EARLY   (>= 24h before check-in)  90 / 7 / 3
//	MEDIUM  (>= 12h before check-in)  70 / 20 / 10
//	LATE    (before check-in)          0 / 80 / 20
//	NONE    (at or after check-in)     room fee not refundable
//
// The security deposit is always returned to the customer, the service fee
// is always kept by the platform and the cleaning fee always goes to the
// realtor. Compute is a pure function of its inputs.
package refund

import (
	"errors"
	"time"

	"github.com/mbd888/shortlet/internal/money"
)

// Tier names a cancellation window.
type Tier string

const (
	TierEarly  Tier = "EARLY"
	TierMedium Tier = "MEDIUM"
	TierLate   Tier = "LATE"
	TierNone   Tier = "NONE"
)

var ErrInvalidPolicy = errors.New("invalid refund policy")

// Share is a three-way split in basis points. Customer and realtor shares
// are floored; the platform absorbs the rounding remainder.
type Share struct {
	Customer money.BasisPoints `json:"customer"`
	Realtor  money.BasisPoints `json:"realtor"`
	Platform money.BasisPoints `json:"platform"`
}

func (s Share) valid() bool {
	return s.Customer >= 0 && s.Realtor >= 0 && s.Platform >= 0 &&
		s.Customer+s.Realtor+s.Platform == money.Whole
}

// Policy holds the tier thresholds and splits.
type Policy struct {
	EarlyThreshold  time.Duration `json:"earlyThreshold"`
	MediumThreshold time.Duration `json:"mediumThreshold"`
	Early           Share         `json:"early"`
	Medium          Share         `json:"medium"`
	Late            Share         `json:"late"`
	// AfterCheckIn applies once check-in has passed. The customer share
	// must be zero.
	AfterCheckIn Share `json:"afterCheckIn"`
}

// DefaultPolicy returns the platform's standard cancellation policy.
func DefaultPolicy() Policy {
	return Policy{
		EarlyThreshold:  24 * time.Hour,
		MediumThreshold: 12 * time.Hour,
		Early:           Share{Customer: 9000, Realtor: 700, Platform: 300},
		Medium:          Share{Customer: 7000, Realtor: 2000, Platform: 1000},
		Late:            Share{Customer: 0, Realtor: 8000, Platform: 2000},
		AfterCheckIn:    Share{Customer: 0, Realtor: 9000, Platform: 1000},
	}
}

// Validate checks that every share sums to 100% and thresholds are ordered.
func (p Policy) Validate() error {
	if p.MediumThreshold <= 0 || p.EarlyThreshold <= p.MediumThreshold {
		return ErrInvalidPolicy
	}
	for _, s := range []Share{p.Early, p.Medium, p.Late, p.AfterCheckIn} {
		if !s.valid() {
			return ErrInvalidPolicy
		}
	}
	if p.AfterCheckIn.Customer != 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// Portion is the split of one fee component.
type Portion struct {
	Amount   int64 `json:"amount"`
	Customer int64 `json:"customer"`
	Realtor  int64 `json:"realtor"`
	Platform int64 `json:"platform"`
}

// Breakdown is the itemized result of a cancellation computation.
type Breakdown struct {
	Tier              Tier    `json:"tier"`
	HoursUntilCheckIn float64 `json:"hoursUntilCheckIn"`
	Share             Share   `json:"share"`

	RoomFee         Portion `json:"roomFee"`
	CleaningFee     Portion `json:"cleaningFee"`
	ServiceFee      Portion `json:"serviceFee"`
	SecurityDeposit Portion `json:"securityDeposit"`

	CustomerTotal int64 `json:"customerTotal"`
	RealtorTotal  int64 `json:"realtorTotal"`
	PlatformTotal int64 `json:"platformTotal"`
}

// TierFor returns the tier and share for a cancellation at now.
// Boundaries are inclusive in the more generous tier.
func (p Policy) TierFor(checkIn, now time.Time) (Tier, Share) {
	until := checkIn.Sub(now)
	switch {
	case until >= p.EarlyThreshold:
		return TierEarly, p.Early
	case until >= p.MediumThreshold:
		return TierMedium, p.Medium
	case until > 0:
		return TierLate, p.Late
	default:
		return TierNone, p.AfterCheckIn
	}
}

// Compute returns the cancellation breakdown for fees cancelled at now.
func Compute(checkIn, now time.Time, fees money.Fees, p Policy) Breakdown {
	tier, share := p.TierFor(checkIn, now)

	customer, realtor, platform := money.Split3(fees.RoomFee, share.Customer, share.Realtor)

	b := Breakdown{
		Tier:              tier,
		HoursUntilCheckIn: checkIn.Sub(now).Hours(),
		Share:             share,
		RoomFee: Portion{
			Amount:   fees.RoomFee,
			Customer: customer,
			Realtor:  realtor,
			Platform: platform,
		},
		CleaningFee:     Portion{Amount: fees.CleaningFee, Realtor: fees.CleaningFee},
		ServiceFee:      Portion{Amount: fees.ServiceFee, Platform: fees.ServiceFee},
		SecurityDeposit: Portion{Amount: fees.SecurityDeposit, Customer: fees.SecurityDeposit},
	}

	for _, pt := range []Portion{b.RoomFee, b.CleaningFee, b.ServiceFee, b.SecurityDeposit} {
		b.CustomerTotal += pt.Customer
		b.RealtorTotal += pt.Realtor
		b.PlatformTotal += pt.Platform
	}
	return b
}
