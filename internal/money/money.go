// Package money provides minor-unit amount helpers shared by the ledger,
// refund and settlement packages.
//
// All amounts are int64 in the currency's smallest unit (kobo for NGN).
// Percentages are expressed in basis points (1% = 100 bps).
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultCurrency is the settlement currency of the platform.
const DefaultCurrency = "NGN"

// BasisPoints is a percentage expressed in hundredths of a percent.
type BasisPoints int64

// Whole is 100% in basis points.
const Whole BasisPoints = 10000

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrInvalidFormat  = errors.New("invalid amount format")
)

// Percent returns the floor of amount * bps / 10000.
func Percent(amount int64, bps BasisPoints) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return amount * int64(bps) / int64(Whole)
}

// Split3 divides amount into three shares. The first two shares are floored
// and the third absorbs the rounding remainder, so the shares always sum to
// amount exactly.
func Split3(amount int64, a, b BasisPoints) (first, second, third int64) {
	first = Percent(amount, a)
	second = Percent(amount, b)
	third = amount - first - second
	return first, second, third
}

// Split2 divides amount into two shares where the second absorbs the
// rounding remainder.
func Split2(amount int64, a BasisPoints) (first, second int64) {
	first = Percent(amount, a)
	return first, amount - first
}

// Fees is the fee composition of a booking payment. Every field is required
// and defaults to zero.
type Fees struct {
	RoomFee         int64 `json:"roomFee"`
	CleaningFee     int64 `json:"cleaningFee"`
	ServiceFee      int64 `json:"serviceFee"`
	SecurityDeposit int64 `json:"securityDeposit"`
}

// Total returns the sum of all fee components.
func (f Fees) Total() int64 {
	return f.RoomFee + f.CleaningFee + f.ServiceFee + f.SecurityDeposit
}

// Validate rejects negative components.
func (f Fees) Validate() error {
	if f.RoomFee < 0 || f.CleaningFee < 0 || f.ServiceFee < 0 || f.SecurityDeposit < 0 {
		return ErrNegativeAmount
	}
	return nil
}

// Parse converts a major-unit decimal string ("90000.50") into minor units.
// At most two fractional digits are accepted.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegativeAmount
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || (hasFrac && (len(frac) == 0 || len(frac) > 2)) {
		return 0, ErrInvalidFormat
	}
	for len(frac) < 2 {
		frac += "0"
	}

	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidFormat, s)
	}
	return n, nil
}

// Format renders minor units as a major-unit decimal string ("90000.00").
func Format(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

// Naira converts a whole-naira amount to kobo.
func Naira(n int64) int64 {
	return n * 100
}
