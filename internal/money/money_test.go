package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercent(t *testing.T) {
	assert.Equal(t, int64(9000), Percent(10000, 9000))
	assert.Equal(t, int64(0), Percent(0, 9000))
	assert.Equal(t, int64(0), Percent(10000, 0))
	// floor: 333 * 30% = 99.9
	assert.Equal(t, int64(99), Percent(333, 3000))
}

func TestSplit3_ConservesAmount(t *testing.T) {
	for _, amount := range []int64{0, 1, 7, 99, 333, 1001, 9000001, Naira(90000)} {
		a, b, c := Split3(amount, 9000, 700)
		assert.Equal(t, amount, a+b+c, "amount %d", amount)
		assert.GreaterOrEqual(t, c, int64(0))
	}
}

func TestSplit2_RemainderToSecond(t *testing.T) {
	a, b := Split2(101, 5000)
	assert.Equal(t, int64(50), a)
	assert.Equal(t, int64(51), b)
}

func TestFees_TotalAndValidate(t *testing.T) {
	f := Fees{RoomFee: 100, CleaningFee: 10, ServiceFee: 5, SecurityDeposit: 20}
	assert.Equal(t, int64(135), f.Total())
	assert.NoError(t, f.Validate())

	f.CleaningFee = -1
	assert.ErrorIs(t, f.Validate(), ErrNegativeAmount)
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr error
	}{
		{"90000", 9000000, nil},
		{"90000.5", 9000050, nil},
		{"0.01", 1, nil},
		{"", 0, nil},
		{"-1", 0, ErrNegativeAmount},
		{"1.234", 0, ErrInvalidFormat},
		{"1.", 0, ErrInvalidFormat},
		{"abc", 0, ErrInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "90000.00", Format(Naira(90000)))
	assert.Equal(t, "0.05", Format(5))
	assert.Equal(t, "-1.50", Format(-150))
}
