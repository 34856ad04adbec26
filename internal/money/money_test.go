package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestRound(t *testing.T) {
	assert.Equal(t, "416.67", Round(decimal.RequireFromString("416.6666")).StringFixed(2))
	assert.Equal(t, "416.67", Round(decimal.RequireFromString("416.665")).StringFixed(2))
	assert.Equal(t, "416.66", Round(decimal.RequireFromString("416.6649")).StringFixed(2))
}

func TestMonthlyRate(t *testing.T) {
	r := MonthlyRate(decimal.NewFromInt(12))
	assert.Equal(t, "0.01", r.StringFixed(2))

	// 不提前舍入，除法精度内还原年利率
	r = MonthlyRate(decimal.NewFromInt(10))
	diff := r.Mul(decimal.NewFromInt(1200)).Sub(decimal.NewFromInt(10)).Abs()
	assert.True(t, diff.LessThan(decimal.RequireFromString("0.000000000001")),
		"monthly rate drift %s", diff)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "200.00", Percent(decimal.NewFromInt(10000), decimal.NewFromInt(2)).StringFixed(2))
	assert.Equal(t, "0.00", Percent(decimal.NewFromInt(10000), decimal.Zero).StringFixed(2))
}

func TestRatio(t *testing.T) {
	assert.Equal(t, "50.00", Ratio(decimal.NewFromInt(50000), decimal.NewFromInt(100000)).StringFixed(2))
	assert.Equal(t, "71.43", Ratio(decimal.NewFromInt(50000), decimal.NewFromInt(70000)).StringFixed(2))
	assert.True(t, Ratio(decimal.NewFromInt(50000), decimal.Zero).IsZero())
}

func TestFloorZero(t *testing.T) {
	assert.True(t, FloorZero(decimal.NewFromInt(-5)).IsZero())
	assert.Equal(t, "5.00", FloorZero(decimal.NewFromInt(5)).StringFixed(2))
}
