// Package money 货币与利率的定点运算约定。
// 所有落库金额统一保留两位小数、四舍五入；中间复利计算保持高精度，最后一步才舍入。
package money

import "github.com/shopspring/decimal"

var (
	hundred       = decimal.NewFromInt(100)
	twelveHundred = decimal.NewFromInt(1200)
)

// Round 金额舍入：两位小数，round-half-up
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MonthlyRate 年化利率（百分比）转月利率，保持高精度不舍入
func MonthlyRate(annualRatePercent decimal.Decimal) decimal.Decimal {
	return annualRatePercent.Div(twelveHundred)
}

// Percent 计算 value 的 pct%，结果按金额舍入
func Percent(value, pct decimal.Decimal) decimal.Decimal {
	return Round(value.Mul(pct).Div(hundred))
}

// Ratio 计算 part/whole × 100（如 LTV 百分比），保留两位小数
func Ratio(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}

// FloorZero 负数归零，用于未结余额的下限裁剪
func FloorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
