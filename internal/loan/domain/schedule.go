package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/lamf/internal/money"
)

var one = decimal.NewFromInt(1)

// CalculateEMI 等额本息月供计算。
// monthlyRate 为 0 时退化为本金均摊；否则 EMI = P·r·(1+r)^n / ((1+r)^n − 1)，两位小数。
func CalculateEMI(principal, annualRatePercent decimal.Decimal, tenureMonths int) (decimal.Decimal, error) {
	if principal.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w: principal must be positive", ErrInvalidInput)
	}
	if tenureMonths <= 0 {
		return decimal.Zero, fmt.Errorf("%w: tenure must be positive", ErrInvalidInput)
	}
	if annualRatePercent.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: interest rate must not be negative", ErrInvalidInput)
	}

	r := money.MonthlyRate(annualRatePercent)
	if r.IsZero() {
		return money.Round(principal.Div(decimal.NewFromInt(int64(tenureMonths)))), nil
	}

	pow := one.Add(r).Pow(decimal.NewFromInt(int64(tenureMonths)))
	emi := principal.Mul(r).Mul(pow).Div(pow.Sub(one))
	return money.Round(emi), nil
}

// GenerateSchedule 生成还款计划表。
// 纯函数：相同输入必然产出相同计划。逐期递减余额计息，末期吸收舍入差额，
// 保证本金分量合计等于本金、末期剩余余额精确为零。
func GenerateSchedule(principal, annualRatePercent decimal.Decimal, tenureMonths int, emi decimal.Decimal, firstDueDate time.Time) ([]Installment, error) {
	if principal.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: principal must be positive", ErrInvalidInput)
	}
	if tenureMonths <= 0 {
		return nil, fmt.Errorf("%w: tenure must be positive", ErrInvalidInput)
	}
	if annualRatePercent.IsNegative() {
		return nil, fmt.Errorf("%w: interest rate must not be negative", ErrInvalidInput)
	}
	if emi.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: emi must be positive", ErrInvalidInput)
	}

	r := money.MonthlyRate(annualRatePercent)
	outstanding := principal
	schedule := make([]Installment, 0, tenureMonths)

	for i := 1; i <= tenureMonths; i++ {
		var interest, principalPart decimal.Decimal
		if i < tenureMonths {
			interest = money.Round(outstanding.Mul(r))
			principalPart = money.Round(emi.Sub(interest))
			outstanding = money.FloorZero(money.Round(outstanding.Sub(principalPart)))
		} else {
			// 末期：剩余余额整体作为本金分量，舍入差额只允许落在这里
			interest = money.Round(outstanding.Mul(r))
			principalPart = outstanding
			outstanding = decimal.Zero
		}

		schedule = append(schedule, Installment{
			InstallmentNumber:  i,
			DueDate:            addMonthsClamped(firstDueDate, i-1),
			EmiAmount:          emi,
			PrincipalComponent: principalPart,
			InterestComponent:  interest,
			OutstandingAfter:   outstanding,
			PaidAmount:         decimal.Zero,
			Status:             InstallmentStatusPending,
		})
	}

	return schedule, nil
}

// addMonthsClamped 以锚定日推进 N 个自然月，短月钳制到月末。
// 例：1月31日 +1 月 = 2月28/29日；+2 月 = 3月31日（锚定日保持 31，不随短月丢失）。
func addMonthsClamped(anchor time.Time, months int) time.Time {
	firstOfTarget := time.Date(anchor.Year(), anchor.Month()+time.Month(months), 1,
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), anchor.Location())

	day := anchor.Day()
	if last := daysInMonth(firstOfTarget.Year(), firstOfTarget.Month()); day > last {
		day = last
	}

	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day,
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), anchor.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// daysBetween 自然日差值，按日期截断计算
func daysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}
