package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateEMI(t *testing.T) {
	t.Run("standard annuity", func(t *testing.T) {
		emi, err := CalculateEMI(decimal.NewFromInt(50000), decimal.NewFromInt(10), 12)
		require.NoError(t, err)
		assert.Equal(t, "4395.79", emi.StringFixed(2))
	})

	t.Run("zero rate degrades to straight split", func(t *testing.T) {
		emi, err := CalculateEMI(decimal.NewFromInt(50000), decimal.Zero, 12)
		require.NoError(t, err)
		assert.Equal(t, "4166.67", emi.StringFixed(2))
	})

	t.Run("rejects invalid inputs", func(t *testing.T) {
		_, err := CalculateEMI(decimal.Zero, decimal.NewFromInt(10), 12)
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = CalculateEMI(decimal.NewFromInt(50000), decimal.NewFromInt(10), 0)
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = CalculateEMI(decimal.NewFromInt(50000), decimal.NewFromInt(-1), 12)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestGenerateSchedule(t *testing.T) {
	principal := decimal.NewFromInt(50000)
	rate := decimal.NewFromInt(10)
	firstDue := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)

	emi, err := CalculateEMI(principal, rate, 12)
	require.NoError(t, err)

	schedule, err := GenerateSchedule(principal, rate, 12, emi, firstDue)
	require.NoError(t, err)
	require.Len(t, schedule, 12)

	t.Run("first row splits interest and principal", func(t *testing.T) {
		assert.Equal(t, "416.67", schedule[0].InterestComponent.StringFixed(2))
		assert.Equal(t, "3979.12", schedule[0].PrincipalComponent.StringFixed(2))
		assert.Equal(t, "46020.88", schedule[0].OutstandingAfter.StringFixed(2))
	})

	t.Run("principal components sum to principal exactly", func(t *testing.T) {
		sum := decimal.Zero
		for _, inst := range schedule {
			sum = sum.Add(inst.PrincipalComponent)
		}
		assert.True(t, sum.Equal(principal), "got %s", sum)
	})

	t.Run("final row zeroes the balance", func(t *testing.T) {
		last := schedule[len(schedule)-1]
		assert.True(t, last.OutstandingAfter.IsZero())
	})

	t.Run("due dates advance monthly", func(t *testing.T) {
		for i, inst := range schedule {
			assert.Equal(t, i+1, inst.InstallmentNumber)
			assert.Equal(t, time.Month((int(firstDue.Month())+i-1)%12+1), inst.DueDate.Month())
			assert.Equal(t, 5, inst.DueDate.Day())
		}
	})

	t.Run("deterministic for identical inputs", func(t *testing.T) {
		again, err := GenerateSchedule(principal, rate, 12, emi, firstDue)
		require.NoError(t, err)
		assert.Equal(t, schedule, again)
	})
}

func TestGenerateScheduleMonthEndClamping(t *testing.T) {
	// 锚定在 1 月 31 日：短月钳制到月末，长月恢复锚定日
	firstDue := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	emi, err := CalculateEMI(decimal.NewFromInt(12000), decimal.NewFromInt(12), 4)
	require.NoError(t, err)

	schedule, err := GenerateSchedule(decimal.NewFromInt(12000), decimal.NewFromInt(12), 4, emi, firstDue)
	require.NoError(t, err)
	require.Len(t, schedule, 4)

	assert.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), schedule[0].DueDate)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), schedule[1].DueDate)
	assert.Equal(t, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), schedule[2].DueDate)
	assert.Equal(t, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC), schedule[3].DueDate)
}

func TestGenerateScheduleZeroRate(t *testing.T) {
	principal := decimal.NewFromInt(50000)
	emi, err := CalculateEMI(principal, decimal.Zero, 12)
	require.NoError(t, err)

	schedule, err := GenerateSchedule(principal, decimal.Zero, 12, emi, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	for _, inst := range schedule[:11] {
		assert.True(t, inst.InterestComponent.IsZero())
		assert.Equal(t, "4166.67", inst.PrincipalComponent.StringFixed(2))
	}
	// 末期吸收舍入差额
	last := schedule[11]
	assert.Equal(t, "4166.63", last.PrincipalComponent.StringFixed(2))
	assert.True(t, last.OutstandingAfter.IsZero())
}
