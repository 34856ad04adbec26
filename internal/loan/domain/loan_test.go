package domain

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var disbursedAt = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)

func newTestLoan(t *testing.T) *Loan {
	t.Helper()
	loan, err := NewLoan("LN1", "APP1", "CUST1", "LAMF-STD",
		decimal.NewFromInt(50000), decimal.NewFromInt(10), 12,
		[]string{"COL1"}, decimal.NewFromInt(100000), disbursedAt)
	require.NoError(t, err)
	return loan
}

func TestNewLoan(t *testing.T) {
	loan := newTestLoan(t)

	assert.Equal(t, LoanStatusActive, loan.Status)
	assert.Equal(t, "4395.79", loan.EmiAmount.StringFixed(2))
	assert.Equal(t, "52749.48", loan.TotalPayable.StringFixed(2))
	assert.Equal(t, "2749.48", loan.TotalInterest.StringFixed(2))
	assert.Equal(t, "52749.48", loan.TotalOutstanding.StringFixed(2))
	assert.Equal(t, "50000.00", loan.OutstandingPrincipal.StringFixed(2))
	assert.Equal(t, "50.00", loan.CurrentLtv.StringFixed(2))
	assert.Len(t, loan.Schedule, 12)
	assert.Equal(t, time.Date(2026, 2, 5, 10, 0, 0, 0, time.UTC), loan.FirstEmiDate)
	assert.Equal(t, time.Date(2027, 1, 5, 10, 0, 0, 0, time.UTC), loan.LastEmiDate)
}

func TestRecordPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("full emi settles first installment", func(t *testing.T) {
		loan := newTestLoan(t)
		paidAt := loan.FirstEmiDate

		payment, err := loan.RecordPayment(ctx, "PAY1", loan.EmiAmount, PaymentModeUpi, "UTR001", paidAt)
		require.NoError(t, err)

		assert.Equal(t, []int{1}, payment.InstallmentsCovered)
		assert.Equal(t, InstallmentStatusPaid, loan.Schedule[0].Status)
		assert.Equal(t, "UTR001", loan.Schedule[0].PaymentReferenceNumber)
		require.NotNil(t, loan.Schedule[0].PaidDate)
		assert.Equal(t, "48353.69", loan.TotalOutstanding.StringFixed(2))
		assert.Equal(t, "46020.88", loan.OutstandingPrincipal.StringFixed(2))
		assert.Equal(t, LoanStatusActive, loan.Status)
	})

	t.Run("partial amounts accumulate on the same installment", func(t *testing.T) {
		loan := newTestLoan(t)

		_, err := loan.RecordPayment(ctx, "PAY1", decimal.NewFromInt(1500), PaymentModeUpi, "UTR001", loan.FirstEmiDate)
		require.NoError(t, err)
		assert.Equal(t, InstallmentStatusPartiallyPaid, loan.Schedule[0].Status)
		assert.Equal(t, "1500.00", loan.Schedule[0].PaidAmount.StringFixed(2))

		_, err = loan.RecordPayment(ctx, "PAY2", decimal.NewFromInt(500), PaymentModeUpi, "UTR002", loan.FirstEmiDate)
		require.NoError(t, err)
		assert.Equal(t, InstallmentStatusPartiallyPaid, loan.Schedule[0].Status)
		assert.Equal(t, "2000.00", loan.Schedule[0].PaidAmount.StringFixed(2))
		assert.Equal(t, "50749.48", loan.TotalOutstanding.StringFixed(2))
	})

	t.Run("large payment cascades across installments", func(t *testing.T) {
		loan := newTestLoan(t)

		amount := loan.EmiAmount.Mul(decimal.NewFromInt(2)).Add(decimal.NewFromInt(100))
		payment, err := loan.RecordPayment(ctx, "PAY1", amount, PaymentModeNeft, "UTR003", loan.FirstEmiDate)
		require.NoError(t, err)

		assert.Equal(t, []int{1, 2, 3}, payment.InstallmentsCovered)
		assert.Equal(t, InstallmentStatusPaid, loan.Schedule[0].Status)
		assert.Equal(t, InstallmentStatusPaid, loan.Schedule[1].Status)
		assert.Equal(t, InstallmentStatusPartiallyPaid, loan.Schedule[2].Status)
		assert.Equal(t, "100.00", loan.Schedule[2].PaidAmount.StringFixed(2))
	})

	t.Run("paying off the balance closes the loan once", func(t *testing.T) {
		loan := newTestLoan(t)
		paidAt := loan.FirstEmiDate

		_, err := loan.RecordPayment(ctx, "PAY1", loan.TotalPayable, PaymentModeRtgs, "UTR004", paidAt)
		require.NoError(t, err)

		assert.Equal(t, LoanStatusClosed, loan.Status)
		require.NotNil(t, loan.ClosureDate)
		assert.True(t, loan.TotalOutstanding.IsZero())
		assert.True(t, loan.OutstandingPrincipal.IsZero())
		for _, inst := range loan.Schedule {
			assert.Equal(t, InstallmentStatusPaid, inst.Status)
		}

		_, err = loan.RecordPayment(ctx, "PAY2", decimal.NewFromInt(100), PaymentModeUpi, "UTR005", paidAt)
		assert.ErrorIs(t, err, ErrInvalidLoanState)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		loan := newTestLoan(t)
		_, err := loan.RecordPayment(ctx, "PAY1", decimal.Zero, PaymentModeUpi, "", loan.FirstEmiDate)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("clearing overdue installments cures the loan", func(t *testing.T) {
		loan := newTestLoan(t)
		sweepDay := loan.FirstEmiDate.AddDate(0, 0, 10)
		require.NoError(t, loan.SweepOverdue(ctx, sweepDay, 90))
		require.Equal(t, LoanStatusOverdue, loan.Status)

		_, err := loan.RecordPayment(ctx, "PAY1", loan.EmiAmount, PaymentModeNach, "UTR006", sweepDay)
		require.NoError(t, err)
		assert.Equal(t, LoanStatusActive, loan.Status)
		assert.Equal(t, 0, loan.DaysOverdue)
		assert.True(t, loan.OverdueAmount.IsZero())
	})
}

func TestSweepOverdue(t *testing.T) {
	ctx := context.Background()

	t.Run("marks past-due installments and flips to overdue", func(t *testing.T) {
		loan := newTestLoan(t)
		today := loan.FirstEmiDate.AddDate(0, 0, 10)

		require.NoError(t, loan.SweepOverdue(ctx, today, 90))
		assert.Equal(t, LoanStatusOverdue, loan.Status)
		assert.Equal(t, InstallmentStatusOverdue, loan.Schedule[0].Status)
		assert.Equal(t, 10, loan.DaysOverdue)
		assert.Equal(t, loan.EmiAmount.StringFixed(2), loan.OverdueAmount.StringFixed(2))
	})

	t.Run("is idempotent for the same day", func(t *testing.T) {
		loan := newTestLoan(t)
		today := loan.FirstEmiDate.AddDate(0, 0, 10)

		require.NoError(t, loan.SweepOverdue(ctx, today, 90))
		statusBefore, daysBefore := loan.Status, loan.DaysOverdue
		require.NoError(t, loan.SweepOverdue(ctx, today, 90))
		assert.Equal(t, statusBefore, loan.Status)
		assert.Equal(t, daysBefore, loan.DaysOverdue)
	})

	t.Run("does not cure when nothing is overdue", func(t *testing.T) {
		loan := newTestLoan(t)
		today := loan.FirstEmiDate.AddDate(0, 0, 10)
		require.NoError(t, loan.SweepOverdue(ctx, today, 90))
		require.Equal(t, LoanStatusOverdue, loan.Status)

		// 期次在巡检之外被结清，状态回转属于还款分配的职责
		loan.Schedule[0].Status = InstallmentStatusPaid
		loan.Schedule[0].PaidAmount = loan.Schedule[0].EmiAmount

		require.NoError(t, loan.SweepOverdue(ctx, today, 90))
		assert.Equal(t, LoanStatusOverdue, loan.Status)
		assert.Equal(t, 0, loan.DaysOverdue)
		assert.True(t, loan.OverdueAmount.IsZero())
	})

	t.Run("degrades to npa past the threshold", func(t *testing.T) {
		loan := newTestLoan(t)
		today := loan.FirstEmiDate.AddDate(0, 0, 91)

		require.NoError(t, loan.SweepOverdue(ctx, today, 90))
		assert.Equal(t, LoanStatusNpa, loan.Status)
		assert.Equal(t, 91, loan.DaysOverdue)
	})

	t.Run("terminal loans are untouched", func(t *testing.T) {
		loan := newTestLoan(t)
		_, err := loan.RecordPayment(ctx, "PAY1", loan.TotalPayable, PaymentModeRtgs, "", loan.FirstEmiDate)
		require.NoError(t, err)
		require.Equal(t, LoanStatusClosed, loan.Status)

		require.NoError(t, loan.SweepOverdue(ctx, loan.FirstEmiDate.AddDate(1, 0, 0), 90))
		assert.Equal(t, LoanStatusClosed, loan.Status)
		assert.Equal(t, 0, loan.DaysOverdue)
	})
}

func TestPrepay(t *testing.T) {
	ctx := context.Background()

	t.Run("partial prepayment keeps the loan active", func(t *testing.T) {
		loan := newTestLoan(t)
		at := disbursedAt.AddDate(0, 0, 20)

		result, err := loan.Prepay(ctx, "PRE1", decimal.NewFromInt(10000), PaymentModeNetbanking, "UTR010",
			decimal.NewFromInt(2), at)
		require.NoError(t, err)

		assert.Equal(t, "200.00", result.ForeclosureCharge.StringFixed(2))
		assert.Equal(t, "9800.00", result.EffectiveAmount.StringFixed(2))
		assert.Equal(t, "42949.48", result.NewTotalOutstanding.StringFixed(2))
		assert.Equal(t, LoanStatusActive, loan.Status)
		assert.Equal(t, "10000.00", loan.PrepaymentAmount.StringFixed(2))
		assert.Equal(t, "40200.00", loan.OutstandingPrincipal.StringFixed(2))
	})

	t.Run("full prepayment forecloses", func(t *testing.T) {
		loan := newTestLoan(t)
		at := disbursedAt.AddDate(0, 0, 20)

		result, err := loan.Prepay(ctx, "PRE1", loan.TotalPayable, PaymentModeRtgs, "UTR011", decimal.Zero, at)
		require.NoError(t, err)

		assert.Equal(t, LoanStatusForeclosed, result.LoanStatus)
		assert.True(t, loan.TotalOutstanding.IsZero())
		require.NotNil(t, loan.ClosureDate)
	})

	t.Run("only active loans can prepay", func(t *testing.T) {
		loan := newTestLoan(t)
		require.NoError(t, loan.SweepOverdue(ctx, loan.FirstEmiDate.AddDate(0, 0, 5), 90))
		require.Equal(t, LoanStatusOverdue, loan.Status)

		_, err := loan.Prepay(ctx, "PRE1", decimal.NewFromInt(10000), PaymentModeUpi, "", decimal.Zero, disbursedAt)
		assert.ErrorIs(t, err, ErrInvalidLoanState)
	})
}

func TestMarginCallFlag(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("trigger and resolve", func(t *testing.T) {
		loan := newTestLoan(t)
		require.NoError(t, loan.TriggerMarginCall(now))
		assert.Equal(t, MarginCallStatusTriggered, loan.MarginCallStatus)
		require.NotNil(t, loan.LastMarginCallDate)

		require.NoError(t, loan.ResolveMarginCall(now.AddDate(0, 0, 1)))
		assert.Equal(t, MarginCallStatusResolved, loan.MarginCallStatus)
	})

	t.Run("re-trigger refreshes the date", func(t *testing.T) {
		loan := newTestLoan(t)
		require.NoError(t, loan.TriggerMarginCall(now))
		later := now.AddDate(0, 0, 3)
		require.NoError(t, loan.TriggerMarginCall(later))
		assert.Equal(t, later, *loan.LastMarginCallDate)
	})

	t.Run("resolve without trigger fails", func(t *testing.T) {
		loan := newTestLoan(t)
		assert.ErrorIs(t, loan.ResolveMarginCall(now), ErrInvalidInput)
	})
}

func TestSettleAndWriteOff(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	t.Run("settle from npa", func(t *testing.T) {
		loan := newTestLoan(t)
		require.NoError(t, loan.SweepOverdue(ctx, loan.FirstEmiDate.AddDate(0, 0, 120), 90))
		require.Equal(t, LoanStatusNpa, loan.Status)

		require.NoError(t, loan.Settle(ctx, "one-time settlement at 60%", at))
		assert.Equal(t, LoanStatusSettled, loan.Status)
		assert.Equal(t, "one-time settlement at 60%", loan.Remarks)
		require.NotNil(t, loan.ClosureDate)
		assert.True(t, loan.Status.Releasable())
	})

	t.Run("write-off requires overdue or npa", func(t *testing.T) {
		loan := newTestLoan(t)
		assert.ErrorIs(t, loan.WriteOff(ctx, "board approval 2026-08", at), ErrInvalidLoanState)

		require.NoError(t, loan.SweepOverdue(ctx, loan.FirstEmiDate.AddDate(0, 0, 10), 90))
		require.NoError(t, loan.WriteOff(ctx, "board approval 2026-08", at))
		assert.Equal(t, LoanStatusWrittenOff, loan.Status)
		assert.True(t, loan.Status.IsTerminal())
		assert.False(t, loan.Status.Releasable())
	})
}

func TestUpdateCollateralValue(t *testing.T) {
	loan := newTestLoan(t)
	loan.UpdateCollateralValue(decimal.NewFromInt(60000), disbursedAt.AddDate(0, 1, 0))

	assert.Equal(t, "60000.00", loan.TotalCollateralValue.StringFixed(2))
	// LTV 以总欠款对总市值计算
	assert.Equal(t, "87.92", loan.CurrentLtv.StringFixed(2))
}
