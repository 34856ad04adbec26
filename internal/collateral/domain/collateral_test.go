package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pledgedAt = time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

func newTestCollateral(t *testing.T) *Collateral {
	t.Helper()
	c, err := NewCollateral("COL1", "CUST1", "APP1",
		"Axis AMC", "Axis Bluechip Fund", "INF846K01EW2", "FOLIO123", FundTypeEquity,
		decimal.NewFromInt(100), decimal.NewFromInt(500), decimal.NewFromInt(50), pledgedAt)
	require.NoError(t, err)
	return c
}

func TestNewCollateral(t *testing.T) {
	t.Run("values derived from pledge nav", func(t *testing.T) {
		c := newTestCollateral(t)

		assert.Equal(t, "50000.00", c.ValueAtPledge.StringFixed(2))
		assert.Equal(t, "50000.00", c.CurrentValue.StringFixed(2))
		assert.Equal(t, "25000.00", c.EligibleLoanAmount.StringFixed(2))
		assert.Equal(t, LienStatusPending, c.LienStatus)
		assert.Equal(t, CollateralStatusActive, c.Status)
		require.Len(t, c.NavHistory, 1)
		assert.Equal(t, "500", c.NavHistory[0].Nav.String())
	})

	t.Run("rejects invalid inputs", func(t *testing.T) {
		_, err := NewCollateral("COL1", "CUST1", "", "", "", "", "", FundTypeDebt,
			decimal.Zero, decimal.NewFromInt(500), decimal.NewFromInt(50), pledgedAt)
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = NewCollateral("COL1", "CUST1", "", "", "", "", "", FundTypeDebt,
			decimal.NewFromInt(100), decimal.NewFromInt(-1), decimal.NewFromInt(50), pledgedAt)
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = NewCollateral("COL1", "CUST1", "", "", "", "", "", FundTypeDebt,
			decimal.NewFromInt(100), decimal.NewFromInt(500), decimal.NewFromInt(101), pledgedAt)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestRevalue(t *testing.T) {
	t.Run("value and eligible amount move together", func(t *testing.T) {
		c := newTestCollateral(t)
		at := pledgedAt.AddDate(0, 0, 1)

		require.NoError(t, c.Revalue(decimal.NewFromInt(550), at))
		assert.Equal(t, "550", c.CurrentNav.String())
		assert.Equal(t, "55000.00", c.CurrentValue.StringFixed(2))
		assert.Equal(t, "27500.00", c.EligibleLoanAmount.StringFixed(2))
		// 质押时点数据不受影响
		assert.Equal(t, "50000.00", c.ValueAtPledge.StringFixed(2))
		assert.Equal(t, "500", c.NavAtPledge.String())

		require.Len(t, c.NavHistory, 2)
		assert.Equal(t, at, c.NavHistory[1].RecordedAt)
		require.NotNil(t, c.LastValuationDate)
		assert.Equal(t, at, *c.LastValuationDate)
	})

	t.Run("rejects non-positive nav", func(t *testing.T) {
		c := newTestCollateral(t)
		assert.ErrorIs(t, c.Revalue(decimal.Zero, pledgedAt), ErrInvalidInput)
	})
}

func TestCheckMarginCall(t *testing.T) {
	threshold := decimal.RequireFromString("0.8")
	at := pledgedAt.AddDate(0, 1, 0)

	t.Run("coverage below threshold triggers", func(t *testing.T) {
		c := newTestCollateral(t)
		// 50000 市值对 70000 敞口，覆盖率 0.714
		triggered := c.CheckMarginCall(decimal.NewFromInt(70000), threshold, at)
		assert.True(t, triggered)
		assert.True(t, c.MarginCallTriggered)
		require.NotNil(t, c.MarginCallDate)
	})

	t.Run("coverage at threshold does not trigger", func(t *testing.T) {
		c := newTestCollateral(t)
		require.NoError(t, c.Revalue(decimal.NewFromInt(700), at))
		// 70000 市值对 70000 敞口，覆盖率 1.0
		assert.False(t, c.CheckMarginCall(decimal.NewFromInt(70000), threshold, at))
		assert.False(t, c.MarginCallTriggered)
	})

	t.Run("zero outstanding never triggers", func(t *testing.T) {
		c := newTestCollateral(t)
		assert.False(t, c.CheckMarginCall(decimal.Zero, threshold, at))
	})

	t.Run("check does not clear an existing flag", func(t *testing.T) {
		c := newTestCollateral(t)
		require.True(t, c.CheckMarginCall(decimal.NewFromInt(70000), threshold, at))

		// 行情回升后覆盖率达标，但标记需人工确认才清除
		require.NoError(t, c.Revalue(decimal.NewFromInt(700), at))
		assert.False(t, c.CheckMarginCall(decimal.NewFromInt(70000), threshold, at))
		assert.True(t, c.MarginCallTriggered)
	})

	t.Run("resolve clears the flag and keeps the date", func(t *testing.T) {
		c := newTestCollateral(t)
		require.True(t, c.CheckMarginCall(decimal.NewFromInt(70000), threshold, at))

		c.ResolveMarginCall(at.AddDate(0, 0, 2))
		assert.False(t, c.MarginCallTriggered)
		assert.NotNil(t, c.MarginCallDate)
	})
}

func TestLienLifecycle(t *testing.T) {
	at := pledgedAt.AddDate(0, 0, 2)

	t.Run("mark from pending only", func(t *testing.T) {
		c := newTestCollateral(t)
		require.NoError(t, c.MarkLien("LIEN1", at))
		assert.Equal(t, LienStatusMarked, c.LienStatus)
		assert.Equal(t, "LIEN1", c.LienID)
		require.NotNil(t, c.LienMarkDate)
		assert.Equal(t, at, *c.LienMarkDate)

		assert.ErrorIs(t, c.MarkLien("LIEN2", at), ErrInvalidCollateralState)
	})

	t.Run("reference recorded after marking", func(t *testing.T) {
		c := newTestCollateral(t)
		assert.ErrorIs(t, c.RecordLienReference("CAMS-REF-1", at), ErrInvalidCollateralState)

		require.NoError(t, c.MarkLien("LIEN1", at))
		require.NoError(t, c.RecordLienReference("CAMS-REF-1", at))
		assert.Equal(t, "CAMS-REF-1", c.LienReferenceNumber)
	})

	t.Run("invoke liquidates the holding", func(t *testing.T) {
		c := newTestCollateral(t)
		assert.ErrorIs(t, c.InvokeLien("CAMS-INV-1", at), ErrInvalidCollateralState)

		require.NoError(t, c.MarkLien("LIEN1", at))
		require.NoError(t, c.InvokeLien("CAMS-INV-1", at))
		assert.Equal(t, LienStatusInvoked, c.LienStatus)
		assert.Equal(t, CollateralStatusLiquidated, c.Status)
		assert.Equal(t, "CAMS-INV-1", c.LienReferenceNumber)

		assert.ErrorIs(t, c.InvokeLien("CAMS-INV-2", at), ErrInvalidCollateralState)
	})

	t.Run("release flips collateral and lien", func(t *testing.T) {
		c := newTestCollateral(t)
		require.NoError(t, c.Release(at))
		assert.Equal(t, CollateralStatusReleased, c.Status)
		assert.Equal(t, LienStatusReleased, c.LienStatus)

		assert.ErrorIs(t, c.Release(at), ErrInvalidCollateralState)
	})
}

func TestAttachReferences(t *testing.T) {
	at := pledgedAt.AddDate(0, 0, 1)

	t.Run("application reference is set once", func(t *testing.T) {
		c := newTestCollateral(t)
		// 同一申请重复挂接是幂等的
		require.NoError(t, c.AttachApplication("APP1", at))
		assert.ErrorIs(t, c.AttachApplication("APP2", at), ErrInvalidCollateralState)
	})

	t.Run("loan reference is set once", func(t *testing.T) {
		c := newTestCollateral(t)
		require.NoError(t, c.AttachLoan("LN1", at))
		assert.ErrorIs(t, c.AttachLoan("LN2", at), ErrInvalidCollateralState)
	})
}
