// 质押品聚合根：基金持仓的质押、估值重算与追加保证金判定。
// currentValue 与 eligibleLoanAmount 永远由最新 NAV 一并重算，不允许单独赋值；
// NAV 历史只追加不修改。
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/lamf/internal/money"
)

// FundType 基金类型
type FundType string

const (
	FundTypeEquity FundType = "EQUITY"
	FundTypeDebt   FundType = "DEBT"
	FundTypeHybrid FundType = "HYBRID"
	FundTypeLiquid FundType = "LIQUID"
)

// LienStatus 质押登记状态
type LienStatus string

const (
	LienStatusPending  LienStatus = "PENDING"
	LienStatusMarked   LienStatus = "MARKED"
	LienStatusReleased LienStatus = "RELEASED"
	LienStatusInvoked  LienStatus = "INVOKED"
)

// CollateralStatus 质押品状态
type CollateralStatus string

const (
	CollateralStatusActive            CollateralStatus = "ACTIVE"
	CollateralStatusReleased          CollateralStatus = "RELEASED"
	CollateralStatusLiquidated        CollateralStatus = "LIQUIDATED"
	CollateralStatusPartiallyReleased CollateralStatus = "PARTIALLY_RELEASED"
)

// NavRecord NAV 历史记录
type NavRecord struct {
	Nav        decimal.Decimal `json:"nav"`
	Value      decimal.Decimal `json:"value"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// Collateral 质押品聚合根
type Collateral struct {
	CollateralID        string           `json:"collateralId"`
	CustomerID          string           `json:"customerId"`
	ApplicationID       string           `json:"applicationId,omitempty"`
	LoanID              string           `json:"loanId,omitempty"`
	FundHouse           string           `json:"fundHouse"`
	SchemeName          string           `json:"schemeName"`
	Isin                string           `json:"isin"`
	FolioNumber         string           `json:"folioNumber"`
	FundType            FundType         `json:"fundType"`
	Units               decimal.Decimal  `json:"units"`
	NavAtPledge         decimal.Decimal  `json:"navAtPledge"`
	CurrentNav          decimal.Decimal  `json:"currentNav"`
	ValueAtPledge       decimal.Decimal  `json:"valueAtPledge"`
	CurrentValue        decimal.Decimal  `json:"currentValue"`
	LtvPercent          decimal.Decimal  `json:"ltvPercent"`
	EligibleLoanAmount  decimal.Decimal  `json:"eligibleLoanAmount"`
	LienID              string           `json:"lienId,omitempty"`
	LienReferenceNumber string           `json:"lienReferenceNumber,omitempty"`
	LienStatus          LienStatus       `json:"lienStatus"`
	LienMarkDate        *time.Time       `json:"lienMarkDate,omitempty"`
	Status              CollateralStatus `json:"status"`
	NavHistory          []NavRecord      `json:"navHistory"`
	MarginCallTriggered bool             `json:"marginCallTriggered"`
	MarginCallDate      *time.Time       `json:"marginCallDate,omitempty"`
	LastValuationDate   *time.Time       `json:"lastValuationDate,omitempty"`
	Version             int64            `json:"-"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// NewCollateral 质押建仓：按质押时 NAV 计算市值与可贷额度
func NewCollateral(collateralID, customerID, applicationID string,
	fundHouse, schemeName, isin, folioNumber string, fundType FundType,
	units, nav, ltvPercent decimal.Decimal, at time.Time,
) (*Collateral, error) {
	if units.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: units must be positive", ErrInvalidInput)
	}
	if nav.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: nav must be positive", ErrInvalidInput)
	}
	if ltvPercent.LessThanOrEqual(decimal.Zero) || ltvPercent.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("%w: ltv percent must be in (0, 100]", ErrInvalidInput)
	}

	value := money.Round(units.Mul(nav))
	vd := at
	return &Collateral{
		CollateralID:       collateralID,
		CustomerID:         customerID,
		ApplicationID:      applicationID,
		FundHouse:          fundHouse,
		SchemeName:         schemeName,
		Isin:               isin,
		FolioNumber:        folioNumber,
		FundType:           fundType,
		Units:              units,
		NavAtPledge:        nav,
		CurrentNav:         nav,
		ValueAtPledge:      value,
		CurrentValue:       value,
		LtvPercent:         ltvPercent,
		EligibleLoanAmount: money.Percent(value, ltvPercent),
		LienStatus:         LienStatusPending,
		Status:             CollateralStatusActive,
		NavHistory: []NavRecord{
			{Nav: nav, Value: value, RecordedAt: at},
		},
		LastValuationDate: &vd,
		CreatedAt:         at,
		UpdatedAt:         at,
	}, nil
}

// Revalue NAV 变动重估：市值与可贷额度一并重算，历史追加一条记录
func (c *Collateral) Revalue(nav decimal.Decimal, at time.Time) error {
	if nav.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: nav must be positive", ErrInvalidInput)
	}

	c.CurrentNav = nav
	c.CurrentValue = money.Round(c.Units.Mul(nav))
	c.EligibleLoanAmount = money.Percent(c.CurrentValue, c.LtvPercent)
	c.NavHistory = append(c.NavHistory, NavRecord{
		Nav:        nav,
		Value:      c.CurrentValue,
		RecordedAt: at,
	})
	vd := at
	c.LastValuationDate = &vd
	c.UpdatedAt = at
	return nil
}

// CheckMarginCall 覆盖率判定：currentValue / loanOutstanding 低于阈值则触发。
// 敞口为零视为无从追保，直接返回 false；已触发的标记不会被此检查清除。
func (c *Collateral) CheckMarginCall(loanOutstanding, threshold decimal.Decimal, at time.Time) bool {
	if loanOutstanding.LessThanOrEqual(decimal.Zero) {
		return false
	}

	coverage := c.CurrentValue.Div(loanOutstanding)
	if coverage.GreaterThanOrEqual(threshold) {
		return false
	}

	c.MarginCallTriggered = true
	d := at
	c.MarginCallDate = &d
	c.UpdatedAt = at
	return true
}

// ResolveMarginCall 补仓确认后清除追保标记。触发时间保留作为历史。
func (c *Collateral) ResolveMarginCall(at time.Time) {
	c.MarginCallTriggered = false
	c.UpdatedAt = at
}

// MarkLien 质押登记完成
func (c *Collateral) MarkLien(lienID string, at time.Time) error {
	if c.LienStatus != LienStatusPending {
		return fmt.Errorf("%w: lien is %s", ErrInvalidCollateralState, c.LienStatus)
	}
	c.LienID = lienID
	c.LienStatus = LienStatusMarked
	d := at
	c.LienMarkDate = &d
	c.UpdatedAt = at
	return nil
}

// RecordLienReference 补记托管方回执编号。仅已登记的质押可补记。
func (c *Collateral) RecordLienReference(referenceNumber string, at time.Time) error {
	if c.LienStatus != LienStatusMarked {
		return fmt.Errorf("%w: lien is %s", ErrInvalidCollateralState, c.LienStatus)
	}
	c.LienReferenceNumber = referenceNumber
	c.UpdatedAt = at
	return nil
}

// InvokeLien 强制执行质押：追保未补足时处置持仓，持仓随之清算
func (c *Collateral) InvokeLien(referenceNumber string, at time.Time) error {
	if c.LienStatus != LienStatusMarked {
		return fmt.Errorf("%w: lien is %s", ErrInvalidCollateralState, c.LienStatus)
	}
	c.LienStatus = LienStatusInvoked
	c.Status = CollateralStatusLiquidated
	if referenceNumber != "" {
		c.LienReferenceNumber = referenceNumber
	}
	c.UpdatedAt = at
	return nil
}

// AttachApplication 挂接申请。引用只设置一次，不允许改挂。
func (c *Collateral) AttachApplication(applicationID string, at time.Time) error {
	if c.ApplicationID != "" && c.ApplicationID != applicationID {
		return fmt.Errorf("%w: already linked to application %s", ErrInvalidCollateralState, c.ApplicationID)
	}
	c.ApplicationID = applicationID
	c.UpdatedAt = at
	return nil
}

// AttachLoan 放款后挂接贷款。引用只设置一次，不允许改挂。
func (c *Collateral) AttachLoan(loanID string, at time.Time) error {
	if c.LoanID != "" {
		return fmt.Errorf("%w: already linked to loan %s", ErrInvalidCollateralState, c.LoanID)
	}
	c.LoanID = loanID
	c.UpdatedAt = at
	return nil
}

// Release 解押：贷款终结后解除质押登记
func (c *Collateral) Release(at time.Time) error {
	if c.Status != CollateralStatusActive && c.Status != CollateralStatusPartiallyReleased {
		return fmt.Errorf("%w: collateral is %s", ErrInvalidCollateralState, c.Status)
	}
	c.Status = CollateralStatusReleased
	c.LienStatus = LienStatusReleased
	c.UpdatedAt = at
	return nil
}
