// 贷款聚合根：还款计划、FIFO 还款冲账、提前结清、逾期/NPA 分类与追加保证金标记。
// 金额统一 decimal 两位小数；状态流转经由状态机守卫。
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/fsm"

	"github.com/wyfcoding/lamf/internal/money"
)

// LoanStatus 贷款状态
type LoanStatus string

const (
	LoanStatusActive     LoanStatus = "ACTIVE"      // 正常还款中
	LoanStatusOverdue    LoanStatus = "OVERDUE"     // 存在逾期期次
	LoanStatusNpa        LoanStatus = "NPA"         // 不良资产 (逾期超阈值)
	LoanStatusClosed     LoanStatus = "CLOSED"      // 正常结清
	LoanStatusForeclosed LoanStatus = "FORECLOSED"  // 提前结清
	LoanStatusSettled    LoanStatus = "SETTLED"     // 协商和解结清
	LoanStatusWrittenOff LoanStatus = "WRITTEN_OFF" // 核销
)

// IsTerminal 终态贷款不再接受任何资金或分类操作
func (s LoanStatus) IsTerminal() bool {
	switch s {
	case LoanStatusClosed, LoanStatusForeclosed, LoanStatusSettled, LoanStatusWrittenOff:
		return true
	}
	return false
}

// Releasable 质押可解押的终结状态。核销贷款保留追索权，质押不随之释放。
func (s LoanStatus) Releasable() bool {
	switch s {
	case LoanStatusClosed, LoanStatusForeclosed, LoanStatusSettled:
		return true
	}
	return false
}

// InstallmentStatus 期次状态
type InstallmentStatus string

const (
	InstallmentStatusPending       InstallmentStatus = "PENDING"
	InstallmentStatusPaid          InstallmentStatus = "PAID"
	InstallmentStatusPartiallyPaid InstallmentStatus = "PARTIALLY_PAID"
	InstallmentStatusOverdue       InstallmentStatus = "OVERDUE"
)

// PaymentMode 还款渠道
type PaymentMode string

const (
	PaymentModeNach       PaymentMode = "NACH"
	PaymentModeUpi        PaymentMode = "UPI"
	PaymentModeNetbanking PaymentMode = "NETBANKING"
	PaymentModeCheque     PaymentMode = "CHEQUE"
	PaymentModeNeft       PaymentMode = "NEFT"
	PaymentModeRtgs       PaymentMode = "RTGS"
)

// PaymentStatus 还款流水状态
type PaymentStatus string

const (
	PaymentStatusSuccess  PaymentStatus = "SUCCESS"
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusReversed PaymentStatus = "REVERSED"
)

// MarginCallStatus 追加保证金标记
type MarginCallStatus string

const (
	MarginCallStatusNone       MarginCallStatus = "NONE"
	MarginCallStatusTriggered  MarginCallStatus = "TRIGGERED"
	MarginCallStatusResolved   MarginCallStatus = "RESOLVED"
	MarginCallStatusLiquidated MarginCallStatus = "LIQUIDATED"
)

// Installment 还款计划期次
type Installment struct {
	InstallmentNumber      int               `json:"installmentNumber"`
	DueDate                time.Time         `json:"dueDate"`
	EmiAmount              decimal.Decimal   `json:"emiAmount"`
	PrincipalComponent     decimal.Decimal   `json:"principalComponent"`
	InterestComponent      decimal.Decimal   `json:"interestComponent"`
	OutstandingAfter       decimal.Decimal   `json:"outstandingAfter"`
	PaidAmount             decimal.Decimal   `json:"paidAmount"`
	Status                 InstallmentStatus `json:"status"`
	PaidDate               *time.Time        `json:"paidDate,omitempty"`
	PaymentReferenceNumber string            `json:"paymentReferenceNumber,omitempty"`
}

// Remaining 期次未付部分
func (i Installment) Remaining() decimal.Decimal {
	return money.FloorZero(i.EmiAmount.Sub(i.PaidAmount))
}

// Payment 还款流水。ChargeAmount 为提前结清手续费，普通还款为零；
// InstallmentsCovered 为空表示该笔为提前结清款，不挂任何期次。
type Payment struct {
	PaymentID           string          `json:"paymentId"`
	Amount              decimal.Decimal `json:"amount"`
	ChargeAmount        decimal.Decimal `json:"chargeAmount"`
	PaymentDate         time.Time       `json:"paymentDate"`
	PaymentMode         PaymentMode     `json:"paymentMode"`
	ReferenceNumber     string          `json:"referenceNumber,omitempty"`
	InstallmentsCovered []int           `json:"installmentsCovered"`
	Status              PaymentStatus   `json:"status"`
}

// Effective 实际冲减债务的金额 (扣除手续费)
func (p Payment) Effective() decimal.Decimal {
	return p.Amount.Sub(p.ChargeAmount)
}

// PrepaymentResult 提前结清结果
type PrepaymentResult struct {
	PaymentID           string          `json:"paymentId"`
	Amount              decimal.Decimal `json:"amount"`
	ForeclosureCharge   decimal.Decimal `json:"foreclosureCharge"`
	EffectiveAmount     decimal.Decimal `json:"effectiveAmount"`
	NewTotalOutstanding decimal.Decimal `json:"newTotalOutstanding"`
	LoanStatus          LoanStatus      `json:"loanStatus"`
}

// Loan 贷款聚合根
type Loan struct {
	LoanID               string           `json:"loanId"`
	ApplicationID        string           `json:"applicationId"`
	CustomerID           string           `json:"customerId"`
	ProductCode          string           `json:"productCode"`
	PrincipalAmount      decimal.Decimal  `json:"principalAmount"`
	InterestRate         decimal.Decimal  `json:"interestRate"`
	TenureMonths         int              `json:"tenureMonths"`
	EmiAmount            decimal.Decimal  `json:"emiAmount"`
	TotalInterest        decimal.Decimal  `json:"totalInterest"`
	TotalPayable         decimal.Decimal  `json:"totalPayable"`
	OutstandingPrincipal decimal.Decimal  `json:"outstandingPrincipal"`
	TotalOutstanding     decimal.Decimal  `json:"totalOutstanding"`
	CollateralIDs        []string         `json:"collateralIds"`
	TotalCollateralValue decimal.Decimal  `json:"totalCollateralValue"`
	CurrentLtv           decimal.Decimal  `json:"currentLtv"`
	Schedule             []Installment    `json:"repaymentSchedule"`
	Payments             []Payment        `json:"payments"`
	Status               LoanStatus       `json:"status"`
	DisbursementDate     time.Time        `json:"disbursementDate"`
	FirstEmiDate         time.Time        `json:"firstEmiDate"`
	LastEmiDate          time.Time        `json:"lastEmiDate"`
	ClosureDate          *time.Time       `json:"closureDate,omitempty"`
	DaysOverdue          int              `json:"daysOverdue"`
	OverdueAmount        decimal.Decimal  `json:"overdueAmount"`
	MarginCallStatus     MarginCallStatus `json:"marginCallStatus"`
	LastMarginCallDate   *time.Time       `json:"lastMarginCallDate,omitempty"`
	PrepaymentAmount     decimal.Decimal  `json:"prepaymentAmount"`
	PrepaymentDate       *time.Time       `json:"prepaymentDate,omitempty"`
	Remarks              string           `json:"remarks,omitempty"`
	Version              int64            `json:"-"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
	fsm                  *fsm.Machine
}

// 状态机事件
const (
	eventFallOverdue = "FALL_OVERDUE"
	eventCure        = "CURE"
	eventDegrade     = "DEGRADE"
	eventUpgrade     = "UPGRADE"
	eventClose       = "CLOSE"
	eventForeclose   = "FORECLOSE"
	eventSettle      = "SETTLE"
	eventWriteOff    = "WRITE_OFF"
)

// NewLoan 放款建贷：计算 EMI、生成计划表、初始化 LTV 与状态
func NewLoan(loanID, applicationID, customerID, productCode string,
	principal, annualRatePercent decimal.Decimal, tenureMonths int,
	collateralIDs []string, totalCollateralValue decimal.Decimal,
	disbursedAt time.Time,
) (*Loan, error) {
	emi, err := CalculateEMI(principal, annualRatePercent, tenureMonths)
	if err != nil {
		return nil, err
	}

	firstEmi := addMonthsClamped(disbursedAt, 1)
	schedule, err := GenerateSchedule(principal, annualRatePercent, tenureMonths, emi, firstEmi)
	if err != nil {
		return nil, err
	}

	totalPayable := money.Round(emi.Mul(decimal.NewFromInt(int64(tenureMonths))))
	totalInterest := money.Round(totalPayable.Sub(principal))

	l := &Loan{
		LoanID:               loanID,
		ApplicationID:        applicationID,
		CustomerID:           customerID,
		ProductCode:          productCode,
		PrincipalAmount:      principal,
		InterestRate:         annualRatePercent,
		TenureMonths:         tenureMonths,
		EmiAmount:            emi,
		TotalInterest:        totalInterest,
		TotalPayable:         totalPayable,
		OutstandingPrincipal: principal,
		TotalOutstanding:     totalPayable,
		CollateralIDs:        collateralIDs,
		TotalCollateralValue: totalCollateralValue,
		CurrentLtv:           money.Ratio(principal, totalCollateralValue),
		Schedule:             schedule,
		Payments:             []Payment{},
		Status:               LoanStatusActive,
		DisbursementDate:     disbursedAt,
		FirstEmiDate:         firstEmi,
		LastEmiDate:          schedule[len(schedule)-1].DueDate,
		OverdueAmount:        decimal.Zero,
		MarginCallStatus:     MarginCallStatusNone,
		PrepaymentAmount:     decimal.Zero,
		CreatedAt:            disbursedAt,
		UpdatedAt:            disbursedAt,
	}
	l.initFSM()
	return l, nil
}

func (l *Loan) initFSM() {
	m := fsm.NewMachine(fsm.State(l.Status))
	m.AddTransition(fsm.State(LoanStatusActive), eventFallOverdue, fsm.State(LoanStatusOverdue))
	m.AddTransition(fsm.State(LoanStatusOverdue), eventCure, fsm.State(LoanStatusActive))
	m.AddTransition(fsm.State(LoanStatusOverdue), eventDegrade, fsm.State(LoanStatusNpa))
	m.AddTransition(fsm.State(LoanStatusNpa), eventUpgrade, fsm.State(LoanStatusOverdue))
	m.AddTransition(fsm.State(LoanStatusActive), eventClose, fsm.State(LoanStatusClosed))
	m.AddTransition(fsm.State(LoanStatusOverdue), eventClose, fsm.State(LoanStatusClosed))
	m.AddTransition(fsm.State(LoanStatusActive), eventForeclose, fsm.State(LoanStatusForeclosed))
	m.AddTransition(fsm.State(LoanStatusActive), eventSettle, fsm.State(LoanStatusSettled))
	m.AddTransition(fsm.State(LoanStatusOverdue), eventSettle, fsm.State(LoanStatusSettled))
	m.AddTransition(fsm.State(LoanStatusNpa), eventSettle, fsm.State(LoanStatusSettled))
	m.AddTransition(fsm.State(LoanStatusOverdue), eventWriteOff, fsm.State(LoanStatusWrittenOff))
	m.AddTransition(fsm.State(LoanStatusNpa), eventWriteOff, fsm.State(LoanStatusWrittenOff))
	l.fsm = m
}

// InitFSM 确保状态机已初始化 (从仓储还原的聚合需要)
func (l *Loan) InitFSM() {
	if l.fsm == nil {
		l.initFSM()
	}
}

// RecordPayment 记录还款，FIFO 冲抵最早未付期次。
// 只允许 ACTIVE/OVERDUE 贷款还款；余额清零自动结清，逾期清偿自动回到 ACTIVE。
func (l *Loan) RecordPayment(ctx context.Context, paymentID string, amount decimal.Decimal,
	mode PaymentMode, referenceNumber string, paymentDate time.Time,
) (*Payment, error) {
	if l.Status != LoanStatusActive && l.Status != LoanStatusOverdue {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLoanState, l.Status)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	remaining := amount
	covered := make([]int, 0, 2)
	for i := range l.Schedule {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		inst := &l.Schedule[i]
		if inst.Status == InstallmentStatusPaid {
			continue
		}

		due := inst.Remaining()
		if remaining.GreaterThanOrEqual(due) {
			inst.PaidAmount = inst.EmiAmount
			inst.Status = InstallmentStatusPaid
			pd := paymentDate
			inst.PaidDate = &pd
			inst.PaymentReferenceNumber = referenceNumber
			remaining = remaining.Sub(due)
		} else {
			inst.PaidAmount = money.Round(inst.PaidAmount.Add(remaining))
			inst.Status = InstallmentStatusPartiallyPaid
			inst.PaymentReferenceNumber = referenceNumber
			remaining = decimal.Zero
		}
		covered = append(covered, inst.InstallmentNumber)
	}

	payment := Payment{
		PaymentID:           paymentID,
		Amount:              amount,
		ChargeAmount:        decimal.Zero,
		PaymentDate:         paymentDate,
		PaymentMode:         mode,
		ReferenceNumber:     referenceNumber,
		InstallmentsCovered: covered,
		Status:              PaymentStatusSuccess,
	}
	l.Payments = append(l.Payments, payment)

	l.recomputeOutstanding()
	l.refreshLtv()

	if l.TotalOutstanding.LessThanOrEqual(decimal.Zero) {
		if err := l.transition(ctx, eventClose); err != nil {
			return nil, err
		}
		cd := paymentDate
		l.ClosureDate = &cd
		l.DaysOverdue = 0
		l.OverdueAmount = decimal.Zero
	} else if l.Status == LoanStatusOverdue && !l.hasOverdueInstallment() {
		if err := l.transition(ctx, eventCure); err != nil {
			return nil, err
		}
		l.DaysOverdue = 0
		l.OverdueAmount = decimal.Zero
	}

	l.UpdatedAt = paymentDate
	return &payment, nil
}

// Prepay 提前结清：按手续费率扣费后全额冲减债务，余额清零转 FORECLOSED。
// 仅 ACTIVE 贷款可提前结清。
func (l *Loan) Prepay(ctx context.Context, paymentID string, amount decimal.Decimal,
	mode PaymentMode, referenceNumber string, chargePercent decimal.Decimal, at time.Time,
) (*PrepaymentResult, error) {
	if l.Status != LoanStatusActive {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLoanState, l.Status)
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if chargePercent.IsNegative() {
		return nil, fmt.Errorf("%w: charge percent must not be negative", ErrInvalidInput)
	}

	charge := money.Percent(amount, chargePercent)
	payment := Payment{
		PaymentID:       paymentID,
		Amount:          amount,
		ChargeAmount:    charge,
		PaymentDate:     at,
		PaymentMode:     mode,
		ReferenceNumber: referenceNumber,
		Status:          PaymentStatusSuccess,
	}
	l.Payments = append(l.Payments, payment)

	l.recomputeOutstanding()
	l.refreshLtv()
	l.PrepaymentAmount = money.Round(l.PrepaymentAmount.Add(amount))
	pd := at
	l.PrepaymentDate = &pd

	if l.TotalOutstanding.LessThanOrEqual(decimal.Zero) {
		if err := l.transition(ctx, eventForeclose); err != nil {
			return nil, err
		}
		cd := at
		l.ClosureDate = &cd
	}

	l.UpdatedAt = at
	return &PrepaymentResult{
		PaymentID:           paymentID,
		Amount:              amount,
		ForeclosureCharge:   charge,
		EffectiveAmount:     payment.Effective(),
		NewTotalOutstanding: l.TotalOutstanding,
		LoanStatus:          l.Status,
	}, nil
}

// SweepOverdue 逾期巡检：标记过期未付期次、重算最大逾期天数与逾期总额，
// 并按 npaDays 阈值在 ACTIVE/OVERDUE/NPA 之间迁移。同一日重复执行结果不变。
func (l *Loan) SweepOverdue(ctx context.Context, today time.Time, npaDays int) error {
	if l.Status.IsTerminal() {
		return nil
	}

	maxDays := 0
	overdueAmount := decimal.Zero
	for i := range l.Schedule {
		inst := &l.Schedule[i]
		if inst.Status == InstallmentStatusPaid {
			continue
		}
		if !today.After(inst.DueDate) {
			continue
		}
		inst.Status = InstallmentStatusOverdue
		if gap := daysBetween(inst.DueDate, today); gap > maxDays {
			maxDays = gap
		}
		overdueAmount = overdueAmount.Add(inst.Remaining())
	}

	l.DaysOverdue = maxDays
	l.OverdueAmount = money.Round(overdueAmount)

	// 无逾期期次时不回转状态，逾期的消除由还款分配完成
	if maxDays == 0 {
		l.UpdatedAt = today
		return nil
	}

	target := LoanStatusOverdue
	if maxDays > npaDays {
		target = LoanStatusNpa
	}

	switch {
	case l.Status == LoanStatusActive:
		if err := l.transition(ctx, eventFallOverdue); err != nil {
			return err
		}
		if target == LoanStatusNpa {
			if err := l.transition(ctx, eventDegrade); err != nil {
				return err
			}
		}
	case l.Status == LoanStatusOverdue && target == LoanStatusNpa:
		if err := l.transition(ctx, eventDegrade); err != nil {
			return err
		}
	case l.Status == LoanStatusNpa && target == LoanStatusOverdue:
		if err := l.transition(ctx, eventUpgrade); err != nil {
			return err
		}
	}

	l.UpdatedAt = today
	return nil
}

// UpdateCollateralValue 质押品估值变动后刷新总市值与 LTV
func (l *Loan) UpdateCollateralValue(totalValue decimal.Decimal, at time.Time) {
	l.TotalCollateralValue = totalValue
	l.refreshLtv()
	l.UpdatedAt = at
}

// TriggerMarginCall 标记追加保证金。重复触发只刷新时间，不叠加。
func (l *Loan) TriggerMarginCall(at time.Time) error {
	if l.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrInvalidLoanState, l.Status)
	}
	l.MarginCallStatus = MarginCallStatusTriggered
	d := at
	l.LastMarginCallDate = &d
	l.UpdatedAt = at
	return nil
}

// ResolveMarginCall 人工确认补仓完成，清除标记
func (l *Loan) ResolveMarginCall(at time.Time) error {
	if l.MarginCallStatus != MarginCallStatusTriggered {
		return fmt.Errorf("%w: no margin call to resolve", ErrInvalidInput)
	}
	l.MarginCallStatus = MarginCallStatusResolved
	l.UpdatedAt = at
	return nil
}

// Settle 协商和解结清
func (l *Loan) Settle(ctx context.Context, remarks string, at time.Time) error {
	if err := l.transition(ctx, eventSettle); err != nil {
		return err
	}
	cd := at
	l.ClosureDate = &cd
	l.Remarks = remarks
	l.UpdatedAt = at
	return nil
}

// WriteOff 核销。仅 OVERDUE/NPA 贷款可核销。
func (l *Loan) WriteOff(ctx context.Context, remarks string, at time.Time) error {
	if err := l.transition(ctx, eventWriteOff); err != nil {
		return err
	}
	cd := at
	l.ClosureDate = &cd
	l.Remarks = remarks
	l.UpdatedAt = at
	return nil
}

// NextDueInstallment 最早未付期次，全部结清返回 nil
func (l *Loan) NextDueInstallment() *Installment {
	for i := range l.Schedule {
		if l.Schedule[i].Status != InstallmentStatusPaid {
			return &l.Schedule[i]
		}
	}
	return nil
}

func (l *Loan) transition(ctx context.Context, event fsm.Event) error {
	l.InitFSM()
	if err := l.fsm.Trigger(ctx, event); err != nil {
		return fmt.Errorf("%w: %s on %s", ErrInvalidLoanState, event, l.Status)
	}
	switch event {
	case eventFallOverdue:
		l.Status = LoanStatusOverdue
	case eventCure:
		l.Status = LoanStatusActive
	case eventDegrade:
		l.Status = LoanStatusNpa
	case eventUpgrade:
		l.Status = LoanStatusOverdue
	case eventClose:
		l.Status = LoanStatusClosed
	case eventForeclose:
		l.Status = LoanStatusForeclosed
	case eventSettle:
		l.Status = LoanStatusSettled
	case eventWriteOff:
		l.Status = LoanStatusWrittenOff
	}
	return nil
}

// recomputeOutstanding 由成功流水重新推导两项余额：
// totalOutstanding = totalPayable − Σ有效还款额 (下限 0)；
// outstandingPrincipal 以计划表中最后一个整期已付期次的 outstandingAfter 为准，
// 再扣减提前结清净额。
func (l *Loan) recomputeOutstanding() {
	paid := decimal.Zero
	prepaid := decimal.Zero
	for _, p := range l.Payments {
		if p.Status != PaymentStatusSuccess {
			continue
		}
		paid = paid.Add(p.Effective())
		if len(p.InstallmentsCovered) == 0 {
			prepaid = prepaid.Add(p.Effective())
		}
	}
	l.TotalOutstanding = money.FloorZero(money.Round(l.TotalPayable.Sub(paid)))

	base := l.PrincipalAmount
	for i := len(l.Schedule) - 1; i >= 0; i-- {
		if l.Schedule[i].Status == InstallmentStatusPaid {
			base = l.Schedule[i].OutstandingAfter
			break
		}
	}
	l.OutstandingPrincipal = money.FloorZero(money.Round(base.Sub(prepaid)))
}

func (l *Loan) refreshLtv() {
	l.CurrentLtv = money.Ratio(l.TotalOutstanding, l.TotalCollateralValue)
}

func (l *Loan) hasOverdueInstallment() bool {
	for i := range l.Schedule {
		if l.Schedule[i].Status == InstallmentStatusOverdue {
			return true
		}
	}
	return false
}
