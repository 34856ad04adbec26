package mysql

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/lamf/internal/loan/domain"
)

// LoanModel 贷款写模型
type LoanModel struct {
	gorm.Model
	LoanID               string          `gorm:"column:loan_id;type:varchar(32);uniqueIndex;not null;comment:贷款ID"`
	ApplicationID        string          `gorm:"column:application_id;type:varchar(32);index;not null;comment:申请ID"`
	CustomerID           string          `gorm:"column:customer_id;type:varchar(32);index;not null;comment:客户ID"`
	ProductCode          string          `gorm:"column:product_code;type:varchar(32);not null;comment:产品编码"`
	PrincipalAmount      decimal.Decimal `gorm:"column:principal_amount;type:decimal(18,2);not null;comment:放款本金"`
	InterestRate         decimal.Decimal `gorm:"column:interest_rate;type:decimal(8,4);not null;comment:年化利率"`
	TenureMonths         int             `gorm:"column:tenure_months;not null;comment:期数"`
	EmiAmount            decimal.Decimal `gorm:"column:emi_amount;type:decimal(18,2);not null;comment:月供"`
	TotalInterest        decimal.Decimal `gorm:"column:total_interest;type:decimal(18,2);not null;comment:总利息"`
	TotalPayable         decimal.Decimal `gorm:"column:total_payable;type:decimal(18,2);not null;comment:应还总额"`
	OutstandingPrincipal decimal.Decimal `gorm:"column:outstanding_principal;type:decimal(18,2);not null;comment:未结本金"`
	TotalOutstanding     decimal.Decimal `gorm:"column:total_outstanding;type:decimal(18,2);not null;comment:未结总额"`
	CollateralIDs        string          `gorm:"column:collateral_ids;type:json;comment:质押品ID列表"`
	TotalCollateralValue decimal.Decimal `gorm:"column:total_collateral_value;type:decimal(18,2);not null;default:0;comment:质押品总市值"`
	CurrentLtv           decimal.Decimal `gorm:"column:current_ltv;type:decimal(8,2);not null;default:0;comment:当前LTV"`
	Status               string          `gorm:"column:status;type:varchar(20);not null;index;comment:状态"`
	DisbursementDate     time.Time       `gorm:"column:disbursement_date;not null;comment:放款日"`
	FirstEmiDate         time.Time       `gorm:"column:first_emi_date;not null;comment:首期还款日"`
	LastEmiDate          time.Time       `gorm:"column:last_emi_date;not null;comment:末期还款日"`
	ClosureDate          *time.Time      `gorm:"column:closure_date;comment:结清日"`
	DaysOverdue          int             `gorm:"column:days_overdue;not null;default:0;comment:逾期天数"`
	OverdueAmount        decimal.Decimal `gorm:"column:overdue_amount;type:decimal(18,2);not null;default:0;comment:逾期金额"`
	MarginCallStatus     string          `gorm:"column:margin_call_status;type:varchar(20);not null;default:'NONE';index;comment:追保状态"`
	LastMarginCallDate   *time.Time      `gorm:"column:last_margin_call_date;comment:最近追保时间"`
	PrepaymentAmount     decimal.Decimal `gorm:"column:prepayment_amount;type:decimal(18,2);not null;default:0;comment:提前还款累计"`
	PrepaymentDate       *time.Time      `gorm:"column:prepayment_date;comment:提前还款时间"`
	Remarks              string          `gorm:"column:remarks;type:text;comment:备注"`
	Version              int64           `gorm:"column:version;not null;default:0;comment:聚合版本"`
}

func (LoanModel) TableName() string { return "loans" }

// InstallmentModel 还款计划期次写模型
type InstallmentModel struct {
	gorm.Model
	LoanID                 string          `gorm:"column:loan_id;type:varchar(32);not null;uniqueIndex:uk_loan_installment,priority:1;comment:贷款ID"`
	InstallmentNumber      int             `gorm:"column:installment_number;not null;uniqueIndex:uk_loan_installment,priority:2;comment:期次"`
	DueDate                time.Time       `gorm:"column:due_date;not null;index;comment:应还日"`
	EmiAmount              decimal.Decimal `gorm:"column:emi_amount;type:decimal(18,2);not null;comment:月供"`
	PrincipalComponent     decimal.Decimal `gorm:"column:principal_component;type:decimal(18,2);not null;comment:本金分量"`
	InterestComponent      decimal.Decimal `gorm:"column:interest_component;type:decimal(18,2);not null;comment:利息分量"`
	OutstandingAfter       decimal.Decimal `gorm:"column:outstanding_after;type:decimal(18,2);not null;comment:期末余额"`
	PaidAmount             decimal.Decimal `gorm:"column:paid_amount;type:decimal(18,2);not null;default:0;comment:已付金额"`
	Status                 string          `gorm:"column:status;type:varchar(20);not null;index;comment:状态"`
	PaidDate               *time.Time      `gorm:"column:paid_date;comment:付讫时间"`
	PaymentReferenceNumber string          `gorm:"column:payment_reference_number;type:varchar(64);comment:还款凭证号"`
}

func (InstallmentModel) TableName() string { return "loan_installments" }

// PaymentModel 还款流水写模型，只增不改
type PaymentModel struct {
	gorm.Model
	PaymentID           string          `gorm:"column:payment_id;type:varchar(32);uniqueIndex;not null;comment:流水ID"`
	LoanID              string          `gorm:"column:loan_id;type:varchar(32);index;not null;comment:贷款ID"`
	Amount              decimal.Decimal `gorm:"column:amount;type:decimal(18,2);not null;comment:金额"`
	ChargeAmount        decimal.Decimal `gorm:"column:charge_amount;type:decimal(18,2);not null;default:0;comment:手续费"`
	PaymentDate         time.Time       `gorm:"column:payment_date;not null;comment:还款时间"`
	PaymentMode         string          `gorm:"column:payment_mode;type:varchar(20);not null;comment:渠道"`
	ReferenceNumber     string          `gorm:"column:reference_number;type:varchar(64);comment:凭证号"`
	InstallmentsCovered string          `gorm:"column:installments_covered;type:json;comment:覆盖期次"`
	Status              string          `gorm:"column:status;type:varchar(20);not null;comment:状态"`
}

func (PaymentModel) TableName() string { return "loan_payments" }

func toLoanModel(l *domain.Loan) *LoanModel {
	collateralIDs, _ := json.Marshal(l.CollateralIDs)
	return &LoanModel{
		Model: gorm.Model{
			CreatedAt: l.CreatedAt,
			UpdatedAt: l.UpdatedAt,
		},
		LoanID:               l.LoanID,
		ApplicationID:        l.ApplicationID,
		CustomerID:           l.CustomerID,
		ProductCode:          l.ProductCode,
		PrincipalAmount:      l.PrincipalAmount,
		InterestRate:         l.InterestRate,
		TenureMonths:         l.TenureMonths,
		EmiAmount:            l.EmiAmount,
		TotalInterest:        l.TotalInterest,
		TotalPayable:         l.TotalPayable,
		OutstandingPrincipal: l.OutstandingPrincipal,
		TotalOutstanding:     l.TotalOutstanding,
		CollateralIDs:        string(collateralIDs),
		TotalCollateralValue: l.TotalCollateralValue,
		CurrentLtv:           l.CurrentLtv,
		Status:               string(l.Status),
		DisbursementDate:     l.DisbursementDate,
		FirstEmiDate:         l.FirstEmiDate,
		LastEmiDate:          l.LastEmiDate,
		ClosureDate:          l.ClosureDate,
		DaysOverdue:          l.DaysOverdue,
		OverdueAmount:        l.OverdueAmount,
		MarginCallStatus:     string(l.MarginCallStatus),
		LastMarginCallDate:   l.LastMarginCallDate,
		PrepaymentAmount:     l.PrepaymentAmount,
		PrepaymentDate:       l.PrepaymentDate,
		Remarks:              l.Remarks,
		Version:              l.Version,
	}
}

func toLoanDomain(m *LoanModel, installments []InstallmentModel, payments []PaymentModel) *domain.Loan {
	var collateralIDs []string
	if m.CollateralIDs != "" {
		_ = json.Unmarshal([]byte(m.CollateralIDs), &collateralIDs)
	}

	schedule := make([]domain.Installment, len(installments))
	for i, im := range installments {
		schedule[i] = domain.Installment{
			InstallmentNumber:      im.InstallmentNumber,
			DueDate:                im.DueDate,
			EmiAmount:              im.EmiAmount,
			PrincipalComponent:     im.PrincipalComponent,
			InterestComponent:      im.InterestComponent,
			OutstandingAfter:       im.OutstandingAfter,
			PaidAmount:             im.PaidAmount,
			Status:                 domain.InstallmentStatus(im.Status),
			PaidDate:               im.PaidDate,
			PaymentReferenceNumber: im.PaymentReferenceNumber,
		}
	}

	history := make([]domain.Payment, len(payments))
	for i, pm := range payments {
		var covered []int
		if pm.InstallmentsCovered != "" {
			_ = json.Unmarshal([]byte(pm.InstallmentsCovered), &covered)
		}
		history[i] = domain.Payment{
			PaymentID:           pm.PaymentID,
			Amount:              pm.Amount,
			ChargeAmount:        pm.ChargeAmount,
			PaymentDate:         pm.PaymentDate,
			PaymentMode:         domain.PaymentMode(pm.PaymentMode),
			ReferenceNumber:     pm.ReferenceNumber,
			InstallmentsCovered: covered,
			Status:              domain.PaymentStatus(pm.Status),
		}
	}

	return &domain.Loan{
		LoanID:               m.LoanID,
		ApplicationID:        m.ApplicationID,
		CustomerID:           m.CustomerID,
		ProductCode:          m.ProductCode,
		PrincipalAmount:      m.PrincipalAmount,
		InterestRate:         m.InterestRate,
		TenureMonths:         m.TenureMonths,
		EmiAmount:            m.EmiAmount,
		TotalInterest:        m.TotalInterest,
		TotalPayable:         m.TotalPayable,
		OutstandingPrincipal: m.OutstandingPrincipal,
		TotalOutstanding:     m.TotalOutstanding,
		CollateralIDs:        collateralIDs,
		TotalCollateralValue: m.TotalCollateralValue,
		CurrentLtv:           m.CurrentLtv,
		Schedule:             schedule,
		Payments:             history,
		Status:               domain.LoanStatus(m.Status),
		DisbursementDate:     m.DisbursementDate,
		FirstEmiDate:         m.FirstEmiDate,
		LastEmiDate:          m.LastEmiDate,
		ClosureDate:          m.ClosureDate,
		DaysOverdue:          m.DaysOverdue,
		OverdueAmount:        m.OverdueAmount,
		MarginCallStatus:     domain.MarginCallStatus(m.MarginCallStatus),
		LastMarginCallDate:   m.LastMarginCallDate,
		PrepaymentAmount:     m.PrepaymentAmount,
		PrepaymentDate:       m.PrepaymentDate,
		Remarks:              m.Remarks,
		Version:              m.Version,
		CreatedAt:            m.CreatedAt,
		UpdatedAt:            m.UpdatedAt,
	}
}

func toInstallmentModels(loanID string, schedule []domain.Installment) []InstallmentModel {
	models := make([]InstallmentModel, len(schedule))
	for i, inst := range schedule {
		models[i] = InstallmentModel{
			LoanID:                 loanID,
			InstallmentNumber:      inst.InstallmentNumber,
			DueDate:                inst.DueDate,
			EmiAmount:              inst.EmiAmount,
			PrincipalComponent:     inst.PrincipalComponent,
			InterestComponent:      inst.InterestComponent,
			OutstandingAfter:       inst.OutstandingAfter,
			PaidAmount:             inst.PaidAmount,
			Status:                 string(inst.Status),
			PaidDate:               inst.PaidDate,
			PaymentReferenceNumber: inst.PaymentReferenceNumber,
		}
	}
	return models
}

func toPaymentModels(loanID string, payments []domain.Payment) []PaymentModel {
	models := make([]PaymentModel, len(payments))
	for i, p := range payments {
		covered, _ := json.Marshal(p.InstallmentsCovered)
		models[i] = PaymentModel{
			PaymentID:           p.PaymentID,
			LoanID:              loanID,
			Amount:              p.Amount,
			ChargeAmount:        p.ChargeAmount,
			PaymentDate:         p.PaymentDate,
			PaymentMode:         string(p.PaymentMode),
			ReferenceNumber:     p.ReferenceNumber,
			InstallmentsCovered: string(covered),
			Status:              string(p.Status),
		}
	}
	return models
}
