package mysql

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/wyfcoding/lamf/internal/origination/domain"
)

// ApplicationModel 申请写模型
type ApplicationModel struct {
	gorm.Model
	ApplicationID         string          `gorm:"column:application_id;type:varchar(32);uniqueIndex;not null;comment:申请ID"`
	CustomerID            string          `gorm:"column:customer_id;type:varchar(32);index;not null;comment:客户ID"`
	ProductCode           string          `gorm:"column:product_code;type:varchar(32);not null;comment:产品编码"`
	RequestedAmount       decimal.Decimal `gorm:"column:requested_amount;type:decimal(18,2);not null;comment:申请金额"`
	RequestedTenureMonths int             `gorm:"column:requested_tenure_months;not null;comment:申请期数"`
	ApprovedAmount        decimal.Decimal `gorm:"column:approved_amount;type:decimal(18,2);not null;default:0;comment:批复金额"`
	ApprovedTenureMonths  int             `gorm:"column:approved_tenure_months;not null;default:0;comment:批复期数"`
	InterestRate          decimal.Decimal `gorm:"column:interest_rate;type:decimal(8,4);not null;comment:年化利率"`
	ProcessingFee         decimal.Decimal `gorm:"column:processing_fee;type:decimal(18,2);not null;default:0;comment:手续费"`
	CollateralIDs         string          `gorm:"column:collateral_ids;type:json;comment:质押品ID列表"`
	TotalCollateralValue  decimal.Decimal `gorm:"column:total_collateral_value;type:decimal(18,2);not null;default:0;comment:质押品总市值"`
	EligibleLoanAmount    decimal.Decimal `gorm:"column:eligible_loan_amount;type:decimal(18,2);not null;default:0;comment:可贷额度合计"`
	Status                string          `gorm:"column:status;type:varchar(32);not null;index;comment:状态"`
	Source                string          `gorm:"column:source;type:varchar(16);not null;comment:来源渠道"`
	APIRequestID          string          `gorm:"column:api_request_id;type:varchar(36);comment:API请求ID"`
	SubmittedAt           time.Time       `gorm:"column:submitted_at;not null;comment:提交时间"`
	ExpiresAt             time.Time       `gorm:"column:expires_at;not null;index;comment:有效期"`
	ApprovedAt            *time.Time      `gorm:"column:approved_at;comment:批复时间"`
	DisbursedAt           *time.Time      `gorm:"column:disbursed_at;comment:放款时间"`
	LoanID                string          `gorm:"column:loan_id;type:varchar(32);index;comment:贷款ID"`
	RejectionReason       string          `gorm:"column:rejection_reason;type:text;comment:拒绝原因"`
	Version               int64           `gorm:"column:version;not null;default:0;comment:聚合版本"`
}

func (ApplicationModel) TableName() string { return "loan_applications" }

// StatusHistoryModel 状态流转审计写模型，只增不改
type StatusHistoryModel struct {
	gorm.Model
	ApplicationID string    `gorm:"column:application_id;type:varchar(32);index;not null;comment:申请ID"`
	Status        string    `gorm:"column:status;type:varchar(32);not null;comment:状态"`
	Timestamp     time.Time `gorm:"column:timestamp;not null;comment:流转时间"`
	Remarks       string    `gorm:"column:remarks;type:text;comment:备注"`
}

func (StatusHistoryModel) TableName() string { return "application_status_history" }

// ProductModel 产品条款写模型
type ProductModel struct {
	gorm.Model
	ProductCode             string          `gorm:"column:product_code;type:varchar(32);uniqueIndex;not null;comment:产品编码"`
	Name                    string          `gorm:"column:name;type:varchar(128);not null;comment:产品名称"`
	InterestRate            decimal.Decimal `gorm:"column:interest_rate;type:decimal(8,4);not null;comment:年化利率"`
	MinAmount               decimal.Decimal `gorm:"column:min_amount;type:decimal(18,2);not null;comment:金额下限"`
	MaxAmount               decimal.Decimal `gorm:"column:max_amount;type:decimal(18,2);not null;comment:金额上限"`
	MinTenureMonths         int             `gorm:"column:min_tenure_months;not null;comment:期数下限"`
	MaxTenureMonths         int             `gorm:"column:max_tenure_months;not null;comment:期数上限"`
	ProcessingFeePercent    decimal.Decimal `gorm:"column:processing_fee_percent;type:decimal(8,4);not null;default:0;comment:手续费率"`
	PrepaymentChargePercent decimal.Decimal `gorm:"column:prepayment_charge_percent;type:decimal(8,4);not null;default:0;comment:提前结清费率"`
	Active                  bool            `gorm:"column:active;not null;default:true;comment:是否在售"`
}

func (ProductModel) TableName() string { return "loan_products" }

func toApplicationModel(a *domain.LoanApplication) *ApplicationModel {
	collateralIDs, _ := json.Marshal(a.CollateralIDs)
	return &ApplicationModel{
		Model: gorm.Model{
			CreatedAt: a.CreatedAt,
			UpdatedAt: a.UpdatedAt,
		},
		ApplicationID:         a.ApplicationID,
		CustomerID:            a.CustomerID,
		ProductCode:           a.ProductCode,
		RequestedAmount:       a.RequestedAmount,
		RequestedTenureMonths: a.RequestedTenureMonths,
		ApprovedAmount:        a.ApprovedAmount,
		ApprovedTenureMonths:  a.ApprovedTenureMonths,
		InterestRate:          a.InterestRate,
		ProcessingFee:         a.ProcessingFee,
		CollateralIDs:         string(collateralIDs),
		TotalCollateralValue:  a.TotalCollateralValue,
		EligibleLoanAmount:    a.EligibleLoanAmount,
		Status:                string(a.Status),
		Source:                string(a.Source),
		APIRequestID:          a.APIRequestID,
		SubmittedAt:           a.SubmittedAt,
		ExpiresAt:             a.ExpiresAt,
		ApprovedAt:            a.ApprovedAt,
		DisbursedAt:           a.DisbursedAt,
		LoanID:                a.LoanID,
		RejectionReason:       a.RejectionReason,
		Version:               a.Version,
	}
}

func toApplicationDomain(m *ApplicationModel, history []StatusHistoryModel) *domain.LoanApplication {
	var collateralIDs []string
	if m.CollateralIDs != "" {
		_ = json.Unmarshal([]byte(m.CollateralIDs), &collateralIDs)
	}

	statusHistory := make([]domain.StatusChange, len(history))
	for i, h := range history {
		statusHistory[i] = domain.StatusChange{
			Status:    domain.ApplicationStatus(h.Status),
			Timestamp: h.Timestamp,
			Remarks:   h.Remarks,
		}
	}

	return &domain.LoanApplication{
		ApplicationID:         m.ApplicationID,
		CustomerID:            m.CustomerID,
		ProductCode:           m.ProductCode,
		RequestedAmount:       m.RequestedAmount,
		RequestedTenureMonths: m.RequestedTenureMonths,
		ApprovedAmount:        m.ApprovedAmount,
		ApprovedTenureMonths:  m.ApprovedTenureMonths,
		InterestRate:          m.InterestRate,
		ProcessingFee:         m.ProcessingFee,
		CollateralIDs:         collateralIDs,
		TotalCollateralValue:  m.TotalCollateralValue,
		EligibleLoanAmount:    m.EligibleLoanAmount,
		Status:                domain.ApplicationStatus(m.Status),
		StatusHistory:         statusHistory,
		Source:                domain.ApplicationSource(m.Source),
		APIRequestID:          m.APIRequestID,
		SubmittedAt:           m.SubmittedAt,
		ExpiresAt:             m.ExpiresAt,
		ApprovedAt:            m.ApprovedAt,
		DisbursedAt:           m.DisbursedAt,
		LoanID:                m.LoanID,
		RejectionReason:       m.RejectionReason,
		Version:               m.Version,
		CreatedAt:             m.CreatedAt,
		UpdatedAt:             m.UpdatedAt,
	}
}

func toHistoryModels(applicationID string, history []domain.StatusChange) []StatusHistoryModel {
	models := make([]StatusHistoryModel, len(history))
	for i, h := range history {
		models[i] = StatusHistoryModel{
			ApplicationID: applicationID,
			Status:        string(h.Status),
			Timestamp:     h.Timestamp,
			Remarks:       h.Remarks,
		}
	}
	return models
}

func toProductDomain(m *ProductModel) *domain.LoanProduct {
	return &domain.LoanProduct{
		ProductCode:             m.ProductCode,
		Name:                    m.Name,
		InterestRate:            m.InterestRate,
		MinAmount:               m.MinAmount,
		MaxAmount:               m.MaxAmount,
		MinTenureMonths:         m.MinTenureMonths,
		MaxTenureMonths:         m.MaxTenureMonths,
		ProcessingFeePercent:    m.ProcessingFeePercent,
		PrepaymentChargePercent: m.PrepaymentChargePercent,
		Active:                  m.Active,
	}
}
