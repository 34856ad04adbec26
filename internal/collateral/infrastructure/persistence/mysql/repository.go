// 质押品 MySQL 仓储：collaterals 主表 + collateral_nav_history 历史表，
// 主表 version 乐观锁，历史表只增。
package mysql

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/lamf/internal/collateral/domain"
)

// CollateralModel 质押品写模型
type CollateralModel struct {
	gorm.Model
	CollateralID        string          `gorm:"column:collateral_id;type:varchar(32);uniqueIndex;not null;comment:质押品ID"`
	CustomerID          string          `gorm:"column:customer_id;type:varchar(32);index;not null;comment:客户ID"`
	ApplicationID       string          `gorm:"column:application_id;type:varchar(32);index;comment:申请ID"`
	LoanID              string          `gorm:"column:loan_id;type:varchar(32);index;comment:贷款ID"`
	FundHouse           string          `gorm:"column:fund_house;type:varchar(128);not null;comment:基金公司"`
	SchemeName          string          `gorm:"column:scheme_name;type:varchar(255);not null;comment:基金名称"`
	Isin                string          `gorm:"column:isin;type:varchar(12);index;not null;comment:ISIN"`
	FolioNumber         string          `gorm:"column:folio_number;type:varchar(32);not null;comment:基金账户号"`
	FundType            string          `gorm:"column:fund_type;type:varchar(20);not null;comment:基金类型"`
	Units               decimal.Decimal `gorm:"column:units;type:decimal(18,4);not null;comment:份额"`
	NavAtPledge         decimal.Decimal `gorm:"column:nav_at_pledge;type:decimal(18,4);not null;comment:质押时NAV"`
	CurrentNav          decimal.Decimal `gorm:"column:current_nav;type:decimal(18,4);not null;comment:当前NAV"`
	ValueAtPledge       decimal.Decimal `gorm:"column:value_at_pledge;type:decimal(18,2);not null;comment:质押时市值"`
	CurrentValue        decimal.Decimal `gorm:"column:current_value;type:decimal(18,2);not null;comment:当前市值"`
	LtvPercent          decimal.Decimal `gorm:"column:ltv_percent;type:decimal(8,2);not null;comment:质押率"`
	EligibleLoanAmount  decimal.Decimal `gorm:"column:eligible_loan_amount;type:decimal(18,2);not null;comment:可贷额度"`
	LienID              string          `gorm:"column:lien_id;type:varchar(64);comment:质押登记号"`
	LienReferenceNumber string          `gorm:"column:lien_reference_number;type:varchar(64);comment:托管回执号"`
	LienStatus          string          `gorm:"column:lien_status;type:varchar(20);not null;comment:登记状态"`
	LienMarkDate        *time.Time      `gorm:"column:lien_mark_date;comment:登记时间"`
	Status              string          `gorm:"column:status;type:varchar(20);not null;index;comment:状态"`
	MarginCallTriggered bool            `gorm:"column:margin_call_triggered;not null;default:false;comment:追保标记"`
	MarginCallDate      *time.Time      `gorm:"column:margin_call_date;comment:追保时间"`
	LastValuationDate   *time.Time      `gorm:"column:last_valuation_date;comment:最近估值时间"`
	Version             int64           `gorm:"column:version;not null;default:0;comment:聚合版本"`
}

func (CollateralModel) TableName() string { return "collaterals" }

// NavHistoryModel NAV 历史写模型，只增不改
type NavHistoryModel struct {
	gorm.Model
	CollateralID string          `gorm:"column:collateral_id;type:varchar(32);index;not null;comment:质押品ID"`
	Nav          decimal.Decimal `gorm:"column:nav;type:decimal(18,4);not null;comment:NAV"`
	Value        decimal.Decimal `gorm:"column:value;type:decimal(18,2);not null;comment:市值"`
	RecordedAt   time.Time       `gorm:"column:recorded_at;not null;comment:记录时间"`
}

func (NavHistoryModel) TableName() string { return "collateral_nav_history" }

// CollateralMySQLRepository 质押品 MySQL 仓储实现
type CollateralMySQLRepository struct {
	db *gorm.DB
}

// NewCollateralRepository 创建质押品仓储
func NewCollateralRepository(db *gorm.DB) domain.CollateralRepository {
	return &CollateralMySQLRepository{db: db}
}

// Create 建仓落库
func (r *CollateralMySQLRepository) Create(ctx context.Context, collateral *domain.Collateral) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createCollateralTx(tx, collateral)
	})
}

// CreateTx 在外部事务内建仓，贷前组合操作使用
func CreateTx(tx *gorm.DB, collateral *domain.Collateral) error {
	return createCollateralTx(tx, collateral)
}

func createCollateralTx(tx *gorm.DB, collateral *domain.Collateral) error {
	if err := tx.Create(toModel(collateral)).Error; err != nil {
		return err
	}
	if len(collateral.NavHistory) > 0 {
		return tx.Create(toHistoryModels(collateral.CollateralID, collateral.NavHistory)).Error
	}
	return nil
}

// Get 装配完整聚合
func (r *CollateralMySQLRepository) Get(ctx context.Context, collateralID string) (*domain.Collateral, error) {
	var model CollateralModel
	if err := r.db.WithContext(ctx).Where("collateral_id = ?", collateralID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCollateralNotFound
		}
		return nil, err
	}
	return r.assemble(ctx, &model)
}

// Save 保存聚合变更，version 不匹配返回 ErrConcurrentModification。
// NAV 历史按 (collateral_id, recorded_at, nav) 去重追加，重放安全。
func (r *CollateralMySQLRepository) Save(ctx context.Context, collateral *domain.Collateral) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := toModel(collateral)
		model.Version = collateral.Version + 1

		result := tx.Model(&CollateralModel{}).
			Where("collateral_id = ? AND version = ?", collateral.CollateralID, collateral.Version).
			Select("*").
			Omit("id", "created_at", "collateral_id").
			Updates(model)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrConcurrentModification
		}

		var persisted int64
		if err := tx.Model(&NavHistoryModel{}).
			Where("collateral_id = ?", collateral.CollateralID).
			Count(&persisted).Error; err != nil {
			return err
		}
		if int(persisted) < len(collateral.NavHistory) {
			fresh := toHistoryModels(collateral.CollateralID, collateral.NavHistory[persisted:])
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(fresh).Error; err != nil {
				return err
			}
		}

		collateral.Version = model.Version
		return nil
	})
}

// ListByLoan 贷款名下质押品
func (r *CollateralMySQLRepository) ListByLoan(ctx context.Context, loanID string) ([]*domain.Collateral, error) {
	return r.list(ctx, "loan_id = ?", loanID)
}

// ListByApplication 申请名下质押品
func (r *CollateralMySQLRepository) ListByApplication(ctx context.Context, applicationID string) ([]*domain.Collateral, error) {
	return r.list(ctx, "application_id = ?", applicationID)
}

// ListByIsin 同一基金的全部质押品，NAV 行情生效用
func (r *CollateralMySQLRepository) ListByIsin(ctx context.Context, isin string) ([]*domain.Collateral, error) {
	return r.list(ctx, "isin = ? AND status = ?", isin, string(domain.CollateralStatusActive))
}

// ListByCustomer 客户名下质押品
func (r *CollateralMySQLRepository) ListByCustomer(ctx context.Context, customerID string) ([]*domain.Collateral, error) {
	return r.list(ctx, "customer_id = ?", customerID)
}

func (r *CollateralMySQLRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.Collateral, error) {
	var models []CollateralModel
	if err := r.db.WithContext(ctx).
		Where(query, args...).
		Order("collateral_id").
		Find(&models).Error; err != nil {
		return nil, err
	}

	collaterals := make([]*domain.Collateral, 0, len(models))
	for i := range models {
		c, err := r.assemble(ctx, &models[i])
		if err != nil {
			return nil, err
		}
		collaterals = append(collaterals, c)
	}
	return collaterals, nil
}

func (r *CollateralMySQLRepository) assemble(ctx context.Context, model *CollateralModel) (*domain.Collateral, error) {
	var history []NavHistoryModel
	if err := r.db.WithContext(ctx).
		Where("collateral_id = ?", model.CollateralID).
		Order("recorded_at, id").
		Find(&history).Error; err != nil {
		return nil, err
	}
	return toDomain(model, history), nil
}

func toModel(c *domain.Collateral) *CollateralModel {
	return &CollateralModel{
		Model: gorm.Model{
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		},
		CollateralID:        c.CollateralID,
		CustomerID:          c.CustomerID,
		ApplicationID:       c.ApplicationID,
		LoanID:              c.LoanID,
		FundHouse:           c.FundHouse,
		SchemeName:          c.SchemeName,
		Isin:                c.Isin,
		FolioNumber:         c.FolioNumber,
		FundType:            string(c.FundType),
		Units:               c.Units,
		NavAtPledge:         c.NavAtPledge,
		CurrentNav:          c.CurrentNav,
		ValueAtPledge:       c.ValueAtPledge,
		CurrentValue:        c.CurrentValue,
		LtvPercent:          c.LtvPercent,
		EligibleLoanAmount:  c.EligibleLoanAmount,
		LienID:              c.LienID,
		LienReferenceNumber: c.LienReferenceNumber,
		LienStatus:          string(c.LienStatus),
		LienMarkDate:        c.LienMarkDate,
		Status:              string(c.Status),
		MarginCallTriggered: c.MarginCallTriggered,
		MarginCallDate:      c.MarginCallDate,
		LastValuationDate:   c.LastValuationDate,
		Version:             c.Version,
	}
}

func toDomain(m *CollateralModel, history []NavHistoryModel) *domain.Collateral {
	navHistory := make([]domain.NavRecord, len(history))
	for i, h := range history {
		navHistory[i] = domain.NavRecord{
			Nav:        h.Nav,
			Value:      h.Value,
			RecordedAt: h.RecordedAt,
		}
	}

	return &domain.Collateral{
		CollateralID:        m.CollateralID,
		CustomerID:          m.CustomerID,
		ApplicationID:       m.ApplicationID,
		LoanID:              m.LoanID,
		FundHouse:           m.FundHouse,
		SchemeName:          m.SchemeName,
		Isin:                m.Isin,
		FolioNumber:         m.FolioNumber,
		FundType:            domain.FundType(m.FundType),
		Units:               m.Units,
		NavAtPledge:         m.NavAtPledge,
		CurrentNav:          m.CurrentNav,
		ValueAtPledge:       m.ValueAtPledge,
		CurrentValue:        m.CurrentValue,
		LtvPercent:          m.LtvPercent,
		EligibleLoanAmount:  m.EligibleLoanAmount,
		LienID:              m.LienID,
		LienReferenceNumber: m.LienReferenceNumber,
		LienStatus:          domain.LienStatus(m.LienStatus),
		LienMarkDate:        m.LienMarkDate,
		Status:              domain.CollateralStatus(m.Status),
		NavHistory:          navHistory,
		MarginCallTriggered: m.MarginCallTriggered,
		MarginCallDate:      m.MarginCallDate,
		LastValuationDate:   m.LastValuationDate,
		Version:             m.Version,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func toHistoryModels(collateralID string, history []domain.NavRecord) []NavHistoryModel {
	models := make([]NavHistoryModel, len(history))
	for i, h := range history {
		models[i] = NavHistoryModel{
			CollateralID: collateralID,
			Nav:          h.Nav,
			Value:        h.Value,
			RecordedAt:   h.RecordedAt,
		}
	}
	return models
}
