// 贷款 MySQL 仓储：聚合由 loans / loan_installments / loan_payments 三表组成，
// 保存走单事务，主表基于 version 乐观锁，流水表只增。
package mysql

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/lamf/internal/loan/domain"
)

// LoanMySQLRepository 贷款 MySQL 仓储实现
type LoanMySQLRepository struct {
	db *gorm.DB
}

// NewLoanRepository 创建贷款仓储
func NewLoanRepository(db *gorm.DB) domain.LoanRepository {
	return &LoanMySQLRepository{db: db}
}

// Create 建贷：主表、计划表、流水一次事务落库
func (r *LoanMySQLRepository) Create(ctx context.Context, loan *domain.Loan) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return createLoanTx(tx, loan)
	})
}

// CreateTx 在外部事务内建贷，放款组合操作使用
func CreateTx(tx *gorm.DB, loan *domain.Loan) error {
	return createLoanTx(tx, loan)
}

func createLoanTx(tx *gorm.DB, loan *domain.Loan) error {
	if err := tx.Create(toLoanModel(loan)).Error; err != nil {
		return err
	}
	if len(loan.Schedule) > 0 {
		if err := tx.Create(toInstallmentModels(loan.LoanID, loan.Schedule)).Error; err != nil {
			return err
		}
	}
	if len(loan.Payments) > 0 {
		if err := tx.Create(toPaymentModels(loan.LoanID, loan.Payments)).Error; err != nil {
			return err
		}
	}
	return nil
}

// Get 装配完整聚合
func (r *LoanMySQLRepository) Get(ctx context.Context, loanID string) (*domain.Loan, error) {
	var model LoanModel
	if err := r.db.WithContext(ctx).Where("loan_id = ?", loanID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrLoanNotFound
		}
		return nil, err
	}
	return r.assemble(ctx, &model)
}

// Save 保存聚合变更。version 不匹配返回 ErrConcurrentModification。
func (r *LoanMySQLRepository) Save(ctx context.Context, loan *domain.Loan) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := toLoanModel(loan)
		model.Version = loan.Version + 1

		result := tx.Model(&LoanModel{}).
			Where("loan_id = ? AND version = ?", loan.LoanID, loan.Version).
			Select("*").
			Omit("id", "created_at", "loan_id").
			Updates(model)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrConcurrentModification
		}

		installments := toInstallmentModels(loan.LoanID, loan.Schedule)
		if len(installments) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "loan_id"}, {Name: "installment_number"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"paid_amount", "status", "paid_date", "payment_reference_number", "updated_at",
				}),
			}).Create(installments).Error; err != nil {
				return err
			}
		}

		payments := toPaymentModels(loan.LoanID, loan.Payments)
		if len(payments) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "payment_id"}},
				DoNothing: true,
			}).Create(payments).Error; err != nil {
				return err
			}
		}

		loan.Version = model.Version
		return nil
	})
}

// ListByStatus 按状态集合列出贷款 (装配完整聚合，巡检用)
func (r *LoanMySQLRepository) ListByStatus(ctx context.Context, statuses ...domain.LoanStatus) ([]*domain.Loan, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	var models []LoanModel
	if err := r.db.WithContext(ctx).
		Where("status IN ?", values).
		Order("loan_id").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return r.assembleAll(ctx, models)
}

// ListByCustomer 客户名下贷款
func (r *LoanMySQLRepository) ListByCustomer(ctx context.Context, customerID string) ([]*domain.Loan, error) {
	var models []LoanModel
	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return r.assembleAll(ctx, models)
}

// ListMarginCalled 追加保证金未解除的贷款
func (r *LoanMySQLRepository) ListMarginCalled(ctx context.Context) ([]*domain.Loan, error) {
	var models []LoanModel
	if err := r.db.WithContext(ctx).
		Where("margin_call_status = ?", string(domain.MarginCallStatusTriggered)).
		Order("last_margin_call_date DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return r.assembleAll(ctx, models)
}

// StatusSummary 按状态汇总
func (r *LoanMySQLRepository) StatusSummary(ctx context.Context) ([]domain.StatusSummary, error) {
	type row struct {
		Status           string
		Count            int64
		TotalDisbursed   decimal.NullDecimal
		TotalOutstanding decimal.NullDecimal
	}

	var rows []row
	if err := r.db.WithContext(ctx).
		Model(&LoanModel{}).
		Select("status, COUNT(*) AS count, SUM(principal_amount) AS total_disbursed, SUM(total_outstanding) AS total_outstanding").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	summary := make([]domain.StatusSummary, len(rows))
	for i, rw := range rows {
		summary[i] = domain.StatusSummary{
			Status:           domain.LoanStatus(rw.Status),
			Count:            rw.Count,
			TotalDisbursed:   rw.TotalDisbursed.Decimal,
			TotalOutstanding: rw.TotalOutstanding.Decimal,
		}
	}
	return summary, nil
}

func (r *LoanMySQLRepository) assemble(ctx context.Context, model *LoanModel) (*domain.Loan, error) {
	var installments []InstallmentModel
	if err := r.db.WithContext(ctx).
		Where("loan_id = ?", model.LoanID).
		Order("installment_number").
		Find(&installments).Error; err != nil {
		return nil, err
	}

	var payments []PaymentModel
	if err := r.db.WithContext(ctx).
		Where("loan_id = ?", model.LoanID).
		Order("payment_date, id").
		Find(&payments).Error; err != nil {
		return nil, err
	}

	return toLoanDomain(model, installments, payments), nil
}

func (r *LoanMySQLRepository) assembleAll(ctx context.Context, models []LoanModel) ([]*domain.Loan, error) {
	loans := make([]*domain.Loan, 0, len(models))
	for i := range models {
		loan, err := r.assemble(ctx, &models[i])
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, nil
}
