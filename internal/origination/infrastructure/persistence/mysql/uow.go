// 放款组合操作的事务实现：申请终态、建贷与质押品挂接同库同事务提交
package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	collateralmysql "github.com/wyfcoding/lamf/internal/collateral/infrastructure/persistence/mysql"
	loandomain "github.com/wyfcoding/lamf/internal/loan/domain"
	loanmysql "github.com/wyfcoding/lamf/internal/loan/infrastructure/persistence/mysql"
	"github.com/wyfcoding/lamf/internal/origination/application"
	"github.com/wyfcoding/lamf/internal/origination/domain"
)

// GormUnitOfWork 基于 gorm 事务的 UnitOfWork 实现
type GormUnitOfWork struct {
	db *gorm.DB
}

// NewUnitOfWork 创建事务边界
func NewUnitOfWork(db *gorm.DB) *GormUnitOfWork {
	return &GormUnitOfWork{db: db}
}

// WithinTx 在单一数据库事务内执行 fn
func (u *GormUnitOfWork) WithinTx(ctx context.Context, fn func(repos application.TxRepos) error) error {
	return u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txRepos{tx: tx})
	})
}

type txRepos struct {
	tx *gorm.DB
}

func (r *txRepos) SaveApplication(app *domain.LoanApplication) error {
	return SaveTx(r.tx, app)
}

func (r *txRepos) CreateLoan(loan *loandomain.Loan) error {
	return loanmysql.CreateTx(r.tx, loan)
}

// LinkCollateralToLoan 质押品挂接贷款。引用只设置一次：已挂接或不存在都视为失败，
// 由外层事务整体回滚。
func (r *txRepos) LinkCollateralToLoan(collateralID, loanID string) error {
	result := r.tx.Model(&collateralmysql.CollateralModel{}).
		Where("collateral_id = ? AND (loan_id = '' OR loan_id IS NULL)", collateralID).
		Updates(map[string]interface{}{
			"loan_id":    loanID,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("collateral %s missing or already linked", collateralID)
	}
	return nil
}
