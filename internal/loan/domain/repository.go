package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// StatusSummary 按状态汇总的组合视图行
type StatusSummary struct {
	Status           LoanStatus      `json:"status"`
	Count            int64           `json:"count"`
	TotalDisbursed   decimal.Decimal `json:"totalDisbursed"`
	TotalOutstanding decimal.Decimal `json:"totalOutstanding"`
}

// LoanRepository 贷款仓储。Save 基于版本号乐观锁，
// 版本冲突返回 ErrConcurrentModification。
type LoanRepository interface {
	Create(ctx context.Context, loan *Loan) error
	Get(ctx context.Context, loanID string) (*Loan, error)
	Save(ctx context.Context, loan *Loan) error
	ListByStatus(ctx context.Context, statuses ...LoanStatus) ([]*Loan, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*Loan, error)
	ListMarginCalled(ctx context.Context) ([]*Loan, error)
	StatusSummary(ctx context.Context) ([]StatusSummary, error)
}
