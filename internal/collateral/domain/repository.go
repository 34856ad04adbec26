package domain

import "context"

// CollateralRepository 质押品仓储。Save 基于版本号乐观锁，
// 冲突返回 ErrConcurrentModification。
type CollateralRepository interface {
	Create(ctx context.Context, collateral *Collateral) error
	Get(ctx context.Context, collateralID string) (*Collateral, error)
	Save(ctx context.Context, collateral *Collateral) error
	ListByLoan(ctx context.Context, loanID string) ([]*Collateral, error)
	ListByApplication(ctx context.Context, applicationID string) ([]*Collateral, error)
	ListByIsin(ctx context.Context, isin string) ([]*Collateral, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*Collateral, error)
}
