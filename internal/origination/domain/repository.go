package domain

import (
	"context"
	"time"
)

// ApplicationRepository 申请仓储。Save 基于版本号乐观锁，
// 冲突返回 ErrConcurrentModification。
type ApplicationRepository interface {
	Create(ctx context.Context, application *LoanApplication) error
	Get(ctx context.Context, applicationID string) (*LoanApplication, error)
	Save(ctx context.Context, application *LoanApplication) error
	ListByCustomer(ctx context.Context, customerID string) ([]*LoanApplication, error)
	ListByStatus(ctx context.Context, statuses ...ApplicationStatus) ([]*LoanApplication, error)
	ListExpirable(ctx context.Context, before time.Time) ([]*LoanApplication, error)
}
