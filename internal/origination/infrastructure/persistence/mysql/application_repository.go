// 申请 MySQL 仓储：loan_applications 主表 + application_status_history 审计表，
// 主表 version 乐观锁，审计表只增。
package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/lamf/internal/origination/domain"
)

// ApplicationMySQLRepository 申请 MySQL 仓储实现
type ApplicationMySQLRepository struct {
	db *gorm.DB
}

// NewApplicationRepository 创建申请仓储
func NewApplicationRepository(db *gorm.DB) domain.ApplicationRepository {
	return &ApplicationMySQLRepository{db: db}
}

// Create 建件落库
func (r *ApplicationMySQLRepository) Create(ctx context.Context, application *domain.LoanApplication) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toApplicationModel(application)).Error; err != nil {
			return err
		}
		if len(application.StatusHistory) > 0 {
			return tx.Create(toHistoryModels(application.ApplicationID, application.StatusHistory)).Error
		}
		return nil
	})
}

// Get 装配完整聚合
func (r *ApplicationMySQLRepository) Get(ctx context.Context, applicationID string) (*domain.LoanApplication, error) {
	var model ApplicationModel
	if err := r.db.WithContext(ctx).Where("application_id = ?", applicationID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrApplicationNotFound
		}
		return nil, err
	}
	return r.assemble(ctx, &model)
}

// Save 保存聚合变更，version 不匹配返回 ErrConcurrentModification。
// 状态历史按落库数量差值追加，重放安全。
func (r *ApplicationMySQLRepository) Save(ctx context.Context, application *domain.LoanApplication) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := saveApplicationTx(tx, application); err != nil {
			return err
		}
		return nil
	})
}

// SaveTx 在外部事务内保存申请，放款组合操作使用
func SaveTx(tx *gorm.DB, application *domain.LoanApplication) error {
	return saveApplicationTx(tx, application)
}

func saveApplicationTx(tx *gorm.DB, application *domain.LoanApplication) error {
	model := toApplicationModel(application)
	model.Version = application.Version + 1

	result := tx.Model(&ApplicationModel{}).
		Where("application_id = ? AND version = ?", application.ApplicationID, application.Version).
		Select("*").
		Omit("id", "created_at", "application_id").
		Updates(model)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}

	var persisted int64
	if err := tx.Model(&StatusHistoryModel{}).
		Where("application_id = ?", application.ApplicationID).
		Count(&persisted).Error; err != nil {
		return err
	}
	if int(persisted) < len(application.StatusHistory) {
		fresh := toHistoryModels(application.ApplicationID, application.StatusHistory[persisted:])
		if err := tx.Create(fresh).Error; err != nil {
			return err
		}
	}

	application.Version = model.Version
	return nil
}

// ListByCustomer 客户名下申请
func (r *ApplicationMySQLRepository) ListByCustomer(ctx context.Context, customerID string) ([]*domain.LoanApplication, error) {
	var models []ApplicationModel
	if err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return r.assembleAll(ctx, models)
}

// ListByStatus 按状态集合列出申请
func (r *ApplicationMySQLRepository) ListByStatus(ctx context.Context, statuses ...domain.ApplicationStatus) ([]*domain.LoanApplication, error) {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	var models []ApplicationModel
	if err := r.db.WithContext(ctx).
		Where("status IN ?", values).
		Order("application_id").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return r.assembleAll(ctx, models)
}

// ListExpirable 审批前阶段且已过有效期的申请
func (r *ApplicationMySQLRepository) ListExpirable(ctx context.Context, before time.Time) ([]*domain.LoanApplication, error) {
	preApproval := []string{
		string(domain.ApplicationStatusDraft),
		string(domain.ApplicationStatusSubmitted),
		string(domain.ApplicationStatusUnderReview),
		string(domain.ApplicationStatusDocumentsPending),
		string(domain.ApplicationStatusCollateralVerification),
		string(domain.ApplicationStatusCreditCheck),
	}

	var models []ApplicationModel
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at < ?", preApproval, before).
		Order("application_id").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return r.assembleAll(ctx, models)
}

func (r *ApplicationMySQLRepository) assemble(ctx context.Context, model *ApplicationModel) (*domain.LoanApplication, error) {
	var history []StatusHistoryModel
	if err := r.db.WithContext(ctx).
		Where("application_id = ?", model.ApplicationID).
		Order("timestamp, id").
		Find(&history).Error; err != nil {
		return nil, err
	}
	return toApplicationDomain(model, history), nil
}

func (r *ApplicationMySQLRepository) assembleAll(ctx context.Context, models []ApplicationModel) ([]*domain.LoanApplication, error) {
	applications := make([]*domain.LoanApplication, 0, len(models))
	for i := range models {
		app, err := r.assemble(ctx, &models[i])
		if err != nil {
			return nil, err
		}
		applications = append(applications, app)
	}
	return applications, nil
}
