package mysql

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/wyfcoding/lamf/internal/origination/domain"
)

// ProductMySQLRepository 产品条款 MySQL 仓储实现 (只读)
type ProductMySQLRepository struct {
	db *gorm.DB
}

// NewProductRepository 创建产品仓储
func NewProductRepository(db *gorm.DB) domain.ProductRepository {
	return &ProductMySQLRepository{db: db}
}

// Get 按产品编码查询
func (r *ProductMySQLRepository) Get(ctx context.Context, productCode string) (*domain.LoanProduct, error) {
	var model ProductModel
	if err := r.db.WithContext(ctx).Where("product_code = ?", productCode).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrProductNotFound
		}
		return nil, err
	}
	return toProductDomain(&model), nil
}

// List 全部在售产品
func (r *ProductMySQLRepository) List(ctx context.Context) ([]*domain.LoanProduct, error) {
	var models []ProductModel
	if err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("product_code").
		Find(&models).Error; err != nil {
		return nil, err
	}

	products := make([]*domain.LoanProduct, len(models))
	for i := range models {
		products[i] = toProductDomain(&models[i])
	}
	return products, nil
}
