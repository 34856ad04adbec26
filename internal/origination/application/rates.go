package application

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/lamf/internal/origination/domain"
)

// ProductRateLookup 以产品条款仓储回答贷后费率查询
type ProductRateLookup struct {
	products domain.ProductRepository
}

// NewProductRateLookup 创建费率查询适配器
func NewProductRateLookup(products domain.ProductRepository) *ProductRateLookup {
	return &ProductRateLookup{products: products}
}

// ForeclosureChargePercent 提前结清费率，按产品条款返回
func (l *ProductRateLookup) ForeclosureChargePercent(ctx context.Context, productCode string) (decimal.Decimal, error) {
	product, err := l.products.Get(ctx, productCode)
	if err != nil {
		return decimal.Zero, err
	}
	return product.PrepaymentChargePercent, nil
}
