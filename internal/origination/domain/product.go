package domain

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// LoanProduct 贷款产品条款。产品目录维护不在本系统范围内，只读使用。
type LoanProduct struct {
	ProductCode             string          `json:"productCode"`
	Name                    string          `json:"name"`
	InterestRate            decimal.Decimal `json:"interestRate"`
	MinAmount               decimal.Decimal `json:"minAmount"`
	MaxAmount               decimal.Decimal `json:"maxAmount"`
	MinTenureMonths         int             `json:"minTenureMonths"`
	MaxTenureMonths         int             `json:"maxTenureMonths"`
	ProcessingFeePercent    decimal.Decimal `json:"processingFeePercent"`
	PrepaymentChargePercent decimal.Decimal `json:"prepaymentChargePercent"`
	Active                  bool            `json:"active"`
}

// ValidateRequest 校验申请金额与期数是否落在产品区间内
func (p *LoanProduct) ValidateRequest(amount decimal.Decimal, tenureMonths int) error {
	if !p.Active {
		return fmt.Errorf("%w: product %s is inactive", ErrInvalidInput, p.ProductCode)
	}
	if amount.LessThan(p.MinAmount) || amount.GreaterThan(p.MaxAmount) {
		return fmt.Errorf("%w: amount must be between %s and %s",
			ErrInvalidInput, p.MinAmount, p.MaxAmount)
	}
	if tenureMonths < p.MinTenureMonths || tenureMonths > p.MaxTenureMonths {
		return fmt.Errorf("%w: tenure must be between %d and %d months",
			ErrInvalidInput, p.MinTenureMonths, p.MaxTenureMonths)
	}
	return nil
}

// ProductRepository 产品条款只读仓储
type ProductRepository interface {
	Get(ctx context.Context, productCode string) (*LoanProduct, error)
	List(ctx context.Context) ([]*LoanProduct, error)
}
