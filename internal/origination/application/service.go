// 贷前应用服务：申请受理、审批流转、有效期巡检与放款组合操作。
// 放款在单一数据库事务内完成申请终态、建贷与质押品挂接，对外不可见中间态。
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	loandomain "github.com/wyfcoding/lamf/internal/loan/domain"
	"github.com/wyfcoding/lamf/internal/origination/domain"
	"github.com/wyfcoding/lamf/pkg/ids"
	"github.com/wyfcoding/lamf/pkg/metrics"
)

const maxSaveAttempts = 3

// CollateralPort 质押品上下文端口
type CollateralPort interface {
	AttachToApplication(ctx context.Context, collateralIDs []string, applicationID string) (totalValue, eligibleAmount decimal.Decimal, err error)
	ApplicationSummary(ctx context.Context, applicationID string) (totalValue, eligibleAmount decimal.Decimal, err error)
	MarkLiens(ctx context.Context, applicationID string) error
}

// TxRepos 放款事务内可用的写操作集合
type TxRepos interface {
	SaveApplication(application *domain.LoanApplication) error
	CreateLoan(loan *loandomain.Loan) error
	LinkCollateralToLoan(collateralID, loanID string) error
}

// UnitOfWork 放款组合操作的事务边界
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(repos TxRepos) error) error
}

// CreateApplicationCommand 建件命令
type CreateApplicationCommand struct {
	CustomerID      string                   `json:"customerId"`
	ProductCode     string                   `json:"productCode"`
	RequestedAmount decimal.Decimal          `json:"requestedAmount"`
	TenureMonths    int                      `json:"tenureMonths"`
	CollateralIDs   []string                 `json:"collateralIds"`
	Source          domain.ApplicationSource `json:"source"`
}

// ApproveCommand 审批命令，金额/期数为零表示沿用申请值
type ApproveCommand struct {
	ApprovedAmount       decimal.Decimal `json:"approvedAmount"`
	ApprovedTenureMonths int             `json:"approvedTenureMonths"`
	Remarks              string          `json:"remarks"`
}

// ExpiryReport 过期巡检汇总
type ExpiryReport struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
}

// ApplicationService 贷前应用服务
type ApplicationService struct {
	apps        domain.ApplicationRepository
	products    domain.ProductRepository
	collaterals CollateralPort
	uow         UnitOfWork
	idGen       ids.Generator
	metrics     *metrics.Metrics
	logger      *slog.Logger
	expiryDays  int
	now         func() time.Time
}

// NewApplicationService 创建贷前服务
func NewApplicationService(apps domain.ApplicationRepository, products domain.ProductRepository,
	collaterals CollateralPort, uow UnitOfWork, idGen ids.Generator,
	m *metrics.Metrics, logger *slog.Logger, expiryDays int,
) *ApplicationService {
	if expiryDays <= 0 {
		expiryDays = 30
	}
	return &ApplicationService{
		apps:        apps,
		products:    products,
		collaterals: collaterals,
		uow:         uow,
		idGen:       idGen,
		metrics:     m,
		logger:      logger,
		expiryDays:  expiryDays,
		now:         time.Now,
	}
}

// WithClock 注入时钟，测试用
func (s *ApplicationService) WithClock(now func() time.Time) *ApplicationService {
	s.now = now
	return s
}

// CreateApplication 建件：产品区间校验、质押品挂接与准入校验、手续费计算。
// API 渠道生成 apiRequestId 以便对账。
func (s *ApplicationService) CreateApplication(ctx context.Context, cmd CreateApplicationCommand) (*domain.LoanApplication, error) {
	product, err := s.products.Get(ctx, cmd.ProductCode)
	if err != nil {
		return nil, err
	}

	apiRequestID := ""
	if cmd.Source == domain.SourceAPI {
		apiRequestID = uuid.NewString()
	}

	app, err := domain.NewLoanApplication(
		s.idGen.Next("APP"), cmd.CustomerID, product,
		cmd.RequestedAmount, cmd.TenureMonths,
		cmd.Source, apiRequestID, s.expiryDays, s.now(),
	)
	if err != nil {
		return nil, err
	}

	if len(cmd.CollateralIDs) > 0 {
		totalValue, eligible, err := s.collaterals.AttachToApplication(ctx, cmd.CollateralIDs, app.ApplicationID)
		if err != nil {
			return nil, err
		}
		for _, id := range cmd.CollateralIDs {
			if err := app.AttachCollateral(id, decimal.Zero, decimal.Zero, s.now()); err != nil {
				return nil, err
			}
		}
		app.RefreshCollateralTotals(totalValue, eligible, s.now())
		if err := app.ValidateEligibility(); err != nil {
			return nil, err
		}
	}

	if err := s.apps.Create(ctx, app); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "application created",
		"application_id", app.ApplicationID,
		"customer_id", cmd.CustomerID,
		"requested", cmd.RequestedAmount.String())
	return app, nil
}

// Get 查询申请 (含状态历史)
func (s *ApplicationService) Get(ctx context.Context, applicationID string) (*domain.LoanApplication, error) {
	return s.apps.Get(ctx, applicationID)
}

// ListByCustomer 客户名下申请
func (s *ApplicationService) ListByCustomer(ctx context.Context, customerID string) ([]*domain.LoanApplication, error) {
	return s.apps.ListByCustomer(ctx, customerID)
}

// ListProducts 产品条款列表
func (s *ApplicationService) ListProducts(ctx context.Context) ([]*domain.LoanProduct, error) {
	return s.products.List(ctx)
}

// GetProduct 产品条款
func (s *ApplicationService) GetProduct(ctx context.Context, productCode string) (*domain.LoanProduct, error) {
	return s.products.Get(ctx, productCode)
}

// AddCollateral 申请补充质押品
func (s *ApplicationService) AddCollateral(ctx context.Context, applicationID, collateralID string) (*domain.LoanApplication, error) {
	var updated *domain.LoanApplication
	err := s.withRetry(ctx, applicationID, func(app *domain.LoanApplication) error {
		if err := app.AttachCollateral(collateralID, decimal.Zero, decimal.Zero, s.now()); err != nil {
			return err
		}
		if _, _, err := s.collaterals.AttachToApplication(ctx, []string{collateralID}, applicationID); err != nil {
			return err
		}
		fullValue, fullEligible, err := s.collaterals.ApplicationSummary(ctx, applicationID)
		if err != nil {
			return err
		}
		app.RefreshCollateralTotals(fullValue, fullEligible, s.now())
		updated = app
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateStatus 审批流转 (提交/审核/补件/核押/征信/拒绝/取消)
func (s *ApplicationService) UpdateStatus(ctx context.Context, applicationID string, target domain.ApplicationStatus, remarks string) (*domain.LoanApplication, error) {
	at := s.now()
	var updated *domain.LoanApplication
	err := s.withRetry(ctx, applicationID, func(app *domain.LoanApplication) error {
		if target == domain.ApplicationStatusApproved {
			return s.approveLocked(ctx, app, ApproveCommand{Remarks: remarks}, at)
		}
		if err := app.UpdateStatus(ctx, target, remarks, at); err != nil {
			return err
		}
		updated = app
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return s.apps.Get(ctx, applicationID)
	}
	return updated, nil
}

// Approve 审批通过：准入复核、改批金额、质押品 lien 登记
func (s *ApplicationService) Approve(ctx context.Context, applicationID string, cmd ApproveCommand) (*domain.LoanApplication, error) {
	at := s.now()
	var approved *domain.LoanApplication
	err := s.withRetry(ctx, applicationID, func(app *domain.LoanApplication) error {
		if err := s.approveLocked(ctx, app, cmd, at); err != nil {
			return err
		}
		approved = app
		return nil
	})
	if err != nil {
		return nil, err
	}
	if approved == nil {
		return s.apps.Get(ctx, applicationID)
	}
	return approved, nil
}

func (s *ApplicationService) approveLocked(ctx context.Context, app *domain.LoanApplication, cmd ApproveCommand, at time.Time) error {
	totalValue, eligible, err := s.collaterals.ApplicationSummary(ctx, app.ApplicationID)
	if err != nil {
		return err
	}
	app.RefreshCollateralTotals(totalValue, eligible, at)
	if err := app.ValidateEligibility(); err != nil {
		return err
	}
	if err := app.Approve(ctx, cmd.ApprovedAmount, cmd.ApprovedTenureMonths, cmd.Remarks, at); err != nil {
		return err
	}
	if err := s.collaterals.MarkLiens(ctx, app.ApplicationID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "application approved",
		"application_id", app.ApplicationID,
		"approved_amount", app.ApprovedAmount.String())
	return nil
}

// Disburse 放款组合操作：建贷 + 质押品挂接 + 申请终态，单事务提交
func (s *ApplicationService) Disburse(ctx context.Context, applicationID string) (*loandomain.Loan, error) {
	app, err := s.apps.Get(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if app.Status != domain.ApplicationStatusApproved {
		return nil, fmt.Errorf("%w: disbursement requires an approved application, got %s",
			domain.ErrInvalidApplicationState, app.Status)
	}

	totalValue, _, err := s.collaterals.ApplicationSummary(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	at := s.now()
	loan, err := loandomain.NewLoan(
		s.idGen.Next("LN"), app.ApplicationID, app.CustomerID, app.ProductCode,
		app.ApprovedAmount, app.InterestRate, app.ApprovedTenureMonths,
		app.CollateralIDs, totalValue, at,
	)
	if err != nil {
		return nil, err
	}

	if err := app.MarkDisbursed(ctx, loan.LoanID, at); err != nil {
		return nil, err
	}

	err = s.uow.WithinTx(ctx, func(repos TxRepos) error {
		if err := repos.SaveApplication(app); err != nil {
			return err
		}
		if err := repos.CreateLoan(loan); err != nil {
			return err
		}
		for _, collateralID := range app.CollateralIDs {
			if err := repos.LinkCollateralToLoan(collateralID, loan.LoanID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.LoansDisbursed.Inc()
	}
	s.logger.InfoContext(ctx, "loan disbursed",
		"application_id", applicationID,
		"loan_id", loan.LoanID,
		"principal", loan.PrincipalAmount.String(),
		"emi", loan.EmiAmount.String())
	return loan, nil
}

// ExpireStale 有效期巡检：审批前阶段超过 expiresAt 的申请置为 EXPIRED。幂等。
func (s *ApplicationService) ExpireStale(ctx context.Context) (*ExpiryReport, error) {
	now := s.now()
	apps, err := s.apps.ListExpirable(ctx, now)
	if err != nil {
		return nil, err
	}

	report := &ExpiryReport{Scanned: len(apps)}
	for _, app := range apps {
		if !app.Expirable(now) {
			continue
		}
		err := s.withRetry(ctx, app.ApplicationID, func(app *domain.LoanApplication) error {
			if !app.Expirable(now) {
				return nil
			}
			return app.UpdateStatus(ctx, domain.ApplicationStatusExpired, "validity window elapsed", now)
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "expiry failed",
				"application_id", app.ApplicationID, "error", err)
			continue
		}
		report.Expired++
	}

	s.logger.InfoContext(ctx, "application expiry sweep finished",
		"scanned", report.Scanned, "expired", report.Expired)
	return report, nil
}

// withRetry 读-改-存，乐观锁冲突时重放
func (s *ApplicationService) withRetry(ctx context.Context, applicationID string, mutate func(*domain.LoanApplication) error) error {
	for attempt := 1; ; attempt++ {
		app, err := s.apps.Get(ctx, applicationID)
		if err != nil {
			return err
		}
		if err := mutate(app); err != nil {
			return err
		}
		err = s.apps.Save(ctx, app)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) || attempt >= maxSaveAttempts {
			return err
		}
		s.logger.WarnContext(ctx, "optimistic lock conflict, retrying",
			"application_id", applicationID, "attempt", attempt)
	}
}
