package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/lamf/internal/collateral/domain"
	"github.com/wyfcoding/lamf/pkg/ids"
	"github.com/wyfcoding/lamf/pkg/metrics"
)

const maxSaveAttempts = 3

// LoanPort 贷后上下文端口：估值联动与追加保证金协同
type LoanPort interface {
	Exposure(ctx context.Context, loanID string) (decimal.Decimal, error)
	SyncCollateralValue(ctx context.Context, loanID string, totalValue decimal.Decimal) error
	TriggerMarginCall(ctx context.Context, loanID string) error
	ResolveMarginCall(ctx context.Context, loanID string) error
	Releasable(ctx context.Context, loanID string) (bool, error)
}

// PledgeCommand 质押建仓命令
type PledgeCommand struct {
	CustomerID    string          `json:"customerId"`
	ApplicationID string          `json:"applicationId"`
	FundHouse     string          `json:"fundHouse"`
	SchemeName    string          `json:"schemeName"`
	Isin          string          `json:"isin"`
	FolioNumber   string          `json:"folioNumber"`
	FundType      domain.FundType `json:"fundType"`
	Units         decimal.Decimal `json:"units"`
	Nav           decimal.Decimal `json:"nav"`
	LtvPercent    decimal.Decimal `json:"ltvPercent"`
}

// NavUpdate 单条 NAV 行情，按 ISIN 生效
type NavUpdate struct {
	Isin string          `json:"isin"`
	Nav  decimal.Decimal `json:"nav"`
}

// BulkNavReport 批量重估汇总
type BulkNavReport struct {
	Revalued             int `json:"revalued"`
	LoansSynced          int `json:"loansSynced"`
	MarginCallsTriggered int `json:"marginCallsTriggered"`
}

// CollateralService 质押品应用服务：建仓、重估、解押与追加保证金监控
type CollateralService struct {
	repo      domain.CollateralRepository
	loans     LoanPort
	idGen     ids.Generator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	threshold decimal.Decimal
	now       func() time.Time
}

// NewCollateralService 创建质押品服务。threshold 为覆盖率阈值 (如 0.8)。
func NewCollateralService(repo domain.CollateralRepository, loans LoanPort, idGen ids.Generator,
	m *metrics.Metrics, logger *slog.Logger, threshold decimal.Decimal,
) *CollateralService {
	if threshold.LessThanOrEqual(decimal.Zero) {
		threshold = decimal.NewFromFloat(0.8)
	}
	return &CollateralService{
		repo:      repo,
		loans:     loans,
		idGen:     idGen,
		metrics:   m,
		logger:    logger,
		threshold: threshold,
		now:       time.Now,
	}
}

// WithClock 注入时钟，测试用
func (s *CollateralService) WithClock(now func() time.Time) *CollateralService {
	s.now = now
	return s
}

// Pledge 质押建仓
func (s *CollateralService) Pledge(ctx context.Context, cmd PledgeCommand) (*domain.Collateral, error) {
	collateral, err := domain.NewCollateral(
		s.idGen.Next("COL"), cmd.CustomerID, cmd.ApplicationID,
		cmd.FundHouse, cmd.SchemeName, cmd.Isin, cmd.FolioNumber, cmd.FundType,
		cmd.Units, cmd.Nav, cmd.LtvPercent, s.now(),
	)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, collateral); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "collateral pledged",
		"collateral_id", collateral.CollateralID,
		"customer_id", cmd.CustomerID,
		"value", collateral.CurrentValue.String())
	return collateral, nil
}

// Get 查询质押品
func (s *CollateralService) Get(ctx context.Context, collateralID string) (*domain.Collateral, error) {
	return s.repo.Get(ctx, collateralID)
}

// ListByLoan 贷款名下质押品
func (s *CollateralService) ListByLoan(ctx context.Context, loanID string) ([]*domain.Collateral, error) {
	return s.repo.ListByLoan(ctx, loanID)
}

// ListByCustomer 客户名下质押品
func (s *CollateralService) ListByCustomer(ctx context.Context, customerID string) ([]*domain.Collateral, error) {
	return s.repo.ListByCustomer(ctx, customerID)
}

// UpdateNav 单一质押品重估，随后联动其贷款的市值与追保检查
func (s *CollateralService) UpdateNav(ctx context.Context, collateralID string, nav decimal.Decimal) (*domain.Collateral, error) {
	at := s.now()
	var updated *domain.Collateral
	err := s.withRetry(ctx, collateralID, func(c *domain.Collateral) error {
		if err := c.Revalue(nav, at); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.NavUpdatesTotal.Inc()
	}
	if updated.LoanID != "" {
		if err := s.syncLoan(ctx, updated.LoanID, at); err != nil {
			s.logger.ErrorContext(ctx, "loan sync after revaluation failed",
				"loan_id", updated.LoanID, "error", err)
		}
	}
	return updated, nil
}

// BulkNavUpdate NAV 行情批量重估：先逐一重估，再按贷款维度联动一次
func (s *CollateralService) BulkNavUpdate(ctx context.Context, updates []NavUpdate) (*BulkNavReport, error) {
	at := s.now()
	report := &BulkNavReport{}
	affectedLoans := make(map[string]struct{})

	for _, u := range updates {
		collaterals, err := s.repo.ListByIsin(ctx, u.Isin)
		if err != nil {
			return nil, err
		}
		for _, c := range collaterals {
			nav := u.Nav
			err := s.withRetry(ctx, c.CollateralID, func(c *domain.Collateral) error {
				return c.Revalue(nav, at)
			})
			if err != nil {
				s.logger.ErrorContext(ctx, "revaluation failed",
					"collateral_id", c.CollateralID, "isin", u.Isin, "error", err)
				continue
			}
			report.Revalued++
			if s.metrics != nil {
				s.metrics.NavUpdatesTotal.Inc()
			}
			if c.LoanID != "" {
				affectedLoans[c.LoanID] = struct{}{}
			}
		}
	}

	for loanID := range affectedLoans {
		triggered, err := s.syncLoanReport(ctx, loanID, at)
		if err != nil {
			s.logger.ErrorContext(ctx, "loan sync after bulk revaluation failed",
				"loan_id", loanID, "error", err)
			continue
		}
		report.LoansSynced++
		if triggered {
			report.MarginCallsTriggered++
		}
	}

	s.logger.InfoContext(ctx, "bulk nav update finished",
		"revalued", report.Revalued,
		"loans_synced", report.LoansSynced,
		"margin_calls", report.MarginCallsTriggered)
	return report, nil
}

// AttachToApplication 将一组质押品挂接到申请，返回市值与可贷额度合计
func (s *CollateralService) AttachToApplication(ctx context.Context, collateralIDs []string, applicationID string) (totalValue, eligibleAmount decimal.Decimal, err error) {
	at := s.now()
	totalValue, eligibleAmount = decimal.Zero, decimal.Zero
	for _, id := range collateralIDs {
		var attached *domain.Collateral
		err = s.withRetry(ctx, id, func(c *domain.Collateral) error {
			if err := c.AttachApplication(applicationID, at); err != nil {
				return err
			}
			attached = c
			return nil
		})
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		totalValue = totalValue.Add(attached.CurrentValue)
		eligibleAmount = eligibleAmount.Add(attached.EligibleLoanAmount)
	}
	return totalValue, eligibleAmount, nil
}

// ApplicationSummary 申请名下质押品的市值与可贷额度合计
func (s *CollateralService) ApplicationSummary(ctx context.Context, applicationID string) (totalValue, eligibleAmount decimal.Decimal, err error) {
	collaterals, err := s.repo.ListByApplication(ctx, applicationID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	totalValue, eligibleAmount = decimal.Zero, decimal.Zero
	for _, c := range collaterals {
		totalValue = totalValue.Add(c.CurrentValue)
		eligibleAmount = eligibleAmount.Add(c.EligibleLoanAmount)
	}
	return totalValue, eligibleAmount, nil
}

// MarkLiens 申请核验通过后为名下全部质押品登记 lien。已登记的跳过，可安全重放。
func (s *CollateralService) MarkLiens(ctx context.Context, applicationID string) error {
	collaterals, err := s.repo.ListByApplication(ctx, applicationID)
	if err != nil {
		return err
	}

	at := s.now()
	for _, c := range collaterals {
		if c.LienStatus != domain.LienStatusPending {
			continue
		}
		lienID := s.idGen.Next("LIEN")
		err := s.withRetry(ctx, c.CollateralID, func(c *domain.Collateral) error {
			if c.LienStatus != domain.LienStatusPending {
				return nil
			}
			return c.MarkLien(lienID, at)
		})
		if err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "lien marked",
			"collateral_id", c.CollateralID, "lien_id", lienID)
	}
	return nil
}

// UpdateLien 质押登记状态流转：登记 (含托管回执)、强制执行、解除。
// 解除走与 Release 相同的贷款终结校验。
func (s *CollateralService) UpdateLien(ctx context.Context, collateralID string, target domain.LienStatus, referenceNumber string) (*domain.Collateral, error) {
	if target == domain.LienStatusReleased {
		return s.Release(ctx, collateralID)
	}

	at := s.now()
	lienID := ""
	if target == domain.LienStatusMarked {
		lienID = s.idGen.Next("LIEN")
	}

	var updated *domain.Collateral
	err := s.withRetry(ctx, collateralID, func(c *domain.Collateral) error {
		switch target {
		case domain.LienStatusMarked:
			if err := c.MarkLien(lienID, at); err != nil {
				return err
			}
			if referenceNumber != "" {
				if err := c.RecordLienReference(referenceNumber, at); err != nil {
					return err
				}
			}
		case domain.LienStatusInvoked:
			if err := c.InvokeLien(referenceNumber, at); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unsupported lien status %s", domain.ErrInvalidInput, target)
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "lien status updated",
		"collateral_id", collateralID, "lien_status", string(target))
	return updated, nil
}

// Release 解押。挂接贷款的质押品要求贷款已终结。
func (s *CollateralService) Release(ctx context.Context, collateralID string) (*domain.Collateral, error) {
	collateral, err := s.repo.Get(ctx, collateralID)
	if err != nil {
		return nil, err
	}

	if collateral.LoanID != "" {
		ok, err := s.loans.Releasable(ctx, collateral.LoanID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrInvalidCollateralState
		}
	}

	at := s.now()
	var released *domain.Collateral
	err = s.withRetry(ctx, collateralID, func(c *domain.Collateral) error {
		if err := c.Release(at); err != nil {
			return err
		}
		released = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "collateral released", "collateral_id", collateralID)
	return released, nil
}

// ResolveMarginCall 补仓确认：清除贷款名下质押品的追保标记并回写贷后状态
func (s *CollateralService) ResolveMarginCall(ctx context.Context, loanID string) error {
	collaterals, err := s.repo.ListByLoan(ctx, loanID)
	if err != nil {
		return err
	}

	at := s.now()
	for _, c := range collaterals {
		if !c.MarginCallTriggered {
			continue
		}
		err := s.withRetry(ctx, c.CollateralID, func(c *domain.Collateral) error {
			c.ResolveMarginCall(at)
			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := s.loans.ResolveMarginCall(ctx, loanID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "margin call resolved", "loan_id", loanID)
	return nil
}

// syncLoan 贷款维度联动：汇总市值、同步贷后、覆盖率不足则触发追保
func (s *CollateralService) syncLoan(ctx context.Context, loanID string, at time.Time) error {
	_, err := s.syncLoanReport(ctx, loanID, at)
	return err
}

func (s *CollateralService) syncLoanReport(ctx context.Context, loanID string, at time.Time) (bool, error) {
	collaterals, err := s.repo.ListByLoan(ctx, loanID)
	if err != nil {
		return false, err
	}

	total := decimal.Zero
	for _, c := range collaterals {
		total = total.Add(c.CurrentValue)
	}
	if err := s.loans.SyncCollateralValue(ctx, loanID, total); err != nil {
		return false, err
	}

	exposure, err := s.loans.Exposure(ctx, loanID)
	if err != nil {
		return false, err
	}

	triggered := false
	for _, c := range collaterals {
		if !c.CheckMarginCall(exposure, s.threshold, at) {
			continue
		}
		triggered = true
		if err := s.repo.Save(ctx, c); err != nil {
			s.logger.ErrorContext(ctx, "margin flag save failed",
				"collateral_id", c.CollateralID, "error", err)
		}
	}

	if triggered {
		if err := s.loans.TriggerMarginCall(ctx, loanID); err != nil {
			return true, err
		}
	}
	return triggered, nil
}

// withRetry 读-改-存，乐观锁冲突时重放
func (s *CollateralService) withRetry(ctx context.Context, collateralID string, mutate func(*domain.Collateral) error) error {
	for attempt := 1; ; attempt++ {
		collateral, err := s.repo.Get(ctx, collateralID)
		if err != nil {
			return err
		}
		if err := mutate(collateral); err != nil {
			return err
		}
		err = s.repo.Save(ctx, collateral)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) || attempt >= maxSaveAttempts {
			return err
		}
		s.logger.WarnContext(ctx, "optimistic lock conflict, retrying",
			"collateral_id", collateralID, "attempt", attempt)
	}
}
