package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/lamf/internal/loan/domain"
	"github.com/wyfcoding/lamf/pkg/ids"
	"github.com/wyfcoding/lamf/pkg/metrics"
)

// 乐观锁冲突时重读重放的最大次数
const maxSaveAttempts = 3

// EventPublisher 领域事件出口，与 mq.KafkaProducer 对齐
type EventPublisher interface {
	SendMessage(ctx context.Context, topic, key string, value interface{}) error
}

// ProductRates 产品费率查询端口，由贷前上下文提供实现
type ProductRates interface {
	ForeclosureChargePercent(ctx context.Context, productCode string) (decimal.Decimal, error)
}

// RecordPaymentCommand 还款入账命令
type RecordPaymentCommand struct {
	Amount          decimal.Decimal    `json:"amount"`
	Mode            domain.PaymentMode `json:"paymentMode"`
	ReferenceNumber string             `json:"referenceNumber"`
	PaymentDate     time.Time          `json:"paymentDate"`
}

// PrepayCommand 提前结清命令
type PrepayCommand struct {
	Amount          decimal.Decimal    `json:"amount"`
	Mode            domain.PaymentMode `json:"paymentMode"`
	ReferenceNumber string             `json:"referenceNumber"`
}

// SweepReport 逾期巡检汇总
type SweepReport struct {
	Processed          int             `json:"processed"`
	Overdue            int             `json:"overdue"`
	Npa                int             `json:"npa"`
	TotalOverdueAmount decimal.Decimal `json:"totalOverdueAmount"`
}

// LoanClosedEvent 贷款终结事件
type LoanClosedEvent struct {
	LoanID     string            `json:"loanId"`
	CustomerID string            `json:"customerId"`
	Status     domain.LoanStatus `json:"status"`
	ClosedAt   time.Time         `json:"closedAt"`
}

// LoanNpaEvent 贷款转不良事件
type LoanNpaEvent struct {
	LoanID        string          `json:"loanId"`
	CustomerID    string          `json:"customerId"`
	DaysOverdue   int             `json:"daysOverdue"`
	OverdueAmount decimal.Decimal `json:"overdueAmount"`
	ClassifiedAt  time.Time       `json:"classifiedAt"`
}

// MarginCallEvent 追加保证金事件
type MarginCallEvent struct {
	LoanID               string          `json:"loanId"`
	CustomerID           string          `json:"customerId"`
	TotalCollateralValue decimal.Decimal `json:"totalCollateralValue"`
	TotalOutstanding     decimal.Decimal `json:"totalOutstanding"`
	TriggeredAt          time.Time       `json:"triggeredAt"`
}

// LoanService 贷后应用服务：还款、提前结清、逾期分类与追加保证金协同
type LoanService struct {
	repo        domain.LoanRepository
	rates       ProductRates
	idGen       ids.Generator
	publisher   EventPublisher
	metrics     *metrics.Metrics
	logger      *slog.Logger
	topicPrefix string
	npaDays     int
	now         func() time.Time
}

// NewLoanService 创建贷后服务。publisher、metrics 允许为 nil (离线或测试场景)。
func NewLoanService(repo domain.LoanRepository, rates ProductRates, idGen ids.Generator,
	publisher EventPublisher, m *metrics.Metrics, logger *slog.Logger,
	topicPrefix string, npaDays int,
) *LoanService {
	if npaDays <= 0 {
		npaDays = 90
	}
	return &LoanService{
		repo:        repo,
		rates:       rates,
		idGen:       idGen,
		publisher:   publisher,
		metrics:     m,
		logger:      logger,
		topicPrefix: topicPrefix,
		npaDays:     npaDays,
		now:         time.Now,
	}
}

// WithClock 注入时钟，测试用
func (s *LoanService) WithClock(now func() time.Time) *LoanService {
	s.now = now
	return s
}

// GetLoan 查询贷款详情
func (s *LoanService) GetLoan(ctx context.Context, loanID string) (*domain.Loan, error) {
	return s.repo.Get(ctx, loanID)
}

// GetSchedule 查询还款计划表
func (s *LoanService) GetSchedule(ctx context.Context, loanID string) ([]domain.Installment, error) {
	loan, err := s.repo.Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return loan.Schedule, nil
}

// GetPayments 查询还款流水
func (s *LoanService) GetPayments(ctx context.Context, loanID string) ([]domain.Payment, error) {
	loan, err := s.repo.Get(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return loan.Payments, nil
}

// ListByCustomer 查询客户名下贷款
func (s *LoanService) ListByCustomer(ctx context.Context, customerID string) ([]*domain.Loan, error) {
	return s.repo.ListByCustomer(ctx, customerID)
}

// ListMarginCalled 查询触发追加保证金的贷款
func (s *LoanService) ListMarginCalled(ctx context.Context) ([]*domain.Loan, error) {
	return s.repo.ListMarginCalled(ctx)
}

// PortfolioSummary 组合总览：按状态的笔数、放款额与未结余额
func (s *LoanService) PortfolioSummary(ctx context.Context) ([]domain.StatusSummary, error) {
	return s.repo.StatusSummary(ctx)
}

// RecordPayment 还款入账。乐观锁冲突时重读聚合重放命令。
func (s *LoanService) RecordPayment(ctx context.Context, loanID string, cmd RecordPaymentCommand) (*domain.Payment, error) {
	paymentDate := cmd.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = s.now()
	}

	var payment *domain.Payment
	var saved *domain.Loan
	err := s.withRetry(ctx, loanID, func(loan *domain.Loan) error {
		p, err := loan.RecordPayment(ctx, s.idGen.Next("PAY"), cmd.Amount, cmd.Mode, cmd.ReferenceNumber, paymentDate)
		if err != nil {
			return err
		}
		payment = p
		saved = loan
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PaymentsRecorded.Inc()
	}
	s.logger.InfoContext(ctx, "payment recorded",
		"loan_id", loanID, "payment_id", payment.PaymentID, "amount", cmd.Amount.String())

	if saved.Status == domain.LoanStatusClosed {
		if s.metrics != nil {
			s.metrics.LoansClosed.Inc()
		}
		s.publish(ctx, "loan.closed", loanID, LoanClosedEvent{
			LoanID:     saved.LoanID,
			CustomerID: saved.CustomerID,
			Status:     saved.Status,
			ClosedAt:   paymentDate,
		})
	}
	return payment, nil
}

// Prepay 提前结清，手续费率取自产品配置
func (s *LoanService) Prepay(ctx context.Context, loanID string, cmd PrepayCommand) (*domain.PrepaymentResult, error) {
	loan, err := s.repo.Get(ctx, loanID)
	if err != nil {
		return nil, err
	}

	chargePercent := decimal.Zero
	if s.rates != nil {
		chargePercent, err = s.rates.ForeclosureChargePercent(ctx, loan.ProductCode)
		if err != nil {
			return nil, fmt.Errorf("resolve foreclosure charge for %s: %w", loan.ProductCode, err)
		}
	}

	at := s.now()
	var result *domain.PrepaymentResult
	err = s.withRetry(ctx, loanID, func(loan *domain.Loan) error {
		r, err := loan.Prepay(ctx, s.idGen.Next("PAY"), cmd.Amount, cmd.Mode, cmd.ReferenceNumber, chargePercent, at)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PrepaymentsRecorded.Inc()
	}
	s.logger.InfoContext(ctx, "prepayment recorded",
		"loan_id", loanID, "amount", cmd.Amount.String(),
		"charge", result.ForeclosureCharge.String(), "status", result.LoanStatus)

	if result.LoanStatus == domain.LoanStatusForeclosed {
		if s.metrics != nil {
			s.metrics.LoansClosed.Inc()
		}
		s.publish(ctx, "loan.closed", loanID, LoanClosedEvent{
			LoanID:     loan.LoanID,
			CustomerID: loan.CustomerID,
			Status:     result.LoanStatus,
			ClosedAt:   at,
		})
	}
	return result, nil
}

// SweepOverdue 批量逾期巡检：遍历在途贷款，标记逾期期次并做 OVERDUE/NPA 分类。
// 幂等，可由调度器每日触发，也可经接口手工触发。
func (s *LoanService) SweepOverdue(ctx context.Context) (*SweepReport, error) {
	start := s.now()
	loans, err := s.repo.ListByStatus(ctx, domain.LoanStatusActive, domain.LoanStatusOverdue, domain.LoanStatusNpa)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{TotalOverdueAmount: decimal.Zero}
	for _, loan := range loans {
		wasNpa := loan.Status == domain.LoanStatusNpa
		if err := loan.SweepOverdue(ctx, start, s.npaDays); err != nil {
			s.logger.ErrorContext(ctx, "sweep failed for loan", "loan_id", loan.LoanID, "error", err)
			continue
		}
		if err := s.repo.Save(ctx, loan); err != nil {
			s.logger.ErrorContext(ctx, "sweep save failed", "loan_id", loan.LoanID, "error", err)
			continue
		}

		report.Processed++
		switch loan.Status {
		case domain.LoanStatusOverdue:
			report.Overdue++
		case domain.LoanStatusNpa:
			report.Npa++
			if !wasNpa {
				s.publish(ctx, "loan.npa", loan.LoanID, LoanNpaEvent{
					LoanID:        loan.LoanID,
					CustomerID:    loan.CustomerID,
					DaysOverdue:   loan.DaysOverdue,
					OverdueAmount: loan.OverdueAmount,
					ClassifiedAt:  start,
				})
			}
		}
		report.TotalOverdueAmount = report.TotalOverdueAmount.Add(loan.OverdueAmount)
	}

	if s.metrics != nil {
		s.metrics.OverdueLoans.Set(float64(report.Overdue))
		s.metrics.NpaLoans.Set(float64(report.Npa))
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.InfoContext(ctx, "overdue sweep finished",
		"processed", report.Processed, "overdue", report.Overdue, "npa", report.Npa)
	return report, nil
}

// Settle 协商和解结清
func (s *LoanService) Settle(ctx context.Context, loanID, remarks string) (*domain.Loan, error) {
	return s.terminate(ctx, loanID, remarks, (*domain.Loan).Settle)
}

// WriteOff 核销
func (s *LoanService) WriteOff(ctx context.Context, loanID, remarks string) (*domain.Loan, error) {
	return s.terminate(ctx, loanID, remarks, (*domain.Loan).WriteOff)
}

func (s *LoanService) terminate(ctx context.Context, loanID, remarks string,
	op func(*domain.Loan, context.Context, string, time.Time) error,
) (*domain.Loan, error) {
	at := s.now()
	var closed *domain.Loan
	err := s.withRetry(ctx, loanID, func(loan *domain.Loan) error {
		if err := op(loan, ctx, remarks, at); err != nil {
			return err
		}
		closed = loan
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.LoansClosed.Inc()
	}
	s.publish(ctx, "loan.closed", loanID, LoanClosedEvent{
		LoanID:     closed.LoanID,
		CustomerID: closed.CustomerID,
		Status:     closed.Status,
		ClosedAt:   at,
	})
	s.logger.InfoContext(ctx, "loan terminated", "loan_id", loanID, "status", closed.Status)
	return closed, nil
}

// Exposure 贷款当前风险敞口 (未结总额)。终态贷款敞口为零。
func (s *LoanService) Exposure(ctx context.Context, loanID string) (decimal.Decimal, error) {
	loan, err := s.repo.Get(ctx, loanID)
	if err != nil {
		return decimal.Zero, err
	}
	if loan.Status.IsTerminal() {
		return decimal.Zero, nil
	}
	return loan.TotalOutstanding, nil
}

// SyncCollateralValue 质押品重估后同步贷款侧总市值与 LTV
func (s *LoanService) SyncCollateralValue(ctx context.Context, loanID string, totalValue decimal.Decimal) error {
	at := s.now()
	return s.withRetry(ctx, loanID, func(loan *domain.Loan) error {
		loan.UpdateCollateralValue(totalValue, at)
		return nil
	})
}

// TriggerMarginCall 质押覆盖不足时标记追加保证金并发布事件
func (s *LoanService) TriggerMarginCall(ctx context.Context, loanID string) error {
	at := s.now()
	var snapshot *domain.Loan
	err := s.withRetry(ctx, loanID, func(loan *domain.Loan) error {
		if err := loan.TriggerMarginCall(at); err != nil {
			return err
		}
		snapshot = loan
		return nil
	})
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.MarginCallsTriggered.Inc()
	}
	s.publish(ctx, "margin_call.triggered", loanID, MarginCallEvent{
		LoanID:               snapshot.LoanID,
		CustomerID:           snapshot.CustomerID,
		TotalCollateralValue: snapshot.TotalCollateralValue,
		TotalOutstanding:     snapshot.TotalOutstanding,
		TriggeredAt:          at,
	})
	s.logger.WarnContext(ctx, "margin call triggered",
		"loan_id", loanID,
		"collateral_value", snapshot.TotalCollateralValue.String(),
		"outstanding", snapshot.TotalOutstanding.String())
	return nil
}

// ResolveMarginCall 补仓确认，清除追加保证金标记
func (s *LoanService) ResolveMarginCall(ctx context.Context, loanID string) error {
	at := s.now()
	err := s.withRetry(ctx, loanID, func(loan *domain.Loan) error {
		return loan.ResolveMarginCall(at)
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "margin call resolved", "loan_id", loanID)
	return nil
}

// Releasable 贷款是否已终结、质押可解押。核销贷款不在可解押之列。
func (s *LoanService) Releasable(ctx context.Context, loanID string) (bool, error) {
	loan, err := s.repo.Get(ctx, loanID)
	if err != nil {
		return false, err
	}
	return loan.Status.Releasable(), nil
}

// withRetry 读-改-存，乐观锁冲突时重放
func (s *LoanService) withRetry(ctx context.Context, loanID string, mutate func(*domain.Loan) error) error {
	for attempt := 1; ; attempt++ {
		loan, err := s.repo.Get(ctx, loanID)
		if err != nil {
			return err
		}
		if err := mutate(loan); err != nil {
			return err
		}
		err = s.repo.Save(ctx, loan)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConcurrentModification) || attempt >= maxSaveAttempts {
			return err
		}
		s.logger.WarnContext(ctx, "optimistic lock conflict, retrying",
			"loan_id", loanID, "attempt", attempt)
	}
}

func (s *LoanService) publish(ctx context.Context, suffix, key string, payload any) {
	if s.publisher == nil {
		return
	}
	topic := s.topicPrefix + "." + suffix
	if err := s.publisher.SendMessage(ctx, topic, key, payload); err != nil {
		s.logger.WarnContext(ctx, "event publish failed", "topic", topic, "error", err)
	}
}
