// 贷款申请聚合根：固定阶段推进的状态机，statusHistory 只追加不压缩。
// 放款是申请产生贷款的唯一时刻，且每个申请至多放款一次。
package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/fsm"

	"github.com/wyfcoding/lamf/internal/money"
)

// ApplicationStatus 申请状态
type ApplicationStatus string

const (
	ApplicationStatusDraft                  ApplicationStatus = "DRAFT"
	ApplicationStatusSubmitted              ApplicationStatus = "SUBMITTED"
	ApplicationStatusUnderReview            ApplicationStatus = "UNDER_REVIEW"
	ApplicationStatusDocumentsPending       ApplicationStatus = "DOCUMENTS_PENDING"
	ApplicationStatusCollateralVerification ApplicationStatus = "COLLATERAL_VERIFICATION"
	ApplicationStatusCreditCheck            ApplicationStatus = "CREDIT_CHECK"
	ApplicationStatusApproved               ApplicationStatus = "APPROVED"
	ApplicationStatusDisbursed              ApplicationStatus = "DISBURSED"
	ApplicationStatusRejected               ApplicationStatus = "REJECTED"
	ApplicationStatusCancelled              ApplicationStatus = "CANCELLED"
	ApplicationStatusExpired                ApplicationStatus = "EXPIRED"
)

// IsTerminal 终态申请不再接受任何操作
func (s ApplicationStatus) IsTerminal() bool {
	switch s {
	case ApplicationStatusDisbursed, ApplicationStatusRejected,
		ApplicationStatusCancelled, ApplicationStatusExpired:
		return true
	}
	return false
}

// isPreApproval 审批通过之前的阶段，过期巡检只针对这些
func (s ApplicationStatus) isPreApproval() bool {
	switch s {
	case ApplicationStatusDraft, ApplicationStatusSubmitted, ApplicationStatusUnderReview,
		ApplicationStatusDocumentsPending, ApplicationStatusCollateralVerification,
		ApplicationStatusCreditCheck:
		return true
	}
	return false
}

// ApplicationSource 申请来源渠道
type ApplicationSource string

const (
	SourceWeb    ApplicationSource = "WEB"
	SourceMobile ApplicationSource = "MOBILE"
	SourceAPI    ApplicationSource = "API"
)

// StatusChange 状态流转审计记录
type StatusChange struct {
	Status    ApplicationStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Remarks   string            `json:"remarks,omitempty"`
}

// 状态机事件
const (
	eventSubmit           = "SUBMIT"
	eventStartReview      = "START_REVIEW"
	eventRequestDocuments = "REQUEST_DOCUMENTS"
	eventVerifyCollateral = "VERIFY_COLLATERAL"
	eventRunCreditCheck   = "RUN_CREDIT_CHECK"
	eventApprove          = "APPROVE"
	eventDisburse         = "DISBURSE"
	eventReject           = "REJECT"
	eventCancel           = "CANCEL"
	eventExpire           = "EXPIRE"
)

// 目标状态到事件的映射，状态更新接口用
var statusEvents = map[ApplicationStatus]fsm.Event{
	ApplicationStatusSubmitted:              eventSubmit,
	ApplicationStatusUnderReview:            eventStartReview,
	ApplicationStatusDocumentsPending:       eventRequestDocuments,
	ApplicationStatusCollateralVerification: eventVerifyCollateral,
	ApplicationStatusCreditCheck:            eventRunCreditCheck,
	ApplicationStatusApproved:               eventApprove,
	ApplicationStatusDisbursed:              eventDisburse,
	ApplicationStatusRejected:               eventReject,
	ApplicationStatusCancelled:              eventCancel,
	ApplicationStatusExpired:                eventExpire,
}

// LoanApplication 贷款申请聚合根
type LoanApplication struct {
	ApplicationID         string            `json:"applicationId"`
	CustomerID            string            `json:"customerId"`
	ProductCode           string            `json:"productCode"`
	RequestedAmount       decimal.Decimal   `json:"requestedAmount"`
	RequestedTenureMonths int               `json:"requestedTenureMonths"`
	ApprovedAmount        decimal.Decimal   `json:"approvedAmount"`
	ApprovedTenureMonths  int               `json:"approvedTenureMonths"`
	InterestRate          decimal.Decimal   `json:"interestRate"`
	ProcessingFee         decimal.Decimal   `json:"processingFee"`
	CollateralIDs         []string          `json:"collateralIds"`
	TotalCollateralValue  decimal.Decimal   `json:"totalCollateralValue"`
	EligibleLoanAmount    decimal.Decimal   `json:"eligibleLoanAmount"`
	Status                ApplicationStatus `json:"status"`
	StatusHistory         []StatusChange    `json:"statusHistory"`
	Source                ApplicationSource `json:"source"`
	APIRequestID          string            `json:"apiRequestId,omitempty"`
	SubmittedAt           time.Time         `json:"submittedAt"`
	ExpiresAt             time.Time         `json:"expiresAt"`
	ApprovedAt            *time.Time        `json:"approvedAt,omitempty"`
	DisbursedAt           *time.Time        `json:"disbursedAt,omitempty"`
	LoanID                string            `json:"loanId,omitempty"`
	RejectionReason       string            `json:"rejectionReason,omitempty"`
	Version               int64             `json:"-"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
	fsm                   *fsm.Machine
}

// NewLoanApplication 创建申请：产品条款快照、手续费计算、有效期 (+expiryDays 天)
func NewLoanApplication(applicationID, customerID string, product *LoanProduct,
	requestedAmount decimal.Decimal, tenureMonths int,
	source ApplicationSource, apiRequestID string, expiryDays int, at time.Time,
) (*LoanApplication, error) {
	if err := product.ValidateRequest(requestedAmount, tenureMonths); err != nil {
		return nil, err
	}
	if expiryDays <= 0 {
		expiryDays = 30
	}

	a := &LoanApplication{
		ApplicationID:         applicationID,
		CustomerID:            customerID,
		ProductCode:           product.ProductCode,
		RequestedAmount:       requestedAmount,
		RequestedTenureMonths: tenureMonths,
		InterestRate:          product.InterestRate,
		ProcessingFee:         money.Percent(requestedAmount, product.ProcessingFeePercent),
		CollateralIDs:         []string{},
		TotalCollateralValue:  decimal.Zero,
		EligibleLoanAmount:    decimal.Zero,
		Status:                ApplicationStatusDraft,
		Source:                source,
		APIRequestID:          apiRequestID,
		SubmittedAt:           at,
		ExpiresAt:             at.AddDate(0, 0, expiryDays),
		CreatedAt:             at,
		UpdatedAt:             at,
	}
	a.StatusHistory = []StatusChange{
		{Status: ApplicationStatusDraft, Timestamp: at, Remarks: "application created"},
	}
	a.initFSM()
	return a, nil
}

func (a *LoanApplication) initFSM() {
	m := fsm.NewMachine(fsm.State(a.Status))
	m.AddTransition(fsm.State(ApplicationStatusDraft), eventSubmit, fsm.State(ApplicationStatusSubmitted))
	m.AddTransition(fsm.State(ApplicationStatusSubmitted), eventStartReview, fsm.State(ApplicationStatusUnderReview))
	m.AddTransition(fsm.State(ApplicationStatusUnderReview), eventRequestDocuments, fsm.State(ApplicationStatusDocumentsPending))
	m.AddTransition(fsm.State(ApplicationStatusUnderReview), eventVerifyCollateral, fsm.State(ApplicationStatusCollateralVerification))
	m.AddTransition(fsm.State(ApplicationStatusDocumentsPending), eventVerifyCollateral, fsm.State(ApplicationStatusCollateralVerification))
	m.AddTransition(fsm.State(ApplicationStatusUnderReview), eventRunCreditCheck, fsm.State(ApplicationStatusCreditCheck))
	m.AddTransition(fsm.State(ApplicationStatusDocumentsPending), eventRunCreditCheck, fsm.State(ApplicationStatusCreditCheck))
	m.AddTransition(fsm.State(ApplicationStatusCollateralVerification), eventRunCreditCheck, fsm.State(ApplicationStatusCreditCheck))

	for _, from := range []ApplicationStatus{
		ApplicationStatusUnderReview, ApplicationStatusDocumentsPending,
		ApplicationStatusCollateralVerification, ApplicationStatusCreditCheck,
	} {
		m.AddTransition(fsm.State(from), eventApprove, fsm.State(ApplicationStatusApproved))
	}
	m.AddTransition(fsm.State(ApplicationStatusApproved), eventDisburse, fsm.State(ApplicationStatusDisbursed))

	// 终态旁路：放款前任意阶段可拒绝/取消/过期
	for _, from := range []ApplicationStatus{
		ApplicationStatusDraft, ApplicationStatusSubmitted, ApplicationStatusUnderReview,
		ApplicationStatusDocumentsPending, ApplicationStatusCollateralVerification,
		ApplicationStatusCreditCheck, ApplicationStatusApproved,
	} {
		m.AddTransition(fsm.State(from), eventReject, fsm.State(ApplicationStatusRejected))
		m.AddTransition(fsm.State(from), eventCancel, fsm.State(ApplicationStatusCancelled))
		m.AddTransition(fsm.State(from), eventExpire, fsm.State(ApplicationStatusExpired))
	}
	a.fsm = m
}

// InitFSM 确保状态机已初始化 (从仓储还原的聚合需要)
func (a *LoanApplication) InitFSM() {
	if a.fsm == nil {
		a.initFSM()
	}
}

// UpdateStatus 推进到目标状态并追加审计记录
func (a *LoanApplication) UpdateStatus(ctx context.Context, target ApplicationStatus, remarks string, at time.Time) error {
	event, ok := statusEvents[target]
	if !ok {
		return fmt.Errorf("%w: unknown target status %s", ErrInvalidInput, target)
	}
	if err := a.transition(ctx, event, target, remarks, at); err != nil {
		return err
	}

	switch target {
	case ApplicationStatusRejected:
		a.RejectionReason = remarks
	case ApplicationStatusApproved:
		ad := at
		a.ApprovedAt = &ad
		if a.ApprovedAmount.IsZero() {
			a.ApprovedAmount = a.RequestedAmount
		}
		if a.ApprovedTenureMonths == 0 {
			a.ApprovedTenureMonths = a.RequestedTenureMonths
		}
	}
	return nil
}

// Approve 审批通过，可改批金额与期数 (缺省沿用申请值)
func (a *LoanApplication) Approve(ctx context.Context, approvedAmount decimal.Decimal, approvedTenureMonths int, remarks string, at time.Time) error {
	if approvedAmount.IsNegative() {
		return fmt.Errorf("%w: approved amount must not be negative", ErrInvalidInput)
	}
	if approvedTenureMonths < 0 {
		return fmt.Errorf("%w: approved tenure must not be negative", ErrInvalidInput)
	}

	if err := a.UpdateStatus(ctx, ApplicationStatusApproved, remarks, at); err != nil {
		return err
	}
	if !approvedAmount.IsZero() {
		a.ApprovedAmount = approvedAmount
	}
	if approvedTenureMonths > 0 {
		a.ApprovedTenureMonths = approvedTenureMonths
	}
	return nil
}

// MarkDisbursed 放款完成，记录贷款引用。只允许执行一次。
func (a *LoanApplication) MarkDisbursed(ctx context.Context, loanID string, at time.Time) error {
	if a.LoanID != "" {
		return fmt.Errorf("%w: already disbursed as loan %s", ErrInvalidApplicationState, a.LoanID)
	}
	if err := a.transition(ctx, eventDisburse, ApplicationStatusDisbursed, "loan "+loanID+" disbursed", at); err != nil {
		return err
	}
	a.LoanID = loanID
	dd := at
	a.DisbursedAt = &dd
	return nil
}

// AttachCollateral 申请补充质押品并累加聚合值。
// 仅 DRAFT/SUBMITTED/DOCUMENTS_PENDING/COLLATERAL_VERIFICATION 阶段允许。
func (a *LoanApplication) AttachCollateral(collateralID string, currentValue, eligibleAmount decimal.Decimal, at time.Time) error {
	switch a.Status {
	case ApplicationStatusDraft, ApplicationStatusSubmitted,
		ApplicationStatusDocumentsPending, ApplicationStatusCollateralVerification:
	default:
		return fmt.Errorf("%w: cannot attach collateral in %s", ErrInvalidApplicationState, a.Status)
	}
	for _, id := range a.CollateralIDs {
		if id == collateralID {
			return fmt.Errorf("%w: collateral %s already attached", ErrInvalidInput, collateralID)
		}
	}

	a.CollateralIDs = append(a.CollateralIDs, collateralID)
	a.TotalCollateralValue = a.TotalCollateralValue.Add(currentValue)
	a.EligibleLoanAmount = a.EligibleLoanAmount.Add(eligibleAmount)
	a.UpdatedAt = at
	return nil
}

// RefreshCollateralTotals 以质押品上下文的汇总覆盖聚合值
func (a *LoanApplication) RefreshCollateralTotals(totalValue, eligibleAmount decimal.Decimal, at time.Time) {
	a.TotalCollateralValue = totalValue
	a.EligibleLoanAmount = eligibleAmount
	a.UpdatedAt = at
}

// ValidateEligibility 申请金额不得超过质押品可贷额度合计
func (a *LoanApplication) ValidateEligibility() error {
	if a.RequestedAmount.GreaterThan(a.EligibleLoanAmount) {
		return fmt.Errorf("%w: requested %s, eligible %s",
			ErrInsufficientCollateral, a.RequestedAmount, a.EligibleLoanAmount)
	}
	return nil
}

// Expirable 过期巡检判定：审批前阶段且已过有效期
func (a *LoanApplication) Expirable(now time.Time) bool {
	return a.Status.isPreApproval() && now.After(a.ExpiresAt)
}

func (a *LoanApplication) transition(ctx context.Context, event fsm.Event, target ApplicationStatus, remarks string, at time.Time) error {
	a.InitFSM()
	if err := a.fsm.Trigger(ctx, event); err != nil {
		return fmt.Errorf("%w: %s from %s", ErrInvalidApplicationState, target, a.Status)
	}
	a.Status = target
	a.StatusHistory = append(a.StatusHistory, StatusChange{
		Status:    target,
		Timestamp: at,
		Remarks:   remarks,
	})
	a.UpdatedAt = at
	return nil
}
