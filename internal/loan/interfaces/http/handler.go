// 贷后 HTTP 处理器：贷款查询、还款、提前结清、逾期巡检与组合视图
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/response"

	"github.com/wyfcoding/lamf/internal/loan/application"
	"github.com/wyfcoding/lamf/internal/loan/domain"
	"github.com/wyfcoding/lamf/pkg/logger"
)

// MarginResolver 追保解除端口：由质押品上下文提供，同时清理质押品标记与贷款状态
type MarginResolver interface {
	ResolveMarginCall(ctx context.Context, loanID string) error
}

// LoanHandler 贷后 HTTP 处理器
type LoanHandler struct {
	app    *application.LoanService
	margin MarginResolver
}

// NewLoanHandler 创建处理器实例。margin 为 nil 时追保解除退化为仅贷款侧
func NewLoanHandler(app *application.LoanService, margin MarginResolver) *LoanHandler {
	if margin == nil {
		margin = app
	}
	return &LoanHandler{app: app, margin: margin}
}

// RegisterRoutes 注册路由
func (h *LoanHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/loans", h.ListByCustomer)
		api.GET("/loans/:id", h.GetLoan)
		api.GET("/loans/:id/schedule", h.GetSchedule)
		api.GET("/loans/:id/payments", h.GetPayments)
		api.POST("/loans/:id/payments", h.RecordPayment)
		api.POST("/loans/:id/prepay", h.Prepay)
		api.POST("/loans/:id/settle", h.Settle)
		api.POST("/loans/:id/write-off", h.WriteOff)
		api.POST("/loans/:id/margin-call/resolve", h.ResolveMarginCall)

		api.GET("/portfolio/summary", h.PortfolioSummary)
		api.GET("/portfolio/margin-calls", h.ListMarginCalled)
		api.POST("/operations/overdue-sweep", h.SweepOverdue)
	}
}

// GetLoan 贷款详情
func (h *LoanHandler) GetLoan(c *gin.Context) {
	loan, err := h.app.GetLoan(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, loan)
}

type scheduleSummary struct {
	TotalInstallments   int `json:"totalInstallments"`
	PaidInstallments    int `json:"paidInstallments"`
	PendingInstallments int `json:"pendingInstallments"`
	OverdueInstallments int `json:"overdueInstallments"`
}

// GetSchedule 还款计划表，可按期次状态过滤，汇总不受过滤影响
func (h *LoanHandler) GetSchedule(c *gin.Context) {
	schedule, err := h.app.GetSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	summary := scheduleSummary{TotalInstallments: len(schedule)}
	for _, inst := range schedule {
		switch inst.Status {
		case domain.InstallmentStatusPaid:
			summary.PaidInstallments++
		case domain.InstallmentStatusPending:
			summary.PendingInstallments++
		case domain.InstallmentStatusOverdue:
			summary.OverdueInstallments++
		}
	}

	if status := c.Query("status"); status != "" {
		filtered := make([]domain.Installment, 0, len(schedule))
		for _, inst := range schedule {
			if inst.Status == domain.InstallmentStatus(status) {
				filtered = append(filtered, inst)
			}
		}
		schedule = filtered
	}

	response.Success(c, gin.H{
		"loanId":   c.Param("id"),
		"schedule": schedule,
		"summary":  summary,
	})
}

// GetPayments 还款流水及合计
func (h *LoanHandler) GetPayments(c *gin.Context) {
	loan, err := h.app.GetLoan(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	totalPaid := decimal.Zero
	for _, p := range loan.Payments {
		if p.Status == domain.PaymentStatusSuccess {
			totalPaid = totalPaid.Add(p.Amount)
		}
	}

	response.Success(c, gin.H{
		"loanId":   loan.LoanID,
		"payments": loan.Payments,
		"summary": gin.H{
			"totalPayments":    len(loan.Payments),
			"totalAmountPaid":  totalPaid,
			"totalOutstanding": loan.TotalOutstanding,
		},
	})
}

// ListByCustomer 客户名下贷款列表
func (h *LoanHandler) ListByCustomer(c *gin.Context) {
	customerID := c.Query("customerId")
	if customerID == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "customerId is required", "")
		return
	}
	loans, err := h.app.ListByCustomer(c.Request.Context(), customerID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, loans)
}

type recordPaymentRequest struct {
	Amount          decimal.Decimal `json:"amount" binding:"required"`
	PaymentMode     string          `json:"paymentMode" binding:"required"`
	ReferenceNumber string          `json:"referenceNumber"`
}

// RecordPayment 还款入账
func (h *LoanHandler) RecordPayment(c *gin.Context) {
	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	loanID := c.Param("id")
	payment, err := h.app.RecordPayment(c.Request.Context(), loanID, application.RecordPaymentCommand{
		Amount:          req.Amount,
		Mode:            domain.PaymentMode(req.PaymentMode),
		ReferenceNumber: req.ReferenceNumber,
	})
	if err != nil {
		logger.Error(c.Request.Context(), "record payment failed", "loan_id", loanID, "error", err)
		respondError(c, err)
		return
	}
	response.Success(c, payment)
}

type prepayRequest struct {
	Amount          decimal.Decimal `json:"amount" binding:"required"`
	PaymentMode     string          `json:"paymentMode" binding:"required"`
	ReferenceNumber string          `json:"referenceNumber"`
}

// Prepay 提前结清
func (h *LoanHandler) Prepay(c *gin.Context) {
	var req prepayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	loanID := c.Param("id")
	result, err := h.app.Prepay(c.Request.Context(), loanID, application.PrepayCommand{
		Amount:          req.Amount,
		Mode:            domain.PaymentMode(req.PaymentMode),
		ReferenceNumber: req.ReferenceNumber,
	})
	if err != nil {
		logger.Error(c.Request.Context(), "prepayment failed", "loan_id", loanID, "error", err)
		respondError(c, err)
		return
	}
	response.Success(c, result)
}

type terminateRequest struct {
	Remarks string `json:"remarks"`
}

// Settle 协商和解结清
func (h *LoanHandler) Settle(c *gin.Context) {
	var req terminateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	loan, err := h.app.Settle(c.Request.Context(), c.Param("id"), req.Remarks)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, loan)
}

// WriteOff 核销
func (h *LoanHandler) WriteOff(c *gin.Context) {
	var req terminateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	loan, err := h.app.WriteOff(c.Request.Context(), c.Param("id"), req.Remarks)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, loan)
}

// ResolveMarginCall 补仓确认
func (h *LoanHandler) ResolveMarginCall(c *gin.Context) {
	loanID := c.Param("id")
	if err := h.margin.ResolveMarginCall(c.Request.Context(), loanID); err != nil {
		respondError(c, err)
		return
	}
	loan, err := h.app.GetLoan(c.Request.Context(), loanID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, loan)
}

// PortfolioSummary 组合总览
func (h *LoanHandler) PortfolioSummary(c *gin.Context) {
	summary, err := h.app.PortfolioSummary(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, summary)
}

// ListMarginCalled 追保贷款列表
func (h *LoanHandler) ListMarginCalled(c *gin.Context) {
	loans, err := h.app.ListMarginCalled(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, loans)
}

// SweepOverdue 手工触发逾期巡检
func (h *LoanHandler) SweepOverdue(c *gin.Context) {
	report, err := h.app.SweepOverdue(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, report)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrLoanNotFound):
		response.ErrorWithStatus(c, http.StatusNotFound, "loan not found", "")
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidInput):
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, domain.ErrInvalidLoanState), errors.Is(err, domain.ErrConcurrentModification):
		response.ErrorWithStatus(c, http.StatusConflict, err.Error(), "")
	default:
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
	}
}
