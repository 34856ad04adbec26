// 质押品 HTTP 处理器：建仓、查询、NAV 重估与解押
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/response"

	"github.com/wyfcoding/lamf/internal/collateral/application"
	"github.com/wyfcoding/lamf/internal/collateral/domain"
	"github.com/wyfcoding/lamf/pkg/logger"
)

// CollateralHandler 质押品 HTTP 处理器
type CollateralHandler struct {
	app *application.CollateralService
}

// NewCollateralHandler 创建处理器实例
func NewCollateralHandler(app *application.CollateralService) *CollateralHandler {
	return &CollateralHandler{app: app}
}

// RegisterRoutes 注册路由
func (h *CollateralHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/collaterals", h.Pledge)
		api.GET("/collaterals", h.List)
		api.GET("/collaterals/:id", h.Get)
		api.PUT("/collaterals/:id/nav", h.UpdateNav)
		api.PATCH("/collaterals/:id/lien", h.UpdateLien)
		api.POST("/collaterals/:id/release", h.Release)
		api.POST("/collaterals/nav-updates", h.BulkNavUpdate)
	}
}

type pledgeRequest struct {
	CustomerID    string          `json:"customerId" binding:"required"`
	ApplicationID string          `json:"applicationId"`
	FundHouse     string          `json:"fundHouse" binding:"required"`
	SchemeName    string          `json:"schemeName" binding:"required"`
	Isin          string          `json:"isin" binding:"required"`
	FolioNumber   string          `json:"folioNumber" binding:"required"`
	FundType      string          `json:"fundType" binding:"required"`
	Units         decimal.Decimal `json:"units" binding:"required"`
	Nav           decimal.Decimal `json:"nav" binding:"required"`
	LtvPercent    decimal.Decimal `json:"ltvPercent" binding:"required"`
}

// Pledge 质押建仓
func (h *CollateralHandler) Pledge(c *gin.Context) {
	var req pledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	collateral, err := h.app.Pledge(c.Request.Context(), application.PledgeCommand{
		CustomerID:    req.CustomerID,
		ApplicationID: req.ApplicationID,
		FundHouse:     req.FundHouse,
		SchemeName:    req.SchemeName,
		Isin:          req.Isin,
		FolioNumber:   req.FolioNumber,
		FundType:      domain.FundType(req.FundType),
		Units:         req.Units,
		Nav:           req.Nav,
		LtvPercent:    req.LtvPercent,
	})
	if err != nil {
		logger.Error(c.Request.Context(), "pledge failed", "customer_id", req.CustomerID, "error", err)
		respondError(c, err)
		return
	}
	response.Success(c, collateral)
}

// Get 质押品详情
func (h *CollateralHandler) Get(c *gin.Context) {
	collateral, err := h.app.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, collateral)
}

// List 按客户或贷款列出质押品
func (h *CollateralHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	if loanID := c.Query("loanId"); loanID != "" {
		collaterals, err := h.app.ListByLoan(ctx, loanID)
		if err != nil {
			respondError(c, err)
			return
		}
		response.Success(c, collaterals)
		return
	}

	customerID := c.Query("customerId")
	if customerID == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "customerId or loanId is required", "")
		return
	}
	collaterals, err := h.app.ListByCustomer(ctx, customerID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, collaterals)
}

type navUpdateRequest struct {
	Nav decimal.Decimal `json:"nav" binding:"required"`
}

// UpdateNav 单一质押品 NAV 重估
func (h *CollateralHandler) UpdateNav(c *gin.Context) {
	var req navUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	collateral, err := h.app.UpdateNav(c.Request.Context(), c.Param("id"), req.Nav)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, collateral)
}

type bulkNavRequest struct {
	Updates []application.NavUpdate `json:"updates" binding:"required,dive"`
}

// BulkNavUpdate NAV 行情批量重估
func (h *CollateralHandler) BulkNavUpdate(c *gin.Context) {
	var req bulkNavRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	report, err := h.app.BulkNavUpdate(c.Request.Context(), req.Updates)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, report)
}

type lienUpdateRequest struct {
	LienStatus          string `json:"lienStatus" binding:"required"`
	LienReferenceNumber string `json:"lienReferenceNumber"`
}

// UpdateLien 质押登记状态流转
func (h *CollateralHandler) UpdateLien(c *gin.Context) {
	var req lienUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	collateral, err := h.app.UpdateLien(c.Request.Context(), c.Param("id"),
		domain.LienStatus(req.LienStatus), req.LienReferenceNumber)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, collateral)
}

// Release 解押
func (h *CollateralHandler) Release(c *gin.Context) {
	collateral, err := h.app.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, collateral)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrCollateralNotFound):
		response.ErrorWithStatus(c, http.StatusNotFound, "collateral not found", "")
	case errors.Is(err, domain.ErrInvalidInput):
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, domain.ErrInvalidCollateralState), errors.Is(err, domain.ErrConcurrentModification):
		response.ErrorWithStatus(c, http.StatusConflict, err.Error(), "")
	default:
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
	}
}
