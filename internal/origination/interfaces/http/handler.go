// 贷前 HTTP 处理器：申请受理、审批流转、放款与产品条款查询
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/pkg/response"

	"github.com/wyfcoding/lamf/internal/origination/application"
	"github.com/wyfcoding/lamf/internal/origination/domain"
	"github.com/wyfcoding/lamf/pkg/logger"
)

// ApplicationHandler 贷前 HTTP 处理器
type ApplicationHandler struct {
	app *application.ApplicationService
}

// NewApplicationHandler 创建处理器实例
func NewApplicationHandler(app *application.ApplicationService) *ApplicationHandler {
	return &ApplicationHandler{app: app}
}

// RegisterRoutes 注册路由
func (h *ApplicationHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/applications", h.Create)
		api.GET("/applications", h.ListByCustomer)
		api.GET("/applications/:id", h.Get)
		api.POST("/applications/:id/collaterals", h.AddCollateral)
		api.PATCH("/applications/:id/status", h.UpdateStatus)
		api.POST("/applications/:id/approve", h.Approve)
		api.POST("/applications/:id/disburse", h.Disburse)
		api.POST("/operations/application-expiry", h.ExpireStale)

		api.GET("/products", h.ListProducts)
		api.GET("/products/:code", h.GetProduct)
	}
}

type createApplicationRequest struct {
	CustomerID      string          `json:"customerId" binding:"required"`
	ProductCode     string          `json:"productCode" binding:"required"`
	RequestedAmount decimal.Decimal `json:"requestedAmount" binding:"required"`
	TenureMonths    int             `json:"tenureMonths" binding:"required"`
	CollateralIDs   []string        `json:"collateralIds"`
	Source          string          `json:"source"`
}

// Create 建件
func (h *ApplicationHandler) Create(c *gin.Context) {
	var req createApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	source := domain.ApplicationSource(req.Source)
	if source == "" {
		source = domain.SourceWeb
	}

	app, err := h.app.CreateApplication(c.Request.Context(), application.CreateApplicationCommand{
		CustomerID:      req.CustomerID,
		ProductCode:     req.ProductCode,
		RequestedAmount: req.RequestedAmount,
		TenureMonths:    req.TenureMonths,
		CollateralIDs:   req.CollateralIDs,
		Source:          source,
	})
	if err != nil {
		logger.Error(c.Request.Context(), "application creation failed",
			"customer_id", req.CustomerID, "error", err)
		respondError(c, err)
		return
	}
	response.Success(c, app)
}

// Get 申请详情 (含状态历史)
func (h *ApplicationHandler) Get(c *gin.Context) {
	app, err := h.app.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, app)
}

// ListByCustomer 客户名下申请
func (h *ApplicationHandler) ListByCustomer(c *gin.Context) {
	customerID := c.Query("customerId")
	if customerID == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "customerId is required", "")
		return
	}
	apps, err := h.app.ListByCustomer(c.Request.Context(), customerID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, apps)
}

type addCollateralRequest struct {
	CollateralID string `json:"collateralId" binding:"required"`
}

// AddCollateral 申请补充质押品
func (h *ApplicationHandler) AddCollateral(c *gin.Context) {
	var req addCollateralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	app, err := h.app.AddCollateral(c.Request.Context(), c.Param("id"), req.CollateralID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, app)
}

type updateStatusRequest struct {
	Status  string `json:"status" binding:"required"`
	Remarks string `json:"remarks"`
}

// UpdateStatus 审批流转
func (h *ApplicationHandler) UpdateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	app, err := h.app.UpdateStatus(c.Request.Context(), c.Param("id"),
		domain.ApplicationStatus(req.Status), req.Remarks)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, app)
}

type approveRequest struct {
	ApprovedAmount       decimal.Decimal `json:"approvedAmount"`
	ApprovedTenureMonths int             `json:"approvedTenureMonths"`
	Remarks              string          `json:"remarks"`
}

// Approve 审批通过
func (h *ApplicationHandler) Approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	app, err := h.app.Approve(c.Request.Context(), c.Param("id"), application.ApproveCommand{
		ApprovedAmount:       req.ApprovedAmount,
		ApprovedTenureMonths: req.ApprovedTenureMonths,
		Remarks:              req.Remarks,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, app)
}

// Disburse 放款
func (h *ApplicationHandler) Disburse(c *gin.Context) {
	loan, err := h.app.Disburse(c.Request.Context(), c.Param("id"))
	if err != nil {
		logger.Error(c.Request.Context(), "disbursement failed",
			"application_id", c.Param("id"), "error", err)
		respondError(c, err)
		return
	}
	response.Success(c, loan)
}

// ExpireStale 手工触发有效期巡检
func (h *ApplicationHandler) ExpireStale(c *gin.Context) {
	report, err := h.app.ExpireStale(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, report)
}

// ListProducts 产品条款列表
func (h *ApplicationHandler) ListProducts(c *gin.Context) {
	products, err := h.app.ListProducts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, products)
}

// GetProduct 产品条款
func (h *ApplicationHandler) GetProduct(c *gin.Context) {
	product, err := h.app.GetProduct(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, product)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrApplicationNotFound), errors.Is(err, domain.ErrProductNotFound):
		response.ErrorWithStatus(c, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInsufficientCollateral):
		response.ErrorWithStatus(c, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, domain.ErrInvalidApplicationState), errors.Is(err, domain.ErrConcurrentModification):
		response.ErrorWithStatus(c, http.StatusConflict, err.Error(), "")
	default:
		response.ErrorWithStatus(c, http.StatusInternalServerError, err.Error(), "")
	}
}
