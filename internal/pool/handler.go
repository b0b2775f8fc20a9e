package pool

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/access"
	"carbon-scribe/bridge-backend/internal/auth"
	"carbon-scribe/bridge-backend/pkg/httputil"
)

// Handler handles HTTP requests for the pool
type Handler struct {
	pool   *Engine
	logger *zap.Logger
}

func NewHandler(p *Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{pool: p, logger: logger}
}

// EligibilityRequest classifies one vintage.
type EligibilityRequest struct {
	Classification string `json:"classification" binding:"required"`
}

// ListRequest classifies several vintages at once.
type ListRequest struct {
	VintageIDs []uint64 `json:"vintage_ids" binding:"required"`
}

// MovementRequest deposits or withdraws against one vintage.
type MovementRequest struct {
	VintageID uint64 `json:"vintage_id" binding:"required"`
	Amount    int64  `json:"amount"`
}

// TransferRequest moves pool tokens.
type TransferRequest struct {
	To     string `json:"to" binding:"required"`
	Amount int64  `json:"amount"`
}

// RegisterRoutes registers pool routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	pool := rg.Group("/pool")
	{
		pool.GET("", h.summary)
		pool.PUT("/eligibility/:vintage", h.setEligibility)
		pool.POST("/allowlist", h.allowList)
		pool.POST("/denylist", h.denyList)
		pool.POST("/deposit", h.deposit)
		pool.POST("/withdraw", h.withdraw)
		pool.POST("/transfer", h.transfer)
		pool.GET("/balances/:holder", h.balance)
	}
}

// summary handles GET /pool
func (h *Handler) summary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"totals": h.pool.Totals(), "vintages": h.pool.Reserves()})
}

// setEligibility handles PUT /pool/eligibility/:vintage
func (h *Handler) setEligibility(c *gin.Context) {
	vintageID, ok := httputil.UintParam(c, "vintage")
	if !ok {
		return
	}
	var req EligibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	class, ok := ParseClassification(req.Classification)
	if !ok {
		httputil.BadRequest(c, "classification must be eligible or ineligible")
		return
	}
	if err := h.pool.SetEligibility(c.Request.Context(), auth.Caller(c), vintageID, class); err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vintage_id": vintageID, "classification": h.pool.Classification(vintageID)})
}

// allowList handles POST /pool/allowlist
func (h *Handler) allowList(c *gin.Context) {
	h.classifyList(c, h.pool.AddToAllowList)
}

// denyList handles POST /pool/denylist
func (h *Handler) denyList(c *gin.Context) {
	h.classifyList(c, h.pool.AddToDenyList)
}

func (h *Handler) classifyList(c *gin.Context, apply func(context.Context, access.Identity, []uint64) error) {
	var req ListRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := apply(c.Request.Context(), auth.Caller(c), req.VintageIDs); err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vintages": h.pool.Reserves()})
}

// deposit handles POST /pool/deposit
func (h *Handler) deposit(c *gin.Context) {
	var req MovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	caller := auth.Caller(c)
	if err := h.pool.Deposit(c.Request.Context(), caller, req.VintageID, req.Amount); err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holder": caller, "balance": h.pool.BalanceOf(caller), "reserve": h.pool.Reserve(req.VintageID)})
}

// withdraw handles POST /pool/withdraw
func (h *Handler) withdraw(c *gin.Context) {
	var req MovementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	caller := auth.Caller(c)
	if err := h.pool.Withdraw(c.Request.Context(), caller, req.VintageID, req.Amount); err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holder": caller, "balance": h.pool.BalanceOf(caller), "reserve": h.pool.Reserve(req.VintageID)})
}

// transfer handles POST /pool/transfer
func (h *Handler) transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	caller := auth.Caller(c)
	if err := h.pool.Transfer(c.Request.Context(), caller, access.Identity(req.To), req.Amount); err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holder": caller, "balance": h.pool.BalanceOf(caller)})
}

// balance handles GET /pool/balances/:holder
func (h *Handler) balance(c *gin.Context) {
	holder := c.Param("holder")
	c.JSON(http.StatusOK, gin.H{"holder": holder, "balance": h.pool.BalanceOf(access.Identity(holder))})
}
