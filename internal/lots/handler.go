package lots

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/access"
	"carbon-scribe/bridge-backend/internal/auth"
	"carbon-scribe/bridge-backend/pkg/httputil"
)

// Handler handles HTTP requests for token lots
type Handler struct {
	factory *Factory
	logger  *zap.Logger
}

func NewHandler(f *Factory, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{factory: f, logger: logger}
}

// TransferRequest moves the caller's units to another holder.
type TransferRequest struct {
	To     string `json:"to" binding:"required"`
	Amount int64  `json:"amount"`
}

// RegisterRoutes registers token lot routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	lots := rg.Group("/lots")
	{
		lots.GET("", h.list)
		lots.GET("/:vintage", h.stats)
		lots.GET("/:vintage/balances/:holder", h.balance)
		lots.POST("/:vintage/transfer", h.transfer)
	}
}

// list handles GET /lots
func (h *Handler) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"lots": h.factory.Lots()})
}

// stats handles GET /lots/:vintage
func (h *Handler) stats(c *gin.Context) {
	vintageID, ok := httputil.UintParam(c, "vintage")
	if !ok {
		return
	}
	s, err := h.factory.Stats(vintageID)
	if err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// balance handles GET /lots/:vintage/balances/:holder
func (h *Handler) balance(c *gin.Context) {
	vintageID, ok := httputil.UintParam(c, "vintage")
	if !ok {
		return
	}
	holder := c.Param("holder")
	c.JSON(http.StatusOK, gin.H{
		"vintage_id": vintageID,
		"holder":     holder,
		"balance":    h.factory.BalanceOf(vintageID, access.Identity(holder)),
	})
}

// transfer handles POST /lots/:vintage/transfer
func (h *Handler) transfer(c *gin.Context) {
	vintageID, ok := httputil.UintParam(c, "vintage")
	if !ok {
		return
	}
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	caller := auth.Caller(c)
	if err := h.factory.Transfer(c.Request.Context(), caller, vintageID, access.Identity(req.To), req.Amount); err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"vintage_id": vintageID,
		"holder":     caller,
		"balance":    h.factory.BalanceOf(vintageID, caller),
	})
}
