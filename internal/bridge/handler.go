package bridge

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/auth"
	"carbon-scribe/bridge-backend/pkg/httputil"
)

// Handler handles HTTP requests for bridge accounting
type Handler struct {
	bridge *Bridge
	logger *zap.Logger
}

func NewHandler(b *Bridge, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{bridge: b, logger: logger}
}

// TransferRequest is the body of POST /bridge/transfers.
type TransferRequest struct {
	Recipient string `json:"recipient"`
	Token     string `json:"token"`
	Amount    int64  `json:"amount"`
	Note      string `json:"note"`
}

// RegisterRoutes registers bridge routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	bridge := rg.Group("/bridge")
	{
		bridge.POST("/transfers", h.transfer)
		bridge.GET("/transfers", h.records)
		bridge.POST("/pause", h.pause)
		bridge.POST("/unpause", h.unpause)
		bridge.GET("/status", h.status)
	}
}

// transfer handles POST /bridge/transfers
func (h *Handler) transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	rec, err := h.bridge.Bridge(c.Request.Context(), auth.Caller(c), Request(req))
	if err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// records handles GET /bridge/transfers
func (h *Handler) records(c *gin.Context) {
	total, records := h.bridge.Snapshot()
	c.JSON(http.StatusOK, gin.H{"total_transferred": total, "transfers": records})
}

// pause handles POST /bridge/pause
func (h *Handler) pause(c *gin.Context) {
	if err := h.bridge.Pause(c.Request.Context(), auth.Caller(c)); err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	h.status(c)
}

// unpause handles POST /bridge/unpause
func (h *Handler) unpause(c *gin.Context) {
	if err := h.bridge.Unpause(c.Request.Context(), auth.Caller(c)); err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	h.status(c)
}

// status handles GET /bridge/status
func (h *Handler) status(c *gin.Context) {
	cfg := h.bridge.Config()
	c.JSON(http.StatusOK, gin.H{
		"paused":               h.bridge.Paused(),
		"total_transferred":    h.bridge.TotalTransferred(),
		"owner":                cfg.Owner,
		"recipient_prefix":     cfg.RecipientPrefix,
		"min_recipient_length": cfg.MinRecipientLength,
	})
}
