package batches

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/access"
	"carbon-scribe/bridge-backend/internal/auth"
	"carbon-scribe/bridge-backend/pkg/httputil"
)

// Handler handles HTTP requests for the batch lifecycle
type Handler struct {
	engine *Engine
	logger *zap.Logger
}

func NewHandler(e *Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: e, logger: logger}
}

// MintRequest creates an empty batch. Owner defaults to the caller.
type MintRequest struct {
	Owner string `json:"owner"`
}

// DataRequest sets the registry data of a batch.
type DataRequest struct {
	SerialNumber string `json:"serial_number" binding:"required"`
	Quantity     int64  `json:"quantity"`
	MetadataURI  string `json:"metadata_uri"`
}

// LinkRequest links a batch to a vintage.
type LinkRequest struct {
	VintageID uint64 `json:"vintage_id" binding:"required"`
}

// RegisterRoutes registers batch routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	batches := rg.Group("/batches")
	{
		batches.POST("", h.mint)
		batches.GET("", h.list)
		batches.GET("/:id", h.get)
		batches.GET("/:id/transitions", h.transitions)
		batches.PUT("/:id/data", h.setData)
		batches.PUT("/:id/vintage", h.linkVintage)
		batches.POST("/:id/confirm", h.confirm)
		batches.POST("/:id/fractionalize", h.fractionalize)
	}
}

// mint handles POST /batches
func (h *Handler) mint(c *gin.Context) {
	var req MintRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httputil.BadRequest(c, err.Error())
			return
		}
	}
	caller := auth.Caller(c)
	owner := access.Identity(req.Owner)
	if owner == "" {
		owner = caller
	}
	id, err := h.engine.MintEmpty(c.Request.Context(), caller, owner)
	if err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	h.respond(c, http.StatusCreated, id)
}

// list handles GET /batches?serial=
func (h *Handler) list(c *gin.Context) {
	if serial := c.Query("serial"); serial != "" {
		b, err := h.engine.BySerial(serial)
		if err != nil {
			httputil.WriteError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"batches": []Batch{b}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": h.engine.Batches()})
}

// get handles GET /batches/:id
func (h *Handler) get(c *gin.Context) {
	id, ok := httputil.UintParam(c, "id")
	if !ok {
		return
	}
	h.respond(c, http.StatusOK, id)
}

// transitions handles GET /batches/:id/transitions
func (h *Handler) transitions(c *gin.Context) {
	id, ok := httputil.UintParam(c, "id")
	if !ok {
		return
	}
	next, terminal, err := h.engine.Transitions(id)
	if err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "next_states": next, "terminal": terminal})
}

// setData handles PUT /batches/:id/data
func (h *Handler) setData(c *gin.Context) {
	id, ok := httputil.UintParam(c, "id")
	if !ok {
		return
	}
	var req DataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := h.engine.SetData(c.Request.Context(), auth.Caller(c), id, req.SerialNumber, req.Quantity, req.MetadataURI); err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	h.respond(c, http.StatusOK, id)
}

// linkVintage handles PUT /batches/:id/vintage
func (h *Handler) linkVintage(c *gin.Context) {
	id, ok := httputil.UintParam(c, "id")
	if !ok {
		return
	}
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	if err := h.engine.LinkVintage(c.Request.Context(), auth.Caller(c), id, req.VintageID); err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	h.respond(c, http.StatusOK, id)
}

// confirm handles POST /batches/:id/confirm
func (h *Handler) confirm(c *gin.Context) {
	id, ok := httputil.UintParam(c, "id")
	if !ok {
		return
	}
	if err := h.engine.ConfirmRetirement(c.Request.Context(), auth.Caller(c), id); err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	h.respond(c, http.StatusOK, id)
}

// fractionalize handles POST /batches/:id/fractionalize
func (h *Handler) fractionalize(c *gin.Context) {
	id, ok := httputil.UintParam(c, "id")
	if !ok {
		return
	}
	if err := h.engine.Fractionalize(c.Request.Context(), auth.Caller(c), id); err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	h.respond(c, http.StatusOK, id)
}

func (h *Handler) respond(c *gin.Context, status int, id uint64) {
	b, err := h.engine.Batch(id)
	if err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	c.JSON(status, b)
}
