package catalog

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/auth"
	"carbon-scribe/bridge-backend/pkg/httputil"
)

// Handler handles HTTP requests for the catalog
type Handler struct {
	catalog *Catalog
	logger  *zap.Logger
}

func NewHandler(c *Catalog, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{catalog: c, logger: logger}
}

// RegisterRoutes registers catalog routes
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	catalog := rg.Group("/catalog")
	{
		catalog.POST("/projects", h.addProject)
		catalog.GET("/projects", h.listProjects)
		catalog.GET("/projects/:id", h.getProject)
		catalog.POST("/projects/:id/vintages", h.addVintage)
		catalog.GET("/vintages/:id", h.getVintage)
		catalog.GET("/vintages/:id/flags/:flag", h.getVintageFlag)
	}
}

// addProject handles POST /catalog/projects
func (h *Handler) addProject(c *gin.Context) {
	var req ProjectAttrs
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	id, err := h.catalog.AddProject(c.Request.Context(), auth.Caller(c), req)
	if err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	p, _ := h.catalog.Project(id)
	c.JSON(http.StatusCreated, p)
}

// listProjects handles GET /catalog/projects
func (h *Handler) listProjects(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"projects": h.catalog.Projects()})
}

// getProject handles GET /catalog/projects/:id
func (h *Handler) getProject(c *gin.Context) {
	id, ok := httputil.UintParam(c, "id")
	if !ok {
		return
	}
	p, err := h.catalog.Project(id)
	if err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": p, "vintages": h.catalog.VintagesOf(id)})
}

// addVintage handles POST /catalog/projects/:id/vintages
func (h *Handler) addVintage(c *gin.Context) {
	projectID, ok := httputil.UintParam(c, "id")
	if !ok {
		return
	}
	var req VintageAttrs
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	id, err := h.catalog.AddVintage(c.Request.Context(), auth.Caller(c), projectID, req)
	if err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	v, _ := h.catalog.Vintage(id)
	c.JSON(http.StatusCreated, v)
}

// getVintage handles GET /catalog/vintages/:id
func (h *Handler) getVintage(c *gin.Context) {
	id, ok := httputil.UintParam(c, "id")
	if !ok {
		return
	}
	v, err := h.catalog.Vintage(id)
	if err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// getVintageFlag handles GET /catalog/vintages/:id/flags/:flag
func (h *Handler) getVintageFlag(c *gin.Context) {
	id, ok := httputil.UintParam(c, "id")
	if !ok {
		return
	}
	v, err := h.catalog.Vintage(id)
	if err != nil {
		httputil.WriteError(c, h.logger, err)
		return
	}
	flag := c.Param("flag")
	c.JSON(http.StatusOK, gin.H{"vintage_id": v.ID, "flag": flag, "set": v.HasFlag(flag)})
}
