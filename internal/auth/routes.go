package auth

import "github.com/gin-gonic/gin"

// RegisterRoutes registers auth routes on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	authGroup := rg.Group("/auth")
	{
		authGroup.GET("/me", h.Me)
		authGroup.POST("/grants", h.Grant)
	}
}
