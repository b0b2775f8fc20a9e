package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/access"
	"carbon-scribe/bridge-backend/pkg/apperr"
	"carbon-scribe/bridge-backend/pkg/httputil"
)

// Handler serves caller introspection and role administration.
type Handler struct {
	roles  *access.RoleTable
	logger *zap.Logger
}

func NewHandler(roles *access.RoleTable, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{roles: roles, logger: logger}
}

// GrantRequest grants or revokes one role.
type GrantRequest struct {
	Identity string `json:"identity" binding:"required"`
	Role     string `json:"role" binding:"required"`
	Revoke   bool   `json:"revoke"`
}

// Me handles GET /auth/me
func (h *Handler) Me(c *gin.Context) {
	caller := Caller(c)
	c.JSON(http.StatusOK, gin.H{"identity": caller, "roles": h.roles.RolesOf(caller)})
}

// Grant handles POST /auth/grants
func (h *Handler) Grant(c *gin.Context) {
	caller := Caller(c)
	if !h.roles.HasRole(caller, access.RoleAdmin) {
		httputil.WriteError(c, h.logger, apperr.Errorf(apperr.KindNotAdmin, "auth.Grant", "%s is not an admin", caller))
		return
	}

	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.BadRequest(c, err.Error())
		return
	}
	role, ok := access.ParseRole(req.Role)
	if !ok {
		httputil.BadRequest(c, "unknown role "+req.Role)
		return
	}

	target := access.Identity(req.Identity)
	if req.Revoke {
		h.roles.Revoke(role, target)
	} else {
		h.roles.Grant(role, target)
	}
	h.logger.Info("role updated",
		zap.String("by", string(caller)),
		zap.String("identity", req.Identity),
		zap.String("role", string(role)),
		zap.Bool("revoke", req.Revoke))

	c.JSON(http.StatusOK, gin.H{"identity": target, "roles": h.roles.RolesOf(target)})
}
