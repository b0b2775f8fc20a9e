package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/internal/access"
)

const callerKey = "auth.caller"

// Validator resolves a bearer token to a caller.
type Validator interface {
	Validate(tokenString string) (access.Identity, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the caller.
func RequireAuth(validator Validator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" && strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			// browsers cannot set headers on websocket handshakes
			if q := c.Query("access_token"); q != "" {
				header = "Bearer " + q
			}
		}
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "kind": "Unauthenticated"})
			return
		}

		caller, err := validator.Validate(strings.TrimSpace(token))
		if err != nil {
			logger.Debug("rejected bearer token", zap.String("path", c.FullPath()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error(), "kind": "Unauthenticated"})
			return
		}

		c.Set(callerKey, caller)
		c.Next()
	}
}

// Caller returns the identity stored by RequireAuth, or "" outside authenticated routes.
func Caller(c *gin.Context) access.Identity {
	if v, ok := c.Get(callerKey); ok {
		if id, ok := v.(access.Identity); ok {
			return id
		}
	}
	return ""
}
