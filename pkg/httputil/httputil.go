// Package httputil renders ledger errors and parses path parameters for the gin handlers.
package httputil

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carbon-scribe/bridge-backend/pkg/apperr"
)

// WriteError renders err as {"error", "kind"} with the status of its kind. Defects are
// logged and their message withheld.
func WriteError(c *gin.Context, logger *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	if status >= http.StatusInternalServerError && kind.Category() == apperr.CategoryInvariant {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err))
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error", "kind": kind})
		return
	}
	if apperr.IsRetryable(err) {
		c.Header("Retry-After", "30")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "kind": kind})
}

// BadRequest renders a request body or parameter problem.
func BadRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "kind": apperr.KindInvalidInput})
}

// UintParam parses a positive integer path parameter, rendering a 400 when it is not one.
func UintParam(c *gin.Context, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		BadRequest(c, "invalid "+name)
		return 0, false
	}
	return v, true
}
