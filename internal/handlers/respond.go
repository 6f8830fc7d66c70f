package handlers

import (
	"errors"
	"net/http"

	"paycore/internal/payerr"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// respondError writes the uniform error envelope. Typed settlement errors
// map to their HTTP status; anything unexpected becomes a bare 500 so
// internal details never leak to callers.
func respondError(c *gin.Context, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Resource not found",
			"code":    "NOT_FOUND",
		})
		return
	}

	if kind, ok := payerr.KindOf(err); ok {
		var pe *payerr.Error
		errors.As(err, &pe)
		c.JSON(payerr.HTTPStatus(kind), gin.H{
			"success": false,
			"error":   pe.Message,
			"code":    string(kind),
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"error":   "Internal server error",
		"code":    "INTERNAL_ERROR",
	})
}
