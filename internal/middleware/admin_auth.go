package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
)

// AdminAuthMiddleware gates the operator endpoints. On top of a valid JWT
// with role admin it requires a fresh TOTP code on every request, so a
// leaked admin token alone cannot move funds.
type AdminAuthMiddleware struct {
	logger     *logrus.Logger
	totpSecret string
}

// NewAdminAuthMiddleware creates the admin middleware.
func NewAdminAuthMiddleware(logger *logrus.Logger, totpSecret string) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{
		logger:     logger,
		totpSecret: totpSecret,
	}
}

// RequireAdmin must run after RequireAuth.
func (a *AdminAuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get("role")
		if role != "admin" {
			a.logger.WithFields(logrus.Fields{
				"path":     c.Request.URL.Path,
				"method":   c.Request.Method,
				"party_id": PartyID(c),
				"role":     role,
			}).Warn("Admin auth failed - insufficient permissions")

			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "Insufficient permissions",
				"code":    "INSUFFICIENT_PERMISSIONS",
			})
			c.Abort()
			return
		}

		if a.totpSecret != "" {
			code := c.GetHeader("X-TOTP-Code")
			if code == "" || !totp.Validate(code, a.totpSecret) {
				a.logger.WithFields(logrus.Fields{
					"path":     c.Request.URL.Path,
					"method":   c.Request.Method,
					"party_id": PartyID(c),
				}).Warn("Admin auth failed - TOTP verification")

				c.JSON(http.StatusForbidden, gin.H{
					"success": false,
					"error":   "Valid TOTP code required",
					"code":    "INVALID_TOTP",
				})
				c.Abort()
				return
			}
		}

		c.Next()
	}
}
