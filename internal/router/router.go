// Package router wires the HTTP surface: health, metrics, the party API
// and the admin API.
package router

import (
	"net/http"
	"strconv"
	"strings"

	"paycore/internal/config"
	"paycore/internal/handlers"
	"paycore/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// corsMiddleware applies the configured origin whitelist. An empty list
// allows everything, which is the development default.
func corsMiddleware(cfg *config.CORSConfig) gin.HandlerFunc {
	allowAll := len(cfg.AllowedOrigins) == 0 ||
		(len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*")
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = 3600
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, allowed := range cfg.AllowedOrigins {
				if strings.TrimSpace(allowed) == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept, X-TOTP-Code")
		if cfg.AllowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Handlers groups everything the router mounts.
type Handlers struct {
	Payments *handlers.PaymentHandler
	Escrows  *handlers.EscrowHandler
	Wallets  *handlers.WalletHandler
	Alerts   *handlers.AlertHandler
}

// SetupRouter builds the gin engine.
func SetupRouter(cfg *config.Config, logger *logrus.Logger, h *Handlers) *gin.Engine {
	r := gin.Default()

	r.Use(corsMiddleware(&cfg.CORS))
	r.Use(middleware.Metrics())

	auth := middleware.NewAuthMiddleware(logger)
	adminAuth := middleware.NewAdminAuthMiddleware(logger, cfg.Auth.AdminTOTPSecret)

	// ============ Health Check ============
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "paycore",
		})
	})

	// ============ Prometheus Metrics ============
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ============ Party API ============
	api := r.Group("/api/v1")
	api.Use(auth.RequireAuth())
	{
		api.POST("/payments", h.Payments.SendPayment)
		api.GET("/payments/:id", h.Payments.GetTransaction)
		api.GET("/payments/:id/backups", h.Payments.ListBackupAttempts)

		api.GET("/fees/:chain", h.Payments.GetFeeQuote)
		api.GET("/fees/:chain/all", h.Payments.GetAllFeeQuotes)
		api.GET("/balances/:chain/:address", h.Payments.GetBalance)

		api.POST("/wallets", h.Wallets.Register)
		api.GET("/wallets", h.Wallets.List)

		api.POST("/escrows", h.Escrows.Create)
		api.GET("/escrows", h.Escrows.List)
		api.GET("/escrows/:id", h.Escrows.Get)
		api.POST("/escrows/:id/fund", h.Escrows.Fund)
		api.POST("/escrows/:id/release", h.Escrows.Release)
		api.POST("/escrows/:id/refund", h.Escrows.Refund)
		api.POST("/escrows/:id/dispute", h.Escrows.Dispute)
	}

	// ============ Admin API ============
	admin := r.Group("/api/v1/admin")
	admin.Use(auth.RequireAuth(), adminAuth.RequireAdmin())
	{
		admin.POST("/escrows/:id/resolve", h.Escrows.Resolve)
		admin.GET("/alerts", h.Alerts.List)
		admin.GET("/alerts/feed", h.Alerts.Feed)
	}

	// ============ NoRoute handler for 404 ============
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Endpoint not found",
			"path":    c.Request.URL.Path,
		})
	})

	return r
}
