package handlers

import (
	"net/http"

	"paycore/internal/gateway"
	"paycore/internal/middleware"
	"paycore/internal/models"
	"paycore/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PaymentHandler exposes transfers, fee quotes and balances.
type PaymentHandler struct {
	gw        *gateway.Gateway
	optimizer *services.FeeOptimizerService
	backup    *services.BackupPaymentService
	logger    *logrus.Logger
}

// NewPaymentHandler creates the payment handler.
func NewPaymentHandler(
	gw *gateway.Gateway,
	optimizer *services.FeeOptimizerService,
	backup *services.BackupPaymentService,
	logger *logrus.Logger,
) *PaymentHandler {
	return &PaymentHandler{
		gw:        gw,
		optimizer: optimizer,
		backup:    backup,
		logger:    logger,
	}
}

type sendPaymentRequest struct {
	Chain       string `json:"chain" binding:"required"`
	To          string `json:"to" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Token       string `json:"token"`   // "native" or "stable", default stable
	Urgency     string `json:"urgency"` // urgency tier, default standard
	Note        string `json:"note"`
	ReferenceID string `json:"reference_id"`
}

// SendPayment POST /api/v1/payments
func (h *PaymentHandler) SendPayment(c *gin.Context) {
	var req sendPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    "INVALID_REQUEST",
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "amount must be a positive decimal",
			"code":    "INVALID_REQUEST",
		})
		return
	}

	token := models.TokenTypeStable
	if req.Token == string(models.TokenTypeNative) {
		token = models.TokenTypeNative
	}
	urgency := models.UrgencyTier(req.Urgency)
	if urgency == "" {
		urgency = models.UrgencyStandard
	}

	partyID := middleware.PartyID(c)
	h.logger.WithFields(logrus.Fields{
		"party_id": partyID,
		"chain":    req.Chain,
		"amount":   req.Amount,
		"token":    token,
	}).Info("Payment requested")

	// Price the transfer at the recommended tier rate when a quote exists.
	var gasPriceGwei decimal.Decimal
	if quote, err := h.optimizer.Recommend(c.Request.Context(), req.Chain, urgency); err == nil {
		gasPriceGwei = quote.RecommendedGwei
	}

	tx, err := h.gw.SendPayment(c.Request.Context(), &gateway.SendRequest{
		Chain:        req.Chain,
		PartyID:      partyID,
		To:           req.To,
		Amount:       amount,
		Token:        token,
		Urgency:      urgency,
		Note:         req.Note,
		ReferenceID:  req.ReferenceID,
		GasPriceGwei: gasPriceGwei,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":     true,
		"transaction": tx,
	})
}

// GetTransaction GET /api/v1/payments/:id
func (h *PaymentHandler) GetTransaction(c *gin.Context) {
	tx, err := h.gw.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"transaction": tx,
	})
}

// ListBackupAttempts GET /api/v1/payments/:id/backups
func (h *PaymentHandler) ListBackupAttempts(c *gin.Context) {
	attempts, err := h.backup.ListAttempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"attempts": attempts,
	})
}

// GetFeeQuote GET /api/v1/fees/:chain?tier=standard
func (h *PaymentHandler) GetFeeQuote(c *gin.Context) {
	tier := models.UrgencyTier(c.DefaultQuery("tier", string(models.UrgencyStandard)))

	quote, err := h.optimizer.Recommend(c.Request.Context(), c.Param("chain"), tier)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    "INVALID_REQUEST",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"quote":   quote,
	})
}

// GetAllFeeQuotes GET /api/v1/fees/:chain/all
func (h *PaymentHandler) GetAllFeeQuotes(c *gin.Context) {
	chainName := c.Param("chain")
	tiers := []models.UrgencyTier{
		models.UrgencyEconomy, models.UrgencyStandard,
		models.UrgencyPriority, models.UrgencyUrgent,
	}

	quotes := make([]*services.FeeQuote, 0, len(tiers))
	for _, tier := range tiers {
		quote, err := h.optimizer.Recommend(c.Request.Context(), chainName, tier)
		if err != nil {
			respondError(c, err)
			return
		}
		quotes = append(quotes, quote)
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"chain":   chainName,
		"quotes":  quotes,
	})
}

// GetBalance GET /api/v1/balances/:chain/:address
func (h *PaymentHandler) GetBalance(c *gin.Context) {
	balance, err := h.gw.GetBalance(c.Request.Context(), c.Param("chain"), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"chain":   c.Param("chain"),
		"address": c.Param("address"),
		"native":  balance.Native,
		"stable":  balance.Stable,
	})
}
