package handlers

import (
	"net/http"
	"time"

	"paycore/internal/middleware"
	"paycore/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// EscrowHandler exposes the escrow state machine over REST.
type EscrowHandler struct {
	escrow *services.EscrowService
	logger *logrus.Logger
}

// NewEscrowHandler creates the escrow handler.
func NewEscrowHandler(escrow *services.EscrowService, logger *logrus.Logger) *EscrowHandler {
	return &EscrowHandler{
		escrow: escrow,
		logger: logger,
	}
}

type createEscrowRequest struct {
	TaskRef           string `json:"task_ref" binding:"required"`
	PayeeID           string `json:"payee_id" binding:"required"`
	Amount            string `json:"amount" binding:"required"`
	Currency          string `json:"currency"`
	Chain             string `json:"chain" binding:"required"`
	ReleaseConditions string `json:"release_conditions"`
	ExpiresAt         string `json:"expires_at"` // RFC3339, optional
}

// Create POST /api/v1/escrows — the authenticated party becomes the payer.
func (h *EscrowHandler) Create(c *gin.Context) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    "INVALID_REQUEST",
		})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "amount must be a decimal string",
			"code":    "INVALID_REQUEST",
		})
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "expires_at must be RFC3339",
				"code":    "INVALID_REQUEST",
			})
			return
		}
		expiresAt = &parsed
	}

	partyID := middleware.PartyID(c)
	escrow, err := h.escrow.Create(c.Request.Context(), &services.CreateEscrowRequest{
		TaskRef:           req.TaskRef,
		PayerID:           partyID,
		PayeeID:           req.PayeeID,
		Amount:            amount,
		Currency:          req.Currency,
		Chain:             req.Chain,
		ReleaseConditions: req.ReleaseConditions,
		ExpiresAt:         expiresAt,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"escrow_id": escrow.ID,
		"task_ref":  escrow.TaskRef,
		"payer_id":  partyID,
	}).Info("Escrow created")

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"escrow":  escrow,
	})
}

type fundEscrowRequest struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

// Fund POST /api/v1/escrows/:id/fund
func (h *EscrowHandler) Fund(c *gin.Context) {
	var req fundEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    "INVALID_REQUEST",
		})
		return
	}

	escrow, err := h.escrow.Fund(c.Request.Context(), c.Param("id"), middleware.PartyID(c), req.TxHash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"escrow":  escrow,
	})
}

// Release POST /api/v1/escrows/:id/release
func (h *EscrowHandler) Release(c *gin.Context) {
	escrow, err := h.escrow.Release(c.Request.Context(), c.Param("id"), middleware.PartyID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"escrow":  escrow,
	})
}

type refundEscrowRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Refund POST /api/v1/escrows/:id/refund
func (h *EscrowHandler) Refund(c *gin.Context) {
	var req refundEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    "INVALID_REQUEST",
		})
		return
	}

	escrow, err := h.escrow.Refund(c.Request.Context(), c.Param("id"), middleware.PartyID(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"escrow":  escrow,
	})
}

type disputeEscrowRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Dispute POST /api/v1/escrows/:id/dispute
func (h *EscrowHandler) Dispute(c *gin.Context) {
	var req disputeEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    "INVALID_REQUEST",
		})
		return
	}

	escrow, err := h.escrow.Dispute(c.Request.Context(), c.Param("id"), middleware.PartyID(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"escrow":  escrow,
	})
}

type resolveEscrowRequest struct {
	Outcome string `json:"outcome" binding:"required"` // release | refund | split
}

// Resolve POST /api/v1/admin/escrows/:id/resolve — admin only.
func (h *EscrowHandler) Resolve(c *gin.Context) {
	var req resolveEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    "INVALID_REQUEST",
		})
		return
	}

	adminID := middleware.PartyID(c)
	escrow, err := h.escrow.Resolve(c.Request.Context(), c.Param("id"), adminID, services.ResolutionOutcome(req.Outcome))
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"escrow_id": escrow.ID,
		"admin_id":  adminID,
		"outcome":   req.Outcome,
	}).Info("Dispute resolved")

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"escrow":  escrow,
	})
}

// Get GET /api/v1/escrows/:id — includes the ledger.
func (h *EscrowHandler) Get(c *gin.Context) {
	escrow, entries, err := h.escrow.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"escrow":  escrow,
		"ledger":  entries,
	})
}

// List GET /api/v1/escrows — escrows the caller participates in.
func (h *EscrowHandler) List(c *gin.Context) {
	escrows, err := h.escrow.ListByParty(c.Request.Context(), middleware.PartyID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"escrows": escrows,
	})
}
