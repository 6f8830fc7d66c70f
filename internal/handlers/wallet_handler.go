package handlers

import (
	"net/http"

	"paycore/internal/gateway"
	"paycore/internal/middleware"
	"paycore/internal/payerr"
	"paycore/internal/repository"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WalletHandler registers and lists party wallets. A wallet is the payout
// destination for escrow settlements on its chain.
type WalletHandler struct {
	wallets repository.WalletRepository
	gw      *gateway.Gateway
	logger  *logrus.Logger
}

// NewWalletHandler creates the wallet handler.
func NewWalletHandler(wallets repository.WalletRepository, gw *gateway.Gateway, logger *logrus.Logger) *WalletHandler {
	return &WalletHandler{
		wallets: wallets,
		gw:      gw,
		logger:  logger,
	}
}

type registerWalletRequest struct {
	Chain   string `json:"chain" binding:"required"`
	Address string `json:"address" binding:"required"`
}

// Register POST /api/v1/wallets
func (h *WalletHandler) Register(c *gin.Context) {
	var req registerWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
			"code":    "INVALID_REQUEST",
		})
		return
	}

	adapter, err := h.gw.Registry().Get(req.Chain)
	if err != nil {
		respondError(c, payerr.Wrap(payerr.KindChainUnavailable, err, "chain %s is not available", req.Chain))
		return
	}
	if !adapter.ValidateAddress(req.Address) {
		respondError(c, payerr.New(payerr.KindInvalidAddress, "invalid %s address: %s", req.Chain, req.Address))
		return
	}

	partyID := middleware.PartyID(c)
	wallet, err := h.wallets.GetOrCreate(c.Request.Context(), partyID, req.Chain, req.Address)
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"party_id": partyID,
		"chain":    req.Chain,
		"address":  req.Address,
	}).Info("Wallet registered")

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"wallet":  wallet,
	})
}

// List GET /api/v1/wallets
func (h *WalletHandler) List(c *gin.Context) {
	wallets, err := h.wallets.ListActive(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	partyID := middleware.PartyID(c)
	own := wallets[:0]
	for _, wallet := range wallets {
		if wallet.PartyID == partyID {
			own = append(own, wallet)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"wallets": own,
	})
}
