// Package gateway is the single entry point for moving value on a chain.
// It validates, checks custodial reserves, broadcasts through the adapter
// registry, and persists the pending record before returning, so in-flight
// funds always have a database reference.
package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"paycore/internal/chain"
	"paycore/internal/metrics"
	"paycore/internal/models"
	"paycore/internal/payerr"
	"paycore/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const sendTimeout = 30 * time.Second

// SendRequest describes one outbound payment.
type SendRequest struct {
	Chain        string
	PartyID      string
	To           string
	Amount       decimal.Decimal
	Token        models.TokenType
	Urgency      models.UrgencyTier
	Note         string
	ReferenceID  string          // caller idempotency key; optional
	GasPriceGwei decimal.Decimal // optional override from the fee optimizer
}

// Gateway orchestrates transfers across the registered chain adapters.
type Gateway struct {
	registry *chain.Registry
	txRepo   repository.TransactionRepository
}

// NewGateway creates the chain gateway.
func NewGateway(registry *chain.Registry, txRepo repository.TransactionRepository) *Gateway {
	return &Gateway{
		registry: registry,
		txRepo:   txRepo,
	}
}

// Registry exposes the adapter registry to the background services.
func (g *Gateway) Registry() *chain.Registry {
	return g.registry
}

// SendPayment validates and broadcasts a transfer. On success the returned
// record is already persisted with status pending. A repeated ReferenceID
// returns the original record instead of moving funds twice.
func (g *Gateway) SendPayment(ctx context.Context, req *SendRequest) (*models.ChainTransaction, error) {
	if req.ReferenceID != "" {
		existing, err := g.txRepo.GetByReference(ctx, req.ReferenceID)
		if err == nil {
			log.Printf("🔁 Idempotent replay for reference %s, returning tx %s", req.ReferenceID, existing.ID)
			return existing, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if !req.Amount.IsPositive() {
		return nil, payerr.New(payerr.KindInsufficientFunds, "amount must be positive")
	}

	adapter, err := g.registry.Get(req.Chain)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindChainUnavailable, err, "chain %s is not available", req.Chain)
	}

	if !adapter.ValidateAddress(req.To) {
		return nil, payerr.New(payerr.KindInvalidAddress, "invalid %s address: %s", req.Chain, req.To)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	fee, err := adapter.EstimateFee(ctx, req.Amount, req.Token)
	if err != nil {
		return nil, g.mapDeadline(ctx, err)
	}

	if err := g.checkReserves(ctx, adapter, req, fee); err != nil {
		return nil, err
	}

	txHash, err := adapter.Send(ctx, &chain.TransferRequest{
		To:           req.To,
		Amount:       req.Amount,
		Token:        req.Token,
		GasPriceGwei: req.GasPriceGwei,
	})
	if err != nil {
		return nil, g.mapDeadline(ctx, err)
	}

	record := &models.ChainTransaction{
		ID:          uuid.NewString(),
		TxHash:      txHash,
		Chain:       req.Chain,
		FromAddress: adapter.CustodialAddress(),
		ToAddress:   req.To,
		PartyID:     req.PartyID,
		Amount:      req.Amount,
		TokenType:   req.Token,
		Status:      models.TxStatusPending,
		FeePaid:     fee,
		UrgencyTier: req.Urgency,
		Note:        req.Note,
		ReferenceID: req.ReferenceID,
	}
	if record.UrgencyTier == "" {
		record.UrgencyTier = models.UrgencyStandard
	}

	// The broadcast already happened; losing this write would orphan the
	// funds, so a persistence failure is surfaced loudly instead of retried.
	if err := g.txRepo.Create(ctx, record); err != nil {
		log.Printf("❌ CRITICAL: broadcast %s on %s but failed to persist record: %v", txHash, req.Chain, err)
		return nil, err
	}

	metrics.TransactionsTotal.WithLabelValues(req.Chain, string(models.TxStatusPending)).Inc()
	metrics.PendingTransactions.WithLabelValues(req.Chain).Inc()
	log.Printf("🚀 Broadcast %s transfer %s on %s: %s -> %s", req.Token, record.ID, req.Chain, record.Amount, req.To)

	return record, nil
}

// checkReserves enforces the custodial balance invariants. Stable-token
// transfers spend the token for value and the native coin for gas, so the
// two shortfalls are reported as distinct failures.
func (g *Gateway) checkReserves(ctx context.Context, adapter chain.Adapter, req *SendRequest, fee decimal.Decimal) error {
	balance, err := adapter.GetBalance(ctx, adapter.CustodialAddress())
	if err != nil {
		return g.mapDeadline(ctx, err)
	}

	if req.Token == models.TokenTypeStable {
		if balance.Stable.LessThan(req.Amount) {
			return payerr.New(payerr.KindInsufficientFunds,
				"custodial stable balance %s below requested %s on %s", balance.Stable, req.Amount, req.Chain)
		}
		if balance.Native.LessThan(fee) {
			return payerr.New(payerr.KindInsufficientGasReserve,
				"custodial gas reserve %s below estimated fee %s on %s", balance.Native, fee, req.Chain)
		}
		return nil
	}

	if balance.Native.LessThan(req.Amount.Add(fee)) {
		return payerr.New(payerr.KindInsufficientFunds,
			"custodial balance %s below requested %s plus fee %s on %s", balance.Native, req.Amount, fee, req.Chain)
	}
	return nil
}

// GetBalance reads live balances for an arbitrary address.
func (g *Gateway) GetBalance(ctx context.Context, chainName, address string) (*chain.Balance, error) {
	adapter, err := g.registry.Get(chainName)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindChainUnavailable, err, "chain %s is not available", chainName)
	}
	return adapter.GetBalance(ctx, address)
}

// GetTransaction resolves a stored transaction by internal ID or chain hash.
func (g *Gateway) GetTransaction(ctx context.Context, idOrHash string) (*models.ChainTransaction, error) {
	tx, err := g.txRepo.GetByID(ctx, idOrHash)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return g.txRepo.GetByHash(ctx, idOrHash)
}

// EstimateFee returns the current fee estimate in native units.
func (g *Gateway) EstimateFee(ctx context.Context, chainName string, amount decimal.Decimal, token models.TokenType) (decimal.Decimal, error) {
	adapter, err := g.registry.Get(chainName)
	if err != nil {
		return decimal.Zero, payerr.Wrap(payerr.KindChainUnavailable, err, "chain %s is not available", chainName)
	}
	return adapter.EstimateFee(ctx, amount, token)
}

// mapDeadline converts a context deadline hit into the timeout kind so
// callers can distinguish slow chains from broken ones.
func (g *Gateway) mapDeadline(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return payerr.Wrap(payerr.KindTimeout, err, "chain operation timed out")
	}
	if _, ok := payerr.KindOf(err); ok {
		return err
	}
	return payerr.Wrap(payerr.KindChainUnavailable, err, "chain operation failed")
}
