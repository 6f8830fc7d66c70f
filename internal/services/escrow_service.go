package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"paycore/internal/clients"
	"paycore/internal/config"
	"paycore/internal/gateway"
	"paycore/internal/metrics"
	"paycore/internal/models"
	"paycore/internal/payerr"
	"paycore/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const sweepBatchSize = 50

// AlertTypeEscrow* are the escrow-related alert types.
const (
	AlertTypeEscrowPayoutFailed = "escrow_payout_failed"
	AlertTypeEscrowConservation = "escrow_conservation_breach"
	AlertTypeEscrowExpired      = "escrow_expired"
)

// ResolutionOutcome is an administrator's dispute verdict.
type ResolutionOutcome string

const (
	ResolveRelease ResolutionOutcome = "release"
	ResolveRefund  ResolutionOutcome = "refund"
	ResolveSplit   ResolutionOutcome = "split"
)

// releaseConditions is the machine-checkable condition document stored on
// an escrow.
type releaseConditions struct {
	RequireTaskCompleted bool `json:"require_task_completed"`
}

// CreateEscrowRequest describes a new escrow hold.
type CreateEscrowRequest struct {
	TaskRef           string
	PayerID           string
	PayeeID           string
	Amount            decimal.Decimal
	Currency          string
	Chain             string
	ReleaseConditions string     // optional JSON condition document
	ExpiresAt         *time.Time // nil means now + configured horizon
}

// EscrowService drives the escrow state machine. All status mutations go
// through conditional updates, so concurrent operations on the same escrow
// settle with exactly one winner and the rest get InvalidStateTransition.
type EscrowService struct {
	cfg     *config.EscrowConfig
	repo    repository.EscrowRepository
	wallets repository.WalletRepository
	gw      *gateway.Gateway
	tasks   clients.TaskStatusChecker
	alerts  *AlertService
	admins  map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEscrowService creates the escrow engine.
func NewEscrowService(
	cfg *config.EscrowConfig,
	repo repository.EscrowRepository,
	wallets repository.WalletRepository,
	gw *gateway.Gateway,
	tasks clients.TaskStatusChecker,
	alerts *AlertService,
) *EscrowService {
	admins := make(map[string]bool, len(cfg.AdminParties))
	for _, party := range cfg.AdminParties {
		admins[party] = true
	}
	return &EscrowService{
		cfg:     cfg,
		repo:    repo,
		wallets: wallets,
		gw:      gw,
		tasks:   tasks,
		alerts:  alerts,
		admins:  admins,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the expiration sweep loop.
func (s *EscrowService) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
	log.Printf("🚀 Escrow engine started (sweep=%ds, horizon=%dd)", s.cfg.SweepInterval, s.cfg.HorizonDays)
}

// Stop signals the sweep loop and waits for it to drain.
func (s *EscrowService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Printf("🛑 Escrow engine stopped")
}

// IsAdmin reports whether a party may resolve disputes.
func (s *EscrowService) IsAdmin(partyID string) bool {
	return s.admins[partyID]
}

// Create opens a new escrow in pending state. At most one escrow may exist
// per task reference; a duplicate surfaces as DuplicateEscrow.
func (s *EscrowService) Create(ctx context.Context, req *CreateEscrowRequest) (*models.EscrowAccount, error) {
	if req.TaskRef == "" || req.PayerID == "" || req.PayeeID == "" {
		return nil, payerr.New(payerr.KindInvalidStateTransition, "task_ref, payer_id and payee_id are required")
	}
	if req.PayerID == req.PayeeID {
		return nil, payerr.New(payerr.KindInvalidStateTransition, "payer and payee must be distinct")
	}
	if !req.Amount.IsPositive() {
		return nil, payerr.New(payerr.KindInvalidStateTransition, "amount must be positive")
	}
	if req.ReleaseConditions != "" {
		var conditions releaseConditions
		if err := json.Unmarshal([]byte(req.ReleaseConditions), &conditions); err != nil {
			return nil, payerr.Wrap(payerr.KindInvalidStateTransition, err, "release_conditions is not valid JSON")
		}
	}
	if _, err := s.gw.Registry().Get(req.Chain); err != nil {
		return nil, payerr.Wrap(payerr.KindChainUnavailable, err, "chain %s is not available", req.Chain)
	}

	expiresAt := time.Now().AddDate(0, 0, s.cfg.HorizonDays)
	if req.ExpiresAt != nil {
		if req.ExpiresAt.Before(time.Now()) {
			return nil, payerr.New(payerr.KindInvalidStateTransition, "expires_at is in the past")
		}
		expiresAt = *req.ExpiresAt
	}

	currency := req.Currency
	if currency == "" {
		currency = "USDT"
	}

	escrow := &models.EscrowAccount{
		ID:                uuid.NewString(),
		TaskRef:           req.TaskRef,
		PayerID:           req.PayerID,
		PayeeID:           req.PayeeID,
		Amount:            req.Amount,
		Currency:          currency,
		Chain:             req.Chain,
		ReleaseConditions: req.ReleaseConditions,
		Status:            models.EscrowStatusPending,
		ExpiresAt:         expiresAt,
	}
	if err := s.repo.Create(ctx, escrow); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("", string(models.EscrowStatusPending)).Inc()
	log.Printf("🚀 Escrow %s opened for task %s: %s %s, %s -> %s",
		escrow.ID, escrow.TaskRef, escrow.Amount, escrow.Currency, escrow.PayerID, escrow.PayeeID)
	return escrow, nil
}

// Fund verifies the payer's deposit on chain and moves pending -> funded.
// The deposit transaction hash is kept as the fund ledger entry. A deposit
// that cannot be verified as confirmed leaves the escrow pending.
func (s *EscrowService) Fund(ctx context.Context, escrowID, actorID, txHash string) (*models.EscrowAccount, error) {
	escrow, err := s.repo.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if actorID != escrow.PayerID && !s.IsAdmin(actorID) {
		return nil, payerr.New(payerr.KindUnauthorized, "only the payer can fund escrow %s", escrowID)
	}
	if txHash == "" {
		return nil, payerr.New(payerr.KindInvalidStateTransition, "a deposit transaction hash is required")
	}

	adapter, err := s.gw.Registry().Get(escrow.Chain)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindChainUnavailable, err, "chain %s is not available", escrow.Chain)
	}
	status, err := adapter.GetStatus(ctx, txHash)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindChainUnavailable, err,
			"deposit %s could not be verified on %s", txHash, escrow.Chain)
	}
	if status != models.TxStatusConfirmed {
		return nil, payerr.New(payerr.KindConditionsNotMet,
			"deposit %s is %s on %s, not confirmed", txHash, status, escrow.Chain)
	}

	moved, err := s.repo.UpdateStatusIf(ctx, escrowID, models.EscrowStatusPending, models.EscrowStatusFunded, nil)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, payerr.New(payerr.KindInvalidStateTransition,
			"escrow %s is not pending (current: %s)", escrowID, escrow.Status)
	}

	if err := s.repo.AppendLedger(ctx, &models.EscrowLedgerEntry{
		ID:        uuid.NewString(),
		EscrowID:  escrowID,
		EntryType: models.LedgerEntryFund,
		Amount:    escrow.Amount,
		TxHash:    txHash,
	}); err != nil {
		// A funded escrow without its fund entry would break the ledger,
		// so the transition is rolled back and funding must be retried.
		if reverted, revertErr := s.repo.UpdateStatusIf(ctx, escrowID,
			models.EscrowStatusFunded, models.EscrowStatusPending, nil); revertErr != nil || !reverted {
			log.Printf("❌ CRITICAL: escrow %s funded without a fund ledger entry: %v", escrowID, err)
			_ = s.alerts.Raise(ctx, models.AlertSeverityCritical, AlertTypeEscrowConservation,
				fmt.Sprintf("escrow %s is funded but its fund ledger entry failed: %v", escrowID, err),
				WithChain(escrow.Chain))
		}
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowStatusPending), string(models.EscrowStatusFunded)).Inc()
	log.Printf("✅ Escrow %s funded (deposit %s)", escrowID, txHash)
	return s.repo.GetByID(ctx, escrowID)
}

// Release pays the full amount to the payee. Requires funded state, an
// authorized actor (payer, payee or admin), and any release conditions
// satisfied.
func (s *EscrowService) Release(ctx context.Context, escrowID, actorID string) (*models.EscrowAccount, error) {
	escrow, err := s.repo.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if actorID != escrow.PayerID && actorID != escrow.PayeeID && !s.IsAdmin(actorID) {
		return nil, payerr.New(payerr.KindUnauthorized, "party %s may not release escrow %s", actorID, escrowID)
	}
	if err := s.checkConditions(ctx, escrow); err != nil {
		return nil, err
	}
	if err := s.checkConservation(ctx, escrow, escrow.Amount); err != nil {
		return nil, err
	}

	moved, err := s.repo.UpdateStatusIf(ctx, escrowID, models.EscrowStatusFunded, models.EscrowStatusReleased,
		map[string]interface{}{"resolved_by": actorID})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, payerr.New(payerr.KindInvalidStateTransition,
			"escrow %s is not funded (current: %s)", escrowID, escrow.Status)
	}

	txHash, err := s.payout(ctx, escrow, escrow.PayeeID, escrow.Amount, escrowID+":release")
	if err != nil {
		s.revertClaim(ctx, escrow, models.EscrowStatusReleased, err)
		return nil, err
	}

	if err := s.appendMovement(ctx, escrow, models.LedgerEntryRelease, escrow.Amount, txHash); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowStatusFunded), string(models.EscrowStatusReleased)).Inc()
	s.recordReleased(escrow.Currency, escrow.Amount)
	log.Printf("✅ Escrow %s released to %s (%s)", escrowID, escrow.PayeeID, txHash)
	return s.repo.GetByID(ctx, escrowID)
}

// Refund returns the full amount to the payer. Allowed from funded state for
// the payer or an admin; the sweep uses the same path with reason "expired".
func (s *EscrowService) Refund(ctx context.Context, escrowID, actorID, reason string) (*models.EscrowAccount, error) {
	escrow, err := s.repo.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if actorID != escrow.PayerID && !s.IsAdmin(actorID) && actorID != "system" {
		return nil, payerr.New(payerr.KindUnauthorized, "party %s may not refund escrow %s", actorID, escrowID)
	}
	return s.refundFunded(ctx, escrow, actorID, reason)
}

func (s *EscrowService) refundFunded(ctx context.Context, escrow *models.EscrowAccount, actorID, reason string) (*models.EscrowAccount, error) {
	if err := s.checkConservation(ctx, escrow, escrow.Amount); err != nil {
		return nil, err
	}

	moved, err := s.repo.UpdateStatusIf(ctx, escrow.ID, models.EscrowStatusFunded, models.EscrowStatusRefunded,
		map[string]interface{}{"resolved_by": actorID, "refund_reason": reason})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, payerr.New(payerr.KindInvalidStateTransition,
			"escrow %s is not funded (current: %s)", escrow.ID, escrow.Status)
	}

	txHash, err := s.payout(ctx, escrow, escrow.PayerID, escrow.Amount, escrow.ID+":refund")
	if err != nil {
		s.revertClaim(ctx, escrow, models.EscrowStatusRefunded, err)
		return nil, err
	}

	if err := s.appendMovement(ctx, escrow, models.LedgerEntryRefund, escrow.Amount, txHash); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowStatusFunded), string(models.EscrowStatusRefunded)).Inc()
	log.Printf("✅ Escrow %s refunded to %s: %s (%s)", escrow.ID, escrow.PayerID, reason, txHash)
	return s.repo.GetByID(ctx, escrow.ID)
}

// Dispute freezes a funded escrow until an administrator resolves it.
// Either side of the escrow may raise it.
func (s *EscrowService) Dispute(ctx context.Context, escrowID, actorID, reason string) (*models.EscrowAccount, error) {
	escrow, err := s.repo.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if actorID != escrow.PayerID && actorID != escrow.PayeeID {
		return nil, payerr.New(payerr.KindUnauthorized, "party %s is not a participant in escrow %s", actorID, escrowID)
	}
	if reason == "" {
		return nil, payerr.New(payerr.KindInvalidStateTransition, "a dispute requires a reason")
	}

	moved, err := s.repo.UpdateStatusIf(ctx, escrowID, models.EscrowStatusFunded, models.EscrowStatusDisputed,
		map[string]interface{}{"dispute_reason": reason, "disputed_by": actorID})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, payerr.New(payerr.KindInvalidStateTransition,
			"escrow %s is not funded (current: %s)", escrowID, escrow.Status)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowStatusFunded), string(models.EscrowStatusDisputed)).Inc()
	log.Printf("⚠️ Escrow %s disputed by %s: %s", escrowID, actorID, reason)
	return s.repo.GetByID(ctx, escrowID)
}

// Resolve settles a disputed escrow. Split pays half to each side and the
// escrow terminates as released with two ledger legs.
func (s *EscrowService) Resolve(ctx context.Context, escrowID, adminID string, outcome ResolutionOutcome) (*models.EscrowAccount, error) {
	if !s.IsAdmin(adminID) {
		return nil, payerr.New(payerr.KindUnauthorized, "party %s may not resolve disputes", adminID)
	}

	escrow, err := s.repo.GetByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if err := s.checkConservation(ctx, escrow, escrow.Amount); err != nil {
		return nil, err
	}

	switch outcome {
	case ResolveRelease:
		return s.resolveSingle(ctx, escrow, adminID, models.EscrowStatusReleased, escrow.PayeeID, models.LedgerEntryRelease, ":resolve-release")
	case ResolveRefund:
		return s.resolveSingle(ctx, escrow, adminID, models.EscrowStatusRefunded, escrow.PayerID, models.LedgerEntryRefund, ":resolve-refund")
	case ResolveSplit:
		return s.resolveSplit(ctx, escrow, adminID)
	default:
		return nil, payerr.New(payerr.KindInvalidStateTransition, "unknown resolution outcome %q", outcome)
	}
}

func (s *EscrowService) resolveSingle(
	ctx context.Context,
	escrow *models.EscrowAccount,
	adminID string,
	next models.EscrowStatus,
	beneficiary string,
	entryType models.LedgerEntryType,
	refSuffix string,
) (*models.EscrowAccount, error) {
	moved, err := s.repo.UpdateStatusIf(ctx, escrow.ID, models.EscrowStatusDisputed, next,
		map[string]interface{}{"resolved_by": adminID})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, payerr.New(payerr.KindInvalidStateTransition,
			"escrow %s is not disputed (current: %s)", escrow.ID, escrow.Status)
	}

	txHash, err := s.payout(ctx, escrow, beneficiary, escrow.Amount, escrow.ID+refSuffix)
	if err != nil {
		s.revertClaim(ctx, escrow, next, err)
		return nil, err
	}
	if err := s.appendMovement(ctx, escrow, entryType, escrow.Amount, txHash); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowStatusDisputed), string(next)).Inc()
	if next == models.EscrowStatusReleased {
		s.recordReleased(escrow.Currency, escrow.Amount)
	}
	log.Printf("✅ Escrow %s resolved by %s as %s (%s)", escrow.ID, adminID, next, txHash)
	return s.repo.GetByID(ctx, escrow.ID)
}

// resolveSplit pays 50/50. The payer leg takes any indivisible remainder so
// the two legs always sum to the exact escrow amount.
func (s *EscrowService) resolveSplit(ctx context.Context, escrow *models.EscrowAccount, adminID string) (*models.EscrowAccount, error) {
	moved, err := s.repo.UpdateStatusIf(ctx, escrow.ID, models.EscrowStatusDisputed, models.EscrowStatusReleased,
		map[string]interface{}{"resolved_by": adminID})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, payerr.New(payerr.KindInvalidStateTransition,
			"escrow %s is not disputed (current: %s)", escrow.ID, escrow.Status)
	}

	payeeHalf := escrow.Amount.Div(decimal.NewFromInt(2)).Truncate(18)
	payerHalf := escrow.Amount.Sub(payeeHalf)

	payeeHash, err := s.payout(ctx, escrow, escrow.PayeeID, payeeHalf, escrow.ID+":split-release")
	if err != nil {
		s.revertClaim(ctx, escrow, models.EscrowStatusReleased, err)
		return nil, err
	}
	if err := s.appendMovement(ctx, escrow, models.LedgerEntrySplitRelease, payeeHalf, payeeHash); err != nil {
		return nil, err
	}

	payerHash, err := s.payout(ctx, escrow, escrow.PayerID, payerHalf, escrow.ID+":split-refund")
	if err != nil {
		// The payee leg already settled, so the claim cannot be reverted.
		// The refund leg stays owed and operations takes over.
		_ = s.alerts.Raise(ctx, models.AlertSeverityCritical, AlertTypeEscrowPayoutFailed,
			fmt.Sprintf("escrow %s split: refund leg of %s to %s failed after release leg settled: %v",
				escrow.ID, payerHalf, escrow.PayerID, err),
			WithChain(escrow.Chain), WithParty(escrow.PayerID))
		return nil, err
	}
	if err := s.appendMovement(ctx, escrow, models.LedgerEntrySplitRefund, payerHalf, payerHash); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(models.EscrowStatusDisputed), string(models.EscrowStatusReleased)).Inc()
	s.recordReleased(escrow.Currency, payeeHalf)
	log.Printf("✅ Escrow %s split by %s: %s to payee, %s back to payer", escrow.ID, adminID, payeeHalf, payerHalf)
	return s.repo.GetByID(ctx, escrow.ID)
}

// Get returns one escrow with its ledger.
func (s *EscrowService) Get(ctx context.Context, escrowID string) (*models.EscrowAccount, []*models.EscrowLedgerEntry, error) {
	escrow, err := s.repo.GetByID(ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.repo.LedgerEntries(ctx, escrowID)
	if err != nil {
		return nil, nil, err
	}
	return escrow, entries, nil
}

// ListByParty returns every escrow the party participates in.
func (s *EscrowService) ListByParty(ctx context.Context, partyID string) ([]*models.EscrowAccount, error) {
	return s.repo.ListByParty(ctx, partyID)
}

// checkConditions verifies the stored condition document. An unreachable
// collaborator blocks release rather than silently waiving the condition.
func (s *EscrowService) checkConditions(ctx context.Context, escrow *models.EscrowAccount) error {
	if escrow.ReleaseConditions == "" {
		return nil
	}
	var conditions releaseConditions
	if err := json.Unmarshal([]byte(escrow.ReleaseConditions), &conditions); err != nil {
		return payerr.Wrap(payerr.KindConditionsNotMet, err, "stored release conditions are unreadable")
	}
	if !conditions.RequireTaskCompleted {
		return nil
	}
	if s.tasks == nil {
		return payerr.New(payerr.KindConditionsNotMet, "no task collaborator configured to verify completion")
	}
	completed, err := s.tasks.TaskCompleted(ctx, escrow.TaskRef)
	if err != nil {
		return payerr.Wrap(payerr.KindConditionsNotMet, err, "task completion could not be verified")
	}
	if !completed {
		return payerr.New(payerr.KindConditionsNotMet, "task %s is not completed", escrow.TaskRef)
	}
	return nil
}

// checkConservation rejects any movement that would push the moved-out sum
// past the escrowed amount. A breach attempt is a bug, so it also alerts.
func (s *EscrowService) checkConservation(ctx context.Context, escrow *models.EscrowAccount, next decimal.Decimal) error {
	movedOut, err := s.repo.LedgerSum(ctx, escrow.ID)
	if err != nil {
		return err
	}
	if movedOut.Add(next).GreaterThan(escrow.Amount) {
		_ = s.alerts.Raise(ctx, models.AlertSeverityCritical, AlertTypeEscrowConservation,
			fmt.Sprintf("escrow %s: movement of %s would exceed amount %s (already moved %s)",
				escrow.ID, next, escrow.Amount, movedOut),
			WithChain(escrow.Chain),
			WithObservation(escrow.Amount, movedOut.Add(next)))
		return payerr.New(payerr.KindInvalidStateTransition,
			"movement would exceed escrowed amount for %s", escrow.ID)
	}
	return nil
}

// payout moves custody funds to a party's wallet on the escrow's chain.
func (s *EscrowService) payout(ctx context.Context, escrow *models.EscrowAccount, partyID string, amount decimal.Decimal, reference string) (string, error) {
	wallet, err := s.wallets.GetActive(ctx, partyID, escrow.Chain)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("party %s has no active wallet on %s", partyID, escrow.Chain)
		}
		return "", err
	}

	tx, err := s.gw.SendPayment(ctx, &gateway.SendRequest{
		Chain:       escrow.Chain,
		PartyID:     partyID,
		To:          wallet.Address,
		Amount:      amount,
		Token:       models.TokenTypeStable,
		Urgency:     models.UrgencyPriority,
		Note:        fmt.Sprintf("escrow %s settlement", escrow.ID),
		ReferenceID: reference,
	})
	if err != nil {
		return "", err
	}
	return tx.TxHash, nil
}

// revertClaim rolls back a claimed transition whose payout never happened.
// No funds moved, so returning to funded is safe; the failure is alerted.
func (s *EscrowService) revertClaim(ctx context.Context, escrow *models.EscrowAccount, claimed models.EscrowStatus, cause error) {
	if reverted, err := s.repo.UpdateStatusIf(ctx, escrow.ID, claimed, models.EscrowStatusFunded, nil); err != nil || !reverted {
		log.Printf("❌ CRITICAL: could not revert escrow %s from %s after payout failure", escrow.ID, claimed)
	}
	_ = s.alerts.Raise(ctx, models.AlertSeverityCritical, AlertTypeEscrowPayoutFailed,
		fmt.Sprintf("escrow %s payout failed, returned to funded: %v", escrow.ID, cause),
		WithChain(escrow.Chain))
}

func (s *EscrowService) appendMovement(ctx context.Context, escrow *models.EscrowAccount, entryType models.LedgerEntryType, amount decimal.Decimal, txHash string) error {
	return s.repo.AppendLedger(ctx, &models.EscrowLedgerEntry{
		ID:        uuid.NewString(),
		EscrowID:  escrow.ID,
		EntryType: entryType,
		Amount:    amount,
		TxHash:    txHash,
	})
}

func (s *EscrowService) recordReleased(currency string, amount decimal.Decimal) {
	value, _ := amount.Float64()
	metrics.EscrowAmountReleased.WithLabelValues(currency).Add(value)
}

func (s *EscrowService) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.SweepInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired refunds funded escrows whose expiration passed. Each refund
// goes through the same conditional transition as a manual one, so a
// concurrent release simply wins the race.
func (s *EscrowService) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	expired, err := s.repo.FindExpiredFunded(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		log.Printf("❌ Escrow sweep query failed: %v", err)
		return
	}

	for _, escrow := range expired {
		if _, err := s.refundFunded(ctx, escrow, "system", "expired"); err != nil {
			if payerr.Is(err, payerr.KindInvalidStateTransition) {
				continue // lost the race to a manual operation
			}
			log.Printf("⚠️ Sweep refund failed for escrow %s: %v", escrow.ID, err)
			continue
		}
		_ = s.alerts.Raise(ctx, models.AlertSeverityInfo, AlertTypeEscrowExpired,
			fmt.Sprintf("escrow %s for task %s expired and was refunded to %s", escrow.ID, escrow.TaskRef, escrow.PayerID),
			WithChain(escrow.Chain), WithParty(escrow.PayerID))
	}
}
