package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"paycore/internal/chain"
	"paycore/internal/config"
	"paycore/internal/metrics"
	"paycore/internal/models"
	"paycore/internal/repository"

	"github.com/shopspring/decimal"
)

const monitorBatchSize = 100

// Alert types raised by the monitor.
const (
	AlertTypeTxStuck            = "tx_stuck"
	AlertTypeTxFailed           = "tx_failed"
	AlertTypeFailureRate        = "failure_rate_high"
	AlertTypeGasHigh            = "gas_price_high"
	AlertTypeSuspiciousActivity = "suspicious_activity"
	AlertTypeFeeBumped          = "fee_bumped"
)

// FailoverRouter reroutes a stuck or failed transaction to a fallback rail.
type FailoverRouter interface {
	TriggerFailover(ctx context.Context, tx *models.ChainTransaction, reason string) error
}

// TransactionMonitorService polls in-flight transactions, settles their
// terminal state, bumps underpriced ones, and watches trailing-hour health.
type TransactionMonitorService struct {
	cfg       *config.MonitorConfig
	registry  *chain.Registry
	txRepo    repository.TransactionRepository
	optimizer *FeeOptimizerService
	alerts    *AlertService
	failover  FailoverRouter

	materiality decimal.Decimal
	gasWarn     decimal.Decimal

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTransactionMonitorService creates the monitor. The failover router is
// optional; without it stuck material transactions only alert.
func NewTransactionMonitorService(
	cfg *config.MonitorConfig,
	registry *chain.Registry,
	txRepo repository.TransactionRepository,
	optimizer *FeeOptimizerService,
	alerts *AlertService,
	failover FailoverRouter,
) *TransactionMonitorService {
	materiality, err := decimal.NewFromString(cfg.MaterialityThreshold)
	if err != nil {
		materiality = decimal.NewFromInt(500)
	}
	gasWarn, err := decimal.NewFromString(cfg.GasWarnGwei)
	if err != nil {
		gasWarn = decimal.NewFromInt(150)
	}

	return &TransactionMonitorService{
		cfg:         cfg,
		registry:    registry,
		txRepo:      txRepo,
		optimizer:   optimizer,
		alerts:      alerts,
		failover:    failover,
		materiality: materiality,
		gasWarn:     gasWarn,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the polling and health loops.
func (s *TransactionMonitorService) Start() {
	s.wg.Add(2)
	go s.pollLoop()
	go s.healthLoop()
	log.Printf("🚀 Transaction monitor started (poll=%ds, stuck after %ds)",
		s.cfg.PollInterval, s.cfg.StuckTimeoutSeconds)
}

// Stop signals the loops and waits for them to drain.
func (s *TransactionMonitorService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Printf("🛑 Transaction monitor stopped")
}

func (s *TransactionMonitorService) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.PollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pollPending()
		}
	}
}

func (s *TransactionMonitorService) healthLoop() {
	defer s.wg.Done()

	// Health checks run at a slower cadence than status polling.
	ticker := time.NewTicker(time.Duration(s.cfg.PollInterval) * 4 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.checkTrailingHealth()
		}
	}
}

// pollPending resolves the status of every eligible pending transaction.
// Transactions younger than the poll floor are skipped; the chain cannot
// have confirmed them yet and the RPC calls would be wasted.
func (s *TransactionMonitorService) pollPending() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	floor := time.Now().Add(-time.Duration(s.cfg.PollFloorSeconds) * time.Second)
	pending, err := s.txRepo.FindPendingOlderThan(ctx, floor, monitorBatchSize)
	if err != nil {
		log.Printf("❌ Failed to load pending transactions: %v", err)
		return
	}

	perChain := make(map[string]int)
	for _, tx := range pending {
		perChain[tx.Chain]++
		s.checkTransaction(ctx, tx)
	}
	for chainName, count := range perChain {
		metrics.PendingTransactions.WithLabelValues(chainName).Set(float64(count))
	}
}

func (s *TransactionMonitorService) checkTransaction(ctx context.Context, tx *models.ChainTransaction) {
	adapter, err := s.registry.Get(tx.Chain)
	if err != nil {
		return
	}

	status, err := adapter.GetStatus(ctx, tx.TxHash)
	if err != nil {
		log.Printf("⚠️ Status check failed for %s on %s: %v", tx.TxHash, tx.Chain, err)
		return
	}

	switch status {
	case models.TxStatusConfirmed:
		if moved, _ := s.txRepo.MarkTerminal(ctx, tx.ID, models.TxStatusConfirmed, ""); moved {
			metrics.TransactionsTotal.WithLabelValues(tx.Chain, string(models.TxStatusConfirmed)).Inc()
			log.Printf("✅ Confirmed %s on %s after %s", tx.ID, tx.Chain, tx.PendingFor(time.Now()).Round(time.Second))
		}

	case models.TxStatusFailed:
		if moved, _ := s.txRepo.MarkTerminal(ctx, tx.ID, models.TxStatusFailed, "reverted on chain"); moved {
			metrics.TransactionsTotal.WithLabelValues(tx.Chain, string(models.TxStatusFailed)).Inc()
			s.handleFailure(ctx, tx)
		}

	case models.TxStatusPending:
		s.handleStillPending(ctx, tx)
	}
}

func (s *TransactionMonitorService) handleFailure(ctx context.Context, tx *models.ChainTransaction) {
	_ = s.alerts.Raise(ctx, models.AlertSeverityWarning, AlertTypeTxFailed,
		fmt.Sprintf("transaction %s failed on %s (amount %s)", tx.ID, tx.Chain, tx.Amount),
		WithChain(tx.Chain), WithParty(tx.PartyID),
		WithObservation(decimal.Zero, tx.Amount))

	if s.failover != nil && tx.Amount.GreaterThanOrEqual(s.materiality) {
		if err := s.failover.TriggerFailover(ctx, tx, "primary transaction failed"); err != nil {
			log.Printf("⚠️ Failover for %s not started: %v", tx.ID, err)
		}
	}
}

// handleStillPending applies the stuck policy, then the fee-bump policy.
func (s *TransactionMonitorService) handleStillPending(ctx context.Context, tx *models.ChainTransaction) {
	pendingFor := tx.PendingFor(time.Now())
	stuckAfter := time.Duration(s.cfg.StuckTimeoutSeconds) * time.Second

	if pendingFor >= stuckAfter {
		// Per-transaction debounce: the row stays pending, so without it
		// every poll tick would repeat the alert and the failover attempt.
		alertType := AlertTypeTxStuck + ":" + tx.ID
		if s.alerts.RaisedRecently(ctx, alertType, time.Hour) {
			return
		}

		severity := models.AlertSeverityWarning
		material := tx.Amount.GreaterThanOrEqual(s.materiality)
		if material {
			severity = models.AlertSeverityCritical
		}
		_ = s.alerts.Raise(ctx, severity, alertType,
			fmt.Sprintf("transaction %s stuck on %s for %s (amount %s)",
				tx.ID, tx.Chain, pendingFor.Round(time.Second), tx.Amount),
			WithChain(tx.Chain), WithParty(tx.PartyID),
			WithObservation(s.materiality, tx.Amount))

		if material && s.failover != nil {
			if err := s.failover.TriggerFailover(ctx, tx, "primary transaction stuck"); err != nil {
				log.Printf("⚠️ Failover for %s not started: %v", tx.ID, err)
			}
		}
		return
	}

	s.maybeBumpFee(ctx, tx)
}

// maybeBumpFee replaces an underpriced pending transaction with a repriced
// one carrying the same nonce. The DB row keeps its identity; only the
// hash and fee change.
func (s *TransactionMonitorService) maybeBumpFee(ctx context.Context, tx *models.ChainTransaction) {
	bump, quote, err := s.optimizer.ShouldBump(ctx, tx)
	if err != nil || !bump {
		return
	}

	adapter, err := s.registry.Get(tx.Chain)
	if err != nil {
		return
	}

	newHash, err := adapter.ReplaceFee(ctx, tx.TxHash, quote.RecommendedGwei)
	if err != nil {
		log.Printf("⚠️ Fee bump failed for %s on %s: %v", tx.ID, tx.Chain, err)
		return
	}

	newFee := s.optimizer.NativeFeeFor(tx.Chain, tx.TokenType, quote.RecommendedGwei)
	if moved, _ := s.txRepo.ReplaceFee(ctx, tx.ID, newHash, newFee); !moved {
		// Lost the race against a confirmation: the replacement either
		// stays unmined or confirms under the new hash, and the next poll
		// settles it.
		log.Printf("⚠️ Fee bump raced terminal state for %s, hash update skipped", tx.ID)
		return
	}

	metrics.FeeBumpsTotal.WithLabelValues(tx.Chain).Inc()
	_ = s.alerts.Raise(ctx, models.AlertSeverityInfo, AlertTypeFeeBumped,
		fmt.Sprintf("bumped fee for %s on %s to %s gwei (%s)", tx.ID, tx.Chain, quote.RecommendedGwei, newHash),
		WithChain(tx.Chain), WithParty(tx.PartyID))
	log.Printf("⛽ Bumped fee for %s on %s: %s -> %s", tx.ID, tx.Chain, tx.TxHash, newHash)
}

// checkTrailingHealth evaluates the trailing-hour statistics and raises
// debounced threshold alerts.
func (s *TransactionMonitorService) checkTrailingHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	since := time.Now().Add(-time.Hour)
	stats, err := s.txRepo.StatsSince(ctx, since)
	if err != nil {
		log.Printf("❌ Failed to compute trailing stats: %v", err)
		return
	}

	debounce := time.Hour

	terminal := stats.Confirmed + stats.Failed
	if terminal >= 5 && stats.FailureRate() > s.cfg.FailureRateThreshold {
		if !s.alerts.RaisedRecently(ctx, AlertTypeFailureRate, debounce) {
			_ = s.alerts.Raise(ctx, models.AlertSeverityCritical, AlertTypeFailureRate,
				fmt.Sprintf("trailing-hour failure rate %.1f%% exceeds %.1f%% (%d of %d terminal)",
					stats.FailureRate()*100, s.cfg.FailureRateThreshold*100, stats.Failed, terminal),
				WithObservation(decimal.NewFromFloat(s.cfg.FailureRateThreshold),
					decimal.NewFromFloat(stats.FailureRate())))
		}
	}

	s.checkGasLevels(ctx, debounce)
	s.checkPartyFailures(ctx, since, debounce)
}

// checkGasLevels alerts when a chain's recommended standard fee has climbed
// past the configured warning level.
func (s *TransactionMonitorService) checkGasLevels(ctx context.Context, debounce time.Duration) {
	for _, chainName := range s.registry.Chains() {
		quote, err := s.optimizer.Recommend(ctx, chainName, models.UrgencyStandard)
		if err != nil || quote.SampleCount == 0 {
			continue
		}
		if quote.RecommendedGwei.LessThanOrEqual(s.gasWarn) {
			continue
		}
		alertType := AlertTypeGasHigh + ":" + chainName
		if s.alerts.RaisedRecently(ctx, alertType, debounce) {
			continue
		}
		_ = s.alerts.Raise(ctx, models.AlertSeverityWarning, alertType,
			fmt.Sprintf("standard fee on %s is %s gwei, above warning level %s", chainName, quote.RecommendedGwei, s.gasWarn),
			WithChain(chainName),
			WithObservation(s.gasWarn, quote.RecommendedGwei))
	}
}

// checkPartyFailures flags parties accumulating failed transactions, a
// pattern that usually means a bad integration or abuse.
func (s *TransactionMonitorService) checkPartyFailures(ctx context.Context, since time.Time, debounce time.Duration) {
	counts, err := s.txRepo.FailedCountByParty(ctx, since)
	if err != nil {
		return
	}
	for partyID, count := range counts {
		if count < int64(s.cfg.SuspiciousFailures) {
			continue
		}
		alertType := AlertTypeSuspiciousActivity + ":" + partyID
		if s.alerts.RaisedRecently(ctx, alertType, debounce) {
			continue
		}
		_ = s.alerts.Raise(ctx, models.AlertSeverityCritical, alertType,
			fmt.Sprintf("party %s accumulated %d failed transactions in the trailing hour", partyID, count),
			WithParty(partyID),
			WithObservation(decimal.NewFromInt(int64(s.cfg.SuspiciousFailures)), decimal.NewFromInt(count)))
	}
}
