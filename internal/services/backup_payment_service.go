package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"paycore/internal/clients"
	"paycore/internal/config"
	"paycore/internal/metrics"
	"paycore/internal/models"
	"paycore/internal/payerr"
	"paycore/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const backupPollBatch = 50

// Alert types raised by the backup router.
const (
	AlertTypeBackupStarted    = "backup_started"
	AlertTypeBackupCompleted  = "backup_completed"
	AlertTypeBackupFailed     = "backup_failed"
	AlertTypeBackupNoProvider = "backup_no_provider"
	AlertTypeBackupPollBudget = "backup_poll_budget_exhausted"
)

// providerEntry pairs a provider client with its parsed routing bounds.
type providerEntry struct {
	client    clients.PaymentProvider
	priority  int
	minAmount decimal.Decimal
	maxAmount decimal.Decimal
	feeRate   decimal.Decimal
}

// BackupPaymentService reroutes stuck or failed primary transfers through
// external providers. At most one attempt is active per original
// transaction, and every attempt's status is polled a bounded number of
// times before the router gives up.
type BackupPaymentService struct {
	cfg       *config.BackupConfig
	repo      repository.BackupRepository
	txRepo    repository.TransactionRepository
	alerts    *AlertService
	providers []providerEntry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBackupPaymentService creates the router. With a nil provider slice the
// enabled providers from the config are used, ordered by priority.
func NewBackupPaymentService(
	cfg *config.BackupConfig,
	repo repository.BackupRepository,
	txRepo repository.TransactionRepository,
	alerts *AlertService,
	providers []clients.PaymentProvider,
) *BackupPaymentService {
	s := &BackupPaymentService{
		cfg:    cfg,
		repo:   repo,
		txRepo: txRepo,
		alerts: alerts,
		stopCh: make(chan struct{}),
	}

	for i, providerCfg := range cfg.Providers {
		if !providerCfg.Enabled {
			continue
		}
		var client clients.PaymentProvider
		if providers != nil {
			if i < len(providers) {
				client = providers[i]
			}
		} else {
			client = clients.NewHTTPPaymentProvider(providerCfg)
		}
		if client == nil {
			continue
		}
		s.providers = append(s.providers, providerEntry{
			client:    client,
			priority:  providerCfg.Priority,
			minAmount: parseDecimalOr(providerCfg.MinAmount, decimal.Zero),
			maxAmount: parseDecimalOr(providerCfg.MaxAmount, decimal.NewFromInt(1_000_000)),
			feeRate:   parseDecimalOr(providerCfg.FeeRate, decimal.Zero),
		})
	}

	// stable ordering by priority, lower first
	for i := 1; i < len(s.providers); i++ {
		for j := i; j > 0 && s.providers[j].priority < s.providers[j-1].priority; j-- {
			s.providers[j], s.providers[j-1] = s.providers[j-1], s.providers[j]
		}
	}
	return s
}

func parseDecimalOr(s string, fallback decimal.Decimal) decimal.Decimal {
	if value, err := decimal.NewFromString(s); err == nil {
		return value
	}
	return fallback
}

// Start launches the status polling loop.
func (s *BackupPaymentService) Start() {
	s.wg.Add(1)
	go s.pollLoop()
	log.Printf("🚀 Backup router started (%d providers, poll=%ds, budget=%d polls)",
		len(s.providers), s.cfg.PollInterval, s.cfg.MaxPolls)
}

// Stop signals the loop and waits for it to drain.
func (s *BackupPaymentService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Printf("🛑 Backup router stopped")
}

// TriggerFailover routes one original transaction to the first provider
// whose bounds accept the amount. An active attempt makes this a no-op,
// keeping the single-active-attempt invariant, and so does a completed one:
// only a terminally failed prior attempt opens the way for a new payment.
func (s *BackupPaymentService) TriggerFailover(ctx context.Context, tx *models.ChainTransaction, reason string) error {
	prior, err := s.repo.ListByOriginal(ctx, tx.ID)
	if err != nil {
		return err
	}
	for _, attempt := range prior {
		switch attempt.Status {
		case models.BackupTxPending, models.BackupTxProcessing:
			log.Printf("🔁 Backup attempt %s already active for %s, skipping", attempt.ID, tx.ID)
			return nil
		case models.BackupTxCompleted:
			log.Printf("🔁 Backup attempt %s already settled %s, skipping", attempt.ID, tx.ID)
			return nil
		}
	}

	for _, provider := range s.providers {
		if tx.Amount.LessThan(provider.minAmount) || tx.Amount.GreaterThan(provider.maxAmount) {
			continue
		}
		if err := s.attempt(ctx, provider, tx, reason); err != nil {
			log.Printf("⚠️ Provider %s declined %s, trying next: %v", provider.client.Name(), tx.ID, err)
			continue
		}
		return nil
	}

	_ = s.alerts.Raise(ctx, models.AlertSeverityCritical, AlertTypeBackupNoProvider,
		fmt.Sprintf("no backup provider accepted %s (amount %s): %s", tx.ID, tx.Amount, reason),
		WithChain(tx.Chain), WithParty(tx.PartyID),
		WithObservation(decimal.Zero, tx.Amount))
	return payerr.New(payerr.KindNoProviderAvailable,
		"no backup provider can route amount %s for %s", tx.Amount, tx.ID)
}

// attempt creates the row first, then submits, so a crash between the two
// leaves an auditable pending attempt instead of an untracked payment.
func (s *BackupPaymentService) attempt(ctx context.Context, provider providerEntry, tx *models.ChainTransaction, reason string) error {
	record := &models.BackupTransaction{
		ID:           uuid.NewString(),
		OriginalTxID: tx.ID,
		Provider:     provider.client.Name(),
		PartyID:      tx.PartyID,
		Amount:       tx.Amount,
		Fee:          tx.Amount.Mul(provider.feeRate),
		Currency:     "USD",
		Status:       models.BackupTxPending,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return err
	}

	providerTxID, err := provider.client.CreatePayment(ctx, &clients.ProviderPaymentRequest{
		IdempotencyKey: record.ID,
		PartyID:        tx.PartyID,
		Amount:         tx.Amount,
		Currency:       record.Currency,
		Memo:           fmt.Sprintf("failover for %s: %s", tx.ID, reason),
	})
	if err != nil {
		_, _ = s.repo.UpdateStatus(ctx, record.ID, models.BackupTxFailed, "", err.Error())
		metrics.BackupAttemptsTotal.WithLabelValues(provider.client.Name(), string(models.BackupTxFailed)).Inc()
		return err
	}

	if _, err := s.repo.UpdateStatus(ctx, record.ID, models.BackupTxProcessing, providerTxID, ""); err != nil {
		return err
	}

	metrics.BackupAttemptsTotal.WithLabelValues(provider.client.Name(), string(models.BackupTxProcessing)).Inc()
	_ = s.alerts.Raise(ctx, models.AlertSeverityWarning, AlertTypeBackupStarted,
		fmt.Sprintf("rerouted %s (amount %s) via %s as %s: %s",
			tx.ID, tx.Amount, provider.client.Name(), providerTxID, reason),
		WithChain(tx.Chain), WithParty(tx.PartyID))
	log.Printf("🚀 Backup attempt %s started via %s for original %s", record.ID, provider.client.Name(), tx.ID)
	return nil
}

func (s *BackupPaymentService) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.PollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pollActive()
		}
	}
}

// pollActive reconciles every in-flight attempt against its provider. Each
// attempt has a finite poll budget; exhausting it fails the attempt so the
// row cannot poll forever.
func (s *BackupPaymentService) pollActive() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	active, err := s.repo.ListActive(ctx, backupPollBatch)
	if err != nil {
		log.Printf("❌ Failed to load active backup attempts: %v", err)
		return
	}

	for _, attempt := range active {
		if attempt.ProviderTxID == "" {
			// Submitted row without a provider reference: the create call
			// never completed, fail it out.
			_, _ = s.repo.UpdateStatus(ctx, attempt.ID, models.BackupTxFailed, "", "no provider reference recorded")
			continue
		}
		s.pollAttempt(ctx, attempt)
	}
}

func (s *BackupPaymentService) pollAttempt(ctx context.Context, attempt *models.BackupTransaction) {
	provider := s.providerByName(attempt.Provider)
	if provider == nil {
		_, _ = s.repo.UpdateStatus(ctx, attempt.ID, models.BackupTxFailed, "", "provider no longer configured")
		return
	}

	if err := s.repo.IncrementPollCount(ctx, attempt.ID); err != nil {
		return
	}
	attempt.PollCount++

	status, err := provider.GetPaymentStatus(ctx, attempt.ProviderTxID)
	if err != nil {
		log.Printf("⚠️ Status poll failed for backup %s via %s: %v", attempt.ID, attempt.Provider, err)
		s.enforcePollBudget(ctx, attempt)
		return
	}

	switch status {
	case clients.ProviderPaymentCompleted:
		if moved, _ := s.repo.UpdateStatus(ctx, attempt.ID, models.BackupTxCompleted, "", ""); moved {
			metrics.BackupAttemptsTotal.WithLabelValues(attempt.Provider, string(models.BackupTxCompleted)).Inc()
			s.settleOriginal(ctx, attempt)
			_ = s.alerts.Raise(ctx, models.AlertSeverityInfo, AlertTypeBackupCompleted,
				fmt.Sprintf("backup attempt %s completed via %s (amount %s)", attempt.ID, attempt.Provider, attempt.Amount),
				WithParty(attempt.PartyID))
			log.Printf("✅ Backup attempt %s completed via %s", attempt.ID, attempt.Provider)
		}

	case clients.ProviderPaymentFailed:
		if moved, _ := s.repo.UpdateStatus(ctx, attempt.ID, models.BackupTxFailed, "", "provider reported failure"); moved {
			metrics.BackupAttemptsTotal.WithLabelValues(attempt.Provider, string(models.BackupTxFailed)).Inc()
			_ = s.alerts.Raise(ctx, models.AlertSeverityWarning, AlertTypeBackupFailed,
				fmt.Sprintf("backup attempt %s failed at %s (amount %s)", attempt.ID, attempt.Provider, attempt.Amount),
				WithParty(attempt.PartyID))
		}

	case clients.ProviderPaymentPending:
		s.enforcePollBudget(ctx, attempt)
	}
}

func (s *BackupPaymentService) enforcePollBudget(ctx context.Context, attempt *models.BackupTransaction) {
	if attempt.PollCount < s.cfg.MaxPolls {
		return
	}
	if moved, _ := s.repo.UpdateStatus(ctx, attempt.ID, models.BackupTxFailed, "",
		fmt.Sprintf("unresolved after %d polls", attempt.PollCount)); moved {
		metrics.BackupAttemptsTotal.WithLabelValues(attempt.Provider, string(models.BackupTxFailed)).Inc()
		_ = s.alerts.Raise(ctx, models.AlertSeverityCritical, AlertTypeBackupPollBudget,
			fmt.Sprintf("backup attempt %s via %s unresolved after %d polls, marked failed; reconcile manually",
				attempt.ID, attempt.Provider, attempt.PollCount),
			WithParty(attempt.PartyID))
	}
}

// settleOriginal marks the primary transaction confirmed once the backup
// rail paid out, so counters and trailing stats record one successful
// settlement regardless of which rail delivered it.
func (s *BackupPaymentService) settleOriginal(ctx context.Context, attempt *models.BackupTransaction) {
	original, err := s.txRepo.GetByID(ctx, attempt.OriginalTxID)
	if err != nil {
		log.Printf("⚠️ Original %s not found while settling backup %s: %v", attempt.OriginalTxID, attempt.ID, err)
		return
	}
	if moved, _ := s.txRepo.MarkTerminal(ctx, original.ID, models.TxStatusConfirmed, ""); moved {
		metrics.TransactionsTotal.WithLabelValues(original.Chain, string(models.TxStatusConfirmed)).Inc()
		log.Printf("✅ Original %s settled via backup rail %s", original.ID, attempt.Provider)
	}
}

func (s *BackupPaymentService) providerByName(name string) clients.PaymentProvider {
	for _, provider := range s.providers {
		if provider.client.Name() == name {
			return provider.client
		}
	}
	return nil
}

// ListAttempts returns the attempt history for one original transaction.
func (s *BackupPaymentService) ListAttempts(ctx context.Context, originalTxID string) ([]*models.BackupTransaction, error) {
	return s.repo.ListByOriginal(ctx, originalTxID)
}
