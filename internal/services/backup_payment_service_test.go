package services

import (
	"context"
	"fmt"
	"testing"

	"paycore/internal/clients"
	"paycore/internal/config"
	"paycore/internal/models"
	"paycore/internal/payerr"
	"paycore/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type providerStub struct {
	name      string
	createErr error
	created   []*clients.ProviderPaymentRequest
	status    clients.ProviderPaymentStatus
	statusErr error
}

func (p *providerStub) Name() string { return p.name }

func (p *providerStub) CreatePayment(ctx context.Context, req *clients.ProviderPaymentRequest) (string, error) {
	if p.createErr != nil {
		return "", p.createErr
	}
	p.created = append(p.created, req)
	return fmt.Sprintf("%s-tx-%d", p.name, len(p.created)), nil
}

func (p *providerStub) GetPaymentStatus(ctx context.Context, providerTxID string) (clients.ProviderPaymentStatus, error) {
	if p.statusErr != nil {
		return clients.ProviderPaymentPending, p.statusErr
	}
	return p.status, nil
}

type backupFixture struct {
	svc    *BackupPaymentService
	repo   repository.BackupRepository
	txRepo repository.TransactionRepository
	alerts repository.AlertRepository
	alpha  *providerStub
	beta   *providerStub
}

func newBackupFixture(t *testing.T, maxPolls int) *backupFixture {
	t.Helper()
	gormDB := newTestDB(t)

	backupRepo := repository.NewBackupRepository(gormDB)
	txRepo := repository.NewTransactionRepository(gormDB)
	alertRepo := repository.NewAlertRepository(gormDB)
	alerts := NewAlertService(&config.MonitorConfig{
		AlertBatchSize:     10,
		AlertDrainInterval: 15,
	}, alertRepo, nil)

	alpha := &providerStub{name: "alpha", status: clients.ProviderPaymentPending}
	beta := &providerStub{name: "beta", status: clients.ProviderPaymentPending}

	cfg := &config.BackupConfig{
		PollInterval: 1,
		MaxPolls:     maxPolls,
		Providers: []config.ProviderConfig{
			{Name: "alpha", Priority: 1, MinAmount: "10", MaxAmount: "1000", FeeRate: "0.02", Enabled: true},
			{Name: "beta", Priority: 2, MinAmount: "0", MaxAmount: "100000", FeeRate: "0.05", Enabled: true},
		},
	}

	svc := NewBackupPaymentService(cfg, backupRepo, txRepo, alerts,
		[]clients.PaymentProvider{alpha, beta})

	return &backupFixture{svc: svc, repo: backupRepo, txRepo: txRepo, alerts: alertRepo, alpha: alpha, beta: beta}
}

func (fx *backupFixture) originalTx(t *testing.T, amount int64) *models.ChainTransaction {
	t.Helper()
	tx := &models.ChainTransaction{
		ID:      uuid.NewString(),
		TxHash:  "0x" + uuid.NewString(),
		Chain:   "bsc",
		PartyID: "party-1",
		Amount:  decimal.NewFromInt(amount),
		Status:  models.TxStatusPending,
	}
	require.NoError(t, fx.txRepo.Create(context.Background(), tx))
	return tx
}

func TestFailoverPicksHighestPriorityProvider(t *testing.T) {
	fx := newBackupFixture(t, 30)
	ctx := context.Background()

	tx := fx.originalTx(t, 500)
	require.NoError(t, fx.svc.TriggerFailover(ctx, tx, "primary transaction stuck"))

	require.Len(t, fx.alpha.created, 1)
	assert.Empty(t, fx.beta.created)

	attempts, err := fx.repo.ListByOriginal(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "alpha", attempts[0].Provider)
	assert.Equal(t, models.BackupTxProcessing, attempts[0].Status)
	assert.NotEmpty(t, attempts[0].ProviderTxID)
	assert.True(t, attempts[0].Fee.Equal(decimal.NewFromInt(10)), "2%% of 500, got %s", attempts[0].Fee)

	// the provider saw the attempt row ID as its idempotency key
	assert.Equal(t, attempts[0].ID, fx.alpha.created[0].IdempotencyKey)
}

func TestFailoverRespectsAmountBounds(t *testing.T) {
	fx := newBackupFixture(t, 30)
	ctx := context.Background()

	// over alpha's max, inside beta's
	tx := fx.originalTx(t, 5000)
	require.NoError(t, fx.svc.TriggerFailover(ctx, tx, "primary transaction failed"))

	assert.Empty(t, fx.alpha.created)
	require.Len(t, fx.beta.created, 1)
}

func TestFailoverNoProviderAvailable(t *testing.T) {
	fx := newBackupFixture(t, 30)
	ctx := context.Background()

	tx := fx.originalTx(t, 500000)
	err := fx.svc.TriggerFailover(ctx, tx, "primary transaction stuck")
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindNoProviderAvailable))

	attempts, listErr := fx.repo.ListByOriginal(ctx, tx.ID)
	require.NoError(t, listErr)
	assert.Empty(t, attempts)

	recent, listErr := fx.alerts.ListRecent(ctx, 10)
	require.NoError(t, listErr)
	require.NotEmpty(t, recent)
	assert.Equal(t, AlertTypeBackupNoProvider, recent[0].AlertType)
}

func TestFailoverSingleActiveAttempt(t *testing.T) {
	fx := newBackupFixture(t, 30)
	ctx := context.Background()

	tx := fx.originalTx(t, 500)
	require.NoError(t, fx.svc.TriggerFailover(ctx, tx, "primary transaction stuck"))
	require.NoError(t, fx.svc.TriggerFailover(ctx, tx, "primary transaction stuck"))

	attempts, err := fx.repo.ListByOriginal(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1, "a second trigger while one attempt is active must be a no-op")
	assert.Len(t, fx.alpha.created, 1)
}

func TestFailoverFallsThroughOnProviderError(t *testing.T) {
	fx := newBackupFixture(t, 30)
	fx.alpha.createErr = fmt.Errorf("provider unavailable")
	ctx := context.Background()

	tx := fx.originalTx(t, 500)
	require.NoError(t, fx.svc.TriggerFailover(ctx, tx, "primary transaction stuck"))

	require.Len(t, fx.beta.created, 1)

	attempts, err := fx.repo.ListByOriginal(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.BackupTxFailed, attempts[0].Status)
	assert.Equal(t, "alpha", attempts[0].Provider)
	assert.Equal(t, models.BackupTxProcessing, attempts[1].Status)
	assert.Equal(t, "beta", attempts[1].Provider)
}

func TestPollCompletesAttempt(t *testing.T) {
	fx := newBackupFixture(t, 30)
	ctx := context.Background()

	tx := fx.originalTx(t, 500)
	require.NoError(t, fx.svc.TriggerFailover(ctx, tx, "primary transaction stuck"))

	fx.alpha.status = clients.ProviderPaymentCompleted
	fx.svc.pollActive()

	attempts, err := fx.repo.ListByOriginal(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.BackupTxCompleted, attempts[0].Status)
	require.NotNil(t, attempts[0].CompletedAt)

	// the original settled through the backup rail
	original, err := fx.txRepo.GetByID(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusConfirmed, original.Status)
	require.NotNil(t, original.ConfirmedAt)

	// the attempt is terminal, further polls must not touch it
	fx.svc.pollActive()
	after, err := fx.repo.GetByID(ctx, attempts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, attempts[0].PollCount, after.PollCount)
}

func TestFailoverNotRetriggeredAfterCompletion(t *testing.T) {
	fx := newBackupFixture(t, 30)
	ctx := context.Background()

	tx := fx.originalTx(t, 500)
	require.NoError(t, fx.svc.TriggerFailover(ctx, tx, "primary transaction stuck"))

	fx.alpha.status = clients.ProviderPaymentCompleted
	fx.svc.pollActive()

	// a completed attempt is terminal-satisfied: re-triggering must not
	// create a second provider payment for the same original
	require.NoError(t, fx.svc.TriggerFailover(ctx, tx, "primary transaction stuck"))

	attempts, err := fx.repo.ListByOriginal(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1, "amount must not be paid out twice")
	assert.Len(t, fx.alpha.created, 1)
}

func TestPollProviderFailureMarksAttempt(t *testing.T) {
	fx := newBackupFixture(t, 30)
	ctx := context.Background()

	tx := fx.originalTx(t, 500)
	require.NoError(t, fx.svc.TriggerFailover(ctx, tx, "primary transaction failed"))

	fx.alpha.status = clients.ProviderPaymentFailed
	fx.svc.pollActive()

	attempts, err := fx.repo.ListByOriginal(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.BackupTxFailed, attempts[0].Status)
	assert.NotEmpty(t, attempts[0].LastError)
}

func TestPollBudgetExhaustion(t *testing.T) {
	fx := newBackupFixture(t, 2)
	ctx := context.Background()

	tx := fx.originalTx(t, 500)
	require.NoError(t, fx.svc.TriggerFailover(ctx, tx, "primary transaction stuck"))

	// provider keeps reporting pending until the budget runs out
	fx.svc.pollActive()
	fx.svc.pollActive()

	attempts, err := fx.repo.ListByOriginal(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.BackupTxFailed, attempts[0].Status)
	assert.Equal(t, 2, attempts[0].PollCount)
	assert.Contains(t, attempts[0].LastError, "unresolved after")

	recent, err := fx.alerts.ListRecent(ctx, 10)
	require.NoError(t, err)
	types := make([]string, 0, len(recent))
	for _, alert := range recent {
		types = append(types, alert.AlertType)
	}
	assert.Contains(t, types, AlertTypeBackupPollBudget)
}
