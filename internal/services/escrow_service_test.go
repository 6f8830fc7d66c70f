package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"paycore/internal/chain"
	"paycore/internal/config"
	"paycore/internal/gateway"
	"paycore/internal/models"
	"paycore/internal/payerr"
	"paycore/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainStub is an in-memory adapter with deep custodial pockets.
type chainStub struct {
	name     string
	sent     []chain.TransferRequest
	statuses map[string]models.TxStatus
	replaced []string
}

func (f *chainStub) Name() string             { return f.name }
func (f *chainStub) CustodialAddress() string { return "0xCustodial" }

func (f *chainStub) ValidateAddress(address string) bool {
	return strings.HasPrefix(address, "0x")
}

func (f *chainStub) GetBalance(ctx context.Context, address string) (*chain.Balance, error) {
	return &chain.Balance{
		Native: decimal.NewFromInt(1000),
		Stable: decimal.NewFromInt(1000000),
	}, nil
}

func (f *chainStub) Send(ctx context.Context, req *chain.TransferRequest) (string, error) {
	f.sent = append(f.sent, *req)
	return fmt.Sprintf("0xsettle%d", len(f.sent)), nil
}

func (f *chainStub) GetStatus(ctx context.Context, txHash string) (models.TxStatus, error) {
	if status, ok := f.statuses[txHash]; ok {
		return status, nil
	}
	return models.TxStatusPending, nil
}

func (f *chainStub) EstimateFee(ctx context.Context, amount decimal.Decimal, token models.TokenType) (decimal.Decimal, error) {
	return decimal.NewFromFloat(0.001), nil
}

func (f *chainStub) ReplaceFee(ctx context.Context, txHash string, gasPriceGwei decimal.Decimal) (string, error) {
	f.replaced = append(f.replaced, txHash)
	return txHash + "-replaced", nil
}

func (f *chainStub) SampleNetwork(ctx context.Context) (*models.GasPriceSample, error) {
	return nil, fmt.Errorf("not sampled in tests")
}

type taskCheckerStub struct {
	completed map[string]bool
}

func (f *taskCheckerStub) TaskCompleted(ctx context.Context, taskRef string) (bool, error) {
	return f.completed[taskRef], nil
}

type escrowFixture struct {
	svc      *EscrowService
	cfg      *config.EscrowConfig
	repo     repository.EscrowRepository
	wallets  repository.WalletRepository
	alerts   repository.AlertRepository
	alertSvc *AlertService
	gw       *gateway.Gateway
	adapter  *chainStub
	tasks    *taskCheckerStub
}

func newEscrowFixture(t *testing.T) *escrowFixture {
	t.Helper()
	gormDB := newTestDB(t)

	escrowRepo := repository.NewEscrowRepository(gormDB)
	walletRepo := repository.NewWalletRepository(gormDB)
	txRepo := repository.NewTransactionRepository(gormDB)
	alertRepo := repository.NewAlertRepository(gormDB)

	// the canonical test deposit is visible and confirmed on the stub chain
	adapter := &chainStub{name: "bsc", statuses: map[string]models.TxStatus{
		"0xdeposit": models.TxStatusConfirmed,
	}}
	gw := gateway.NewGateway(chain.NewRegistryFromAdapters(adapter), txRepo)

	alerts := NewAlertService(&config.MonitorConfig{
		AlertBatchSize:     10,
		AlertDrainInterval: 15,
	}, alertRepo, nil)

	tasks := &taskCheckerStub{completed: map[string]bool{}}

	cfg := &config.EscrowConfig{
		HorizonDays:   30,
		SweepInterval: 60,
		AdminParties:  []string{"admin-1"},
	}
	svc := NewEscrowService(cfg, escrowRepo, walletRepo, gw, tasks, alerts)

	ctx := context.Background()
	_, err := walletRepo.GetOrCreate(ctx, "payer-1", "bsc", "0xPayerWallet")
	require.NoError(t, err)
	_, err = walletRepo.GetOrCreate(ctx, "payee-1", "bsc", "0xPayeeWallet")
	require.NoError(t, err)

	return &escrowFixture{
		svc:      svc,
		cfg:      cfg,
		repo:     escrowRepo,
		wallets:  walletRepo,
		alerts:   alertRepo,
		alertSvc: alerts,
		gw:       gw,
		adapter:  adapter,
		tasks:    tasks,
	}
}

func (fx *escrowFixture) createFunded(t *testing.T, taskRef string, amount int64) *models.EscrowAccount {
	t.Helper()
	ctx := context.Background()

	escrow, err := fx.svc.Create(ctx, &CreateEscrowRequest{
		TaskRef: taskRef,
		PayerID: "payer-1",
		PayeeID: "payee-1",
		Amount:  decimal.NewFromInt(amount),
		Chain:   "bsc",
	})
	require.NoError(t, err)

	escrow, err = fx.svc.Fund(ctx, escrow.ID, "payer-1", "0xdeposit")
	require.NoError(t, err)
	require.Equal(t, models.EscrowStatusFunded, escrow.Status)
	return escrow
}

func TestEscrowHappyPathReleaseConservesLedger(t *testing.T) {
	fx := newEscrowFixture(t)
	ctx := context.Background()

	escrow := fx.createFunded(t, "task-1", 500)

	released, err := fx.svc.Release(ctx, escrow.ID, "payer-1")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, released.Status)

	// one payout landed at the payee wallet
	require.Len(t, fx.adapter.sent, 1)
	assert.Equal(t, "0xPayeeWallet", fx.adapter.sent[0].To)
	assert.True(t, fx.adapter.sent[0].Amount.Equal(decimal.NewFromInt(500)))

	// moved-out ledger equals the escrowed amount exactly
	sum, err := fx.repo.LedgerSum(ctx, escrow.ID)
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(500)), "ledger sum %s", sum)
}

func TestEscrowDuplicateTaskRef(t *testing.T) {
	fx := newEscrowFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Create(ctx, &CreateEscrowRequest{
		TaskRef: "task-dup", PayerID: "payer-1", PayeeID: "payee-1",
		Amount: decimal.NewFromInt(10), Chain: "bsc",
	})
	require.NoError(t, err)

	_, err = fx.svc.Create(ctx, &CreateEscrowRequest{
		TaskRef: "task-dup", PayerID: "payer-1", PayeeID: "payee-1",
		Amount: decimal.NewFromInt(10), Chain: "bsc",
	})
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindDuplicateEscrow))
}

func TestEscrowReleaseByPayee(t *testing.T) {
	fx := newEscrowFixture(t)
	escrow := fx.createFunded(t, "task-2", 100)

	released, err := fx.svc.Release(context.Background(), escrow.ID, "payee-1")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, released.Status)
	require.Len(t, fx.adapter.sent, 1)
	assert.Equal(t, "0xPayeeWallet", fx.adapter.sent[0].To)
}

func TestEscrowReleaseUnauthorized(t *testing.T) {
	fx := newEscrowFixture(t)
	escrow := fx.createFunded(t, "task-2b", 100)

	_, err := fx.svc.Release(context.Background(), escrow.ID, "stranger")
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindUnauthorized))
	assert.Empty(t, fx.adapter.sent)
}

func TestEscrowReleaseBeforeFunding(t *testing.T) {
	fx := newEscrowFixture(t)
	ctx := context.Background()

	escrow, err := fx.svc.Create(ctx, &CreateEscrowRequest{
		TaskRef: "task-3", PayerID: "payer-1", PayeeID: "payee-1",
		Amount: decimal.NewFromInt(100), Chain: "bsc",
	})
	require.NoError(t, err)

	_, err = fx.svc.Release(ctx, escrow.ID, "payer-1")
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindInvalidStateTransition))
}

func TestEscrowSecondReleaseLosesRace(t *testing.T) {
	fx := newEscrowFixture(t)
	ctx := context.Background()

	escrow := fx.createFunded(t, "task-4", 200)

	_, err := fx.svc.Release(ctx, escrow.ID, "payer-1")
	require.NoError(t, err)

	// the conditional transition already moved the row, so the second
	// attempt must fail without a second payout
	_, err = fx.svc.Release(ctx, escrow.ID, "payer-1")
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindInvalidStateTransition))
	assert.Len(t, fx.adapter.sent, 1)
}

func TestEscrowReleaseConditionsNotMet(t *testing.T) {
	fx := newEscrowFixture(t)
	ctx := context.Background()

	escrow, err := fx.svc.Create(ctx, &CreateEscrowRequest{
		TaskRef: "task-5", PayerID: "payer-1", PayeeID: "payee-1",
		Amount: decimal.NewFromInt(100), Chain: "bsc",
		ReleaseConditions: `{"require_task_completed": true}`,
	})
	require.NoError(t, err)
	_, err = fx.svc.Fund(ctx, escrow.ID, "payer-1", "0xdeposit")
	require.NoError(t, err)

	_, err = fx.svc.Release(ctx, escrow.ID, "payer-1")
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindConditionsNotMet))

	// once the task completes the release goes through
	fx.tasks.completed["task-5"] = true
	released, err := fx.svc.Release(ctx, escrow.ID, "payer-1")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, released.Status)
}

func TestEscrowRefundByPayer(t *testing.T) {
	fx := newEscrowFixture(t)
	escrow := fx.createFunded(t, "task-6", 150)

	refunded, err := fx.svc.Refund(context.Background(), escrow.ID, "payer-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusRefunded, refunded.Status)
	assert.Equal(t, "changed my mind", refunded.RefundReason)

	require.Len(t, fx.adapter.sent, 1)
	assert.Equal(t, "0xPayerWallet", fx.adapter.sent[0].To)
}

func TestEscrowDisputeAndResolveSplit(t *testing.T) {
	fx := newEscrowFixture(t)
	ctx := context.Background()

	escrow := fx.createFunded(t, "task-7", 101)

	disputed, err := fx.svc.Dispute(ctx, escrow.ID, "payee-1", "work rejected")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusDisputed, disputed.Status)

	// non-admin may not resolve
	_, err = fx.svc.Resolve(ctx, escrow.ID, "payer-1", ResolveSplit)
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindUnauthorized))

	resolved, err := fx.svc.Resolve(ctx, escrow.ID, "admin-1", ResolveSplit)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, resolved.Status)

	// both halves settled and the legs sum to the exact escrowed amount
	require.Len(t, fx.adapter.sent, 2)
	sum, err := fx.repo.LedgerSum(ctx, escrow.ID)
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(101)), "split legs must conserve: %s", sum)

	entries, err := fx.repo.LedgerEntries(ctx, escrow.ID)
	require.NoError(t, err)
	types := map[models.LedgerEntryType]bool{}
	for _, entry := range entries {
		types[entry.EntryType] = true
	}
	assert.True(t, types[models.LedgerEntrySplitRelease])
	assert.True(t, types[models.LedgerEntrySplitRefund])
}

func TestEscrowDisputeByOutsider(t *testing.T) {
	fx := newEscrowFixture(t)
	escrow := fx.createFunded(t, "task-8", 100)

	_, err := fx.svc.Dispute(context.Background(), escrow.ID, "stranger", "let me in")
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindUnauthorized))
}

func TestEscrowExpirationSweepRefunds(t *testing.T) {
	fx := newEscrowFixture(t)
	ctx := context.Background()

	expiry := time.Now().Add(50 * time.Millisecond)
	escrow, err := fx.svc.Create(ctx, &CreateEscrowRequest{
		TaskRef: "task-9", PayerID: "payer-1", PayeeID: "payee-1",
		Amount: decimal.NewFromInt(75), Chain: "bsc",
		ExpiresAt: &expiry,
	})
	require.NoError(t, err)
	_, err = fx.svc.Fund(ctx, escrow.ID, "payer-1", "0xdeposit")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	fx.svc.sweepExpired()

	swept, err := fx.repo.GetByID(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusRefunded, swept.Status)
	assert.Equal(t, "expired", swept.RefundReason)
	require.Len(t, fx.adapter.sent, 1)
	assert.Equal(t, "0xPayerWallet", fx.adapter.sent[0].To)
}

func TestEscrowPayoutFailureRevertsToFunded(t *testing.T) {
	fx := newEscrowFixture(t)
	ctx := context.Background()

	escrow := fx.createFunded(t, "task-10", 100)

	// deactivate the payee wallet so the payout cannot resolve a destination
	wallet, err := fx.wallets.GetActive(ctx, "payee-1", "bsc")
	require.NoError(t, err)
	require.NoError(t, fx.wallets.Deactivate(ctx, wallet.ID))

	_, err = fx.svc.Release(ctx, escrow.ID, "payer-1")
	require.Error(t, err)

	// the claim was rolled back, funds remain held
	current, err := fx.repo.GetByID(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusFunded, current.Status)
	assert.Empty(t, fx.adapter.sent)
}

func TestEscrowFundRequiresConfirmedDeposit(t *testing.T) {
	fx := newEscrowFixture(t)
	ctx := context.Background()

	escrow, err := fx.svc.Create(ctx, &CreateEscrowRequest{
		TaskRef: "task-11", PayerID: "payer-1", PayeeID: "payee-1",
		Amount: decimal.NewFromInt(100), Chain: "bsc",
	})
	require.NoError(t, err)

	// a hash the chain has never seen is still pending there
	_, err = fx.svc.Fund(ctx, escrow.ID, "payer-1", "0xunseen")
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindConditionsNotMet))

	// a reverted deposit does not fund either
	fx.adapter.statuses["0xreverted"] = models.TxStatusFailed
	_, err = fx.svc.Fund(ctx, escrow.ID, "payer-1", "0xreverted")
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindConditionsNotMet))

	// the escrow stayed pending and no ledger entry was written
	current, err := fx.repo.GetByID(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusPending, current.Status)
	entries, err := fx.repo.LedgerEntries(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// once the deposit confirms the same call succeeds
	fx.adapter.statuses["0xunseen"] = models.TxStatusConfirmed
	funded, err := fx.svc.Fund(ctx, escrow.ID, "payer-1", "0xunseen")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusFunded, funded.Status)
}

// ledgerFailingRepo wraps the real repository and refuses ledger appends.
type ledgerFailingRepo struct {
	repository.EscrowRepository
	failAppend bool
}

func (r *ledgerFailingRepo) AppendLedger(ctx context.Context, entry *models.EscrowLedgerEntry) error {
	if r.failAppend {
		return fmt.Errorf("ledger write refused")
	}
	return r.EscrowRepository.AppendLedger(ctx, entry)
}

func TestEscrowFundLedgerFailureRevertsToPending(t *testing.T) {
	fx := newEscrowFixture(t)
	ctx := context.Background()

	failing := &ledgerFailingRepo{EscrowRepository: fx.repo, failAppend: true}
	svc := NewEscrowService(fx.cfg, failing, fx.wallets, fx.gw, fx.tasks, fx.alertSvc)

	escrow, err := fx.svc.Create(ctx, &CreateEscrowRequest{
		TaskRef: "task-12", PayerID: "payer-1", PayeeID: "payee-1",
		Amount: decimal.NewFromInt(100), Chain: "bsc",
	})
	require.NoError(t, err)

	_, err = svc.Fund(ctx, escrow.ID, "payer-1", "0xdeposit")
	require.Error(t, err)

	// the transition was rolled back, so funding can be retried cleanly
	current, err := fx.repo.GetByID(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusPending, current.Status)
	entries, err := fx.repo.LedgerEntries(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	funded, err := fx.svc.Fund(ctx, escrow.ID, "payer-1", "0xdeposit")
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusFunded, funded.Status)
}
