package repository

import (
	"context"
	"testing"
	"time"

	"paycore/internal/db"
	"paycore/internal/models"
	"paycore/internal/payerr"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gormDB))
	return gormDB
}

func newEscrow(taskRef string, status models.EscrowStatus, expiresAt time.Time) *models.EscrowAccount {
	return &models.EscrowAccount{
		ID:        uuid.NewString(),
		TaskRef:   taskRef,
		PayerID:   "payer-1",
		PayeeID:   "payee-1",
		Amount:    decimal.NewFromInt(100),
		Currency:  "USDT",
		Chain:     "bsc",
		Status:    status,
		ExpiresAt: expiresAt,
	}
}

func TestEscrowCreateDuplicateTaskRef(t *testing.T) {
	repo := NewEscrowRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newEscrow("task-1", models.EscrowStatusPending, time.Now().Add(time.Hour))))

	err := repo.Create(ctx, newEscrow("task-1", models.EscrowStatusPending, time.Now().Add(time.Hour)))
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindDuplicateEscrow))
}

func TestEscrowUpdateStatusIfSingleWinner(t *testing.T) {
	repo := NewEscrowRepository(newTestDB(t))
	ctx := context.Background()

	escrow := newEscrow("task-2", models.EscrowStatusFunded, time.Now().Add(time.Hour))
	require.NoError(t, repo.Create(ctx, escrow))

	first, err := repo.UpdateStatusIf(ctx, escrow.ID, models.EscrowStatusFunded, models.EscrowStatusReleased,
		map[string]interface{}{"resolved_by": "payer-1"})
	require.NoError(t, err)
	assert.True(t, first)

	// the row already moved, so the same transition must lose
	second, err := repo.UpdateStatusIf(ctx, escrow.ID, models.EscrowStatusFunded, models.EscrowStatusRefunded, nil)
	require.NoError(t, err)
	assert.False(t, second)

	stored, err := repo.GetByID(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowStatusReleased, stored.Status)
	assert.Equal(t, "payer-1", stored.ResolvedBy)
}

func TestEscrowFindExpiredFunded(t *testing.T) {
	repo := NewEscrowRepository(newTestDB(t))
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	expired := newEscrow("task-expired", models.EscrowStatusFunded, past)
	require.NoError(t, repo.Create(ctx, expired))
	require.NoError(t, repo.Create(ctx, newEscrow("task-live", models.EscrowStatusFunded, future)))
	// expired but never funded: not a sweep candidate
	require.NoError(t, repo.Create(ctx, newEscrow("task-unfunded", models.EscrowStatusPending, past)))
	// expired but already settled
	require.NoError(t, repo.Create(ctx, newEscrow("task-done", models.EscrowStatusReleased, past)))

	candidates, err := repo.FindExpiredFunded(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, expired.ID, candidates[0].ID)
}

func TestEscrowLedgerSumExcludesFunding(t *testing.T) {
	repo := NewEscrowRepository(newTestDB(t))
	ctx := context.Background()

	escrow := newEscrow("task-3", models.EscrowStatusFunded, time.Now().Add(time.Hour))
	require.NoError(t, repo.Create(ctx, escrow))

	entries := []struct {
		entryType models.LedgerEntryType
		amount    int64
	}{
		{models.LedgerEntryFund, 100},
		{models.LedgerEntrySplitRelease, 50},
		{models.LedgerEntrySplitRefund, 50},
	}
	for _, e := range entries {
		require.NoError(t, repo.AppendLedger(ctx, &models.EscrowLedgerEntry{
			ID:        uuid.NewString(),
			EscrowID:  escrow.ID,
			EntryType: e.entryType,
			Amount:    decimal.NewFromInt(e.amount),
			TxHash:    "0x" + uuid.NewString(),
		}))
	}

	sum, err := repo.LedgerSum(ctx, escrow.ID)
	require.NoError(t, err)
	assert.True(t, sum.Equal(decimal.NewFromInt(100)),
		"only moved-out entries count toward conservation, got %s", sum)
}

func TestEscrowListByParty(t *testing.T) {
	repo := NewEscrowRepository(newTestDB(t))
	ctx := context.Background()

	asPayer := newEscrow("task-4", models.EscrowStatusPending, time.Now().Add(time.Hour))
	require.NoError(t, repo.Create(ctx, asPayer))

	asPayee := newEscrow("task-5", models.EscrowStatusPending, time.Now().Add(time.Hour))
	asPayee.PayerID = "someone-else"
	asPayee.PayeeID = "payer-1"
	require.NoError(t, repo.Create(ctx, asPayee))

	unrelated := newEscrow("task-6", models.EscrowStatusPending, time.Now().Add(time.Hour))
	unrelated.PayerID = "a"
	unrelated.PayeeID = "b"
	require.NoError(t, repo.Create(ctx, unrelated))

	escrows, err := repo.ListByParty(ctx, "payer-1")
	require.NoError(t, err)
	assert.Len(t, escrows, 2)
}
