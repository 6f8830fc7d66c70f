package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"paycore/internal/models"
	"paycore/internal/payerr"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EscrowRepository defines data access for escrow accounts and their ledger.
// Status mutations go through UpdateStatusIf only: a conditional update keyed
// on the expected current status, succeeding iff exactly one row was affected.
type EscrowRepository interface {
	Create(ctx context.Context, escrow *models.EscrowAccount) error
	GetByID(ctx context.Context, id string) (*models.EscrowAccount, error)
	GetByTaskRef(ctx context.Context, taskRef string) (*models.EscrowAccount, error)
	ListByParty(ctx context.Context, partyID string) ([]*models.EscrowAccount, error)

	UpdateStatusIf(ctx context.Context, id string, expected, next models.EscrowStatus, extra map[string]interface{}) (bool, error)
	FindExpiredFunded(ctx context.Context, now time.Time, limit int) ([]*models.EscrowAccount, error)

	AppendLedger(ctx context.Context, entry *models.EscrowLedgerEntry) error
	LedgerEntries(ctx context.Context, escrowID string) ([]*models.EscrowLedgerEntry, error)
	LedgerSum(ctx context.Context, escrowID string) (decimal.Decimal, error)
}

type escrowRepository struct {
	db *gorm.DB
}

// NewEscrowRepository creates a new EscrowRepository instance.
func NewEscrowRepository(db *gorm.DB) EscrowRepository {
	return &escrowRepository{db: db}
}

// Create inserts a new escrow. A second escrow for the same task reference
// trips the unique index and surfaces as DuplicateEscrow.
func (r *escrowRepository) Create(ctx context.Context, escrow *models.EscrowAccount) error {
	if err := r.db.WithContext(ctx).Create(escrow).Error; err != nil {
		if isUniqueViolation(err) {
			return payerr.Wrap(payerr.KindDuplicateEscrow, err,
				"escrow already exists for task %s", escrow.TaskRef)
		}
		return err
	}
	return nil
}

func (r *escrowRepository) GetByID(ctx context.Context, id string) (*models.EscrowAccount, error) {
	var escrow models.EscrowAccount
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&escrow).Error; err != nil {
		return nil, err
	}
	return &escrow, nil
}

func (r *escrowRepository) GetByTaskRef(ctx context.Context, taskRef string) (*models.EscrowAccount, error) {
	var escrow models.EscrowAccount
	if err := r.db.WithContext(ctx).Where("task_ref = ?", taskRef).First(&escrow).Error; err != nil {
		return nil, err
	}
	return &escrow, nil
}

func (r *escrowRepository) ListByParty(ctx context.Context, partyID string) ([]*models.EscrowAccount, error) {
	var escrows []*models.EscrowAccount
	err := r.db.WithContext(ctx).
		Where("payer_id = ? OR payee_id = ?", partyID, partyID).
		Order("created_at DESC").
		Find(&escrows).Error
	return escrows, err
}

// UpdateStatusIf performs the optimistic state transition. Two concurrent
// callers racing the same transition see exactly one true and one false.
func (r *escrowRepository) UpdateStatusIf(ctx context.Context, id string, expected, next models.EscrowStatus, extra map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     next,
		"updated_at": time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := r.db.WithContext(ctx).Model(&models.EscrowAccount{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// FindExpiredFunded selects sweep candidates: funded escrows past expiration.
func (r *escrowRepository) FindExpiredFunded(ctx context.Context, now time.Time, limit int) ([]*models.EscrowAccount, error) {
	var escrows []*models.EscrowAccount
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.EscrowStatusFunded, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&escrows).Error
	return escrows, err
}

func (r *escrowRepository) AppendLedger(ctx context.Context, entry *models.EscrowLedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *escrowRepository) LedgerEntries(ctx context.Context, escrowID string) ([]*models.EscrowLedgerEntry, error) {
	var entries []*models.EscrowLedgerEntry
	err := r.db.WithContext(ctx).
		Where("escrow_id = ?", escrowID).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

// LedgerSum totals the moved-out entries (release/refund/split legs). The
// fund entry records money entering custody, not leaving it, so it is
// excluded from the conservation sum.
func (r *escrowRepository) LedgerSum(ctx context.Context, escrowID string) (decimal.Decimal, error) {
	entries, err := r.LedgerEntries(ctx, escrowID)
	if err != nil {
		return decimal.Zero, err
	}

	sum := decimal.Zero
	for _, entry := range entries {
		if entry.EntryType == models.LedgerEntryFund {
			continue
		}
		sum = sum.Add(entry.Amount)
	}
	return sum, nil
}

// isUniqueViolation detects a unique-index conflict for both the production
// postgres driver and the sqlite driver used in tests.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value")
}
