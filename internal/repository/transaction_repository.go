package repository

import (
	"context"
	"time"

	"paycore/internal/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TxStats aggregates trailing-window transaction statistics.
type TxStats struct {
	Total             int64
	Confirmed         int64
	Failed            int64
	AverageFee        decimal.Decimal
	AvgConfirmSeconds float64
}

// SuccessRate over terminal transactions in the window; 1.0 when nothing
// reached a terminal state yet.
func (s TxStats) SuccessRate() float64 {
	terminal := s.Confirmed + s.Failed
	if terminal == 0 {
		return 1.0
	}
	return float64(s.Confirmed) / float64(terminal)
}

// FailureRate is the complement of SuccessRate over terminal transactions.
func (s TxStats) FailureRate() float64 {
	return 1.0 - s.SuccessRate()
}

// TransactionRepository defines data access for ChainTransaction rows.
type TransactionRepository interface {
	Create(ctx context.Context, tx *models.ChainTransaction) error
	GetByID(ctx context.Context, id string) (*models.ChainTransaction, error)
	GetByHash(ctx context.Context, txHash string) (*models.ChainTransaction, error)
	GetByReference(ctx context.Context, referenceID string) (*models.ChainTransaction, error)

	// FindPendingOlderThan returns pending transactions broadcast before the
	// eligibility floor, oldest first.
	FindPendingOlderThan(ctx context.Context, floor time.Time, limit int) ([]*models.ChainTransaction, error)

	// MarkTerminal transitions pending -> confirmed|failed. It is a
	// conditional update on status=pending; returns false when another
	// writer already moved the row.
	MarkTerminal(ctx context.Context, id string, status models.TxStatus, errorMsg string) (bool, error)

	// ReplaceFee swaps hash and fee metadata for a fee bump. The underlying
	// amount is untouched and the row stays pending.
	ReplaceFee(ctx context.Context, id, newHash string, newFee decimal.Decimal) (bool, error)

	StatsSince(ctx context.Context, since time.Time) (*TxStats, error)
	FailedCountByParty(ctx context.Context, since time.Time) (map[string]int64, error)
}

type transactionRepository struct {
	db *gorm.DB
}

// NewTransactionRepository creates a new TransactionRepository instance.
func NewTransactionRepository(db *gorm.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

func (r *transactionRepository) Create(ctx context.Context, tx *models.ChainTransaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *transactionRepository) GetByID(ctx context.Context, id string) (*models.ChainTransaction, error) {
	var tx models.ChainTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) GetByHash(ctx context.Context, txHash string) (*models.ChainTransaction, error) {
	var tx models.ChainTransaction
	if err := r.db.WithContext(ctx).Where("tx_hash = ?", txHash).First(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) GetByReference(ctx context.Context, referenceID string) (*models.ChainTransaction, error) {
	var tx models.ChainTransaction
	if err := r.db.WithContext(ctx).Where("reference_id = ?", referenceID).First(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *transactionRepository) FindPendingOlderThan(ctx context.Context, floor time.Time, limit int) ([]*models.ChainTransaction, error) {
	var txs []*models.ChainTransaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.TxStatusPending, floor).
		Order("created_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (r *transactionRepository) MarkTerminal(ctx context.Context, id string, status models.TxStatus, errorMsg string) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if status == models.TxStatusConfirmed {
		updates["confirmed_at"] = now
	}
	if errorMsg != "" {
		updates["error_message"] = errorMsg
	}

	result := r.db.WithContext(ctx).Model(&models.ChainTransaction{}).
		Where("id = ? AND status = ?", id, models.TxStatusPending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *transactionRepository) ReplaceFee(ctx context.Context, id, newHash string, newFee decimal.Decimal) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.ChainTransaction{}).
		Where("id = ? AND status = ?", id, models.TxStatusPending).
		Updates(map[string]interface{}{
			"tx_hash":    newHash,
			"fee_paid":   newFee,
			"bump_count": gorm.Expr("bump_count + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *transactionRepository) StatsSince(ctx context.Context, since time.Time) (*TxStats, error) {
	stats := &TxStats{AverageFee: decimal.Zero}

	base := r.db.WithContext(ctx).Model(&models.ChainTransaction{}).
		Where("created_at >= ?", since)

	if err := base.Session(&gorm.Session{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).
		Where("status = ?", models.TxStatusConfirmed).
		Count(&stats.Confirmed).Error; err != nil {
		return nil, err
	}
	if err := base.Session(&gorm.Session{}).
		Where("status = ?", models.TxStatusFailed).
		Count(&stats.Failed).Error; err != nil {
		return nil, err
	}

	var avgFee *string
	if err := r.db.WithContext(ctx).Model(&models.ChainTransaction{}).
		Where("created_at >= ? AND status = ?", since, models.TxStatusConfirmed).
		Select("CAST(AVG(fee_paid) AS TEXT)").
		Scan(&avgFee).Error; err != nil {
		return nil, err
	}
	if avgFee != nil && *avgFee != "" {
		if parsed, err := decimal.NewFromString(*avgFee); err == nil {
			stats.AverageFee = parsed
		}
	}

	// Average confirmation latency over confirmed rows in the window.
	var confirmed []models.ChainTransaction
	if err := r.db.WithContext(ctx).
		Where("created_at >= ? AND status = ? AND confirmed_at IS NOT NULL", since, models.TxStatusConfirmed).
		Find(&confirmed).Error; err != nil {
		return nil, err
	}
	if len(confirmed) > 0 {
		var total float64
		for _, tx := range confirmed {
			total += tx.ConfirmedAt.Sub(tx.CreatedAt).Seconds()
		}
		stats.AvgConfirmSeconds = total / float64(len(confirmed))
	}

	return stats, nil
}

func (r *transactionRepository) FailedCountByParty(ctx context.Context, since time.Time) (map[string]int64, error) {
	type row struct {
		PartyID string
		Count   int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.ChainTransaction{}).
		Select("party_id, COUNT(*) as count").
		Where("created_at >= ? AND status = ? AND party_id <> ''", since, models.TxStatusFailed).
		Group("party_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.PartyID] = r.Count
	}
	return counts, nil
}
