package repository

import (
	"context"
	"time"

	"paycore/internal/models"

	"gorm.io/gorm"
)

// BackupRepository defines data access for fallback-rail transactions.
type BackupRepository interface {
	Create(ctx context.Context, tx *models.BackupTransaction) error
	GetByID(ctx context.Context, id string) (*models.BackupTransaction, error)
	ListByOriginal(ctx context.Context, originalTxID string) ([]*models.BackupTransaction, error)

	// ListActive returns all pending/processing attempts, oldest first.
	ListActive(ctx context.Context, limit int) ([]*models.BackupTransaction, error)

	// UpdateStatus transitions an attempt, recording poll progress. Terminal
	// rows are never rewritten (conditional on a non-terminal status).
	UpdateStatus(ctx context.Context, id string, status models.BackupTxStatus, providerTxID, lastError string) (bool, error)
	IncrementPollCount(ctx context.Context, id string) error
}

type backupRepository struct {
	db *gorm.DB
}

// NewBackupRepository creates a new BackupRepository instance.
func NewBackupRepository(db *gorm.DB) BackupRepository {
	return &backupRepository{db: db}
}

func (r *backupRepository) Create(ctx context.Context, tx *models.BackupTransaction) error {
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *backupRepository) GetByID(ctx context.Context, id string) (*models.BackupTransaction, error) {
	var tx models.BackupTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error; err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *backupRepository) ListByOriginal(ctx context.Context, originalTxID string) ([]*models.BackupTransaction, error) {
	var txs []*models.BackupTransaction
	err := r.db.WithContext(ctx).
		Where("original_tx_id = ?", originalTxID).
		Order("created_at ASC").
		Find(&txs).Error
	return txs, err
}

func (r *backupRepository) ListActive(ctx context.Context, limit int) ([]*models.BackupTransaction, error) {
	var txs []*models.BackupTransaction
	err := r.db.WithContext(ctx).
		Where("status IN ?", []models.BackupTxStatus{models.BackupTxPending, models.BackupTxProcessing}).
		Order("created_at ASC").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (r *backupRepository) UpdateStatus(ctx context.Context, id string, status models.BackupTxStatus, providerTxID, lastError string) (bool, error) {
	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if providerTxID != "" {
		updates["provider_tx_id"] = providerTxID
	}
	if lastError != "" {
		updates["last_error"] = lastError
	}
	if status == models.BackupTxCompleted {
		updates["completed_at"] = now
	}

	result := r.db.WithContext(ctx).Model(&models.BackupTransaction{}).
		Where("id = ? AND status IN ?", id,
			[]models.BackupTxStatus{models.BackupTxPending, models.BackupTxProcessing}).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *backupRepository) IncrementPollCount(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&models.BackupTransaction{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"poll_count": gorm.Expr("poll_count + 1"),
			"updated_at": time.Now(),
		}).Error
}
