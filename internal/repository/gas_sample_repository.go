package repository

import (
	"context"
	"time"

	"paycore/internal/models"

	"gorm.io/gorm"
)

// GasSampleRepository defines data access for the rolling gas-price window.
type GasSampleRepository interface {
	Insert(ctx context.Context, sample *models.GasPriceSample) error
	RecentWindow(ctx context.Context, chain string, limit int) ([]*models.GasPriceSample, error)
	Latest(ctx context.Context, chain string) (*models.GasPriceSample, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type gasSampleRepository struct {
	db *gorm.DB
}

// NewGasSampleRepository creates a new GasSampleRepository instance.
func NewGasSampleRepository(db *gorm.DB) GasSampleRepository {
	return &gasSampleRepository{db: db}
}

func (r *gasSampleRepository) Insert(ctx context.Context, sample *models.GasPriceSample) error {
	return r.db.WithContext(ctx).Create(sample).Error
}

// RecentWindow returns the newest samples for a chain in time order
// (oldest first), bounded by limit.
func (r *gasSampleRepository) RecentWindow(ctx context.Context, chain string, limit int) ([]*models.GasPriceSample, error) {
	var samples []*models.GasPriceSample
	err := r.db.WithContext(ctx).
		Where("chain = ?", chain).
		Order("sampled_at DESC").
		Limit(limit).
		Find(&samples).Error
	if err != nil {
		return nil, err
	}

	// reverse into chronological order
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

func (r *gasSampleRepository) Latest(ctx context.Context, chain string) (*models.GasPriceSample, error) {
	var sample models.GasPriceSample
	err := r.db.WithContext(ctx).
		Where("chain = ?", chain).
		Order("sampled_at DESC").
		First(&sample).Error
	if err != nil {
		return nil, err
	}
	return &sample, nil
}

// PruneBefore drops samples older than the retention cutoff.
func (r *gasSampleRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("sampled_at < ?", cutoff).
		Delete(&models.GasPriceSample{})
	return result.RowsAffected, result.Error
}
