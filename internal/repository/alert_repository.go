package repository

import (
	"context"
	"time"

	"paycore/internal/models"

	"gorm.io/gorm"
)

// AlertRepository defines data access for the operator alert queue.
// Undelivered rows form the queue; delivery marks them, failures leave them
// queued for the next drain (at-least-once).
type AlertRepository interface {
	Create(ctx context.Context, alert *models.PaymentAlert) error
	FetchUndelivered(ctx context.Context, batchSize int) ([]*models.PaymentAlert, error)
	MarkDelivered(ctx context.Context, ids []string) error
	CountUndelivered(ctx context.Context) (int64, error)
	ListRecent(ctx context.Context, limit int) ([]*models.PaymentAlert, error)

	// RecentOfType reports whether an alert of this type was raised within
	// the window, used to debounce repeated threshold alerts.
	RecentOfType(ctx context.Context, alertType string, since time.Time) (bool, error)
}

type alertRepository struct {
	db *gorm.DB
}

// NewAlertRepository creates a new AlertRepository instance.
func NewAlertRepository(db *gorm.DB) AlertRepository {
	return &alertRepository{db: db}
}

func (r *alertRepository) Create(ctx context.Context, alert *models.PaymentAlert) error {
	return r.db.WithContext(ctx).Create(alert).Error
}

func (r *alertRepository) FetchUndelivered(ctx context.Context, batchSize int) ([]*models.PaymentAlert, error) {
	var alerts []*models.PaymentAlert
	err := r.db.WithContext(ctx).
		Where("delivered = ?", false).
		Order("created_at ASC").
		Limit(batchSize).
		Find(&alerts).Error
	return alerts, err
}

func (r *alertRepository) MarkDelivered(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.PaymentAlert{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"delivered":    true,
			"delivered_at": now,
		}).Error
}

func (r *alertRepository) CountUndelivered(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.PaymentAlert{}).
		Where("delivered = ?", false).
		Count(&count).Error
	return count, err
}

func (r *alertRepository) ListRecent(ctx context.Context, limit int) ([]*models.PaymentAlert, error) {
	var alerts []*models.PaymentAlert
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&alerts).Error
	return alerts, err
}

func (r *alertRepository) RecentOfType(ctx context.Context, alertType string, since time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.PaymentAlert{}).
		Where("alert_type = ? AND created_at >= ?", alertType, since).
		Count(&count).Error
	return count > 0, err
}
