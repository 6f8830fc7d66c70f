package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// GasPriceSample is one timestamped network observation. Samples are
// append-only and pruned by retention; only derived statistics are read.
type GasPriceSample struct {
	ID                    string          `json:"id" gorm:"primaryKey"`
	Chain                 string          `json:"chain" gorm:"not null;index:idx_sample_chain_time"`
	BaseFeeGwei           decimal.Decimal `json:"base_fee_gwei" gorm:"type:decimal(38,18);not null"`
	PriorityFeeGwei       decimal.Decimal `json:"priority_fee_gwei" gorm:"type:decimal(38,18);default:0"`
	CongestionScore       float64         `json:"congestion_score"` // normalized 0..1
	EstimatedConfirmation int             `json:"estimated_confirmation_seconds"`
	SampledAt             time.Time       `json:"sampled_at" gorm:"not null;index:idx_sample_chain_time"`
}

// BackupTxStatus is the fallback-rail transaction lifecycle.
type BackupTxStatus string

const (
	BackupTxPending    BackupTxStatus = "pending"
	BackupTxProcessing BackupTxStatus = "processing"
	BackupTxCompleted  BackupTxStatus = "completed"
	BackupTxFailed     BackupTxStatus = "failed"
)

// BackupTransaction records one fallback attempt for a stuck or failed
// primary-rail transaction. Multiple attempts may exist per original
// transaction, but only one may be pending/processing at a time.
type BackupTransaction struct {
	ID           string          `json:"id" gorm:"primaryKey"`
	OriginalTxID string          `json:"original_tx_id" gorm:"not null;index:idx_backup_original_status"`
	Provider     string          `json:"provider" gorm:"not null"`
	PartyID      string          `json:"party_id" gorm:"index"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:decimal(38,18);not null"`
	Fee          decimal.Decimal `json:"fee" gorm:"type:decimal(38,18);default:0"`
	Currency     string          `json:"currency" gorm:"default:'USD'"`
	ProviderTxID string          `json:"provider_tx_id" gorm:"index"`
	Status       BackupTxStatus  `json:"status" gorm:"not null;default:'pending';index:idx_backup_original_status"`
	PollCount    int             `json:"poll_count" gorm:"default:0"`
	LastError    string          `json:"last_error" gorm:"type:text"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsActive reports whether this attempt still blocks a new one.
func (b *BackupTransaction) IsActive() bool {
	return b.Status == BackupTxPending || b.Status == BackupTxProcessing
}

// AlertSeverity grades operator alerts.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// PaymentAlert is a write-once operator notification. Delivery is
// at-least-once: the delivery loop marks rows delivered only after the sink
// accepted them, and failed batches stay queued.
type PaymentAlert struct {
	ID            string          `json:"id" gorm:"primaryKey"`
	Severity      AlertSeverity   `json:"severity" gorm:"not null"`
	AlertType     string          `json:"alert_type" gorm:"not null;index"`
	Message       string          `json:"message" gorm:"type:text;not null"`
	Threshold     decimal.Decimal `json:"threshold" gorm:"type:decimal(38,18);default:0"`
	ObservedValue decimal.Decimal `json:"observed_value" gorm:"type:decimal(38,18);default:0"`
	Chain         string          `json:"chain"`
	PartyID       string          `json:"party_id"`
	Delivered     bool            `json:"delivered" gorm:"default:false;index"`
	DeliveredAt   *time.Time      `json:"delivered_at"`
	CreatedAt     time.Time       `json:"created_at" gorm:"index"`
}
