package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus state machine:
//
//	pending -> funded -> {released | refunded | disputed}
//	disputed -> {released | refunded}   (administrator resolved)
//	funded -> refunded                  (expiration sweep, reason "expired")
//
// Only the escrow engine mutates status, always through a conditional update
// keyed on the expected current status.
type EscrowStatus string

const (
	EscrowStatusPending  EscrowStatus = "pending"
	EscrowStatusFunded   EscrowStatus = "funded"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
	EscrowStatusDisputed EscrowStatus = "disputed"
)

// LedgerEntryType classifies ledger movements against an escrow.
type LedgerEntryType string

const (
	LedgerEntryFund         LedgerEntryType = "fund"
	LedgerEntryRelease      LedgerEntryType = "release"
	LedgerEntryRefund       LedgerEntryType = "refund"
	LedgerEntrySplitRelease LedgerEntryType = "split_release"
	LedgerEntrySplitRefund  LedgerEntryType = "split_refund"
)

// EscrowAccount conditionally holds funds for a task until released to the
// payee or returned to the payer. Exactly one escrow may exist per task
// reference (enforced by the unique index).
type EscrowAccount struct {
	ID                string          `json:"id" gorm:"primaryKey"`
	TaskRef           string          `json:"task_ref" gorm:"uniqueIndex;not null"`
	PayerID           string          `json:"payer_id" gorm:"not null;index"`
	PayeeID           string          `json:"payee_id" gorm:"not null;index"`
	Amount            decimal.Decimal `json:"amount" gorm:"type:decimal(38,18);not null"`
	Currency          string          `json:"currency" gorm:"not null;default:'USDT'"`
	Chain             string          `json:"chain" gorm:"not null"`
	ReleaseConditions string          `json:"release_conditions" gorm:"type:jsonb"` // optional, machine-checkable
	Status            EscrowStatus    `json:"status" gorm:"not null;default:'pending';index:idx_escrow_status_expires"`
	ExpiresAt         time.Time       `json:"expires_at" gorm:"not null;index:idx_escrow_status_expires"`
	DisputeReason     string          `json:"dispute_reason" gorm:"type:text"`
	DisputedBy        string          `json:"disputed_by"`
	ResolvedBy        string          `json:"resolved_by"`
	RefundReason      string          `json:"refund_reason"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the escrow reached a final state.
func (e *EscrowAccount) IsTerminal() bool {
	return e.Status == EscrowStatusReleased || e.Status == EscrowStatusRefunded
}

// Expired reports whether the funding window has passed.
func (e *EscrowAccount) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// EscrowLedgerEntry is the append-only record of each settled movement against
// an escrow. Entries are only written after the underlying transfer succeeded,
// and their sum must never exceed the escrow's original amount.
type EscrowLedgerEntry struct {
	ID        string          `json:"id" gorm:"primaryKey"`
	EscrowID  string          `json:"escrow_id" gorm:"not null;index"`
	EntryType LedgerEntryType `json:"entry_type" gorm:"not null"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:decimal(38,18);not null"`
	TxHash    string          `json:"tx_hash" gorm:"not null"`
	CreatedAt time.Time       `json:"created_at"`
}
