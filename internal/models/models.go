package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TokenType distinguishes native-coin transfers from stable-token transfers.
// Stable-token transfers pay gas in the native coin, so the gateway keeps a
// separate fee reserve check for them.
type TokenType string

const (
	TokenTypeNative TokenType = "native"
	TokenTypeStable TokenType = "stable"
)

// TxStatus is the on-chain transaction lifecycle.
// Transitions are pending -> confirmed or pending -> failed, nothing else.
type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// UrgencyTier selects a fee multiplier band in the fee optimizer.
type UrgencyTier string

const (
	UrgencyEconomy  UrgencyTier = "economy"
	UrgencyStandard UrgencyTier = "standard"
	UrgencyPriority UrgencyTier = "priority"
	UrgencyUrgent   UrgencyTier = "urgent"
)

// Wallet is the cached view of a party's address on one chain.
// One active wallet per (party, chain); rows are deactivated, never deleted.
type Wallet struct {
	ID            string          `json:"id" gorm:"primaryKey"`
	PartyID       string          `json:"party_id" gorm:"not null;index:idx_wallet_party_chain,unique,where:active"`
	Chain         string          `json:"chain" gorm:"not null;index:idx_wallet_party_chain,unique,where:active"`
	Address       string          `json:"address" gorm:"not null;index"`
	NativeBalance decimal.Decimal `json:"native_balance" gorm:"type:decimal(38,18);default:0"`
	StableBalance decimal.Decimal `json:"stable_balance" gorm:"type:decimal(38,18);default:0"`
	LastSyncedAt  *time.Time      `json:"last_synced_at"`
	Active        bool            `json:"active" gorm:"default:true"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ChainTransaction records every broadcast transfer. The row is written with
// status pending immediately after broadcast, before the send call returns,
// so a crash cannot lose the reference to in-flight funds.
type ChainTransaction struct {
	ID           string          `json:"id" gorm:"primaryKey"`
	TxHash       string          `json:"tx_hash" gorm:"uniqueIndex;not null"`
	Chain        string          `json:"chain" gorm:"not null;index:idx_tx_chain_status"`
	FromAddress  string          `json:"from_address" gorm:"not null;index"`
	ToAddress    string          `json:"to_address" gorm:"not null"`
	PartyID      string          `json:"party_id" gorm:"index"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:decimal(38,18);not null"`
	TokenType    TokenType       `json:"token_type" gorm:"not null;default:'native'"`
	Status       TxStatus        `json:"status" gorm:"not null;default:'pending';index:idx_tx_chain_status"`
	FeePaid      decimal.Decimal `json:"fee_paid" gorm:"type:decimal(38,18);default:0"`
	UrgencyTier  UrgencyTier     `json:"urgency_tier" gorm:"default:'standard'"`
	Note         string          `json:"note" gorm:"type:text"`
	ReferenceID  string          `json:"reference_id" gorm:"index"` // caller-supplied idempotency key
	ErrorMessage string          `json:"error_message" gorm:"type:text"`
	BumpCount    int             `json:"bump_count" gorm:"default:0"`
	CreatedAt    time.Time       `json:"created_at" gorm:"index"`
	ConfirmedAt  *time.Time      `json:"confirmed_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the transaction can no longer change state.
func (t *ChainTransaction) IsTerminal() bool {
	return t.Status == TxStatusConfirmed || t.Status == TxStatusFailed
}

// PendingFor returns how long the transaction has been waiting for confirmation.
func (t *ChainTransaction) PendingFor(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}
