package repository

import (
	"context"
	"time"

	"paycore/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// WalletRepository defines data access for party wallets.
type WalletRepository interface {
	GetActive(ctx context.Context, partyID, chain string) (*models.Wallet, error)
	GetOrCreate(ctx context.Context, partyID, chain, address string) (*models.Wallet, error)
	UpdateBalances(ctx context.Context, id string, native, stable decimal.Decimal) error
	Deactivate(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]*models.Wallet, error)
	ListActiveByChain(ctx context.Context, chain string) ([]*models.Wallet, error)
}

type walletRepository struct {
	db *gorm.DB
}

// NewWalletRepository creates a new WalletRepository instance.
func NewWalletRepository(db *gorm.DB) WalletRepository {
	return &walletRepository{db: db}
}

// GetActive retrieves the single active wallet for (party, chain).
func (r *walletRepository) GetActive(ctx context.Context, partyID, chain string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := r.db.WithContext(ctx).
		Where("party_id = ? AND chain = ? AND active = ?", partyID, chain, true).
		First(&wallet).Error
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// GetOrCreate returns the active wallet, creating it on first use.
func (r *walletRepository) GetOrCreate(ctx context.Context, partyID, chain, address string) (*models.Wallet, error) {
	wallet, err := r.GetActive(ctx, partyID, chain)
	if err == nil {
		return wallet, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	wallet = &models.Wallet{
		ID:      uuid.NewString(),
		PartyID: partyID,
		Chain:   chain,
		Address: address,
		Active:  true,
	}
	if err := r.db.WithContext(ctx).Create(wallet).Error; err != nil {
		return nil, err
	}
	return wallet, nil
}

// UpdateBalances refreshes the cached balances and sync timestamp.
func (r *walletRepository) UpdateBalances(ctx context.Context, id string, native, stable decimal.Decimal) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.Wallet{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"native_balance": native,
			"stable_balance": stable,
			"last_synced_at": now,
			"updated_at":     now,
		}).Error
}

// Deactivate marks a wallet inactive. Wallets are never deleted.
func (r *walletRepository) Deactivate(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&models.Wallet{}).
		Where("id = ?", id).
		Update("active", false).Error
}

// ListActive returns all active wallets across chains.
func (r *walletRepository) ListActive(ctx context.Context) ([]*models.Wallet, error) {
	var wallets []*models.Wallet
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Find(&wallets).Error
	return wallets, err
}

// ListActiveByChain returns all active wallets on one chain.
func (r *walletRepository) ListActiveByChain(ctx context.Context, chain string) ([]*models.Wallet, error) {
	var wallets []*models.Wallet
	err := r.db.WithContext(ctx).
		Where("chain = ? AND active = ?", chain, true).
		Find(&wallets).Error
	return wallets, err
}
