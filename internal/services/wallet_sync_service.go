package services

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"paycore/internal/chain"
	"paycore/internal/repository"
)

const walletSyncInterval = 5 * time.Minute

// WalletSyncService refreshes the cached balances of active wallets from
// the chains. A tick that fires while the previous sweep is still running
// is skipped instead of stacking.
type WalletSyncService struct {
	registry *chain.Registry
	wallets  repository.WalletRepository

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWalletSyncService creates the wallet sync job.
func NewWalletSyncService(registry *chain.Registry, wallets repository.WalletRepository) *WalletSyncService {
	return &WalletSyncService{
		registry: registry,
		wallets:  wallets,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sync loop.
func (s *WalletSyncService) Start() {
	s.wg.Add(1)
	go s.syncLoop()
	log.Printf("🚀 Wallet sync started (interval=%s)", walletSyncInterval)
}

// Stop signals the loop and waits for it to drain.
func (s *WalletSyncService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Printf("🛑 Wallet sync stopped")
}

func (s *WalletSyncService) syncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(walletSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.running.CompareAndSwap(false, true) {
				log.Printf("⚠️ Wallet sync still running, skipping tick")
				continue
			}
			s.syncAll()
			s.running.Store(false)
		}
	}
}

// SyncAllNow runs one synchronous sweep, used at startup and by tests.
func (s *WalletSyncService) SyncAllNow() {
	s.syncAll()
}

func (s *WalletSyncService) syncAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var synced, failed int
	for _, chainName := range s.registry.Chains() {
		adapter, err := s.registry.Get(chainName)
		if err != nil {
			continue
		}

		wallets, err := s.wallets.ListActiveByChain(ctx, chainName)
		if err != nil {
			log.Printf("❌ Failed to list wallets on %s: %v", chainName, err)
			continue
		}

		for _, wallet := range wallets {
			balance, err := adapter.GetBalance(ctx, wallet.Address)
			if err != nil {
				failed++
				continue
			}
			if err := s.wallets.UpdateBalances(ctx, wallet.ID, balance.Native, balance.Stable); err != nil {
				failed++
				continue
			}
			synced++
		}
	}

	if synced > 0 || failed > 0 {
		log.Printf("🔄 Wallet sync finished: %d refreshed, %d failed", synced, failed)
	}
}
