// Package chain abstracts heterogeneous settlement ledgers behind a single
// capability interface. Components never branch on chain names; they resolve
// an adapter from the registry built once at startup.
package chain

import (
	"context"
	"fmt"
	"log"
	"sort"

	"paycore/internal/clients"
	"paycore/internal/config"
	"paycore/internal/models"

	"github.com/shopspring/decimal"
)

// Balance is the native-coin and stable-token view of one address.
type Balance struct {
	Native decimal.Decimal
	Stable decimal.Decimal
}

// TransferRequest describes one outbound transfer signed with the chain's
// custodial key.
type TransferRequest struct {
	To           string
	Amount       decimal.Decimal
	Token        models.TokenType
	GasPriceGwei decimal.Decimal // zero means use the node-suggested price
}

// Adapter is the uniform contract every supported ledger implements.
type Adapter interface {
	// Name returns the registry key, e.g. "ethereum", "bsc", "tron".
	Name() string

	// ValidateAddress performs chain-specific address-format validation.
	ValidateAddress(address string) bool

	// GetBalance reads the live native and stable-token balances.
	GetBalance(ctx context.Context, address string) (*Balance, error)

	// Send broadcasts a transfer and returns its hash. The caller persists
	// the pending record; the adapter only talks to the chain.
	Send(ctx context.Context, req *TransferRequest) (string, error)

	// GetStatus resolves the lifecycle state of a broadcast transaction.
	GetStatus(ctx context.Context, txHash string) (models.TxStatus, error)

	// EstimateFee returns the total fee in native units for a transfer of
	// the given token type. Stable-token transfers use their own gas path.
	EstimateFee(ctx context.Context, amount decimal.Decimal, token models.TokenType) (decimal.Decimal, error)

	// ReplaceFee rebroadcasts a pending transaction with a higher fee and
	// the same nonce, so the underlying amount moves at most once.
	ReplaceFee(ctx context.Context, txHash string, gasPriceGwei decimal.Decimal) (string, error)

	// SampleNetwork takes one congestion observation for the fee optimizer.
	SampleNetwork(ctx context.Context) (*models.GasPriceSample, error)

	// CustodialAddress returns the address holding custodial funds.
	CustodialAddress() string
}

// Registry resolves adapters by chain identifier. Built once at startup;
// read-only afterwards.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry constructs adapters for every enabled network in the config.
func NewRegistry(cfg *config.BlockchainConfig, oracle *clients.GasOracleClient) (*Registry, error) {
	registry := &Registry{adapters: make(map[string]Adapter)}

	for name, network := range cfg.Networks {
		if !network.Enabled {
			continue
		}

		var adapter Adapter
		var err error
		switch network.Type {
		case "evm", "":
			adapter, err = NewEVMAdapter(name, network, oracle)
		case "tron":
			adapter, err = NewTronAdapter(name, network)
		default:
			return nil, fmt.Errorf("unknown network type %q for %s", network.Type, name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build %s adapter: %w", name, err)
		}

		registry.adapters[name] = adapter
		log.Printf("✅ Registered chain adapter: %s (type=%s)", name, adapter.Name())
	}

	if len(registry.adapters) == 0 {
		return nil, fmt.Errorf("no enabled networks configured")
	}
	return registry, nil
}

// NewRegistryFromAdapters builds a registry from pre-built adapters (tests).
func NewRegistryFromAdapters(adapters ...Adapter) *Registry {
	registry := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, adapter := range adapters {
		registry.adapters[adapter.Name()] = adapter
	}
	return registry
}

// Get resolves an adapter by chain name.
func (r *Registry) Get(chainName string) (Adapter, error) {
	adapter, exists := r.adapters[chainName]
	if !exists {
		return nil, fmt.Errorf("no adapter registered for chain %s", chainName)
	}
	return adapter, nil
}

// Chains lists the registered chain names, sorted for stable iteration.
func (r *Registry) Chains() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
