package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"paycore/internal/clients"
	"paycore/internal/config"
	"paycore/internal/models"
	"paycore/internal/payerr"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const nativeDecimals = 18

// ERC-20 method selectors
var (
	erc20TransferID  = []byte{0xa9, 0x05, 0x9c, 0xbb}
	erc20BalanceOfID = []byte{0x70, 0xa0, 0x82, 0x31}
)

// EVMAdapter settles on any EVM-compatible network through a shared
// long-lived ethclient. Outbound transfers are signed with the network's
// custodial key (relayer model).
type EVMAdapter struct {
	name   string
	cfg    config.NetworkConfig
	client *ethclient.Client
	oracle *clients.GasOracleClient

	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
	sendMu  sync.Mutex // serializes nonce assignment per chain
}

// NewEVMAdapter dials the first reachable RPC endpoint and loads the
// custodial key.
func NewEVMAdapter(name string, cfg config.NetworkConfig, oracle *clients.GasOracleClient) (*EVMAdapter, error) {
	client, err := dialWithFailover(cfg.RPCEndpoints)
	if err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(cfg.CustodialKey)
	if err != nil {
		return nil, fmt.Errorf("invalid custodial key for %s: %w", name, err)
	}

	return &EVMAdapter{
		name:    name,
		cfg:     cfg,
		client:  client,
		oracle:  oracle,
		chainID: big.NewInt(cfg.ChainID),
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// dialWithFailover tries each configured endpoint in order.
func dialWithFailover(endpoints []string) (*ethclient.Client, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no RPC endpoints configured")
	}

	var lastErr error
	for _, endpoint := range endpoints {
		client, err := ethclient.Dial(endpoint)
		if err != nil {
			lastErr = err
			log.Printf("⚠️ RPC dial failed for %s, trying next endpoint: %v", endpoint, err)
			continue
		}
		return client, nil
	}
	return nil, fmt.Errorf("all RPC endpoints failed: %w", lastErr)
}

func (a *EVMAdapter) Name() string {
	return a.name
}

func (a *EVMAdapter) CustodialAddress() string {
	return a.from.Hex()
}

func (a *EVMAdapter) ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}

// GetBalance reads native balance plus the stable-token balance when a
// stable contract is configured.
func (a *EVMAdapter) GetBalance(ctx context.Context, address string) (*Balance, error) {
	if !a.ValidateAddress(address) {
		return nil, payerr.New(payerr.KindInvalidAddress, "invalid %s address: %s", a.name, address)
	}

	addr := common.HexToAddress(address)
	native, err := a.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindChainUnavailable, err, "balance query failed on %s", a.name)
	}

	balance := &Balance{
		Native: decimal.NewFromBigInt(native, -nativeDecimals),
		Stable: decimal.Zero,
	}

	if a.cfg.StableContract != "" {
		stable, err := a.stableBalanceOf(ctx, addr)
		if err != nil {
			return nil, err
		}
		balance.Stable = stable
	}
	return balance, nil
}

func (a *EVMAdapter) stableBalanceOf(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	contract := common.HexToAddress(a.cfg.StableContract)
	data := append([]byte{}, erc20BalanceOfID...)
	data = append(data, common.LeftPadBytes(addr.Bytes(), 32)...)

	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return decimal.Zero, payerr.Wrap(payerr.KindChainUnavailable, err, "token balance query failed on %s", a.name)
	}
	if len(raw) == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(new(big.Int).SetBytes(raw), -int32(a.stableDecimals())), nil
}

// Send broadcasts a native or stable-token transfer.
func (a *EVMAdapter) Send(ctx context.Context, req *TransferRequest) (string, error) {
	if !a.ValidateAddress(req.To) {
		return "", payerr.New(payerr.KindInvalidAddress, "invalid %s address: %s", a.name, req.To)
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return "", payerr.Wrap(payerr.KindChainUnavailable, err, "nonce query failed on %s", a.name)
	}

	gasPrice, err := a.resolveGasPrice(ctx, req.GasPriceGwei)
	if err != nil {
		return "", err
	}

	tx, err := a.buildTransfer(nonce, gasPrice, req)
	if err != nil {
		return "", err
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", payerr.Wrap(payerr.KindChainUnavailable, err, "broadcast failed on %s", a.name)
	}

	return signed.Hash().Hex(), nil
}

func (a *EVMAdapter) buildTransfer(nonce uint64, gasPrice *big.Int, req *TransferRequest) (*types.Transaction, error) {
	if req.Token == models.TokenTypeStable {
		if a.cfg.StableContract == "" {
			return nil, fmt.Errorf("no stable contract configured for %s", a.name)
		}
		contract := common.HexToAddress(a.cfg.StableContract)
		data := append([]byte{}, erc20TransferID...)
		data = append(data, common.LeftPadBytes(common.HexToAddress(req.To).Bytes(), 32)...)
		data = append(data, common.LeftPadBytes(req.Amount.Shift(int32(a.stableDecimals())).BigInt().Bytes(), 32)...)

		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &contract,
			Value:    big.NewInt(0),
			Gas:      a.tokenGasLimit(),
			GasPrice: gasPrice,
			Data:     data,
		}), nil
	}

	to := common.HexToAddress(req.To)
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    req.Amount.Shift(nativeDecimals).BigInt(),
		Gas:      a.nativeGasLimit(),
		GasPrice: gasPrice,
	}), nil
}

// GetStatus maps the receipt state onto the transaction lifecycle.
func (a *EVMAdapter) GetStatus(ctx context.Context, txHash string) (models.TxStatus, error) {
	hash := common.HexToHash(txHash)

	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// Not mined yet, or unknown to this node: still pending from
			// the monitor's point of view.
			return models.TxStatusPending, nil
		}
		return models.TxStatusPending, payerr.Wrap(payerr.KindChainUnavailable, err, "receipt query failed on %s", a.name)
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		return models.TxStatusConfirmed, nil
	}
	return models.TxStatusFailed, nil
}

// EstimateFee returns gasLimit x gasPrice in native units. Stable-token
// transfers use the larger token gas limit, never the native path.
func (a *EVMAdapter) EstimateFee(ctx context.Context, amount decimal.Decimal, token models.TokenType) (decimal.Decimal, error) {
	gasPrice, err := a.resolveGasPrice(ctx, decimal.Zero)
	if err != nil {
		return decimal.Zero, err
	}

	gasLimit := a.nativeGasLimit()
	if token == models.TokenTypeStable {
		gasLimit = a.tokenGasLimit()
	}

	feeWei := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	return decimal.NewFromBigInt(feeWei, -nativeDecimals), nil
}

// ReplaceFee rebroadcasts a pending transaction with the same nonce and a
// higher gas price. The transferred amount is untouched.
func (a *EVMAdapter) ReplaceFee(ctx context.Context, txHash string, gasPriceGwei decimal.Decimal) (string, error) {
	hash := common.HexToHash(txHash)

	pending, isPending, err := a.client.TransactionByHash(ctx, hash)
	if err != nil {
		return "", payerr.Wrap(payerr.KindChainUnavailable, err, "lookup failed for %s on %s", txHash, a.name)
	}
	if !isPending {
		return "", payerr.New(payerr.KindInvalidStateTransition, "transaction %s already mined, nothing to bump", txHash)
	}

	newGasPrice := gasPriceGwei.Shift(9).BigInt()
	if newGasPrice.Cmp(pending.GasPrice()) <= 0 {
		// Nodes reject same-nonce replacements that do not raise the price.
		newGasPrice = new(big.Int).Div(new(big.Int).Mul(pending.GasPrice(), big.NewInt(115)), big.NewInt(100))
	}

	replacement := types.NewTx(&types.LegacyTx{
		Nonce:    pending.Nonce(),
		To:       pending.To(),
		Value:    pending.Value(),
		Gas:      pending.Gas(),
		GasPrice: newGasPrice,
		Data:     pending.Data(),
	})

	signed, err := types.SignTx(replacement, types.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign replacement: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return "", payerr.Wrap(payerr.KindChainUnavailable, err, "replacement broadcast failed on %s", a.name)
	}

	return signed.Hash().Hex(), nil
}

// SampleNetwork takes one fee observation, preferring the explorer oracle
// for the congestion score and falling back to a price-based heuristic.
func (a *EVMAdapter) SampleNetwork(ctx context.Context) (*models.GasPriceSample, error) {
	suggested, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, payerr.Wrap(payerr.KindChainUnavailable, err, "gas price query failed on %s", a.name)
	}
	baseGwei := decimal.NewFromBigInt(suggested, -9)

	priorityGwei := decimal.Zero
	if tip, err := a.client.SuggestGasTipCap(ctx); err == nil {
		priorityGwei = decimal.NewFromBigInt(tip, -9)
	}

	congestion := a.congestionHeuristic(baseGwei)
	if a.oracle != nil {
		if reading, _ := a.oracle.Fetch(ctx, a.cfg.GasOracleURL); reading != nil {
			congestion = reading.GasUsedRatio
			if reading.BaseFeeGwei.IsPositive() {
				baseGwei = reading.BaseFeeGwei
			}
		}
	}

	return &models.GasPriceSample{
		ID:                    uuid.NewString(),
		Chain:                 a.name,
		BaseFeeGwei:           baseGwei,
		PriorityFeeGwei:       priorityGwei,
		CongestionScore:       congestion,
		EstimatedConfirmation: estimateConfirmation(congestion),
		SampledAt:             time.Now(),
	}, nil
}

// congestionHeuristic maps the suggested price against the chain's default
// fee when no oracle is configured: at 4x the default the network counts as
// fully congested.
func (a *EVMAdapter) congestionHeuristic(baseGwei decimal.Decimal) float64 {
	defaultFee, err := decimal.NewFromString(a.cfg.DefaultFeeGwei)
	if err != nil || !defaultFee.IsPositive() {
		return 0.5
	}
	ratio, _ := baseGwei.Div(defaultFee.Mul(decimal.NewFromInt(4))).Float64()
	if ratio > 1 {
		return 1
	}
	if ratio < 0 {
		return 0
	}
	return ratio
}

func estimateConfirmation(congestion float64) int {
	// 15s best case on an idle network, about 5 minutes when saturated.
	return int(15 + congestion*285)
}

func (a *EVMAdapter) resolveGasPrice(ctx context.Context, gweiOverride decimal.Decimal) (*big.Int, error) {
	if gweiOverride.IsPositive() {
		return gweiOverride.Shift(9).BigInt(), nil
	}
	suggested, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		if defaultFee, perr := decimal.NewFromString(a.cfg.DefaultFeeGwei); perr == nil && defaultFee.IsPositive() {
			return defaultFee.Shift(9).BigInt(), nil
		}
		return nil, payerr.Wrap(payerr.KindChainUnavailable, err, "gas price query failed on %s", a.name)
	}
	return suggested, nil
}

func (a *EVMAdapter) nativeGasLimit() uint64 {
	if a.cfg.GasLimit > 0 {
		return a.cfg.GasLimit
	}
	return 21000
}

func (a *EVMAdapter) tokenGasLimit() uint64 {
	if a.cfg.TokenGasLimit > 0 {
		return a.cfg.TokenGasLimit
	}
	return 65000
}

func (a *EVMAdapter) stableDecimals() int {
	if a.cfg.StableDecimals > 0 {
		return a.cfg.StableDecimals
	}
	return 18
}
