package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"paycore/internal/config"
	"paycore/internal/models"
	"paycore/internal/payerr"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	tronAddressPrefix  = 0x41
	tronNativeDecimals = 6
	trc20Selector      = "transfer(address,uint256)"
)

// TronAdapter settles on TRON through the TronGrid-style HTTP API. TRON has
// no fee market, so fee replacement is unsupported and sampling reports a
// flat observation.
type TronAdapter struct {
	name       string
	cfg        config.NetworkConfig
	httpClient *http.Client

	key  *ecdsa.PrivateKey
	from string // base58 custodial address
}

// NewTronAdapter loads the custodial key and derives its TRON address.
func NewTronAdapter(name string, cfg config.NetworkConfig) (*TronAdapter, error) {
	if len(cfg.RPCEndpoints) == 0 {
		return nil, fmt.Errorf("no RPC endpoints configured for %s", name)
	}

	key, err := crypto.HexToECDSA(cfg.CustodialKey)
	if err != nil {
		return nil, fmt.Errorf("invalid custodial key for %s: %w", name, err)
	}

	ethAddr := crypto.PubkeyToAddress(key.PublicKey)
	return &TronAdapter{
		name:       name,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		key:        key,
		from:       encodeTronAddress(ethAddr.Bytes()),
	}, nil
}

func (a *TronAdapter) Name() string {
	return a.name
}

func (a *TronAdapter) CustodialAddress() string {
	return a.from
}

// ValidateAddress checks base58check format with the TRON prefix byte.
func (a *TronAdapter) ValidateAddress(address string) bool {
	_, err := decodeTronAddress(address)
	return err == nil
}

// decodeTronAddress base58check-decodes a T-address into its 21-byte form.
func decodeTronAddress(address string) ([]byte, error) {
	raw := base58.Decode(address)
	if len(raw) != 25 {
		return nil, fmt.Errorf("wrong length")
	}
	payload, checksum := raw[:21], raw[21:]
	if payload[0] != tronAddressPrefix {
		return nil, fmt.Errorf("wrong prefix")
	}
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	if !bytes.Equal(checksum, h2[:4]) {
		return nil, fmt.Errorf("bad checksum")
	}
	return payload, nil
}

// encodeTronAddress base58check-encodes a 20-byte account into a T-address.
func encodeTronAddress(account []byte) string {
	payload := append([]byte{tronAddressPrefix}, account...)
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	return base58.Encode(append(payload, h2[:4]...))
}

// GetBalance reads TRX plus the TRC-20 stable balance when configured.
func (a *TronAdapter) GetBalance(ctx context.Context, address string) (*Balance, error) {
	payload, err := decodeTronAddress(address)
	if err != nil {
		return nil, payerr.New(payerr.KindInvalidAddress, "invalid %s address: %s", a.name, address)
	}

	var account struct {
		Balance int64 `json:"balance"`
	}
	err = a.post(ctx, "/wallet/getaccount", map[string]interface{}{
		"address": hex.EncodeToString(payload),
	}, &account)
	if err != nil {
		return nil, err
	}

	balance := &Balance{
		Native: decimal.New(account.Balance, -tronNativeDecimals),
		Stable: decimal.Zero,
	}

	if a.cfg.StableContract != "" {
		stable, err := a.trc20BalanceOf(ctx, payload)
		if err != nil {
			return nil, err
		}
		balance.Stable = stable
	}
	return balance, nil
}

func (a *TronAdapter) trc20BalanceOf(ctx context.Context, owner []byte) (decimal.Decimal, error) {
	contract, err := decodeTronAddress(a.cfg.StableContract)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid stable contract for %s: %w", a.name, err)
	}

	parameter := hex.EncodeToString(common.LeftPadBytes(owner[1:], 32))

	var result struct {
		ConstantResult []string `json:"constant_result"`
	}
	err = a.post(ctx, "/wallet/triggerconstantcontract", map[string]interface{}{
		"owner_address":     hex.EncodeToString(owner),
		"contract_address":  hex.EncodeToString(contract),
		"function_selector": "balanceOf(address)",
		"parameter":         parameter,
	}, &result)
	if err != nil {
		return decimal.Zero, err
	}
	if len(result.ConstantResult) == 0 {
		return decimal.Zero, nil
	}

	raw, err := hex.DecodeString(result.ConstantResult[0])
	if err != nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(new(big.Int).SetBytes(raw), -int32(a.stableDecimals())), nil
}

// tronRawTx is the unsigned transaction shape returned by the node; it is
// echoed back verbatim on broadcast with the signature attached.
type tronRawTx struct {
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Error      string          `json:"Error"`
}

// Send broadcasts a TRX or TRC-20 transfer.
func (a *TronAdapter) Send(ctx context.Context, req *TransferRequest) (string, error) {
	to, err := decodeTronAddress(req.To)
	if err != nil {
		return "", payerr.New(payerr.KindInvalidAddress, "invalid %s address: %s", a.name, req.To)
	}
	owner, _ := decodeTronAddress(a.from)

	var unsigned tronRawTx
	if req.Token == models.TokenTypeStable {
		unsigned, err = a.createTRC20Transfer(ctx, owner, to, req.Amount)
	} else {
		unsigned, err = a.createTRXTransfer(ctx, owner, to, req.Amount)
	}
	if err != nil {
		return "", err
	}
	if unsigned.TxID == "" {
		return "", payerr.New(payerr.KindChainUnavailable, "transaction build failed on %s: %s", a.name, unsigned.Error)
	}

	signature, err := a.signRawData(unsigned.RawDataHex)
	if err != nil {
		return "", err
	}

	var broadcast struct {
		Result  bool   `json:"result"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	err = a.post(ctx, "/wallet/broadcasttransaction", map[string]interface{}{
		"txID":         unsigned.TxID,
		"raw_data":     unsigned.RawData,
		"raw_data_hex": unsigned.RawDataHex,
		"signature":    []string{signature},
	}, &broadcast)
	if err != nil {
		return "", err
	}
	if !broadcast.Result {
		return "", payerr.New(payerr.KindChainUnavailable, "broadcast rejected on %s: %s", a.name, broadcast.Code)
	}

	return unsigned.TxID, nil
}

func (a *TronAdapter) createTRXTransfer(ctx context.Context, owner, to []byte, amount decimal.Decimal) (tronRawTx, error) {
	var unsigned tronRawTx
	err := a.post(ctx, "/wallet/createtransaction", map[string]interface{}{
		"owner_address": hex.EncodeToString(owner),
		"to_address":    hex.EncodeToString(to),
		"amount":        amount.Shift(tronNativeDecimals).IntPart(),
	}, &unsigned)
	return unsigned, err
}

func (a *TronAdapter) createTRC20Transfer(ctx context.Context, owner, to []byte, amount decimal.Decimal) (tronRawTx, error) {
	contract, err := decodeTronAddress(a.cfg.StableContract)
	if err != nil {
		return tronRawTx{}, fmt.Errorf("invalid stable contract for %s: %w", a.name, err)
	}

	rawAmount := amount.Shift(int32(a.stableDecimals())).BigInt()
	parameter := hex.EncodeToString(common.LeftPadBytes(to[1:], 32)) +
		hex.EncodeToString(common.LeftPadBytes(rawAmount.Bytes(), 32))

	var result struct {
		Transaction tronRawTx `json:"transaction"`
	}
	err = a.post(ctx, "/wallet/triggersmartcontract", map[string]interface{}{
		"owner_address":     hex.EncodeToString(owner),
		"contract_address":  hex.EncodeToString(contract),
		"function_selector": trc20Selector,
		"parameter":         parameter,
		"fee_limit":         int64(a.cfg.TokenGasLimit),
		"call_value":        0,
	}, &result)
	return result.Transaction, err
}

// signRawData signs sha256(raw_data) with the custodial key.
func (a *TronAdapter) signRawData(rawDataHex string) (string, error) {
	rawData, err := hex.DecodeString(rawDataHex)
	if err != nil {
		return "", fmt.Errorf("invalid raw_data_hex: %w", err)
	}
	digest := sha256.Sum256(rawData)
	signature, err := crypto.Sign(digest[:], a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	return hex.EncodeToString(signature), nil
}

// GetStatus resolves the lifecycle from the transaction-info receipt.
func (a *TronAdapter) GetStatus(ctx context.Context, txHash string) (models.TxStatus, error) {
	var info struct {
		ID      string `json:"id"`
		Receipt struct {
			Result string `json:"result"`
		} `json:"receipt"`
		Result string `json:"result"` // "FAILED" on contract-level failure
	}
	err := a.post(ctx, "/wallet/gettransactioninfobyid", map[string]interface{}{
		"value": txHash,
	}, &info)
	if err != nil {
		return models.TxStatusPending, err
	}

	// An empty body means the transaction is not solidified yet.
	if info.ID == "" {
		return models.TxStatusPending, nil
	}
	if info.Result == "FAILED" {
		return models.TxStatusFailed, nil
	}
	if info.Receipt.Result != "" && info.Receipt.Result != "SUCCESS" {
		return models.TxStatusFailed, nil
	}
	return models.TxStatusConfirmed, nil
}

// EstimateFee returns a flat TRX estimate: bandwidth for native transfers,
// the configured energy fee limit for TRC-20.
func (a *TronAdapter) EstimateFee(ctx context.Context, amount decimal.Decimal, token models.TokenType) (decimal.Decimal, error) {
	if token == models.TokenTypeStable {
		return decimal.New(int64(a.cfg.TokenGasLimit), -tronNativeDecimals), nil
	}
	fee, err := decimal.NewFromString(a.cfg.DefaultFeeGwei)
	if err != nil {
		return decimal.NewFromFloat(1.1), nil
	}
	return fee, nil
}

// ReplaceFee is not applicable: TRON has no fee market to bid in.
func (a *TronAdapter) ReplaceFee(ctx context.Context, txHash string, gasPriceGwei decimal.Decimal) (string, error) {
	return "", fmt.Errorf("fee replacement not supported on %s", a.name)
}

// SampleNetwork reports a flat observation. TRON block production is fixed
// at 3s, so congestion only shows up as energy-price changes, which the
// flat default already absorbs.
func (a *TronAdapter) SampleNetwork(ctx context.Context) (*models.GasPriceSample, error) {
	fee, err := decimal.NewFromString(a.cfg.DefaultFeeGwei)
	if err != nil {
		fee = decimal.NewFromInt(420)
	}
	return &models.GasPriceSample{
		ID:                    uuid.NewString(),
		Chain:                 a.name,
		BaseFeeGwei:           fee,
		PriorityFeeGwei:       decimal.Zero,
		CongestionScore:       0.25,
		EstimatedConfirmation: 6,
		SampledAt:             time.Now(),
	}, nil
}

// post issues one JSON request against the first configured endpoint.
func (a *TronAdapter) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.cfg.RPCEndpoints[0]+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", a.cfg.APIKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return payerr.Wrap(payerr.KindChainUnavailable, err, "%s request failed on %s", path, a.name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return payerr.New(payerr.KindChainUnavailable, "%s returned HTTP %d on %s", path, resp.StatusCode, a.name)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *TronAdapter) stableDecimals() int {
	if a.cfg.StableDecimals > 0 {
		return a.cfg.StableDecimals
	}
	return 6
}
