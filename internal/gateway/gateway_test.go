package gateway

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"paycore/internal/chain"
	"paycore/internal/db"
	"paycore/internal/models"
	"paycore/internal/payerr"
	"paycore/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gormDB))
	return gormDB
}

// fakeAdapter is an in-memory chain for gateway tests.
type fakeAdapter struct {
	name     string
	balance  chain.Balance
	fee      decimal.Decimal
	sent     []chain.TransferRequest
	sendErr  error
	statuses map[string]models.TxStatus
}

func (f *fakeAdapter) Name() string             { return f.name }
func (f *fakeAdapter) CustodialAddress() string { return "0xCustodial" }

func (f *fakeAdapter) ValidateAddress(address string) bool {
	return strings.HasPrefix(address, "0x") && len(address) > 4
}

func (f *fakeAdapter) GetBalance(ctx context.Context, address string) (*chain.Balance, error) {
	b := f.balance
	return &b, nil
}

func (f *fakeAdapter) Send(ctx context.Context, req *chain.TransferRequest) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, *req)
	return fmt.Sprintf("0xhash%d", len(f.sent)), nil
}

func (f *fakeAdapter) GetStatus(ctx context.Context, txHash string) (models.TxStatus, error) {
	if status, ok := f.statuses[txHash]; ok {
		return status, nil
	}
	return models.TxStatusPending, nil
}

func (f *fakeAdapter) EstimateFee(ctx context.Context, amount decimal.Decimal, token models.TokenType) (decimal.Decimal, error) {
	return f.fee, nil
}

func (f *fakeAdapter) ReplaceFee(ctx context.Context, txHash string, gasPriceGwei decimal.Decimal) (string, error) {
	return txHash + "-replaced", nil
}

func (f *fakeAdapter) SampleNetwork(ctx context.Context) (*models.GasPriceSample, error) {
	return nil, fmt.Errorf("not sampled in tests")
}

func newTestGateway(t *testing.T, adapter *fakeAdapter) (*Gateway, repository.TransactionRepository) {
	t.Helper()
	txRepo := repository.NewTransactionRepository(newTestDB(t))
	registry := chain.NewRegistryFromAdapters(adapter)
	return NewGateway(registry, txRepo), txRepo
}

func defaultAdapter() *fakeAdapter {
	return &fakeAdapter{
		name: "bsc",
		balance: chain.Balance{
			Native: decimal.NewFromInt(10),
			Stable: decimal.NewFromInt(1000),
		},
		fee: decimal.NewFromFloat(0.001),
	}
}

func TestSendPaymentPersistsPendingRecord(t *testing.T) {
	adapter := defaultAdapter()
	gw, txRepo := newTestGateway(t, adapter)

	tx, err := gw.SendPayment(context.Background(), &SendRequest{
		Chain:   "bsc",
		PartyID: "party-1",
		To:      "0xRecipient",
		Amount:  decimal.NewFromInt(100),
		Token:   models.TokenTypeStable,
	})
	require.NoError(t, err)
	require.NotNil(t, tx)

	stored, err := txRepo.GetByID(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusPending, stored.Status)
	assert.Equal(t, tx.TxHash, stored.TxHash)
	assert.Equal(t, "0xCustodial", stored.FromAddress)
	assert.True(t, stored.Amount.Equal(decimal.NewFromInt(100)))
	assert.Len(t, adapter.sent, 1)
}

func TestSendPaymentRejectsInvalidAddress(t *testing.T) {
	gw, _ := newTestGateway(t, defaultAdapter())

	_, err := gw.SendPayment(context.Background(), &SendRequest{
		Chain:  "bsc",
		To:     "not-an-address",
		Amount: decimal.NewFromInt(1),
		Token:  models.TokenTypeStable,
	})
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindInvalidAddress))
}

func TestSendPaymentInsufficientStableFunds(t *testing.T) {
	adapter := defaultAdapter()
	adapter.balance.Stable = decimal.NewFromInt(50)
	gw, _ := newTestGateway(t, adapter)

	_, err := gw.SendPayment(context.Background(), &SendRequest{
		Chain:  "bsc",
		To:     "0xRecipient",
		Amount: decimal.NewFromInt(100),
		Token:  models.TokenTypeStable,
	})
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindInsufficientFunds))
	assert.Empty(t, adapter.sent, "no transfer may be broadcast on a failed reserve check")
}

func TestSendPaymentInsufficientGasReserve(t *testing.T) {
	adapter := defaultAdapter()
	// plenty of stable value, but no native coin to pay gas with
	adapter.balance.Native = decimal.NewFromFloat(0.0001)
	gw, _ := newTestGateway(t, adapter)

	_, err := gw.SendPayment(context.Background(), &SendRequest{
		Chain:  "bsc",
		To:     "0xRecipient",
		Amount: decimal.NewFromInt(100),
		Token:  models.TokenTypeStable,
	})
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindInsufficientGasReserve))
}

func TestSendPaymentNativeIncludesFee(t *testing.T) {
	adapter := defaultAdapter()
	adapter.balance.Native = decimal.NewFromInt(5)
	gw, _ := newTestGateway(t, adapter)

	// 5 native available, request exactly 5: the fee pushes it over
	_, err := gw.SendPayment(context.Background(), &SendRequest{
		Chain:  "bsc",
		To:     "0xRecipient",
		Amount: decimal.NewFromInt(5),
		Token:  models.TokenTypeNative,
	})
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindInsufficientFunds))
}

func TestSendPaymentIdempotentReference(t *testing.T) {
	adapter := defaultAdapter()
	gw, _ := newTestGateway(t, adapter)

	req := &SendRequest{
		Chain:       "bsc",
		To:          "0xRecipient",
		Amount:      decimal.NewFromInt(10),
		Token:       models.TokenTypeStable,
		ReferenceID: "order-42",
	}

	first, err := gw.SendPayment(context.Background(), req)
	require.NoError(t, err)

	second, err := gw.SendPayment(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, adapter.sent, 1, "the repeated reference must not move funds again")
}

func TestSendPaymentUnknownChain(t *testing.T) {
	gw, _ := newTestGateway(t, defaultAdapter())

	_, err := gw.SendPayment(context.Background(), &SendRequest{
		Chain:  "dogecoin",
		To:     "0xRecipient",
		Amount: decimal.NewFromInt(1),
		Token:  models.TokenTypeNative,
	})
	require.Error(t, err)
	assert.True(t, payerr.Is(err, payerr.KindChainUnavailable))
}
