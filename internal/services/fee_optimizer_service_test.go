package services

import (
	"context"
	"testing"
	"time"

	"paycore/internal/config"
	"paycore/internal/db"
	"paycore/internal/models"
	"paycore/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
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

func feeTestConfig() *config.Config {
	return &config.Config{
		Fees: config.FeesConfig{
			SampleInterval:   30,
			WindowSize:       120,
			RetentionMinutes: 180,
			BumpGraceSeconds: 300,
			Tiers:            config.DefaultTierBands(),
		},
		Blockchain: config.BlockchainConfig{
			Networks: map[string]config.NetworkConfig{
				"bsc": {
					ChainID:        56,
					GasLimit:       21000,
					TokenGasLimit:  65000,
					DefaultFeeGwei: "3",
					Enabled:        true,
				},
			},
		},
	}
}

func newFeeOptimizer(t *testing.T) (*FeeOptimizerService, repository.GasSampleRepository) {
	t.Helper()
	sampleRepo := repository.NewGasSampleRepository(newTestDB(t))
	return NewFeeOptimizerService(feeTestConfig(), nil, sampleRepo), sampleRepo
}

func insertSample(t *testing.T, repo repository.GasSampleRepository, chain string, baseGwei float64, congestion float64, at time.Time) {
	t.Helper()
	require.NoError(t, repo.Insert(context.Background(), &models.GasPriceSample{
		ID:              uuid.NewString(),
		Chain:           chain,
		BaseFeeGwei:     decimal.NewFromFloat(baseGwei),
		CongestionScore: congestion,
		SampledAt:       at,
	}))
}

func TestRecommendClampsToTierBand(t *testing.T) {
	optimizer, sampleRepo := newFeeOptimizer(t)
	insertSample(t, sampleRepo, "bsc", 50, 0.9, time.Now())

	// standard band [0.8, 1.2]: the congestion term overshoots and clamps
	// to the band maximum
	quote, err := optimizer.Recommend(context.Background(), "bsc", models.UrgencyStandard)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, quote.Multiplier, 1e-9)
	assert.True(t, quote.RecommendedGwei.Equal(decimal.NewFromInt(60)),
		"expected 50 * 1.2 = 60, got %s", quote.RecommendedGwei)
}

func TestRecommendMonotonicInTier(t *testing.T) {
	optimizer, sampleRepo := newFeeOptimizer(t)
	insertSample(t, sampleRepo, "bsc", 40, 0.5, time.Now())

	tiers := []models.UrgencyTier{
		models.UrgencyEconomy, models.UrgencyStandard,
		models.UrgencyPriority, models.UrgencyUrgent,
	}

	previous := decimal.Zero
	for _, tier := range tiers {
		quote, err := optimizer.Recommend(context.Background(), "bsc", tier)
		require.NoError(t, err)
		assert.True(t, quote.RecommendedGwei.GreaterThanOrEqual(previous),
			"tier %s quote %s dropped below previous %s", tier, quote.RecommendedGwei, previous)
		previous = quote.RecommendedGwei
	}
}

func TestRecommendMonotonicInCongestion(t *testing.T) {
	var previous decimal.Decimal

	for i, congestion := range []float64{0.0, 0.3, 0.6, 0.9} {
		optimizer, sampleRepo := newFeeOptimizer(t)
		insertSample(t, sampleRepo, "bsc", 40, congestion, time.Now())

		quote, err := optimizer.Recommend(context.Background(), "bsc", models.UrgencyPriority)
		require.NoError(t, err)
		if i > 0 {
			assert.True(t, quote.RecommendedGwei.GreaterThanOrEqual(previous),
				"congestion %.1f quote %s dropped below previous %s", congestion, quote.RecommendedGwei, previous)
		}
		previous = quote.RecommendedGwei
	}
}

func TestRecommendUsesMedianOfWindow(t *testing.T) {
	optimizer, sampleRepo := newFeeOptimizer(t)
	base := time.Now().Add(-5 * time.Minute)
	for i, gwei := range []float64{10, 10, 10, 10, 500} { // single spike
		insertSample(t, sampleRepo, "bsc", gwei, 0, base.Add(time.Duration(i)*time.Minute))
	}

	quote, err := optimizer.Recommend(context.Background(), "bsc", models.UrgencyStandard)
	require.NoError(t, err)
	assert.True(t, quote.BaseFeeGwei.Equal(decimal.NewFromInt(10)),
		"a single spiked sample must not move the median, got %s", quote.BaseFeeGwei)
}

func TestRecommendEmptyWindowFallsBack(t *testing.T) {
	optimizer, _ := newFeeOptimizer(t)

	quote, err := optimizer.Recommend(context.Background(), "bsc", models.UrgencyStandard)
	require.NoError(t, err)
	assert.Equal(t, 0, quote.SampleCount)
	assert.True(t, quote.BaseFeeGwei.Equal(decimal.NewFromInt(3)),
		"expected the configured default fee, got %s", quote.BaseFeeGwei)
}

func TestRecommendUnknownTier(t *testing.T) {
	optimizer, _ := newFeeOptimizer(t)
	_, err := optimizer.Recommend(context.Background(), "bsc", models.UrgencyTier("hyperspeed"))
	assert.Error(t, err)
}

func pendingTx(chain string, feeNative decimal.Decimal, age time.Duration) *models.ChainTransaction {
	return &models.ChainTransaction{
		ID:          uuid.NewString(),
		TxHash:      "0xabc",
		Chain:       chain,
		Amount:      decimal.NewFromInt(100),
		TokenType:   models.TokenTypeNative,
		Status:      models.TxStatusPending,
		FeePaid:     feeNative,
		UrgencyTier: models.UrgencyStandard,
		CreatedAt:   time.Now().Add(-age),
	}
}

func TestShouldBumpWithinGracePeriod(t *testing.T) {
	optimizer, sampleRepo := newFeeOptimizer(t)
	insertSample(t, sampleRepo, "bsc", 100, 0.9, time.Now())

	// heavily underpriced but still inside the grace window
	cheapFee := decimal.NewFromFloat(0.000021) // 1 gwei * 21000 gas
	bump, _, err := optimizer.ShouldBump(context.Background(), pendingTx("bsc", cheapFee, time.Minute))
	require.NoError(t, err)
	assert.False(t, bump)
}

func TestShouldBumpUnderpricedAfterGrace(t *testing.T) {
	optimizer, sampleRepo := newFeeOptimizer(t)
	insertSample(t, sampleRepo, "bsc", 100, 0.9, time.Now())

	cheapFee := decimal.NewFromFloat(0.000021) // implied 1 gwei
	bump, quote, err := optimizer.ShouldBump(context.Background(), pendingTx("bsc", cheapFee, 10*time.Minute))
	require.NoError(t, err)
	require.True(t, bump)
	require.NotNil(t, quote)
	assert.True(t, quote.RecommendedGwei.GreaterThan(decimal.NewFromInt(1)))
}

func TestShouldBumpWellPricedTransaction(t *testing.T) {
	optimizer, sampleRepo := newFeeOptimizer(t)
	insertSample(t, sampleRepo, "bsc", 10, 0.2, time.Now())

	// implied gas price 20 gwei, comfortably above the recommendation
	richFee := decimal.NewFromFloat(0.00042)
	bump, _, err := optimizer.ShouldBump(context.Background(), pendingTx("bsc", richFee, 10*time.Minute))
	require.NoError(t, err)
	assert.False(t, bump)
}

func TestNativeFeeForTokenTransfers(t *testing.T) {
	optimizer, _ := newFeeOptimizer(t)

	nativeFee := optimizer.NativeFeeFor("bsc", models.TokenTypeNative, decimal.NewFromInt(5))
	stableFee := optimizer.NativeFeeFor("bsc", models.TokenTypeStable, decimal.NewFromInt(5))

	assert.True(t, nativeFee.Equal(decimal.NewFromFloat(0.000105)), "got %s", nativeFee)
	assert.True(t, stableFee.GreaterThan(nativeFee), "stable transfers use the larger gas limit")
}
