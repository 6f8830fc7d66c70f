package services

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"paycore/internal/chain"
	"paycore/internal/config"
	"paycore/internal/metrics"
	"paycore/internal/models"
	"paycore/internal/repository"

	"github.com/shopspring/decimal"
)

// bumpFloorRatio: a pending transaction priced below this fraction of the
// current recommendation is considered underpriced.
const bumpFloorRatio = 0.8

// tierRank orders the urgency tiers; weights derive from it.
var tierRank = map[models.UrgencyTier]int{
	models.UrgencyEconomy:  1,
	models.UrgencyStandard: 2,
	models.UrgencyPriority: 3,
	models.UrgencyUrgent:   4,
}

// FeeQuote is one recommendation for (chain, tier).
type FeeQuote struct {
	Chain                string             `json:"chain"`
	Tier                 models.UrgencyTier `json:"tier"`
	BaseFeeGwei          decimal.Decimal    `json:"base_fee_gwei"`
	CongestionScore      float64            `json:"congestion_score"`
	Multiplier           float64            `json:"multiplier"`
	RecommendedGwei      decimal.Decimal    `json:"recommended_gwei"`
	EstimatedConfSeconds int                `json:"estimated_confirmation_seconds"`
	SampleCount          int                `json:"sample_count"`
}

// FeeOptimizerService samples network conditions on a fixed cadence and
// turns the rolling window into per-tier fee recommendations.
type FeeOptimizerService struct {
	cfg        *config.Config
	registry   *chain.Registry
	sampleRepo repository.GasSampleRepository

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFeeOptimizerService creates the fee optimizer.
func NewFeeOptimizerService(cfg *config.Config, registry *chain.Registry, sampleRepo repository.GasSampleRepository) *FeeOptimizerService {
	return &FeeOptimizerService{
		cfg:        cfg,
		registry:   registry,
		sampleRepo: sampleRepo,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the background sampling loop.
func (s *FeeOptimizerService) Start() {
	s.wg.Add(1)
	go s.sampleLoop()
	log.Printf("🚀 Fee optimizer started (interval=%ds, window=%d samples)",
		s.cfg.Fees.SampleInterval, s.cfg.Fees.WindowSize)
}

// Stop signals the loop and waits for it to drain.
func (s *FeeOptimizerService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Printf("🛑 Fee optimizer stopped")
}

func (s *FeeOptimizerService) sampleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.Fees.SampleInterval) * time.Second)
	defer ticker.Stop()

	// Take an immediate sample so quotes are available right after boot.
	s.sampleAll()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sampleAll()
		}
	}
}

// sampleAll takes one observation per chain and prunes expired samples.
func (s *FeeOptimizerService) sampleAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	for _, chainName := range s.registry.Chains() {
		adapter, err := s.registry.Get(chainName)
		if err != nil {
			continue
		}

		sample, err := adapter.SampleNetwork(ctx)
		if err != nil {
			log.Printf("⚠️ Fee sample failed on %s: %v", chainName, err)
			continue
		}
		if err := s.sampleRepo.Insert(ctx, sample); err != nil {
			log.Printf("⚠️ Failed to store fee sample for %s: %v", chainName, err)
			continue
		}

		metrics.CongestionScore.WithLabelValues(chainName).Set(sample.CongestionScore)
		s.publishQuotes(ctx, chainName)
	}

	cutoff := time.Now().Add(-time.Duration(s.cfg.Fees.RetentionMinutes) * time.Minute)
	if pruned, err := s.sampleRepo.PruneBefore(ctx, cutoff); err == nil && pruned > 0 {
		log.Printf("🧹 Pruned %d expired fee samples", pruned)
	}
}

// publishQuotes refreshes the per-tier recommendation gauges.
func (s *FeeOptimizerService) publishQuotes(ctx context.Context, chainName string) {
	for tier := range tierRank {
		quote, err := s.Recommend(ctx, chainName, tier)
		if err != nil {
			continue
		}
		gwei, _ := quote.RecommendedGwei.Float64()
		metrics.RecommendedFeeGwei.WithLabelValues(chainName, string(tier)).Set(gwei)
	}
}

// Recommend computes the fee quote for one chain and urgency tier.
//
// The multiplier scales linearly with congestion inside the tier's band:
// at zero congestion it sits at 1.0 (clamped into the band), and tier
// weight amplifies the congestion response so more urgent tiers climb
// faster. Bands are ordered, which keeps quotes monotonic in urgency.
func (s *FeeOptimizerService) Recommend(ctx context.Context, chainName string, tier models.UrgencyTier) (*FeeQuote, error) {
	rank, known := tierRank[tier]
	if !known {
		return nil, fmt.Errorf("unknown urgency tier %q", tier)
	}
	band, ok := s.cfg.Fees.Tiers[string(tier)]
	if !ok {
		return nil, fmt.Errorf("no band configured for tier %q", tier)
	}

	samples, err := s.sampleRepo.RecentWindow(ctx, chainName, s.cfg.Fees.WindowSize)
	if err != nil {
		return nil, err
	}

	baseFee, congestion := s.windowView(chainName, samples)

	weight := float64(rank) / (float64(len(tierRank)) / 2)
	multiplier := 1 + congestion*(band.Max-band.Min)*weight
	if multiplier < band.Min {
		multiplier = band.Min
	}
	if multiplier > band.Max {
		multiplier = band.Max
	}

	recommended := baseFee.Mul(decimal.NewFromFloat(multiplier))

	estimated := band.TargetConfSeconds
	if len(samples) > 0 {
		latest := samples[len(samples)-1]
		if latest.EstimatedConfirmation > estimated {
			estimated = latest.EstimatedConfirmation
		}
	}

	return &FeeQuote{
		Chain:                chainName,
		Tier:                 tier,
		BaseFeeGwei:          baseFee,
		CongestionScore:      congestion,
		Multiplier:           multiplier,
		RecommendedGwei:      recommended,
		EstimatedConfSeconds: estimated,
		SampleCount:          len(samples),
	}, nil
}

// windowView derives the smoothed base fee (median, robust to single-block
// spikes) and current congestion (latest observation). An empty window
// falls back to the chain's configured default at assumed mid congestion.
func (s *FeeOptimizerService) windowView(chainName string, samples []*models.GasPriceSample) (decimal.Decimal, float64) {
	if len(samples) == 0 {
		if network, ok := s.cfg.Blockchain.Networks[chainName]; ok {
			if fallback, err := decimal.NewFromString(network.DefaultFeeGwei); err == nil && fallback.IsPositive() {
				return fallback, 0.5
			}
		}
		return decimal.NewFromInt(20), 0.5
	}

	fees := make([]decimal.Decimal, len(samples))
	for i, sample := range samples {
		fees[i] = sample.BaseFeeGwei
	}
	sort.Slice(fees, func(i, j int) bool { return fees[i].LessThan(fees[j]) })

	var median decimal.Decimal
	mid := len(fees) / 2
	if len(fees)%2 == 1 {
		median = fees[mid]
	} else {
		median = fees[mid-1].Add(fees[mid]).Div(decimal.NewFromInt(2))
	}

	return median, samples[len(samples)-1].CongestionScore
}

// ShouldBump decides whether a pending transaction is underpriced enough to
// replace. It never fires inside the grace period, so briefly slow blocks
// do not trigger churn.
func (s *FeeOptimizerService) ShouldBump(ctx context.Context, tx *models.ChainTransaction) (bool, *FeeQuote, error) {
	if tx.Status != models.TxStatusPending {
		return false, nil, nil
	}
	grace := time.Duration(s.cfg.Fees.BumpGraceSeconds) * time.Second
	if tx.PendingFor(time.Now()) < grace {
		return false, nil, nil
	}

	tier := tx.UrgencyTier
	if tier == "" {
		tier = models.UrgencyStandard
	}
	quote, err := s.Recommend(ctx, tx.Chain, tier)
	if err != nil {
		return false, nil, err
	}

	impliedGwei := s.impliedGasPriceGwei(tx)
	if impliedGwei.IsZero() {
		return false, nil, nil
	}

	floor := quote.RecommendedGwei.Mul(decimal.NewFromFloat(bumpFloorRatio))
	if impliedGwei.GreaterThanOrEqual(floor) {
		return false, nil, nil
	}
	return true, quote, nil
}

// NativeFeeFor converts a gas price in gwei to the total native fee for one
// transfer of the given token type.
func (s *FeeOptimizerService) NativeFeeFor(chainName string, token models.TokenType, gwei decimal.Decimal) decimal.Decimal {
	return gwei.Shift(-9).Mul(decimal.NewFromInt(int64(s.gasUnits(chainName, token))))
}

// impliedGasPriceGwei back-computes the gas price a transaction paid from
// its recorded total fee.
func (s *FeeOptimizerService) impliedGasPriceGwei(tx *models.ChainTransaction) decimal.Decimal {
	units := s.gasUnits(tx.Chain, tx.TokenType)
	if units == 0 || tx.FeePaid.IsZero() {
		return decimal.Zero
	}
	return tx.FeePaid.Shift(9).Div(decimal.NewFromInt(int64(units)))
}

func (s *FeeOptimizerService) gasUnits(chainName string, token models.TokenType) uint64 {
	network, ok := s.cfg.Blockchain.Networks[chainName]
	if !ok {
		return 0
	}
	if token == models.TokenTypeStable {
		if network.TokenGasLimit > 0 {
			return network.TokenGasLimit
		}
		return 65000
	}
	if network.GasLimit > 0 {
		return network.GasLimit
	}
	return 21000
}
