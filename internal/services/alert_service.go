package services

import (
	"context"
	"log"
	"sync"
	"time"

	"paycore/internal/clients"
	"paycore/internal/config"
	"paycore/internal/metrics"
	"paycore/internal/models"
	"paycore/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AlertService owns the operator alert queue: raising, draining to the
// sink, and fanning out to live subscribers. Rows are marked delivered only
// after the sink accepted them, so delivery is at-least-once and a sink
// outage never loses alerts.
type AlertService struct {
	cfg       *config.MonitorConfig
	alertRepo repository.AlertRepository
	sink      clients.AlertSink

	mu          sync.RWMutex
	subscribers map[chan *models.PaymentAlert]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewAlertService creates the alert service. A nil sink disables external
// delivery; alerts still queue and reach live subscribers.
func NewAlertService(cfg *config.MonitorConfig, alertRepo repository.AlertRepository, sink clients.AlertSink) *AlertService {
	return &AlertService{
		cfg:         cfg,
		alertRepo:   alertRepo,
		sink:        sink,
		subscribers: make(map[chan *models.PaymentAlert]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the delivery drain loop.
func (s *AlertService) Start() {
	s.wg.Add(1)
	go s.drainLoop()
	log.Printf("🚀 Alert delivery started (batch=%d, interval=%ds)",
		s.cfg.AlertBatchSize, s.cfg.AlertDrainInterval)
}

// Stop signals the loop and waits for it to drain.
func (s *AlertService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Printf("🛑 Alert delivery stopped")
}

// RaiseOption customizes an alert before it is persisted.
type RaiseOption func(*models.PaymentAlert)

// WithChain tags the alert with a chain name.
func WithChain(chain string) RaiseOption {
	return func(a *models.PaymentAlert) { a.Chain = chain }
}

// WithParty tags the alert with a party.
func WithParty(partyID string) RaiseOption {
	return func(a *models.PaymentAlert) { a.PartyID = partyID }
}

// WithObservation records the threshold that fired and the observed value.
func WithObservation(threshold, observed decimal.Decimal) RaiseOption {
	return func(a *models.PaymentAlert) {
		a.Threshold = threshold
		a.ObservedValue = observed
	}
}

// Raise persists one alert and pushes it to live subscribers. The external
// sink sees it on the next drain.
func (s *AlertService) Raise(ctx context.Context, severity models.AlertSeverity, alertType, message string, opts ...RaiseOption) error {
	alert := &models.PaymentAlert{
		ID:        uuid.NewString(),
		Severity:  severity,
		AlertType: alertType,
		Message:   message,
	}
	for _, opt := range opts {
		opt(alert)
	}

	if err := s.alertRepo.Create(ctx, alert); err != nil {
		return err
	}

	metrics.AlertsRaisedTotal.WithLabelValues(alertType, string(severity)).Inc()
	log.Printf("⚠️ Alert [%s/%s]: %s", severity, alertType, message)
	s.broadcast(alert)
	return nil
}

// RaisedRecently reports whether an alert of this type fired inside the
// window, used by callers to debounce repeated threshold alerts.
func (s *AlertService) RaisedRecently(ctx context.Context, alertType string, window time.Duration) bool {
	recent, err := s.alertRepo.RecentOfType(ctx, alertType, time.Now().Add(-window))
	if err != nil {
		return false
	}
	return recent
}

// Subscribe registers a live alert feed. The returned cancel func must be
// called when the subscriber goes away.
func (s *AlertService) Subscribe() (<-chan *models.PaymentAlert, func()) {
	ch := make(chan *models.PaymentAlert, 16)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// broadcast pushes to subscribers without blocking; a slow consumer drops
// live updates but still sees everything via the REST listing.
func (s *AlertService) broadcast(alert *models.PaymentAlert) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- alert:
		default:
		}
	}
}

func (s *AlertService) drainLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.AlertDrainInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			// Final drain so a clean shutdown does not strand queued alerts.
			s.drainOnce()
			return
		case <-ticker.C:
			s.drainOnce()
		}
	}
}

// drainOnce pushes one batch to the sink. Failed publishes leave rows
// queued for the next pass.
func (s *AlertService) drainOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	defer func() {
		if queued, err := s.alertRepo.CountUndelivered(ctx); err == nil {
			metrics.AlertsUndelivered.Set(float64(queued))
		}
	}()

	if s.sink == nil {
		return
	}

	batch, err := s.alertRepo.FetchUndelivered(ctx, s.cfg.AlertBatchSize)
	if err != nil {
		log.Printf("❌ Failed to fetch undelivered alerts: %v", err)
		return
	}
	if len(batch) == 0 {
		return
	}

	delivered := make([]string, 0, len(batch))
	for _, alert := range batch {
		if err := s.sink.Publish(alert); err != nil {
			log.Printf("⚠️ Alert sink rejected %s, will retry: %v", alert.ID, err)
			break
		}
		delivered = append(delivered, alert.ID)
	}

	if len(delivered) == 0 {
		return
	}
	if err := s.alertRepo.MarkDelivered(ctx, delivered); err != nil {
		// Rows stay queued and will be re-published: acceptable under
		// at-least-once semantics.
		log.Printf("❌ Failed to mark %d alerts delivered: %v", len(delivered), err)
		return
	}
	log.Printf("✅ Delivered %d alerts to sink", len(delivered))
}

// ListRecent returns the newest alerts for the operator API.
func (s *AlertService) ListRecent(ctx context.Context, limit int) ([]*models.PaymentAlert, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.alertRepo.ListRecent(ctx, limit)
}
