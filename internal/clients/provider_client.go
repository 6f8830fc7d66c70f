package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"paycore/internal/config"

	"github.com/shopspring/decimal"
)

// ProviderPaymentStatus is the provider-side payment lifecycle as reported
// by the status poll.
type ProviderPaymentStatus string

const (
	ProviderPaymentPending   ProviderPaymentStatus = "pending"
	ProviderPaymentCompleted ProviderPaymentStatus = "completed"
	ProviderPaymentFailed    ProviderPaymentStatus = "failed"
)

// ProviderPaymentRequest describes one fallback payment.
type ProviderPaymentRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	PartyID        string          `json:"party_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Memo           string          `json:"memo"`
}

// PaymentProvider is one external settlement rail.
type PaymentProvider interface {
	Name() string
	CreatePayment(ctx context.Context, req *ProviderPaymentRequest) (string, error)
	GetPaymentStatus(ctx context.Context, providerTxID string) (ProviderPaymentStatus, error)
}

// HTTPPaymentProvider talks to a provider's REST API.
type HTTPPaymentProvider struct {
	cfg        config.ProviderConfig
	httpClient *http.Client
}

// NewHTTPPaymentProvider creates a provider client from its configuration.
func NewHTTPPaymentProvider(cfg config.ProviderConfig) *HTTPPaymentProvider {
	return &HTTPPaymentProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *HTTPPaymentProvider) Name() string {
	return p.cfg.Name
}

type providerCreateResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// CreatePayment submits the payment and returns the provider's reference.
func (p *HTTPPaymentProvider) CreatePayment(ctx context.Context, req *ProviderPaymentRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.cfg.BaseURL+"/v1/payments", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("provider %s unreachable: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("provider %s rejected payment with HTTP %d", p.cfg.Name, resp.StatusCode)
	}

	var created providerCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("provider %s returned invalid payload: %w", p.cfg.Name, err)
	}
	if created.PaymentID == "" {
		return "", fmt.Errorf("provider %s returned no payment id: %s", p.cfg.Name, created.Message)
	}
	return created.PaymentID, nil
}

type providerStatusResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// GetPaymentStatus polls one payment. Unknown provider statuses map to
// pending, so an odd response never flips a row terminal.
func (p *HTTPPaymentProvider) GetPaymentStatus(ctx context.Context, providerTxID string) (ProviderPaymentStatus, error) {
	url := fmt.Sprintf("%s/v1/payments/%s", p.cfg.BaseURL, providerTxID)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return ProviderPaymentPending, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return ProviderPaymentPending, fmt.Errorf("provider %s unreachable: %w", p.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProviderPaymentPending, fmt.Errorf("provider %s status poll returned HTTP %d", p.cfg.Name, resp.StatusCode)
	}

	var status providerStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return ProviderPaymentPending, fmt.Errorf("provider %s returned invalid payload: %w", p.cfg.Name, err)
	}

	switch status.Status {
	case "completed", "succeeded", "settled":
		return ProviderPaymentCompleted, nil
	case "failed", "cancelled", "rejected":
		return ProviderPaymentFailed, nil
	default:
		return ProviderPaymentPending, nil
	}
}
