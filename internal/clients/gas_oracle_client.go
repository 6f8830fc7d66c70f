package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GasOracleClient queries explorer gas-tracker APIs (Etherscan-compatible).
// Oracle data is advisory: every caller must tolerate a nil reading and fall
// back to node-suggested prices.
type GasOracleClient struct {
	httpClient *http.Client
}

// NewGasOracleClient creates a new gas oracle client.
func NewGasOracleClient() *GasOracleClient {
	return &GasOracleClient{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// OracleReading is one gas-tracker observation.
type OracleReading struct {
	SafeGwei     decimal.Decimal
	ProposeGwei  decimal.Decimal
	FastGwei     decimal.Decimal
	BaseFeeGwei  decimal.Decimal
	GasUsedRatio float64 // average pool utilization 0..1
}

// gasOracleResponse matches the Etherscan/BSCScan gas tracker schema.
type gasOracleResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  struct {
		SafeGasPrice    string `json:"SafeGasPrice"`
		ProposeGasPrice string `json:"ProposeGasPrice"`
		FastGasPrice    string `json:"FastGasPrice"`
		SuggestBaseFee  string `json:"suggestBaseFee"`
		GasUsedRatio    string `json:"gasUsedRatio"`
	} `json:"result"`
}

// Fetch queries the configured oracle URL. Returns (nil, nil) on any
// network or parse failure so callers fall back instead of aborting.
func (c *GasOracleClient) Fetch(ctx context.Context, oracleURL string) (*OracleReading, error) {
	if oracleURL == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", oracleURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil
	}

	var oracleResp gasOracleResponse
	if err := json.Unmarshal(body, &oracleResp); err != nil {
		return nil, nil
	}
	if oracleResp.Status != "1" {
		return nil, nil
	}

	reading := &OracleReading{
		SafeGwei:    parseGwei(oracleResp.Result.SafeGasPrice),
		ProposeGwei: parseGwei(oracleResp.Result.ProposeGasPrice),
		FastGwei:    parseGwei(oracleResp.Result.FastGasPrice),
		BaseFeeGwei: parseGwei(oracleResp.Result.SuggestBaseFee),
	}
	reading.GasUsedRatio = parseGasUsedRatio(oracleResp.Result.GasUsedRatio)
	return reading, nil
}

func parseGwei(s string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return value
}

// parseGasUsedRatio averages the comma-separated per-block ratios the
// tracker returns, e.g. "0.52,0.97,0.31".
func parseGasUsedRatio(s string) float64 {
	parts := strings.Split(s, ",")
	var sum float64
	var n int
	for _, part := range parts {
		ratio, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			continue
		}
		sum += ratio
		n++
	}
	if n == 0 {
		return 0
	}
	avg := sum / float64(n)
	if avg > 1 {
		avg = 1
	}
	if avg < 0 {
		avg = 0
	}
	return avg
}
