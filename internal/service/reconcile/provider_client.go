package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ProviderTransaction is a settled charge as the payment provider reports
// it over its reporting API.
type ProviderTransaction struct {
	ID             string    `json:"transaction_id"`
	AccountID      string    `json:"account_id"`
	AmountUSD      string    `json:"amount_usd"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ProviderClient fetches the provider's view of settled charges for a
// window. The reconciliation job diffs it against the local ledger.
type ProviderClient interface {
	ListTransactions(ctx context.Context, from, to time.Time) ([]ProviderTransaction, error)
}

// HTTPProviderClient talks to the provider's transaction reporting
// endpoint.
type HTTPProviderClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPProviderClient(baseURL string) *HTTPProviderClient {
	return &HTTPProviderClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *HTTPProviderClient) ListTransactions(ctx context.Context, from, to time.Time) ([]ProviderTransaction, error) {
	url := fmt.Sprintf("%s/transactions?from=%d&to=%d", c.baseURL, from.Unix(), to.Unix())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ListTransactions: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var txns []ProviderTransaction
	if err := json.NewDecoder(resp.Body).Decode(&txns); err != nil {
		return nil, fmt.Errorf("ListTransactions: decode: %w", err)
	}
	return txns, nil
}
