package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/vaultpay/backend/internal/apperr"
)

// IssuerCard is the card issuer's view of one virtual card
type IssuerCard struct {
	ProviderCardID string  `json:"card_id"`
	State          string  `json:"state"`
	Balance        float64 `json:"balance"`
	SpentAmount    float64 `json:"spent_amount"`
	Currency       string  `json:"currency"`
}

// IssuerTransaction is a settled capture/refund reported by the issuer
type IssuerTransaction struct {
	Reference      string    `json:"reference"`
	ProviderCardID string    `json:"card_id"`
	Type           string    `json:"type"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// IssuerClient talks to the card issuing provider
type IssuerClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewIssuerClient() *IssuerClient {
	viper.SetDefault("issuer.base_url", "https://api.issuer.example")

	return &IssuerClient{
		baseURL: viper.GetString("issuer.base_url"),
		apiKey:  viper.GetString("issuer.api_key"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// GetMasterBalance returns the issuer's authoritative master-account
// balance, used by reconciliation as the external side of the check.
func (c *IssuerClient) GetMasterBalance(ctx context.Context) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	if err := c.do(ctx, "/api/v1/master-account/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// GetCard fetches the issuer state of one card
func (c *IssuerClient) GetCard(ctx context.Context, providerCardID string) (*IssuerCard, error) {
	var card IssuerCard
	if err := c.do(ctx, "/api/v1/cards/"+providerCardID, nil, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// ListCardTransactions returns captures/refunds since the given time
func (c *IssuerClient) ListCardTransactions(ctx context.Context, providerCardID string, since time.Time) ([]IssuerTransaction, error) {
	query := map[string]string{"since": since.UTC().Format(time.RFC3339)}

	var out struct {
		Transactions []IssuerTransaction `json:"transactions"`
	}
	if err := c.do(ctx, "/api/v1/cards/"+providerCardID+"/transactions", query, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

func (c *IssuerClient) do(ctx context.Context, path string, query map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	if query != nil {
		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.External("issuer request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperr.NotFound(fmt.Sprintf("issuer: %s not found", path))
	}
	if resp.StatusCode >= 400 {
		return apperr.External(fmt.Sprintf("issuer returned %d for %s", resp.StatusCode, path), nil)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
