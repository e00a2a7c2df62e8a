package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/viper"

	"github.com/vaultpay/backend/internal/apperr"
)

// Provider-side order states. Anything other than "paid" maps to a
// local pending order during sync.
const (
	XMoneyStatePaid      = "paid"
	XMoneyStateNew       = "new"
	XMoneyStateDetected  = "detected"
	XMoneyStateExpired   = "expired"
	XMoneyStateCancelled = "cancelled"
)

// OrderStatus is the provider's view of one order
type OrderStatus struct {
	Reference  string  `json:"reference"`
	Status     string  `json:"status"`
	Amount     float64 `json:"amount"`
	PaidAmount float64 `json:"paid_amount"`
	Currency   string  `json:"currency"`
}

// CreatedOrder is returned when a new order is registered
type CreatedOrder struct {
	Reference  string `json:"reference"`
	PaymentURI string `json:"payment_uri"`
}

// VerificationResult is the webhook verification collaborator contract
type VerificationResult struct {
	IsValid   bool    `json:"is_valid"`
	EventType string  `json:"event_type"`
	Reference string  `json:"reference"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	State     string  `json:"state"`
}

// XMoneyClient talks to the crypto payment provider. Timeouts are the
// only cancellation mechanism for in-flight calls; failure recovery is
// the queue's retry policy.
type XMoneyClient struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	client        *http.Client
}

func NewXMoneyClient() *XMoneyClient {
	viper.SetDefault("xmoney.base_url", "https://api.xmoney.example")

	return &XMoneyClient{
		baseURL:       viper.GetString("xmoney.base_url"),
		apiKey:        viper.GetString("xmoney.api_key"),
		webhookSecret: viper.GetString("xmoney.webhook_secret"),
		client:        &http.Client{Timeout: 15 * time.Second},
	}
}

// GetOrder fetches the authoritative status of one order
func (c *XMoneyClient) GetOrder(ctx context.Context, providerRef string) (*OrderStatus, error) {
	var status OrderStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+providerRef, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CreateOrder registers a new payment order with the provider
func (c *XMoneyClient) CreateOrder(ctx context.Context, reference string, amount float64, currency string) (*CreatedOrder, error) {
	body := map[string]any{
		"reference": reference,
		"amount":    amount,
		"currency":  currency,
	}

	var created CreatedOrder
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// CancelOrder requests provider-side cancellation of a non-paid order
func (c *XMoneyClient) CancelOrder(ctx context.Context, providerRef string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/orders/"+providerRef+"/cancel", nil, nil)
}

func (c *XMoneyClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.External("xmoney request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperr.NotFound(fmt.Sprintf("xmoney: %s not found", path))
	}
	if resp.StatusCode >= 400 {
		return apperr.External(fmt.Sprintf("xmoney returned %d for %s", resp.StatusCode, path), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.External("xmoney: decode response", err)
	}
	return nil
}

// webhookBody is the raw shape of an xmoney webhook payload
type webhookBody struct {
	EventType string  `json:"event_type"`
	Reference string  `json:"reference"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	State     string  `json:"state"`
}

// VerifyWebhook checks the HMAC-SHA256 signature of a raw webhook
// payload and extracts the event fields. IsValid is false on a bad
// signature; a malformed body is an error.
func (c *XMoneyClient) VerifyWebhook(payload []byte, signature string) (*VerificationResult, error) {
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return &VerificationResult{IsValid: false}, nil
	}

	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("parse webhook payload: %w", err)
	}

	return &VerificationResult{
		IsValid:   true,
		EventType: body.EventType,
		Reference: body.Reference,
		Amount:    body.Amount,
		Currency:  body.Currency,
		State:     body.State,
	}, nil
}
