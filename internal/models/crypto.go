package models

import "time"

// CryptoOrder tracks a crypto payment order against the external provider
type CryptoOrder struct {
	ID           int        `json:"id" db:"id"`
	OrderID      string     `json:"order_id" db:"order_id"`
	UserID       int        `json:"user_id" db:"user_id"`
	ProviderRef  string     `json:"provider_ref" db:"provider_ref"`
	Status       string     `json:"status" db:"status"`
	Amount       float64    `json:"amount" db:"amount"`
	CreditAmount float64    `json:"credit_amount" db:"credit_amount"`
	Currency     string     `json:"currency" db:"currency"`
	PaymentURI   string     `json:"payment_uri" db:"payment_uri"`
	LastSyncAt   *time.Time `json:"last_sync_at" db:"last_sync_at"`
	CompletedAt  *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Order status. pending -> confirming -> completed|failed|expired;
// cancelled is reachable from pending/confirming only.
const (
	OrderStatusPending    = "pending"
	OrderStatusConfirming = "confirming"
	OrderStatusCompleted  = "completed"
	OrderStatusFailed     = "failed"
	OrderStatusExpired    = "expired"
	OrderStatusCancelled  = "cancelled"
)

// TerminalOrderStatus reports whether no further transition is allowed
func TerminalOrderStatus(status string) bool {
	switch status {
	case OrderStatusCompleted, OrderStatusFailed, OrderStatusExpired, OrderStatusCancelled:
		return true
	}
	return false
}

// CryptoTransaction is created only on payment-received events
type CryptoTransaction struct {
	ID          int       `json:"id" db:"id"`
	OrderID     int       `json:"order_id" db:"order_id"`
	UserID      int       `json:"user_id" db:"user_id"`
	ProviderRef string    `json:"provider_ref" db:"provider_ref"`
	Amount      float64   `json:"amount" db:"amount"`
	Currency    string    `json:"currency" db:"currency"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
