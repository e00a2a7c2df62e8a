package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Card represents a virtual card
type Card struct {
	ID               int        `json:"id" db:"id"`
	CardID           string     `json:"card_id" db:"card_id"`
	UserID           int        `json:"user_id" db:"user_id"`
	ProviderCardID   string     `json:"provider_card_id" db:"provider_card_id"`
	Status           string     `json:"status" db:"status"`
	RemainingBalance float64    `json:"remaining_balance" db:"remaining_balance"`
	SpentAmount      float64    `json:"spent_amount" db:"spent_amount"`
	MonthlyFeeAmount float64    `json:"monthly_fee_amount" db:"monthly_fee_amount"`
	Currency         string     `json:"currency" db:"currency"`
	LastSyncAt       *time.Time `json:"last_sync_at" db:"last_sync_at"`
	Metadata         Metadata   `json:"metadata" db:"metadata"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
	ExpiresAt        *time.Time `json:"expires_at" db:"expires_at"`
}

// Card status. Transitions are one-directional toward
// deactivated/expired except active<->frozen.
const (
	CardStatusActive      = "active"
	CardStatusFrozen      = "frozen"
	CardStatusExpired     = "expired"
	CardStatusDeactivated = "deactivated"
)

// CardTransaction is a capture or refund recorded against a card
type CardTransaction struct {
	ID        int       `json:"id" db:"id"`
	CardID    int       `json:"card_id" db:"card_id"`
	Type      string    `json:"type" db:"type"`
	Amount    float64   `json:"amount" db:"amount"`
	Currency  string    `json:"currency" db:"currency"`
	Reference string    `json:"reference" db:"reference"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

const (
	CardTxCapture = "capture"
	CardTxRefund  = "refund"
)

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}
