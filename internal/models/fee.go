package models

import "time"

// MonthlyFeeRecord tracks fee collection per card per billing month
type MonthlyFeeRecord struct {
	ID           int       `json:"id" db:"id"`
	CardID       int       `json:"card_id" db:"card_id"`
	UserID       int       `json:"user_id" db:"user_id"`
	BillingMonth string    `json:"billing_month" db:"billing_month"` // YYYY-MM
	FeeAmount    float64   `json:"fee_amount" db:"fee_amount"`
	FeeStatus    string    `json:"fee_status" db:"fee_status"`
	ChargedAt    time.Time `json:"charged_at" db:"charged_at"`
}

const (
	FeeStatusPending = "pending"
	FeeStatusCharged = "charged"
	FeeStatusFailed  = "failed"
)

// FeeRunResult summarizes one user's waterfall outcome inside a batch
type FeeRunResult struct {
	UserID             int     `json:"user_id"`
	TotalFees          float64 `json:"total_fees"`
	ChargedFromBalance float64 `json:"charged_from_balance"`
	ChargedFromCards   float64 `json:"charged_from_cards"`
	UnpaidFees         float64 `json:"unpaid_fees"`
	DeactivatedCards   []int   `json:"deactivated_cards,omitempty"`
	Error              string  `json:"error,omitempty"`
}
