package models

import (
	"time"
)

// LedgerEntry is one immutable balance change. Entries are the sole
// audit trail for user balances; balance_after = balance_before + amount.
type LedgerEntry struct {
	ID            int       `json:"id" db:"id"`
	UserID        int       `json:"user_id" db:"user_id"`
	Type          string    `json:"transaction_type" db:"transaction_type"`
	Amount        float64   `json:"amount" db:"amount"` // signed
	BalanceBefore float64   `json:"balance_before" db:"balance_before"`
	BalanceAfter  float64   `json:"balance_after" db:"balance_after"`
	ReferenceType string    `json:"reference_type" db:"reference_type"`
	ReferenceID   string    `json:"reference_id" db:"reference_id"`
	Description   string    `json:"description" db:"description"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Ledger transaction types
const (
	LedgerTypeDeposit        = "deposit"
	LedgerTypeCardFunding    = "card_funding"
	LedgerTypeWithdrawal     = "withdrawal"
	LedgerTypeCardMonthlyFee = "card_monthly_fee"
	LedgerTypeRefund         = "refund"
	LedgerTypeAdjustment     = "adjustment"
)

// BalanceSummary is a derived view over ledger entries, informational
// only; the authoritative balance is users.virtual_balance.
type BalanceSummary struct {
	UserID       int     `json:"user_id"`
	TotalCredits float64 `json:"total_credits"`
	TotalDebits  float64 `json:"total_debits"`
	EntryCount   int     `json:"entry_count"`
	LastBalance  float64 `json:"last_balance"`
}
