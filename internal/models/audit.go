package models

import "time"

// AuditLog rows are written by reconciliation and tier changes for
// operator review; they never drive automatic correction.
type AuditLog struct {
	ID         int       `json:"id" db:"id"`
	Category   string    `json:"category" db:"category"`
	UserID     *int      `json:"user_id" db:"user_id"`
	Message    string    `json:"message" db:"message"`
	Details    Metadata  `json:"details" db:"details"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

const (
	AuditCategoryReconciliation = "reconciliation"
	AuditCategoryTierChange     = "tier_change"
	AuditCategoryFeeRun         = "fee_run"
)

// ReconciliationSnapshot persists one master-account comparison
type ReconciliationSnapshot struct {
	ID               int       `json:"id" db:"id"`
	ExternalBalance  float64   `json:"external_balance" db:"external_balance"`
	InternalExpected float64   `json:"internal_expected" db:"internal_expected"`
	Difference       float64   `json:"difference" db:"difference"`
	Discrepancy      bool      `json:"discrepancy" db:"discrepancy"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Notification is surfaced to the user out-of-band (email, push)
type Notification struct {
	ID        int       `json:"id" db:"id"`
	UserID    int       `json:"user_id" db:"user_id"`
	Type      string    `json:"type" db:"type"`
	Title     string    `json:"title" db:"title"`
	Body      string    `json:"body" db:"body"`
	Read      bool      `json:"read" db:"read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DailyReport aggregates one day of platform activity
type DailyReport struct {
	ID              int       `json:"id" db:"id"`
	ReportDate      string    `json:"report_date" db:"report_date"` // YYYY-MM-DD
	OrdersCompleted int       `json:"orders_completed" db:"orders_completed"`
	TotalCredited   float64   `json:"total_credited" db:"total_credited"`
	TotalDebited    float64   `json:"total_debited" db:"total_debited"`
	FeesCharged     float64   `json:"fees_charged" db:"fees_charged"`
	ActiveCards     int       `json:"active_cards" db:"active_cards"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
