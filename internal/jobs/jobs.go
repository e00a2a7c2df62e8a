// Package jobs defines the queue names, payload shapes and per-queue
// limits shared by the scheduler, the HTTP layer and the worker process.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/vaultpay/backend/internal/queue"
)

// Queue names
const (
	QueueTransactionSync       = "transaction-sync"
	QueueCardSync              = "card-sync"
	QueueBalanceReconciliation = "balance-reconciliation"
	QueueWebhookProcessing     = "webhook-processing"
	QueueCryptoOrderSync       = "crypto-order-sync"
	QueueCryptoOrderCheck      = "crypto-order-check"
	QueueUserBalanceUpdate     = "user-balance-update"
	QueueMonthlyFee            = "monthly-fee-processing"
	QueueTierUpgrade           = "tier-upgrade"
	QueueSessionCleanup        = "session-cleanup"
	QueueSessionMonitoring     = "session-monitoring"
	QueueDailyReports          = "daily-reports"
)

type TransactionSyncPayload struct {
	CardID   string `json:"cardId,omitempty"`
	UserID   int    `json:"userId,omitempty"`
	FullSync bool   `json:"fullSync,omitempty"`
}

type CardSyncPayload struct {
	CardID   string `json:"cardId,omitempty"`
	UserID   int    `json:"userId,omitempty"`
	FullSync bool   `json:"fullSync,omitempty"`
}

type ReconciliationPayload struct {
	Type string `json:"type"` // master_account | user_balances | full
}

const (
	ReconciliationMasterAccount = "master_account"
	ReconciliationUserBalances  = "user_balances"
	ReconciliationFull          = "full"
)

type WebhookProcessingPayload struct {
	Provider  string          `json:"provider"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

type CryptoOrderSyncPayload struct {
	OrderID  string `json:"orderId,omitempty"`
	UserID   int    `json:"userId,omitempty"`
	FullSync bool   `json:"fullSync,omitempty"`
	MaxAge   int    `json:"maxAge,omitempty"` // hours, bounds full syncs
}

type CryptoOrderCheckPayload struct {
	CheckStuckOrders     bool `json:"checkStuckOrders"`
	CleanupExpiredOrders bool `json:"cleanupExpiredOrders"`
	MaxPendingHours      int  `json:"maxPendingHours,omitempty"`
	MaxOrderAgeDays      int  `json:"maxOrderAgeDays,omitempty"`
}

type UserBalanceUpdatePayload struct {
	UserID        int     `json:"userId"`
	Amount        float64 `json:"amount"`
	Type          string  `json:"type"` // credit | debit
	Reason        string  `json:"reason"`
	ReferenceType string  `json:"referenceType,omitempty"`
	ReferenceID   string  `json:"referenceId,omitempty"`
}

type MonthlyFeePayload struct {
	Type   string `json:"type"` // process_all_users | process_user
	UserID int    `json:"userId,omitempty"`
}

const (
	MonthlyFeeAllUsers = "process_all_users"
	MonthlyFeeOneUser  = "process_user"
)

type TierUpgradePayload struct {
	UserID int `json:"userId,omitempty"` // 0 means all users
}

type SessionCleanupPayload struct{}

type SessionMonitoringPayload struct{}

type DailyReportPayload struct {
	ReportDate string `json:"reportDate,omitempty"` // YYYY-MM-DD, empty = yesterday
}

// Configs returns the per-queue concurrency and rate limits. The
// money-touching batch queues run at concurrency 1 so cross-user
// interleaving cannot corrupt shared aggregate state.
func Configs() []queue.QueueConfig {
	return []queue.QueueConfig{
		{Name: QueueBalanceReconciliation, Concurrency: 1},
		{Name: QueueCryptoOrderSync, Concurrency: 2, RateLimit: 10, RateWindow: time.Minute},
		{Name: QueueCryptoOrderCheck, Concurrency: 1, RateLimit: 5, RateWindow: 5 * time.Minute},
		{Name: QueueUserBalanceUpdate, Concurrency: 5, RateLimit: 100, RateWindow: time.Minute},
		{Name: QueueCardSync, Concurrency: 3, RateLimit: 15, RateWindow: time.Minute},
		{Name: QueueTransactionSync, Concurrency: 3, RateLimit: 15, RateWindow: time.Minute},
		{Name: QueueWebhookProcessing, Concurrency: 5},
		{Name: QueueMonthlyFee, Concurrency: 1, RateLimit: 10, RateWindow: time.Minute},
		{Name: QueueTierUpgrade, Concurrency: 3},
		{Name: QueueSessionCleanup, Concurrency: 1},
		{Name: QueueSessionMonitoring, Concurrency: 1},
		{Name: QueueDailyReports, Concurrency: 1},
	}
}

// Cadence maps each recurring queue to its cron pattern
type Cadence struct {
	Queue   string
	Pattern string
	Payload func() any
}

// Cadences lists every recurring registration
func Cadences() []Cadence {
	return []Cadence{
		{QueueTransactionSync, "*/5 * * * *", func() any { return TransactionSyncPayload{FullSync: true} }},
		{QueueCardSync, "*/10 * * * *", func() any { return CardSyncPayload{FullSync: true} }},
		{QueueBalanceReconciliation, "0 * * * *", func() any { return ReconciliationPayload{Type: ReconciliationFull} }},
		{QueueCryptoOrderSync, "*/15 * * * *", func() any { return CryptoOrderSyncPayload{FullSync: true, MaxAge: 24} }},
		{QueueCryptoOrderCheck, "*/30 * * * *", func() any {
			return CryptoOrderCheckPayload{CheckStuckOrders: true, CleanupExpiredOrders: true}
		}},
		{QueueSessionCleanup, "0 */6 * * *", func() any { return SessionCleanupPayload{} }},
		{QueueSessionMonitoring, "0 */2 * * *", func() any { return SessionMonitoringPayload{} }},
		{QueueDailyReports, "0 2 * * *", func() any { return DailyReportPayload{} }},
		{QueueMonthlyFee, "0 2 1 * *", func() any { return MonthlyFeePayload{Type: MonthlyFeeAllUsers} }},
		{QueueTierUpgrade, "0 2 * * *", func() any { return TierUpgradePayload{} }},
	}
}
