package models

import "time"

// WebhookEvent stores provider webhook payloads with deduplication
// metadata. (provider, event_id) is unique; processed flips exactly
// once to true.
type WebhookEvent struct {
	ID           int        `json:"id" db:"id"`
	Provider     string     `json:"provider" db:"provider"`
	EventID      string     `json:"event_id" db:"event_id"`
	EventType    string     `json:"event_type" db:"event_type"`
	Payload      []byte     `json:"payload" db:"payload"`
	Processed    bool       `json:"processed" db:"processed"`
	RetryCount   int        `json:"retry_count" db:"retry_count"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
	Result       Metadata   `json:"result" db:"result"`
	ProcessedAt  *time.Time `json:"processed_at" db:"processed_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Webhook event types from the crypto provider
const (
	WebhookEventPaymentReceived = "payment.received"
	WebhookEventOrderExpired    = "order.expired"
	WebhookEventOrderCancelled  = "order.cancelled"
	WebhookEventCardState       = "card.state"
)
