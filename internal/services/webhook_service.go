package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/vaultpay/backend/internal/apperr"
	"github.com/vaultpay/backend/internal/jobs"
	"github.com/vaultpay/backend/internal/models"
	"github.com/vaultpay/backend/internal/provider"
	"github.com/vaultpay/backend/internal/queue"
)

// WebhookVerifier is the signature verification collaborator
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signature string) (*provider.VerificationResult, error)
}

// JobEnqueuer is the queue capability injected into services that chain
// jobs, keeping them off the concrete queue implementation.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts *queue.Options) (string, error)
}

// Webhook processing outcomes
const (
	WebhookStatusProcessed        = "processed"
	WebhookStatusAlreadyProcessed = "already_processed"
)

// WebhookResult is returned to the caller of Process
type WebhookResult struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id"`
	Reference string `json:"reference,omitempty"`
}

// WebhookService is the idempotency gate in front of the ledger and the
// order state machine. The unique (provider, event_id) upsert plus a row
// lock held across dispatch guarantee that two concurrent deliveries of
// the same event cannot both reach the money paths.
type WebhookService struct {
	db       *sql.DB
	verifier WebhookVerifier
	sync     *CryptoSyncService
	enq      JobEnqueuer
}

func NewWebhookService(db *sql.DB, verifier WebhookVerifier, sync *CryptoSyncService, enq JobEnqueuer) *WebhookService {
	return &WebhookService{db: db, verifier: verifier, sync: sync, enq: enq}
}

// Process runs one webhook event through the gate. Handler failures are
// recorded on the event row and returned so the job queue retries;
// duplicate deliveries return already_processed with no side effects.
func (s *WebhookService) Process(ctx context.Context, providerName, eventID, eventType string, payload []byte, signature string) (*WebhookResult, error) {
	var processed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT processed FROM webhook_events
		WHERE provider = $1 AND event_id = $2`, providerName, eventID).Scan(&processed)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if err == nil && processed {
		log.Printf("[WEBHOOK] duplicate event %s/%s ignored", providerName, eventID)
		return &WebhookResult{Status: WebhookStatusAlreadyProcessed, EventID: eventID}, nil
	}

	verification, err := s.verifier.VerifyWebhook(payload, signature)
	if err != nil {
		return nil, err
	}
	if !verification.IsValid {
		return nil, apperr.ErrInvalidSignature
	}

	rowID, err := s.ensureEvent(ctx, providerName, eventID, eventType, payload)
	if err != nil {
		return nil, err
	}

	result, err := s.dispatch(ctx, rowID, eventID, eventType, verification)
	if err != nil {
		s.recordFailure(providerName, eventID, err)
		return nil, err
	}
	return result, nil
}

// ensureEvent commits the event row before any handler runs, so a
// handler that keeps failing still has a durable row carrying
// error_message and retry_count. The unique (provider, event_id)
// constraint folds concurrent first deliveries onto one row.
func (s *WebhookService) ensureEvent(ctx context.Context, providerName, eventID, eventType string, payload []byte) (int, error) {
	var rowID int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, payload, processed, created_at)
		VALUES ($1, $2, $3, $4, false, $5)
		ON CONFLICT (provider, event_id) DO UPDATE
		SET event_type = EXCLUDED.event_type
		RETURNING id`,
		providerName, eventID, eventType, payload, time.Now().UTC()).Scan(&rowID)
	if err != nil {
		return 0, fmt.Errorf("upsert webhook event: %w", err)
	}
	return rowID, nil
}

func (s *WebhookService) dispatch(ctx context.Context, rowID int, eventID, eventType string, v *provider.VerificationResult) (*WebhookResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The row lock on the committed event row is what stops two
	// concurrent deliveries from both proceeding: the loser blocks here
	// until the winner commits processed = true.
	var processed bool
	err = tx.QueryRowContext(ctx, `
		SELECT processed FROM webhook_events WHERE id = $1 FOR UPDATE`, rowID).Scan(&processed)
	if err != nil {
		return nil, err
	}
	if processed {
		return &WebhookResult{Status: WebhookStatusAlreadyProcessed, EventID: eventID}, tx.Commit()
	}

	resultMeta := models.Metadata{"event_type": eventType}

	switch eventType {
	case models.WebhookEventPaymentReceived:
		transition, err := s.handlePaymentReceived(ctx, tx, v)
		if err != nil {
			return nil, err
		}
		resultMeta["order_ref"] = v.Reference
		resultMeta["completed"] = transition.CompletedEdge

	case models.WebhookEventOrderExpired:
		if _, err := s.sync.TransitionTx(ctx, tx, v.Reference, models.OrderStatusExpired, 0); err != nil {
			return nil, err
		}

	case models.WebhookEventOrderCancelled:
		if err := s.sync.CancelTx(ctx, tx, v.Reference); err != nil {
			return nil, err
		}

	case models.WebhookEventCardState:
		// Card-state webhooks only trigger a sync job; the issuer API
		// remains the source of truth for card state.
		if _, err := s.enq.Enqueue(ctx, jobs.QueueCardSync, jobs.CardSyncPayload{CardID: v.Reference}, nil); err != nil {
			return nil, err
		}

	default:
		return nil, apperr.Validation(fmt.Sprintf("unknown webhook event type %q", eventType))
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed = true, processed_at = $1, result = $2, error_message = ''
		WHERE id = $3`, now, resultMeta, rowID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[WEBHOOK] processed event %s (%s)", eventID, eventType)
	return &WebhookResult{Status: WebhookStatusProcessed, EventID: eventID, Reference: v.Reference}, nil
}

// handlePaymentReceived transitions the order and, only on the edge into
// completed, records a crypto transaction and enqueues the balance
// credit.
func (s *WebhookService) handlePaymentReceived(ctx context.Context, tx *sql.Tx, v *provider.VerificationResult) (*OrderTransition, error) {
	target := models.OrderStatusConfirming
	if v.State == provider.XMoneyStatePaid {
		target = models.OrderStatusCompleted
	}

	transition, err := s.sync.TransitionTx(ctx, tx, v.Reference, target, v.Amount)
	if err != nil {
		return nil, err
	}

	if transition.CompletedEdge {
		if err := s.sync.RecordCompletionTx(ctx, tx, transition, v.Amount, v.Currency); err != nil {
			return nil, err
		}
	}
	return transition, nil
}

// recordFailure writes the handler error and attempt count onto the
// committed event row, then the caller re-raises for queue retry.
func (s *WebhookService) recordFailure(providerName, eventID string, cause error) {
	_, err := s.db.Exec(`
		UPDATE webhook_events
		SET error_message = $1, retry_count = retry_count + 1
		WHERE provider = $2 AND event_id = $3`,
		cause.Error(), providerName, eventID)
	if err != nil {
		log.Printf("[WEBHOOK] failed to record error for %s/%s: %v", providerName, eventID, err)
	}
}
