package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"

	"github.com/vaultpay/backend/internal/apperr"
	"github.com/vaultpay/backend/internal/jobs"
	"github.com/vaultpay/backend/internal/models"
	"github.com/vaultpay/backend/internal/provider"
	"github.com/vaultpay/backend/internal/queue"
)

// OrderProvider is the slice of the crypto provider the sync engine uses
type OrderProvider interface {
	GetOrder(ctx context.Context, providerRef string) (*provider.OrderStatus, error)
}

// Notifier delivers user-facing notifications
type Notifier interface {
	Notify(ctx context.Context, userID int, notifType, title, body string) error
}

// OrderTransition captures one state-machine step. CompletedEdge is true
// only when the previous status was not completed and the new one is;
// that edge, not the current status, is what triggers the balance
// credit, so repeated sync passes cannot re-credit an order.
type OrderTransition struct {
	Order         models.CryptoOrder
	Previous      string
	Current       string
	CompletedEdge bool
}

// CryptoSyncService drives crypto order statuses from provider state.
// pending -> confirming -> completed|failed|expired; cancelled only from
// pending/confirming.
type CryptoSyncService struct {
	db              *sql.DB
	provider        OrderProvider
	enq             JobEnqueuer
	notifier        Notifier
	maxPendingHours int
	maxOrderAgeDays int
}

func NewCryptoSyncService(db *sql.DB, op OrderProvider, enq JobEnqueuer, notifier Notifier) *CryptoSyncService {
	return &CryptoSyncService{
		db:              db,
		provider:        op,
		enq:             enq,
		notifier:        notifier,
		maxPendingHours: viper.GetInt("orders.max_pending_hours"),
		maxOrderAgeDays: viper.GetInt("orders.max_age_days"),
	}
}

// mapProviderStatus collapses provider states to local ones for poll
// syncs: "paid" becomes completed, everything else stays pending.
func mapProviderStatus(state string) string {
	if state == provider.XMoneyStatePaid {
		return models.OrderStatusCompleted
	}
	return models.OrderStatusPending
}

// SyncOrder polls the provider for one order and applies the mapped
// status. Terminal orders are left untouched.
func (s *CryptoSyncService) SyncOrder(ctx context.Context, orderID string) error {
	var order models.CryptoOrder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, provider_ref, status, amount, credit_amount, currency
		FROM crypto_orders
		WHERE order_id = $1`, orderID).Scan(
		&order.ID, &order.OrderID, &order.UserID, &order.ProviderRef,
		&order.Status, &order.Amount, &order.CreditAmount, &order.Currency)
	if err == sql.ErrNoRows {
		return apperr.NotFound(fmt.Sprintf("crypto order %s not found", orderID))
	}
	if err != nil {
		return err
	}

	if models.TerminalOrderStatus(order.Status) {
		return nil
	}

	status, err := s.provider.GetOrder(ctx, order.ProviderRef)
	if err != nil {
		return err
	}

	target := mapProviderStatus(status.Status)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	transition, err := s.TransitionTx(ctx, tx, order.ProviderRef, target, status.PaidAmount)
	if err != nil {
		return err
	}
	if transition.CompletedEdge {
		if err := s.RecordCompletionTx(ctx, tx, transition, status.PaidAmount, order.Currency); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// TransitionTx moves the order identified by providerRef to target
// inside the caller's transaction, locking the order row. A no-op on
// terminal orders and on repeated targets (only last_sync_at advances).
func (s *CryptoSyncService) TransitionTx(ctx context.Context, tx *sql.Tx, providerRef, target string, paidAmount float64) (*OrderTransition, error) {
	var order models.CryptoOrder
	err := tx.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, provider_ref, status, amount, credit_amount, currency
		FROM crypto_orders
		WHERE provider_ref = $1
		FOR UPDATE`, providerRef).Scan(
		&order.ID, &order.OrderID, &order.UserID, &order.ProviderRef,
		&order.Status, &order.Amount, &order.CreditAmount, &order.Currency)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(fmt.Sprintf("crypto order with ref %s not found", providerRef))
	}
	if err != nil {
		return nil, err
	}

	transition := &OrderTransition{Order: order, Previous: order.Status, Current: order.Status}

	if models.TerminalOrderStatus(order.Status) || target == order.Status {
		_, err = tx.ExecContext(ctx, `
			UPDATE crypto_orders SET last_sync_at = $1, updated_at = $1 WHERE id = $2`,
			time.Now().UTC(), order.ID)
		return transition, err
	}

	now := time.Now().UTC()
	var completedAt any
	if target == models.OrderStatusCompleted {
		completedAt = now
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE crypto_orders
		SET status = $1, last_sync_at = $2, updated_at = $2,
		    completed_at = COALESCE($3, completed_at)
		WHERE id = $4`,
		target, now, completedAt, order.ID)
	if err != nil {
		return nil, err
	}

	transition.Current = target
	transition.CompletedEdge = order.Status != models.OrderStatusCompleted && target == models.OrderStatusCompleted

	log.Printf("[SYNC] order %s: %s -> %s", order.OrderID, order.Status, target)
	return transition, nil
}

// RecordCompletionTx writes the payment-received crypto transaction and
// enqueues the balance credit. Called exactly once per order, on the
// completed edge.
func (s *CryptoSyncService) RecordCompletionTx(ctx context.Context, tx *sql.Tx, transition *OrderTransition, paidAmount float64, currency string) error {
	order := transition.Order

	amount := order.CreditAmount
	if amount == 0 {
		amount = paidAmount
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO crypto_transactions (order_id, user_id, provider_ref, amount, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		order.ID, order.UserID, order.ProviderRef, amount, currency,
		models.OrderStatusCompleted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert crypto transaction: %w", err)
	}

	_, err = s.enq.Enqueue(ctx, jobs.QueueUserBalanceUpdate, jobs.UserBalanceUpdatePayload{
		UserID:        order.UserID,
		Amount:        amount,
		Type:          OperationCredit,
		Reason:        "crypto order completed",
		ReferenceType: "crypto_order",
		ReferenceID:   order.OrderID,
	}, nil)
	if err != nil {
		return fmt.Errorf("enqueue balance credit: %w", err)
	}

	return nil
}

// CancelTx handles an explicit cancellation event; only pending and
// confirming orders may be cancelled.
func (s *CryptoSyncService) CancelTx(ctx context.Context, tx *sql.Tx, providerRef string) error {
	var order models.CryptoOrder
	err := tx.QueryRowContext(ctx, `
		SELECT id, order_id, status FROM crypto_orders
		WHERE provider_ref = $1
		FOR UPDATE`, providerRef).Scan(&order.ID, &order.OrderID, &order.Status)
	if err == sql.ErrNoRows {
		return apperr.NotFound(fmt.Sprintf("crypto order with ref %s not found", providerRef))
	}
	if err != nil {
		return err
	}

	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusConfirming {
		return apperr.Conflict("ORDER_NOT_CANCELLABLE",
			fmt.Sprintf("order %s is %s and cannot be cancelled", order.OrderID, order.Status))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE crypto_orders SET status = $1, updated_at = $2 WHERE id = $3`,
		models.OrderStatusCancelled, time.Now().UTC(), order.ID)
	return err
}

// SyncUserOrders polls every non-terminal order of one user
func (s *CryptoSyncService) SyncUserOrders(ctx context.Context, userID int) error {
	orderIDs, err := s.nonTerminalOrders(ctx, `user_id = $1`, userID)
	if err != nil {
		return err
	}
	return s.syncEach(ctx, orderIDs)
}

// SyncAll polls every non-terminal order younger than maxAge hours
func (s *CryptoSyncService) SyncAll(ctx context.Context, maxAgeHours int) error {
	if maxAgeHours <= 0 {
		maxAgeHours = 24
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeHours) * time.Hour)

	orderIDs, err := s.nonTerminalOrders(ctx, `created_at > $1`, cutoff)
	if err != nil {
		return err
	}
	return s.syncEach(ctx, orderIDs)
}

func (s *CryptoSyncService) syncEach(ctx context.Context, orderIDs []string) error {
	var firstErr error
	for _, id := range orderIDs {
		if err := s.SyncOrder(ctx, id); err != nil {
			log.Printf("[SYNC] order %s sync failed: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CheckStuckOrders re-queues orders pending beyond maxPendingHours at
// high priority.
func (s *CryptoSyncService) CheckStuckOrders(ctx context.Context, maxPendingHours int) (int, error) {
	if maxPendingHours <= 0 {
		maxPendingHours = s.maxPendingHours
	}
	cutoff := time.Now().Add(-time.Duration(maxPendingHours) * time.Hour)

	orderIDs, err := s.nonTerminalOrders(ctx, `status = 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}

	for _, id := range orderIDs {
		_, err := s.enq.Enqueue(ctx, jobs.QueueCryptoOrderSync,
			jobs.CryptoOrderSyncPayload{OrderID: id}, &queue.Options{Priority: true})
		if err != nil {
			return 0, err
		}
	}

	if len(orderIDs) > 0 {
		log.Printf("[SYNC] re-queued %d stuck order(s)", len(orderIDs))
	}
	return len(orderIDs), nil
}

// CleanupExpired marks non-terminal orders older than maxOrderAgeDays as
// expired and notifies their owners.
func (s *CryptoSyncService) CleanupExpired(ctx context.Context, maxOrderAgeDays int) (int, error) {
	if maxOrderAgeDays <= 0 {
		maxOrderAgeDays = s.maxOrderAgeDays
	}
	cutoff := time.Now().Add(-time.Duration(maxOrderAgeDays) * 24 * time.Hour)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE crypto_orders
		SET status = $1, updated_at = $2
		WHERE status NOT IN ('completed', 'failed', 'expired', 'cancelled')
		  AND created_at < $3
		RETURNING order_id, user_id`,
		models.OrderStatusExpired, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	expired := 0
	for rows.Next() {
		var orderID string
		var userID int
		if err := rows.Scan(&orderID, &userID); err != nil {
			return expired, err
		}
		expired++

		if err := s.notifier.Notify(ctx, userID, "order_expired",
			"Payment order expired",
			fmt.Sprintf("Your payment order %s expired without receiving funds.", orderID)); err != nil {
			log.Printf("[SYNC] failed to notify user %d about expired order %s: %v", userID, orderID, err)
		}
	}
	return expired, rows.Err()
}

// RequeueStale re-queues non-terminal orders not synced within the last
// hour. A coarser safety net under the stuck-order check.
func (s *CryptoSyncService) RequeueStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-time.Hour)

	orderIDs, err := s.nonTerminalOrders(ctx, `(last_sync_at IS NULL OR last_sync_at < $1)`, cutoff)
	if err != nil {
		return 0, err
	}

	for _, id := range orderIDs {
		if _, err := s.enq.Enqueue(ctx, jobs.QueueCryptoOrderSync,
			jobs.CryptoOrderSyncPayload{OrderID: id}, nil); err != nil {
			return 0, err
		}
	}
	return len(orderIDs), nil
}

func (s *CryptoSyncService) nonTerminalOrders(ctx context.Context, where string, args ...any) ([]string, error) {
	query := `
		SELECT order_id FROM crypto_orders
		WHERE status NOT IN ('completed', 'failed', 'expired', 'cancelled')
		  AND ` + where + `
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
