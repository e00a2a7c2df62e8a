package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/vaultpay/backend/internal/apperr"
	"github.com/vaultpay/backend/internal/models"
	"github.com/vaultpay/backend/internal/provider"
)

// CardProvider is the slice of the issuer API the sync jobs use
type CardProvider interface {
	GetCard(ctx context.Context, providerCardID string) (*provider.IssuerCard, error)
	ListCardTransactions(ctx context.Context, providerCardID string, since time.Time) ([]provider.IssuerTransaction, error)
}

// CardSyncService pulls card state and settled transactions from the
// issuer. Local deactivated/expired statuses are final and never
// resurrected by a sync.
type CardSyncService struct {
	db       *sql.DB
	provider CardProvider
}

func NewCardSyncService(db *sql.DB, p CardProvider) *CardSyncService {
	return &CardSyncService{db: db, provider: p}
}

// mapIssuerState translates issuer card states to local statuses
func mapIssuerState(state string) string {
	switch state {
	case "active":
		return models.CardStatusActive
	case "suspended", "frozen":
		return models.CardStatusFrozen
	case "expired":
		return models.CardStatusExpired
	case "terminated", "closed":
		return models.CardStatusDeactivated
	}
	return models.CardStatusFrozen
}

// SyncCard refreshes one card's balances and status from the issuer
func (s *CardSyncService) SyncCard(ctx context.Context, cardID string) error {
	var id int
	var providerCardID, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider_card_id, status FROM cards WHERE card_id = $1`,
		cardID).Scan(&id, &providerCardID, &status)
	if err == sql.ErrNoRows {
		return apperr.NotFound(fmt.Sprintf("card %s not found", cardID))
	}
	if err != nil {
		return err
	}

	issuerCard, err := s.provider.GetCard(ctx, providerCardID)
	if err != nil {
		return err
	}

	newStatus := mapIssuerState(issuerCard.State)
	if status == models.CardStatusDeactivated || status == models.CardStatusExpired {
		newStatus = status
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE cards
		SET remaining_balance = $1, spent_amount = $2, status = $3,
		    last_sync_at = $4, updated_at = $4
		WHERE id = $5`,
		issuerCard.Balance, issuerCard.SpentAmount, newStatus, time.Now().UTC(), id)
	return err
}

// SyncAllCards refreshes every card that is not terminally closed
func (s *CardSyncService) SyncAllCards(ctx context.Context) error {
	cardIDs, err := s.liveCards(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, id := range cardIDs {
		if err := s.SyncCard(ctx, id); err != nil {
			log.Printf("[SYNC] card %s sync failed: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SyncTransactions pulls settled captures/refunds since the card's last
// sync. The unique reference constraint makes re-pulls idempotent.
func (s *CardSyncService) SyncTransactions(ctx context.Context, cardID string) error {
	var id int
	var providerCardID string
	var lastSync sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider_card_id, last_sync_at FROM cards WHERE card_id = $1`,
		cardID).Scan(&id, &providerCardID, &lastSync)
	if err == sql.ErrNoRows {
		return apperr.NotFound(fmt.Sprintf("card %s not found", cardID))
	}
	if err != nil {
		return err
	}

	since := time.Now().Add(-24 * time.Hour)
	if lastSync.Valid {
		since = lastSync.Time
	}

	transactions, err := s.provider.ListCardTransactions(ctx, providerCardID, since)
	if err != nil {
		return err
	}

	for _, t := range transactions {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO card_transactions (card_id, type, amount, currency, reference, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (reference) DO NOTHING`,
			id, t.Type, t.Amount, t.Currency, t.Reference, t.OccurredAt)
		if err != nil {
			return err
		}
	}
	return nil
}

// SyncAllTransactions pulls transactions for every live card
func (s *CardSyncService) SyncAllTransactions(ctx context.Context) error {
	cardIDs, err := s.liveCards(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, id := range cardIDs {
		if err := s.SyncTransactions(ctx, id); err != nil {
			log.Printf("[SYNC] card %s transaction sync failed: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *CardSyncService) liveCards(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT card_id FROM cards
		WHERE status NOT IN ('deactivated', 'expired')
		ORDER BY id`)
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
