package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vaultpay/backend/internal/apperr"
	"github.com/vaultpay/backend/internal/models"
)

// Balance operations
const (
	OperationCredit = "credit"
	OperationDebit  = "debit"
)

// LedgerService is the only writer of users.virtual_balance. Every
// mutation locks the user row, writes the new balance and appends a
// ledger entry in one transaction, so concurrent adjustments to the
// same user serialize and never lose an update.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// BalanceAdjustment describes one balance mutation. Amount is always
// positive; Operation decides the sign.
type BalanceAdjustment struct {
	UserID        int
	Amount        float64
	Operation     string
	Type          string
	ReferenceType string
	ReferenceID   string
	Description   string
}

// spendCategory debits must not drive the balance negative. Fee
// collection is excluded so the monthly fee waterfall can drain a
// balance to exactly zero.
func spendCategory(ledgerType string) bool {
	return ledgerType == models.LedgerTypeCardFunding || ledgerType == models.LedgerTypeWithdrawal
}

// AdjustBalance applies one credit or debit and returns the entry it
// appended.
func (s *LedgerService) AdjustBalance(ctx context.Context, adj BalanceAdjustment) (*models.LedgerEntry, error) {
	if adj.Amount <= 0 {
		return nil, apperr.Validation("adjustment amount must be positive")
	}
	if adj.Operation != OperationCredit && adj.Operation != OperationDebit {
		return nil, apperr.Validation(fmt.Sprintf("unknown operation %q", adj.Operation))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.AdjustBalanceTx(ctx, tx, adj)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// AdjustBalanceTx runs the adjustment inside an existing transaction so
// callers can compose it with their own writes (fee waterfall, webhook
// credit).
func (s *LedgerService) AdjustBalanceTx(ctx context.Context, tx *sql.Tx, adj BalanceAdjustment) (*models.LedgerEntry, error) {
	var balance float64
	var version int
	err := tx.QueryRowContext(ctx, `
		SELECT virtual_balance, version
		FROM users
		WHERE id = $1
		FOR UPDATE`, adj.UserID).Scan(&balance, &version)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound(fmt.Sprintf("user %d not found", adj.UserID))
	}
	if err != nil {
		return nil, err
	}

	signed := adj.Amount
	if adj.Operation == OperationDebit {
		signed = -adj.Amount
	}
	newBalance := balance + signed

	if newBalance < 0 && spendCategory(adj.Type) {
		return nil, apperr.ErrInsufficientBalance
	}

	entry := &models.LedgerEntry{
		UserID:        adj.UserID,
		Type:          adj.Type,
		Amount:        signed,
		BalanceBefore: balance,
		BalanceAfter:  newBalance,
		ReferenceType: adj.ReferenceType,
		ReferenceID:   adj.ReferenceID,
		Description:   adj.Description,
		CreatedAt:     time.Now().UTC(),
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries
			(user_id, transaction_type, amount, balance_before, balance_after,
			 reference_type, reference_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		entry.UserID, entry.Type, entry.Amount, entry.BalanceBefore, entry.BalanceAfter,
		entry.ReferenceType, entry.ReferenceID, entry.Description, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	spent := 0.0
	if adj.Operation == OperationDebit && spendCategory(adj.Type) {
		spent = adj.Amount
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE users
		SET virtual_balance = $1, total_spent = total_spent + $2,
		    version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		newBalance, spent, time.Now(), adj.UserID, version)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("optimistic lock failed for user %d", adj.UserID)
	}

	return entry, nil
}

// AlreadyRecorded reports whether an entry for the given reference
// exists. Balance-update handlers check this before applying, so a
// re-delivered job never credits the same order twice.
func (s *LedgerService) AlreadyRecorded(ctx context.Context, referenceType, referenceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE reference_type = $1 AND reference_id = $2
		)`, referenceType, referenceID).Scan(&exists)
	return exists, err
}

// LatestBalance returns the balance_after of the newest entry. This is
// a derived, informational view; the authoritative balance is the
// users.virtual_balance scalar.
func (s *LedgerService) LatestBalance(ctx context.Context, userID int) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_after
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT 1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// Summary aggregates credits and debits over the audit trail
func (s *LedgerService) Summary(ctx context.Context, userID int) (*models.BalanceSummary, error) {
	summary := &models.BalanceSummary{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0),
		       COUNT(*)
		FROM ledger_entries
		WHERE user_id = $1`, userID).Scan(
		&summary.TotalCredits, &summary.TotalDebits, &summary.EntryCount)
	if err != nil {
		return nil, err
	}

	summary.LastBalance, err = s.LatestBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// Entries lists recent ledger entries, newest first
func (s *LedgerService) Entries(ctx context.Context, userID, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, transaction_type, amount, balance_before, balance_after,
		       reference_type, reference_id, description, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Amount, &e.BalanceBefore,
			&e.BalanceAfter, &e.ReferenceType, &e.ReferenceID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
