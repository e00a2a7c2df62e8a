package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/vaultpay/backend/internal/apperr"
	"github.com/vaultpay/backend/internal/jobs"
	"github.com/vaultpay/backend/internal/models"
)

// MasterBalanceProvider exposes the issuer's authoritative balance
type MasterBalanceProvider interface {
	GetMasterBalance(ctx context.Context) (float64, error)
}

// A one-cent difference is not a discrepancy (strict >). The comparison
// happens in rounded cents: raw float subtraction leaves noise at the
// boundary (10000.00 - 9999.99 comes out a hair over 0.01) that must
// not tip a clean balance into a flag.
const toleranceCents = 1

func exceedsTolerance(diff float64) bool {
	return math.Round(math.Abs(diff)*100) > toleranceCents
}

// ReconciliationService detects balance drift and never corrects it:
// discrepancies stay visible to operators for fraud and bug
// investigation. Runs at concurrency 1 for a consistent snapshot across
// its two phases.
type ReconciliationService struct {
	db       *sql.DB
	provider MasterBalanceProvider
}

func NewReconciliationService(db *sql.DB, p MasterBalanceProvider) *ReconciliationService {
	return &ReconciliationService{db: db, provider: p}
}

// Run dispatches one reconciliation pass by type
func (s *ReconciliationService) Run(ctx context.Context, reconType string) error {
	switch reconType {
	case jobs.ReconciliationMasterAccount:
		_, err := s.ReconcileMasterAccount(ctx)
		return err
	case jobs.ReconciliationUserBalances:
		_, err := s.ReconcileUserBalances(ctx)
		return err
	case jobs.ReconciliationFull, "":
		if _, err := s.ReconcileMasterAccount(ctx); err != nil {
			return err
		}
		_, err := s.ReconcileUserBalances(ctx)
		return err
	default:
		return apperr.Validation(fmt.Sprintf("unknown reconciliation type %q", reconType))
	}
}

// ReconcileMasterAccount compares the issuer's master balance against
// the sum of active card balances and persists the snapshot.
func (s *ReconciliationService) ReconcileMasterAccount(ctx context.Context) (*models.ReconciliationSnapshot, error) {
	external, err := s.provider.GetMasterBalance(ctx)
	if err != nil {
		return nil, err
	}

	var internalExpected float64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(remaining_balance), 0)
		FROM cards
		WHERE status = 'active'`).Scan(&internalExpected)
	if err != nil {
		return nil, err
	}

	diff := external - internalExpected
	snapshot := &models.ReconciliationSnapshot{
		ExternalBalance:  external,
		InternalExpected: internalExpected,
		Difference:       diff,
		Discrepancy:      exceedsTolerance(diff),
		CreatedAt:        time.Now().UTC(),
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO reconciliation_snapshots
			(external_balance, internal_expected, difference, discrepancy, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		snapshot.ExternalBalance, snapshot.InternalExpected, snapshot.Difference,
		snapshot.Discrepancy, snapshot.CreatedAt).Scan(&snapshot.ID)
	if err != nil {
		return nil, err
	}

	if snapshot.Discrepancy {
		log.Printf("[RECON] master account discrepancy: external=%.2f internal=%.2f diff=%.2f",
			external, internalExpected, diff)
		s.writeAudit(ctx, nil,
			fmt.Sprintf("master account discrepancy of %.2f detected", diff),
			models.Metadata{
				"external_balance":  external,
				"internal_expected": internalExpected,
				"difference":        diff,
			})
	}

	return snapshot, nil
}

// ReconcileUserBalances compares each positive virtual balance to the
// sum of the user's active card balances, writing an audit row per
// drifted user. Returns how many users were flagged.
func (s *ReconciliationService) ReconcileUserBalances(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.virtual_balance, COALESCE(SUM(c.remaining_balance), 0)
		FROM users u
		LEFT JOIN cards c ON c.user_id = u.id AND c.status = 'active'
		WHERE u.virtual_balance > 0
		GROUP BY u.id, u.virtual_balance
		ORDER BY u.id`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type drift struct {
		userID   int
		balance  float64
		cardsSum float64
	}
	var drifted []drift

	for rows.Next() {
		var d drift
		if err := rows.Scan(&d.userID, &d.balance, &d.cardsSum); err != nil {
			return 0, err
		}
		if exceedsTolerance(d.balance - d.cardsSum) {
			drifted = append(drifted, d)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, d := range drifted {
		userID := d.userID
		s.writeAudit(ctx, &userID,
			fmt.Sprintf("user balance %.2f drifts from active card sum %.2f", d.balance, d.cardsSum),
			models.Metadata{
				"virtual_balance": d.balance,
				"cards_sum":       d.cardsSum,
				"difference":      d.balance - d.cardsSum,
			})
	}

	if len(drifted) > 0 {
		log.Printf("[RECON] flagged %d user(s) with balance drift", len(drifted))
	}
	return len(drifted), nil
}

func (s *ReconciliationService) writeAudit(ctx context.Context, userID *int, message string, details models.Metadata) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (category, user_id, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		models.AuditCategoryReconciliation, userID, message, details, time.Now().UTC())
	if err != nil {
		log.Printf("[RECON] failed to write audit log: %v", err)
	}
}
