package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/vaultpay/backend/internal/models"
)

// TierService reassesses user tiers from lifetime spend. Thresholds are
// inclusive lower bounds.
type TierService struct {
	db *sql.DB
}

func NewTierService(db *sql.DB) *TierService {
	return &TierService{db: db}
}

type tierThreshold struct {
	tier     string
	minSpent float64
}

// Ordered highest first so the first match wins
var tierThresholds = []tierThreshold{
	{models.TierPlatinum, 50000},
	{models.TierGold, 10000},
	{models.TierSilver, 2500},
	{models.TierStandard, 0},
}

// TierFor returns the tier a given lifetime spend qualifies for
func TierFor(totalSpent float64) string {
	for _, t := range tierThresholds {
		if totalSpent >= t.minSpent {
			return t.tier
		}
	}
	return models.TierStandard
}

// ReassessUser recomputes one user's tier, writing an audit row when it
// changes. Safe to re-run: an unchanged tier is a no-op.
func (s *TierService) ReassessUser(ctx context.Context, userID int) (string, error) {
	var totalSpent float64
	var current string
	err := s.db.QueryRowContext(ctx, `
		SELECT total_spent, tier FROM users WHERE id = $1`, userID).Scan(&totalSpent, &current)
	if err != nil {
		return "", err
	}

	target := TierFor(totalSpent)
	if target == current {
		return current, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET tier = $1, updated_at = $2 WHERE id = $3`,
		target, time.Now(), userID)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (category, user_id, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		models.AuditCategoryTierChange, userID,
		fmt.Sprintf("tier changed %s -> %s", current, target),
		models.Metadata{"previous": current, "new": target, "total_spent": totalSpent},
		time.Now().UTC())
	if err != nil {
		log.Printf("[TIER] failed to write audit log for user %d: %v", userID, err)
	}

	log.Printf("[TIER] user %d: %s -> %s", userID, current, target)
	return target, nil
}

// ReassessAll walks every user; per-user failures are logged and do not
// abort the batch.
func (s *TierService) ReassessAll(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var userIDs []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	changed := 0
	for _, id := range userIDs {
		var before string
		if err := s.db.QueryRowContext(ctx, `SELECT tier FROM users WHERE id = $1`, id).Scan(&before); err != nil {
			log.Printf("[TIER] user %d reassessment failed: %v", id, err)
			continue
		}
		after, err := s.ReassessUser(ctx, id)
		if err != nil {
			log.Printf("[TIER] user %d reassessment failed: %v", id, err)
			continue
		}
		if after != before {
			changed++
		}
	}
	return changed, nil
}
