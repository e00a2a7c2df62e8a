package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/vaultpay/backend/internal/models"
)

// MonthlyFeeService collects card monthly fees through a fixed-order
// waterfall: user balance first, then card balances (poorest card
// first), then deactivation of cards whose fees remain unpaid. The bulk
// job runs at concurrency 1.
type MonthlyFeeService struct {
	db       *sql.DB
	ledger   *LedgerService
	notifier Notifier
}

func NewMonthlyFeeService(db *sql.DB, ledger *LedgerService, notifier Notifier) *MonthlyFeeService {
	return &MonthlyFeeService{db: db, ledger: ledger, notifier: notifier}
}

type feeCard struct {
	id               int
	cardID           string
	remainingBalance float64
	feeAmount        float64
	chargedFromCard  float64
	deactivated      bool
}

// ProcessAllUsers runs the waterfall for every user holding fee-bearing
// active cards. One user's failure is recorded in its result and never
// aborts the batch.
func (s *MonthlyFeeService) ProcessAllUsers(ctx context.Context) ([]models.FeeRunResult, error) {
	billingMonth := currentBillingMonth()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM cards
		WHERE status = 'active' AND monthly_fee_amount > 0
		ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]models.FeeRunResult, 0, len(userIDs))
	for _, userID := range userIDs {
		result, err := s.ProcessUser(ctx, userID)
		if err != nil {
			log.Printf("[FEE] user %d fee run failed: %v", userID, err)
			results = append(results, models.FeeRunResult{UserID: userID, Error: err.Error()})
			continue
		}
		results = append(results, *result)
	}

	log.Printf("[FEE] billing month %s: processed %d user(s)", billingMonth, len(results))
	return results, nil
}

// ProcessUser runs the three-stage waterfall for one user inside a
// single transaction. Re-running in the same billing month is a no-op
// for cards whose fee record already exists.
func (s *MonthlyFeeService) ProcessUser(ctx context.Context, userID int) (*models.FeeRunResult, error) {
	billingMonth := currentBillingMonth()
	result := &models.FeeRunResult{UserID: userID}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cards, err := s.feeBearingCards(ctx, tx, userID, billingMonth)
	if err != nil {
		return nil, err
	}
	if len(cards) == 0 {
		return result, tx.Commit()
	}

	totalFees := 0.0
	for _, c := range cards {
		totalFees += c.feeAmount
	}
	result.TotalFees = totalFees
	remaining := totalFees

	// Stage 1: user balance
	var balance float64
	err = tx.QueryRowContext(ctx, `
		SELECT virtual_balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		return nil, err
	}

	if deduct := minf(balance, remaining); deduct > 0 {
		_, err := s.ledger.AdjustBalanceTx(ctx, tx, BalanceAdjustment{
			UserID:        userID,
			Amount:        deduct,
			Operation:     OperationDebit,
			Type:          models.LedgerTypeCardMonthlyFee,
			ReferenceType: "monthly_fee",
			ReferenceID:   billingMonth,
			Description:   fmt.Sprintf("Monthly card fees for %s", billingMonth),
		})
		if err != nil {
			return nil, err
		}
		result.ChargedFromBalance = deduct
		remaining -= deduct
	}

	// Stage 2: card balances, poorest card first
	for i := range cards {
		if remaining <= 0 {
			break
		}
		c := &cards[i]

		take := minf(c.remainingBalance, c.feeAmount, remaining)
		if take <= 0 {
			continue
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE cards
			SET remaining_balance = remaining_balance - $1,
			    spent_amount = spent_amount + $1, updated_at = $2
			WHERE id = $3`, take, time.Now(), c.id)
		if err != nil {
			return nil, err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO card_transactions (card_id, type, amount, currency, reference, created_at)
			VALUES ($1, $2, $3, 'USD', $4, $5)`,
			c.id, models.CardTxCapture, take,
			fmt.Sprintf("monthly_fee:%s", billingMonth), time.Now().UTC())
		if err != nil {
			return nil, err
		}

		c.chargedFromCard = take
		result.ChargedFromCards += take
		remaining -= take
	}

	// Stage 3: deactivation, same order, until the shortfall is covered
	for i := range cards {
		if remaining <= 0 {
			break
		}
		c := &cards[i]

		writeOff := minf(remaining, c.feeAmount-c.chargedFromCard)
		if writeOff <= 0 {
			continue
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE cards SET status = $1, updated_at = $2 WHERE id = $3`,
			models.CardStatusDeactivated, time.Now(), c.id)
		if err != nil {
			return nil, err
		}

		c.deactivated = true
		result.DeactivatedCards = append(result.DeactivatedCards, c.id)
		result.UnpaidFees += writeOff
		remaining -= writeOff

		if err := s.notifier.Notify(ctx, userID, "card_deactivated",
			"Card deactivated over unpaid fees",
			fmt.Sprintf("Card %s was deactivated: %.2f of its monthly fee could not be collected.",
				c.cardID, writeOff)); err != nil {
			log.Printf("[FEE] failed to notify user %d about card %s: %v", userID, c.cardID, err)
		}
	}

	for _, c := range cards {
		status := models.FeeStatusCharged
		if c.deactivated {
			status = models.FeeStatusFailed
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO monthly_fee_records (card_id, user_id, billing_month, fee_amount, fee_status, charged_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (card_id, billing_month) DO UPDATE
			SET fee_status = EXCLUDED.fee_status, charged_at = EXCLUDED.charged_at`,
			c.id, userID, billingMonth, c.feeAmount, status, time.Now().UTC())
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// feeBearingCards locks the user's active fee-bearing cards that have no
// fee record for this billing month yet, ascending by remaining balance
// with card id as the tie-break.
func (s *MonthlyFeeService) feeBearingCards(ctx context.Context, tx *sql.Tx, userID int, billingMonth string) ([]feeCard, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, card_id, remaining_balance, monthly_fee_amount
		FROM cards
		WHERE user_id = $1 AND status = 'active' AND monthly_fee_amount > 0
		  AND NOT EXISTS (
			SELECT 1 FROM monthly_fee_records r
			WHERE r.card_id = cards.id AND r.billing_month = $2
		  )
		ORDER BY remaining_balance ASC, id ASC
		FOR UPDATE OF cards`, userID, billingMonth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []feeCard
	for rows.Next() {
		var c feeCard
		if err := rows.Scan(&c.id, &c.cardID, &c.remainingBalance, &c.feeAmount); err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

func currentBillingMonth() string {
	return time.Now().UTC().Format("2006-01")
}

func minf(values ...float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
