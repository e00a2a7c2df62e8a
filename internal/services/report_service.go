package services

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/vaultpay/backend/internal/models"
)

// ReportService writes one aggregate row per day; re-running a day
// overwrites its row.
type ReportService struct {
	db *sql.DB
}

func NewReportService(db *sql.DB) *ReportService {
	return &ReportService{db: db}
}

// GenerateDaily builds the report for reportDate (YYYY-MM-DD); an empty
// date means yesterday.
func (s *ReportService) GenerateDaily(ctx context.Context, reportDate string) (*models.DailyReport, error) {
	if reportDate == "" {
		reportDate = time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	}

	day, err := time.Parse("2006-01-02", reportDate)
	if err != nil {
		return nil, err
	}
	from, to := day, day.AddDate(0, 0, 1)

	report := &models.DailyReport{ReportDate: reportDate}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM crypto_orders
		WHERE status = 'completed' AND completed_at >= $1 AND completed_at < $2`,
		from, to).Scan(&report.OrdersCompleted)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN transaction_type = 'card_monthly_fee' THEN -amount ELSE 0 END), 0)
		FROM ledger_entries
		WHERE created_at >= $1 AND created_at < $2`,
		from, to).Scan(&report.TotalCredited, &report.TotalDebited, &report.FeesCharged)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cards WHERE status = 'active'`).Scan(&report.ActiveCards)
	if err != nil {
		return nil, err
	}

	report.CreatedAt = time.Now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO daily_reports
			(report_date, orders_completed, total_credited, total_debited, fees_charged, active_cards, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (report_date) DO UPDATE
		SET orders_completed = EXCLUDED.orders_completed,
		    total_credited = EXCLUDED.total_credited,
		    total_debited = EXCLUDED.total_debited,
		    fees_charged = EXCLUDED.fees_charged,
		    active_cards = EXCLUDED.active_cards,
		    created_at = EXCLUDED.created_at
		RETURNING id`,
		report.ReportDate, report.OrdersCompleted, report.TotalCredited,
		report.TotalDebited, report.FeesCharged, report.ActiveCards,
		report.CreatedAt).Scan(&report.ID)
	if err != nil {
		return nil, err
	}

	log.Printf("[REPORT] %s: %d orders completed, %.2f credited, %.2f fees",
		reportDate, report.OrdersCompleted, report.TotalCredited, report.FeesCharged)
	return report, nil
}
