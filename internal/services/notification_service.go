package services

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// NotificationService persists user notifications; delivery (email,
// push) is handled out-of-band by readers of the notifications table.
type NotificationService struct {
	db *sql.DB
}

func NewNotificationService(db *sql.DB) *NotificationService {
	return &NotificationService{db: db}
}

func (s *NotificationService) Notify(ctx context.Context, userID int, notifType, title, body string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, type, title, body, read, created_at)
		VALUES ($1, $2, $3, $4, false, $5)`,
		userID, notifType, title, body, time.Now().UTC())
	if err != nil {
		return err
	}

	log.Printf("Notification: %s for user %d (%s)", title, userID, notifType)
	return nil
}
