package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/vaultpay/backend/internal/models"
	"github.com/vaultpay/backend/internal/provider"
)

// OrderCreator is the provider capability for registering new orders
type OrderCreator interface {
	CreateOrder(ctx context.Context, reference string, amount float64, currency string) (*provider.CreatedOrder, error)
}

// CryptoOrderService creates payment orders against the crypto provider
type CryptoOrderService struct {
	db       *sql.DB
	provider OrderCreator
}

func NewCryptoOrderService(db *sql.DB, p OrderCreator) *CryptoOrderService {
	return &CryptoOrderService{db: db, provider: p}
}

// CreateOrderRequest is the inbound shape for a new payment order
type CreateOrderRequest struct {
	UserID   int     `json:"user_id" validate:"required,gt=0"`
	Amount   float64 `json:"amount" validate:"required,gt=0"`
	Currency string  `json:"currency" validate:"required,len=3"`
}

// CreateOrderResponse carries the stored order plus a QR of the payment
// URI for wallet apps.
type CreateOrderResponse struct {
	Order  models.CryptoOrder `json:"order"`
	QRCode string             `json:"qr_code"` // base64 PNG
}

// Create registers the order with the provider and stores it pending
func (s *CryptoOrderService) Create(ctx context.Context, req CreateOrderRequest) (*CreateOrderResponse, error) {
	orderID := uuid.New().String()

	created, err := s.provider.CreateOrder(ctx, orderID, req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}

	order := models.CryptoOrder{
		OrderID:      orderID,
		UserID:       req.UserID,
		ProviderRef:  created.Reference,
		Status:       models.OrderStatusPending,
		Amount:       req.Amount,
		CreditAmount: req.Amount,
		Currency:     req.Currency,
		PaymentURI:   created.PaymentURI,
		CreatedAt:    time.Now().UTC(),
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO crypto_orders
			(order_id, user_id, provider_ref, status, amount, credit_amount,
			 currency, payment_uri, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING id`,
		order.OrderID, order.UserID, order.ProviderRef, order.Status,
		order.Amount, order.CreditAmount, order.Currency, order.PaymentURI,
		order.CreatedAt).Scan(&order.ID)
	if err != nil {
		return nil, fmt.Errorf("insert crypto order: %w", err)
	}

	png, err := qrcode.Encode(order.PaymentURI, qrcode.Medium, 256)
	if err != nil {
		// The order stands even if QR rendering fails
		log.Printf("[ORDER] QR generation failed for %s: %v", order.OrderID, err)
	}

	return &CreateOrderResponse{
		Order:  order,
		QRCode: base64.StdEncoding.EncodeToString(png),
	}, nil
}

// Get loads one order by its public id
func (s *CryptoOrderService) Get(ctx context.Context, orderID string) (*models.CryptoOrder, error) {
	var order models.CryptoOrder
	var lastSync, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, user_id, provider_ref, status, amount, credit_amount,
		       currency, payment_uri, last_sync_at, completed_at, created_at, updated_at
		FROM crypto_orders
		WHERE order_id = $1`, orderID).Scan(
		&order.ID, &order.OrderID, &order.UserID, &order.ProviderRef, &order.Status,
		&order.Amount, &order.CreditAmount, &order.Currency, &order.PaymentURI,
		&lastSync, &completedAt, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if lastSync.Valid {
		order.LastSyncAt = &lastSync.Time
	}
	if completedAt.Valid {
		order.CompletedAt = &completedAt.Time
	}
	return &order, nil
}
