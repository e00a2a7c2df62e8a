package services

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/vaultpay/backend/internal/provider"
	"github.com/vaultpay/backend/internal/queue"
)

type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, queueName string, payload any, opts *queue.Options) (string, error) {
	args := m.Called(ctx, queueName, payload, opts)
	return args.String(0), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, userID int, notifType, title, body string) error {
	args := m.Called(ctx, userID, notifType, title, body)
	return args.Error(0)
}

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) VerifyWebhook(payload []byte, signature string) (*provider.VerificationResult, error) {
	args := m.Called(payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.VerificationResult), args.Error(1)
}

type MockOrderProvider struct {
	mock.Mock
}

func (m *MockOrderProvider) GetOrder(ctx context.Context, providerRef string) (*provider.OrderStatus, error) {
	args := m.Called(ctx, providerRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.OrderStatus), args.Error(1)
}

type MockOrderCreator struct {
	mock.Mock
}

func (m *MockOrderCreator) CreateOrder(ctx context.Context, reference string, amount float64, currency string) (*provider.CreatedOrder, error) {
	args := m.Called(ctx, reference, amount, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.CreatedOrder), args.Error(1)
}

type MockMasterBalanceProvider struct {
	mock.Mock
}

func (m *MockMasterBalanceProvider) GetMasterBalance(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

type MockCardProvider struct {
	mock.Mock
}

func (m *MockCardProvider) GetCard(ctx context.Context, providerCardID string) (*provider.IssuerCard, error) {
	args := m.Called(ctx, providerCardID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*provider.IssuerCard), args.Error(1)
}

func (m *MockCardProvider) ListCardTransactions(ctx context.Context, providerCardID string, since time.Time) ([]provider.IssuerTransaction, error) {
	args := m.Called(ctx, providerCardID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]provider.IssuerTransaction), args.Error(1)
}
