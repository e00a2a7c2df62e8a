package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/vaultpay/backend/internal/apperr"
	"github.com/vaultpay/backend/internal/jobs"
	"github.com/vaultpay/backend/internal/models"
	"github.com/vaultpay/backend/internal/provider"
	"github.com/vaultpay/backend/internal/queue"
)

func syncFixtures(t *testing.T) (*CryptoSyncService, sqlmock.Sqlmock, *MockOrderProvider, *MockEnqueuer, *MockNotifier, func()) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)

	op := new(MockOrderProvider)
	enq := new(MockEnqueuer)
	notifier := new(MockNotifier)
	service := NewCryptoSyncService(db, op, enq, notifier)

	return service, dbMock, op, enq, notifier, func() { db.Close() }
}

func orderRow(id int, orderID string, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "order_id", "user_id", "provider_ref", "status", "amount", "credit_amount", "currency"}).
		AddRow(id, orderID, 1, "ref-"+orderID, status, 50.0, 50.0, "BTC")
}

func TestCryptoSyncService_SyncOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("paid order completes and credits exactly once", func(t *testing.T) {
		service, dbMock, op, enq, _, closeDB := syncFixtures(t)
		defer closeDB()

		dbMock.ExpectQuery("SELECT id, order_id, user_id, provider_ref, status").
			WithArgs("order-1").
			WillReturnRows(orderRow(5, "order-1", models.OrderStatusPending))

		op.On("GetOrder", mock.Anything, "ref-order-1").
			Return(&provider.OrderStatus{Status: provider.XMoneyStatePaid, PaidAmount: 50}, nil).Once()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT id, order_id, user_id, provider_ref, status").
			WithArgs("ref-order-1").
			WillReturnRows(orderRow(5, "order-1", models.OrderStatusPending))
		dbMock.ExpectExec("UPDATE crypto_orders").
			WithArgs(models.OrderStatusCompleted, sqlmock.AnyArg(), sqlmock.AnyArg(), 5).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO crypto_transactions").
			WithArgs(5, 1, "ref-order-1", 50.0, "BTC", models.OrderStatusCompleted, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		enq.On("Enqueue", mock.Anything, jobs.QueueUserBalanceUpdate, mock.MatchedBy(func(p any) bool {
			payload, ok := p.(jobs.UserBalanceUpdatePayload)
			return ok && payload.UserID == 1 && payload.Amount == 50 && payload.Type == OperationCredit
		}), mock.Anything).Return("job-1", nil).Once()

		dbMock.ExpectCommit()

		err := service.SyncOrder(ctx, "order-1")
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		enq.AssertExpectations(t)
	})

	t.Run("terminal order is never polled again", func(t *testing.T) {
		service, dbMock, op, enq, _, closeDB := syncFixtures(t)
		defer closeDB()

		dbMock.ExpectQuery("SELECT id, order_id, user_id, provider_ref, status").
			WithArgs("order-2").
			WillReturnRows(orderRow(6, "order-2", models.OrderStatusCompleted))

		err := service.SyncOrder(ctx, "order-2")
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		op.AssertNotCalled(t, "GetOrder", mock.Anything, mock.Anything)
		enq.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unpaid order only refreshes last_sync_at", func(t *testing.T) {
		service, dbMock, op, enq, _, closeDB := syncFixtures(t)
		defer closeDB()

		dbMock.ExpectQuery("SELECT id, order_id, user_id, provider_ref, status").
			WithArgs("order-3").
			WillReturnRows(orderRow(7, "order-3", models.OrderStatusPending))

		op.On("GetOrder", mock.Anything, "ref-order-3").
			Return(&provider.OrderStatus{Status: provider.XMoneyStateDetected}, nil).Once()

		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT id, order_id, user_id, provider_ref, status").
			WithArgs("ref-order-3").
			WillReturnRows(orderRow(7, "order-3", models.OrderStatusPending))
		dbMock.ExpectExec("UPDATE crypto_orders SET last_sync_at").
			WithArgs(sqlmock.AnyArg(), 7).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectCommit()

		err := service.SyncOrder(ctx, "order-3")
		assert.NoError(t, err)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		enq.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown order", func(t *testing.T) {
		service, dbMock, _, _, _, closeDB := syncFixtures(t)
		defer closeDB()

		dbMock.ExpectQuery("SELECT id, order_id, user_id, provider_ref, status").
			WithArgs("order-x").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "order_id", "user_id", "provider_ref", "status", "amount", "credit_amount", "currency"}))

		err := service.SyncOrder(ctx, "order-x")
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
		assert.False(t, apperr.Retryable(err))
	})
}

func TestCryptoSyncService_TransitionTx(t *testing.T) {
	service, dbMock, _, enq, _, closeDB := syncFixtures(t)
	defer closeDB()
	ctx := context.Background()

	t.Run("re-applying completed is a no-op edge", func(t *testing.T) {
		dbMock.ExpectBegin()
		tx, err := service.db.Begin()
		assert.NoError(t, err)

		dbMock.ExpectQuery("SELECT id, order_id, user_id, provider_ref, status").
			WithArgs("ref-order-1").
			WillReturnRows(orderRow(5, "order-1", models.OrderStatusCompleted))
		dbMock.ExpectExec("UPDATE crypto_orders SET last_sync_at").
			WithArgs(sqlmock.AnyArg(), 5).
			WillReturnResult(sqlmock.NewResult(0, 1))

		transition, err := service.TransitionTx(ctx, tx, "ref-order-1", models.OrderStatusCompleted, 50)
		assert.NoError(t, err)
		assert.False(t, transition.CompletedEdge)
		assert.Equal(t, models.OrderStatusCompleted, transition.Current)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		enq.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("confirming to completed sets the edge", func(t *testing.T) {
		dbMock.ExpectBegin()
		tx, err := service.db.Begin()
		assert.NoError(t, err)

		dbMock.ExpectQuery("SELECT id, order_id, user_id, provider_ref, status").
			WithArgs("ref-order-2").
			WillReturnRows(orderRow(6, "order-2", models.OrderStatusConfirming))
		dbMock.ExpectExec("UPDATE crypto_orders").
			WithArgs(models.OrderStatusCompleted, sqlmock.AnyArg(), sqlmock.AnyArg(), 6).
			WillReturnResult(sqlmock.NewResult(0, 1))

		transition, err := service.TransitionTx(ctx, tx, "ref-order-2", models.OrderStatusCompleted, 50)
		assert.NoError(t, err)
		assert.True(t, transition.CompletedEdge)
		assert.Equal(t, models.OrderStatusConfirming, transition.Previous)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestCryptoSyncService_CancelTx(t *testing.T) {
	service, dbMock, _, _, _, closeDB := syncFixtures(t)
	defer closeDB()
	ctx := context.Background()

	t.Run("pending order cancels", func(t *testing.T) {
		dbMock.ExpectBegin()
		tx, err := service.db.Begin()
		assert.NoError(t, err)

		dbMock.ExpectQuery("SELECT id, order_id, status FROM crypto_orders").
			WithArgs("ref-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "status"}).
				AddRow(5, "order-1", models.OrderStatusPending))
		dbMock.ExpectExec("UPDATE crypto_orders").
			WithArgs(models.OrderStatusCancelled, sqlmock.AnyArg(), 5).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.CancelTx(ctx, tx, "ref-1"))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("completed order refuses cancellation", func(t *testing.T) {
		dbMock.ExpectBegin()
		tx, err := service.db.Begin()
		assert.NoError(t, err)

		dbMock.ExpectQuery("SELECT id, order_id, status FROM crypto_orders").
			WithArgs("ref-2").
			WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "status"}).
				AddRow(6, "order-2", models.OrderStatusCompleted))

		err = service.CancelTx(ctx, tx, "ref-2")
		assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
		assert.False(t, apperr.Retryable(err))
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestCryptoSyncService_CheckStuckOrders(t *testing.T) {
	service, dbMock, _, enq, _, closeDB := syncFixtures(t)
	defer closeDB()

	dbMock.ExpectQuery("SELECT order_id FROM crypto_orders").
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow("order-1").AddRow("order-2"))

	enq.On("Enqueue", mock.Anything, jobs.QueueCryptoOrderSync,
		jobs.CryptoOrderSyncPayload{OrderID: "order-1"}, &queue.Options{Priority: true}).
		Return("j1", nil).Once()
	enq.On("Enqueue", mock.Anything, jobs.QueueCryptoOrderSync,
		jobs.CryptoOrderSyncPayload{OrderID: "order-2"}, &queue.Options{Priority: true}).
		Return("j2", nil).Once()

	count, err := service.CheckStuckOrders(context.Background(), 4)
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, dbMock.ExpectationsWereMet())
	enq.AssertExpectations(t)
}

func TestCryptoSyncService_CleanupExpired(t *testing.T) {
	service, dbMock, _, _, notifier, closeDB := syncFixtures(t)
	defer closeDB()

	dbMock.ExpectQuery("UPDATE crypto_orders").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "user_id"}).
			AddRow("order-1", 1).
			AddRow("order-2", 2))

	notifier.On("Notify", mock.Anything, 1, "order_expired", mock.Anything, mock.Anything).Return(nil).Once()
	notifier.On("Notify", mock.Anything, 2, "order_expired", mock.Anything, mock.Anything).Return(nil).Once()

	count, err := service.CleanupExpired(context.Background(), 7)
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.NoError(t, dbMock.ExpectationsWereMet())
	notifier.AssertExpectations(t)
}

func TestMapProviderStatus(t *testing.T) {
	assert.Equal(t, models.OrderStatusCompleted, mapProviderStatus(provider.XMoneyStatePaid))
	assert.Equal(t, models.OrderStatusPending, mapProviderStatus(provider.XMoneyStateNew))
	assert.Equal(t, models.OrderStatusPending, mapProviderStatus(provider.XMoneyStateDetected))
}
