package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/vaultpay/backend/internal/models"
)

func TestMonthlyFeeService_ProcessUser(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	notifier := new(MockNotifier)
	service := NewMonthlyFeeService(db, NewLedgerService(db), notifier)
	ctx := context.Background()
	billingMonth := currentBillingMonth()

	t.Run("fee covered entirely by user balance", func(t *testing.T) {
		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT id, card_id, remaining_balance, monthly_fee_amount").
			WithArgs(1, billingMonth).
			WillReturnRows(sqlmock.NewRows([]string{"id", "card_id", "remaining_balance", "monthly_fee_amount"}).
				AddRow(10, "card-10", 100.0, 5.0))

		dbMock.ExpectQuery("SELECT virtual_balance FROM users").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"virtual_balance"}).AddRow(50.0))

		// Ledger debit of the full fee
		dbMock.ExpectQuery("SELECT virtual_balance, version").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"virtual_balance", "version"}).
				AddRow(50.0, 0))
		dbMock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(1, models.LedgerTypeCardMonthlyFee, -5.0, 50.0, 45.0,
				"monthly_fee", billingMonth, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		dbMock.ExpectExec("UPDATE users").
			WithArgs(45.0, 0.0, sqlmock.AnyArg(), 1, 0).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectExec("INSERT INTO monthly_fee_records").
			WithArgs(10, 1, billingMonth, 5.0, models.FeeStatusCharged, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		dbMock.ExpectCommit()

		result, err := service.ProcessUser(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, 5.0, result.TotalFees)
		assert.Equal(t, 5.0, result.ChargedFromBalance)
		assert.Equal(t, 0.0, result.ChargedFromCards)
		assert.Empty(t, result.DeactivatedCards)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("shortfall falls through to the card balance", func(t *testing.T) {
		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT id, card_id, remaining_balance, monthly_fee_amount").
			WithArgs(1, billingMonth).
			WillReturnRows(sqlmock.NewRows([]string{"id", "card_id", "remaining_balance", "monthly_fee_amount"}).
				AddRow(10, "card-10", 10.0, 5.0))

		dbMock.ExpectQuery("SELECT virtual_balance FROM users").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"virtual_balance"}).AddRow(2.0))

		dbMock.ExpectQuery("SELECT virtual_balance, version").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"virtual_balance", "version"}).
				AddRow(2.0, 0))
		dbMock.ExpectQuery("INSERT INTO ledger_entries").
			WithArgs(1, models.LedgerTypeCardMonthlyFee, -2.0, 2.0, 0.0,
				"monthly_fee", billingMonth, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
		dbMock.ExpectExec("UPDATE users").
			WithArgs(0.0, 0.0, sqlmock.AnyArg(), 1, 0).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectExec("UPDATE cards").
			WithArgs(3.0, sqlmock.AnyArg(), 10).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO card_transactions").
			WithArgs(10, models.CardTxCapture, 3.0,
				fmt.Sprintf("monthly_fee:%s", billingMonth), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		dbMock.ExpectExec("INSERT INTO monthly_fee_records").
			WithArgs(10, 1, billingMonth, 5.0, models.FeeStatusCharged, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		dbMock.ExpectCommit()

		result, err := service.ProcessUser(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, 2.0, result.ChargedFromBalance)
		assert.Equal(t, 3.0, result.ChargedFromCards)
		assert.Equal(t, 0.0, result.UnpaidFees)
		// Every cent of the fee is accounted for across the stages
		assert.Equal(t, result.TotalFees, result.ChargedFromBalance+result.ChargedFromCards+result.UnpaidFees)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("uncollectable fee deactivates the card", func(t *testing.T) {
		notifier.On("Notify", mock.Anything, 1, "card_deactivated", mock.Anything, mock.Anything).
			Return(nil).Once()

		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT id, card_id, remaining_balance, monthly_fee_amount").
			WithArgs(1, billingMonth).
			WillReturnRows(sqlmock.NewRows([]string{"id", "card_id", "remaining_balance", "monthly_fee_amount"}).
				AddRow(10, "card-10", 1.0, 5.0))

		dbMock.ExpectQuery("SELECT virtual_balance FROM users").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"virtual_balance"}).AddRow(0.0))

		// Card pays what it can
		dbMock.ExpectExec("UPDATE cards").
			WithArgs(1.0, sqlmock.AnyArg(), 10).
			WillReturnResult(sqlmock.NewResult(0, 1))
		dbMock.ExpectExec("INSERT INTO card_transactions").
			WithArgs(10, models.CardTxCapture, 1.0,
				fmt.Sprintf("monthly_fee:%s", billingMonth), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// The remainder is written off against the card
		dbMock.ExpectExec("UPDATE cards SET status").
			WithArgs(models.CardStatusDeactivated, sqlmock.AnyArg(), 10).
			WillReturnResult(sqlmock.NewResult(0, 1))

		dbMock.ExpectExec("INSERT INTO monthly_fee_records").
			WithArgs(10, 1, billingMonth, 5.0, models.FeeStatusFailed, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		dbMock.ExpectCommit()

		result, err := service.ProcessUser(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, 0.0, result.ChargedFromBalance)
		assert.Equal(t, 1.0, result.ChargedFromCards)
		assert.Equal(t, 4.0, result.UnpaidFees)
		assert.Equal(t, []int{10}, result.DeactivatedCards)
		assert.Equal(t, result.TotalFees, result.ChargedFromBalance+result.ChargedFromCards+result.UnpaidFees)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		notifier.AssertExpectations(t)
	})

	t.Run("already billed month is a no-op", func(t *testing.T) {
		dbMock.ExpectBegin()

		dbMock.ExpectQuery("SELECT id, card_id, remaining_balance, monthly_fee_amount").
			WithArgs(1, billingMonth).
			WillReturnRows(sqlmock.NewRows([]string{"id", "card_id", "remaining_balance", "monthly_fee_amount"}))

		dbMock.ExpectCommit()

		result, err := service.ProcessUser(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, 0.0, result.TotalFees)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestMonthlyFeeService_ProcessAllUsers(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	notifier := new(MockNotifier)
	service := NewMonthlyFeeService(db, NewLedgerService(db), notifier)
	billingMonth := currentBillingMonth()

	t.Run("one failing user does not abort the batch", func(t *testing.T) {
		dbMock.ExpectQuery("SELECT DISTINCT user_id FROM cards").
			WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(1).AddRow(2))

		// User 1 fails loading its cards
		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT id, card_id, remaining_balance, monthly_fee_amount").
			WithArgs(1, billingMonth).
			WillReturnError(fmt.Errorf("connection reset"))
		dbMock.ExpectRollback()

		// User 2 has nothing to bill
		dbMock.ExpectBegin()
		dbMock.ExpectQuery("SELECT id, card_id, remaining_balance, monthly_fee_amount").
			WithArgs(2, billingMonth).
			WillReturnRows(sqlmock.NewRows([]string{"id", "card_id", "remaining_balance", "monthly_fee_amount"}))
		dbMock.ExpectCommit()

		results, err := service.ProcessAllUsers(context.Background())
		assert.NoError(t, err)
		assert.Len(t, results, 2)
		assert.Contains(t, results[0].Error, "connection reset")
		assert.Empty(t, results[1].Error)
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})
}

func TestMinf(t *testing.T) {
	assert.Equal(t, 1.0, minf(3, 1, 2))
	assert.Equal(t, 0.0, minf(0, 5))
	assert.Equal(t, -2.0, minf(-2))
}
