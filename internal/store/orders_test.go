package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var itemColumns = []string{"id", "order_id", "product_id", "product_name", "quantity", "unit_price"}

func TestCancelOrderReleasesStock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE orders SET status = $1")).
		WithArgs("cancelled", "refunded", "not confirmed", int64(11), "reached_destination").
		WillReturnRows(sqlmock.NewRows([]string{"warehouse_id"}).AddRow(int64(3)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, order_id, product_id")).
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows(itemColumns).
			AddRow(1, 11, 20, "Lamp", 1, 1500).
			AddRow(2, 11, 21, "Bulb", 4, 200))
	mock.ExpectExec(releasePattern).WithArgs(1, int64(20), int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(releasePattern).WithArgs(4, int64(21), int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := s.CancelOrder(context.Background(), models.Cancellation{
		OrderID:       11,
		From:          models.OrderStatusReachedDestination,
		PaymentStatus: models.PaymentStatusRefunded,
		Reason:        "not confirmed",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelOrderStaleStatusWritesNothing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE orders SET status = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"warehouse_id"}))
	mock.ExpectRollback()

	ok, err := s.CancelOrder(context.Background(), models.Cancellation{
		OrderID: 11,
		From:    models.OrderStatusReachedDestination,
		Reason:  "not confirmed",
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionStatusIsConditional(t *testing.T) {
	s, mock := newMockStore(t)
	eta := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET status = $1")).
		WithArgs("processing", eta, "", "", int64(8), "placed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET status = $1")).
		WithArgs("processing", eta, "", "", int64(8), "placed").
		WillReturnResult(sqlmock.NewResult(0, 0))

	transition := models.StatusTransition{
		OrderID:            8,
		From:               models.OrderStatusPlaced,
		To:                 models.OrderStatusProcessing,
		ExpectedDeliveryAt: &eta,
	}

	ok, err := s.TransitionStatus(context.Background(), transition)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionStatus(context.Background(), transition)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteDeliveryBumpsPopularity(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET status = $1, payment_status = $2")).
		WithArgs("delivered", "paid", int64(5), "reached_destination").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, order_id, product_id")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(itemColumns).AddRow(1, 5, 30, "Desk", 1, 9000))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE products SET popularity = popularity + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := s.CompleteDelivery(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteDeliveryRequiresReachedDestination(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET status = $1, payment_status = $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := s.CompleteDelivery(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLateCapture(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET payment_status = $1, payment_id = $2")).
		WithArgs("refunded", "pay_late", int64(8), "cancelled", "pending", "failed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.RecordLateCapture(context.Background(), 8, "pay_late")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLateCaptureAlreadySettled(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders SET payment_status = $1, payment_id = $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.RecordLateCapture(context.Background(), 8, "pay_late")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrderByIdempotencyKeyIsScopedToUser(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 AND idempotency_key = $2")).
		WithArgs(int64(2), "k").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetOrderByIdempotencyKey(context.Background(), 2, "k")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
