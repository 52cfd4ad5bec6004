package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreWithDB(sqlx.NewDb(db, "postgres")), mock
}

func runInTx(s *Store, fn func(tx *sqlx.Tx) error) error {
	ctx := context.Background()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func reserve(s *Store, warehouseID int64, reqs []models.StockRequest) error {
	return runInTx(s, func(tx *sqlx.Tx) error {
		return reserveStock(context.Background(), tx, warehouseID, reqs)
	})
}

func release(s *Store, warehouseID int64, reqs []models.StockRequest) error {
	return runInTx(s, func(tx *sqlx.Tx) error {
		return releaseStock(context.Background(), tx, warehouseID, reqs)
	})
}

var (
	reservePattern = regexp.QuoteMeta("UPDATE product_stock SET quantity = quantity - ")
	releasePattern = regexp.QuoteMeta("UPDATE product_stock SET quantity = quantity + ")
)

func TestReserveStockAllOrNothing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(reservePattern).WithArgs(2, int64(1), int64(10)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(reservePattern).WithArgs(1, int64(5), int64(10)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := reserve(s, 10, []models.StockRequest{
		{ProductID: 5, Quantity: 1},
		{ProductID: 1, Quantity: 2},
	})

	var stockErr *models.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, int64(5), stockErr.ProductID)
	assert.Equal(t, int64(10), stockErr.WarehouseID)
	assert.Equal(t, 1, stockErr.Requested)
	assert.True(t, errors.Is(err, models.ErrInsufficientStock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveStockMergesDuplicateProducts(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(reservePattern).WithArgs(3, int64(7), int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := reserve(s, 1, []models.StockRequest{
		{ProductID: 7, Quantity: 1},
		{ProductID: 7, Quantity: 2},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveStockRejectsNonPositiveQuantity(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := reserve(s, 1, []models.StockRequest{{ProductID: 7, Quantity: 0}})
	var validationErr *models.ValidationError
	assert.True(t, errors.As(err, &validationErr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseStock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(releasePattern).WithArgs(2, int64(1), int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(releasePattern).WithArgs(1, int64(9), int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := release(s, 4, []models.StockRequest{
		{ProductID: 9, Quantity: 1},
		{ProductID: 1, Quantity: 2},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseStockMissingRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(releasePattern).WithArgs(1, int64(9), int64(4)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := release(s, 4, []models.StockRequest{{ProductID: 9, Quantity: 1}})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddStockIncrementsExistingRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("DO UPDATE SET quantity = product_stock.quantity + EXCLUDED.quantity")).
		WithArgs(int64(7), int64(2), 4).
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}).AddRow(9))

	qty, err := s.AddStock(context.Background(), 7, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 9, qty)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddStockRejectsNonPositiveDelta(t *testing.T) {
	s, mock := newMockStore(t)

	for _, delta := range []int{0, -3} {
		_, err := s.AddStock(context.Background(), 7, 2, delta)
		var validationErr *models.ValidationError
		require.True(t, errors.As(err, &validationErr))
		assert.Equal(t, "delta", validationErr.Field)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
