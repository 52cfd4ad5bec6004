package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// integrationStore connects to DATABASE_URL and applies the schema. Tests
// using it are skipped when the variable is unset.
func integrationStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - set DATABASE_URL to run")
	}

	store, err := NewStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

type fixture struct {
	userID      int64
	otherUserID int64
	warehouseID int64
	productID   int64
}

// seedFixture inserts two users, a warehouse and a product with unique names
// so repeated runs against the same database do not collide.
func seedFixture(t *testing.T, s *Store) fixture {
	t.Helper()
	ctx := context.Background()
	suffix := time.Now().UnixNano()
	var f fixture

	require.NoError(t, s.db.GetContext(ctx, &f.userID,
		"INSERT INTO users (name, email) VALUES ($1, $2) RETURNING id",
		"Alice", fmt.Sprintf("alice-%d@example.com", suffix)))
	require.NoError(t, s.db.GetContext(ctx, &f.otherUserID,
		"INSERT INTO users (name, email) VALUES ($1, $2) RETURNING id",
		"Bob", fmt.Sprintf("bob-%d@example.com", suffix)))
	require.NoError(t, s.db.GetContext(ctx, &f.warehouseID,
		"INSERT INTO warehouses (name, latitude, longitude) VALUES ($1, $2, $3) RETURNING id",
		"Pune", 18.52, 73.85))
	require.NoError(t, s.db.GetContext(ctx, &f.productID,
		"INSERT INTO products (sku, name, price) VALUES ($1, $2, $3) RETURNING id",
		fmt.Sprintf("widget-%d", suffix), "Widget", 500))
	return f
}

func newTestOrder(f fixture, userID int64, quantity int, key *string) *models.Order {
	return &models.Order{
		UserID:         userID,
		WarehouseID:    f.warehouseID,
		Status:         models.OrderStatusPlaced,
		PaymentStatus:  models.PaymentStatusPending,
		PaymentMethod:  models.PaymentMethodCashOnDelivery,
		TotalAmount:    int64(quantity) * 500,
		IdempotencyKey: key,
		Items:          []models.OrderItem{{ProductID: f.productID, ProductName: "Widget", Quantity: quantity, UnitPrice: 500}},
	}
}

func TestCreateOrder(t *testing.T) {
	store := integrationStore(t)
	f := seedFixture(t, store)
	ctx := context.Background()

	_, err := store.AddStock(ctx, f.productID, f.warehouseID, 5)
	require.NoError(t, err)

	key := "test-key-123"
	order := newTestOrder(f, f.userID, 2, &key)

	err = store.CreateOrder(ctx, order)
	assert.NoError(t, err)
	assert.NotZero(t, order.ID)

	retrieved, err := store.GetOrderByID(ctx, order.ID)
	assert.NoError(t, err)
	assert.Equal(t, order.UserID, retrieved.UserID)
	assert.Len(t, retrieved.Items, 1)

	qty, err := store.GetStock(ctx, f.productID, f.warehouseID)
	assert.NoError(t, err)
	assert.Equal(t, 3, qty)
}

func TestIdempotency(t *testing.T) {
	store := integrationStore(t)
	f := seedFixture(t, store)
	ctx := context.Background()

	_, err := store.AddStock(ctx, f.productID, f.warehouseID, 5)
	require.NoError(t, err)

	key := "idempotent-key-456"
	assert.NoError(t, store.CreateOrder(ctx, newTestOrder(f, f.userID, 1, &key)))

	// Second creation with same key must not reserve again
	err = store.CreateOrder(ctx, newTestOrder(f, f.userID, 1, &key))
	assert.ErrorIs(t, err, models.ErrDuplicateOrder)

	// The same key belongs to nobody else
	other := newTestOrder(f, f.otherUserID, 1, &key)
	require.NoError(t, store.CreateOrder(ctx, other))

	found, err := store.GetOrderByIdempotencyKey(ctx, f.otherUserID, key)
	require.NoError(t, err)
	assert.Equal(t, other.ID, found.ID)

	qty, err := store.GetStock(ctx, f.productID, f.warehouseID)
	assert.NoError(t, err)
	assert.Equal(t, 3, qty)
}

func TestConcurrentReserveSellsLastUnitOnce(t *testing.T) {
	store := integrationStore(t)
	f := seedFixture(t, store)
	ctx := context.Background()

	_, err := store.AddStock(ctx, f.productID, f.warehouseID, 1)
	require.NoError(t, err)

	const buyers = 8
	var wg sync.WaitGroup
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CreateOrder(ctx, newTestOrder(f, f.userID, 1, nil))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.True(t, errors.Is(err, models.ErrInsufficientStock), "got %v", err)
	}
	assert.Equal(t, 1, won)

	qty, err := store.GetStock(ctx, f.productID, f.warehouseID)
	require.NoError(t, err)
	assert.Equal(t, 0, qty)
}

func TestAddStockKeepsConcurrentReservations(t *testing.T) {
	store := integrationStore(t)
	f := seedFixture(t, store)
	ctx := context.Background()

	_, err := store.AddStock(ctx, f.productID, f.warehouseID, 5)
	require.NoError(t, err)
	require.NoError(t, store.CreateOrder(ctx, newTestOrder(f, f.userID, 2, nil)))

	qty, err := store.AddStock(ctx, f.productID, f.warehouseID, 10)
	require.NoError(t, err)
	assert.Equal(t, 13, qty)
}

func TestFindNearestWarehouse(t *testing.T) {
	store := integrationStore(t)
	seedFixture(t, store)

	w, err := store.FindNearestWarehouse(context.Background(), 18.52, 73.85, 1000)
	assert.NoError(t, err)
	assert.NotNil(t, w)

	_, err = store.FindNearestWarehouse(context.Background(), -75, 0, 10)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
