package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const orderColumns = `id, user_id, warehouse_id, status, payment_status, payment_method, payment_reference,
	payment_id, total_amount, shipping_address, expected_delivery_at, idempotency_key, cancel_reason,
	created_at, updated_at`

// CreateOrder inserts the order and its items, reserves stock and clears the
// user's cart in a single transaction.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (user_id, warehouse_id, status, payment_status, payment_method, payment_reference,
			total_amount, shipping_address, expected_delivery_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query,
		order.UserID, order.WarehouseID, order.Status, order.PaymentStatus, order.PaymentMethod,
		order.PaymentReference, order.TotalAmount, order.ShippingAddress, order.ExpectedDeliveryAt,
		order.IdempotencyKey,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "orders_user_idempotency_key") {
			return models.ErrDuplicateOrder
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err = tx.QueryRowxContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			item.OrderID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := reserveStock(ctx, tx, order.WarehouseID, order.StockRequests()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1", order.UserID); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
	}
	return false
}

// GetOrderByID retrieves an order with its items
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	return s.getOrder(ctx, "id = $1", id)
}

// GetOrderByPaymentReference retrieves the order a gateway intent belongs to
func (s *Store) GetOrderByPaymentReference(ctx context.Context, reference string) (*models.Order, error) {
	return s.getOrder(ctx, "payment_reference = $1", reference)
}

// GetOrderByIdempotencyKey retrieves the user's order holding key.
// It returns nil, nil when no order of the user holds the key.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	order, err := s.getOrder(ctx, "user_id = $1 AND idempotency_key = $2", userID, key)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return order, err
}

func (s *Store) getOrder(ctx context.Context, where string, args ...interface{}) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE "+where, args...)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %v: %w", args, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	orders := []*models.Order{&order}
	if err := s.attachDetails(ctx, orders); err != nil {
		return nil, err
	}
	return &order, nil
}

// attachDetails loads items and the customer email for each order
func (s *Store) attachDetails(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(orders))
	userIDs := make([]int64, 0, len(orders))
	byID := make(map[int64]*models.Order, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
		userIDs = append(userIDs, o.UserID)
		byID[o.ID] = o
		o.Items = nil
	}

	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT id, order_id, product_id, product_name, quantity, unit_price FROM order_items WHERE order_id = ANY($1) ORDER BY id",
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to get order items: %w", err)
	}
	for _, item := range items {
		if o, ok := byID[item.OrderID]; ok {
			o.Items = append(o.Items, item)
		}
	}

	var users []models.User
	err = s.db.SelectContext(ctx, &users, "SELECT id, name, email FROM users WHERE id = ANY($1)", pq.Array(userIDs))
	if err != nil {
		return fmt.Errorf("failed to get order users: %w", err)
	}
	emails := make(map[int64]string, len(users))
	for _, u := range users {
		emails[u.ID] = u.Email
	}
	for _, o := range orders {
		o.Email = emails[o.UserID]
	}
	return nil
}

// TransitionStatus applies t only while the order is still in t.From.
// It reports false when the order had already moved on.
func (s *Store) TransitionStatus(ctx context.Context, t models.StatusTransition) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
			expected_delivery_at = $2,
			payment_status = COALESCE(NULLIF($3, ''), payment_status),
			payment_id = COALESCE(NULLIF($4, ''), payment_id),
			updated_at = NOW()
		WHERE id = $5 AND status = $6`,
		t.To, t.ExpectedDeliveryAt, string(t.PaymentStatus), t.PaymentID, t.OrderID, t.From)
	if err != nil {
		return false, fmt.Errorf("failed to transition order %d: %w", t.OrderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CancelOrder cancels the order if it is still in c.From and releases its
// stock in the same transaction. It reports false when the order had moved on.
func (s *Store) CancelOrder(ctx context.Context, c models.Cancellation) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var warehouseID int64
	err = tx.QueryRowxContext(ctx, `
		UPDATE orders
		SET status = $1,
			payment_status = COALESCE(NULLIF($2, ''), payment_status),
			cancel_reason = $3,
			expected_delivery_at = NULL,
			updated_at = NOW()
		WHERE id = $4 AND status = $5
		RETURNING warehouse_id`,
		models.OrderStatusCancelled, string(c.PaymentStatus), c.Reason, c.OrderID, c.From,
	).Scan(&warehouseID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to cancel order %d: %w", c.OrderID, err)
	}

	items, err := orderItemsTx(ctx, tx, c.OrderID)
	if err != nil {
		return false, err
	}
	if err := releaseStock(ctx, tx, warehouseID, models.AggregateStock(items)); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit cancellation: %w", err)
	}
	return true, nil
}

// RecordLateCapture stores a payment captured after its order was cancelled
// as refunded. It reports false when the order is not cancelled or its payment
// was already settled.
func (s *Store) RecordLateCapture(ctx context.Context, orderID int64, paymentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $1, payment_id = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4 AND payment_status IN ($5, $6)`,
		models.PaymentStatusRefunded, paymentID, orderID, models.OrderStatusCancelled,
		models.PaymentStatusPending, models.PaymentStatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to record late capture of order %d: %w", orderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CompleteDelivery marks a reached_destination order delivered and paid and
// bumps the popularity of its products.
func (s *Store) CompleteDelivery(ctx context.Context, orderID int64) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, payment_status = $2, expected_delivery_at = NULL, updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		models.OrderStatusDelivered, models.PaymentStatusPaid, orderID, models.OrderStatusReachedDestination)
	if err != nil {
		return false, fmt.Errorf("failed to complete delivery of order %d: %w", orderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	items, err := orderItemsTx(ctx, tx, orderID)
	if err != nil {
		return false, err
	}
	productIDs := make([]int64, 0, len(items))
	for _, r := range models.AggregateStock(items) {
		productIDs = append(productIDs, r.ProductID)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE products SET popularity = popularity + 1 WHERE id = ANY($1)", pq.Array(productIDs)); err != nil {
		return false, fmt.Errorf("failed to update popularity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit delivery: %w", err)
	}
	return true, nil
}

func orderItemsTx(ctx context.Context, tx *sqlx.Tx, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := tx.SelectContext(ctx, &items,
		"SELECT id, order_id, product_id, product_name, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY id",
		orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	return items, nil
}

// ListOrdersByStatus returns up to limit orders currently in one of statuses,
// oldest update first.
func (s *Store) ListOrdersByStatus(ctx context.Context, statuses []models.OrderStatus, limit int) ([]*models.Order, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	var rows []models.Order
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+orderColumns+" FROM orders WHERE status = ANY($1) ORDER BY updated_at LIMIT $2",
		pq.Array(names), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	orders := make([]*models.Order, len(rows))
	for i := range rows {
		orders[i] = &rows[i]
	}
	if err := s.attachDetails(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetOrdersByUserID retrieves the latest orders of a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64, limit int) ([]*models.Order, error) {
	var rows []models.Order
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2", userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list user orders: %w", err)
	}

	orders := make([]*models.Order, len(rows))
	for i := range rows {
		orders[i] = &rows[i]
	}
	if err := s.attachDetails(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
