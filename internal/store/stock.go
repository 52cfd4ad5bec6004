package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const reserveStockQuery = `
	UPDATE product_stock
	SET quantity = quantity - $1, updated_at = NOW()
	WHERE product_id = $2 AND warehouse_id = $3 AND quantity >= $1`

const releaseStockQuery = `
	UPDATE product_stock
	SET quantity = quantity + $1, updated_at = NOW()
	WHERE product_id = $2 AND warehouse_id = $3`

// sortedRequests merges duplicate products and orders them by product id so
// concurrent transactions take row locks in the same order.
func sortedRequests(reqs []models.StockRequest) []models.StockRequest {
	merged := make(map[int64]int, len(reqs))
	for _, r := range reqs {
		merged[r.ProductID] += r.Quantity
	}
	out := make([]models.StockRequest, 0, len(merged))
	for id, qty := range merged {
		out = append(out, models.StockRequest{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func validateRequests(reqs []models.StockRequest) error {
	for _, r := range reqs {
		if r.Quantity <= 0 {
			return models.NewValidationError("quantity", fmt.Sprintf("product %d: quantity must be positive", r.ProductID))
		}
	}
	return nil
}

// reserveStock decrements every product or none. The caller rolls back the
// transaction on error.
func reserveStock(ctx context.Context, tx sqlx.ExecerContext, warehouseID int64, reqs []models.StockRequest) error {
	if err := validateRequests(reqs); err != nil {
		return err
	}
	for _, r := range sortedRequests(reqs) {
		res, err := tx.ExecContext(ctx, reserveStockQuery, r.Quantity, r.ProductID, warehouseID)
		if err != nil {
			return fmt.Errorf("failed to reserve stock for product %d: %w", r.ProductID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read reserve result: %w", err)
		}
		if affected == 0 {
			return &models.InsufficientStockError{
				ProductID:   r.ProductID,
				WarehouseID: warehouseID,
				Requested:   r.Quantity,
			}
		}
	}
	return nil
}

func releaseStock(ctx context.Context, tx sqlx.ExecerContext, warehouseID int64, reqs []models.StockRequest) error {
	if err := validateRequests(reqs); err != nil {
		return err
	}
	for _, r := range sortedRequests(reqs) {
		res, err := tx.ExecContext(ctx, releaseStockQuery, r.Quantity, r.ProductID, warehouseID)
		if err != nil {
			return fmt.Errorf("failed to release stock for product %d: %w", r.ProductID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read release result: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("no stock row for product %d in warehouse %d", r.ProductID, warehouseID)
		}
	}
	return nil
}

// GetStock returns the quantity of a product in a warehouse
func (s *Store) GetStock(ctx context.Context, productID, warehouseID int64) (int, error) {
	var qty int
	err := s.db.GetContext(ctx, &qty,
		"SELECT quantity FROM product_stock WHERE product_id = $1 AND warehouse_id = $2", productID, warehouseID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("stock for product %d in warehouse %d: %w", productID, warehouseID, models.ErrNotFound)
	}
	return qty, err
}

// AddStock adds delta units of a product to a warehouse, creating the stock
// row when missing, and returns the new quantity. Like a release it never
// overwrites what concurrent reservations left behind.
func (s *Store) AddStock(ctx context.Context, productID, warehouseID int64, delta int) (int, error) {
	if delta <= 0 {
		return 0, models.NewValidationError("delta", "must be positive")
	}
	var qty int
	err := s.db.GetContext(ctx, &qty, `
		INSERT INTO product_stock (product_id, warehouse_id, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (product_id, warehouse_id)
		DO UPDATE SET quantity = product_stock.quantity + EXCLUDED.quantity, updated_at = NOW()
		RETURNING quantity`,
		productID, warehouseID, delta)
	if err != nil {
		return 0, fmt.Errorf("failed to add stock for product %d: %w", productID, err)
	}
	return qty, nil
}
