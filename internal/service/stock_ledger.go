package service

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// StockLedger is the read and restock side of warehouse stock. Reservations
// and releases happen inside the order transactions of the repository; the
// ledger invalidates product caches once they commit.
type StockLedger struct {
	stock  StockRepository
	cache  CacheInvalidator
	logger *zap.Logger
}

// NewStockLedger creates a new stock ledger
func NewStockLedger(stock StockRepository, cache CacheInvalidator) *StockLedger {
	return &StockLedger{
		stock:  stock,
		cache:  cache,
		logger: util.GetLogger(),
	}
}

// Available returns the quantity of a product left in a warehouse
func (l *StockLedger) Available(ctx context.Context, productID, warehouseID int64) (int, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Available")
	defer span.End()

	return l.stock.GetStock(ctx, productID, warehouseID)
}

// Restock adds delta units of a product to a warehouse and returns the new
// quantity
func (l *StockLedger) Restock(ctx context.Context, productID, warehouseID int64, delta int) (int, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Restock")
	defer span.End()

	if productID <= 0 || warehouseID <= 0 {
		return 0, models.NewValidationError("productId", "product and warehouse are required")
	}
	if delta <= 0 {
		return 0, models.NewValidationError("delta", "must be positive")
	}

	quantity, err := l.stock.AddStock(ctx, productID, warehouseID, delta)
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, fmt.Errorf("failed to restock: %w", err)
	}

	l.logger.Info("Stock added",
		zap.Int64("product_id", productID),
		zap.Int64("warehouse_id", warehouseID),
		zap.Int("delta", delta),
		zap.Int("quantity", quantity))
	l.Invalidate(ctx, []int64{productID})
	return quantity, nil
}

// Invalidate drops cached product read models after a committed stock change.
// Failures are logged only.
func (l *StockLedger) Invalidate(ctx context.Context, productIDs []int64) {
	if l.cache == nil || len(productIDs) == 0 {
		return
	}
	if err := l.cache.InvalidateProducts(ctx, productIDs); err != nil {
		l.logger.Warn("Failed to invalidate product cache",
			zap.Int64s("product_ids", productIDs),
			zap.Error(err))
	}
}

// InvalidateOrder drops the caches of every product of order
func (l *StockLedger) InvalidateOrder(ctx context.Context, order *models.Order) {
	reqs := order.StockRequests()
	ids := make([]int64, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ProductID
	}
	l.Invalidate(ctx, ids)
}
