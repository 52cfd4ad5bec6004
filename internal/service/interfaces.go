package service

import (
	"context"

	"fulfillment-service/internal/models"
)

// OrderRepository persists orders. Every status change is conditional on the
// status the caller observed.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error)
	GetOrderByPaymentReference(ctx context.Context, reference string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64, limit int) ([]*models.Order, error)
	ListOrdersByStatus(ctx context.Context, statuses []models.OrderStatus, limit int) ([]*models.Order, error)
	TransitionStatus(ctx context.Context, t models.StatusTransition) (bool, error)
	CancelOrder(ctx context.Context, c models.Cancellation) (bool, error)
	CompleteDelivery(ctx context.Context, orderID int64) (bool, error)
	RecordLateCapture(ctx context.Context, orderID int64, paymentID string) (bool, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// CustomerRepository reads the checkout inputs owned by other services
type CustomerRepository interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetAddressByID(ctx context.Context, id int64) (*models.Address, error)
	GetCartLines(ctx context.Context, userID int64) ([]models.CartLine, error)
}

// WarehouseRepository looks up warehouses
type WarehouseRepository interface {
	GetWarehouseByID(ctx context.Context, id int64) (*models.Warehouse, error)
	GetDefaultWarehouse(ctx context.Context) (*models.Warehouse, error)
	FindNearestWarehouse(ctx context.Context, lat, lng, maxKm float64) (*models.Warehouse, error)
}

// StockRepository reads warehouse quantities and adds restocked units
type StockRepository interface {
	GetStock(ctx context.Context, productID, warehouseID int64) (int, error)
	AddStock(ctx context.Context, productID, warehouseID int64, delta int) (int, error)
}

// JobScheduler enqueues delayed pipeline jobs
type JobScheduler interface {
	Schedule(ctx context.Context, job *models.Job) (bool, error)
}

// Notifier publishes customer notifications
type Notifier interface {
	PublishNotification(ctx context.Context, event *models.OrderNotificationEvent) error
}

// PaymentGateway creates payment intents and refunds captured payments
type PaymentGateway interface {
	CreateIntent(ctx context.Context, amount int64) (string, error)
	Refund(ctx context.Context, paymentID string, amount int64) error
}

// CacheInvalidator drops read-side product caches
type CacheInvalidator interface {
	InvalidateProducts(ctx context.Context, productIDs []int64) error
}
