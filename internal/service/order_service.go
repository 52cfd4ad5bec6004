package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/warehouse"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// OrderService handles order business logic
type OrderService struct {
	orders    OrderRepository
	customers CustomerRepository
	resolver  *WarehouseResolver
	ledger    *StockLedger
	pipeline  *PipelineService
	canceller *Canceller
	gateway   PaymentGateway
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	orders OrderRepository,
	customers CustomerRepository,
	resolver *WarehouseResolver,
	ledger *StockLedger,
	pipelineService *PipelineService,
	canceller *Canceller,
	gateway PaymentGateway,
	notifier Notifier,
) *OrderService {
	return &OrderService{
		orders:    orders,
		customers: customers,
		resolver:  resolver,
		ledger:    ledger,
		pipeline:  pipelineService,
		canceller: canceller,
		gateway:   gateway,
		notifier:  notifier,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// CreateOrderRequest represents a request to create an order from the
// user's cart
type CreateOrderRequest struct {
	UserID         int64    `json:"-"`
	AddressID      int64    `json:"addressId"`
	PaymentMethod  string   `json:"paymentMethod"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	WarehouseToken string   `json:"-"`
	IdempotencyKey string   `json:"-"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	Order *models.Order `json:"order"`
	// Replayed is set when the idempotency key matched an existing order.
	Replayed bool `json:"replayed"`

	WarehouseToken     string    `json:"-"`
	WarehouseExpiresAt time.Time `json:"-"`
}

func (r *CreateOrderRequest) coordinates() *warehouse.Coordinates {
	if r.Latitude == nil || r.Longitude == nil {
		return nil
	}
	return &warehouse.Coordinates{Latitude: *r.Latitude, Longitude: *r.Longitude}
}

// CreateOrder turns the user's cart into an order. Stock is reserved, the
// order is written and the cart is cleared in one transaction. Cash on
// delivery orders enter the pipeline right away; prepaid orders wait for the
// payment webhook.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	method := models.PaymentMethod(req.PaymentMethod)
	if req.UserID <= 0 {
		return nil, models.NewValidationError("userId", "is required")
	}
	if !method.Valid() {
		util.OrdersFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, models.NewValidationError("paymentMethod", "must be cash_on_delivery or prepaid")
	}
	if req.AddressID <= 0 {
		util.OrdersFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, models.NewValidationError("addressId", "is required")
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	existingOrder, err := s.orders.GetOrderByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existingOrder != nil {
		return s.replay(existingOrder, req), nil
	}

	resolution, err := s.resolver.Resolve(ctx, ResolveRequest{
		Coordinates: req.coordinates(),
		CacheToken:  req.WarehouseToken,
	})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("warehouse").Inc()
		return nil, err
	}

	user, address, lines, err := s.loadCheckout(ctx, req)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	items, totalAmount := buildItems(lines)
	now := s.now()
	key := req.IdempotencyKey

	order := &models.Order{
		UserID:        req.UserID,
		WarehouseID:   resolution.Warehouse.ID,
		PaymentStatus: models.PaymentStatusPending,
		PaymentMethod: method,
		TotalAmount:   totalAmount,
		ShippingAddress: models.ShippingAddress{
			StreetAddress: address.StreetAddress,
			City:          address.City,
			State:         address.State,
			ZipCode:       address.ZipCode,
		},
		IdempotencyKey: &key,
		Items:          items,
		Email:          user.Email,
	}

	if method == models.PaymentMethodPrepaid {
		reference, err := s.gateway.CreateIntent(ctx, totalAmount)
		if err != nil {
			util.PaymentIntentsTotal.WithLabelValues("error").Inc()
			util.OrdersFailedTotal.WithLabelValues("payment_intent").Inc()
			util.RecordSpanError(span, err)
			return nil, fmt.Errorf("failed to create payment intent: %w", err)
		}
		util.PaymentIntentsTotal.WithLabelValues("success").Inc()
		order.Status = models.OrderStatusPending
		order.PaymentReference = &reference
	} else {
		order.Status = models.OrderStatusPlaced
		order.ExpectedDeliveryAt = s.pipeline.Table().ExpectedDeliveryAt(models.OrderStatusPlaced, now)
	}

	start := time.Now()
	err = s.orders.CreateOrder(ctx, order)
	util.StockReserveLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		switch {
		case errors.Is(err, models.ErrDuplicateOrder):
			existingOrder, loadErr := s.orders.GetOrderByIdempotencyKey(ctx, req.UserID, key)
			if loadErr != nil || existingOrder == nil {
				return nil, fmt.Errorf("failed to load duplicate order: %w", errors.Join(err, loadErr))
			}
			return s.replay(existingOrder, req), nil
		case errors.Is(err, models.ErrInsufficientStock):
			util.StockReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
			return nil, err
		default:
			util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
			util.RecordSpanError(span, err)
			return nil, fmt.Errorf("failed to create order: %w", err)
		}
	}

	util.OrdersCreatedTotal.WithLabelValues(string(method)).Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("warehouse_id", order.WarehouseID),
		zap.String("status", string(order.Status)),
		zap.String("payment_method", string(method)))

	s.ledger.InvalidateOrder(ctx, order)

	if order.Status == models.OrderStatusPlaced {
		notifyOrder(ctx, s.notifier, s.logger, order, models.EventTypeOrderPlaced, order.Status, order.ExpectedDeliveryAt, "")
		if err := s.pipeline.Arm(ctx, order); err != nil {
			util.PipelineArmFailuresTotal.Inc()
			s.logger.Error("Failed to arm pipeline, leaving it to the sweeper",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
	}

	return &CreateOrderResponse{
		Order:              order,
		WarehouseToken:     resolution.Token,
		WarehouseExpiresAt: resolution.ExpiresAt,
	}, nil
}

func (s *OrderService) replay(order *models.Order, req *CreateOrderRequest) *CreateOrderResponse {
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.Int64("order_id", order.ID))
	return &CreateOrderResponse{Order: order, Replayed: true}
}

// loadCheckout reads the user, the shipping address and the cart
func (s *OrderService) loadCheckout(ctx context.Context, req *CreateOrderRequest) (*models.User, *models.Address, []models.CartLine, error) {
	user, err := s.customers.GetUserByID(ctx, req.UserID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil, nil, models.NewValidationError("userId", "unknown user")
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load user: %w", err)
	}

	address, err := s.customers.GetAddressByID(ctx, req.AddressID)
	if errors.Is(err, models.ErrNotFound) || (err == nil && address.UserID != req.UserID) {
		return nil, nil, nil, models.NewValidationError("addressId", "address not found")
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load address: %w", err)
	}

	lines, err := s.customers.GetCartLines(ctx, req.UserID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if len(lines) == 0 {
		return nil, nil, nil, models.NewValidationError("cart", "cart is empty")
	}
	return user, address, lines, nil
}

// buildItems snapshots cart prices into order items and totals them
func buildItems(lines []models.CartLine) ([]models.OrderItem, int64) {
	items := make([]models.OrderItem, 0, len(lines))
	var total int64
	for _, line := range lines {
		items = append(items, models.OrderItem{
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.Price,
		})
		total += line.Price * int64(line.Quantity)
	}
	return items, total
}

// GetOrder retrieves an order owned by userID
func (s *OrderService) GetOrder(ctx context.Context, orderID, userID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}
	return order, nil
}

// ListOrders returns the user's most recent orders
func (s *OrderService) ListOrders(ctx context.Context, userID int64, limit int) ([]*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.orders.GetOrdersByUserID(ctx, userID, limit)
}

// Cancel cancels an order on behalf of its owner. Orders that left the
// warehouse can no longer be cancelled.
func (s *OrderService) Cancel(ctx context.Context, orderID, userID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer span.End()

	order, err := s.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if !cancellable(order.Status) {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Status, models.ErrInvalidTransition)
	}

	cancelled, err := s.canceller.Cancel(ctx, order, "", ReasonCustomerCancelled)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	if !cancelled {
		return nil, fmt.Errorf("order %d changed concurrently: %w", orderID, models.ErrInvalidTransition)
	}
	return s.orders.GetOrderByID(ctx, orderID)
}

func cancellable(status models.OrderStatus) bool {
	switch status {
	case models.OrderStatusCancelled, models.OrderStatusOutForDelivery, models.OrderStatusDelivered:
		return false
	}
	return true
}

// ConfirmDelivery records the customer's answer for an order waiting at its
// destination. Rejecting it cancels the order.
func (s *OrderService) ConfirmDelivery(ctx context.Context, orderID, userID int64, accepted bool) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmDelivery")
	defer span.End()

	order, err := s.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if !s.pipeline.Table().AwaitsCustomer(order.Status) {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Status, models.ErrInvalidTransition)
	}

	if !accepted {
		cancelled, err := s.canceller.Cancel(ctx, order, "", ReasonDeliveryRejected)
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		if !cancelled {
			return nil, fmt.Errorf("order %d changed concurrently: %w", orderID, models.ErrInvalidTransition)
		}
		return s.orders.GetOrderByID(ctx, orderID)
	}

	delivered, err := s.orders.CompleteDelivery(ctx, orderID)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to confirm delivery: %w", err)
	}
	if !delivered {
		return nil, fmt.Errorf("order %d changed concurrently: %w", orderID, models.ErrInvalidTransition)
	}

	util.OrdersDeliveredTotal.Inc()
	s.logger.Info("Order delivered", zap.Int64("order_id", orderID))
	s.ledger.InvalidateOrder(ctx, order)
	notifyOrder(ctx, s.notifier, s.logger, order, models.EventTypeOrderDelivered, models.OrderStatusDelivered, nil, "")

	return s.orders.GetOrderByID(ctx, orderID)
}
