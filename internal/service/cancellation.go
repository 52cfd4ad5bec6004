package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Cancellation reasons, also used as metric labels
const (
	ReasonCustomerCancelled = "customer_cancelled"
	ReasonDeliveryRejected  = "delivery_rejected"
	ReasonNotConfirmed      = "not_confirmed"
	ReasonPaymentFailed     = "payment_failed"
)

// Canceller is the single path that moves an order to cancelled. The status
// change and the stock release commit together; refund and notification
// follow the commit.
type Canceller struct {
	orders   OrderRepository
	ledger   *StockLedger
	gateway  PaymentGateway
	notifier Notifier
	logger   *zap.Logger
}

// NewCanceller creates a new canceller
func NewCanceller(orders OrderRepository, ledger *StockLedger, gateway PaymentGateway, notifier Notifier) *Canceller {
	return &Canceller{
		orders:   orders,
		ledger:   ledger,
		gateway:  gateway,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// Cancel cancels order from the status it was loaded with. paymentStatus
// overrides the payment axis; when empty a paid order becomes refunded.
// It reports false when the order had already left that status.
func (c *Canceller) Cancel(ctx context.Context, order *models.Order, paymentStatus models.PaymentStatus, reason string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "Canceller.Cancel")
	defer span.End()

	if paymentStatus == "" && order.PaymentStatus == models.PaymentStatusPaid {
		paymentStatus = models.PaymentStatusRefunded
	}

	ok, err := c.orders.CancelOrder(ctx, models.Cancellation{
		OrderID:       order.ID,
		From:          order.Status,
		PaymentStatus: paymentStatus,
		Reason:        reason,
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return false, fmt.Errorf("failed to cancel order: %w", err)
	}
	if !ok {
		return false, nil
	}

	util.OrdersCancelledTotal.WithLabelValues(reason).Inc()
	c.logger.Info("Order cancelled",
		zap.Int64("order_id", order.ID),
		zap.String("from", string(order.Status)),
		zap.String("reason", reason))

	c.ledger.InvalidateOrder(ctx, order)
	c.refund(ctx, order)

	notifyOrder(ctx, c.notifier, c.logger, order, models.EventTypeOrderCancelled, models.OrderStatusCancelled, nil, reason)
	return true, nil
}

// refund returns a captured prepaid payment. The order is already cancelled,
// so a failed refund is logged for manual follow-up.
func (c *Canceller) refund(ctx context.Context, order *models.Order) {
	if order.PaymentMethod != models.PaymentMethodPrepaid ||
		order.PaymentStatus != models.PaymentStatusPaid ||
		order.PaymentID == nil {
		return
	}
	c.refundPayment(ctx, order, *order.PaymentID)
}

// RefundLateCapture returns a payment captured after its order was cancelled.
// It reports false when the capture was already settled.
func (c *Canceller) RefundLateCapture(ctx context.Context, order *models.Order, paymentID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "Canceller.RefundLateCapture")
	defer span.End()

	if paymentID == "" {
		c.logger.Warn("Late capture without payment id, cannot refund",
			zap.Int64("order_id", order.ID))
		return false, nil
	}

	recorded, err := c.orders.RecordLateCapture(ctx, order.ID, paymentID)
	if err != nil {
		util.RecordSpanError(span, err)
		return false, err
	}
	if !recorded {
		return false, nil
	}

	c.logger.Warn("Payment captured for a cancelled order, refunding",
		zap.Int64("order_id", order.ID),
		zap.String("payment_id", paymentID))
	c.refundPayment(ctx, order, paymentID)
	return true, nil
}

func (c *Canceller) refundPayment(ctx context.Context, order *models.Order, paymentID string) {
	if c.gateway == nil {
		return
	}
	if err := c.gateway.Refund(ctx, paymentID, order.TotalAmount); err != nil {
		util.RefundsTotal.WithLabelValues("error").Inc()
		c.logger.Error("Refund failed",
			zap.Int64("order_id", order.ID),
			zap.String("payment_id", paymentID),
			zap.Error(err))
		return
	}
	util.RefundsTotal.WithLabelValues("success").Inc()
}

// notifyOrder publishes a customer notification. Failures never affect the
// order.
func notifyOrder(ctx context.Context, notifier Notifier, logger *zap.Logger, order *models.Order, eventType string, status models.OrderStatus, eta *time.Time, reason string) {
	if notifier == nil {
		return
	}
	event := &models.OrderNotificationEvent{
		BaseEvent:          models.BaseEvent{EventType: eventType},
		OrderID:            order.ID,
		UserID:             order.UserID,
		Email:              order.Email,
		Status:             status,
		ProductNames:       order.ProductNames(),
		ExpectedDeliveryAt: eta,
		Reason:             reason,
	}
	if err := notifier.PublishNotification(ctx, event); err != nil {
		util.NotificationsFailedTotal.Inc()
		logger.Warn("Failed to publish notification",
			zap.Int64("order_id", order.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
