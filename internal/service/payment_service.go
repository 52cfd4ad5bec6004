package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/payment"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Webhook outcomes, used as metric labels
const (
	webhookApplied   = "applied"
	webhookIgnored   = "ignored"
	webhookDuplicate = "duplicate"
	webhookRejected  = "rejected"
	webhookRefunded  = "refunded"
)

// PaymentService applies payment gateway callbacks to prepaid orders
type PaymentService struct {
	orders        OrderRepository
	pipeline      *PipelineService
	canceller     *Canceller
	notifier      Notifier
	webhookSecret string
	logger        *zap.Logger
	now           func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	orders OrderRepository,
	pipelineService *PipelineService,
	canceller *Canceller,
	notifier Notifier,
	webhookSecret string,
) *PaymentService {
	return &PaymentService{
		orders:        orders,
		pipeline:      pipelineService,
		canceller:     canceller,
		notifier:      notifier,
		webhookSecret: webhookSecret,
		logger:        util.GetLogger(),
		now:           time.Now,
	}
}

// HandleWebhook verifies and applies a payment callback. The signature is
// checked against the raw body before anything is read from it.
func (ps *PaymentService) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleWebhook")
	defer span.End()

	if !payment.VerifySignature(ps.webhookSecret, body, signature) {
		util.WebhookEventsTotal.WithLabelValues("unknown", webhookRejected).Inc()
		ps.logger.Warn("Payment webhook signature mismatch", zap.Int("body_size", len(body)))
		return models.ErrSignatureMismatch
	}

	var event models.PaymentWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return models.NewValidationError("body", "malformed webhook payload")
	}
	if event.OrderReference == "" {
		return models.NewValidationError("orderReference", "is required")
	}
	if event.Event != models.WebhookPaymentCaptured && event.Event != models.WebhookPaymentFailed {
		util.WebhookEventsTotal.WithLabelValues(event.Event, webhookIgnored).Inc()
		ps.logger.Info("Ignoring payment webhook", zap.String("event", event.Event))
		return nil
	}

	eventID := event.EventID
	if eventID == "" {
		eventID = event.OrderReference + ":" + event.Event
	}

	processed, err := ps.orders.IsEventProcessed(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to check event idempotency: %w", err)
	}
	if processed {
		util.WebhookEventsTotal.WithLabelValues(event.Event, webhookDuplicate).Inc()
		ps.logger.Info("Payment webhook already processed", zap.String("event_id", eventID))
		return nil
	}

	order, err := ps.orders.GetOrderByPaymentReference(ctx, event.OrderReference)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			util.RecordSpanError(span, err)
		}
		return err
	}

	var outcome string
	if event.Event == models.WebhookPaymentCaptured {
		outcome, err = ps.capture(ctx, order, event.PaymentID)
	} else {
		outcome, err = ps.fail(ctx, order)
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	if err := ps.orders.MarkEventProcessed(ctx, eventID, event.Event); err != nil {
		ps.logger.Error("Failed to mark webhook event as processed",
			zap.String("event_id", eventID),
			zap.Error(err))
	}

	util.WebhookEventsTotal.WithLabelValues(event.Event, outcome).Inc()
	return nil
}

// capture places a pending prepaid order and starts its pipeline. A capture
// for an order cancelled in the meantime is refunded.
func (ps *PaymentService) capture(ctx context.Context, order *models.Order, paymentID string) (string, error) {
	if order.Status == models.OrderStatusCancelled {
		refunded, err := ps.canceller.RefundLateCapture(ctx, order, paymentID)
		if err != nil {
			return "", err
		}
		if !refunded {
			return webhookIgnored, nil
		}
		return webhookRefunded, nil
	}
	if order.Status != models.OrderStatusPending {
		ps.logger.Warn("Payment captured for an order that is not pending",
			zap.Int64("order_id", order.ID),
			zap.String("status", string(order.Status)))
		return webhookIgnored, nil
	}

	now := ps.now()
	eta := ps.pipeline.Table().ExpectedDeliveryAt(models.OrderStatusPlaced, now)
	applied, err := ps.orders.TransitionStatus(ctx, models.StatusTransition{
		OrderID:            order.ID,
		From:               models.OrderStatusPending,
		To:                 models.OrderStatusPlaced,
		ExpectedDeliveryAt: eta,
		PaymentStatus:      models.PaymentStatusPaid,
		PaymentID:          paymentID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to place order: %w", err)
	}
	if !applied {
		return webhookIgnored, nil
	}

	order.Status = models.OrderStatusPlaced
	order.PaymentStatus = models.PaymentStatusPaid
	order.ExpectedDeliveryAt = eta
	order.UpdatedAt = now
	if paymentID != "" {
		order.PaymentID = &paymentID
	}

	ps.logger.Info("Payment captured", zap.Int64("order_id", order.ID))
	notifyOrder(ctx, ps.notifier, ps.logger, order, models.EventTypeOrderPlaced, order.Status, eta, "")

	if err := ps.pipeline.Arm(ctx, order); err != nil {
		util.PipelineArmFailuresTotal.Inc()
		ps.logger.Error("Failed to arm pipeline, leaving it to the sweeper",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
	return webhookApplied, nil
}

// fail cancels a pending prepaid order and releases its stock
func (ps *PaymentService) fail(ctx context.Context, order *models.Order) (string, error) {
	if order.Status != models.OrderStatusPending {
		ps.logger.Warn("Payment failed for an order that is not pending",
			zap.Int64("order_id", order.ID),
			zap.String("status", string(order.Status)))
		return webhookIgnored, nil
	}

	cancelled, err := ps.canceller.Cancel(ctx, order, models.PaymentStatusFailed, ReasonPaymentFailed)
	if err != nil {
		return "", err
	}
	if !cancelled {
		return webhookIgnored, nil
	}
	return webhookApplied, nil
}
