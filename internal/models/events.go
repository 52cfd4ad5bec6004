package models

import "time"

// Event types
const (
	EventTypeOrderPlaced        = "ORDER_PLACED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
	EventTypeOrderDelivered     = "ORDER_DELIVERED"
	EventTypeJobDeadLettered    = "JOB_DEAD_LETTERED"
)

// Payment webhook event names
const (
	WebhookPaymentCaptured = "payment.captured"
	WebhookPaymentFailed   = "payment.failed"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderNotificationEvent is published for every customer-visible change of an order
type OrderNotificationEvent struct {
	BaseEvent
	OrderID            int64       `json:"order_id"`
	UserID             int64       `json:"user_id"`
	Email              string      `json:"email"`
	Status             OrderStatus `json:"status"`
	ProductNames       []string    `json:"product_names"`
	ExpectedDeliveryAt *time.Time  `json:"expected_delivery_at,omitempty"`
	Reason             string      `json:"reason,omitempty"`
}

// DeadLetterEvent carries a job that exhausted its retries
type DeadLetterEvent struct {
	BaseEvent
	Job   Job    `json:"job"`
	Cause string `json:"cause"`
}

// PaymentWebhookEvent is the body of a payment gateway callback
type PaymentWebhookEvent struct {
	Event          string `json:"event"`
	OrderReference string `json:"orderReference"`
	PaymentID      string `json:"paymentId"`
	EventID        string `json:"eventId"`
}
