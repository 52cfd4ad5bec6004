package models

import (
	"fmt"
	"time"
)

// JobKind discriminates the payload carried by a Job
type JobKind string

// Job kinds
const (
	JobKindAdvanceStatus JobKind = "advance_status"
	JobKindAutoCancel    JobKind = "auto_cancel"
)

// Job defaults
const (
	DefaultJobMaxAttempts = 5
	DefaultJobBackoff     = 2 * time.Second
)

// NotificationData is what the customer notification needs; it is never
// used to decide a transition.
type NotificationData struct {
	Email        string    `json:"email"`
	ProductNames []string  `json:"productNames"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AdvanceStatusPayload moves an order to TargetStatus
type AdvanceStatusPayload struct {
	OrderID      int64       `json:"orderId"`
	TargetStatus OrderStatus `json:"targetStatus"`
	NotificationData
}

// AutoCancelPayload cancels an order that was never confirmed
type AutoCancelPayload struct {
	OrderID int64 `json:"orderId"`
	NotificationData
}

// Job is a delayed unit of pipeline work. Exactly one payload is set and it
// must match Kind.
type Job struct {
	Key         string        `json:"key"`
	Kind        JobKind       `json:"kind"`
	RunAt       time.Time     `json:"runAt"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"maxAttempts"`
	Backoff     time.Duration `json:"backoff"`

	Advance    *AdvanceStatusPayload `json:"advance,omitempty"`
	AutoCancel *AutoCancelPayload    `json:"autoCancel,omitempty"`
}

// KeyFor returns the idempotency key of the job that moves orderID to target.
func KeyFor(orderID int64, target OrderStatus) string {
	return fmt.Sprintf("order:%d:%s", orderID, target)
}

// NewAdvanceJob builds the job that moves order to target at runAt
func NewAdvanceJob(order *Order, target OrderStatus, runAt time.Time) *Job {
	return &Job{
		Key:         KeyFor(order.ID, target),
		Kind:        JobKindAdvanceStatus,
		RunAt:       runAt,
		MaxAttempts: DefaultJobMaxAttempts,
		Backoff:     DefaultJobBackoff,
		Advance: &AdvanceStatusPayload{
			OrderID:          order.ID,
			TargetStatus:     target,
			NotificationData: notificationData(order),
		},
	}
}

// NewAutoCancelJob builds the watchdog job for order
func NewAutoCancelJob(order *Order, runAt time.Time) *Job {
	return &Job{
		Key:         KeyFor(order.ID, OrderStatusCancelled),
		Kind:        JobKindAutoCancel,
		RunAt:       runAt,
		MaxAttempts: DefaultJobMaxAttempts,
		Backoff:     DefaultJobBackoff,
		AutoCancel: &AutoCancelPayload{
			OrderID:          order.ID,
			NotificationData: notificationData(order),
		},
	}
}

func notificationData(order *Order) NotificationData {
	return NotificationData{
		Email:        order.Email,
		ProductNames: order.ProductNames(),
		CreatedAt:    order.CreatedAt,
	}
}

// Validate checks that the payload matches the kind.
func (j *Job) Validate() error {
	if j.Key == "" {
		return fmt.Errorf("job key is empty")
	}
	switch j.Kind {
	case JobKindAdvanceStatus:
		if j.Advance == nil || j.AutoCancel != nil {
			return fmt.Errorf("job %s: kind %s requires exactly an advance payload", j.Key, j.Kind)
		}
		if !j.Advance.TargetStatus.Valid() {
			return fmt.Errorf("job %s: invalid target status %q", j.Key, j.Advance.TargetStatus)
		}
	case JobKindAutoCancel:
		if j.AutoCancel == nil || j.Advance != nil {
			return fmt.Errorf("job %s: kind %s requires exactly an auto-cancel payload", j.Key, j.Kind)
		}
	default:
		return fmt.Errorf("job %s: unknown kind %q", j.Key, j.Kind)
	}
	if j.MaxAttempts <= 0 {
		return fmt.Errorf("job %s: max attempts must be positive", j.Key)
	}
	return nil
}

// OrderID returns the order the job acts on.
func (j *Job) OrderID() int64 {
	switch {
	case j.Advance != nil:
		return j.Advance.OrderID
	case j.AutoCancel != nil:
		return j.AutoCancel.OrderID
	}
	return 0
}

// Target returns the status the job tries to reach.
func (j *Job) Target() OrderStatus {
	if j.Kind == JobKindAutoCancel {
		return OrderStatusCancelled
	}
	if j.Advance != nil {
		return j.Advance.TargetStatus
	}
	return ""
}

// NextDelay is the backoff before the retry that follows the current attempt.
// attempt counts failures so far, starting at 1.
func (j *Job) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := j.Backoff
	if base <= 0 {
		base = DefaultJobBackoff
	}
	if attempt > 30 {
		attempt = 30
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// Exhausted reports whether no retries remain after attempt failures.
func (j *Job) Exhausted(attempt int) bool {
	return attempt >= j.MaxAttempts
}
