package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// EventPublisher publishes pipeline jobs, dead letters and customer
// notifications to their topics.
type EventPublisher struct {
	jobs          *Producer
	deadLetters   *Producer
	notifications *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(jobs, deadLetters, notifications *Producer) *EventPublisher {
	return &EventPublisher{jobs: jobs, deadLetters: deadLetters, notifications: notifications}
}

// PublishJob hands a due job to the transition workers, keyed by order so
// jobs of one order are consumed in order.
func (ep *EventPublisher) PublishJob(ctx context.Context, job *models.Job) error {
	return ep.jobs.PublishEvent(ctx, orderKey(job.OrderID()), job)
}

// PublishDeadLetter publishes a job that exhausted its retries
func (ep *EventPublisher) PublishDeadLetter(ctx context.Context, job *models.Job, cause string) error {
	event := &models.DeadLetterEvent{
		BaseEvent: newBaseEvent(models.EventTypeJobDeadLettered),
		Job:       *job,
		Cause:     cause,
	}
	return ep.deadLetters.PublishEvent(ctx, orderKey(job.OrderID()), event)
}

// PublishNotification publishes a customer notification
func (ep *EventPublisher) PublishNotification(ctx context.Context, event *models.OrderNotificationEvent) error {
	if event.EventID == "" {
		event.BaseEvent = newBaseEvent(event.EventType)
	}
	return ep.notifications.PublishEvent(ctx, orderKey(event.OrderID), event)
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// JobHandler receives decoded jobs
type JobHandler func(ctx context.Context, job *models.Job) error

// DecodeJobs adapts a JobHandler to a MessageHandler. Undecodable messages
// are reported to onPoison and skipped.
func DecodeJobs(handler JobHandler, onPoison func(msg kafka.Message, err error)) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var job models.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			onPoison(msg, fmt.Errorf("failed to unmarshal job: %w", err))
			return nil
		}
		if err := job.Validate(); err != nil {
			onPoison(msg, err)
			return nil
		}
		return handler(ctx, &job)
	}
}
