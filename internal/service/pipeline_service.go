package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/pipeline"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// PipelineService advances orders through the status table and runs the
// auto-cancellation watchdog.
type PipelineService struct {
	orders    OrderRepository
	scheduler JobScheduler
	canceller *Canceller
	notifier  Notifier
	table     *pipeline.Table
	grace     time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewPipelineService creates a new pipeline service
func NewPipelineService(
	orders OrderRepository,
	scheduler JobScheduler,
	canceller *Canceller,
	notifier Notifier,
	table *pipeline.Table,
	grace time.Duration,
) *PipelineService {
	if table == nil {
		table = pipeline.DefaultTable
	}
	return &PipelineService{
		orders:    orders,
		scheduler: scheduler,
		canceller: canceller,
		notifier:  notifier,
		table:     table,
		grace:     grace,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// Table returns the status table the service runs on
func (p *PipelineService) Table() *pipeline.Table {
	return p.table
}

// Arm schedules whatever follows the order's current status: the next
// transition, or the watchdog once the order awaits the customer.
func (p *PipelineService) Arm(ctx context.Context, order *models.Order) error {
	_, err := p.armAt(ctx, order, p.now())
	return err
}

// armAt schedules relative to base, the moment the order entered its status.
func (p *PipelineService) armAt(ctx context.Context, order *models.Order, base time.Time) (bool, error) {
	if p.table.AwaitsCustomer(order.Status) {
		remaining := base.Add(p.grace).Sub(p.now())
		if remaining < 0 {
			remaining = 0
		}
		return p.armCancellation(ctx, order, remaining)
	}

	next, delay, ok := p.table.Next(order.Status)
	if !ok {
		return false, nil
	}
	scheduled, err := p.scheduler.Schedule(ctx, models.NewAdvanceJob(order, next, base.Add(delay)))
	if err != nil {
		return false, fmt.Errorf("failed to schedule %s for order %d: %w", next, order.ID, err)
	}
	return scheduled, nil
}

// ArmCancellation schedules the watchdog that cancels an unconfirmed order
// after grace.
func (p *PipelineService) ArmCancellation(ctx context.Context, order *models.Order, grace time.Duration) error {
	_, err := p.armCancellation(ctx, order, grace)
	return err
}

func (p *PipelineService) armCancellation(ctx context.Context, order *models.Order, grace time.Duration) (bool, error) {
	scheduled, err := p.scheduler.Schedule(ctx, models.NewAutoCancelJob(order, p.now().Add(grace)))
	if err != nil {
		return false, fmt.Errorf("failed to arm watchdog for order %d: %w", order.ID, err)
	}
	return scheduled, nil
}

// HandleJob executes a claimed job. Jobs that no longer match the order are
// no-ops; a returned error means the job should be retried.
func (p *PipelineService) HandleJob(ctx context.Context, job *models.Job) error {
	ctx, span := util.StartSpan(ctx, "PipelineService.HandleJob")
	defer span.End()

	var err error
	switch job.Kind {
	case models.JobKindAdvanceStatus:
		err = p.advance(ctx, job)
	case models.JobKindAutoCancel:
		err = p.autoCancel(ctx, job)
	default:
		p.logger.Error("Dropping job of unknown kind", zap.String("key", job.Key), zap.String("kind", string(job.Kind)))
		return nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return err
}

func (p *PipelineService) advance(ctx context.Context, job *models.Job) error {
	target := job.Advance.TargetStatus
	from, ok := p.table.Previous(target)
	if !ok {
		p.logger.Error("Dropping job with unreachable target",
			zap.String("key", job.Key),
			zap.String("target", string(target)))
		return nil
	}

	order, err := p.loadOrder(ctx, job)
	if err != nil || order == nil {
		return err
	}

	if order.Status == target {
		// applied before a crash; make sure the follow-up exists
		if _, err := p.armAt(ctx, order, order.UpdatedAt); err != nil {
			return err
		}
		p.stale(job, order)
		return nil
	}
	if order.Status != from {
		p.stale(job, order)
		return nil
	}

	now := p.now()
	eta := p.table.ExpectedDeliveryAt(target, now)
	applied, err := p.orders.TransitionStatus(ctx, models.StatusTransition{
		OrderID:            order.ID,
		From:               from,
		To:                 target,
		ExpectedDeliveryAt: eta,
	})
	if err != nil {
		return err
	}
	if !applied {
		p.stale(job, order)
		return nil
	}

	order.Status = target
	order.ExpectedDeliveryAt = eta
	order.UpdatedAt = now

	util.PipelineTransitionsTotal.WithLabelValues(string(target)).Inc()
	p.logger.Info("Order advanced",
		zap.Int64("order_id", order.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)))

	notifyOrder(ctx, p.notifier, p.logger, order, models.EventTypeOrderStatusChanged, target, eta, "")

	if _, err := p.armAt(ctx, order, now); err != nil {
		return err
	}
	return nil
}

func (p *PipelineService) autoCancel(ctx context.Context, job *models.Job) error {
	order, err := p.loadOrder(ctx, job)
	if err != nil || order == nil {
		return err
	}
	if !p.table.AwaitsCustomer(order.Status) {
		p.stale(job, order)
		return nil
	}

	cancelled, err := p.canceller.Cancel(ctx, order, "", ReasonNotConfirmed)
	if err != nil {
		return err
	}
	if !cancelled {
		p.stale(job, order)
	}
	return nil
}

// loadOrder returns nil without error when the order no longer exists.
func (p *PipelineService) loadOrder(ctx context.Context, job *models.Job) (*models.Order, error) {
	order, err := p.orders.GetOrderByID(ctx, job.OrderID())
	if errors.Is(err, models.ErrNotFound) {
		util.PipelineStaleJobsTotal.WithLabelValues(string(job.Kind)).Inc()
		p.logger.Warn("Job references a missing order", zap.String("key", job.Key))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order %d: %w", job.OrderID(), err)
	}
	return order, nil
}

func (p *PipelineService) stale(job *models.Job, order *models.Order) {
	util.PipelineStaleJobsTotal.WithLabelValues(string(job.Kind)).Inc()
	p.logger.Debug("Stale job ignored",
		zap.String("key", job.Key),
		zap.Int64("order_id", order.ID),
		zap.String("status", string(order.Status)))
}

// RearmActive schedules the follow-up of every order still inside the
// pipeline. Schedules collapse on their keys, so only orders whose job was
// lost get a new one. It returns how many jobs were scheduled.
func (p *PipelineService) RearmActive(ctx context.Context, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "PipelineService.RearmActive")
	defer span.End()

	orders, err := p.orders.ListOrdersByStatus(ctx, p.table.Statuses(), limit)
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, fmt.Errorf("failed to list active orders: %w", err)
	}

	rearmed := 0
	var errs []error
	for _, order := range orders {
		scheduled, err := p.armAt(ctx, order, order.UpdatedAt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if scheduled {
			rearmed++
			p.logger.Info("Re-armed order", zap.Int64("order_id", order.ID), zap.String("status", string(order.Status)))
		}
	}
	util.PipelineRearmedTotal.Add(float64(rearmed))
	return rearmed, errors.Join(errs...)
}

// RunSweeper re-arms active orders on start and then every interval until
// ctx is done.
func (p *PipelineService) RunSweeper(ctx context.Context, interval time.Duration, limit int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.RearmActive(ctx, limit); err != nil {
			p.logger.Error("Re-arm sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
