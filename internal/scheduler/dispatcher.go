package scheduler

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// JobPublisher hands claimed jobs to the workers
type JobPublisher interface {
	PublishJob(ctx context.Context, job *models.Job) error
}

// Dispatcher moves due jobs from the scheduler to the job topic
type Dispatcher struct {
	scheduler *Scheduler
	publisher JobPublisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher polling every interval
func NewDispatcher(s *Scheduler, publisher JobPublisher, interval time.Duration, batchSize int) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		scheduler: s,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Run polls until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Job dispatcher started", zap.Duration("interval", d.interval))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Job dispatcher stopped")
			return nil
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("Dispatch tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs the reaper, publishes every due job and refreshes queue gauges.
// It returns the number of jobs published.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	if _, err := d.scheduler.RequeueExpired(ctx, d.batchSize); err != nil {
		return 0, err
	}

	jobs, err := d.scheduler.Claim(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, job := range jobs {
		if err := d.publisher.PublishJob(ctx, job); err != nil {
			// The lease expires and the reaper hands the job out again.
			d.logger.Warn("Failed to publish job",
				zap.String("key", job.Key),
				zap.Error(err))
			continue
		}
		published++
	}

	if _, err := d.scheduler.Stats(ctx); err != nil {
		d.logger.Warn("Failed to refresh queue stats", zap.Error(err))
	}
	return published, nil
}
