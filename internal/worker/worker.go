package worker

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// JobHandler executes pipeline jobs
type JobHandler interface {
	HandleJob(ctx context.Context, job *models.Job) error
}

// JobQueue records the outcome of a claimed job
type JobQueue interface {
	Complete(ctx context.Context, job *models.Job) error
	Fail(ctx context.Context, job *models.Job, cause error) (bool, error)
}

// PipelineWorker consumes dispatched jobs from the jobs topic
type PipelineWorker struct {
	consumer *broker.Consumer
	handler  JobHandler
	queue    JobQueue
	logger   *zap.Logger
}

// NewPipelineWorker creates a new pipeline worker
func NewPipelineWorker(consumer *broker.Consumer, handler JobHandler, queue JobQueue) *PipelineWorker {
	return &PipelineWorker{
		consumer: consumer,
		handler:  handler,
		queue:    queue,
		logger:   util.GetLogger(),
	}
}

// Start consumes until ctx is cancelled
func (w *PipelineWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting pipeline worker")
	err := w.consumer.StartConsuming(ctx, broker.DecodeJobs(w.Process, w.poison))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Stop stops the worker
func (w *PipelineWorker) Stop() error {
	w.logger.Info("Stopping pipeline worker")
	return w.consumer.Close()
}

// Process runs one job and settles it with the queue. An error leaves the
// Kafka message uncommitted and the job leased, so the reaper brings it back.
func (w *PipelineWorker) Process(ctx context.Context, job *models.Job) error {
	ctx, span := util.StartSpan(ctx, "PipelineWorker.Process")
	defer span.End()

	start := time.Now()
	err := w.handler.HandleJob(ctx, job)
	util.JobProcessingLatency.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	if err == nil {
		if err := w.queue.Complete(ctx, job); err != nil {
			util.RecordSpanError(span, err)
			return fmt.Errorf("failed to complete job %s: %w", job.Key, err)
		}
		return nil
	}

	util.RecordSpanError(span, err)
	dead, failErr := w.queue.Fail(ctx, job, err)
	if failErr != nil {
		return fmt.Errorf("failed to record failure of job %s: %w", job.Key, failErr)
	}
	if !dead {
		util.LoggerFromContext(ctx, w.logger).Debug("Job scheduled for retry",
			zap.String("key", job.Key),
			zap.Error(err))
	}
	return nil
}

func (w *PipelineWorker) poison(msg kafka.Message, err error) {
	w.logger.Error("Dropping undecodable job message",
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(err))
}
