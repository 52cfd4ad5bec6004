package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

const leaseExpiredCause = "lease expired"

// DeadLetterPublisher receives jobs that exhausted their retries
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, job *models.Job, cause string) error
}

// Options configures a Scheduler
type Options struct {
	Queue   string
	DoneTTL time.Duration
	Lease   time.Duration
}

// Stats is a snapshot of the queue sets
type Stats struct {
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Dead    int64 `json:"dead"`
}

// BatchFailure is one key a bulk operation could not process
type BatchFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// BatchResult reports every key of a bulk operation in exactly one list
type BatchResult struct {
	Succeeded []string       `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

// Scheduler is a durable delay queue of pipeline jobs backed by Redis.
// A job key is accepted at most once until its completion marker expires.
type Scheduler struct {
	client      *redisclient.Client
	keys        redisclient.QueueKeys
	doneTTL     time.Duration
	lease       time.Duration
	deadLetters DeadLetterPublisher
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a Scheduler. deadLetters may be nil.
func New(client *redisclient.Client, opts Options, deadLetters DeadLetterPublisher) *Scheduler {
	if opts.Queue == "" {
		opts.Queue = "pipeline"
	}
	if opts.DoneTTL <= 0 {
		opts.DoneTTL = 24 * time.Hour
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	return &Scheduler{
		client:      client,
		keys:        redisclient.NewQueueKeys(opts.Queue),
		doneTTL:     opts.DoneTTL,
		lease:       opts.Lease,
		deadLetters: deadLetters,
		logger:      util.GetLogger().With(zap.String("queue", opts.Queue)),
		now:         time.Now,
	}
}

// Schedule enqueues job at job.RunAt. It returns false when a job with the
// same key is already pending, running, dead or recently completed.
func (s *Scheduler) Schedule(ctx context.Context, job *models.Job) (bool, error) {
	if err := job.Validate(); err != nil {
		return false, err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to encode job: %w", err)
	}

	scheduled, err := s.client.EnqueueJob(ctx, s.keys, job.Key, job.RunAt, payload)
	if err != nil {
		return false, err
	}

	if scheduled {
		util.JobsScheduledTotal.WithLabelValues(string(job.Kind)).Inc()
		s.logger.Debug("Job scheduled", zap.String("key", job.Key), zap.Time("run_at", job.RunAt))
	} else {
		util.JobsDeduplicatedTotal.WithLabelValues(string(job.Kind)).Inc()
		s.logger.Debug("Job already known", zap.String("key", job.Key))
	}
	return scheduled, nil
}

// Claim leases up to limit due jobs
func (s *Scheduler) Claim(ctx context.Context, limit int) ([]*models.Job, error) {
	now := s.now()
	keys, err := s.client.ClaimJobs(ctx, s.keys, now, limit, now.Add(s.lease))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	payloads, err := s.client.JobPayloads(ctx, s.keys, keys)
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, 0, len(keys))
	for i, key := range keys {
		job, err := decodeJob(payloads[i])
		if err != nil {
			// Nothing can ever run this key; drop it rather than re-leasing forever.
			s.logger.Error("Dropping undecodable job", zap.String("key", key), zap.Error(err))
			if cerr := s.client.CompleteJob(ctx, s.keys, key, s.doneTTL); cerr != nil {
				s.logger.Warn("Failed to drop job", zap.String("key", key), zap.Error(cerr))
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func decodeJob(payload []byte) (*models.Job, error) {
	if payload == nil {
		return nil, fmt.Errorf("job payload missing")
	}
	var job models.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// Complete removes a finished job and remembers its key for the done TTL
func (s *Scheduler) Complete(ctx context.Context, job *models.Job) error {
	return s.client.CompleteJob(ctx, s.keys, job.Key, s.doneTTL)
}

// Fail records a failed attempt. The job is retried with exponential backoff
// until it runs out of attempts, then moved to the dead set and published to
// the dead-letter topic. dead reports whether the job was buried.
func (s *Scheduler) Fail(ctx context.Context, job *models.Job, cause error) (dead bool, err error) {
	retry := *job
	retry.Attempt = job.Attempt + 1
	now := s.now()

	causeText := ""
	if cause != nil {
		causeText = cause.Error()
	}

	if retry.Exhausted(retry.Attempt) {
		payload, err := json.Marshal(&retry)
		if err != nil {
			return false, fmt.Errorf("failed to encode job: %w", err)
		}
		if err := s.client.BuryJob(ctx, s.keys, retry.Key, now, payload); err != nil {
			return false, err
		}

		util.JobsDeadTotal.WithLabelValues(string(retry.Kind)).Inc()
		s.logger.Error("Job exhausted retries",
			zap.String("key", retry.Key),
			zap.Int64("order_id", retry.OrderID()),
			zap.Int("attempts", retry.Attempt),
			zap.String("cause", causeText))

		if s.deadLetters != nil {
			if err := s.deadLetters.PublishDeadLetter(ctx, &retry, causeText); err != nil {
				s.logger.Warn("Failed to publish dead letter", zap.String("key", retry.Key), zap.Error(err))
			}
		}
		return true, nil
	}

	retry.RunAt = now.Add(retry.NextDelay(retry.Attempt))
	payload, err := json.Marshal(&retry)
	if err != nil {
		return false, fmt.Errorf("failed to encode job: %w", err)
	}
	requeued, err := s.client.RetryJob(ctx, s.keys, retry.Key, retry.RunAt, payload)
	if err != nil {
		return false, err
	}
	if !requeued {
		s.logger.Warn("Job lease expired before failure was recorded", zap.String("key", retry.Key))
		return false, nil
	}

	util.JobRetriesTotal.WithLabelValues(string(retry.Kind)).Inc()
	s.logger.Warn("Job failed, retrying",
		zap.String("key", retry.Key),
		zap.Int("attempt", retry.Attempt),
		zap.Time("run_at", retry.RunAt),
		zap.String("cause", causeText))
	return false, nil
}

// RequeueExpired takes back jobs whose lease ran out. An expired lease
// counts as a failed attempt, so a job that keeps losing its worker is buried
// and dead-lettered like one that keeps failing. It returns the number of
// jobs put back on the delayed set.
func (s *Scheduler) RequeueExpired(ctx context.Context, limit int) (int64, error) {
	now := s.now()
	keys, err := s.client.ExpiredJobKeys(ctx, s.keys, now, limit)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	payloads, err := s.client.JobPayloads(ctx, s.keys, keys)
	if err != nil {
		return 0, err
	}

	var requeued int64
	for i, key := range keys {
		job, err := decodeJob(payloads[i])
		if err != nil {
			s.logger.Error("Dropping undecodable job", zap.String("key", key), zap.Error(err))
			if cerr := s.client.CompleteJob(ctx, s.keys, key, s.doneTTL); cerr != nil {
				s.logger.Warn("Failed to drop job", zap.String("key", key), zap.Error(cerr))
			}
			continue
		}

		buried, reaped, err := s.reap(ctx, job, now)
		if err != nil {
			return requeued, err
		}
		if reaped && !buried {
			requeued++
		}
	}

	if requeued > 0 {
		util.JobsRequeuedTotal.Add(float64(requeued))
		s.logger.Warn("Requeued jobs with expired leases", zap.Int64("count", requeued))
	}
	return requeued, nil
}

func (s *Scheduler) reap(ctx context.Context, job *models.Job, now time.Time) (buried, reaped bool, err error) {
	job.Attempt++
	job.RunAt = now
	buried = job.Exhausted(job.Attempt)

	payload, err := json.Marshal(job)
	if err != nil {
		return false, false, fmt.Errorf("failed to encode job: %w", err)
	}
	reaped, err = s.client.ReapJob(ctx, s.keys, job.Key, now, payload, buried)
	if err != nil || !reaped || !buried {
		return buried, reaped, err
	}

	util.JobsDeadTotal.WithLabelValues(string(job.Kind)).Inc()
	s.logger.Error("Job lost its lease too many times",
		zap.String("key", job.Key),
		zap.Int64("order_id", job.OrderID()),
		zap.Int("attempts", job.Attempt))

	if s.deadLetters != nil {
		if err := s.deadLetters.PublishDeadLetter(ctx, job, leaseExpiredCause); err != nil {
			s.logger.Warn("Failed to publish dead letter", zap.String("key", job.Key), zap.Error(err))
		}
	}
	return true, true, nil
}

// ListDead returns up to limit dead jobs, oldest first
func (s *Scheduler) ListDead(ctx context.Context, limit int) ([]*models.Job, error) {
	keys, err := s.client.DeadJobKeys(ctx, s.keys, limit)
	if err != nil {
		return nil, err
	}
	payloads, err := s.client.JobPayloads(ctx, s.keys, keys)
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, 0, len(keys))
	for i, key := range keys {
		job, err := decodeJob(payloads[i])
		if err != nil {
			s.logger.Warn("Skipping undecodable dead job", zap.String("key", key), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RetryDead moves the given dead jobs back to the queue with a fresh attempt
// budget. Each key ends up in exactly one list of the result.
func (s *Scheduler) RetryDead(ctx context.Context, keys []string) BatchResult {
	result := BatchResult{Succeeded: []string{}, Failed: []BatchFailure{}}
	for _, key := range keys {
		if err := s.retryDead(ctx, key); err != nil {
			result.Failed = append(result.Failed, BatchFailure{Key: key, Error: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, key)
	}
	return result
}

func (s *Scheduler) retryDead(ctx context.Context, key string) error {
	payload, err := s.client.JobPayload(ctx, s.keys, key)
	if err != nil {
		return err
	}
	job, err := decodeJob(payload)
	if err != nil {
		return err
	}

	job.Attempt = 0
	job.RunAt = s.now()
	fresh, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	revived, err := s.client.ReviveJob(ctx, s.keys, key, job.RunAt, fresh)
	if err != nil {
		return err
	}
	if !revived {
		return fmt.Errorf("job %s is not dead", key)
	}
	s.logger.Info("Dead job revived", zap.String("key", key))
	return nil
}

// Stats returns the queue set sizes and refreshes the depth gauges
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	delayed, active, dead, err := s.client.QueueDepths(ctx, s.keys)
	if err != nil {
		return Stats{}, err
	}
	util.JobQueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	util.JobQueueDepth.WithLabelValues("active").Set(float64(active))
	util.JobQueueDepth.WithLabelValues("dead").Set(float64(dead))
	return Stats{Delayed: delayed, Active: active, Dead: dead}, nil
}
