package redisclient

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// QueueKeys names the Redis keys backing one delay queue
type QueueKeys struct {
	Prefix string
}

// NewQueueKeys returns the keys of the queue called name
func NewQueueKeys(name string) QueueKeys {
	return QueueKeys{Prefix: "queue:" + name}
}

func (q QueueKeys) delayed() string { return q.Prefix + ":delayed" }
func (q QueueKeys) active() string  { return q.Prefix + ":active" }
func (q QueueKeys) dead() string    { return q.Prefix + ":dead" }

func (q QueueKeys) payload(jobKey string) string { return q.Prefix + ":job:" + jobKey }
func (q QueueKeys) done(jobKey string) string    { return q.Prefix + ":done:" + jobKey }

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// EnqueueJob stores payload under jobKey and schedules it at runAt.
// It returns false when the key is already known to the queue.
func (c *Client) EnqueueJob(ctx context.Context, q QueueKeys, jobKey string, runAt time.Time, payload []byte) (bool, error) {
	res, err := c.scheduleScript.Run(ctx, c.rdb,
		[]string{q.delayed(), q.payload(jobKey), q.done(jobKey)},
		jobKey, millis(runAt), payload).Int64()
	if err != nil {
		return false, fmt.Errorf("schedule job script failed: %w", err)
	}
	return res == 1, nil
}

// ClaimJobs leases up to limit due jobs until leaseUntil and returns their keys
func (c *Client) ClaimJobs(ctx context.Context, q QueueKeys, now time.Time, limit int, leaseUntil time.Time) ([]string, error) {
	keys, err := c.claimScript.Run(ctx, c.rdb,
		[]string{q.delayed(), q.active()},
		millis(now), limit, millis(leaseUntil)).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claim jobs script failed: %w", err)
	}
	return keys, nil
}

// JobPayloads returns the stored payloads of jobKeys. Missing payloads are nil.
func (c *Client) JobPayloads(ctx context.Context, q QueueKeys, jobKeys []string) ([][]byte, error) {
	if len(jobKeys) == 0 {
		return nil, nil
	}
	redisKeys := make([]string, len(jobKeys))
	for i, k := range jobKeys {
		redisKeys[i] = q.payload(k)
	}
	values, err := c.rdb.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job payloads: %w", err)
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// JobPayload returns the stored payload of jobKey, or nil when there is none
func (c *Client) JobPayload(ctx context.Context, q QueueKeys, jobKey string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, q.payload(jobKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job payload: %w", err)
	}
	return b, nil
}

// CompleteJob drops the job and leaves a completion marker for doneTTL
func (c *Client) CompleteJob(ctx context.Context, q QueueKeys, jobKey string, doneTTL time.Duration) error {
	ttl := int64(doneTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	_, err := c.completeScript.Run(ctx, c.rdb,
		[]string{q.active(), q.delayed(), q.payload(jobKey), q.done(jobKey)},
		jobKey, ttl).Result()
	if err != nil {
		return fmt.Errorf("complete job script failed: %w", err)
	}
	return nil
}

// RetryJob moves a leased job back to the delayed set with an updated payload.
// It returns false when the lease had already expired.
func (c *Client) RetryJob(ctx context.Context, q QueueKeys, jobKey string, runAt time.Time, payload []byte) (bool, error) {
	res, err := c.retryScript.Run(ctx, c.rdb,
		[]string{q.active(), q.delayed(), q.payload(jobKey)},
		jobKey, millis(runAt), payload).Int64()
	if err != nil {
		return false, fmt.Errorf("retry job script failed: %w", err)
	}
	return res == 1, nil
}

// BuryJob moves a job to the dead set
func (c *Client) BuryJob(ctx context.Context, q QueueKeys, jobKey string, at time.Time, payload []byte) error {
	_, err := c.buryScript.Run(ctx, c.rdb,
		[]string{q.active(), q.dead(), q.payload(jobKey)},
		jobKey, millis(at), payload).Result()
	if err != nil {
		return fmt.Errorf("bury job script failed: %w", err)
	}
	return nil
}

// ExpiredJobKeys returns up to limit leased jobs whose lease ended by now
func (c *Client) ExpiredJobKeys(ctx context.Context, q QueueKeys, now time.Time, limit int) ([]string, error) {
	keys, err := c.rdb.ZRangeByScore(ctx, q.active(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(millis(now), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired leases: %w", err)
	}
	return keys, nil
}

// ReapJob takes an expired lease away from its worker, stores payload and
// moves the job to the delayed set, or to the dead set when bury is set.
// It returns false when the lease is no longer expired.
func (c *Client) ReapJob(ctx context.Context, q QueueKeys, jobKey string, now time.Time, payload []byte, bury bool) (bool, error) {
	flag := "0"
	if bury {
		flag = "1"
	}
	res, err := c.reapScript.Run(ctx, c.rdb,
		[]string{q.active(), q.delayed(), q.dead(), q.payload(jobKey)},
		jobKey, millis(now), payload, flag).Int64()
	if err != nil {
		return false, fmt.Errorf("reap job script failed: %w", err)
	}
	return res == 1, nil
}

// ReviveJob moves a dead job back to the delayed set.
// It returns false when jobKey is not in the dead set.
func (c *Client) ReviveJob(ctx context.Context, q QueueKeys, jobKey string, runAt time.Time, payload []byte) (bool, error) {
	res, err := c.reviveScript.Run(ctx, c.rdb,
		[]string{q.dead(), q.delayed(), q.payload(jobKey)},
		jobKey, millis(runAt), payload).Int64()
	if err != nil {
		return false, fmt.Errorf("revive job script failed: %w", err)
	}
	return res == 1, nil
}

// DeadJobKeys returns up to limit dead job keys, oldest first
func (c *Client) DeadJobKeys(ctx context.Context, q QueueKeys, limit int) ([]string, error) {
	return c.rdb.ZRange(ctx, q.dead(), 0, int64(limit)-1).Result()
}

// QueueDepths returns the sizes of the delayed, active and dead sets
func (c *Client) QueueDepths(ctx context.Context, q QueueKeys) (delayed, active, dead int64, err error) {
	pipe := c.rdb.Pipeline()
	delayedCmd := pipe.ZCard(ctx, q.delayed())
	activeCmd := pipe.ZCard(ctx, q.active())
	deadCmd := pipe.ZCard(ctx, q.dead())

	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, err
	}
	return delayedCmd.Val(), activeCmd.Val(), deadCmd.Val(), nil
}
