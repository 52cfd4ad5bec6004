package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/schedule_job.lua
var scheduleJobScript string

//go:embed scripts/claim_jobs.lua
var claimJobsScript string

//go:embed scripts/complete_job.lua
var completeJobScript string

//go:embed scripts/retry_job.lua
var retryJobScript string

//go:embed scripts/bury_job.lua
var buryJobScript string

//go:embed scripts/reap_job.lua
var reapJobScript string

//go:embed scripts/revive_job.lua
var reviveJobScript string

type Client struct {
	rdb            *redis.Client
	scheduleScript *redis.Script
	claimScript    *redis.Script
	completeScript *redis.Script
	retryScript    *redis.Script
	buryScript     *redis.Script
	reapScript     *redis.Script
	reviveScript   *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewClientWithRedis(rdb), nil
}

// NewClientWithRedis wraps an existing connection
func NewClientWithRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:            rdb,
		scheduleScript: redis.NewScript(scheduleJobScript),
		claimScript:    redis.NewScript(claimJobsScript),
		completeScript: redis.NewScript(completeJobScript),
		retryScript:    redis.NewScript(retryJobScript),
		buryScript:     redis.NewScript(buryJobScript),
		reapScript:     redis.NewScript(reapJobScript),
		reviveScript:   redis.NewScript(reviveJobScript),
	}
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// InvalidateProducts drops the cached read models of the given products
func (c *Client) InvalidateProducts(ctx context.Context, productIDs []int64) error {
	if len(productIDs) == 0 {
		return nil
	}
	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = fmt.Sprintf("product:%d", id)
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Allow counts a request against key and reports whether it is within limit
// for the current window.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	redisKey := "rate_limit:" + key

	current, err := c.rdb.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}

	if current == 1 {
		c.rdb.Expire(ctx, redisKey, window)
	}

	return current <= int64(limit), nil
}
