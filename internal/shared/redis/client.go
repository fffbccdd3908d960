package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("key not found")

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Publish sends a message on a pub/sub channel
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.client.Publish(ctx, channel, message).Err()
}

// Subscribe delivers every message published on channel until ctx is done
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	pubsub := c.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// slidingWindowScript keeps one sorted set of request timestamps (ms) per key
// and admits only if both the trailing minute and trailing hour have room.
// Check and insert run as one script, so concurrent callers cannot both take
// the last slot.
//
// Returns {allowed, retry_after_ms, minute_count, hour_count}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local minute_limit = tonumber(ARGV[2])
local hour_limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - 3600000)
local hour_count = redis.call('ZCARD', key)
local minute_count = redis.call('ZCOUNT', key, '(' .. (now - 60000), '+inf')

if minute_limit > 0 and minute_count >= minute_limit then
  local oldest = redis.call('ZRANGEBYSCORE', key, '(' .. (now - 60000), '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
  return {0, tonumber(oldest[2]) + 60000 - now, minute_count, hour_count}
end

if hour_limit > 0 and hour_count >= hour_limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, tonumber(oldest[2]) + 3600000 - now, minute_count, hour_count}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, 3600000)
return {1, 0, minute_count + 1, hour_count + 1}
`)

// WindowResult is the outcome of one sliding-window admission
type WindowResult struct {
	Allowed     bool
	RetryAfter  time.Duration
	MinuteCount int
	HourCount   int
}

// AdmitSlidingWindow records one request for apiKeyID at now if both quotas
// allow it. A limit of zero disables that window.
func (c *Client) AdmitSlidingWindow(ctx context.Context, apiKeyID, member string, now time.Time, perMinute, perHour int) (WindowResult, error) {
	key := fmt.Sprintf("ratelimit:%s", apiKeyID)

	raw, err := slidingWindowScript.Run(ctx, c.client, []string{key},
		now.UnixMilli(), perMinute, perHour, member).Result()
	if err != nil {
		return WindowResult{}, fmt.Errorf("rate limit script failed: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		return WindowResult{}, fmt.Errorf("unexpected rate limit script reply: %v", raw)
	}

	nums := make([]int64, len(vals))
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return WindowResult{}, fmt.Errorf("unexpected rate limit script value %v", v)
		}
		nums[i] = n
	}

	return WindowResult{
		Allowed:     nums[0] == 1,
		RetryAfter:  time.Duration(nums[1]) * time.Millisecond,
		MinuteCount: int(nums[2]),
		HourCount:   int(nums[3]),
	}, nil
}
