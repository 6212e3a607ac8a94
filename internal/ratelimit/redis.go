package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow prunes, counts and conditionally records in one step so
// concurrent callers on the same key are serialized by Redis.
// Returns {allowed, remaining, reset_ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local reset = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window - now
end

if count < limit then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  return {1, limit - count - 1, reset}
end
return {0, 0, reset}
`)

// RedisStore keeps one sorted set of admission timestamps per key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Name() string { return "redis" }

// Hit runs the sliding window script for key.
func (r *RedisStore) Hit(ctx context.Context, key string, limit int, length time.Duration, now time.Time) (Decision, error) {
	if r == nil || r.client == nil {
		return Decision{}, fmt.Errorf("redis store not configured")
	}
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	res, err := slidingWindow.Run(ctx, r.client, []string{key},
		nowMs, length.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("sliding window script: unexpected reply %v", res)
	}
	return Decision{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetIn:   time.Duration(res[2]) * time.Millisecond,
	}, nil
}
