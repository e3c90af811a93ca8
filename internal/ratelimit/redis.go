package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowLua implements the same fixed-window semantics as MemoryLimiter
// atomically: create/replace the window when now has crossed its reset
// time, otherwise increment if under limit.
const fixedWindowLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window_ms = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "count", "reset")
local count = tonumber(data[1])
local reset = tonumber(data[2])

if reset == nil or now_ms >= reset then
  count = 0
  reset = now_ms + window_ms
end

local allowed = 0
if count < limit then
  allowed = 1
  count = count + 1
end

redis.call("HMSET", key, "count", count, "reset", reset)
redis.call("PEXPIRE", key, window_ms + 1000)
return {allowed, count, reset}
`

type RedisLimiter struct {
	rdb *redis.Client
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

func (r *RedisLimiter) Check(ctx context.Context, key string, limit int, windowMS int64) (Decision, error) {
	now := time.Now().UnixMilli()
	res, err := r.rdb.Eval(ctx, fixedWindowLua, []string{key}, now, limit, windowMS).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return Decision{}, redis.Nil
	}
	allowed := toInt(arr[0]) == 1
	count := int(toInt(arr[1]))
	resetMS := toInt(arr[2])
	resetTime := time.UnixMilli(resetMS)

	dec := Decision{Allowed: allowed, TotalHits: count, ResetTime: resetTime}
	if allowed {
		dec.Remaining = limit - count
		if dec.Remaining < 0 {
			dec.Remaining = 0
		}
	} else {
		dec.Remaining = 0
		retryMS := resetMS - now
		dec.RetryAfterSeconds = int((retryMS + 999) / 1000)
		if dec.RetryAfterSeconds < 0 {
			dec.RetryAfterSeconds = 0
		}
	}
	return dec, nil
}

func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *RedisLimiter) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Del(ctx, key).Result()
	return n > 0, err
}

func (r *RedisLimiter) Close() error { return r.rdb.Close() }

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
