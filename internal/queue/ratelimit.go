package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter counts chat turns per user per clock hour.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

// Allow counts the request against the caller's hourly window. A non-positive
// limit disables limiting entirely.
func (r *RateLimiter) Allow(ctx context.Context, email string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if r.limit <= 0 {
		return true, 0, windowEnd, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("productchat:ratelimit:%s:%s", strings.ToLower(email), windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

// RequestDeduplicator suppresses replays of the same client request id,
// typically from a retried POST.
type RequestDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRequestDeduplicator(rdb *redis.Client, ttl time.Duration) *RequestDeduplicator {
	return &RequestDeduplicator{redis: rdb, ttl: ttl}
}

func (d *RequestDeduplicator) MarkFirst(ctx context.Context, requestID string) (bool, error) {
	key := fmt.Sprintf("productchat:request:%s", requestID)
	ok, err := d.redis.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
