package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// The first hit in a window sets the expiry; later hits only count.
var commandRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter is a fixed-window command limiter shared by every service instance.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewRedisRateLimiter allows limit hits per window for each subject. A non-positive
// limit disables limiting.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	keyPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if keyPrefix == "" {
		keyPrefix = "chama"
	}
	if window < time.Second {
		window = time.Second
	}
	return &RedisRateLimiter{
		client: client,
		prefix: keyPrefix + ":rate_limit",
		limit:  limit,
		window: window,
	}
}

// Allow counts one hit for subject in scope. When the hit is over the limit it returns
// false with the seconds left until the window resets.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string) (allowed bool, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return true, 0, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return true, 0, nil
	}

	windowMs := r.window.Milliseconds()
	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := commandRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return false, 0, err
	}

	count, ttlMs, err := parseLimiterReply(raw, windowMs)
	if err != nil {
		return false, 0, err
	}
	if count <= int64(r.limit) {
		return true, 0, nil
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}

func parseLimiterReply(raw interface{}, windowMs int64) (count int64, ttlMs int64, err error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok = values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok = values[1].(int64)
	if !ok {
		return count, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}
	return count, ttlMs, nil
}
