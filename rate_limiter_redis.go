package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript admits a request while the window count is below ARGV[1].
// Denied requests leave the count alone, so it never exceeds the limit.
var allowScript = redis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if count >= tonumber(ARGV[1]) then
  return {0, count}
end
count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, count}
`)

// RedisLimiter is a fixed-window Limiter shared between processes. Windows
// are aligned to multiples of the policy window so every process agrees on
// the current one.
type RedisLimiter struct {
	client *redis.Client
	clock  Clock
	prefix string
}

// NewRedisLimiter returns a RedisLimiter that namespaces keys under prefix.
func NewRedisLimiter(client *redis.Client, clock Clock, prefix string) *RedisLimiter {
	if clock == nil {
		clock = SystemClock{}
	}
	if prefix == "" {
		prefix = "orchestrator:ratelimit:"
	}
	return &RedisLimiter{client: client, clock: clock, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, routeID string, policy RateLimitPolicy) (Decision, error) {
	if !policy.Enabled {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.clock.Now()
	windowStart := now.Truncate(policy.Window)
	key := fmt.Sprintf("%s%s:%d", l.prefix, routeID, windowStart.UnixMilli())

	res, err := allowScript.Run(ctx, l.client, []string{key}, policy.MaxRequests, (2 * policy.Window).Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %v", res)
	}

	count := int(res[1])
	if res[0] == 0 {
		return Decision{
			Allowed:    false,
			RetryAfter: windowStart.Add(policy.Window).Sub(now),
		}, nil
	}
	return Decision{Allowed: true, Remaining: policy.MaxRequests - count}, nil
}

func (l *RedisLimiter) Reset(ctx context.Context) error {
	iter := l.client.Scan(ctx, 0, l.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := l.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete rate limit key: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate rate limit keys: %w", err)
	}
	return nil
}

// Count returns the admitted count in the route's current window.
func (l *RedisLimiter) Count(ctx context.Context, routeID string, window time.Duration) (int64, error) {
	windowStart := l.clock.Now().Truncate(window)
	key := fmt.Sprintf("%s%s:%d", l.prefix, routeID, windowStart.UnixMilli())

	val, err := l.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get count: %w", err)
	}
	return val, nil
}
