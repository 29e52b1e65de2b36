package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript bumps the per-key counter and stamps the window expiry
// on first use, returning the count and the remaining window in ms.
var windowScript = redis.NewScript(`
local used = redis.call("INCR", KEYS[1])
if used == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {used, redis.call("PTTL", KEYS[1])}
`)

// RedisLimiter shares counters across replicas. A redis outage routes
// admission through the in-process fallback so one dependency failure
// does not take the assistant endpoint down with it.
type RedisLimiter struct {
	Client   *redis.Client
	Span     time.Duration
	Prefix   string
	Fallback *MemoryLimiter
}

func NewRedis(client *redis.Client, span time.Duration) *RedisLimiter {
	if span <= 0 {
		span = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Span:     span,
		Prefix:   "ratelimit:",
		Fallback: NewMemory(span),
	}
}

func (l *RedisLimiter) degrade(key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(key, limit)
	}
	return decide(0, limit, time.Now().UTC().Add(l.Span))
}

func (l *RedisLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.degrade(key, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Span.Milliseconds()).Result()
	if err != nil {
		return l.degrade(key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.degrade(key, limit)
	}
	used, _ := vals[0].(int64)
	ttl, _ := vals[1].(int64)
	if ttl < 0 {
		ttl = l.Span.Milliseconds()
	}
	return decide(int(used), limit, time.Now().UTC().Add(time.Duration(ttl)*time.Millisecond))
}
