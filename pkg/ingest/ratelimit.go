package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

func nowUnixMicro() int64 { return time.Now().UnixMicro() }

// SourceLimiter throttles submissions per source key (tool name or
// tenant key). Implementations must be safe for concurrent use.
type SourceLimiter interface {
	Allow(ctx context.Context, sourceKey string) (bool, error)
}

// LocalLimiter is the default in-process token bucket, one bucket per
// source key.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// NewLocalLimiter creates a limiter allowing rps tokens per second with
// the given burst per source.
func NewLocalLimiter(rps float64, burst int) *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, sourceKey string) (bool, error) {
	l.mu.Lock()
	bucket, ok := l.buckets[sourceKey]
	if !ok {
		bucket = rate.NewLimiter(l.rps, l.burst)
		l.buckets[sourceKey] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow(), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis so
// multiple engine replicas share one bucket per source.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = current unix timestamp (seconds, fractional)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter is the Redis-backed token bucket.
type RedisLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewRedisLimiter connects to Redis at addr.
func NewRedisLimiter(addr, password string, db int, rps float64, burst int) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		rps:    rps,
		burst:  burst,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, sourceKey string) (bool, error) {
	key := "ingest_limiter:" + sourceKey
	now := float64(nowUnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key},
		l.rps, l.burst, fmt.Sprintf("%.6f", now)).Int64()
	if err != nil {
		// Fail open: a limiter outage must not block ingestion.
		return true, fmt.Errorf("ingest: redis limiter: %w", err)
	}
	return res == 1, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error { return l.client.Close() }
