package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/keyforge/keyforge/internal/cache"
	"github.com/keyforge/keyforge/internal/config"
	"github.com/keyforge/keyforge/internal/logging"
	"github.com/keyforge/keyforge/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Limiter implements per-identifier token bucket rate limiting backed by
// Redis. The bucket state is shared across all process instances; the
// read-modify-write of a bucket happens inside one Lua script, so two
// concurrent requests can never both consume the same token.
type Limiter struct {
	redis   *cache.Redis
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// Result contains the outcome of a rate limit check
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int64
	ResetAt   time.Time
}

// Lua script for an atomic token bucket check-and-consume.
// Refill is continuous: elapsed time since last_refill earns
// limit/window tokens per second, capped at limit. A rejected request does
// not touch last_refill, so accumulated partial refill is never lost.
// Returns {allowed, remaining, last_refill_ms}.
const luaTokenBucket = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if not tokens or not last_refill then
    redis.call('HSET', key, 'tokens', limit - 1, 'last_refill', now_ms)
    redis.call('PEXPIRE', key, ttl_ms)
    return {1, limit - 1, now_ms}
end

local rate = limit / window_ms
local elapsed = now_ms - last_refill
if elapsed < 0 then
    elapsed = 0
end
local refilled = tokens + elapsed * rate
if refilled > limit then
    refilled = limit
end

if refilled >= 1 then
    redis.call('HSET', key, 'tokens', refilled - 1, 'last_refill', now_ms)
    redis.call('PEXPIRE', key, ttl_ms)
    return {1, math.floor(refilled - 1), now_ms}
end

redis.call('PEXPIRE', key, ttl_ms)
return {0, 0, last_refill}
`

// NewLimiter creates a Redis-backed token bucket limiter. The circuit
// breaker keeps a dead Redis from adding per-request timeouts: once open,
// checks fail open immediately.
func NewLimiter(redis *cache.Redis) *Limiter {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ratelimit-redis",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Rate limit store breaker state change")
		},
	})

	return &Limiter{
		redis:   redis,
		breaker: breaker,
		logger:  logging.NewLogger("ratelimit"),
	}
}

// Check consumes one token from the bucket for (class, identifier) if one is
// available. If the backing store is unreachable the request is admitted:
// availability wins over strict enforcement during a partial outage.
func (l *Limiter) Check(ctx context.Context, class, identifier string, cfg config.ClassLimit) *Result {
	now := time.Now()
	window := time.Duration(cfg.WindowSeconds) * time.Second
	key := bucketKey(class, identifier)

	raw, err := l.breaker.Execute(func() (any, error) {
		return l.redis.Client.Eval(ctx, luaTokenBucket,
			[]string{key},
			cfg.Limit,
			window.Milliseconds(),
			now.UnixMilli(),
			(2 * window).Milliseconds(),
		).Int64Slice()
	})
	if err != nil {
		l.logger.Error().Err(err).
			Str("class", class).
			Str("identifier", identifier).
			Msg("Rate limit store unavailable, failing open")
		monitoring.RecordRateLimitStoreError()
		return &Result{
			Allowed:   true,
			Limit:     cfg.Limit,
			Remaining: int64(cfg.Limit),
			ResetAt:   now.Add(window),
		}
	}

	values, ok := raw.([]int64)
	if !ok || len(values) != 3 {
		l.logger.Error().
			Str("class", class).
			Msg("Unexpected rate limit script result, failing open")
		monitoring.RecordRateLimitStoreError()
		return &Result{
			Allowed:   true,
			Limit:     cfg.Limit,
			Remaining: int64(cfg.Limit),
			ResetAt:   now.Add(window),
		}
	}

	allowed := values[0] == 1
	lastRefill := time.UnixMilli(values[2])

	result := &Result{
		Allowed:   allowed,
		Limit:     cfg.Limit,
		Remaining: values[1],
		// Approximation of full replenishment, good enough as a client
		// backoff hint.
		ResetAt: lastRefill.Add(window),
	}

	if !allowed {
		monitoring.RecordRateLimitDenied(class)
	}
	return result
}

// Reset deletes the bucket for (class, identifier), immediately restoring the
// full token budget. Administrative override.
func (l *Limiter) Reset(ctx context.Context, class, identifier string) error {
	if err := l.redis.Client.Del(ctx, bucketKey(class, identifier)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

func bucketKey(class, identifier string) string {
	return fmt.Sprintf("ratelimit:bucket:%s:%s", class, identifier)
}
