package service

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	redisclient "github.com/openclaw/sandbox-controller-go/internal/redis"
)

// rateLimitScript is a Lua script for sliding window rate limiting
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

local resetAt = now + window
return {1, resetAt}
`)

// RateLimiter is a sliding window limiter shared across replicas through
// Redis. When Redis cannot be reached it falls back to a per-process token
// bucket rather than failing open or closed.
type RateLimiter struct {
	client   redis.Scripter
	fallback *LocalRateLimiter
}

func NewRateLimiter(client redis.Scripter) *RateLimiter {
	return &RateLimiter{
		client:   client,
		fallback: NewLocalRateLimiter(),
	}
}

// CheckLimit checks if a request is allowed under the rate limit
func (rl *RateLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	now := time.Now().Unix()

	result, err := rateLimitScript.Run(
		ctx,
		rl.client,
		[]string{redisclient.RateLimitKey(key)},
		now,
		int64(window.Seconds()),
		limit,
	).Int64Slice()

	if err != nil || len(result) != 2 {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("rate limit check failed, using local limiter")
		return rl.fallback.CheckLimit(ctx, key, limit, window)
	}

	return result[0] == 1, time.Unix(result[1], 0)
}

const localLimiterIdleTTL = 10 * time.Minute

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalRateLimiter is an in-process token bucket per key: limit tokens,
// refilled evenly over window.
type LocalRateLimiter struct {
	mu          sync.Mutex
	entries     map[string]*localEntry
	lastCleanup time.Time
}

func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{
		entries:     make(map[string]*localEntry),
		lastCleanup: time.Now(),
	}
}

func (l *LocalRateLimiter) CheckLimit(
	ctx context.Context,
	key string,
	limit int,
	window time.Duration,
) (allowed bool, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.cleanup(now)

	every := window / time.Duration(max(limit, 1))
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{limiter: rate.NewLimiter(rate.Every(every), limit)}
		l.entries[key] = e
	}
	e.lastSeen = now

	if e.limiter.AllowN(now, 1) {
		return true, now.Add(window)
	}

	r := e.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, now.Add(delay)
}

func (l *LocalRateLimiter) cleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < localLimiterIdleTTL {
		return
	}
	l.lastCleanup = now

	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > localLimiterIdleTTL {
			delete(l.entries, key)
		}
	}
}
