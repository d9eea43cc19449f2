// Package ratelimit implements the optional requests-per-minute limit, counted
// per app type. With Redis configured the limit is a sliding window shared by every
// process on the machine; otherwise an in-process token bucket is used.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request may proceed for key (the app
// type being served).
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "switchboard:rpm:"

// RPMLimiter checks a requests-per-minute limit using a Redis sliding window.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	now      func() time.Time
}

// NewRPMLimiter creates a new RPMLimiter with the given RPM limit.
// rpmLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, now: time.Now}
}

// Allow returns true if the current request is within the rate limit.
// Redis errors are returned alongside allowed=true so the caller can count
// them while still serving the request.
func (r *RPMLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + key},
		now, window, r.rpmLimit,
	).Int()
	if err != nil {
		// Redis unavailable: allow the request (graceful degradation).
		return true, err
	}
	return result == 1, nil
}

// LocalLimiter is an in-process token bucket per key refilling at
// rpmLimit per minute with a burst of rpmLimit.
type LocalLimiter struct {
	rpmLimit int
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	now      func() time.Time
}

// NewLocalLimiter returns a LocalLimiter. rpmLimit ≤ 0 blocks every request.
func NewLocalLimiter(rpmLimit int) *LocalLimiter {
	return &LocalLimiter{
		rpmLimit: rpmLimit,
		buckets:  make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.rpmLimit <= 0 {
		return false, nil
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.rpmLimit)), l.rpmLimit)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.AllowN(l.now(), 1), nil
}
