// Package ratelimit implements per-tenant request rate limiting using
// Redis sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

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

const keyPrefix = "ratelimit:key:rpm:"

// Observer counts limiter decisions for metrics.
type Observer interface {
	RecordRateLimit(result string)
}

// RPMLimiter enforces a per-system-key requests-per-minute ceiling with a
// Redis sliding window. A nil client disables the limiter entirely.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	obs      Observer
}

// NewRPMLimiter creates an RPMLimiter. rpmLimit ≤ 0 disables limiting.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int, obs Observer) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, obs: obs}
}

// Allow reports whether the request for the given system key is within its
// per-minute budget.
func (r *RPMLimiter) Allow(ctx context.Context, systemKeyID int64) (bool, error) {
	if r.rdb == nil || r.rpmLimit <= 0 {
		return true, nil
	}
	allowed, err := r.check(ctx, keyPrefix+strconv.FormatInt(systemKeyID, 10), r.rpmLimit)
	if r.obs != nil {
		if allowed {
			r.obs.RecordRateLimit("allowed")
		} else {
			r.obs.RecordRateLimit("limited")
		}
	}
	return allowed, err
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
