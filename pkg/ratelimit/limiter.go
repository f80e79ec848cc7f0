// Package ratelimit guards outbound provider calls against quota
// exhaustion. Gmail budgets quota units per user per second; scan batches
// and push deltas on the worker share that budget with the API process, so
// the window lives in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds quota guard settings.
type Config struct {
	// MaxConcurrent bounds in-flight provider calls per process.
	MaxConcurrent int
	// RequestsPerSecond is the per-key call budget.
	RequestsPerSecond int
	// BurstSize is extra headroom on top of the steady rate.
	BurstSize int
}

// DefaultConfig stays at half of Gmail's effective per-user ceiling
// (250 quota units/s, 5 units per message fetch) so labels, history and
// watch calls keep headroom.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:     50,
		RequestsPerSecond: 25,
		BurstSize:         10,
	}
}

// ProviderGuard combines a per-process concurrency semaphore with a
// Redis-backed sliding window per key (one key per account).
type ProviderGuard struct {
	semaphore chan struct{}
	limiter   *SlidingWindowLimiter
}

// NewProviderGuard builds a guard. redisClient may be nil, which degrades
// the window check to allow-all while the semaphore still applies.
func NewProviderGuard(redisClient *redis.Client, config *Config) *ProviderGuard {
	if config == nil {
		config = DefaultConfig()
	}
	return &ProviderGuard{
		semaphore: make(chan struct{}, config.MaxConcurrent),
		limiter:   NewSlidingWindowLimiter(redisClient, config.RequestsPerSecond, config.BurstSize),
	}
}

// Acquire blocks until key has quota or ctx expires. The returned release
// frees the concurrency slot and must be called once the provider call
// finishes. The slot is held while waiting out the window so blocked
// callers queue instead of hammering Redis.
func (g *ProviderGuard) Acquire(ctx context.Context, key string) (func(), error) {
	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	release := func() { <-g.semaphore }

	for {
		allowed, wait := g.limiter.Allow(ctx, key)
		if allowed {
			return release, nil
		}
		if wait <= 0 {
			wait = g.limiter.window
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			release()
			return nil, ctx.Err()
		}
	}
}

// =============================================================================
// SlidingWindowLimiter - Redis-backed sliding window
// =============================================================================

// SlidingWindowLimiter implements sliding window rate limiting using Redis.
type SlidingWindowLimiter struct {
	redis     *redis.Client
	rate      int           // requests per window
	window    time.Duration // window size
	burstSize int           // allowed burst
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(redisClient *redis.Client, requestsPerSecond, burstSize int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		redis:     redisClient,
		rate:      requestsPerSecond,
		window:    time.Second,
		burstSize: burstSize,
	}
}

// slidingWindowScript trims expired entries, counts the rest and either
// admits the call or returns the (negative) wait until the oldest entry
// leaves the window.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local max_requests = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local count = redis.call('ZCARD', key)

	if count < max_requests then
		redis.call('ZADD', key, now, now .. '-' .. math.random())
		redis.call('PEXPIRE', key, window_ms * 2)
		return 1
	else
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		if #oldest > 0 then
			return -(oldest[2] + window_ms - now)
		end
		return 0
	end
`)

// Allow checks if a request is allowed and returns the wait duration if
// not. Redis trouble fails open: a throttle must never take down fetching.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	if l.redis == nil {
		return true, 0
	}

	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := fmt.Sprintf("quota:%s", key)

	result, err := slidingWindowScript.Run(ctx, l.redis, []string{redisKey},
		now.UnixMilli(),
		windowStart.UnixMilli(),
		l.rate+l.burstSize,
		l.window.Milliseconds(),
	).Int64()
	if err != nil {
		return true, 0
	}

	if result == 1 {
		return true, 0
	}
	if result < 0 {
		return false, time.Duration(-result) * time.Millisecond
	}
	return false, l.window
}
