package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a per-subscription sliding window limiter over a Redis
// sorted set. A Lua script trims, counts and admits atomically.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
	window      time.Duration
}

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('EXPIRE', key, math.floor(window / 1000) + 1)
    return 1
end
return 0
`)

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithWindow sets the sliding window span. The default is one second.
func WithWindow(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		if d >= time.Millisecond {
			rl.window = d
		}
	}
}

func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      slidingWindowScript,
		window:      time.Second,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

func rlKey(subscriptionID string) string {
	return fmt.Sprintf("webhooks:rl:%s", subscriptionID)
}

// Window is the span over which limit requests are admitted.
func (rl *RateLimiter) Window() time.Duration {
	return rl.window
}

// Allow reports whether one more request to the subscription fits in the
// window. A non-positive limit disables limiting. Redis errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, subscriptionID string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := time.Now().UnixMilli()
	result, err := rl.script.Run(ctx, rl.redisClient, []string{rlKey(subscriptionID)},
		now, rl.window.Milliseconds(), limit, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "subscription_id", subscriptionID)
		return true
	}

	if result == 0 {
		rl.logger.Debug("rate limited", "subscription_id", subscriptionID, "limit", limit)
		return false
	}
	return true
}
