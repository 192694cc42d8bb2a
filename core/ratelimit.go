package core

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RateLimiter is the fixed-window dispatch limiter. One Redis counter exists
// per (identifier, window index); the first increment stamps a TTL of twice
// the window so stale counters clean themselves up.
//
// Redis failures fail open: a cache hiccup must not take request serving
// down with it.
type RateLimiter struct {
	redis  *RedisClient
	config RateLimitConfig
	logger Logger
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(redisClient *RedisClient, config RateLimitConfig, logger Logger) *RateLimiter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/ratelimit")
	}
	return &RateLimiter{
		redis:  redisClient,
		config: config,
		logger: logger,
	}
}

// Middleware returns the global middleware enforcing the limit. It runs
// first in the chain; actions with SkipRateLimit set pass through.
func (rl *RateLimiter) Middleware() *ActionMiddleware {
	return &ActionMiddleware{
		Name:     "rateLimit",
		Priority: 0,
		RunBefore: func(ctx context.Context, action *Action, params ActionParams, conn *Connection) (MiddlewareResult, error) {
			if action.SkipRateLimit {
				return Pass(), nil
			}
			if _, err := rl.Check(ctx, conn); err != nil {
				return Pass(), err
			}
			return Pass(), nil
		},
	}
}

// Check counts this dispatch against the connection's current window and
// attaches the resulting counters to the connection for the response
// headers. Exceeding the limit returns CONNECTION_RATE_LIMITED with
// RetryAfter set.
func (rl *RateLimiter) Check(ctx context.Context, conn *Connection) (RateLimitInfo, error) {
	nowMs := time.Now().UnixMilli()
	windowMs := int64(rl.config.WindowMs)
	window := nowMs / windowMs
	key := fmt.Sprintf("%s:%s:%d", rl.config.KeyPrefix, rl.identifier(conn), window)

	count, err := rl.redis.Incr(ctx, key)
	if err != nil {
		rl.logger.Error("Rate limit check failed, failing open", map[string]interface{}{
			"error": err.Error(),
			"key":   key,
		})
		return RateLimitInfo{}, nil
	}
	if count == 1 {
		ttl := time.Duration(2*windowMs) * time.Millisecond
		if err := rl.redis.Expire(ctx, key, ttl); err != nil {
			rl.logger.Error("Failed to expire rate limit counter", map[string]interface{}{
				"error": err.Error(),
				"key":   key,
			})
		}
	}

	limit := rl.config.UnauthenticatedLimit
	if conn.Authenticated() {
		limit = rl.config.AuthenticatedLimit
	}

	resetAt := (window + 1) * windowMs
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	info := RateLimitInfo{Limit: limit, Remaining: remaining, ResetAt: resetAt}
	conn.SetRateLimit(info)

	if int(count) > limit {
		retryAfter := int(math.Ceil(float64(resetAt-nowMs) / 1000.0))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return info, &TypedError{
			Kind:       KindConnectionRateLimited,
			Message:    "too many requests, retry later",
			RetryAfter: retryAfter,
		}
	}
	return info, nil
}

// identifier buckets authenticated traffic per user and anonymous traffic
// per peer address.
func (rl *RateLimiter) identifier(conn *Connection) string {
	if sess, loaded := conn.Session(); loaded {
		if uid, ok := sess.UserID(); ok {
			return fmt.Sprintf("user:%v", uid)
		}
	}
	return fmt.Sprintf("ip:%s", conn.Identifier)
}
