package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SlidingWindowLimiter counts requests per identifier over a rolling window
// using one Redis sorted set per identifier
type SlidingWindowLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewSlidingWindowLimiter allows limit requests per window
func NewSlidingWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{redis: client, prefix: prefix, limit: limit, window: window}
}

// Check records a request for identifier and reports whether it is within
// the limit, how many remain and when the window frees up
func (l *SlidingWindowLimiter) Check(ctx context.Context, identifier string) (bool, int, time.Time, error) {
	now := time.Now()
	key := l.prefix + identifier
	windowStart := now.Add(-l.window)

	if err := l.redis.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixMilli(), 10)).Err(); err != nil {
		return false, 0, time.Time{}, err
	}
	count, err := l.redis.ZCard(ctx, key).Result()
	if err != nil {
		return false, 0, time.Time{}, err
	}
	resetAt := now.Add(l.window)
	if count >= int64(l.limit) {
		return false, 0, resetAt, nil
	}

	pipe := l.redis.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: uuid.NewString()})
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, err
	}
	return true, max(l.limit-int(count)-1, 0), resetAt, nil
}

// RateLimit limits requests per client IP. A Redis failure lets the
// request through.
func RateLimit(limiter *SlidingWindowLimiter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		allowed, remaining, resetAt, err := limiter.Check(c.Request.Context(), identifier)
		if err != nil {
			logger.Warn("Rate limit check failed, allowing request",
				zap.String("identifier", identifier),
				zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": int64(time.Until(resetAt).Seconds()),
			})
			return
		}
		c.Next()
	}
}
