package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Limiter decides whether one more request fits into the window for key
type Limiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type RateLimitMiddleware struct {
	limiter Limiter
	logger  *slog.Logger
}

// NewRateLimitMiddleware returns a middleware factory; a nil limiter lets
// every request through.
func NewRateLimitMiddleware(limiter Limiter, logger *slog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
	}
}

// RateLimitIP limits requests per client IP and endpoint
func (rm *RateLimitMiddleware) RateLimitIP(requests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rm.limiter == nil || requests <= 0 {
			c.Next()
			return
		}

		key := fmt.Sprintf("rate_limit_ip:%s:%s", c.ClientIP(), c.Request.URL.Path)

		allowed, err := rm.limiter.CheckRateLimit(c.Request.Context(), key, requests, window)
		if err != nil {
			// fail open: control must not depend on Redis being up
			rm.logger.Warn("Rate limit check failed", "key", key, "error", err)
			c.Next()
			return
		}

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": fmt.Sprintf("Too many requests. Limit: %d per %v", requests, window),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
