package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// LogApi writes one structured access record per request
func LogApi(logger *slog.Logger) gin.HandlerFunc {
	logger = logger.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"client_ip", c.ClientIP(),
			"latency", time.Since(start),
			"proto", c.Request.Proto,
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			attrs = append(attrs, "error", msg)
		}

		switch {
		case c.Writer.Status() >= 500:
			logger.Error("HTTP request", attrs...)
		case c.Writer.Status() >= 400:
			logger.Warn("HTTP request", attrs...)
		default:
			logger.Info("HTTP request", attrs...)
		}
	}
}
