// Package logger carries HTTP request logging with masking for the values a
// payment service must never write to its logs.
package logger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-Id"

type MiddlewareConfig struct {
	// Logger defaults to the process-wide zap logger.
	Logger *zap.Logger
	// SkipPaths suppresses request logs for noisy endpoints (health, metrics).
	SkipPaths []string
}

// GinMiddleware assigns a request ID and emits one structured log line per
// request with sensitive headers masked.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.L()
	}
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skip[path] = struct{}{}
	}

	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		c.Next()

		if _, ok := skip[c.FullPath()]; ok {
			return
		}

		log.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.Any("headers", MaskHeaders(c.Request.Header)),
		)
	}
}
