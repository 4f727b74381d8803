package logging

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	headerRequestID = "X-Request-Id"
	// ContextRequestID is the gin context key holding the request id.
	ContextRequestID = "request_id"
)

// GinMiddleware logs each request with its request id, route, status and latency.
func GinMiddleware(logger *zap.Logger) gin.HandlerFunc {
	httpLogger := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ContextRequestID, requestID)
		c.Header(headerRequestID, requestID)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.Error(lastErr.Err))
		}
		switch {
		case route == "/metrics" || route == "/healthz":
			httpLogger.Debug("http_request", fields...)
		case status >= http.StatusInternalServerError:
			httpLogger.Error("http_request", fields...)
		default:
			httpLogger.Info("http_request", fields...)
		}
	}
}
