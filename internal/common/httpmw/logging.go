package httpmw

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opencowork/opencowork/internal/common/logger"
)

// RequestLogger logs one line per request after the handler completes. Run
// and session ids are lifted off the route parameters so queue, callback and
// cancel traffic lines up with the service logs. Client errors log at warn,
// server errors at error, everything else at debug.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if size := c.Writer.Size(); size > 0 {
			fields = append(fields, zap.Int("bytes", size))
		}
		if id := c.Param("id"); id != "" {
			switch {
			case strings.Contains(path, "/runs/"):
				fields = append(fields, zap.String("run_id", id))
			case strings.Contains(path, "/sessions/"):
				fields = append(fields, zap.String("session_id", id))
			default:
				fields = append(fields, zap.String("resource_id", id))
			}
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			log.Error("http", fields...)
		case status >= 400:
			log.Warn("http", fields...)
		default:
			log.Debug("http", fields...)
		}
	}
}
