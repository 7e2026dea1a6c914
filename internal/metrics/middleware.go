package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/cropio/usagegate/internal/logging"
)

// slowRequestThreshold is the duration past which a request is logged as a
// warning. Observability only; nothing is cancelled.
const slowRequestThreshold = 5 * time.Second

// Middleware records HTTP metrics for each request.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.IncHTTPRequestsInFlight()
		c.Next()
		m.DecHTTPRequestsInFlight()

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		m.RecordRequestLatency(endpoint, c.Request.Method, status, duration.Seconds())
		m.RecordHTTPRequest(endpoint, c.Request.Method, status)

		if duration > slowRequestThreshold {
			logger.WarnWithContext(c.Request.Context(), "slow request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"duration_seconds", duration.Seconds(),
			)
		}

		if len(c.Errors) > 0 {
			logger.ErrorWithContext(c.Request.Context(), "request error", "error", c.Errors.String())
		}
	}
}
