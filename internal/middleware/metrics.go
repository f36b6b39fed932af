package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/headcount/headcount/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds for
// every request.
//
// The path label is the matched route template from c.FullPath(). Unmatched requests
// use "<no-route>" so scanners probing random URLs do not inflate label cardinality.
// The WebSocket upgrade route is counted once at upgrade time; the connection's
// lifetime is not a request duration and is tracked by the realtime_* metrics instead.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
