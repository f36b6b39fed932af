package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the HTTP header used to propagate the request identifier.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key under which the request ID is stored.
	RequestIDKey = "request_id"
)

// maxRequestIDLength bounds caller-supplied IDs so they cannot bloat log lines.
const maxRequestIDLength = 128

// RequestIDMiddleware ensures every request carries an X-Request-ID. An inbound
// header set by a load balancer is reused; otherwise a UUID v4 is generated. The ID
// is stored under RequestIDKey and echoed in the response so clients can correlate
// their request with server-side log entries.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
