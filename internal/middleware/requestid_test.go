package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// serveWithRequestID runs one request through RequestIDMiddleware and returns the
// response header and the id the handler saw in the context.
func serveWithRequestID(inbound string) (header, inContext string) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/api/users/profile", func(c *gin.Context) {
		inContext = c.GetString(RequestIDKey)
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/users/profile", nil)
	if inbound != "" {
		req.Header.Set(RequestIDHeader, inbound)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Header().Get(RequestIDHeader), inContext
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		wantSame bool
	}{
		{"generated when absent", "", false},
		{"load balancer id reused", "lb-7f3a-0001", true},
		{"id at the length limit reused", strings.Repeat("a", maxRequestIDLength), true},
		{"oversized id replaced", strings.Repeat("x", maxRequestIDLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header, inContext := serveWithRequestID(tt.inbound)
			if header != inContext {
				t.Errorf("response id %q != context id %q", header, inContext)
			}
			if tt.wantSame {
				if header != tt.inbound {
					t.Errorf("id = %q, want inbound %q", header, tt.inbound)
				}
				return
			}
			if _, err := uuid.Parse(header); err != nil {
				t.Errorf("generated id %q is not a UUID: %v", header, err)
			}
		})
	}
}

func TestRequestIDMiddleware_UniquePerRequest(t *testing.T) {
	seen := make(map[string]bool)
	for i := range 20 {
		id, _ := serveWithRequestID("")
		if seen[id] {
			t.Fatalf("duplicate request id %q on request %d", id, i)
		}
		seen[id] = true
	}
}
