// Package middleware - security.go writes the fixed response headers of the
// headcount API. Staff routes and the websocket upgrade share one header set; the
// public display group loosens it so venue pages on other origins can read it.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityHeaders is the header set written on every response. Empty values are
// not sent and a zero HSTSMaxAge disables Strict-Transport-Security.
type SecurityHeaders struct {
	HSTSMaxAge            time.Duration
	FrameOptions          string
	ContentSecurityPolicy string
	ReferrerPolicy        string
	// ResourcePolicy is Cross-Origin-Resource-Policy. PublicSecurityHeaders
	// overrides it per route.
	ResourcePolicy string
}

// APISecurityHeadersConfig returns the headers for JSON and websocket routes.
// Nothing headcount serves is meant to be framed or to load subresources.
func APISecurityHeadersConfig() SecurityHeaders {
	return SecurityHeaders{
		HSTSMaxAge:            365 * 24 * time.Hour,
		FrameOptions:          "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
		ResourcePolicy:        "same-origin",
	}
}

// headerPair is one name/value pair, resolved once when the middleware is built.
type headerPair struct{ name, value string }

func (h SecurityHeaders) headers() []headerPair {
	out := []headerPair{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Permitted-Cross-Domain-Policies", "none"},
		{"Cross-Origin-Opener-Policy", "same-origin"},
	}
	if h.HSTSMaxAge > 0 {
		out = append(out, headerPair{"Strict-Transport-Security",
			"max-age=" + strconv.Itoa(int(h.HSTSMaxAge/time.Second)) + "; includeSubDomains"})
	}
	for _, opt := range []headerPair{
		{"X-Frame-Options", h.FrameOptions},
		{"Content-Security-Policy", h.ContentSecurityPolicy},
		{"Referrer-Policy", h.ReferrerPolicy},
		{"Cross-Origin-Resource-Policy", h.ResourcePolicy},
	} {
		if opt.value != "" {
			out = append(out, opt)
		}
	}
	return out
}

// SecurityHeadersMiddleware writes h before the handler runs, so aborted and
// failed requests carry the same headers.
func SecurityHeadersMiddleware(h SecurityHeaders) gin.HandlerFunc {
	set := h.headers()
	return func(c *gin.Context) {
		for _, hd := range set {
			c.Header(hd.name, hd.value)
		}
		c.Next()
	}
}

// PublicSecurityHeaders relaxes the API headers for the unauthenticated display
// endpoint, which venue pages on other origins fetch.
func PublicSecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cross-Origin-Resource-Policy", "cross-origin")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
