// Package api wires together all HTTP routes for the headcount server.
//
// Route groups:
//   - /health, /ready and /version are unauthenticated probes.
//   - /api/users/login is public and rate limited per client IP; the rest of
//     /api/users requires a session.
//   - /api/public/... is the read-only display surface venues embed on their own
//     sites. It carries relaxed cross-origin headers and no session.
//   - The realtime path (default /socket) upgrades to a websocket. The gateway
//     authenticates the upgrade itself so that it can refuse before upgrading.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/headcount/headcount/internal/api/display"
	"github.com/headcount/headcount/internal/api/users"
	"github.com/headcount/headcount/internal/config"
	"github.com/headcount/headcount/internal/db/repositories"
	"github.com/headcount/headcount/internal/middleware"
	"github.com/headcount/headcount/internal/realtime"
	"github.com/headcount/headcount/internal/statestore"
	"github.com/headcount/headcount/internal/storage"
)

// Dependencies are the long-lived resources the routes serve from. Redis and
// Archive are optional.
type Dependencies struct {
	DB      *sql.DB
	Redis   *redis.Client
	Archive storage.Storage
	Store   *statestore.Store
	Gateway *realtime.Gateway
	Version string
}

// Stopper is a background service that BackgroundServices stops on shutdown.
type Stopper interface {
	Stop()
}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	mu       sync.Mutex
	services []Stopper
}

// Track adds s to the services stopped by Shutdown. Services are stopped in
// reverse order of tracking.
func (bg *BackgroundServices) Track(s Stopper) {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	bg.services = append(bg.services, s)
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	bg.mu.Lock()
	services := slices.Clone(bg.services)
	bg.services = nil
	bg.mu.Unlock()

	for _, s := range slices.Backward(services) {
		s.Stop()
	}
	slog.Info("all background services stopped")
}

// newLimiter returns the configured HTTP limiter. Redis-backed limits are shared
// between instances; the in-memory fallback is tracked so its sweeper is stopped.
func newLimiter(cfg *config.Config, deps Dependencies, rl middleware.RateLimitConfig, scope string, bg *BackgroundServices) middleware.Limiter {
	if deps.Redis != nil {
		return middleware.NewRedisRateLimiter(deps.Redis, rl, cfg.Redis.KeyPrefix).WithScope(scope)
	}
	l := middleware.NewRateLimiter(rl)
	bg.Track(l)
	return l
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	userRepo := repositories.NewUserRepository(deps.DB)
	orgRepo := repositories.NewOrganizationRepository(deps.DB)

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Redis, deps.Archive))
	router.GET("/version", versionHandler(deps.Version))

	if deps.Gateway != nil {
		path := cfg.Realtime.Path
		if path == "" {
			path = "/socket"
		}
		router.GET(path, deps.Gateway.Handler())
	}

	var general []gin.HandlerFunc
	if cfg.Security.RateLimiting.Enabled {
		l := newLimiter(cfg, deps, middleware.RateLimitConfigFrom(cfg.Security.RateLimiting), "", bg)
		general = append(general, middleware.RateLimitMiddleware(l))
	}
	loginLimiter := newLimiter(cfg, deps, middleware.LoginRateLimitConfig(), "login:", bg)

	userHandlers := users.NewHandlers(cfg, deps.DB)
	userGroup := router.Group("/api/users")
	{
		userGroup.POST("/login", middleware.RateLimitMiddleware(loginLimiter), userHandlers.LoginHandler())
		userGroup.POST("/logout", userHandlers.LogoutHandler())

		authed := userGroup.Group("")
		authed.Use(middleware.AuthMiddleware(cfg, userRepo))
		authed.Use(general...)
		authed.GET("/check-auth", userHandlers.CheckAuthHandler())
		authed.GET("/profile", userHandlers.ProfileHandler())
	}

	displayHandlers := display.NewHandlers(orgRepo, deps.Store)
	public := router.Group("/api/public")
	public.Use(middleware.PublicSecurityHeaders())
	public.Use(general...)
	{
		public.GET("/organizations/:organizationId/display", displayHandlers.DisplayHandler())
	}

	return router, bg
}

// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks Redis and the archive
// backend when they are configured.
func readinessHandler(db *sql.DB, rdb *redis.Client, archive storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		checks := gin.H{}
		notReady := func(component string) {
			checks[component] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  component + " not ready",
			})
		}

		if err := db.PingContext(ctx); err != nil {
			notReady("database")
			return
		}
		checks["database"] = "healthy"

		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				notReady("redis")
				return
			}
			checks["redis"] = "healthy"
		}

		// Probe with a known-absent key: Exists exercises credentials and network
		// without creating any state.
		if archive != nil {
			if _, err := archive.Exists(ctx, ".readiness-probe"); err != nil {
				notReady("archive")
				return
			}
			checks["archive"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the server version
func versionHandler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":  version,
			"protocol": "v1",
		})
	}
}

// LoggerMiddleware logs one structured record per request. The format (json or
// text) follows the default slog handler installed by telemetry.SetupLogger.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		requestID := c.GetString(middleware.RequestIDKey)
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", requestID),
			slog.String("user_agent", c.Request.UserAgent()),
		}
		if orgID := c.GetString(middleware.OrganizationIDKey); orgID != "" {
			attrs = append(attrs, slog.String("organization_id", orgID))
		}

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := "GET, POST, OPTIONS"
	if len(cfg.Security.CORS.AllowedMethods) > 0 {
		methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
