// Package middleware provides Gin HTTP middleware for authentication, rate limiting,
// security headers, request IDs and HTTP metrics.
//
// router.go installs them in this order:
//
//	Recovery → RequestID → Metrics → Logger → CORS → Security → Handler
//	staff routes:   ... → Auth → RateLimit → Handler
//	login:          ... → LoginRateLimit → Handler
//	public display: ... → PublicSecurity → RateLimit → Handler
//
// Security headers run first so they appear on all responses including errors.
// Auth runs before the general limiter so staff are limited per user rather than
// per shared venue IP; login has its own IP limiter ahead of any password check.
package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/headcount/headcount/internal/auth"
	"github.com/headcount/headcount/internal/config"
	"github.com/headcount/headcount/internal/db/models"
)

// Context keys set by AuthMiddleware.
const (
	UserKey           = "user"
	UserIDKey         = "user_id"
	OrganizationIDKey = "organization_id"
	UsernameKey       = "username"
)

const defaultSessionCookie = "headcount_session"

// UserLookup loads the account behind a session token.
type UserLookup interface {
	GetUserByID(ctx context.Context, userID string) (*models.UserWithOrganization, error)
}

func sessionCookieName(cfg *config.Config) string {
	if cfg == nil || cfg.Auth.SessionCookieName == "" {
		return defaultSessionCookie
	}
	return cfg.Auth.SessionCookieName
}

// AuthMiddleware requires a valid session token from the session cookie or a Bearer
// header. The account must still exist and still belong to the organization the
// token was issued for.
func AuthMiddleware(cfg *config.Config, users UserLookup) gin.HandlerFunc {
	cookieName := sessionCookieName(cfg)
	return func(c *gin.Context) {
		token := auth.TokenFromRequest(c.Request, cookieName)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing session token",
			})
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired session",
			})
			return
		}

		user, err := users.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to load user",
			})
			return
		}
		if user == nil || user.OrganizationID != claims.OrganizationID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "User not found",
			})
			return
		}

		setIdentity(c, user)
		c.Next()
	}
}

func setIdentity(c *gin.Context, user *models.UserWithOrganization) {
	c.Set(UserKey, user)
	c.Set(UserIDKey, user.ID)
	c.Set(OrganizationIDKey, user.OrganizationID)
	c.Set(UsernameKey, user.Username)
}

// CurrentUser returns the account set by the auth middleware, or nil.
func CurrentUser(c *gin.Context) *models.UserWithOrganization {
	v, ok := c.Get(UserKey)
	if !ok {
		return nil
	}
	user, _ := v.(*models.UserWithOrganization)
	return user
}
