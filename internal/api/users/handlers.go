// Package users implements the staff session endpoints: password login, session
// check, profile and logout. Sessions are JWTs carried in an HttpOnly cookie; the
// same token is returned in the login body for clients that prefer a bearer header.
package users

import (
	"database/sql"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/headcount/headcount/internal/auth"
	"github.com/headcount/headcount/internal/config"
	"github.com/headcount/headcount/internal/db/repositories"
	"github.com/headcount/headcount/internal/middleware"
)

// dummyHash is compared against when the username is unknown so that a missing
// account costs the same bcrypt work as a wrong password.
var dummyHash = sync.OnceValue(func() string {
	hash, _ := auth.HashPassword("headcount-unknown-user", 0)
	return hash
})

// Handlers serves the /api/users routes.
type Handlers struct {
	cfg      *config.Config
	userRepo *repositories.UserRepository
}

// NewHandlers creates a new Handlers instance
func NewHandlers(cfg *config.Config, db *sql.DB) *Handlers {
	return &Handlers{
		cfg:      cfg,
		userRepo: repositories.NewUserRepository(db),
	}
}

// LoginRequest is the body of POST /api/users/login.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handlers) sessionTTL() time.Duration {
	if h.cfg.Auth.SessionTTL > 0 {
		return h.cfg.Auth.SessionTTL
	}
	return 12 * time.Hour
}

func (h *Handlers) cookieName() string {
	if h.cfg.Auth.SessionCookieName != "" {
		return h.cfg.Auth.SessionCookieName
	}
	return "headcount_session"
}

func (h *Handlers) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName(), value, maxAge, "/", h.cfg.Auth.CookieDomain, h.cfg.Auth.CookieSecure, true)
}

// LoginHandler checks a username and password and opens a session.
// POST /api/users/login
func (h *Handlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "username and password are required",
			})
			return
		}
		username := strings.TrimSpace(req.Username)

		user, err := h.userRepo.GetUserByUsername(c.Request.Context(), username)
		if err != nil {
			slog.Error("login: failed to look up user", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to log in",
			})
			return
		}

		hash := dummyHash()
		if user != nil {
			hash = user.PasswordHash
		}
		if err := auth.CheckPassword(hash, req.Password); err != nil || user == nil {
			slog.Info("login rejected", "username", username, "ip", c.ClientIP())
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid username or password",
			})
			return
		}

		ttl := h.sessionTTL()
		token, err := auth.GenerateJWT(user.ID, user.OrganizationID, user.Username, ttl)
		if err != nil {
			slog.Error("login: failed to issue session token", "user_id", user.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to log in",
			})
			return
		}

		h.setSessionCookie(c, token, int(ttl.Seconds()))
		slog.Info("user logged in", "user_id", user.ID, "organization_id", user.OrganizationID)
		c.JSON(http.StatusOK, gin.H{
			"organization_id": user.OrganizationID,
			"venueName":       user.VenueName,
			"token":           token,
			"expires_in":      int(ttl.Seconds()),
		})
	}
}

// CheckAuthHandler reports whether the request carries a live session. It sits
// behind AuthMiddleware, so reaching it means yes.
// GET /api/users/check-auth
func (h *Handlers) CheckAuthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"authenticated": true,
		})
	}
}

// ProfileHandler returns the organization bound to the session.
// GET /api/users/profile
func (h *Handlers) ProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "User not authenticated",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"organization_id": user.OrganizationID,
			"venueName":       user.VenueName,
			"username":        user.Username,
		})
	}
}

// LogoutHandler clears the session cookie. Tokens are stateless, so a bearer copy
// stays valid until it expires.
// POST /api/users/logout
func (h *Handlers) LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.setSessionCookie(c, "", -1)
		c.JSON(http.StatusOK, gin.H{
			"message": "Logged out",
		})
	}
}
