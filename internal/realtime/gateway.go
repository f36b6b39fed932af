package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/headcount/headcount/internal/auth"
	"github.com/headcount/headcount/internal/broadcast"
	"github.com/headcount/headcount/internal/config"
	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/db/models"
	"github.com/headcount/headcount/internal/registry"
	"github.com/headcount/headcount/internal/safego"
	"github.com/headcount/headcount/internal/statestore"
	"github.com/headcount/headcount/internal/telemetry"
)

var (
	// ErrUnauthenticated is returned when a request carries no valid session.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrGatewayStopped refuses upgrades that arrive after Stop.
	ErrGatewayStopped = errors.New("realtime gateway is shutting down")
)

// Identity is the authenticated principal of a connection.
type Identity struct {
	UserID         string
	OrganizationID string
	Username       string
}

// Authenticator resolves the identity behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// UserLookup loads the account behind a session token.
type UserLookup interface {
	GetUserByID(ctx context.Context, userID string) (*models.UserWithOrganization, error)
}

// SessionAuthenticator reads the session JWT from the session cookie or a bearer
// header. The token's user must still exist and belong to the token's
// organization. An organizationId query parameter, when present, must match that
// organization; the token is authoritative.
type SessionAuthenticator struct {
	CookieName string
	Users      UserLookup
}

func (a SessionAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token := auth.TokenFromRequest(r, a.CookieName)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims, err := auth.ValidateJWT(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if a.Users == nil {
		return Identity{}, fmt.Errorf("%w: no user lookup configured", ErrUnauthenticated)
	}
	user, err := a.Users.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		return Identity{}, fmt.Errorf("realtime: load user: %w", err)
	}
	if user == nil || user.OrganizationID != claims.OrganizationID {
		return Identity{}, fmt.Errorf("%w: user not found", ErrUnauthenticated)
	}
	if requested := r.URL.Query().Get("organizationId"); requested != "" && requested != claims.OrganizationID {
		return Identity{}, ErrOrganizationMismatch
	}
	return Identity{
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Username:       user.Username,
	}, nil
}

// Gateway admits websocket sessions. A connection only enters the registry after
// it has authenticated, been upgraded and been accepted under the organization's
// connection cap.
type Gateway struct {
	ctx         context.Context
	auth        Authenticator
	registry    *registry.Registry
	store       *statestore.Store
	broadcaster *broadcast.Coordinator
	processor   *Processor
	upgrader    websocket.Upgrader
	connOpts    ConnOptions
	maxPerOrg   int

	// mu guards stopped; inflight counts commands being applied.
	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

// GatewayOptions wires a Gateway. Context bounds every command the gateway's
// connections run; cancel it on shutdown.
type GatewayOptions struct {
	Context       context.Context
	Config        config.RealtimeConfig
	Authenticator Authenticator
	Registry      *registry.Registry
	Store         *statestore.Store
	Broadcaster   *broadcast.Coordinator
	Processor     *Processor
}

// NewGateway creates a Gateway.
func NewGateway(opts GatewayOptions) *Gateway {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Config
	return &Gateway{
		ctx:         ctx,
		auth:        opts.Authenticator,
		registry:    opts.Registry,
		store:       opts.Store,
		broadcaster: opts.Broadcaster,
		processor:   opts.Processor,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		connOpts: ConnOptions{
			SendBufferSize:  cfg.SendBufferSize,
			MaxMessageBytes: cfg.MaxMessageBytes,
			PingInterval:    cfg.PingInterval,
			PongTimeout:     cfg.PongTimeout,
			WriteTimeout:    cfg.WriteTimeout,
		},
		maxPerOrg: cfg.MaxConnectionsPerOrg,
	}
}

// Handler adapts the gateway to a gin route.
func (g *Gateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		g.ServeHTTP(c.Writer, c.Request)
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.isStopped() {
		g.refuse(w, http.StatusServiceUnavailable, "error", ErrGatewayStopped)
		return
	}
	ident, err := g.auth.Authenticate(r)
	if err != nil {
		status, outcome := http.StatusServiceUnavailable, "error"
		switch {
		case errors.Is(err, ErrOrganizationMismatch):
			status, outcome = http.StatusForbidden, "forbidden"
		case errors.Is(err, ErrUnauthenticated):
			status, outcome = http.StatusUnauthorized, "unauthorized"
		}
		g.refuse(w, status, outcome, err)
		return
	}
	orgID := ident.OrganizationID
	if err := counter.ValidateOrganizationID(orgID); err != nil {
		g.refuse(w, http.StatusForbidden, "forbidden", err)
		return
	}
	if g.maxPerOrg > 0 && g.registry.Count(orgID) >= g.maxPerOrg {
		g.refuse(w, http.StatusTooManyRequests, "rejected_limit",
			&registry.LimitError{OrganizationID: orgID, CurrentCount: g.registry.Count(orgID), MaxAllowed: g.maxPerOrg})
		return
	}
	// Load before upgrading so a persistence outage is reported as a plain HTTP error.
	if _, err := g.store.GetOrCreate(r.Context(), orgID); err != nil {
		g.refuse(w, http.StatusServiceUnavailable, "error", err)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		telemetry.ConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		slog.Debug("realtime: upgrade failed", "organization_id", orgID, "error", err)
		return
	}

	conn := newConn(ws, ident, g.connOpts)
	if err := g.registry.Register(conn); err != nil {
		outcome := "error"
		closeCode := websocket.CloseInternalServerErr
		if errors.Is(err, registry.ErrConnectionLimit) {
			outcome, closeCode = "rejected_limit", websocket.CloseTryAgainLater
		}
		telemetry.ConnectionsTotal.WithLabelValues(outcome).Inc()
		slog.Warn("realtime: connection not registered", "organization_id", orgID, "error", err)
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, err.Error()))
		_ = ws.Close()
		return
	}
	telemetry.ConnectionsTotal.WithLabelValues("accepted").Inc()
	slog.Info("realtime: connection opened",
		"connection_id", conn.ID(),
		"organization_id", orgID,
		"user_id", ident.UserID,
	)

	// Registered first, then read: any publish after this read carries a newer
	// version and reaches the connection either way.
	st, err := g.store.GetOrCreate(g.ctx, orgID)
	if err == nil {
		err = g.broadcaster.SendSnapshot(conn, st)
	}
	if err != nil {
		slog.Error("realtime: failed to send snapshot", "connection_id", conn.ID(), "organization_id", orgID, "error", err)
		g.registry.Unregister(conn.ID())
		conn.Close()
		safego.GoNamed("realtime-write", conn.writePump)
		return
	}

	safego.GoNamed("realtime-write", conn.writePump)
	safego.GoNamed("realtime-read", func() {
		defer func() {
			g.registry.Unregister(conn.ID())
			slog.Info("realtime: connection closed", "connection_id", conn.ID(), "organization_id", orgID)
		}()
		conn.readPump(func(raw []byte) {
			if !g.handleCommand(conn, raw) {
				_ = conn.Close()
			}
		})
	})
}

// handleCommand runs one inbound frame unless the gateway has stopped. It reports
// whether the frame was handed to the processor.
func (g *Gateway) handleCommand(conn *Conn, raw []byte) bool {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return false
	}
	g.inflight.Add(1)
	g.mu.Unlock()
	defer g.inflight.Done()

	_ = g.processor.Handle(g.ctx, conn, raw)
	return true
}

func (g *Gateway) isStopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// Stop refuses further upgrades and commands, closes every registered connection
// and waits for commands already being applied. Call it after the HTTP server has
// stopped accepting upgrades and before the state flusher stops, so the final
// flush sees every applied command. Clients reconnect to another instance and
// receive a fresh snapshot.
func (g *Gateway) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()

	closed := 0
	for _, orgID := range g.registry.Organizations() {
		for _, m := range g.registry.MembersOf(orgID) {
			_ = m.Close()
			closed++
		}
	}
	g.inflight.Wait()
	slog.Info("realtime: closed connections for shutdown", "count", closed)
}

func (g *Gateway) refuse(w http.ResponseWriter, status int, outcome string, err error) {
	telemetry.ConnectionsTotal.WithLabelValues(outcome).Inc()
	slog.Info("realtime: connection refused", "status", status, "reason", err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	msg := http.StatusText(status)
	switch {
	case errors.Is(err, ErrOrganizationMismatch):
		msg = ErrOrganizationMismatch.Error()
	case errors.Is(err, registry.ErrConnectionLimit):
		msg = registry.ErrConnectionLimit.Error()
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// originChecker returns nil (gorilla's same-host check) when no origins are
// configured; "*" admits any origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
