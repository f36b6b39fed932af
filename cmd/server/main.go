// Package main is the entry point for the headcount server binary.
// It dispatches the serve, migrate, create-user and version subcommands via a
// switch on os.Args so the whole CLI surface is readable in one place. serve runs
// migrations on startup so a fresh container never needs a separate step.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- served only on the internal profiling port, never on the API listener.
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/headcount/headcount/internal/api"
	"github.com/headcount/headcount/internal/auth"
	"github.com/headcount/headcount/internal/broadcast"
	"github.com/headcount/headcount/internal/config"
	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/db"
	"github.com/headcount/headcount/internal/db/models"
	"github.com/headcount/headcount/internal/db/repositories"
	"github.com/headcount/headcount/internal/jobs"
	"github.com/headcount/headcount/internal/persistence"
	"github.com/headcount/headcount/internal/realtime"
	"github.com/headcount/headcount/internal/registry"
	"github.com/headcount/headcount/internal/safego"
	"github.com/headcount/headcount/internal/statestore"
	"github.com/headcount/headcount/internal/storage"
	_ "github.com/headcount/headcount/internal/storage/azure"
	_ "github.com/headcount/headcount/internal/storage/gcs"
	_ "github.com/headcount/headcount/internal/storage/local"
	_ "github.com/headcount/headcount/internal/storage/s3"
	"github.com/headcount/headcount/internal/telemetry"
)

const (
	version = "0.1.0"

	// createUserPasswordEnv lets create-user run non-interactively.
	createUserPasswordEnv = "HC_CREATE_USER_PASSWORD"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("headcount v%s\n", version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, source, err := config.LoadWithSource(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg, source)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "create-user":
		return createUser(cfg, os.Args[2:], os.Stdin)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, create-user, version", command)
	}
}

func serve(cfg *config.Config, configSource string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	database, err := db.Connect(startCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port, "name", cfg.Database.Name)

	telemetry.StartDBStatsCollector(database)

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = db.ConnectRedis(startCtx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()
		slog.Info("connected to redis", "address", cfg.Redis.Address)
	}

	backend, err := persistence.New(cfg, db.NewSQLX(database), rdb)
	if err != nil {
		return fmt.Errorf("failed to create persistence backend: %w", err)
	}
	defer backend.Close()
	slog.Info("persistence backend ready", "backend", backend.Name())

	// runCtx bounds background jobs and every command run by realtime connections.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	flusher := jobs.NewStateFlusher(backend, cfg.Persistence.FlushInterval, cfg.Persistence.FlushTimeout)
	store := statestore.New(statestore.Options{
		Loader:   backend,
		OnChange: flusher.MarkDirty,
	})

	reg := registry.New(cfg.Realtime.MaxConnectionsPerOrg)
	coordinator := broadcast.New(reg)

	processor := realtime.NewProcessor(store, coordinator, newCommandLimiter(cfg, rdb))

	gateway := realtime.NewGateway(realtime.GatewayOptions{
		Context: runCtx,
		Config:  cfg.Realtime,
		Authenticator: realtime.SessionAuthenticator{
			CookieName: cfg.Auth.SessionCookieName,
			Users:      repositories.NewUserRepository(database),
		},
		Registry:    reg,
		Store:       store,
		Broadcaster: coordinator,
		Processor:   processor,
	})

	evictor := jobs.NewIdleEvictor(store,
		func(orgID string) bool { return reg.Count(orgID) > 0 },
		backend,
		cfg.Realtime.IdleEvictionAfter,
		cfg.Realtime.EvictionInterval)

	var (
		archive  storage.Storage
		archiver *jobs.SnapshotArchiver
	)
	if cfg.Archive.Enabled {
		archive, err = storage.NewStorage(cfg)
		if err != nil {
			return fmt.Errorf("failed to create archive storage: %w", err)
		}
		if err := storage.Prepare(startCtx, archive); err != nil {
			return fmt.Errorf("failed to prepare archive storage: %w", err)
		}
		archiver = jobs.NewSnapshotArchiver(store, archive, &cfg.Archive)
		if cfg.Archive.RestoreOnStart {
			if _, err := archiver.RestoreLatest(startCtx); err != nil {
				slog.Warn("snapshot restore failed, starting empty", "error", err)
			}
		}
		slog.Info("snapshot archive enabled", "backend", cfg.Archive.Backend, "interval", cfg.Archive.Interval)
	}

	// Metrics live on a dedicated port so the scrape path stays off the public ingress.
	var sideServers []*http.Server
	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		sideServers = append(sideServers, startSideServer("metrics", &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}))
	}
	if cfg.Telemetry.Profiling.Enabled {
		sideServers = append(sideServers, startSideServer("pprof", &http.Server{ //nolint:gosec // #nosec G112 -- internal-only pprof port
			Addr:         fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port),
			Handler:      http.DefaultServeMux, // #nosec G108 -- pprof-only internal port
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}))
	}

	router, bgServices := api.NewRouter(cfg, api.Dependencies{
		DB:      database,
		Redis:   rdb,
		Archive: archive,
		Store:   store,
		Gateway: gateway,
		Version: version,
	})

	// Stopped in reverse: connections close first, the flusher writes last.
	bgServices.Track(flusher)
	bgServices.Track(evictor)
	if archiver != nil {
		bgServices.Track(archiver)
	}
	bgServices.Track(gateway)

	safego.GoNamed("state-flusher", func() { flusher.Start(runCtx) })
	safego.GoNamed("idle-evictor", func() { evictor.Start(runCtx) })
	if archiver != nil {
		safego.GoNamed("snapshot-archiver", func() { archiver.Start(runCtx) })
	}

	if configSource != "" && cfg.Logging.HotReload {
		watcher, err := config.NewWatcher(configSource, func(next *config.Config) {
			if telemetry.SetLogLevel(next.Logging.Level) {
				slog.Info("log level changed", "level", next.Logging.Level)
			}
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
			slog.Info("watching config file", "path", configSource)
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.Server.BaseURL,
			"realtime_path", cfg.Realtime.Path,
			"persistence", backend.Name(),
			"tls", cfg.Security.TLS.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		bgServices.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; the gateway
	// closes them when background services stop.
	shutdownErr := server.Shutdown(ctx)
	for _, s := range sideServers {
		_ = s.Shutdown(ctx)
	}

	// The gateway stops first and drains in-flight commands, so the flusher's
	// final write covers them. runCtx is cancelled only after that.
	bgServices.Shutdown()
	cancelRun()

	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}
	slog.Info("server stopped gracefully")
	return nil
}

// newCommandLimiter returns the shared per-connection command limiter, or nil
// (no limit) when command rate limiting is off or Redis is not configured.
func newCommandLimiter(cfg *config.Config, rdb *redis.Client) realtime.CommandLimiter {
	rl := cfg.Security.CommandRateLimiting
	if !rl.Enabled || rdb == nil {
		return nil
	}
	return realtime.NewRedisLimiter(rdb, rl.PerSecond, rl.Burst, cfg.Redis.KeyPrefix)
}

// startSideServer runs srv in the background and returns it for shutdown.
func startSideServer(name string, srv *http.Server) *http.Server {
	safego.GoNamed(name+"-server", func() {
		slog.Info("starting "+name+" server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(name+" server error", "error", err)
		}
	})
	return srv
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(context.Background(), cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction) // #nosec G706 -- operator-supplied CLI argument

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", v, dirty)
	return nil
}

// createUser provisions an organization (if needed) and a staff login for it.
// The password is read from HC_CREATE_USER_PASSWORD or, failing that, the first
// line of stdin.
func createUser(cfg *config.Config, args []string, stdin io.Reader) error {
	fs := flag.NewFlagSet("create-user", flag.ContinueOnError)
	orgID := fs.String("org", "", "organization id (required)")
	venue := fs.String("venue", "", "venue name shown to staff")
	username := fs.String("username", "", "login name (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *orgID == "" || *username == "" {
		fs.Usage()
		return fmt.Errorf("-org and -username are required")
	}
	if err := counter.ValidateOrganizationID(*orgID); err != nil {
		return err
	}

	password := os.Getenv(createUserPasswordEnv)
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}

	hash, err := auth.HashPassword(password, cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	venueName := *venue
	if venueName == "" {
		venueName = *orgID
	}
	org := &models.Organization{ID: *orgID, VenueName: venueName}
	if err := repositories.NewOrganizationRepository(database).EnsureOrganization(ctx, org); err != nil {
		return err
	}

	user := &models.User{
		Username:       *username,
		PasswordHash:   hash,
		OrganizationID: org.ID,
	}
	if err := repositories.NewUserRepository(database).CreateUser(ctx, user); err != nil {
		return err
	}

	log.Printf("Created user %s (%s) for organization %s", user.Username, user.ID, org.ID)
	return nil
}
