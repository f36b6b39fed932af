// Package db opens the PostgreSQL pool that backs accounts, organizations and
// persisted counter state, and applies the schema embedded under migrations/.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/headcount/headcount/internal/config"
)

//go:embed migrations/*.sql
var schema embed.FS

// ErrMigrationDirection is returned for a direction other than "up" or "down".
var ErrMigrationDirection = errors.New("migration direction must be up or down")

// idleConnTimeout drops pooled connections the flusher and the handlers have
// stopped using.
const idleConnTimeout = 5 * time.Minute

// Connect opens the pool described by cfg and pings it within ctx.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	pool, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxConnections)
	pool.SetMaxIdleConns(cfg.MinIdleConnections)
	pool.SetConnMaxIdleTime(idleConnTimeout)

	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("database %s:%d unreachable: %w", cfg.Host, cfg.Port, err)
	}
	return pool, nil
}

// NewSQLX wraps pool for the state repository, which scans into tagged structs.
func NewSQLX(pool *sql.DB) *sqlx.DB {
	return sqlx.NewDb(pool, "postgres")
}

// RunMigrations moves the schema all the way up or down. Being already at the
// target is not an error.
func RunMigrations(pool *sql.DB, direction string) error {
	var step func(*migrate.Migrate) error
	switch direction {
	case "up":
		step = (*migrate.Migrate).Up
	case "down":
		step = (*migrate.Migrate).Down
	default:
		return fmt.Errorf("%w: %q", ErrMigrationDirection, direction)
	}

	m, err := migrator(pool)
	if err != nil {
		return err
	}
	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}

// GetMigrationVersion reports the applied schema version. A database that has
// never been migrated reports version 0.
func GetMigrationVersion(pool *sql.DB) (version uint, dirty bool, err error) {
	m, err := migrator(pool)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}

func migrator(pool *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(schema, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load embedded schema: %w", err)
	}
	target, err := postgres.WithInstance(pool, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("open migration target: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", target)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}
