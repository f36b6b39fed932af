// Package persistence stores organization counter state outside the process so it
// survives restarts and idle eviction. Writes are driven by jobs.StateFlusher;
// reads happen once per organization when the state store first loads it.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/headcount/headcount/internal/config"
	"github.com/headcount/headcount/internal/counter"
)

// ErrUnknownBackend is returned by New for an unsupported persistence.backend.
var ErrUnknownBackend = errors.New("unknown persistence backend")

// Backend loads and saves organization state. Load returns nil, nil for an
// organization that was never saved. Save must ignore a state older than the one
// already stored.
type Backend interface {
	Name() string
	Load(ctx context.Context, orgID string) (*counter.State, error)
	Save(ctx context.Context, orgID string, st counter.State) error
	Close() error
}

// New builds the backend named by cfg.Persistence.Backend. db is required for
// "postgres" and rdb for "redis".
func New(cfg *config.Config, db *sqlx.DB, rdb *redis.Client) (Backend, error) {
	switch cfg.Persistence.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("postgres persistence requires a database connection")
		}
		return NewPostgres(db), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis persistence requires redis.enabled")
		}
		return NewRedis(rdb, cfg.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Persistence.Backend)
	}
}
