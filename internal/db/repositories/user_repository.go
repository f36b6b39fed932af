// Package repositories implements the data access layer for headcount. Each
// repository type encapsulates the queries for one table; handlers and the
// persistence backends never issue SQL directly.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/headcount/headcount/internal/db/models"
)

// UserRepository handles user database operations
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// CreateUser creates a new user. ID and timestamps are assigned here.
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	user.ID = uuid.New().String()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt

	query := `
		INSERT INTO users (id, username, password_hash, organization_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.OrganizationID,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByUsername retrieves a user and its venue name by login name. It returns
// nil, nil when no such user exists.
func (r *UserRepository) GetUserByUsername(ctx context.Context, username string) (*models.UserWithOrganization, error) {
	query := `
		SELECT u.id, u.username, u.password_hash, u.organization_id, u.created_at, u.updated_at,
		       o.venue_name
		FROM users u
		JOIN organizations o ON o.id = u.organization_id
		WHERE u.username = $1
	`
	return r.scanOne(ctx, query, username)
}

// GetUserByID retrieves a user and its venue name by ID. It returns nil, nil when
// no such user exists.
func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.UserWithOrganization, error) {
	query := `
		SELECT u.id, u.username, u.password_hash, u.organization_id, u.created_at, u.updated_at,
		       o.venue_name
		FROM users u
		JOIN organizations o ON o.id = u.organization_id
		WHERE u.id = $1
	`
	return r.scanOne(ctx, query, userID)
}

func (r *UserRepository) scanOne(ctx context.Context, query string, arg any) (*models.UserWithOrganization, error) {
	u := &models.UserWithOrganization{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID,
		&u.Username,
		&u.PasswordHash,
		&u.OrganizationID,
		&u.CreatedAt,
		&u.UpdatedAt,
		&u.VenueName,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// UpdatePassword replaces a user's password hash.
func (r *UserRepository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	query := `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("failed to update password: user %s not found", userID)
	}
	return nil
}
