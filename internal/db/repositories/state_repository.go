// state_repository.go implements StateRepository, the write-behind store of
// organization counter state.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/headcount/headcount/internal/db/models"
)

// StateRepository handles database operations for organization_states
type StateRepository struct {
	db *sqlx.DB
}

// NewStateRepository creates a new state repository
func NewStateRepository(db *sqlx.DB) *StateRepository {
	return &StateRepository{db: db}
}

// GetState retrieves the stored state of an organization. It returns nil, nil when
// the organization has never been saved.
func (r *StateRepository) GetState(ctx context.Context, orgID string) (*models.OrganizationState, error) {
	var st models.OrganizationState
	query := `
		SELECT organization_id, member_count, non_member_count, visible, max_capacity,
		       line_length, version, updated_at
		FROM organization_states
		WHERE organization_id = $1`

	err := r.db.GetContext(ctx, &st, query, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization state: %w", err)
	}
	return &st, nil
}

// SaveState upserts an organization's state. A row with a newer version is left
// alone, so late or reordered writes cannot roll state back. It reports whether
// the row was written.
func (r *StateRepository) SaveState(ctx context.Context, st *models.OrganizationState) (bool, error) {
	query := `
		INSERT INTO organization_states (
			organization_id, member_count, non_member_count, visible, max_capacity,
			line_length, version, updated_at
		) VALUES (
			:organization_id, :member_count, :non_member_count, :visible, :max_capacity,
			:line_length, :version, :updated_at
		)
		ON CONFLICT (organization_id) DO UPDATE SET
			member_count = EXCLUDED.member_count,
			non_member_count = EXCLUDED.non_member_count,
			visible = EXCLUDED.visible,
			max_capacity = EXCLUDED.max_capacity,
			line_length = EXCLUDED.line_length,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE organization_states.version <= EXCLUDED.version`

	res, err := r.db.NamedExecContext(ctx, query, st)
	if err != nil {
		return false, fmt.Errorf("failed to save organization state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to save organization state: %w", err)
	}
	return n > 0, nil
}
