package persistence

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/db/models"
	"github.com/headcount/headcount/internal/db/repositories"
)

// Postgres stores state in the organization_states table.
type Postgres struct {
	repo *repositories.StateRepository
}

// NewPostgres creates a backend on an open database.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{repo: repositories.NewStateRepository(db)}
}

func (p *Postgres) Name() string { return "postgres" }

func (p *Postgres) Load(ctx context.Context, orgID string) (*counter.State, error) {
	row, err := p.repo.GetState(ctx, orgID)
	if err != nil || row == nil {
		return nil, err
	}
	st := stateFromRow(row)
	return &st, nil
}

func (p *Postgres) Save(ctx context.Context, orgID string, st counter.State) error {
	_, err := p.repo.SaveState(ctx, rowFromState(orgID, st))
	return err
}

// Close is a no-op; the database handle is owned by the caller.
func (p *Postgres) Close() error { return nil }

func stateFromRow(row *models.OrganizationState) counter.State {
	st := counter.State{
		MemberCount:    row.MemberCount,
		NonMemberCount: row.NonMemberCount,
		Visible:        row.Visible,
		LineLength:     counter.LineLength(row.LineLength),
		Version:        uint64(row.Version),
		UpdatedAt:      row.UpdatedAt,
	}
	if row.MaxCapacity != nil {
		capacity := *row.MaxCapacity
		st.MaxCapacity = &capacity
	}
	return st.Normalize()
}

func rowFromState(orgID string, st counter.State) *models.OrganizationState {
	st = st.Normalize()
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	return &models.OrganizationState{
		OrganizationID: orgID,
		MemberCount:    st.MemberCount,
		NonMemberCount: st.NonMemberCount,
		Visible:        st.Visible,
		MaxCapacity:    st.MaxCapacity,
		LineLength:     string(st.LineLength),
		Version:        int64(st.Version),
		UpdatedAt:      st.UpdatedAt,
	}
}
