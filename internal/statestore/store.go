// Package statestore owns the authoritative counter state of every organization.
//
// Commands for one organization are applied one at a time under that
// organization's own mutex. The store-wide lock only protects the id to cell map
// and is never held while a command runs or while state is loaded, so
// organizations never wait on each other.
package statestore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/telemetry"
)

// Loader fetches previously persisted state. A nil state with a nil error means
// the organization has never been saved.
type Loader interface {
	Load(ctx context.Context, orgID string) (*counter.State, error)
}

// ChangeFunc is called after every state-changing command, outside the
// organization lock.
type ChangeFunc func(orgID string, s counter.State)

// Options configures a Store.
type Options struct {
	Loader   Loader
	OnChange ChangeFunc
	Now      func() time.Time
}

// Result is the outcome of Apply. State is always the organization's state after
// the command; Changed reports whether the command altered it.
type Result struct {
	State   counter.State
	Changed bool
}

type cell struct {
	mu       sync.Mutex
	loaded   bool
	evicted  bool
	state    counter.State
	lastUsed time.Time
}

// Store holds one cell per organization.
type Store struct {
	mu    sync.RWMutex
	cells map[string]*cell

	loader   Loader
	onChange ChangeFunc
	now      func() time.Time
}

// New creates an empty store.
func New(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		cells:    make(map[string]*cell),
		loader:   opts.Loader,
		onChange: opts.OnChange,
		now:      now,
	}
}

// cellFor returns the cell of orgID, inserting an empty one if needed.
func (s *Store) cellFor(orgID string) *cell {
	s.mu.RLock()
	c, ok := s.cells[orgID]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.cells[orgID]; ok {
		return c
	}
	c = &cell{}
	s.cells[orgID] = c
	telemetry.LiveOrganizations.Set(float64(len(s.cells)))
	return c
}

// lock returns orgID's cell locked and loaded. The caller must unlock it.
func (s *Store) lock(ctx context.Context, orgID string) (*cell, error) {
	if err := counter.ValidateOrganizationID(orgID); err != nil {
		return nil, err
	}
	for {
		c := s.cellFor(orgID)
		c.mu.Lock()
		if c.evicted {
			// Lost a race with the evictor; the map now holds a fresh cell or none.
			c.mu.Unlock()
			continue
		}
		if !c.loaded {
			st, err := s.load(ctx, orgID)
			if err != nil {
				c.mu.Unlock()
				return nil, err
			}
			c.state = st
			c.loaded = true
		}
		c.lastUsed = s.now()
		return c, nil
	}
}

func (s *Store) load(ctx context.Context, orgID string) (counter.State, error) {
	if s.loader == nil {
		return counter.DefaultState(), nil
	}
	stored, err := s.loader.Load(ctx, orgID)
	if err != nil {
		return counter.State{}, fmt.Errorf("failed to load state for organization %s: %w", orgID, err)
	}
	if stored == nil {
		return counter.DefaultState(), nil
	}
	slog.Debug("statestore: loaded persisted state", "organization_id", orgID, "version", stored.Version)
	return stored.Normalize(), nil
}

// GetOrCreate returns a copy of the organization's state, creating it from
// persistence or defaults on first reference.
func (s *Store) GetOrCreate(ctx context.Context, orgID string) (counter.State, error) {
	c, err := s.lock(ctx, orgID)
	if err != nil {
		return counter.State{}, err
	}
	defer c.mu.Unlock()
	return c.state.Clone(), nil
}

// Apply runs cmd against the organization's state. Invalid commands return an
// error wrapping counter.ErrInvalidCommandPayload and leave state untouched.
func (s *Store) Apply(ctx context.Context, orgID string, cmd counter.Command) (Result, error) {
	c, err := s.lock(ctx, orgID)
	if err != nil {
		return Result{}, err
	}

	next, changed, err := counter.Apply(c.state, cmd)
	if err != nil {
		c.mu.Unlock()
		return Result{}, err
	}
	if changed {
		next.UpdatedAt = s.now().UTC()
		c.state = next
	}
	out := c.state.Clone()
	c.mu.Unlock()

	if changed && s.onChange != nil {
		s.onChange(orgID, out.Clone())
	}
	return Result{State: out, Changed: changed}, nil
}

// Seed installs st for an organization that has not been loaded yet. It reports
// false and does nothing when the organization is already live.
func (s *Store) Seed(orgID string, st counter.State) (bool, error) {
	if err := counter.ValidateOrganizationID(orgID); err != nil {
		return false, err
	}
	c := s.cellFor(orgID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded || c.evicted {
		return false, nil
	}
	c.state = st.Normalize()
	c.loaded = true
	c.lastUsed = s.now()
	return true, nil
}

// Peek returns the state of a live organization without creating or loading it.
func (s *Store) Peek(orgID string) (counter.State, bool) {
	s.mu.RLock()
	c, ok := s.cells[orgID]
	s.mu.RUnlock()
	if !ok {
		return counter.State{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded || c.evicted {
		return counter.State{}, false
	}
	return c.state.Clone(), true
}

// Snapshot copies the state of every loaded organization. Each organization is
// locked individually, so the result is consistent per organization only.
func (s *Store) Snapshot() map[string]counter.State {
	s.mu.RLock()
	cells := make(map[string]*cell, len(s.cells))
	for id, c := range s.cells {
		cells[id] = c
	}
	s.mu.RUnlock()

	out := make(map[string]counter.State, len(cells))
	for id, c := range cells {
		c.mu.Lock()
		if c.loaded && !c.evicted {
			out[id] = c.state.Clone()
		}
		c.mu.Unlock()
	}
	return out
}

// Len returns the number of organizations held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cells)
}

// IdleSince lists organizations whose state was last read or written before cutoff,
// sorted.
func (s *Store) IdleSince(cutoff time.Time) []string {
	s.mu.RLock()
	cells := make(map[string]*cell, len(s.cells))
	for id, c := range s.cells {
		cells[id] = c
	}
	s.mu.RUnlock()

	var out []string
	for id, c := range cells {
		c.mu.Lock()
		if c.lastUsed.Before(cutoff) {
			out = append(out, id)
		}
		c.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// EvictFunc persists an organization's final state before it leaves memory.
type EvictFunc func(ctx context.Context, orgID string, st counter.State) error

// Evict removes an organization from memory. inUse is consulted under the
// organization lock; if it reports true, or the organization was used at or after
// cutoff, nothing happens. persist runs under the organization lock so no command
// can slip in between the final save and the removal. It reports whether the
// organization was evicted.
func (s *Store) Evict(ctx context.Context, orgID string, cutoff time.Time, inUse func(string) bool, persist EvictFunc) (bool, error) {
	s.mu.RLock()
	c, ok := s.cells[orgID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	c.mu.Lock()
	if c.evicted || !c.lastUsed.Before(cutoff) || (inUse != nil && inUse(orgID)) {
		c.mu.Unlock()
		return false, nil
	}
	if c.loaded && persist != nil {
		if err := persist(ctx, orgID, c.state.Clone()); err != nil {
			c.mu.Unlock()
			return false, fmt.Errorf("failed to persist organization %s before eviction: %w", orgID, err)
		}
	}
	c.evicted = true
	c.mu.Unlock()

	s.mu.Lock()
	if s.cells[orgID] == c {
		delete(s.cells, orgID)
	}
	telemetry.LiveOrganizations.Set(float64(len(s.cells)))
	s.mu.Unlock()
	return true, nil
}
