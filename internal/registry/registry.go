// Package registry tracks the live realtime connections of every organization.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/headcount/headcount/internal/telemetry"
)

// ErrDuplicateConnection is returned when a connection id is registered twice.
var ErrDuplicateConnection = errors.New("connection already registered")

// ErrConnectionLimit is matched by *LimitError via errors.Is.
var ErrConnectionLimit = errors.New("organization connection limit reached")

// Errors a Member returns from Deliver.
var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrMemberClosed   = errors.New("connection closed")
)

// LimitError reports that an organization is at its connection cap.
type LimitError struct {
	OrganizationID string
	CurrentCount   int
	MaxAllowed     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("organization %s has reached maximum connections (%d/%d)",
		e.OrganizationID, e.CurrentCount, e.MaxAllowed)
}

func (e *LimitError) Is(target error) bool { return target == ErrConnectionLimit }

// Member is a registered connection. Deliver hands an already encoded batch of
// frames to the connection's send buffer without blocking. A batch whose version
// is older than one the member already received is dropped silently. Deliver
// returns ErrSendBufferFull or ErrMemberClosed when the batch cannot be queued;
// Close tears the connection down.
type Member interface {
	ID() string
	OrganizationID() string
	Deliver(version uint64, msgs [][]byte) error
	Close() error
}

// Registry maps organizations to their connected members. It holds no counter
// state, only organization ids.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]Member
	byOrg     map[string]map[string]Member
	maxPerOrg int
}

// New creates an empty registry. maxPerOrg <= 0 disables the per-organization cap.
func New(maxPerOrg int) *Registry {
	return &Registry{
		byID:      make(map[string]Member),
		byOrg:     make(map[string]map[string]Member),
		maxPerOrg: maxPerOrg,
	}
}

// Register adds m under its organization.
func (r *Registry) Register(m Member) error {
	id, org := m.ID(), m.OrganizationID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, id)
	}
	members := r.byOrg[org]
	if r.maxPerOrg > 0 && len(members) >= r.maxPerOrg {
		return &LimitError{OrganizationID: org, CurrentCount: len(members), MaxAllowed: r.maxPerOrg}
	}
	if members == nil {
		members = make(map[string]Member)
		r.byOrg[org] = members
	}
	members[id] = m
	r.byID[id] = m

	telemetry.ActiveConnections.Inc()
	slog.Debug("registry: registered", "connection_id", id, "organization_id", org, "org_connections", len(members))
	return nil
}

// Unregister removes the connection. It reports whether anything was removed, so
// repeated disconnects for the same id are harmless.
func (r *Registry) Unregister(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[connectionID]
	if !ok {
		return false
	}
	delete(r.byID, connectionID)
	org := m.OrganizationID()
	if members := r.byOrg[org]; members != nil {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(r.byOrg, org)
		}
	}

	telemetry.ActiveConnections.Dec()
	slog.Debug("registry: unregistered", "connection_id", connectionID, "organization_id", org)
	return true
}

// MembersOf returns a copy of the organization's members at the time of the call.
// Callers iterate it without holding any registry lock.
func (r *Registry) MembersOf(orgID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byOrg[orgID]
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

// Count returns the number of connections of one organization.
func (r *Registry) Count(orgID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byOrg[orgID])
}

// Total returns the number of connections across all organizations.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Organizations returns the ids of organizations with at least one connection,
// sorted.
func (r *Registry) Organizations() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byOrg))
	for org := range r.byOrg {
		out = append(out, org)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}
