// Package broadcast fans organization state out to every connection of the
// organization.
package broadcast

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/registry"
	"github.com/headcount/headcount/internal/telemetry"
)

// MemberSource lists the current connections of an organization.
type MemberSource interface {
	MembersOf(orgID string) []registry.Member
}

// Coordinator publishes state snapshots. It keeps no state of its own.
type Coordinator struct {
	members MemberSource
}

// New creates a Coordinator reading recipients from members.
func New(members MemberSource) *Coordinator {
	return &Coordinator{members: members}
}

// Publish delivers st to every connection of orgID, the originating connection
// included. Delivery never blocks: a connection whose send buffer is full is
// closed and resyncs when it reconnects. It returns the number of connections
// the state was queued for.
//
// Callers must not hold the organization's state lock.
func (c *Coordinator) Publish(orgID string, st counter.State) int {
	msgs, err := counter.EncodeFrames(counter.StateFrames(st))
	if err != nil {
		slog.Error("broadcast: failed to encode state", "organization_id", orgID, "error", err)
		return 0
	}

	members := c.members.MembersOf(orgID)
	delivered := 0
	for _, m := range members {
		if deliver(m, st.Version, msgs) {
			delivered++
		}
	}

	telemetry.BroadcastsTotal.Inc()
	telemetry.BroadcastFanout.Observe(float64(delivered))
	slog.Debug("broadcast: published state",
		"organization_id", orgID,
		"version", st.Version,
		"recipients", len(members),
		"delivered", delivered,
	)
	return delivered
}

// SendSnapshot delivers st to a single connection, typically right after it joined.
func (c *Coordinator) SendSnapshot(m registry.Member, st counter.State) error {
	msgs, err := counter.EncodeFrames(counter.StateFrames(st))
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if !deliver(m, st.Version, msgs) {
		return fmt.Errorf("failed to deliver snapshot to connection %s", m.ID())
	}
	return nil
}

func deliver(m registry.Member, version uint64, msgs [][]byte) bool {
	err := m.Deliver(version, msgs)
	if err == nil {
		return true
	}

	reason := "closed"
	if errors.Is(err, registry.ErrSendBufferFull) {
		reason = "buffer_full"
	}
	telemetry.DeliveryFailuresTotal.WithLabelValues(reason).Inc()
	slog.Warn("broadcast: dropping connection after failed delivery",
		"connection_id", m.ID(),
		"organization_id", m.OrganizationID(),
		"reason", reason,
	)
	if reason == "buffer_full" {
		_ = m.Close()
	}
	return false
}
