package broadcast

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/registry"
)

type recordingMember struct {
	id, org string
	full    bool

	mu       sync.Mutex
	batches  [][][]byte
	versions []uint64
	closed   bool
}

func (m *recordingMember) ID() string             { return m.id }
func (m *recordingMember) OrganizationID() string { return m.org }

func (m *recordingMember) Deliver(version uint64, msgs [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return registry.ErrMemberClosed
	}
	if m.full {
		return registry.ErrSendBufferFull
	}
	m.batches = append(m.batches, msgs)
	m.versions = append(m.versions, version)
	return nil
}

func (m *recordingMember) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func events(t *testing.T, batch [][]byte) []string {
	t.Helper()
	out := make([]string, 0, len(batch))
	for _, raw := range batch {
		var f struct {
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f.Event)
	}
	return out
}

func newRegistry(t *testing.T, members ...*recordingMember) *registry.Registry {
	t.Helper()
	r := registry.New(0)
	for _, m := range members {
		require.NoError(t, r.Register(m))
	}
	return r
}

func TestPublish_ReachesEveryMemberOfOrganization(t *testing.T) {
	a := &recordingMember{id: "a", org: "42"}
	b := &recordingMember{id: "b", org: "42"}
	other := &recordingMember{id: "c", org: "7"}
	c := New(newRegistry(t, a, b, other))

	st := counter.DefaultState()
	st.MemberCount, st.NonMemberCount, st.Version = 6, 2, 3
	n := c.Publish("42", st)

	assert.Equal(t, 2, n)
	for _, m := range []*recordingMember{a, b} {
		require.Len(t, m.batches, 1)
		assert.Equal(t, []string{
			counter.EventUpdateCounter,
			counter.EventUpdateVisibility,
			counter.EventUpdateLineLength,
			counter.EventUpdateMaxCapacity,
		}, events(t, m.batches[0]))
		assert.JSONEq(t, `{"event":"updateCounter","data":{"memberCount":6,"nonMemberCount":2}}`, string(m.batches[0][0]))
		assert.Equal(t, []uint64{3}, m.versions)
	}
	assert.Empty(t, other.batches, "other organization must not receive the publish")
}

func TestPublish_SlowMemberIsClosedOthersStillServed(t *testing.T) {
	slow := &recordingMember{id: "slow", org: "42", full: true}
	fast := &recordingMember{id: "fast", org: "42"}
	c := New(newRegistry(t, slow, fast))

	n := c.Publish("42", counter.DefaultState())
	assert.Equal(t, 1, n)
	assert.True(t, slow.closed)
	assert.Len(t, fast.batches, 1)
}

func TestPublish_NoMembers(t *testing.T) {
	c := New(registry.New(0))
	assert.Equal(t, 0, c.Publish("42", counter.DefaultState()))
}

func TestSendSnapshot(t *testing.T) {
	m := &recordingMember{id: "a", org: "42"}
	c := New(registry.New(0))

	require.NoError(t, c.SendSnapshot(m, counter.DefaultState()))
	require.Len(t, m.batches, 1)
	assert.Len(t, m.batches[0], 4)

	closed := &recordingMember{id: "b", org: "42", closed: true}
	assert.Error(t, c.SendSnapshot(closed, counter.DefaultState()))
}
