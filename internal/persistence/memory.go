package persistence

import (
	"context"
	"sync"

	"github.com/headcount/headcount/internal/counter"
)

// Memory keeps state in process. It survives idle eviction but not a restart.
type Memory struct {
	mu     sync.RWMutex
	states map[string]counter.State
}

// NewMemory creates an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]counter.State)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Load(_ context.Context, orgID string) (*counter.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[orgID]
	if !ok {
		return nil, nil
	}
	out := st.Clone()
	return &out, nil
}

func (m *Memory) Save(_ context.Context, orgID string, st counter.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.states[orgID]; ok && cur.Version > st.Version {
		return nil
	}
	m.states[orgID] = st.Clone()
	return nil
}

func (m *Memory) Close() error { return nil }
