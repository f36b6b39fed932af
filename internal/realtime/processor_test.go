package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/statestore"
)

type fakeSource struct {
	id, org string

	mu    sync.Mutex
	codes []string
}

func (s *fakeSource) ID() string             { return s.id }
func (s *fakeSource) OrganizationID() string { return s.org }
func (s *fakeSource) SendError(code, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []counter.State
}

func (p *fakePublisher) Publish(_ string, st counter.State) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, st)
	return 1
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) bool { return false }

func newTestProcessor(limiter CommandLimiter) (*Processor, *statestore.Store, *fakePublisher) {
	store := statestore.New(statestore.Options{})
	pub := &fakePublisher{}
	return NewProcessor(store, pub, limiter), store, pub
}

// ---------------------------------------------------------------------------
// Applied commands
// ---------------------------------------------------------------------------

func TestProcessor_IncrementPublishes(t *testing.T) {
	p, store, pub := newTestProcessor(nil)
	src := &fakeSource{id: "c1", org: "42"}

	err := p.Handle(context.Background(), src, []byte(`{"event":"increment","data":{"organizationId":42,"type":"member"}}`))
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	assert.Equal(t, 1, pub.published[0].MemberCount)
	assert.Equal(t, uint64(1), pub.published[0].Version)
	st, ok := store.Peek("42")
	require.True(t, ok)
	assert.Equal(t, 1, st.MemberCount)
	assert.Empty(t, src.codes)
}

func TestProcessor_NoopIsNotPublished(t *testing.T) {
	p, _, pub := newTestProcessor(nil)
	src := &fakeSource{id: "c1", org: "42"}

	require.NoError(t, p.Handle(context.Background(), src, []byte(`{"event":"decrement","data":"nonMember"}`)))
	assert.Empty(t, pub.published)
	assert.Empty(t, src.codes)
}

func TestProcessor_CommandsRunAgainstBoundOrganization(t *testing.T) {
	p, store, _ := newTestProcessor(nil)
	src := &fakeSource{id: "c1", org: "42"}

	require.NoError(t, p.Handle(context.Background(), src, []byte(`{"event":"updateMaxCapacity","data":"120"}`)))
	st, ok := store.Peek("42")
	require.True(t, ok)
	require.NotNil(t, st.MaxCapacity)
	assert.Equal(t, 120, *st.MaxCapacity)

	_, other := store.Peek("7")
	assert.False(t, other)
}

// ---------------------------------------------------------------------------
// Rejections
// ---------------------------------------------------------------------------

func TestProcessor_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		limiter  CommandLimiter
		wantCode string
		wantErr  error
	}{
		{"not json", `increment`, nil, CodeInvalidPayload, counter.ErrInvalidCommandPayload},
		{"unknown event", `{"event":"explode","data":{}}`, nil, CodeInvalidPayload, counter.ErrInvalidCommandPayload},
		{"bad count type", `{"event":"increment","data":{"type":"vip"}}`, nil, CodeInvalidPayload, counter.ErrInvalidCommandPayload},
		{"fractional capacity", `{"event":"updateMaxCapacity","data":1.5}`, nil, CodeInvalidPayload, counter.ErrInvalidCommandPayload},
		{"other organization", `{"event":"increment","data":{"organizationId":"7","type":"member"}}`, nil, CodeOrganizationMismatch, ErrOrganizationMismatch},
		{"rate limited", `{"event":"reset"}`, denyLimiter{}, CodeRateLimited, ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store, pub := newTestProcessor(tt.limiter)
			src := &fakeSource{id: "c1", org: "42"}

			err := p.Handle(context.Background(), src, []byte(tt.raw))
			assert.True(t, errors.Is(err, tt.wantErr), "err = %v, want %v", err, tt.wantErr)
			assert.Equal(t, []string{tt.wantCode}, src.codes)
			assert.Empty(t, pub.published)
			assert.Equal(t, 0, store.Len())
		})
	}
}

func TestMetricEvent(t *testing.T) {
	assert.Equal(t, "increment", metricEvent("increment"))
	assert.Equal(t, "updateMaxCapacity", metricEvent("updateMaxCapacity"))
	assert.Equal(t, "unknown", metricEvent("drop table"))
}

// ---------------------------------------------------------------------------
// Limiters
// ---------------------------------------------------------------------------

func TestNoopLimiter(t *testing.T) {
	assert.True(t, NoopLimiter{}.Allow(context.Background(), "c1"))
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer rdb.Close()

	l := NewRedisLimiter(rdb, 5, 10, "hc:")
	assert.True(t, l.Allow(context.Background(), "c1"))
	assert.Equal(t, "hc:ratelimit:command:", l.prefix)
	assert.Equal(t, 10, l.limit.Burst)
}

func TestNewRedisLimiter_BurstAtLeastRate(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()

	l := NewRedisLimiter(rdb, 20, 5, "")
	assert.Equal(t, 20, l.limit.Burst)
	assert.Equal(t, 20, l.limit.Rate)
}
