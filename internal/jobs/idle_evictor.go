package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/statestore"
	"github.com/headcount/headcount/internal/telemetry"
)

// IdleEvictor drops organizations from memory once they have no connections and
// have not been touched for idleAfter. Their final state is saved first so the
// next join reloads it.
type IdleEvictor struct {
	store     *statestore.Store
	inUse     func(orgID string) bool
	saver     StateSaver
	idleAfter time.Duration
	interval  time.Duration
	now       func() time.Time
	stopChan  chan struct{}
}

// NewIdleEvictor creates an evictor. inUse reports whether an organization still
// has live connections; saver may be nil when state need not survive eviction.
func NewIdleEvictor(store *statestore.Store, inUse func(string) bool, saver StateSaver, idleAfter, interval time.Duration) *IdleEvictor {
	if idleAfter <= 0 {
		idleAfter = 30 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &IdleEvictor{
		store:     store,
		inUse:     inUse,
		saver:     saver,
		idleAfter: idleAfter,
		interval:  interval,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
}

// RunOnce evicts every eligible organization and returns how many were removed.
func (e *IdleEvictor) RunOnce(ctx context.Context) int {
	cutoff := e.now().Add(-e.idleAfter)

	var persist statestore.EvictFunc
	if e.saver != nil {
		persist = func(ctx context.Context, orgID string, st counter.State) error {
			return e.saver.Save(ctx, orgID, st)
		}
	}

	evicted := 0
	for _, orgID := range e.store.IdleSince(cutoff) {
		if ctx.Err() != nil {
			break
		}
		ok, err := e.store.Evict(ctx, orgID, cutoff, e.inUse, persist)
		if err != nil {
			slog.Warn("idle evictor: keeping organization in memory", "organization_id", orgID, "error", err)
			continue
		}
		if ok {
			evicted++
			telemetry.OrganizationsEvictedTotal.Inc()
		}
	}
	if evicted > 0 {
		slog.Info("idle evictor: evicted organizations", "count", evicted, "live", e.store.Len())
	}
	return evicted
}

// Start runs the eviction loop until ctx is cancelled or Stop is called.
func (e *IdleEvictor) Start(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	slog.Info("idle evictor started", "interval", e.interval, "idle_after", e.idleAfter)

	for {
		select {
		case <-ticker.C:
			e.RunOnce(ctx)
		case <-e.stopChan:
			slog.Info("idle evictor stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit.
func (e *IdleEvictor) Stop() {
	close(e.stopChan)
}
