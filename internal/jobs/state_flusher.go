package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/telemetry"
)

// StateSaver is the write side of a persistence backend.
type StateSaver interface {
	Name() string
	Save(ctx context.Context, orgID string, st counter.State) error
}

// StateFlusher writes changed organization state behind the command path. Changes
// are coalesced per organization, so a burst of commands costs one save.
type StateFlusher struct {
	saver    StateSaver
	interval time.Duration
	timeout  time.Duration

	mu    sync.Mutex
	dirty map[string]counter.State

	started  atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewStateFlusher creates a flusher. interval defaults to 2s and timeout, the
// deadline of one flush run, to 10s.
func NewStateFlusher(saver StateSaver, interval, timeout time.Duration) *StateFlusher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StateFlusher{
		saver:    saver,
		interval: interval,
		timeout:  timeout,
		dirty:    make(map[string]counter.State),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// MarkDirty queues st for the next flush. It has the statestore.ChangeFunc
// signature and never blocks on I/O.
func (f *StateFlusher) MarkDirty(orgID string, st counter.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue(orgID, st)
}

// queue keeps the newest version per organization. f.mu must be held.
func (f *StateFlusher) queue(orgID string, st counter.State) {
	if cur, ok := f.dirty[orgID]; ok && cur.Version > st.Version {
		return
	}
	f.dirty[orgID] = st
}

// Pending returns the number of organizations waiting to be saved.
func (f *StateFlusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirty)
}

// Flush saves every queued state. States that fail to save are queued again
// unless a newer change arrived meanwhile.
func (f *StateFlusher) Flush(ctx context.Context) error {
	f.mu.Lock()
	batch := f.dirty
	f.dirty = make(map[string]counter.State, len(batch))
	f.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	backend := f.saver.Name()
	var errs []error
	for orgID, st := range batch {
		if err := f.saver.Save(ctx, orgID, st); err != nil {
			telemetry.StateFlushesTotal.WithLabelValues(backend, "error").Inc()
			errs = append(errs, fmt.Errorf("organization %s: %w", orgID, err))
			f.mu.Lock()
			f.queue(orgID, st)
			f.mu.Unlock()
			continue
		}
		telemetry.StateFlushesTotal.WithLabelValues(backend, "success").Inc()
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to flush %d of %d organization states: %w", len(errs), len(batch), errors.Join(errs...))
	}
	slog.Debug("state flusher: flushed organization states", "count", len(batch), "backend", backend)
	return nil
}

// Start runs the flush loop until ctx is cancelled or Stop is called, then
// flushes one last time.
func (f *StateFlusher) Start(ctx context.Context) {
	f.started.Store(true)
	defer close(f.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	slog.Info("state flusher started", "interval", f.interval, "backend", f.saver.Name())

	for {
		select {
		case <-ticker.C:
			f.flushWithTimeout(ctx)
		case <-f.stopChan:
			f.flushWithTimeout(context.Background())
			slog.Info("state flusher stopped")
			return
		case <-ctx.Done():
			f.flushWithTimeout(context.Background())
			slog.Info("state flusher context cancelled")
			return
		}
	}
}

func (f *StateFlusher) flushWithTimeout(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, f.timeout)
	defer cancel()
	if err := f.Flush(ctx); err != nil {
		slog.Error("state flusher: flush failed", "error", err, "pending", f.Pending())
	}
}

// Stop signals the loop to exit and waits for the final flush.
func (f *StateFlusher) Stop() {
	f.stopOnce.Do(func() { close(f.stopChan) })
	if f.started.Load() {
		<-f.done
	}
}
