package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/headcount/headcount/internal/config"
	"github.com/headcount/headcount/internal/counter"
	"github.com/headcount/headcount/internal/statestore"
	"github.com/headcount/headcount/internal/storage"
	"github.com/headcount/headcount/internal/telemetry"
	"github.com/headcount/headcount/pkg/checksum"
)

const snapshotTimeLayout = "20060102T150405.000000000Z"

// ErrCorruptSnapshot is returned by RestoreLatest when the newest archive fails
// its checksum.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// snapshotFile is the archived form of every live organization's state.
// Checksum is the SHA-256 of the exact Organizations bytes.
type snapshotFile struct {
	TakenAt       time.Time       `json:"takenAt"`
	Checksum      string          `json:"checksum"`
	Organizations json.RawMessage `json:"organizations"`
}

// SnapshotArchiver periodically writes the whole in-memory state to blob storage
// and prunes old archives. RestoreLatest seeds an empty store from the newest one.
type SnapshotArchiver struct {
	store    *statestore.Store
	storage  storage.Storage
	backend  string
	prefix   string
	retain   int
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
}

// NewSnapshotArchiver creates an archiver writing to st under cfg.Prefix.
func NewSnapshotArchiver(store *statestore.Store, st storage.Storage, cfg *config.ArchiveConfig) *SnapshotArchiver {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &SnapshotArchiver{
		store:    store,
		storage:  st,
		backend:  cfg.Backend,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		retain:   cfg.Retain,
		interval: interval,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

func (a *SnapshotArchiver) keyFor(t time.Time) string {
	name := "snapshot-" + t.UTC().Format(snapshotTimeLayout) + ".json"
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

func (a *SnapshotArchiver) listPrefix() string {
	if a.prefix == "" {
		return "snapshot-"
	}
	return a.prefix + "/snapshot-"
}

// Archive writes one snapshot and prunes archives beyond the retention count.
func (a *SnapshotArchiver) Archive(ctx context.Context) (*storage.ObjectInfo, error) {
	orgs := a.store.Snapshot()
	body, err := encodeSnapshot(a.now().UTC(), orgs)
	if err != nil {
		telemetry.SnapshotArchivesTotal.WithLabelValues(a.backend, "error").Inc()
		return nil, err
	}

	info, err := a.storage.Put(ctx, a.keyFor(body.takenAt), bytes.NewReader(body.raw), int64(len(body.raw)))
	if err != nil {
		telemetry.SnapshotArchivesTotal.WithLabelValues(a.backend, "error").Inc()
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}
	telemetry.SnapshotArchivesTotal.WithLabelValues(a.backend, "success").Inc()
	slog.Info("snapshot archived", "key", info.Key, "organizations", len(orgs), "bytes", info.Size)

	if err := a.prune(ctx); err != nil {
		slog.Warn("snapshot archiver: prune failed", "error", err)
	}
	return info, nil
}

type encodedSnapshot struct {
	takenAt time.Time
	raw     []byte
}

func encodeSnapshot(takenAt time.Time, orgs map[string]counter.State) (encodedSnapshot, error) {
	inner, err := json.Marshal(orgs)
	if err != nil {
		return encodedSnapshot{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	raw, err := json.Marshal(snapshotFile{
		TakenAt:       takenAt,
		Checksum:      checksum.SHA256Bytes(inner),
		Organizations: inner,
	})
	if err != nil {
		return encodedSnapshot{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return encodedSnapshot{takenAt: takenAt, raw: raw}, nil
}

// decodeSnapshot verifies the checksum when present. Archives written without one
// are accepted as-is.
func decodeSnapshot(raw []byte) (map[string]counter.State, error) {
	var f snapshotFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if f.Checksum != "" {
		if err := checksum.Verify(f.Organizations, f.Checksum); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
	}
	orgs := make(map[string]counter.State)
	if len(f.Organizations) > 0 {
		if err := json.Unmarshal(f.Organizations, &orgs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
	}
	return orgs, nil
}

// archives lists snapshot objects, oldest first. Timestamps in the key sort
// lexically in time order.
func (a *SnapshotArchiver) archives(ctx context.Context) ([]storage.ObjectInfo, error) {
	objs, err := a.storage.List(ctx, a.listPrefix())
	if err != nil {
		return nil, err
	}
	out := objs[:0]
	for _, o := range objs {
		if strings.HasSuffix(o.Key, ".json") {
			out = append(out, o)
		}
	}
	return out, nil
}

func (a *SnapshotArchiver) prune(ctx context.Context) error {
	if a.retain <= 0 {
		return nil
	}
	objs, err := a.archives(ctx)
	if err != nil {
		return err
	}
	for len(objs) > a.retain {
		if err := a.storage.Delete(ctx, objs[0].Key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", objs[0].Key, err)
		}
		objs = objs[1:]
	}
	return nil
}

// RestoreLatest seeds the store from the newest archive. Organizations already
// live in the store are left alone. It returns the number of organizations seeded.
func (a *SnapshotArchiver) RestoreLatest(ctx context.Context) (int, error) {
	objs, err := a.archives(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots: %w", err)
	}
	if len(objs) == 0 {
		return 0, nil
	}
	latest := objs[len(objs)-1]

	rc, err := a.storage.Get(ctx, latest.Key)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot %s: %w", latest.Key, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot %s: %w", latest.Key, err)
	}
	orgs, err := decodeSnapshot(raw)
	if err != nil {
		return 0, fmt.Errorf("snapshot %s: %w", latest.Key, err)
	}

	seeded := 0
	for orgID, st := range orgs {
		ok, err := a.store.Seed(orgID, st)
		if err != nil {
			slog.Warn("snapshot restore: skipping organization", "organization_id", orgID, "error", err)
			continue
		}
		if ok {
			seeded++
		}
	}
	slog.Info("snapshot restored", "key", latest.Key, "organizations", seeded)
	return seeded, nil
}

// Start runs the archive loop until ctx is cancelled or Stop is called.
func (a *SnapshotArchiver) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	slog.Info("snapshot archiver started", "interval", a.interval, "backend", a.backend, "retain", a.retain)

	for {
		select {
		case <-ticker.C:
			if _, err := a.Archive(ctx); err != nil {
				slog.Error("snapshot archiver: archive failed", "error", err)
			}
		case <-a.stopChan:
			slog.Info("snapshot archiver stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit.
func (a *SnapshotArchiver) Stop() {
	close(a.stopChan)
}
