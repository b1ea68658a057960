// Package compactor folds document update logs into snapshots in the
// background so that cold-start hydration stays cheap.
package compactor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"inkwell/editor/internal/crdt"
	"inkwell/editor/internal/snapshot"
	"inkwell/editor/internal/store"
)

// compactBudget bounds a single document compaction.
const compactBudget = 30 * time.Second

// MetaStore is the slice of the persistence layer the worker reads and
// truncates update logs through.
type MetaStore interface {
	ListCompactionCandidates(ctx context.Context, threshold, limit int) ([]store.CompactionCandidate, error)
	ReadUpdatesSince(ctx context.Context, documentID uuid.UUID, since *time.Time) ([][]byte, error)
	TruncateUpdatesBefore(ctx context.Context, documentID uuid.UUID, t time.Time) (int64, error)
}

// SnapshotStore loads and saves folded document state.
type SnapshotStore interface {
	Load(ctx context.Context, documentID uuid.UUID) ([]byte, error)
	Save(ctx context.Context, documentID uuid.UUID, data []byte, takenAt time.Time) (store.SnapshotInfo, error)
}

// Options tune the worker. Zero values fall back to defaults.
type Options struct {
	// Interval between background sweeps.
	Interval time.Duration
	// Threshold is the update-log length at which a document becomes a
	// compaction candidate.
	Threshold int
	// Limit caps how many candidates a single sweep picks up.
	Limit int
	// Quarantine is invoked when a document's stored history fails to
	// decode. Optional.
	Quarantine func(documentID uuid.UUID)
}

// Worker periodically rewrites each busy document's snapshot from its
// current snapshot plus the logged update tail, then truncates the rows
// the new snapshot covers. Corrupt history is never truncated.
type Worker struct {
	meta       MetaStore
	snapshots  SnapshotStore
	interval   time.Duration
	threshold  int
	limit      int
	quarantine func(uuid.UUID)

	running atomic.Bool

	mu          sync.Mutex
	kicked      map[uuid.UUID]struct{}
	inFlight    map[uuid.UUID]struct{}
	quarantined map[uuid.UUID]struct{}
}

func New(meta MetaStore, snapshots SnapshotStore, opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 200
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	return &Worker{
		meta:        meta,
		snapshots:   snapshots,
		interval:    opts.Interval,
		threshold:   opts.Threshold,
		limit:       opts.Limit,
		quarantine:  opts.Quarantine,
		kicked:      make(map[uuid.UUID]struct{}),
		inFlight:    make(map[uuid.UUID]struct{}),
		quarantined: make(map[uuid.UUID]struct{}),
	}
}

// Run sweeps until ctx is cancelled. Call it from its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Running reports whether the background loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Kick marks a document for the next sweep. It never blocks; the session
// layer calls it while holding replica locks.
func (w *Worker) Kick(documentID uuid.UUID) {
	w.mu.Lock()
	w.kicked[documentID] = struct{}{}
	w.mu.Unlock()
}

// PendingSnapshots reports how many kicked documents await the next sweep.
func (w *Worker) PendingSnapshots() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.kicked)
}

// CompactNow folds one document synchronously. A compaction already in
// flight for the same document makes this a no-op.
func (w *Worker) CompactNow(ctx context.Context, documentID uuid.UUID) error {
	return w.compact(ctx, documentID)
}

func (w *Worker) sweep(ctx context.Context) {
	w.mu.Lock()
	pending := make([]uuid.UUID, 0, len(w.kicked))
	for id := range w.kicked {
		pending = append(pending, id)
	}
	w.kicked = make(map[uuid.UUID]struct{})
	w.mu.Unlock()

	seen := make(map[uuid.UUID]struct{}, len(pending))
	for _, id := range pending {
		seen[id] = struct{}{}
		if err := w.compact(ctx, id); err != nil {
			log.Printf("compactor: document=%s: %v", id, err)
		}
	}

	candidates, err := w.meta.ListCompactionCandidates(ctx, w.threshold, w.limit)
	if err != nil {
		log.Printf("compactor: list candidates: %v", err)
		return
	}
	for _, c := range candidates {
		if _, done := seen[c.DocumentID]; done {
			continue
		}
		if err := w.compact(ctx, c.DocumentID); err != nil {
			log.Printf("compactor: document=%s: %v", c.DocumentID, err)
		}
	}
}

func (w *Worker) compact(ctx context.Context, documentID uuid.UUID) error {
	w.mu.Lock()
	if _, bad := w.quarantined[documentID]; bad {
		w.mu.Unlock()
		return fmt.Errorf("stored history is corrupt: %w", crdt.ErrCorruptUpdate)
	}
	if _, busy := w.inFlight[documentID]; busy {
		w.mu.Unlock()
		return nil
	}
	w.inFlight[documentID] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inFlight, documentID)
		w.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, compactBudget)
	defer cancel()

	// start is both the truncation fence and the snapshot's stamped
	// last_snapshot_at: rows appended while we fold survive the
	// truncation below and stay visible to hydration. A row the fold
	// already included merges idempotently on replay.
	start := time.Now().UTC()

	snapData, err := w.snapshots.Load(ctx, documentID)
	if err != nil && !errors.Is(err, snapshot.ErrNoSnapshot) {
		return fmt.Errorf("load snapshot: %w", err)
	}

	updates, err := w.meta.ReadUpdatesSince(ctx, documentID, nil)
	if err != nil {
		return fmt.Errorf("read updates: %w", err)
	}
	if len(updates) == 0 {
		return nil
	}

	state, err := crdt.Hydrate(snapData, updates)
	if err != nil {
		w.mu.Lock()
		w.quarantined[documentID] = struct{}{}
		w.mu.Unlock()
		if w.quarantine != nil {
			w.quarantine(documentID)
		}
		return fmt.Errorf("fold history: %w", err)
	}

	info, err := w.snapshots.Save(ctx, documentID, state.Encode(), start)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	removed, err := w.meta.TruncateUpdatesBefore(ctx, documentID, start)
	if err != nil {
		return fmt.Errorf("truncate updates: %w", err)
	}
	log.Printf("compactor: document=%s folded %d updates into %d byte snapshot (%s)", documentID, removed, info.SizeBytes, info.Storage)
	return nil
}
