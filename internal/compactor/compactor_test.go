package compactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"inkwell/editor/internal/crdt"
	"inkwell/editor/internal/snapshot"
	"inkwell/editor/internal/store"
)

type logRow struct {
	data []byte
	at   time.Time
}

type fakeMeta struct {
	mu         sync.Mutex
	rows       map[uuid.UUID][]logRow
	candidates []store.CompactionCandidate
	afterRead  func()
	listErr    error
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{rows: make(map[uuid.UUID][]logRow)}
}

func (f *fakeMeta) ListCompactionCandidates(_ context.Context, _, _ int) ([]store.CompactionCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]store.CompactionCandidate(nil), f.candidates...), nil
}

// ReadUpdatesSince keeps rows at or after since, like the SQL store. The
// afterRead hook fires once the result set is fixed, so a hooked append
// races the fold the way a concurrent client edit does.
func (f *fakeMeta) ReadUpdatesSince(_ context.Context, docID uuid.UUID, since *time.Time) ([][]byte, error) {
	f.mu.Lock()
	out := make([][]byte, 0, len(f.rows[docID]))
	for _, r := range f.rows[docID] {
		if since != nil && r.at.Before(*since) {
			continue
		}
		out = append(out, append([]byte(nil), r.data...))
	}
	f.mu.Unlock()
	if f.afterRead != nil {
		f.afterRead()
	}
	return out, nil
}

func (f *fakeMeta) TruncateUpdatesBefore(_ context.Context, docID uuid.UUID, t time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.rows[docID][:0]
	var removed int64
	for _, r := range f.rows[docID] {
		if r.at.Before(t) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	f.rows[docID] = kept
	return removed, nil
}

func (f *fakeMeta) append(docID uuid.UUID, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[docID] = append(f.rows[docID], logRow{data: append([]byte(nil), data...), at: time.Now()})
}

func (f *fakeMeta) rowCount(docID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows[docID])
}

type fakeSnaps struct {
	mu        sync.Mutex
	data      map[uuid.UUID][]byte
	infos     map[uuid.UUID]store.SnapshotInfo
	saves     int
	saveErr   error
	saveDelay time.Duration
}

func newFakeSnaps() *fakeSnaps {
	return &fakeSnaps{data: make(map[uuid.UUID][]byte), infos: make(map[uuid.UUID]store.SnapshotInfo)}
}

func (f *fakeSnaps) Load(_ context.Context, docID uuid.UUID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[docID]
	if !ok {
		return nil, snapshot.ErrNoSnapshot
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeSnaps) Save(_ context.Context, docID uuid.UUID, data []byte, takenAt time.Time) (store.SnapshotInfo, error) {
	time.Sleep(f.saveDelay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return store.SnapshotInfo{}, f.saveErr
	}
	f.saves++
	f.data[docID] = append([]byte(nil), data...)
	info := store.SnapshotInfo{LastSnapshotAt: takenAt, Storage: store.StorageInline, SizeBytes: int64(len(data))}
	f.infos[docID] = info
	return info, nil
}

func (f *fakeSnaps) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeSnaps) lastInfo(docID uuid.UUID) store.SnapshotInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infos[docID]
}

func encodedUpdate(site uint64, key, value string) []byte {
	s := crdt.NewState()
	return s.Set(site, key, []byte(value))
}

func stateOf(t *testing.T, snapData []byte, updates ...[]byte) *crdt.State {
	t.Helper()
	s, err := crdt.Hydrate(snapData, updates)
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	return s
}

func TestCompactNowFoldsLogIntoSnapshot(t *testing.T) {
	meta := newFakeMeta()
	snaps := newFakeSnaps()
	w := New(meta, snaps, Options{})
	docID := uuid.New()

	u1 := encodedUpdate(1, "title", "Hello")
	u2 := encodedUpdate(2, "body", "World")
	meta.append(docID, u1)
	meta.append(docID, u2)

	if err := w.CompactNow(context.Background(), docID); err != nil {
		t.Fatalf("CompactNow() error = %v", err)
	}

	want := stateOf(t, nil, u1, u2)
	got := stateOf(t, snaps.data[docID])
	if !got.Equal(want) {
		t.Fatal("snapshot does not match folded update log")
	}
	if n := meta.rowCount(docID); n != 0 {
		t.Fatalf("update log has %d rows after compaction, want 0", n)
	}

	// Nothing left to fold; the snapshot must not be rewritten.
	if err := w.CompactNow(context.Background(), docID); err != nil {
		t.Fatalf("CompactNow() error = %v", err)
	}
	if got := snaps.saveCount(); got != 1 {
		t.Fatalf("snapshot saved %d times, want 1", got)
	}
}

func TestCompactMergesExistingSnapshot(t *testing.T) {
	meta := newFakeMeta()
	snaps := newFakeSnaps()
	w := New(meta, snaps, Options{})
	docID := uuid.New()

	base := encodedUpdate(1, "title", "Hello")
	snaps.data[docID] = stateOf(t, nil, base).Encode()
	tail := encodedUpdate(2, "body", "World")
	meta.append(docID, tail)

	if err := w.CompactNow(context.Background(), docID); err != nil {
		t.Fatalf("CompactNow() error = %v", err)
	}

	got := stateOf(t, snaps.data[docID])
	if v, ok := got.Get("title"); !ok || string(v) != "Hello" {
		t.Fatal("compaction lost the prior snapshot state")
	}
	if v, ok := got.Get("body"); !ok || string(v) != "World" {
		t.Fatal("compaction lost the update tail")
	}
}

func TestCompactCorruptHistoryQuarantines(t *testing.T) {
	meta := newFakeMeta()
	snaps := newFakeSnaps()
	var quarantined []uuid.UUID
	w := New(meta, snaps, Options{Quarantine: func(id uuid.UUID) { quarantined = append(quarantined, id) }})
	docID := uuid.New()

	meta.append(docID, encodedUpdate(1, "k", "v"))
	meta.append(docID, []byte{0xff, 0xff})

	err := w.CompactNow(context.Background(), docID)
	if !errors.Is(err, crdt.ErrCorruptUpdate) {
		t.Fatalf("CompactNow() error = %v, want ErrCorruptUpdate", err)
	}
	if len(quarantined) != 1 || quarantined[0] != docID {
		t.Fatalf("quarantined = %v, want [%s]", quarantined, docID)
	}
	if got := snaps.saveCount(); got != 0 {
		t.Fatal("corrupt history produced a snapshot")
	}
	if n := meta.rowCount(docID); n != 2 {
		t.Fatalf("update log has %d rows, want 2 retained for inspection", n)
	}

	// Later attempts fail fast without re-reading or re-quarantining.
	if err := w.CompactNow(context.Background(), docID); !errors.Is(err, crdt.ErrCorruptUpdate) {
		t.Fatalf("repeat CompactNow() error = %v, want ErrCorruptUpdate", err)
	}
	if len(quarantined) != 1 {
		t.Fatalf("quarantine signalled %d times, want 1", len(quarantined))
	}
}

func TestCompactSaveFailureRetainsLog(t *testing.T) {
	meta := newFakeMeta()
	snaps := newFakeSnaps()
	snaps.saveErr = errors.New("minio down")
	w := New(meta, snaps, Options{})
	docID := uuid.New()

	meta.append(docID, encodedUpdate(1, "k", "v"))
	if err := w.CompactNow(context.Background(), docID); err == nil {
		t.Fatal("CompactNow() succeeded with a failing snapshot store")
	}
	if n := meta.rowCount(docID); n != 1 {
		t.Fatalf("update log has %d rows after failed save, want 1", n)
	}
}

func TestRowsAppendedDuringCompactionSurvive(t *testing.T) {
	meta := newFakeMeta()
	snaps := newFakeSnaps()
	w := New(meta, snaps, Options{})
	docID := uuid.New()

	late := encodedUpdate(3, "late", "edit")
	meta.append(docID, encodedUpdate(1, "k", "v"))
	meta.afterRead = func() {
		meta.afterRead = nil
		meta.append(docID, late)
	}

	if err := w.CompactNow(context.Background(), docID); err != nil {
		t.Fatalf("CompactNow() error = %v", err)
	}
	if n := meta.rowCount(docID); n != 1 {
		t.Fatalf("update log has %d rows, want the late append retained", n)
	}
}

func TestRowsAppendedDuringCompactionVisibleToHydration(t *testing.T) {
	meta := newFakeMeta()
	snaps := newFakeSnaps()
	w := New(meta, snaps, Options{})
	docID := uuid.New()

	late := encodedUpdate(3, "late", "edit")
	meta.append(docID, encodedUpdate(1, "k", "v"))
	meta.afterRead = func() {
		meta.afterRead = nil
		meta.append(docID, late)
	}

	if err := w.CompactNow(context.Background(), docID); err != nil {
		t.Fatalf("CompactNow() error = %v", err)
	}

	// The fold fixed its read set before the append landed; the snapshot
	// alone cannot carry the late edit.
	if _, ok := stateOf(t, snaps.data[docID]).Get("late"); ok {
		t.Fatal("snapshot includes an update appended after the fold began")
	}

	// Hydrate the way the registry does: snapshot plus every row at or
	// after last_snapshot_at.
	info := snaps.lastInfo(docID)
	tail, err := meta.ReadUpdatesSince(context.Background(), docID, &info.LastSnapshotAt)
	if err != nil {
		t.Fatalf("ReadUpdatesSince() error = %v", err)
	}
	got := stateOf(t, snaps.data[docID], tail...)
	if v, ok := got.Get("late"); !ok || string(v) != "edit" {
		t.Fatal("update appended during compaction is invisible after hydration")
	}
	if v, ok := got.Get("k"); !ok || string(v) != "v" {
		t.Fatal("hydration lost the folded state")
	}
}

func TestSweepCompactsKickedAndCandidates(t *testing.T) {
	meta := newFakeMeta()
	snaps := newFakeSnaps()
	w := New(meta, snaps, Options{})

	kicked := uuid.New()
	listed := uuid.New()
	meta.append(kicked, encodedUpdate(1, "a", "1"))
	meta.append(listed, encodedUpdate(1, "b", "2"))
	meta.candidates = []store.CompactionCandidate{{DocumentID: listed, UpdateCount: 1}}

	w.Kick(kicked)
	if got := w.PendingSnapshots(); got != 1 {
		t.Fatalf("PendingSnapshots() = %d, want 1", got)
	}

	w.sweep(context.Background())

	if got := w.PendingSnapshots(); got != 0 {
		t.Fatalf("PendingSnapshots() = %d after sweep, want 0", got)
	}
	if _, ok := snaps.data[kicked]; !ok {
		t.Fatal("kicked document was not compacted")
	}
	if _, ok := snaps.data[listed]; !ok {
		t.Fatal("listed candidate was not compacted")
	}
}

func TestSweepDedupesKickedCandidate(t *testing.T) {
	meta := newFakeMeta()
	snaps := newFakeSnaps()
	w := New(meta, snaps, Options{})

	docID := uuid.New()
	meta.append(docID, encodedUpdate(1, "a", "1"))
	meta.candidates = []store.CompactionCandidate{{DocumentID: docID, UpdateCount: 1}}
	w.Kick(docID)

	w.sweep(context.Background())
	if got := snaps.saveCount(); got != 1 {
		t.Fatalf("document compacted %d times in one sweep, want 1", got)
	}
}

func TestConcurrentCompactNowRunsOnce(t *testing.T) {
	meta := newFakeMeta()
	snaps := newFakeSnaps()
	snaps.saveDelay = 30 * time.Millisecond
	w := New(meta, snaps, Options{})
	docID := uuid.New()
	meta.append(docID, encodedUpdate(1, "k", "v"))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.CompactNow(context.Background(), docID); err != nil {
				t.Errorf("CompactNow() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := snaps.saveCount(); got != 1 {
		t.Fatalf("snapshot saved %d times, want 1", got)
	}
}

func TestRunSweepsOnInterval(t *testing.T) {
	meta := newFakeMeta()
	snaps := newFakeSnaps()
	w := New(meta, snaps, Options{Interval: 20 * time.Millisecond})
	docID := uuid.New()
	meta.append(docID, encodedUpdate(1, "k", "v"))
	w.Kick(docID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for snaps.saveCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("background sweep never compacted the kicked document")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !w.Running() {
		t.Fatal("Running() = false while the loop is active")
	}

	cancel()
	<-done
	if w.Running() {
		t.Fatal("Running() = true after the loop stopped")
	}
}
