// Package registry owns the process-wide map of live document replicas:
// admission with hydration, reference counting, debounced stores and idle
// eviction.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"inkwell/editor/internal/crdt"
	"inkwell/editor/internal/snapshot"
	"inkwell/editor/internal/store"
)

// ErrShuttingDown rejects admissions after Shutdown has begun.
var ErrShuttingDown = errors.New("registry shutting down")

// storeBudget bounds a single background store or eviction flush.
const storeBudget = 10 * time.Second

// LogStore is the slice of the update log the registry needs.
type LogStore interface {
	AppendUpdate(ctx context.Context, documentID uuid.UUID, data []byte) (time.Time, error)
	ReadUpdatesSince(ctx context.Context, documentID uuid.UUID, since *time.Time) ([][]byte, error)
}

// SnapshotStore is the slice of the snapshot store the registry needs.
type SnapshotStore interface {
	Load(ctx context.Context, documentID uuid.UUID) ([]byte, error)
	Info(ctx context.Context, documentID uuid.UUID) (store.SnapshotInfo, error)
}

type Config struct {
	Debounce    time.Duration // store debounce window
	MaxDebounce time.Duration // ceiling for a continuous edit stream
	IdleTTL     time.Duration // eviction delay after the last client leaves
	Threshold   int           // appends before signalling compaction; 0 disables
	QueueSize   int           // per-client outbound frame buffer
}

// entry is a map slot: a placeholder until hydration finishes, then a live
// replica. Waiters block on ready.
type entry struct {
	ready   chan struct{}
	replica *Replica
	err     error
}

type Registry struct {
	snapshots SnapshotStore
	logs      LogStore
	cfg       Config
	kick      func(uuid.UUID)

	mu        sync.Mutex
	replicas  map[uuid.UUID]*entry
	evictions map[uuid.UUID]*time.Timer
	closed    bool
}

func New(snapshots SnapshotStore, logs LogStore, cfg Config) *Registry {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.MaxDebounce <= 0 {
		cfg.MaxDebounce = 10 * time.Second
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Registry{
		snapshots: snapshots,
		logs:      logs,
		cfg:       cfg,
		replicas:  make(map[uuid.UUID]*entry),
		evictions: make(map[uuid.UUID]*time.Timer),
	}
}

// SetCompactionSignal installs the callback fired when a replica's append
// count crosses the threshold. Must be set before the first Acquire.
func (g *Registry) SetCompactionSignal(fn func(uuid.UUID)) {
	g.kick = fn
}

// Acquire admits a client to the document's replica, hydrating one from
// snapshot + log tail if the document is not live. Concurrent acquirers
// for the same document share a single hydration.
func (g *Registry) Acquire(ctx context.Context, docID uuid.UUID, clientID string) (*Replica, error) {
	for {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return nil, ErrShuttingDown
		}
		if t := g.evictions[docID]; t != nil {
			t.Stop()
			delete(g.evictions, docID)
		}
		e, ok := g.replicas[docID]
		if !ok {
			e = &entry{ready: make(chan struct{})}
			g.replicas[docID] = e
			g.mu.Unlock()

			r, err := g.hydrate(ctx, docID)
			if err != nil {
				g.mu.Lock()
				delete(g.replicas, docID)
				g.mu.Unlock()
				e.err = err
				close(e.ready)
				return nil, err
			}
			e.replica = r
			close(e.ready)
			if r.addClientIfLive(clientID) {
				return r, nil
			}
			// Evicted before the join; start over.
			continue
		}
		g.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		if e.replica.addClientIfLive(clientID) {
			return e.replica, nil
		}
		// Evicted between ready and join; start over.
	}
}

// Release detaches a client. When the last client leaves, eviction is
// scheduled after IdleTTL; a re-acquire in the window cancels it.
func (g *Registry) Release(docID uuid.UUID, clientID string) {
	g.mu.Lock()
	e, ok := g.replicas[docID]
	if !ok || e.replica == nil {
		g.mu.Unlock()
		return
	}
	r := e.replica
	g.mu.Unlock()

	if r.removeClient(clientID) > 0 {
		return
	}
	g.scheduleEviction(docID)
}

func (g *Registry) scheduleEviction(docID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if t := g.evictions[docID]; t != nil {
		t.Stop()
	}
	g.evictions[docID] = time.AfterFunc(g.cfg.IdleTTL, func() { g.evict(docID) })
}

// evict flushes and removes an idle replica. A client joining while the
// final store runs keeps the replica alive; the flush was just early.
func (g *Registry) evict(docID uuid.UUID) {
	g.mu.Lock()
	delete(g.evictions, docID)
	e, ok := g.replicas[docID]
	if !ok || e.replica == nil {
		g.mu.Unlock()
		return
	}
	r := e.replica
	if r.ClientCount() > 0 {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeBudget)
	defer cancel()
	if err := r.flush(ctx); err != nil {
		log.Printf("registry: final store for document=%s: %v", docID, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r.markEvictedIfIdle() {
		delete(g.replicas, docID)
	}
}

// Quarantine marks the live replica for a document read-only. No-op when
// the document is not live.
func (g *Registry) Quarantine(docID uuid.UUID) {
	g.mu.Lock()
	e, ok := g.replicas[docID]
	g.mu.Unlock()
	if ok && e.replica != nil {
		e.replica.quarantine()
	}
}

// ActiveReplicas counts live (hydrated) replicas.
func (g *Registry) ActiveReplicas() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, e := range g.replicas {
		if e.replica != nil {
			n++
		}
	}
	return n
}

// DocumentClients counts clients attached to one document's replica.
func (g *Registry) DocumentClients(docID uuid.UUID) int {
	g.mu.Lock()
	e, ok := g.replicas[docID]
	g.mu.Unlock()
	if !ok || e.replica == nil {
		return 0
	}
	return e.replica.ClientCount()
}

// ActiveClients counts clients across all live replicas.
func (g *Registry) ActiveClients() int {
	g.mu.Lock()
	live := make([]*Replica, 0, len(g.replicas))
	for _, e := range g.replicas {
		if e.replica != nil {
			live = append(live, e.replica)
		}
	}
	g.mu.Unlock()

	n := 0
	for _, r := range live {
		n += r.ClientCount()
	}
	return n
}

// Shutdown stops admissions and flushes every live replica within the
// context budget.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	for docID, t := range g.evictions {
		t.Stop()
		delete(g.evictions, docID)
	}
	live := make([]*Replica, 0, len(g.replicas))
	for _, e := range g.replicas {
		if e.replica != nil {
			live = append(live, e.replica)
		}
	}
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range live {
		wg.Add(1)
		go func(r *Replica) {
			defer wg.Done()
			if err := r.flush(ctx); err != nil {
				log.Printf("registry: shutdown store for document=%s: %v", r.docID, err)
			}
		}(r)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hydrate builds a replica from the current snapshot and log tail. Corrupt
// stored bytes do not fail admission: the replica comes up quarantined,
// serving the last decodable state read-only, and the log keeps the
// corrupt evidence.
func (g *Registry) hydrate(ctx context.Context, docID uuid.UUID) (*Replica, error) {
	var since *time.Time
	var snapshotBytes []byte

	info, err := g.snapshots.Info(ctx, docID)
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
	case err != nil:
		return nil, fmt.Errorf("snapshot info: %w", err)
	default:
		since = &info.LastSnapshotAt
		snapshotBytes, err = g.snapshots.Load(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
	}

	updates, err := g.logs.ReadUpdatesSince(ctx, docID, since)
	if err != nil {
		return nil, fmt.Errorf("read update tail: %w", err)
	}

	state := crdt.NewState()
	quarantined := false
	if len(snapshotBytes) > 0 {
		if err := state.Merge(snapshotBytes); err != nil {
			log.Printf("registry: corrupt snapshot for document=%s: %v", docID, err)
			quarantined = true
		}
	}
	if !quarantined {
		for i, update := range updates {
			if err := state.Merge(update); err != nil {
				log.Printf("registry: corrupt stored update %d for document=%s: %v", i, docID, err)
				quarantined = true
				break
			}
		}
	}

	return &Replica{
		docID:       docID,
		reg:         g,
		state:       state,
		clients:     make(map[string]*subscriber),
		awareness:   make(map[string][]byte),
		quarantined: quarantined,
	}, nil
}
