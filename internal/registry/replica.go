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
)

// ErrQuarantined rejects writes to a replica whose stored history failed to
// decode. The replica keeps serving the last good state read-only.
var ErrQuarantined = errors.New("replica quarantined")

type subscriber struct {
	ch     chan []byte
	closed bool
}

// Replica is the single in-memory instance of a document's state. All
// fields are guarded by mu; the lock is held across merge+append for one
// update and across a store, which serializes them per document.
type Replica struct {
	docID uuid.UUID
	reg   *Registry

	mu          sync.Mutex
	state       *crdt.State
	clients     map[string]*subscriber
	awareness   map[string][]byte
	quarantined bool
	evicted     bool
	dirty       bool
	dirtySince  time.Time
	storeTimer  *time.Timer
	appends     int
}

func (r *Replica) DocumentID() uuid.UUID {
	return r.docID
}

// Apply merges a client update and appends it to the log. A corrupt update
// is rejected without side effects. If the append fails the merged change
// survives in memory and the debounced store mends the log later.
func (r *Replica) Apply(ctx context.Context, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.quarantined {
		return ErrQuarantined
	}
	if err := r.state.Merge(update); err != nil {
		return err
	}
	if _, err := r.reg.logs.AppendUpdate(ctx, r.docID, update); err != nil {
		r.markDirtyLocked()
		return fmt.Errorf("append update: %w", err)
	}
	r.appends++
	r.markDirtyLocked()
	if r.reg.cfg.Threshold > 0 && r.appends >= r.reg.cfg.Threshold {
		r.appends = 0
		if r.reg.kick != nil {
			r.reg.kick(r.docID)
		}
	}
	return nil
}

// Broadcast enqueues a frame to every subscribed client except the sender.
// A client whose queue is full is dropped: its channel closes and the
// session tears the connection down.
func (r *Replica) Broadcast(fromClientID string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.clients {
		if id == fromClientID || sub.closed {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			sub.closed = true
			close(sub.ch)
		}
	}
}

// Frames returns the client's outbound queue. The channel closes when the
// client is dropped or released.
func (r *Replica) Frames(clientID string) <-chan []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.clients[clientID]; ok {
		return sub.ch
	}
	return nil
}

// Encode snapshots the current full state.
func (r *Replica) Encode() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Encode()
}

func (r *Replica) Quarantined() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quarantined
}

func (r *Replica) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// SetAwareness stores a client's ephemeral presence payload. A nil payload
// clears it.
func (r *Replica) SetAwareness(clientID string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if payload == nil {
		delete(r.awareness, clientID)
		return
	}
	r.awareness[clientID] = append([]byte(nil), payload...)
}

// AwarenessStates returns the stored presence payloads keyed by client
// id, for replay to a joining client. Keys let the joiner skip its own
// entry.
func (r *Replica) AwarenessStates() map[string][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]byte, len(r.awareness))
	for id, payload := range r.awareness {
		out[id] = append([]byte(nil), payload...)
	}
	return out
}

func (r *Replica) addClientIfLive(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return false
	}
	if _, ok := r.clients[clientID]; !ok {
		r.clients[clientID] = &subscriber{ch: make(chan []byte, r.reg.cfg.QueueSize)}
	}
	return true
}

func (r *Replica) removeClient(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.clients[clientID]; ok {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(r.clients, clientID)
	}
	delete(r.awareness, clientID)
	return len(r.clients)
}

func (r *Replica) quarantine() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quarantined = true
}

func (r *Replica) markEvictedIfIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) > 0 {
		return false
	}
	r.evicted = true
	if r.storeTimer != nil {
		r.storeTimer.Stop()
		r.storeTimer = nil
	}
	return true
}

// markDirtyLocked arms the debounced store. Every change pushes the store
// out by the debounce window, but never past dirtySince+MaxDebounce, so a
// continuous edit stream still persists on the ceiling cadence.
func (r *Replica) markDirtyLocked() {
	now := time.Now()
	if !r.dirty {
		r.dirty = true
		r.dirtySince = now
	}
	delay := r.reg.cfg.Debounce
	if ceiling := r.dirtySince.Add(r.reg.cfg.MaxDebounce); now.Add(delay).After(ceiling) {
		delay = time.Until(ceiling)
		if delay < 0 {
			delay = 0
		}
	}
	if r.storeTimer != nil {
		r.storeTimer.Stop()
	}
	r.storeTimer = time.AfterFunc(delay, r.debouncedStore)
}

func (r *Replica) debouncedStore() {
	ctx, cancel := context.WithTimeout(context.Background(), storeBudget)
	defer cancel()
	if err := r.flush(ctx); err != nil {
		log.Printf("registry: debounced store for document=%s: %v", r.docID, err)
		r.mu.Lock()
		if r.dirty && !r.evicted {
			r.storeTimer = time.AfterFunc(r.reg.cfg.Debounce, r.debouncedStore)
		}
		r.mu.Unlock()
	}
}

// flush appends a full-state update if the replica has unsaved changes.
func (r *Replica) flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked(ctx)
}

func (r *Replica) flushLocked(ctx context.Context) error {
	if !r.dirty || r.quarantined {
		return nil
	}
	if r.storeTimer != nil {
		r.storeTimer.Stop()
		r.storeTimer = nil
	}
	encoded := r.state.Encode()
	if len(encoded) == 0 {
		r.dirty = false
		return nil
	}
	if _, err := r.reg.logs.AppendUpdate(ctx, r.docID, encoded); err != nil {
		return fmt.Errorf("append state: %w", err)
	}
	r.dirty = false
	r.appends++
	return nil
}
