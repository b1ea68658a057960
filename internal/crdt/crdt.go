// Package crdt implements the convergent element map underlying document
// replicas. Each key holds the write with the highest (clock, site) pair,
// so merging the same updates in any order, any number of times, yields
// the same state.
package crdt

import (
	"bytes"
	"fmt"
	"sort"
)

// Vector maps a site id to the highest clock observed from that site.
type Vector map[uint64]uint64

// Item is the surviving write for one key. Deleted items are tombstones;
// they stay in the state and in full encodes so late writers lose cleanly.
type Item struct {
	Site    uint64
	Clock   uint64
	Deleted bool
	Value   []byte
}

// State is a single replica's element map. It is not safe for concurrent
// use; the owning replica serializes access.
type State struct {
	items    map[string]Item
	vector   Vector
	maxClock uint64
}

func NewState() *State {
	return &State{
		items:  make(map[string]Item),
		vector: make(Vector),
	}
}

// Hydrate builds a state from a snapshot and the update tail, applied in
// order. Replaying updates already folded into the snapshot is harmless.
func Hydrate(snapshot []byte, updates [][]byte) (*State, error) {
	s := NewState()
	if len(snapshot) > 0 {
		if err := s.Merge(snapshot); err != nil {
			return nil, fmt.Errorf("apply snapshot: %w", err)
		}
	}
	for i, update := range updates {
		if err := s.Merge(update); err != nil {
			return nil, fmt.Errorf("apply update %d: %w", i, err)
		}
	}
	return s, nil
}

// Merge applies an update in place. A corrupt update changes nothing.
func (s *State) Merge(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	entries, err := decodeEntries(update)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s.apply(e)
	}
	return nil
}

func (s *State) apply(e entry) {
	if e.clock > s.vector[e.site] {
		s.vector[e.site] = e.clock
	}
	if e.clock > s.maxClock {
		s.maxClock = e.clock
	}
	if cur, ok := s.items[e.key]; ok && !wins(e, cur) {
		return
	}
	s.items[e.key] = Item{Site: e.site, Clock: e.clock, Deleted: e.deleted, Value: e.value}
}

// wins reports whether e supersedes cur: higher clock first, higher site
// on ties. An equal (clock, site) pair is the same event re-applied.
func wins(e entry, cur Item) bool {
	if e.clock != cur.Clock {
		return e.clock > cur.Clock
	}
	return e.site > cur.Site
}

// Encode produces a full-state update: applied to an empty state it yields
// a state equal to this one. Entries are ordered by key, so equal states
// encode to equal bytes.
func (s *State) Encode() []byte {
	if len(s.items) == 0 {
		return nil
	}
	var buf []byte
	for _, key := range s.sortedKeys() {
		it := s.items[key]
		buf = appendEntry(buf, entry{site: it.Site, clock: it.Clock, key: key, deleted: it.Deleted, value: it.Value})
	}
	return buf
}

// Diff produces the update that brings a peer at since up to this state:
// every item whose clock exceeds the peer's clock for its site.
func (s *State) Diff(since Vector) []byte {
	var buf []byte
	for _, key := range s.sortedKeys() {
		it := s.items[key]
		if it.Clock > since[it.Site] {
			buf = appendEntry(buf, entry{site: it.Site, clock: it.Clock, key: key, deleted: it.Deleted, value: it.Value})
		}
	}
	return buf
}

// Vector returns a copy of the observed clocks per site.
func (s *State) Vector() Vector {
	out := make(Vector, len(s.vector))
	for site, clock := range s.vector {
		out[site] = clock
	}
	return out
}

// Set records a local write for site and returns it encoded as an update.
// The write's clock exceeds every clock this state has observed, so it
// supersedes the current item on every replica that applies it.
func (s *State) Set(site uint64, key string, value []byte) []byte {
	e := entry{site: site, clock: s.maxClock + 1, key: key, value: append([]byte(nil), value...)}
	s.apply(e)
	return appendEntry(nil, e)
}

// Delete records a local tombstone for site and returns it encoded.
func (s *State) Delete(site uint64, key string) []byte {
	e := entry{site: site, clock: s.maxClock + 1, key: key, deleted: true}
	s.apply(e)
	return appendEntry(nil, e)
}

// Get returns the live value for key; tombstoned and absent keys read as
// missing.
func (s *State) Get(key string) ([]byte, bool) {
	it, ok := s.items[key]
	if !ok || it.Deleted {
		return nil, false
	}
	return it.Value, true
}

// Len counts live keys.
func (s *State) Len() int {
	n := 0
	for _, it := range s.items {
		if !it.Deleted {
			n++
		}
	}
	return n
}

// Equal reports whether both states hold identical items, tombstones
// included.
func (s *State) Equal(other *State) bool {
	if len(s.items) != len(other.items) {
		return false
	}
	for key, it := range s.items {
		o, ok := other.items[key]
		if !ok || o.Site != it.Site || o.Clock != it.Clock || o.Deleted != it.Deleted || !bytes.Equal(o.Value, it.Value) {
			return false
		}
	}
	return true
}

func (s *State) sortedKeys() []string {
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
