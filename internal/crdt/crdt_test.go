package crdt

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func mustMerge(t *testing.T, s *State, updates ...[]byte) {
	t.Helper()
	for _, u := range updates {
		if err := s.Merge(u); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}
	}
}

func rawUpdate(site, clock uint64, key string, deleted bool, value string) []byte {
	return appendEntry(nil, entry{site: site, clock: clock, key: key, deleted: deleted, value: []byte(value)})
}

func TestEmptyState(t *testing.T) {
	s := NewState()
	if got := s.Encode(); len(got) != 0 {
		t.Fatalf("Encode() of empty state = %v, want empty", got)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
	if err := s.Merge(nil); err != nil {
		t.Fatalf("Merge(nil) error = %v", err)
	}
}

func TestSetAndGet(t *testing.T) {
	s := NewState()
	s.Set(1, "title", []byte("Hello"))
	got, ok := s.Get("title")
	if !ok || string(got) != "Hello" {
		t.Fatalf("Get() = %q, %v; want %q, true", got, ok, "Hello")
	}
	if _, ok := s.Get("missing"); ok {
		t.Fatal("Get() found a key that was never set")
	}
}

func TestDeleteTombstones(t *testing.T) {
	s := NewState()
	s.Set(1, "title", []byte("Hello"))
	s.Delete(1, "title")

	if _, ok := s.Get("title"); ok {
		t.Fatal("Get() returned a deleted key")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after delete", s.Len())
	}

	// The tombstone must survive a full-state encode so stale writers
	// still lose after compaction.
	restored := NewState()
	mustMerge(t, restored, s.Encode())
	mustMerge(t, restored, rawUpdate(2, 1, "title", false, "stale"))
	if _, ok := restored.Get("title"); ok {
		t.Fatal("stale write resurrected a tombstoned key")
	}
}

func TestLastWriterWins(t *testing.T) {
	cases := []struct {
		name    string
		updates [][]byte
		want    string
	}{
		{
			name: "higher clock wins",
			updates: [][]byte{
				rawUpdate(1, 1, "k", false, "old"),
				rawUpdate(2, 5, "k", false, "new"),
			},
			want: "new",
		},
		{
			name: "equal clock higher site wins",
			updates: [][]byte{
				rawUpdate(1, 3, "k", false, "low site"),
				rawUpdate(7, 3, "k", false, "high site"),
			},
			want: "high site",
		},
		{
			name: "late arrival of older write loses",
			updates: [][]byte{
				rawUpdate(2, 5, "k", false, "new"),
				rawUpdate(1, 1, "k", false, "old"),
			},
			want: "new",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewState()
			mustMerge(t, s, tc.updates...)
			got, ok := s.Get("k")
			if !ok || string(got) != tc.want {
				t.Fatalf("Get() = %q, %v; want %q, true", got, ok, tc.want)
			}
		})
	}
}

func TestMergeIdempotent(t *testing.T) {
	update := rawUpdate(1, 1, "k", false, "v")
	once := NewState()
	mustMerge(t, once, update)
	thrice := NewState()
	mustMerge(t, thrice, update, update, update)
	if !once.Equal(thrice) {
		t.Fatal("re-applying an update changed the state")
	}
}

func TestMergeCommutesAcrossPermutations(t *testing.T) {
	updates := [][]byte{
		rawUpdate(1, 1, "a", false, "from site 1"),
		rawUpdate(2, 2, "a", false, "from site 2"),
		rawUpdate(3, 1, "b", true, ""),
	}
	perms := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}

	reference := NewState()
	mustMerge(t, reference, updates...)
	wantEncoded := reference.Encode()

	for _, perm := range perms {
		s := NewState()
		for _, i := range perm {
			mustMerge(t, s, updates[i])
		}
		if !s.Equal(reference) {
			t.Fatalf("permutation %v diverged", perm)
		}
		if !bytes.Equal(s.Encode(), wantEncoded) {
			t.Fatalf("permutation %v encoded differently", perm)
		}
	}
}

func TestMergeCommutesUnderShuffle(t *testing.T) {
	// Three sites writing overlapping keys, delivered in random orders
	// with duplicates, must converge.
	sites := []*State{NewState(), NewState(), NewState()}
	keys := []string{"title", "body", "icon", "meta"}
	var updates [][]byte
	for i := 0; i < 30; i++ {
		site := uint64(i%3 + 1)
		key := keys[i%len(keys)]
		if i%7 == 0 {
			updates = append(updates, sites[i%3].Delete(site, key))
		} else {
			updates = append(updates, sites[i%3].Set(site, key, []byte{byte(i)}))
		}
	}

	reference := NewState()
	mustMerge(t, reference, updates...)

	r := rand.New(rand.NewSource(42))
	for round := 0; round < 10; round++ {
		shuffled := append([][]byte(nil), updates...)
		shuffled = append(shuffled, updates[r.Intn(len(updates))])
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		s := NewState()
		mustMerge(t, s, shuffled...)
		if !s.Equal(reference) {
			t.Fatalf("round %d: shuffled delivery diverged", round)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	s := NewState()
	s.Set(1, "title", []byte("Hello"))
	s.Set(2, "body", []byte("World"))
	s.Delete(1, "icon")

	restored := NewState()
	mustMerge(t, restored, s.Encode())
	if !restored.Equal(s) {
		t.Fatal("state restored from Encode() differs")
	}
	if !bytes.Equal(restored.Encode(), s.Encode()) {
		t.Fatal("round-tripped encoding differs")
	}
}

func TestDiffBringsPeerUpToDate(t *testing.T) {
	base := [][]byte{
		rawUpdate(1, 1, "title", false, "Hello"),
		rawUpdate(2, 2, "body", false, "World"),
	}
	ahead := NewState()
	mustMerge(t, ahead, base...)
	behind := NewState()
	mustMerge(t, behind, base...)

	mustMerge(t, ahead, rawUpdate(1, 3, "title", false, "Hello again"))
	mustMerge(t, ahead, rawUpdate(3, 1, "icon", false, "pen"))

	diff := ahead.Diff(behind.Vector())
	mustMerge(t, behind, diff)
	if !behind.Equal(ahead) {
		t.Fatal("peer state differs after applying diff")
	}
}

func TestDiffOfEqualStatesIsEmpty(t *testing.T) {
	s := NewState()
	s.Set(1, "title", []byte("Hello"))
	if diff := s.Diff(s.Vector()); len(diff) != 0 {
		t.Fatalf("Diff() against own vector = %d bytes, want empty", len(diff))
	}
}

func TestLocalWriteSupersedesMergedState(t *testing.T) {
	s := NewState()
	mustMerge(t, s, rawUpdate(9, 100, "k", false, "remote"))

	update := s.Set(1, "k", []byte("local"))
	got, _ := s.Get("k")
	if string(got) != "local" {
		t.Fatalf("Get() = %q after local write, want %q", got, "local")
	}

	// The same write must win on a replica that already holds the remote
	// value.
	other := NewState()
	mustMerge(t, other, rawUpdate(9, 100, "k", false, "remote"), update)
	got, _ = other.Get("k")
	if string(got) != "local" {
		t.Fatalf("Get() on peer = %q, want %q", got, "local")
	}
}

func TestHydrateSnapshotPlusTail(t *testing.T) {
	var updates [][]byte
	scratch := NewState()
	for i := 0; i < 10; i++ {
		updates = append(updates, scratch.Set(1, "k", []byte{byte(i)}))
	}

	full, err := Hydrate(nil, updates)
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}

	// Compacting the first half into a snapshot must not change the
	// hydrated result.
	half, err := Hydrate(nil, updates[:5])
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	compacted, err := Hydrate(half.Encode(), updates[5:])
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if !compacted.Equal(full) {
		t.Fatal("hydration from snapshot + tail differs from full replay")
	}

	// An over-long tail (crash between snapshot save and truncation)
	// replays already-folded updates; the result is unchanged.
	overlap, err := Hydrate(half.Encode(), updates)
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if !overlap.Equal(full) {
		t.Fatal("hydration with overlapping tail differs from full replay")
	}
}

func TestHydrateEmpty(t *testing.T) {
	s, err := Hydrate(nil, nil)
	if err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestHydrateCorruptUpdate(t *testing.T) {
	good := rawUpdate(1, 1, "k", false, "v")
	_, err := Hydrate(nil, [][]byte{good, {0xff, 0x01, 0x02}})
	if !errors.Is(err, ErrCorruptUpdate) {
		t.Fatalf("Hydrate() error = %v, want ErrCorruptUpdate", err)
	}
}

func TestMergeCorruptUpdateChangesNothing(t *testing.T) {
	s := NewState()
	s.Set(1, "k", []byte("v"))
	before := s.Encode()

	corrupt := append(rawUpdate(2, 9, "k", false, "other"), 0xff)
	if err := s.Merge(corrupt); !errors.Is(err, ErrCorruptUpdate) {
		t.Fatalf("Merge() error = %v, want ErrCorruptUpdate", err)
	}
	if !bytes.Equal(s.Encode(), before) {
		t.Fatal("corrupt update mutated the state")
	}
}
