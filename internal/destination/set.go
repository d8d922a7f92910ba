package destination

import (
	"sync/atomic"
)

// Set is an ordered, duplicate-free, read-only list of destinations.
// Order is first-seen and only matters for deterministic iteration.
type Set struct {
	dests []Destination
	index map[string]int
}

// NewSet builds a Set, collapsing destinations with the same Key.
func NewSet(dests ...Destination) *Set {
	s := &Set{index: make(map[string]int, len(dests))}
	for _, d := range dests {
		k := d.Key()
		if _, dup := s.index[k]; dup {
			continue
		}
		s.index[k] = len(s.dests)
		s.dests = append(s.dests, d)
	}
	return s
}

// Len returns the number of unique destinations.  A nil Set is empty.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.dests)
}

// All returns a copy of the destinations in order.
func (s *Set) All() []Destination {
	if s == nil {
		return nil
	}
	out := make([]Destination, len(s.dests))
	copy(out, s.dests)
	return out
}

// Contains reports whether a destination with d's key is in the set.
func (s *Set) Contains(d Destination) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[d.Key()]
	return ok
}

// Keys returns the destination keys in order.
func (s *Set) Keys() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.dests))
	for i, d := range s.dests {
		out[i] = d.Key()
	}
	return out
}

// Equal reports whether both sets hold the same keys in the same order.
func (s *Set) Equal(o *Set) bool {
	if s.Len() != o.Len() {
		return false
	}
	if s.Len() == 0 {
		return true
	}
	for i := range s.dests {
		if s.dests[i] != o.dests[i] {
			return false
		}
	}
	return true
}

// ── Source ───────────────────────────────────────────────────────────

// Source publishes the current destination Set.  Readers take a
// snapshot at session start; the watcher stores replacements.  Each
// Store bumps the version so long-lived readers (the UDP loop) can
// notice a change with one atomic load.
type Source struct {
	cur atomic.Pointer[snapshot]
}

type snapshot struct {
	set     *Set
	version uint64
}

// NewSource creates a Source at version 1 holding set.
func NewSource(set *Set) *Source {
	s := &Source{}
	s.cur.Store(&snapshot{set: set, version: 1})
	return s
}

// Current returns the current set and its version.
func (s *Source) Current() (*Set, uint64) {
	snap := s.cur.Load()
	return snap.set, snap.version
}

// Version returns the current version without the set.
func (s *Source) Version() uint64 {
	return s.cur.Load().version
}

// Store replaces the current set and returns the new version.
func (s *Source) Store(set *Set) uint64 {
	for {
		old := s.cur.Load()
		next := &snapshot{set: set, version: old.version + 1}
		if s.cur.CompareAndSwap(old, next) {
			return next.version
		}
	}
}
