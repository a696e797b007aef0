// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package telemetry

// recentSet remembers the last capacity event ids, evicting the oldest
// once full. It is an exact set, not probabilistic: a false positive
// here would silently drop a real event, and at rollup capacities the
// map stays small. Callers hold the rollup's buffer lock.
type recentSet struct {
	capacity int
	ids      map[string]struct{}
	ring     []string
	next     int
}

func newRecentSet(capacity int) *recentSet {
	if capacity <= 0 {
		capacity = 10000
	}
	return &recentSet{
		capacity: capacity,
		ids:      make(map[string]struct{}, capacity),
		ring:     make([]string, capacity),
	}
}

// remember records id and reports whether it was new. Known ids return
// false and do not refresh their slot; the window is insertion-ordered.
func (s *recentSet) remember(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % s.capacity
	return true
}

// len reports how many ids the window currently holds.
func (s *recentSet) len() int {
	return len(s.ids)
}
