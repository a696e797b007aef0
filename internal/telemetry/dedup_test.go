// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package telemetry

import (
	"fmt"
	"testing"
)

func TestRecentSetRemembersNewIDs(t *testing.T) {
	s := newRecentSet(4)

	if !s.remember("a") {
		t.Error("first sighting of a reported as known")
	}
	if s.remember("a") {
		t.Error("second sighting of a reported as new")
	}
	if !s.remember("b") {
		t.Error("first sighting of b reported as known")
	}
	if got := s.len(); got != 2 {
		t.Errorf("len = %d, want 2", got)
	}
}

func TestRecentSetEvictsOldest(t *testing.T) {
	s := newRecentSet(3)

	for _, id := range []string{"a", "b", "c"} {
		s.remember(id)
	}

	// d pushes out a, the oldest entry.
	if !s.remember("d") {
		t.Error("d reported as known")
	}
	if got := s.len(); got != 3 {
		t.Errorf("len = %d, want 3", got)
	}
	if !s.remember("a") {
		t.Error("evicted a still reported as known")
	}
	if s.remember("c") {
		t.Error("c evicted too early")
	}
}

func TestRecentSetKnownIDDoesNotRefreshSlot(t *testing.T) {
	s := newRecentSet(3)

	s.remember("a")
	s.remember("b")
	s.remember("a") // duplicate, must not consume a slot
	s.remember("c")

	// Window is full with a, b, c; the next insert evicts a.
	s.remember("d")
	if !s.remember("a") {
		t.Error("a not evicted despite being oldest")
	}
}

func TestRecentSetStaysBounded(t *testing.T) {
	s := newRecentSet(8)

	for i := range 100 {
		s.remember(fmt.Sprintf("id-%03d", i))
	}
	if got := s.len(); got != 8 {
		t.Errorf("len = %d, want capacity 8", got)
	}
}
