// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package playlist

import (
	"errors"
	"fmt"
	"testing"

	"github.com/phonotheca/phonotheca/internal/models"
)

// fixedEntries builds n entries with track ids t0..t{n-1}.
func fixedEntries(n int) []models.PlaylistEntry {
	out := make([]models.PlaylistEntry, n)
	for i := range out {
		out[i] = models.PlaylistEntry{
			Position:        i,
			TrackID:         fmt.Sprintf("t%d", i),
			DurationSeconds: float64(i * 10),
		}
	}
	return out
}

func trackOrder(entries []models.PlaylistEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.TrackID
	}
	return out
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestApplyMoves(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		moves []Move
		want  []string
	}{
		{
			name:  "forward",
			n:     4,
			moves: []Move{{From: 0, To: 2}},
			want:  []string{"t1", "t2", "t0", "t3"},
		},
		{
			name:  "backward",
			n:     4,
			moves: []Move{{From: 3, To: 1}},
			want:  []string{"t0", "t3", "t1", "t2"},
		},
		{
			name:  "to front",
			n:     3,
			moves: []Move{{From: 2, To: 0}},
			want:  []string{"t2", "t0", "t1"},
		},
		{
			name:  "to back",
			n:     3,
			moves: []Move{{From: 0, To: 2}},
			want:  []string{"t1", "t2", "t0"},
		},
		{
			name:  "identity move",
			n:     3,
			moves: []Move{{From: 1, To: 1}},
			want:  []string{"t0", "t1", "t2"},
		},
		{
			name: "sequential moves see prior effects",
			n:    4,
			// After the first move the list is t1 t2 t3 t0; the second
			// addresses that list, not the original.
			moves: []Move{{From: 0, To: 3}, {From: 0, To: 1}},
			want:  []string{"t2", "t1", "t3", "t0"},
		},
		{
			name:  "swap of two",
			n:     2,
			moves: []Move{{From: 0, To: 1}},
			want:  []string{"t1", "t0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := fixedEntries(tt.n)
			if err := applyMoves(entries, tt.moves); err != nil {
				t.Fatalf("applyMoves: %v", err)
			}
			if got := trackOrder(entries); !sameOrder(got, tt.want) {
				t.Errorf("order = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyMovesBounds(t *testing.T) {
	tests := []struct {
		name string
		move Move
	}{
		{"negative from", Move{From: -1, To: 0}},
		{"from at length", Move{From: 3, To: 0}},
		{"negative to", Move{From: 0, To: -1}},
		{"to at length", Move{From: 0, To: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := fixedEntries(3)
			err := applyMoves(entries, []Move{tt.move})
			if !errors.Is(err, ErrMoveOutOfRange) {
				t.Fatalf("err = %v, want %v", err, ErrMoveOutOfRange)
			}
			if got := trackOrder(entries); !sameOrder(got, []string{"t0", "t1", "t2"}) {
				t.Errorf("entries mutated by rejected move: %v", got)
			}
		})
	}
}

func TestApplyMovesRejectsBadMoveAnywhereInBatch(t *testing.T) {
	// A bad move aborts the whole batch, even after valid ones.
	entries := fixedEntries(3)
	err := applyMoves(entries, []Move{{From: 0, To: 2}, {From: 5, To: 0}})
	if !errors.Is(err, ErrMoveOutOfRange) {
		t.Fatalf("err = %v, want %v", err, ErrMoveOutOfRange)
	}
	if got := trackOrder(entries); !sameOrder(got, []string{"t0", "t1", "t2"}) {
		t.Errorf("entries mutated by rejected batch: %v", got)
	}
}

func TestInverseReorderRestoresOrder(t *testing.T) {
	moves := []Move{{From: 0, To: 5}, {From: 3, To: 1}, {From: 7, To: 2}, {From: 4, To: 4}, {From: 6, To: 0}}

	entries := fixedEntries(8)
	original := trackOrder(entries)

	if err := applyMoves(entries, moves); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if sameOrder(trackOrder(entries), original) {
		t.Fatal("moves were a no-op, property test proves nothing")
	}

	inverse := make([]Move, 0, len(moves))
	for i := len(moves) - 1; i >= 0; i-- {
		inverse = append(inverse, moves[i].Inverse())
	}
	if err := applyMoves(entries, inverse); err != nil {
		t.Fatalf("inverse: %v", err)
	}

	if got := trackOrder(entries); !sameOrder(got, original) {
		t.Errorf("inverse reorder gave %v, want %v", got, original)
	}
}
