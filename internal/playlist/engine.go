// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package playlist

import (
	"errors"
	"fmt"

	"github.com/phonotheca/phonotheca/internal/models"
)

var (
	// ErrMoveOutOfRange rejects a move whose index falls outside the
	// playlist.
	ErrMoveOutOfRange = errors.New("playlist: move index out of range")

	// ErrTooManyMoves rejects a reorder request over the per-request cap.
	ErrTooManyMoves = errors.New("playlist: too many moves in one request")

	// ErrEmptyPlaylist rejects reordering a playlist with no entries.
	ErrEmptyPlaylist = errors.New("playlist: playlist is empty")
)

// Move relocates one entry. From addresses the entry by its current
// position; after the move the entry sits at position To.
type Move struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Inverse returns the move that undoes m.
func (m Move) Inverse() Move {
	return Move{From: m.To, To: m.From}
}

// applyMoves rearranges entries in place, one move at a time. Each move
// sees the effect of the previous one, and each is bounds-checked
// against the playlist length. The first bad move aborts with the
// entries left untouched, so callers never persist a half-applied
// reorder.
func applyMoves(entries []models.PlaylistEntry, moves []Move) error {
	n := len(entries)
	for i, m := range moves {
		if m.From < 0 || m.From >= n || m.To < 0 || m.To >= n {
			return fmt.Errorf("%w: move %d (%d -> %d) with %d entries", ErrMoveOutOfRange, i, m.From, m.To, n)
		}
	}

	for _, m := range moves {
		if m.From == m.To {
			continue
		}
		e := entries[m.From]
		if m.From < m.To {
			copy(entries[m.From:], entries[m.From+1:m.To+1])
		} else {
			copy(entries[m.To+1:], entries[m.To:m.From])
		}
		entries[m.To] = e
	}
	return nil
}
