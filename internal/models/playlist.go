// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package models

import "time"

// PlaylistEntry is one positioned track reference inside a playlist.
// DurationSeconds is a snapshot taken when the track was added; the derived
// playlist totals are sums over these snapshots.
type PlaylistEntry struct {
	Position        int       `json:"position"`
	TrackID         string    `json:"track_id"`
	AddedAt         time.Time `json:"added_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Playlist is an ordered collection of tracks owned by one user.
//
// Invariants: entry positions are exactly 0..n-1 in slice order,
// TrackCount == len(Entries), and TotalDurationSeconds equals the sum of
// entry durations. Normalize restores all three after any mutation.
type Playlist struct {
	Revision

	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Entries     []PlaylistEntry `json:"entries"`

	TotalDurationSeconds float64 `json:"total_duration_seconds"`
	TrackCount           int     `json:"track_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Normalize reassigns contiguous positions and recomputes the derived
// TrackCount and TotalDurationSeconds fields.
func (p *Playlist) Normalize() {
	var total float64
	for i := range p.Entries {
		p.Entries[i].Position = i
		total += p.Entries[i].DurationSeconds
	}
	p.TrackCount = len(p.Entries)
	p.TotalDurationSeconds = total
}

// Positions returns the current position vector, mostly for tests and
// integrity checks.
func (p *Playlist) Positions() []int {
	out := make([]int, len(p.Entries))
	for i, e := range p.Entries {
		out[i] = e.Position
	}
	return out
}
