// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package models defines the persisted entities of the audio library and
// the closed value sets that govern their lifecycles.
//
// Every entity is one document in the document store, keyed by a 26-char
// sortable id, guarded by an optimistic concurrency token (see Revision).
// Status values are closed string enumerations with explicit transition
// rules; services must consult CanTransitionTo before persisting a change
// so illegal transitions (Ready back to Processing, resurrecting a purged
// track) are rejected at the boundary instead of corrupting state.
//
// Ownership: Track, Playlist, UploadSession and RefreshToken each belong
// to exactly one User. OutboxMessage is created inside the same store
// transaction as the aggregate that owns it and mutated afterwards only by
// the outbox drainer.
package models
