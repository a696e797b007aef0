// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package models

// Revision carries the document store's optimistic concurrency token.
// The store gateway sets it on load and bumps it on every successful save;
// a save whose token no longer matches the stored document fails with a
// concurrency conflict. The token lives in the document envelope, not in
// the document body, hence the json:"-" tag.
//
// Entities embed Revision to participate in optimistic concurrency.
type Revision struct {
	Version int64 `json:"-"`
}

// DocVersion returns the optimistic concurrency token.
func (r *Revision) DocVersion() int64 { return r.Version }

// SetDocVersion replaces the optimistic concurrency token.
func (r *Revision) SetDocVersion(v int64) { r.Version = v }

// Collection names. One document collection per entity type.
const (
	CollectionUsers         = "users"
	CollectionRefreshTokens = "refresh_tokens"
	CollectionSessions      = "upload_sessions"
	CollectionTracks        = "tracks"
	CollectionOutbox        = "outbox"
	CollectionPlaylists     = "playlists"
	CollectionAudit         = "audit"
	CollectionAuditHead     = "audit_head"
)
