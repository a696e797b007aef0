// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package models

import (
	"github.com/goccy/go-json"

	"github.com/phonotheca/phonotheca/internal/store"
)

// Index names per collection. Query call sites reference these instead of
// raw strings so a renamed index breaks at one place.
const (
	IndexUserEmail     = "email"      // unique
	IndexUserStatus    = "status"     //
	IndexUserCreatedAt = "created_at" // ordered

	IndexTokenHash      = "token_hash" // unique
	IndexTokenUser      = "user"       //
	IndexTokenExpiresAt = "expires_at" // ordered

	IndexSessionObjectKey      = "object_key"      // unique
	IndexSessionPendingExpiry  = "pending_expiry"  // ordered, pending sessions only
	IndexSessionPendingUser    = "pending_user"    // pending sessions only
	IndexSessionTerminalExpiry = "terminal_expiry" // ordered, terminal sessions only

	IndexTrackUser     = "user"      //
	IndexTrackStatus   = "status"    //
	IndexTrackChecksum = "checksum"  // {user}|{sha256}, set at ingest
	IndexTrackPurgeDue = "purge_due" // ordered, deleted tracks only

	IndexOutboxPendingDue = "pending_due" // ordered, pending rows only
	IndexOutboxStatus     = "status"      //

	IndexPlaylistOwner = "owner" //

	IndexAuditAt     = "at"     // ordered
	IndexAuditActor  = "actor"  //
	IndexAuditTarget = "target" // {type}|{id}
)

// IndexSpecs returns the extractor set for every collection. The store
// runs these inside each write transaction, so index state can never lag
// the documents.
func IndexSpecs() []store.IndexSpec {
	return []store.IndexSpec{
		{Collection: CollectionUsers, Extract: userEntries},
		{Collection: CollectionRefreshTokens, Extract: refreshTokenEntries},
		{Collection: CollectionSessions, Extract: sessionEntries},
		{Collection: CollectionTracks, Extract: trackEntries},
		{Collection: CollectionOutbox, Extract: outboxEntries},
		{Collection: CollectionPlaylists, Extract: playlistEntries},
		{Collection: CollectionAudit, Extract: auditEntries},
	}
}

func userEntries(_ string, data []byte) (store.Entries, error) {
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return store.Entries{}, err
	}
	return store.Entries{
		Index: []store.Entry{
			{Name: IndexUserStatus, Value: string(u.Status)},
			{Name: IndexUserCreatedAt, Value: store.SortableTime(u.CreatedAt)},
		},
		Unique: []store.Entry{
			{Name: IndexUserEmail, Value: NormalizeEmail(u.Email)},
		},
	}, nil
}

func refreshTokenEntries(_ string, data []byte) (store.Entries, error) {
	var t RefreshToken
	if err := json.Unmarshal(data, &t); err != nil {
		return store.Entries{}, err
	}
	return store.Entries{
		Index: []store.Entry{
			{Name: IndexTokenUser, Value: t.UserID},
			{Name: IndexTokenExpiresAt, Value: store.SortableTime(t.ExpiresAt)},
		},
		Unique: []store.Entry{
			{Name: IndexTokenHash, Value: t.TokenHash},
		},
	}, nil
}

func sessionEntries(_ string, data []byte) (store.Entries, error) {
	var s UploadSession
	if err := json.Unmarshal(data, &s); err != nil {
		return store.Entries{}, err
	}
	e := store.Entries{
		Unique: []store.Entry{
			{Name: IndexSessionObjectKey, Value: s.ObjectKey},
		},
	}
	// Sparse entries keep the expiry sweep and the per-user pending count
	// from scanning terminal sessions, and the retention sweep from
	// scanning live ones. ExpiresAt bounds when a session last changed
	// state, so retention keys on it.
	if s.Status == SessionPending {
		e.Index = append(e.Index,
			store.Entry{Name: IndexSessionPendingExpiry, Value: store.SortableTime(s.ExpiresAt)},
			store.Entry{Name: IndexSessionPendingUser, Value: s.UserID},
		)
	} else {
		e.Index = append(e.Index, store.Entry{
			Name:  IndexSessionTerminalExpiry,
			Value: store.SortableTime(s.ExpiresAt),
		})
	}
	return e, nil
}

func trackEntries(_ string, data []byte) (store.Entries, error) {
	var t Track
	if err := json.Unmarshal(data, &t); err != nil {
		return store.Entries{}, err
	}
	e := store.Entries{
		Index: []store.Entry{
			{Name: IndexTrackUser, Value: t.UserID},
			{Name: IndexTrackStatus, Value: string(t.Status)},
		},
	}
	if t.Checksum != "" {
		e.Index = append(e.Index, store.Entry{
			Name:  IndexTrackChecksum,
			Value: t.UserID + "|" + t.Checksum,
		})
	}
	if t.Status == TrackDeleted && t.ScheduledDeletionAt != nil {
		e.Index = append(e.Index, store.Entry{
			Name:  IndexTrackPurgeDue,
			Value: store.SortableTime(*t.ScheduledDeletionAt),
		})
	}
	return e, nil
}

func outboxEntries(_ string, data []byte) (store.Entries, error) {
	var m OutboxMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return store.Entries{}, err
	}
	e := store.Entries{
		Index: []store.Entry{
			{Name: IndexOutboxStatus, Value: string(m.Status)},
		},
	}
	if m.Status == OutboxPending {
		e.Index = append(e.Index, store.Entry{
			Name:  IndexOutboxPendingDue,
			Value: store.SortableTime(m.NextAttemptAt),
		})
	}
	return e, nil
}

func playlistEntries(_ string, data []byte) (store.Entries, error) {
	var p Playlist
	if err := json.Unmarshal(data, &p); err != nil {
		return store.Entries{}, err
	}
	return store.Entries{
		Index: []store.Entry{
			{Name: IndexPlaylistOwner, Value: p.OwnerID},
		},
	}, nil
}

func auditEntries(_ string, data []byte) (store.Entries, error) {
	var r AuditRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return store.Entries{}, err
	}
	return store.Entries{
		Index: []store.Entry{
			{Name: IndexAuditAt, Value: store.SortableTime(r.At)},
			{Name: IndexAuditActor, Value: r.ActorUserID},
			{Name: IndexAuditTarget, Value: r.TargetType + "|" + r.TargetID},
		},
	}, nil
}
