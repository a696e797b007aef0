// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package models

import "time"

// UploadSessionStatus is the lifecycle state of an upload handle.
type UploadSessionStatus string

const (
	// SessionPending: presigned PUT issued, object not yet observed.
	SessionPending UploadSessionStatus = "pending"

	// SessionCompleted: object arrived and the track was created.
	SessionCompleted UploadSessionStatus = "completed"

	// SessionExpired: the presign window elapsed with no object.
	SessionExpired UploadSessionStatus = "expired"

	// SessionFailed: the uploaded object did not match the session.
	SessionFailed UploadSessionStatus = "failed"
)

// IsValid reports whether s is a known session status.
func (s UploadSessionStatus) IsValid() bool {
	switch s {
	case SessionPending, SessionCompleted, SessionExpired, SessionFailed:
		return true
	}
	return false
}

// Terminal reports whether the session can no longer change state.
// Sessions transition Pending -> {Completed | Expired | Failed} exactly once.
func (s UploadSessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionExpired || s == SessionFailed
}

// UploadSession binds a presigned PUT URL to a reserved track identity.
// Created by the upload coordinator; terminally transitioned by the
// ingestor or the session reaper; deleted after retention.
type UploadSession struct {
	Revision

	UploadID        string `json:"upload_id"`
	UserID          string `json:"user_id"`
	ReservedTrackID string `json:"reserved_track_id"`

	// ObjectKey has the shape audio/{user-id}/{track-id}/{suffix}; the
	// ingestor locates the session by this key when the object-created
	// notification arrives.
	ObjectKey    string `json:"object_key"`
	ExpectedMime string `json:"expected_mime"`
	MaxSize      int64  `json:"max_size"`

	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`

	Status    UploadSessionStatus `json:"status"`
	FailCause string              `json:"fail_cause,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExpiredAt reports whether the session's presign window has elapsed.
func (s *UploadSession) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
