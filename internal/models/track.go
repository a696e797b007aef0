// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package models

import "time"

// TrackStatus is the processing lifecycle state of a track.
type TrackStatus string

const (
	// TrackProcessing: bytes are in the object store, analysis pending.
	TrackProcessing TrackStatus = "processing"

	// TrackReady: metadata and waveform extracted, streamable.
	TrackReady TrackStatus = "ready"

	// TrackFailed: analysis rejected the file; FailureReason says why.
	TrackFailed TrackStatus = "failed"

	// TrackDeleted: soft-deleted, restorable until ScheduledDeletionAt.
	TrackDeleted TrackStatus = "deleted"
)

// IsValid reports whether s is a known track status.
func (s TrackStatus) IsValid() bool {
	switch s {
	case TrackProcessing, TrackReady, TrackFailed, TrackDeleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
//
// Legal transitions:
//
//	Processing -> Ready | Failed         (analyzer outcome)
//	Ready      -> Deleted                (soft delete)
//	Failed     -> Deleted | Processing   (soft delete; admin reprocess)
//	Deleted    -> Ready | Failed         (restore to the pre-deletion status)
//
// Ready never returns to Processing, and Failed returns to Processing only
// through the explicit admin reprocess path; callers outside that path
// must not request it.
func (s TrackStatus) CanTransitionTo(next TrackStatus) bool {
	switch s {
	case TrackProcessing:
		return next == TrackReady || next == TrackFailed
	case TrackReady:
		return next == TrackDeleted
	case TrackFailed:
		return next == TrackDeleted || next == TrackProcessing
	case TrackDeleted:
		return next == TrackReady || next == TrackFailed
	}
	return false
}

// FailureReason is the closed set of analyzer failure causes.
type FailureReason string

const (
	FailureDurationExceeded FailureReason = "DurationExceeded"
	FailureInvalidDuration  FailureReason = "InvalidDuration"
	FailureUnsupportedCodec FailureReason = "UnsupportedCodec"
	FailureCorruptedFile    FailureReason = "CorruptedFile"
	FailureFfprobeTimeout   FailureReason = "FfprobeTimeout"
	FailureFfmpegTimeout    FailureReason = "FfmpegTimeout"
	FailureStorageError     FailureReason = "StorageError"
	FailureUnknown          FailureReason = "UnknownError"
)

// IsValid reports whether r is a known failure reason.
func (r FailureReason) IsValid() bool {
	switch r {
	case FailureDurationExceeded, FailureInvalidDuration, FailureUnsupportedCodec,
		FailureCorruptedFile, FailureFfprobeTimeout, FailureFfmpegTimeout,
		FailureStorageError, FailureUnknown:
		return true
	}
	return false
}

// TrackMetadata is the analyzer's extraction result.
type TrackMetadata struct {
	DurationSeconds float64           `json:"duration_seconds"`
	SampleRate      int               `json:"sample_rate"`
	Channels        int               `json:"channels"`
	Codec           string            `json:"codec"`
	BitrateKbps     int               `json:"bitrate_kbps,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// Track is one uploaded audio file and its derived artifacts.
type Track struct {
	Revision

	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Artist string `json:"artist,omitempty"`

	ObjectKey         string `json:"object_key"`
	WaveformObjectKey string `json:"waveform_object_key,omitempty"`
	Mime              string `json:"mime"`
	FileSize          int64  `json:"file_size"`
	Checksum          string `json:"checksum"` // hex SHA-256 of the object bytes

	Status        TrackStatus    `json:"status"`
	FailureReason FailureReason  `json:"failure_reason,omitempty"`
	Metadata      *TrackMetadata `json:"metadata,omitempty"`

	// DuplicateOf records an earlier track of the same owner with the same
	// checksum. Informational only; duplicates are stored, never rejected.
	DuplicateOf string `json:"duplicate_of,omitempty"`

	// StatusBeforeDeletion is what Status held when the track was
	// soft-deleted, so restore can return it there.
	StatusBeforeDeletion TrackStatus `json:"status_before_deletion,omitempty"`

	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ProcessedAt         *time.Time `json:"processed_at,omitempty"`
	DeletedAt           *time.Time `json:"deleted_at,omitempty"`
	ScheduledDeletionAt *time.Time `json:"scheduled_deletion_at,omitempty"`
}

// Streamable reports whether a stream URL may be issued for the track.
func (t *Track) Streamable() bool {
	return t.Status == TrackReady
}

// SoftDeleted reports whether the track is in the restore grace window.
func (t *Track) SoftDeleted() bool {
	return t.Status == TrackDeleted && t.DeletedAt != nil && t.ScheduledDeletionAt != nil
}
