// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package models

import (
	"fmt"
	"time"
)

// Audit actions recorded by the service. The set is closed so that
// consumers of the log can treat unknown actions as corruption.
const (
	AuditActionUserRegistered   = "user.registered"
	AuditActionUserLogin        = "user.login"
	AuditActionUserStatusSet    = "user.status_set"
	AuditActionUploadCompleted  = "upload.completed"
	AuditActionTrackReady       = "track.ready"
	AuditActionTrackFailed      = "track.failed"
	AuditActionTrackDeleted     = "track.deleted"
	AuditActionTrackRestored    = "track.restored"
	AuditActionTrackPurged      = "track.purged"
	AuditActionTrackReprocessed = "track.reprocessed"
	AuditActionOutboxRetried    = "outbox.retried"
)

// ValidAuditAction reports whether a is a known audit action.
func ValidAuditAction(a string) bool {
	switch a {
	case AuditActionUserRegistered, AuditActionUserLogin, AuditActionUserStatusSet,
		AuditActionUploadCompleted, AuditActionTrackReady, AuditActionTrackFailed,
		AuditActionTrackDeleted, AuditActionTrackRestored, AuditActionTrackPurged,
		AuditActionTrackReprocessed, AuditActionOutboxRetried:
		return true
	}
	return false
}

// Audit target types.
const (
	AuditTargetUser     = "user"
	AuditTargetTrack    = "track"
	AuditTargetPlaylist = "playlist"
	AuditTargetOutbox   = "outbox"
)

// ValidAuditTargetType reports whether t is a known target type.
func ValidAuditTargetType(t string) bool {
	switch t {
	case AuditTargetUser, AuditTargetTrack, AuditTargetPlaylist, AuditTargetOutbox:
		return true
	}
	return false
}

// Moderation reason codes. The code travels in events and API responses;
// the free-form reason text stays in the audit log only.
const (
	AuditReasonPolicyViolation = "policy_violation"
	AuditReasonCopyrightClaim  = "copyright_claim"
	AuditReasonUserRequest     = "user_request"
	AuditReasonSpam            = "spam"
	AuditReasonOther           = "other"
)

// ValidAuditReason reports whether c is a known reason code. The empty
// code is valid: most actions carry no reason.
func ValidAuditReason(c string) bool {
	switch c {
	case "", AuditReasonPolicyViolation, AuditReasonCopyrightClaim,
		AuditReasonUserRequest, AuditReasonSpam, AuditReasonOther:
		return true
	}
	return false
}

// AuditRecord is one entry in the hash-chained audit log. Hash covers the
// canonical encoding of the record including PrevHash, so any mutation of
// a stored record breaks verification of that record, and any removal
// breaks the link check on its successor.
type AuditRecord struct {
	Revision

	// ID is the fixed-width sequence id (AuditSeqID). It doubles as the
	// document id, so lexical id order is append order.
	ID  string    `json:"id"`
	Seq int64     `json:"seq"`
	At  time.Time `json:"at"`

	ActorUserID string `json:"actor_user_id"`
	ActorEmail  string `json:"actor_email,omitempty"`
	Action      string `json:"action"`
	TargetType  string `json:"target_type"`
	TargetID    string `json:"target_id"`

	ReasonCode    string `json:"reason_code,omitempty"`
	ReasonText    string `json:"reason_text,omitempty"`
	PreviousState string `json:"previous_state,omitempty"`
	NewState      string `json:"new_state,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
	IP            string `json:"ip,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`

	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash"`
}

// AuditSeqID renders a sequence number as a fixed-width, lexically
// sortable document id.
func AuditSeqID(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

// AuditHead tracks the tail of the chain. Appends load it, advance it
// under its version token, and write it alongside the new record, which
// serializes writers across processes.
type AuditHead struct {
	Revision

	LastSeq  int64  `json:"last_seq"`
	LastHash string `json:"last_hash"`
}

// AuditHeadID is the singleton document id of the chain head.
const AuditHeadID = "head"
