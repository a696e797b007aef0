// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package models

import (
	"strings"
	"time"
)

// RoleAdmin unlocks the moderation and audit surface through the
// role-permission policy.
const RoleAdmin = "admin"

// UserStatus is the lifecycle state of a user account.
type UserStatus string

const (
	// UserActive may authenticate and use every owner-scoped operation.
	UserActive UserStatus = "active"

	// UserDisabled is blocked from authenticating; set by admin moderation.
	UserDisabled UserStatus = "disabled"

	// UserPendingDeletion may still stream and restore own content while
	// account removal is being prepared.
	UserPendingDeletion UserStatus = "pending_deletion"
)

// IsValid reports whether s is a known user status.
func (s UserStatus) IsValid() bool {
	switch s {
	case UserActive, UserDisabled, UserPendingDeletion:
		return true
	}
	return false
}

// CanStream reports whether a principal with this status may be issued
// stream URLs or initiate uploads.
func (s UserStatus) CanStream() bool {
	return s == UserActive || s == UserPendingDeletion
}

// User is a registered account. Never hard-deleted while audit entries
// reference it.
type User struct {
	Revision

	ID           string     `json:"id"`
	Email        string     `json:"email"` // normalized, unique
	DisplayName  string     `json:"display_name"`
	PasswordHash string     `json:"password_hash"` // opaque to everything but identity
	Status       UserStatus `json:"status"`
	Roles        []string   `json:"roles,omitempty"`
	Permissions  []string   `json:"permissions,omitempty"`

	// UsedStorageBytes is the sum of file sizes of the user's tracks.
	// Incremented by the upload ingestor's commit, decremented by the purge
	// worker. Never negative.
	UsedStorageBytes int64 `json:"used_storage_bytes"`

	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// NormalizeEmail lowercases and trims an email address so uniqueness is
// case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RefreshToken is one rotating credential of a user session. Only the
// SHA-256 hash of the opaque token is persisted.
type RefreshToken struct {
	Revision

	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"token_hash"` // hex SHA-256, never the plaintext
	DeviceID  string     `json:"device_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Usable reports whether the token can still be exchanged at the given time.
func (t *RefreshToken) Usable(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}
