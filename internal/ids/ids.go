// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package ids generates the identifiers used across Phonotheca entities:
// 26-character lexicographically sortable ULIDs for every document id, and
// guess-resistant random suffixes for object-store keys.
package ids

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDLength is the canonical encoded length of a sortable id.
const IDLength = 26

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new sortable id. IDs generated within the same millisecond
// remain strictly increasing (monotonic entropy), so created-at ordered
// index scans never interleave.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// Valid reports whether s parses as a sortable id.
func Valid(s string) bool {
	if len(s) != IDLength {
		return false
	}
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// Parse returns the id or an error describing why it is malformed.
func Parse(s string) (string, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return "", fmt.Errorf("parse sortable id: %w", err)
	}
	return id.String(), nil
}

// Timestamp extracts the embedded creation time of a sortable id.
func Timestamp(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sortable id: %w", err)
	}
	return ulid.Time(id.Time()).UTC(), nil
}

// NewObjectSuffix returns 16 random bytes encoded as unpadded base64url
// (22 characters). Appended to object keys so that knowing a user id and a
// track id is not enough to address the stored bytes.
func NewObjectSuffix() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
