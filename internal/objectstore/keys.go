// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package objectstore

import (
	"fmt"
	"strings"

	"github.com/phonotheca/phonotheca/internal/ids"
)

// Object key layout. Audio bytes and waveform sidecars live under
// separate prefixes so bucket notifications can subscribe to uploads
// without seeing the analyzer's own writes.
const (
	audioPrefix    = "audio/"
	waveformPrefix = "waveforms/"
)

// AudioKey builds the object key for an uploaded track:
// audio/{user-id}/{track-id}/{suffix}. The random suffix keeps keys
// unguessable even when ids leak.
func AudioKey(userID, trackID, suffix string) string {
	return audioPrefix + userID + "/" + trackID + "/" + suffix
}

// WaveformKey builds the sidecar key for a track's peaks:
// waveforms/{user-id}/{track-id}/peaks.json.
func WaveformKey(userID, trackID string) string {
	return waveformPrefix + userID + "/" + trackID + "/peaks.json"
}

// AudioKeyParts identifies the owner and track encoded in an audio key.
type AudioKeyParts struct {
	UserID  string
	TrackID string
	Suffix  string
}

// ParseAudioKey splits an audio object key back into its parts. Keys
// arrive from bucket notifications, so anything malformed is treated as
// foreign and rejected.
func ParseAudioKey(key string) (AudioKeyParts, error) {
	rest, ok := strings.CutPrefix(key, audioPrefix)
	if !ok {
		return AudioKeyParts{}, fmt.Errorf("object key %q is not under %s", key, audioPrefix)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return AudioKeyParts{}, fmt.Errorf("object key %q does not match audio/{user}/{track}/{suffix}", key)
	}
	if !ids.Valid(parts[0]) || !ids.Valid(parts[1]) {
		return AudioKeyParts{}, fmt.Errorf("object key %q carries malformed ids", key)
	}

	return AudioKeyParts{UserID: parts[0], TrackID: parts[1], Suffix: parts[2]}, nil
}

// IsAudioKey reports whether key sits under the audio upload prefix.
func IsAudioKey(key string) bool {
	return strings.HasPrefix(key, audioPrefix)
}
