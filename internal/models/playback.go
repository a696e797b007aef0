// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package models

import (
	"fmt"
	"time"
)

// PlaybackEventType classifies a telemetry event.
type PlaybackEventType string

const (
	PlayStart    PlaybackEventType = "play_start"
	PlayStop     PlaybackEventType = "play_stop"
	PlayProgress PlaybackEventType = "play_progress"
	PlayComplete PlaybackEventType = "play_complete"
	PlaySeek     PlaybackEventType = "seek"
)

// IsValid reports whether t is a known playback event type.
func (t PlaybackEventType) IsValid() bool {
	switch t {
	case PlayStart, PlayStop, PlayProgress, PlayComplete, PlaySeek:
		return true
	}
	return false
}

// Clock-skew acceptance window for client timestamps.
const (
	PlaybackMaxPast   = 24 * time.Hour
	PlaybackMaxFuture = 5 * time.Minute
)

// PlaybackEvent is an ephemeral listener telemetry record. It is never
// persisted by the API; accepted events flow straight to the bus keyed by
// user id and are aggregated downstream.
type PlaybackEvent struct {
	EventID               string            `json:"event_id"`
	Type                  PlaybackEventType `json:"type"`
	TrackID               string            `json:"track_id"`
	UserID                string            `json:"user_id"`
	ClientTS              time.Time         `json:"client_ts"`
	PositionSeconds       float64           `json:"position_seconds,omitempty"`
	DurationPlayedSeconds float64           `json:"duration_played_seconds,omitempty"`
	SessionID             string            `json:"session_id,omitempty"`
	DeviceIDHash          string            `json:"device_id_hash,omitempty"`
}

// Validate checks the event against the acceptance rules relative to now.
func (e *PlaybackEvent) Validate(now time.Time) error {
	if !e.Type.IsValid() {
		return fmt.Errorf("unknown playback event type %q", e.Type)
	}
	if e.TrackID == "" {
		return fmt.Errorf("playback event missing track_id")
	}
	if e.ClientTS.Before(now.Add(-PlaybackMaxPast)) {
		return fmt.Errorf("client_ts %s older than %s", e.ClientTS.Format(time.RFC3339), PlaybackMaxPast)
	}
	if e.ClientTS.After(now.Add(PlaybackMaxFuture)) {
		return fmt.Errorf("client_ts %s more than %s in the future", e.ClientTS.Format(time.RFC3339), PlaybackMaxFuture)
	}
	if e.PositionSeconds < 0 {
		return fmt.Errorf("position_seconds must be >= 0")
	}
	if e.DurationPlayedSeconds < 0 {
		return fmt.Errorf("duration_played_seconds must be >= 0")
	}
	return nil
}
