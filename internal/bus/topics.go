// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package bus

import "strings"

// Base topic names. The running environment is prefixed on the wire so
// staging and production can share a broker without crosstalk.
const (
	// TopicAudioEvents carries domain events for the upload/analysis
	// lifecycle (upload.completed, track.ready, track.failed,
	// track.restored).
	TopicAudioEvents = "audio-events"

	// TopicAudioEventsDLQ receives audio events whose handlers exhausted
	// every retry.
	TopicAudioEventsDLQ = "audio-events-dlq"

	// TopicMinioEvents carries relayed object store bucket notifications.
	TopicMinioEvents = "minio-events"

	// TopicTrackDeletions carries track.deleted and track.purged so
	// narrow consumers (URL invalidation, telemetry cleanup) do not wade
	// through the main event flow.
	TopicTrackDeletions = "track-deletions"

	// TopicTelemetryEvents carries playback telemetry toward the rollup
	// store.
	TopicTelemetryEvents = "telemetry-events"
)

// Topic renders the wire name of a base topic for an environment.
func Topic(env, base string) string {
	env = strings.TrimSpace(env)
	if env == "" {
		env = "dev"
	}
	return env + "-" + base
}

// AllTopics lists every base topic; stream provisioning walks this.
func AllTopics() []string {
	return []string{
		TopicAudioEvents,
		TopicAudioEventsDLQ,
		TopicMinioEvents,
		TopicTrackDeletions,
		TopicTelemetryEvents,
	}
}
