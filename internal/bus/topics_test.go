// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package bus

import "testing"

func TestTopicPrefixesEnvironment(t *testing.T) {
	tests := []struct {
		name string
		env  string
		base string
		want string
	}{
		{"production", "prod", TopicAudioEvents, "prod-audio-events"},
		{"staging shares the broker", "staging", TopicTrackDeletions, "staging-track-deletions"},
		{"empty env falls back to dev", "", TopicMinioEvents, "dev-minio-events"},
		{"whitespace env falls back to dev", "  ", TopicTelemetryEvents, "dev-telemetry-events"},
		{"dlq keeps the suffix", "prod", TopicAudioEventsDLQ, "prod-audio-events-dlq"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Topic(tc.env, tc.base); got != tc.want {
				t.Errorf("Topic(%q, %q) = %q, want %q", tc.env, tc.base, got, tc.want)
			}
		})
	}
}

func TestAllTopicsListsEveryBaseTopic(t *testing.T) {
	all := AllTopics()

	want := map[string]bool{
		TopicAudioEvents:     false,
		TopicAudioEventsDLQ:  false,
		TopicMinioEvents:     false,
		TopicTrackDeletions:  false,
		TopicTelemetryEvents: false,
	}
	if len(all) != len(want) {
		t.Fatalf("AllTopics() has %d entries, want %d", len(all), len(want))
	}

	for _, base := range all {
		seen, known := want[base]
		if !known {
			t.Errorf("AllTopics() contains unknown topic %q", base)
			continue
		}
		if seen {
			t.Errorf("AllTopics() lists %q twice", base)
		}
		want[base] = true
	}
	for base, seen := range want {
		if !seen {
			t.Errorf("AllTopics() is missing %q", base)
		}
	}
}
