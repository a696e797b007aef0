// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package objectstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/minio/minio-go/v7/pkg/notification"

	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/resilience"
)

type capturePublisher struct {
	topic string
	env   *bus.Envelope
	calls int
}

func (c *capturePublisher) Publish(_ context.Context, baseTopic string, env *bus.Envelope) error {
	c.topic = baseTopic
	c.env = env
	c.calls++
	return nil
}

// record builds a notification event the way the wire delivers it; the
// notification package keeps its nested types unexported.
func record(t *testing.T, eventName, rawKey string, size int64, contentType string) *notification.Event {
	t.Helper()
	raw := map[string]any{
		"eventVersion": "2.0",
		"eventSource":  "minio:s3",
		"eventName":    eventName,
		"eventTime":    time.Now().UTC().Format(time.RFC3339),
		"s3": map[string]any{
			"bucket": map[string]any{"name": "phonotheca"},
			"object": map[string]any{
				"key":         rawKey,
				"size":        size,
				"eTag":        "d41d8cd98f00b204e9800998ecf8427e",
				"contentType": contentType,
			},
		},
	}
	body, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	var ev notification.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	return &ev
}

func testRelay(pub EventPublisher) *Relay {
	return &Relay{
		client:    &Client{bucket: "phonotheca"},
		publisher: pub,
		pipeline:  resilience.New(resilience.Config{Name: "object-test", Timeout: time.Second, MaxConcurrent: 4}),
		log:       logging.WithComponent("objectstore.relay.test"),
	}
}

func TestRelayForward_ObjectCreated(t *testing.T) {
	pub := &capturePublisher{}
	relay := testRelay(pub)

	key := "audio/01HZXW3V9NQ5T8RDJF0K2M4P6A/01HZXW3V9NQ5T8RDJF0K2M4P6B/abc123"
	rec := record(t, "s3:ObjectCreated:Put", key, 2048, "audio/flac")

	relay.forward(context.Background(), rec)

	if pub.calls != 1 {
		t.Fatalf("publisher calls = %d, want 1", pub.calls)
	}
	if pub.topic != bus.TopicMinioEvents {
		t.Errorf("topic = %q, want %q", pub.topic, bus.TopicMinioEvents)
	}
	if pub.env.EventType != bus.EventObjectCreated {
		t.Errorf("event type = %q, want %q", pub.env.EventType, bus.EventObjectCreated)
	}
	if pub.env.CorrelationID == "" {
		t.Error("relayed envelope must carry a correlation id")
	}

	var payload bus.ObjectEvent
	if err := pub.env.Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Key != key {
		t.Errorf("payload key = %q, want %q", payload.Key, key)
	}
	if payload.Size != 2048 {
		t.Errorf("payload size = %d, want 2048", payload.Size)
	}
	if payload.ContentType != "audio/flac" {
		t.Errorf("payload content type = %q, want audio/flac", payload.ContentType)
	}
	if payload.Bucket != "phonotheca" {
		t.Errorf("payload bucket = %q, want phonotheca", payload.Bucket)
	}
}

func TestRelayForward_UnescapesKey(t *testing.T) {
	pub := &capturePublisher{}
	relay := testRelay(pub)

	// The wire key is URL-encoded; spaces arrive as + and unicode as
	// percent escapes.
	rec := record(t, "s3:ObjectCreated:Put", "audio/u/t/my+track%20name", 10, "audio/mpeg")

	relay.forward(context.Background(), rec)

	if pub.calls != 1 {
		t.Fatalf("publisher calls = %d, want 1", pub.calls)
	}
	var payload bus.ObjectEvent
	if err := pub.env.Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Key != "audio/u/t/my track name" {
		t.Errorf("payload key = %q, want decoded form", payload.Key)
	}
}

func TestRelayForward_ObjectRemoved(t *testing.T) {
	pub := &capturePublisher{}
	relay := testRelay(pub)

	rec := record(t, "s3:ObjectRemoved:Delete", "audio/u/t/suffix", 0, "")

	relay.forward(context.Background(), rec)

	if pub.calls != 1 {
		t.Fatalf("publisher calls = %d, want 1", pub.calls)
	}
	if pub.env.EventType != bus.EventObjectRemoved {
		t.Errorf("event type = %q, want %q", pub.env.EventType, bus.EventObjectRemoved)
	}
}
