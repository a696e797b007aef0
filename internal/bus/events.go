// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package bus

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/phonotheca/phonotheca/internal/ids"
)

// SchemaVersion is the current event envelope version. Consumers must
// tolerate older versions.
const SchemaVersion = 1

// Event types by topic.
const (
	EventUploadCompleted = "upload.completed" // audio-events
	EventTrackReady      = "track.ready"      // audio-events
	EventTrackFailed     = "track.failed"     // audio-events
	EventTrackRestored   = "track.restored"   // audio-events

	EventTrackDeleted = "track.deleted" // track-deletions
	EventTrackPurged  = "track.purged"  // track-deletions

	EventObjectCreated = "object.created" // minio-events
	EventObjectRemoved = "object.removed" // minio-events

	EventPlayback = "playback" // telemetry-events

	EventDeadLetter = "dead.letter" // audio-events-dlq
)

// Metadata keys set on every published message.
const (
	MetaEventType     = "event_type"
	MetaCorrelationID = "correlation_id"
	MetaPartitionKey  = "partition_key"
)

// Envelope is the wire form of every event. EventID doubles as the
// broker deduplication id, so replays of the same logical event (an
// outbox retry, a redelivery) collapse inside the duplicate window.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	PartitionKey  string          `json:"partition_key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in a fresh envelope with a generated id.
func NewEnvelope(eventType string, payload any) (*Envelope, error) {
	return NewEnvelopeWithID(ids.New(), eventType, payload)
}

// NewEnvelopeWithID wraps payload under a caller-chosen id. The outbox
// uses the row id here so every publish attempt of one row carries the
// same deduplication id.
func NewEnvelopeWithID(id, eventType string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return &Envelope{
		SchemaVersion: SchemaVersion,
		EventID:       id,
		EventType:     eventType,
		OccurredAt:    time.Now().UTC(),
		Payload:       body,
	}, nil
}

// Message renders the envelope as a watermill message with metadata and
// the NATS deduplication header set.
func (e *Envelope) Message() (*message.Message, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.EventID, err)
	}

	msg := message.NewMessage(e.EventID, body)
	msg.Metadata.Set(MetaEventType, e.EventType)
	msg.Metadata.Set(natsgo.MsgIdHdr, e.EventID)
	if e.CorrelationID != "" {
		msg.Metadata.Set(MetaCorrelationID, e.CorrelationID)
	}
	if e.PartitionKey != "" {
		msg.Metadata.Set(MetaPartitionKey, e.PartitionKey)
	}
	return msg, nil
}

// ParseEnvelope decodes a consumed message back into an envelope.
func ParseEnvelope(msg *message.Message) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return nil, fmt.Errorf("decode envelope %s: %w", msg.UUID, err)
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("envelope %s has no event type", msg.UUID)
	}
	return &e, nil
}

// Decode unmarshals the payload into out.
func (e *Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// UploadCompleted announces that an upload session was verified and its
// track now waits for analysis.
type UploadCompleted struct {
	TrackID   string `json:"track_id"`
	UserID    string `json:"user_id"`
	ObjectKey string `json:"object_key"`
	Mime      string `json:"mime"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"` // hex SHA-256 of the object bytes
}

// TrackReady announces a successful analysis.
type TrackReady struct {
	TrackID           string  `json:"track_id"`
	UserID            string  `json:"user_id"`
	DurationSeconds   float64 `json:"duration_seconds"`
	WaveformObjectKey string  `json:"waveform_object_key,omitempty"`
}

// TrackFailed announces a rejected analysis with its closed-set reason.
type TrackFailed struct {
	TrackID string `json:"track_id"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
}

// TrackRestored announces a track leaving the deletion grace window.
type TrackRestored struct {
	TrackID string `json:"track_id"`
	UserID  string `json:"user_id"`
	Status  string `json:"status"` // status the track returned to
}

// TrackDeleted announces a soft delete entering the grace window.
type TrackDeleted struct {
	TrackID             string    `json:"track_id"`
	UserID              string    `json:"user_id"`
	ObjectKey           string    `json:"object_key"`
	WaveformObjectKey   string    `json:"waveform_object_key,omitempty"`
	ScheduledDeletionAt time.Time `json:"scheduled_deletion_at"`
}

// TrackPurged announces permanent removal of a track and its objects.
type TrackPurged struct {
	TrackID   string `json:"track_id"`
	UserID    string `json:"user_id"`
	ObjectKey string `json:"object_key"`
}

// ObjectEvent is a relayed bucket notification.
type ObjectEvent struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	EventName   string    `json:"event_name"`
	Size        int64     `json:"size,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	At          time.Time `json:"at"`
}

// DeadLetter wraps a message the router parked on the dead letter
// topic: the original bytes plus the failure that exhausted or bypassed
// the retry budget. OriginalPayload holds the complete original
// envelope, so a parked message can be replayed verbatim.
type DeadLetter struct {
	OriginalTopic   string          `json:"original_topic"`
	OriginalKey     string          `json:"original_key,omitempty"`
	OriginalPayload json.RawMessage `json:"original_payload"`
	ErrorType       string          `json:"error_type"`
	ErrorMessage    string          `json:"error_message"`
	RetryCount      int             `json:"retry_count"`
	FailedAt        time.Time       `json:"failed_at"`
}
