// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// OutboxStatus is the publication state of an outbox row.
type OutboxStatus string

const (
	// OutboxPending: not yet successfully published.
	OutboxPending OutboxStatus = "pending"

	// OutboxPublished: delivered to the bus exactly once (row-wise; the bus
	// itself is at-least-once downstream).
	OutboxPublished OutboxStatus = "published"

	// OutboxFailed: retries exhausted; requires operator action.
	OutboxFailed OutboxStatus = "failed"
)

// IsValid reports whether s is a known outbox status.
func (s OutboxStatus) IsValid() bool {
	switch s {
	case OutboxPending, OutboxPublished, OutboxFailed:
		return true
	}
	return false
}

// OutboxMessage is a durable record of one event awaiting publication.
// It is written in the same store transaction as the aggregate change it
// announces: if the aggregate commit succeeded, the row exists. The drainer
// is the only mutator afterwards.
type OutboxMessage struct {
	Revision

	ID            string          `json:"id"`
	Topic         string          `json:"topic"` // unprefixed; the bus adds the env tag
	PartitionKey  string          `json:"partition_key"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`

	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	LastError     string       `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Due reports whether the row is eligible for a publish attempt.
func (m *OutboxMessage) Due(now time.Time) bool {
	return m.Status == OutboxPending && !now.Before(m.NextAttemptAt)
}
