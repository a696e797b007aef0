// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package outbox implements the transactional outbox: domain events are
// written as pending rows inside the same store transaction as the
// aggregate change announcing them, and a background drainer publishes
// the rows to the bus afterwards.
//
// The guarantee is at-least-once: a crash between publish and the
// published flip replays the row, and the envelope reuses the row id as
// its broker deduplication id so the duplicate window absorbs replays.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/store"
)

// ErrNotFailed is returned when a retry is requested for a row that is
// not parked in the failed state.
var ErrNotFailed = fmt.Errorf("outbox row is not failed")

// NewMessage builds a pending outbox row for one event. The caller
// includes the returned row in the same SaveTx as the aggregate change;
// PutOp stages it.
func NewMessage(baseTopic, eventType, partitionKey string, payload any, correlationID string) (*models.OutboxMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: encode %s payload: %w", eventType, err)
	}

	now := time.Now().UTC()
	return &models.OutboxMessage{
		ID:            ids.New(),
		Topic:         baseTopic,
		PartitionKey:  partitionKey,
		EventType:     eventType,
		Payload:       body,
		CorrelationID: correlationID,
		Status:        models.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// PutOp stages the row for the caller's transaction.
func PutOp(m *models.OutboxMessage) store.Op {
	return store.PutOp(models.CollectionOutbox, m.ID, m)
}

// Envelope renders the row as its wire envelope. The row id becomes the
// envelope id, so every publish attempt of one row deduplicates to one
// delivered event.
func Envelope(m *models.OutboxMessage) (*bus.Envelope, error) {
	env, err := bus.NewEnvelopeWithID(m.ID, m.EventType, m.Payload)
	if err != nil {
		return nil, err
	}
	env.CorrelationID = m.CorrelationID
	env.PartitionKey = m.PartitionKey
	return env, nil
}

// RetryFailed resets a failed row to pending with a fresh attempt
// budget. Admin surface; the caller audits the action.
func RetryFailed(ctx context.Context, gw store.Gateway, id string) error {
	doc, err := gw.Load(ctx, models.CollectionOutbox, id)
	if err != nil {
		return err
	}

	var row models.OutboxMessage
	if err := store.Decode(doc, &row); err != nil {
		return err
	}
	if row.Status != models.OutboxFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, id, row.Status)
	}

	row.Status = models.OutboxPending
	row.Attempts = 0
	row.NextAttemptAt = time.Now().UTC()
	row.LastError = ""

	return gw.SaveTx(ctx, PutOp(&row))
}
