// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package telemetry carries playback events from listeners to the
// analytics rollup. Ingest validates client batches and publishes each
// accepted event to the telemetry topic partitioned by user id;
// Rollup consumes that topic and folds events into per-track and
// per-user aggregates in DuckDB.
//
// Events are ephemeral. The document store never sees them: an accepted
// event exists on the bus until the rollup buffers it, and in DuckDB
// after the next flush. Because the event ULID is both the broker
// deduplication id and the rollup's dedup key, a client retrying a
// whole batch after a transport error never double-counts.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/resilience"
)

var (
	// ErrNoEvents rejects an empty batch.
	ErrNoEvents = errors.New("telemetry: no events in batch")

	// ErrBatchTooLarge rejects a batch over the configured cap.
	ErrBatchTooLarge = errors.New("telemetry: batch too large")

	// ErrUserBlocked rejects events from an account that may not stream.
	ErrUserBlocked = errors.New("telemetry: account may not report playback")
)

// EventPublisher is the slice of the bus the ingest path needs.
type EventPublisher interface {
	Publish(ctx context.Context, baseTopic string, env *bus.Envelope) error
}

// Rejection reports one refused event by its position in the submitted
// batch. The rest of the batch is unaffected.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Ingest validates playback batches and puts accepted events on the
// bus. The user id on every event is stamped from the authenticated
// principal; whatever the client sent there is discarded.
type Ingest struct {
	publisher EventPublisher
	pipe      *resilience.Pipeline
	maxBatch  int
	log       zerolog.Logger
}

// NewIngest wires the ingest service.
func NewIngest(cfg config.TelemetryConfig, publisher EventPublisher, pipe *resilience.Pipeline) *Ingest {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	return &Ingest{
		publisher: publisher,
		pipe:      pipe,
		maxBatch:  cfg.MaxBatch,
		log:       logging.WithComponent("telemetry"),
	}
}

// Submit validates and publishes a batch. Invalid events are skipped
// and reported in the rejection list; valid events publish regardless.
// A publish failure aborts the batch with the events accepted so far,
// and the client is expected to resubmit the whole batch: event ULIDs
// deduplicate on the broker and in the rollup, so resubmission cannot
// double-count.
func (i *Ingest) Submit(ctx context.Context, p *auth.Principal, events []models.PlaybackEvent) (int, []Rejection, error) {
	if len(events) == 0 {
		return 0, nil, ErrNoEvents
	}
	if len(events) > i.maxBatch {
		return 0, nil, fmt.Errorf("%w: %d events, cap %d", ErrBatchTooLarge, len(events), i.maxBatch)
	}
	if !p.Status.CanStream() {
		return 0, nil, ErrUserBlocked
	}

	now := time.Now().UTC()
	correlationID := logging.CorrelationIDFromContext(ctx)

	accepted := 0
	var rejected []Rejection
	for idx := range events {
		e := events[idx]
		e.UserID = p.UserID

		if e.EventID == "" {
			e.EventID = ids.New()
		} else if !ids.Valid(e.EventID) {
			metrics.RecordTelemetryRejected("invalid_event_id")
			rejected = append(rejected, Rejection{Index: idx, Reason: "event_id is not a ULID"})
			continue
		}
		if !ids.Valid(e.TrackID) {
			metrics.RecordTelemetryRejected("invalid_track_id")
			rejected = append(rejected, Rejection{Index: idx, Reason: "track_id is not a ULID"})
			continue
		}
		if err := e.Validate(now); err != nil {
			metrics.RecordTelemetryRejected("invalid_event")
			rejected = append(rejected, Rejection{Index: idx, Reason: err.Error()})
			continue
		}

		env, err := bus.NewEnvelopeWithID(e.EventID, bus.EventPlayback, &e)
		if err != nil {
			return accepted, rejected, err
		}
		env.CorrelationID = correlationID
		env.PartitionKey = e.UserID

		err = i.pipe.Run(ctx, func(ctx context.Context) error {
			return i.publisher.Publish(ctx, bus.TopicTelemetryEvents, env)
		})
		if err != nil {
			return accepted, rejected, fmt.Errorf("publish playback event: %w", err)
		}

		metrics.RecordTelemetryEvent(string(e.Type))
		accepted++
	}

	i.log.Debug().
		Str("user_id", p.UserID).
		Int("accepted", accepted).
		Int("rejected", len(rejected)).
		Msg("playback batch ingested")
	return accepted, rejected, nil
}
