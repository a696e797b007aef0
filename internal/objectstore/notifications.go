// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package objectstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7/pkg/notification"
	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/resilience"
)

// EventPublisher is the slice of the bus the relay needs.
type EventPublisher interface {
	Publish(ctx context.Context, baseTopic string, env *bus.Envelope) error
}

// Relay converts bucket notifications into minio-events envelopes. It
// listens on the audio/ prefix only; the analyzer's waveform writes and
// anything else in the bucket never reach the event flow.
//
// The relay is the sole bridge between the store's notification stream
// and JetStream. If it dies the supervisor restarts it; notifications
// emitted while down are lost, which is why the ingestor also tolerates
// sessions completing late (expired-session handling covers the gap).
type Relay struct {
	client    *Client
	publisher EventPublisher
	pipeline  *resilience.Pipeline
	log       zerolog.Logger
}

// NewRelay wires the relay against a client and the bus.
func NewRelay(client *Client, publisher EventPublisher, pipeline *resilience.Pipeline) *Relay {
	return &Relay{
		client:    client,
		publisher: publisher,
		pipeline:  pipeline,
		log:       logging.WithComponent("objectstore.relay"),
	}
}

// String names the relay for supervisor logs.
func (r *Relay) String() string {
	return "objectstore-relay"
}

// Serve blocks on the notification stream until ctx is canceled or the
// stream breaks. Returning an error hands restart policy to the
// supervisor.
func (r *Relay) Serve(ctx context.Context) error {
	events := []string{"s3:ObjectCreated:*", "s3:ObjectRemoved:*"}
	ch := r.client.mc.ListenBucketNotification(ctx, r.client.bucket, audioPrefix, "", events)

	r.log.Info().Str("bucket", r.client.bucket).Str("prefix", audioPrefix).Msg("listening for bucket notifications")

	for info := range ch {
		if info.Err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("bucket notification stream: %w", info.Err)
		}
		for i := range info.Records {
			r.forward(ctx, &info.Records[i])
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("bucket notification stream closed")
}

func (r *Relay) forward(ctx context.Context, rec *notification.Event) {
	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		r.log.Warn().Str("raw_key", rec.S3.Object.Key).Err(err).Msg("dropping notification with undecodable key")
		return
	}

	eventType := bus.EventObjectCreated
	if strings.HasPrefix(rec.EventName, "s3:ObjectRemoved") {
		eventType = bus.EventObjectRemoved
	}

	at := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, rec.EventTime); err == nil {
		at = t.UTC()
	}

	payload := bus.ObjectEvent{
		Bucket:      rec.S3.Bucket.Name,
		Key:         key,
		EventName:   rec.EventName,
		Size:        rec.S3.Object.Size,
		ContentType: rec.S3.Object.ContentType,
		ETag:        rec.S3.Object.ETag,
		At:          at,
	}

	env, err := bus.NewEnvelope(eventType, payload)
	if err != nil {
		r.log.Error().Err(err).Str("key", key).Msg("encode object event")
		return
	}
	env.CorrelationID = logging.NewCorrelationID()
	env.PartitionKey = key

	err = r.pipeline.Run(ctx, func(ctx context.Context) error {
		return r.publisher.Publish(ctx, bus.TopicMinioEvents, env)
	})
	if err != nil {
		// The ingestor reconciles missed notifications via session
		// expiry, so a dropped relay is logged, not fatal.
		r.log.Error().Err(err).Str("key", key).Str("event", rec.EventName).Msg("relay object event")
		return
	}

	r.log.Debug().Str("key", key).Str("event", rec.EventName).Int64("size", rec.S3.Object.Size).Msg("object event relayed")
}
