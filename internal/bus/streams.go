// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/phonotheca/phonotheca/internal/logging"
)

// JetStreamManager is the subset of jetstream.JetStream the initializer
// needs; tests substitute a fake.
type JetStreamManager interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// StreamSettings tunes one JetStream stream.
type StreamSettings struct {
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMsgs         int64
	DuplicateWindow time.Duration
	Replicas        int
}

func defaultStreamSettings() StreamSettings {
	return StreamSettings{
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        512 * 1024 * 1024,
		MaxMsgs:         1_000_000,
		DuplicateWindow: 10 * time.Minute,
		Replicas:        1,
	}
}

// StreamInitializer provisions one stream per topic before any publisher
// or subscriber starts. Idempotent: existing streams are updated to the
// wanted configuration.
type StreamInitializer struct {
	js       JetStreamManager
	env      string
	settings map[string]StreamSettings
}

// NewStreamInitializer builds an initializer for the environment's
// topics. Per-topic overrides replace the default settings.
func NewStreamInitializer(js JetStreamManager, env string, overrides map[string]StreamSettings) (*StreamInitializer, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream manager required")
	}
	settings := make(map[string]StreamSettings, len(AllTopics()))
	for _, base := range AllTopics() {
		if o, ok := overrides[base]; ok {
			settings[base] = o
			continue
		}
		settings[base] = defaultStreamSettings()
	}
	return &StreamInitializer{js: js, env: env, settings: settings}, nil
}

// EnsureStreams creates or updates every topic stream. Safe to call on
// every startup.
func (s *StreamInitializer) EnsureStreams(ctx context.Context) error {
	for _, base := range AllTopics() {
		if err := s.ensureStream(ctx, base); err != nil {
			return err
		}
	}
	return nil
}

func (s *StreamInitializer) ensureStream(ctx context.Context, base string) error {
	name := Topic(s.env, base)
	set := s.settings[base]

	cfg := jetstream.StreamConfig{
		Name:        name,
		Subjects:    []string{name},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      set.MaxAge,
		MaxBytes:    set.MaxBytes,
		MaxMsgs:     set.MaxMsgs,
		Duplicates:  set.DuplicateWindow,
		Replicas:    set.Replicas,
		Storage:     jetstream.FileStorage,
		AllowDirect: true,
		Discard:     jetstream.DiscardOld,
	}

	_, err := s.js.Stream(ctx, name)
	switch {
	case err == nil:
		if _, err := s.js.UpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("update stream %s: %w", name, err)
		}
	case errors.Is(err, jetstream.ErrStreamNotFound):
		if _, err := s.js.CreateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		logging.Info().Str("stream", name).Msg("created event stream")
	default:
		return fmt.Errorf("check stream %s: %w", name, err)
	}
	return nil
}

// IsHealthy reports whether every topic stream answers.
func (s *StreamInitializer) IsHealthy(ctx context.Context) bool {
	for _, base := range AllTopics() {
		if _, err := s.js.Stream(ctx, Topic(s.env, base)); err != nil {
			return false
		}
	}
	return true
}
