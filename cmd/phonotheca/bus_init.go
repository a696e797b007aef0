// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package main

import (
	"context"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/phonotheca/phonotheca/internal/analyzer"
	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/telemetry"
	"github.com/phonotheca/phonotheca/internal/upload"
	"github.com/phonotheca/phonotheca/internal/ws"
)

// busComponents groups everything attached to the event backbone so
// main can release it as a unit after the supervisor stops. The router
// itself runs under the supervisor (messaging layer); Shutdown here
// covers what the supervisor does not own.
type busComponents struct {
	embedded  *bus.EmbeddedServer
	conn      *natsgo.Conn
	streams   *bus.StreamInitializer
	publisher *bus.Publisher
	router    *bus.Router

	subs []*bus.Subscriber
}

// initBus starts the broker (embedded or external), provisions the
// topic streams, and wires every durable consumer role onto the shared
// router:
//
//	ingest             minio-events      -> upload ingestor
//	analyze            audio-events      -> analyzer
//	forward-audio      audio-events      -> websocket forwarder
//	forward-deletions  track-deletions   -> websocket forwarder
//	rollup             telemetry-events  -> telemetry rollup
//
// On any failure the partially built components are shut down before
// the error returns.
func initBus(cfg *config.Config, ingestor *upload.Ingestor, analyze *analyzer.Analyzer, forward *ws.Forwarder, roll *telemetry.Rollup) (*busComponents, error) {
	c := &busComponents{}
	env := cfg.Server.Environment

	var url string
	if cfg.NATS.EmbeddedServer {
		embedded, err := bus.NewEmbeddedServer(bus.ServerConfig{
			Host:              cfg.NATS.EmbeddedHost,
			Port:              cfg.NATS.EmbeddedPort,
			StoreDir:          cfg.NATS.StoreDir,
			JetStreamMaxMem:   cfg.NATS.MaxMemory,
			JetStreamMaxStore: cfg.NATS.MaxStore,
		})
		if err != nil {
			return nil, fmt.Errorf("start embedded NATS server: %w", err)
		}
		c.embedded = embedded
		url = embedded.ClientURL()
		logging.Info().Str("url", url).Msg("Embedded NATS server started")
	} else {
		url = cfg.NATS.URL
		logging.Info().Str("url", url).Msg("Using external NATS server")
	}

	nc, err := natsgo.Connect(url,
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		c.Shutdown(context.Background())
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c.conn = nc

	js, err := jetstream.New(nc)
	if err != nil {
		c.Shutdown(context.Background())
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	streams, err := bus.NewStreamInitializer(js, env, nil)
	if err != nil {
		c.Shutdown(context.Background())
		return nil, fmt.Errorf("create stream initializer: %w", err)
	}
	c.streams = streams

	provisionCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := streams.EnsureStreams(provisionCtx); err != nil {
		c.Shutdown(context.Background())
		return nil, fmt.Errorf("provision event streams: %w", err)
	}

	publisher, err := bus.NewPublisher(bus.PublisherConfig{
		Conn: bus.ConnConfig{URL: url},
		Env:  env,
	})
	if err != nil {
		c.Shutdown(context.Background())
		return nil, fmt.Errorf("create publisher: %w", err)
	}
	c.publisher = publisher

	routerCfg := bus.DefaultRouterConfig()
	routerCfg.Env = env
	if cfg.NATS.RouterCloseTimeout > 0 {
		routerCfg.CloseTimeout = cfg.NATS.RouterCloseTimeout
	}
	router, err := bus.NewRouter(routerCfg, publisher.Messages())
	if err != nil {
		c.Shutdown(context.Background())
		return nil, fmt.Errorf("create event router: %w", err)
	}
	c.router = router

	// One durable consumer per role: redeploys resume where the role
	// left off, and the queue group spreads load across instances.
	subscribe := func(role, baseTopic string, ackWait time.Duration, parallel int) (*bus.Subscriber, error) {
		sub, err := bus.NewSubscriber(bus.SubscriberConfig{
			Conn:             bus.ConnConfig{URL: url},
			Env:              env,
			Durable:          role,
			QueueGroup:       role,
			AckWait:          ackWait,
			MaxDeliver:       cfg.NATS.MaxDeliver,
			SubscribersCount: parallel,
			StreamName:       bus.Topic(env, baseTopic),
		})
		if err != nil {
			return nil, fmt.Errorf("create %s subscriber: %w", role, err)
		}
		c.subs = append(c.subs, sub)
		return sub, nil
	}

	// An analysis job holds its message through a probe and a waveform
	// pass; the ack window must outlast both tool timeouts or the
	// broker redelivers jobs that are still running.
	analyzeAckWait := cfg.Analyzer.FfprobeTimeout + cfg.Analyzer.FfmpegTimeout + time.Minute
	if analyzeAckWait < cfg.NATS.AckWait {
		analyzeAckWait = cfg.NATS.AckWait
	}

	ingestSub, err := subscribe("ingest", bus.TopicMinioEvents, cfg.NATS.AckWait, cfg.NATS.SubscribersCount)
	if err != nil {
		c.Shutdown(context.Background())
		return nil, err
	}
	analyzeSub, err := subscribe("analyze", bus.TopicAudioEvents, analyzeAckWait, cfg.NATS.SubscribersCount)
	if err != nil {
		c.Shutdown(context.Background())
		return nil, err
	}
	forwardAudioSub, err := subscribe("forward-audio", bus.TopicAudioEvents, cfg.NATS.AckWait, 1)
	if err != nil {
		c.Shutdown(context.Background())
		return nil, err
	}
	forwardDeleteSub, err := subscribe("forward-deletions", bus.TopicTrackDeletions, cfg.NATS.AckWait, 1)
	if err != nil {
		c.Shutdown(context.Background())
		return nil, err
	}
	rollupSub, err := subscribe("rollup", bus.TopicTelemetryEvents, cfg.NATS.AckWait, 1)
	if err != nil {
		c.Shutdown(context.Background())
		return nil, err
	}

	router.AddEventHandler("ingest", bus.TopicMinioEvents, ingestSub, ingestor.HandleObjectEvent)
	router.AddEventHandler("analyze", bus.TopicAudioEvents, analyzeSub, analyze.HandleUploadCompleted)
	router.AddEventHandler("forward-audio", bus.TopicAudioEvents, forwardAudioSub, forward.HandleAudioEvent)
	router.AddEventHandler("forward-deletions", bus.TopicTrackDeletions, forwardDeleteSub, forward.HandleDeletionEvent)
	router.AddEventHandler("rollup", bus.TopicTelemetryEvents, rollupSub, roll.HandlePlayback)

	logging.Info().Str("environment", env).Msg("Event bus initialized")
	return c, nil
}

// Shutdown releases bus resources in reverse dependency order. The
// supervisor has already stopped the router's run loop by the time main
// calls this; closing again is a no-op. Subscribers close before the
// publisher so in-flight handlers cannot publish into a closed pipe,
// and the broker connection goes last.
func (c *busComponents) Shutdown(ctx context.Context) {
	if c == nil {
		return
	}

	if c.router != nil {
		if err := c.router.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event router")
		}
	}
	for _, sub := range c.subs {
		if err := sub.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing subscriber")
		}
	}
	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing publisher")
		}
	}
	if c.conn != nil {
		c.conn.Close()
	}
	if c.embedded != nil {
		if err := c.embedded.Shutdown(ctx); err != nil {
			logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
		}
		logging.Info().Msg("Embedded NATS server stopped")
	}
}
