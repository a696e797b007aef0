// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package bus is the JetStream event backbone: an embedded NATS server
// for single-instance deployments, idempotent stream provisioning, a
// publisher with broker-side deduplication, durable queue subscribers
// and a watermill router carrying the retry and dead-letter policy.
//
// Every event travels as an Envelope whose EventID doubles as the
// Nats-Msg-Id, so redeliveries and outbox retries collapse inside the
// stream's duplicate window.
package bus

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"
	natsgo "github.com/nats-io/nats.go"

	"github.com/phonotheca/phonotheca/internal/logging"
)

// WatermillLogger routes watermill's internal logging through the
// service's zerolog backend.
func WatermillLogger() watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logging.NewSlogLogger())
}

// ConnConfig holds shared NATS connection behavior.
type ConnConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1 // retry forever
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.ReconnectBuffer == 0 {
		c.ReconnectBuffer = 8 * 1024 * 1024
	}
	return c
}

// natsOptions builds connection options with reconnect handling wired to
// the service log.
func natsOptions(cfg ConnConfig, component string) []natsgo.Option {
	return []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Str("component", component).Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("component", component).Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		natsgo.ErrorHandler(func(nc *natsgo.Conn, sub *natsgo.Subscription, err error) {
			evt := logging.Error().Str("component", component).Err(err)
			if sub != nil {
				evt = evt.Str("subject", sub.Subject)
			}
			evt.Msg("NATS error")
		}),
	}
}
