// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/phonotheca/phonotheca/internal/metrics"
)

// PublisherConfig holds publisher construction parameters.
type PublisherConfig struct {
	Conn ConnConfig

	// Env prefixes topic names on the wire.
	Env string
}

// Publisher writes envelopes to JetStream topics. Publishes carry the
// envelope id as Nats-Msg-Id so the stream's duplicate window absorbs
// retries. Callers guard publishes with the bus resilience pipeline;
// the publisher itself stays policy-free.
type Publisher struct {
	publisher message.Publisher
	env       string

	mu     sync.RWMutex
	closed bool
}

// NewPublisher creates a JetStream publisher. Streams must be
// provisioned beforehand (StreamInitializer); auto-provisioning stays
// off so misconfigured topics fail loudly instead of creating stray
// streams.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	conn := cfg.Conn.withDefaults()

	wmConfig := wmNats.PublisherConfig{
		URL:         conn.URL,
		NatsOptions: natsOptions(conn, "publisher"),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, WatermillLogger())
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	return &Publisher{publisher: pub, env: cfg.Env}, nil
}

// Publish sends an envelope to the base topic. The context is accepted
// for call-shape consistency; watermill publishes synchronously.
func (p *Publisher) Publish(ctx context.Context, baseTopic string, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	msg, err := env.Message()
	if err != nil {
		return err
	}

	topic := Topic(p.env, baseTopic)
	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.EventType, topic, err)
	}

	metrics.RecordBusPublish(baseTopic)
	return nil
}

// Messages exposes the raw watermill publisher for router wiring (the
// poison queue middleware needs one).
func (p *Publisher) Messages() message.Publisher {
	return p.publisher
}

// Close shuts the publisher down. Idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}
