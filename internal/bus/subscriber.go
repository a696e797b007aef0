// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package bus

import (
	"context"
	"fmt"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
)

// SubscriberConfig describes one durable consumer role.
type SubscriberConfig struct {
	Conn ConnConfig
	Env  string

	// Durable names the JetStream consumer; it survives restarts so the
	// role resumes where it left off.
	Durable string

	// QueueGroup load-balances across instances sharing the role.
	QueueGroup string

	// AckWait must exceed the slowest handler; redelivery starts when it
	// lapses. Default 30s.
	AckWait time.Duration

	// MaxDeliver caps broker-side redeliveries. Default 5.
	MaxDeliver int

	// MaxAckPending bounds in-flight messages. Default 256.
	MaxAckPending int

	// SubscribersCount is the number of parallel pull loops. Default 1.
	SubscribersCount int

	// StreamName binds to a pre-provisioned stream. Set for every role
	// here; provisioning happens in StreamInitializer.
	StreamName string
}

func (c SubscriberConfig) withDefaults() SubscriberConfig {
	c.Conn = c.Conn.withDefaults()
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 5
	}
	if c.MaxAckPending == 0 {
		c.MaxAckPending = 256
	}
	if c.SubscribersCount == 0 {
		c.SubscribersCount = 1
	}
	return c
}

// Subscriber is a durable JetStream consumer for one role.
type Subscriber struct {
	subscriber message.Subscriber
	env        string
}

// NewSubscriber creates a durable queue subscriber bound to the role's
// stream.
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	cfg = cfg.withDefaults()

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(cfg.MaxDeliver),
		natsgo.MaxAckPending(cfg.MaxAckPending),
		natsgo.AckWait(cfg.AckWait),
		natsgo.DeliverNew(),
	}
	autoProvision := true
	if cfg.StreamName != "" {
		subOpts = append(subOpts, natsgo.BindStream(cfg.StreamName))
		autoProvision = false
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.Conn.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     30 * time.Second,
		NatsOptions:      natsOptions(cfg.Conn, "subscriber/"+cfg.Durable),
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    autoProvision,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.Durable,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, WatermillLogger())
	if err != nil {
		return nil, fmt.Errorf("create watermill subscriber %s: %w", cfg.Durable, err)
	}

	return &Subscriber{subscriber: sub, env: cfg.Env}, nil
}

// Subscribe returns the message channel for a base topic.
func (s *Subscriber) Subscribe(ctx context.Context, baseTopic string) (<-chan *message.Message, error) {
	return s.subscriber.Subscribe(ctx, Topic(s.env, baseTopic))
}

// Messages exposes the raw watermill subscriber for router wiring.
func (s *Subscriber) Messages() message.Subscriber {
	return s.subscriber
}

// Close shuts down the consumer.
func (s *Subscriber) Close() error {
	return s.subscriber.Close()
}
