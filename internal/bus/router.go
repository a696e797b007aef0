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

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/goccy/go-json"

	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
)

// PermanentError marks a handler failure that retrying cannot fix: a
// malformed envelope, an unknown event type, a business rule that will
// reject the message every time. Permanent failures skip the retry
// budget and go straight to the dead letter topic.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in
// its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RouterConfig tunes the shared consumer router.
type RouterConfig struct {
	Env          string
	CloseTimeout time.Duration

	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64
}

// DefaultRouterConfig returns production defaults. Three in-process
// retries plus the delivery itself; exhaustion parks on the DLQ.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      3,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     30 * time.Second,
		RetryMultiplier:      2.0,
	}
}

// EventHandler processes one decoded envelope. Returning a plain error
// triggers backoff and retry; wrapping it with Permanent sends the
// message to the dead letter topic on the first attempt.
type EventHandler func(ctx context.Context, env *Envelope) error

// Router owns the consumer middleware chain. Failure policy, outermost
// to innermost:
//
//	Recoverer  panics become errors
//	Park       anything that exits the retry budget parks on the DLQ
//	Retry      exponential backoff for transient errors
//	Park       permanent errors park immediately, skipping retries
//
// With both park layers, a handler error never nacks back to
// JetStream; broker redelivery (MaxDeliver) covers crashes, expired
// ack waits and dead-letter outages.
type Router struct {
	router *message.Router
	env    string
	logger watermill.LoggerAdapter
}

// NewRouter builds the router. poisonPublisher carries parked messages
// to the environment's dead letter topic.
func NewRouter(cfg RouterConfig, poisonPublisher message.Publisher) (*Router, error) {
	if poisonPublisher == nil {
		return nil, fmt.Errorf("poison publisher required")
	}
	logger := WatermillLogger()

	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	dlqTopic := Topic(cfg.Env, TopicAudioEventsDLQ)

	wmRouter.AddMiddleware(middleware.Recoverer)

	// Outer park layer: retry exhaustion.
	wmRouter.AddMiddleware(parkOnFailure(poisonPublisher, dlqTopic, "retry_exhausted", cfg.RetryMaxRetries,
		func(error) bool { return true }))

	retry := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
		Logger:          logger,
	}
	wmRouter.AddMiddleware(retry.Middleware)

	// Inner park layer: permanent failures bypass the retry budget.
	wmRouter.AddMiddleware(parkOnFailure(poisonPublisher, dlqTopic, "permanent", 0, IsPermanent))

	return &Router{router: wmRouter, env: cfg.Env, logger: logger}, nil
}

// parkOnFailure parks handler errors matching match on the dead letter
// topic, wrapped as DeadLetter events carrying the original message and
// the failure classification. A parked message acks; a park whose DLQ
// publish fails keeps the handler error, so broker redelivery covers a
// dead-letter outage too.
func parkOnFailure(pub message.Publisher, dlqTopic, errorType string, retryCount int, match func(error) bool) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			out, err := h(msg)
			if err == nil || !match(err) {
				return out, err
			}

			parked, buildErr := deadLetterMessage(msg, errorType, retryCount, err)
			if buildErr != nil {
				return nil, fmt.Errorf("build dead letter for %s: %w", msg.UUID, buildErr)
			}
			if pubErr := pub.Publish(dlqTopic, parked); pubErr != nil {
				return nil, fmt.Errorf("park %s on %s: %w", msg.UUID, dlqTopic, pubErr)
			}

			metrics.RecordDeadLetter(dlqTopic)
			logging.Error().Err(err).
				Str("message_id", msg.UUID).
				Str("class", errorType).
				Str("dlq_topic", dlqTopic).
				Msg("message parked on dead letter topic")
			return nil, nil
		}
	}
}

// deadLetterMessage renders the failed message as a DeadLetter envelope
// keyed like the original.
func deadLetterMessage(msg *message.Message, errorType string, retryCount int, cause error) (*message.Message, error) {
	key := msg.Metadata.Get(MetaPartitionKey)

	env, err := NewEnvelope(EventDeadLetter, DeadLetter{
		OriginalTopic:   message.SubscribeTopicFromCtx(msg.Context()),
		OriginalKey:     key,
		OriginalPayload: json.RawMessage(msg.Payload),
		ErrorType:       errorType,
		ErrorMessage:    cause.Error(),
		RetryCount:      retryCount,
		FailedAt:        time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	env.CorrelationID = msg.Metadata.Get(MetaCorrelationID)
	env.PartitionKey = key
	return env.Message()
}

// AddEventHandler registers a consumer for one base topic. The wrapper
// decodes the envelope (decode failures are permanent), threads the
// correlation id into the context and records consume metrics.
func (r *Router) AddEventHandler(name, baseTopic string, sub *Subscriber, handle EventHandler) {
	wrapped := func(msg *message.Message) error {
		ctx := msg.Context()
		if cid := msg.Metadata.Get(MetaCorrelationID); cid != "" {
			ctx = logging.ContextWithCorrelationID(ctx, cid)
		}

		env, err := ParseEnvelope(msg)
		if err != nil {
			metrics.RecordBusConsume(baseTopic, err)
			return Permanent(err)
		}

		err = handle(ctx, env)
		metrics.RecordBusConsume(baseTopic, err)
		return err
	}

	r.router.AddConsumerHandler(name, Topic(r.env, baseTopic), sub.Messages(), wrapped)
}

// Run blocks consuming messages until the context ends or Close is
// called.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running closes once every handler is consuming; used by startup
// sequencing and tests.
func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

// Close stops the router within the configured close timeout.
func (r *Router) Close() error {
	return r.router.Close()
}
