// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package outbox

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

// maxLastErrorLen bounds the persisted error text per row.
const maxLastErrorLen = 500

// EventPublisher is the slice of the bus the drainer needs.
type EventPublisher interface {
	Publish(ctx context.Context, baseTopic string, env *bus.Envelope) error
}

// Config tunes the drainer.
type Config struct {
	// PollInterval is the drain cadence. Default 1s.
	PollInterval time.Duration

	// BatchSize caps rows claimed per cycle. Default 100.
	BatchSize int

	// MaxAttempts before a row is parked as failed. Default 5.
	MaxAttempts int

	// InitialBackoff and MaxBackoff bound the retry schedule.
	// Defaults 1s and 5m.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

// Drainer publishes pending outbox rows in the background. Rows are
// claimed with a version-checked write before the publish, so two
// drainer instances never fight over one row: the loser of the claim
// skips it.
type Drainer struct {
	gw        store.Gateway
	publisher EventPublisher
	busPipe   *resilience.Pipeline
	storePipe *resilience.Pipeline
	cfg       Config
	log       zerolog.Logger

	// State - all protected by mu
	mu       sync.Mutex
	running  bool
	stopping bool
	stopDone chan struct{}
	cancel   context.CancelFunc
}

// NewDrainer wires a drainer against the store and the bus.
func NewDrainer(cfg Config, gw store.Gateway, publisher EventPublisher, busPipe, storePipe *resilience.Pipeline) *Drainer {
	return &Drainer{
		gw:        gw,
		publisher: publisher,
		busPipe:   busPipe,
		storePipe: storePipe,
		cfg:       cfg.withDefaults(),
		log:       logging.WithComponent("outbox"),
	}
}

// Start begins the background drain loop. It runs until Stop is called
// or the context is canceled.
func (d *Drainer) Start(ctx context.Context) error {
	d.mu.Lock()

	// Wait for any in-progress Stop() to complete
	for d.stopping {
		stopDone := d.stopDone
		d.mu.Unlock()
		<-stopDone
		d.mu.Lock()
	}

	if d.running {
		d.mu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.stopDone = make(chan struct{})
	done := d.stopDone

	d.mu.Unlock()

	go d.run(loopCtx, done)

	d.log.Info().
		Dur("interval", d.cfg.PollInterval).
		Int("batch_size", d.cfg.BatchSize).
		Int("max_attempts", d.cfg.MaxAttempts).
		Msg("outbox drainer started")
	return nil
}

// Stop gracefully stops the drain loop.
func (d *Drainer) Stop() {
	d.mu.Lock()
	if !d.running || d.stopping {
		d.mu.Unlock()
		return
	}

	d.cancel()
	d.running = false
	d.stopping = true
	stopDone := d.stopDone
	d.mu.Unlock()

	<-stopDone

	d.mu.Lock()
	d.stopping = false
	d.mu.Unlock()

	d.log.Info().Msg("outbox drainer stopped")
}

// IsRunning reports whether the drain loop is active.
func (d *Drainer) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Drainer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

// drainResult tracks the outcome of processing a single row.
type drainResult int

const (
	drainPublished drainResult = iota
	drainRetried
	drainExhausted
	drainSkipped
)

// drainOnce claims and publishes one batch of due rows.
func (d *Drainer) drainOnce(ctx context.Context) {
	now := time.Now().UTC()

	docs, err := resilience.Do(ctx, d.storePipe, func(ctx context.Context) ([]store.Doc, error) {
		return d.gw.Query(ctx, store.Query{
			Collection:   models.CollectionOutbox,
			Index:        models.IndexOutboxPendingDue,
			Max:          store.SortableTime(now),
			Limit:        d.cfg.BatchSize,
			WaitNonStale: true,
		})
	})
	if err != nil {
		d.log.Error().Err(err).Msg("query due outbox rows")
		return
	}

	d.updatePendingGauge(ctx)

	if len(docs) == 0 {
		return
	}

	var published, retried, exhausted, skipped int
	for i := range docs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var row models.OutboxMessage
		if err := store.Decode(docs[i], &row); err != nil {
			d.log.Error().Err(err).Str("outbox_id", docs[i].ID).Msg("decode outbox row")
			continue
		}

		switch d.processRow(ctx, &row) {
		case drainPublished:
			published++
		case drainRetried:
			retried++
		case drainExhausted:
			exhausted++
		case drainSkipped:
			skipped++
		}
	}

	if published > 0 || retried > 0 || exhausted > 0 {
		d.log.Info().
			Int("published", published).
			Int("retried", retried).
			Int("exhausted", exhausted).
			Int("skipped", skipped).
			Msg("outbox drain complete")
	}
}

// processRow claims one row, publishes it, and records the outcome.
//
// The claim is the version-checked write that bumps Attempts and
// schedules the next retry before anything is sent. Losing the claim
// means another drainer holds the row. A crash after publish but before
// the published flip replays the row later; the shared envelope id
// collapses the duplicate at the broker.
func (d *Drainer) processRow(ctx context.Context, row *models.OutboxMessage) drainResult {
	now := time.Now().UTC()

	row.Attempts++
	row.NextAttemptAt = now.Add(d.backoff(row.Attempts))

	err := d.storePipe.Run(ctx, func(ctx context.Context) error {
		return d.gw.SaveTx(ctx, PutOp(row))
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			return drainSkipped
		}
		d.log.Error().Err(err).Str("outbox_id", row.ID).Msg("claim outbox row")
		return drainSkipped
	}

	env, err := Envelope(row)
	if err != nil {
		// Undecodable payload never improves; park it.
		return d.park(ctx, row, err)
	}

	pubErr := d.busPipe.Run(ctx, func(ctx context.Context) error {
		return d.publisher.Publish(ctx, row.Topic, env)
	})
	if pubErr != nil {
		if row.Attempts >= d.cfg.MaxAttempts {
			return d.park(ctx, row, pubErr)
		}
		row.LastError = truncateErr(pubErr)
		if err := d.save(ctx, row); err != nil {
			d.log.Error().Err(err).Str("outbox_id", row.ID).Msg("record outbox failure")
		}
		metrics.RecordOutboxRetry()
		d.log.Warn().
			Err(pubErr).
			Str("outbox_id", row.ID).
			Str("event_type", row.EventType).
			Int("attempts", row.Attempts).
			Time("next_attempt_at", row.NextAttemptAt).
			Msg("outbox publish failed, will retry")
		return drainRetried
	}

	row.Status = models.OutboxPublished
	row.PublishedAt = &now
	row.LastError = ""
	if err := d.save(ctx, row); err != nil {
		// The publish landed; the row will replay and dedup upstream.
		d.log.Error().Err(err).Str("outbox_id", row.ID).Msg("flip outbox row to published")
		return drainSkipped
	}

	metrics.RecordOutboxPublished()
	return drainPublished
}

// park flips a row to failed after its last attempt.
func (d *Drainer) park(ctx context.Context, row *models.OutboxMessage, cause error) drainResult {
	row.Status = models.OutboxFailed
	row.LastError = truncateErr(cause)
	if err := d.save(ctx, row); err != nil {
		d.log.Error().Err(err).Str("outbox_id", row.ID).Msg("park outbox row")
		return drainSkipped
	}

	metrics.RecordOutboxExhausted()
	d.log.Error().
		Str("outbox_id", row.ID).
		Str("event_type", row.EventType).
		Int("attempts", row.Attempts).
		Str("last_error", row.LastError).
		Msg("outbox row exhausted retries")
	return drainExhausted
}

func (d *Drainer) save(ctx context.Context, row *models.OutboxMessage) error {
	return d.storePipe.Run(ctx, func(ctx context.Context) error {
		return d.gw.SaveTx(ctx, PutOp(row))
	})
}

func (d *Drainer) updatePendingGauge(ctx context.Context) {
	n, err := resilience.Do(ctx, d.storePipe, func(ctx context.Context) (int, error) {
		return d.gw.Count(ctx, store.Query{
			Collection: models.CollectionOutbox,
			Index:      models.IndexOutboxStatus,
			Value:      string(models.OutboxPending),
		})
	})
	if err != nil {
		return
	}
	metrics.UpdateOutboxPending(n)
}

// backoff computes the delay before the next attempt: exponential from
// InitialBackoff, capped at MaxBackoff, with up to 10% jitter so
// parked batches do not thundering-herd the broker.
func (d *Drainer) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	base := float64(d.cfg.InitialBackoff) * math.Pow(2, float64(attempts-1))
	if base > float64(d.cfg.MaxBackoff) {
		base = float64(d.cfg.MaxBackoff)
	}

	jitter := base * 0.1 * rand.Float64()
	return time.Duration(base + jitter)
}

func truncateErr(err error) string {
	s := err.Error()
	if len(s) > maxLastErrorLen {
		return s[:maxLastErrorLen]
	}
	return s
}
