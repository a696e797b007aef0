// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package resilience guards calls to external collaborators with a fixed
// admission pipeline: bulkhead, then circuit breaker, then per-call
// timeout. Every gateway call in the service goes through one of the
// named pipelines so a slow collaborator exhausts its own slots, not the
// process.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
)

var (
	// ErrBulkheadFull rejects a call when all concurrency slots are taken.
	// Callers get this immediately instead of queueing.
	ErrBulkheadFull = errors.New("bulkhead full")

	// ErrCircuitOpen rejects a call while the breaker is open or the
	// half-open probe quota is spent.
	ErrCircuitOpen = errors.New("circuit open")
)

// Config describes one pipeline. Name, Timeout and MaxConcurrent are
// required; zero breaker fields fall back to the standard trip policy
// (>=50% failures over a 30s counting window with at least 10 calls,
// open for 30s, 3 half-open probes).
type Config struct {
	Name          string
	Timeout       time.Duration
	MaxConcurrent int

	FailureRatio   float64
	MinRequests    uint32
	CountingWindow time.Duration
	OpenTimeout    time.Duration
	HalfOpenProbes uint32
}

func (c Config) withDefaults() Config {
	if c.FailureRatio <= 0 {
		c.FailureRatio = 0.5
	}
	if c.MinRequests == 0 {
		c.MinRequests = 10
	}
	if c.CountingWindow <= 0 {
		c.CountingWindow = 30 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenProbes == 0 {
		c.HalfOpenProbes = 3
	}
	return c
}

// Pipeline is a named bulkhead + breaker + timeout guard. Safe for
// concurrent use.
type Pipeline struct {
	name    string
	timeout time.Duration
	slots   chan struct{}
	breaker *gobreaker.CircuitBreaker[any]
}

// New builds a pipeline from cfg.
func New(cfg Config) *Pipeline {
	cfg = cfg.withDefaults()

	p := &Pipeline{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		slots:   make(chan struct{}, cfg.MaxConcurrent),
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    cfg.CountingWindow,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Caller-side cancellation is not a collaborator fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(name, float64(to))
			logging.Warn().
				Str("pipeline", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	}
	p.breaker = gobreaker.NewCircuitBreaker[any](settings)

	return p
}

// Name returns the pipeline name used in logs and metric labels.
func (p *Pipeline) Name() string { return p.name }

// State reports the breaker state for health reporting.
func (p *Pipeline) State() string { return p.breaker.State().String() }

// Do runs fn through the pipeline. The bulkhead rejects immediately when
// full; an open breaker rejects without invoking fn; otherwise fn runs
// under a child context capped at the pipeline timeout.
func Do[T any](ctx context.Context, p *Pipeline, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	select {
	case p.slots <- struct{}{}:
	default:
		metrics.RecordPipelineRejection(p.name, "bulkhead_full")
		return zero, fmt.Errorf("%s: %w", p.name, ErrBulkheadFull)
	}
	defer func() { <-p.slots }()

	start := time.Now()
	res, err := p.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return fn(callCtx)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.RecordPipelineRejection(p.name, "circuit_open")
		return zero, fmt.Errorf("%s: %w", p.name, ErrCircuitOpen)
	}

	switch {
	case err == nil:
		metrics.RecordPipelineCall(p.name, "ok", time.Since(start))
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		metrics.RecordPipelineCall(p.name, "timeout", time.Since(start))
	default:
		metrics.RecordPipelineCall(p.name, "error", time.Since(start))
	}

	if err != nil {
		return zero, fmt.Errorf("%s: %w", p.name, err)
	}

	if res == nil {
		// fn returned a nil interface value with a nil error.
		return zero, nil
	}
	out, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result type %T", p.name, res)
	}
	return out, nil
}

// Run is Do for operations without a result.
func (p *Pipeline) Run(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
