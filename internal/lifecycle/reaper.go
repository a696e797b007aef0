// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/audit"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

// reapBatch caps rows touched per sweep and per concern, so one huge
// backlog cannot starve the others.
const reapBatch = 200

// Reaper is the housekeeping worker: it expires pending upload sessions
// whose presign window elapsed with no object, deletes terminal sessions
// past retention, and prunes the oldest audit records off the chain.
type Reaper struct {
	gw        store.Gateway
	storePipe *resilience.Pipeline
	trail     *audit.Log
	cfg       config.LifecycleConfig
	log       zerolog.Logger

	// State - all protected by mu
	mu       sync.Mutex
	running  bool
	stopping bool
	stopDone chan struct{}
	cancel   context.CancelFunc
}

// NewReaper wires the housekeeping worker. trail may be nil, in which
// case audit pruning is skipped; a zero audit retention also disables
// pruning.
func NewReaper(cfg config.LifecycleConfig, gw store.Gateway, storePipe *resilience.Pipeline, trail *audit.Log) *Reaper {
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 5 * time.Minute
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = 24 * time.Hour
	}
	return &Reaper{
		gw:        gw,
		storePipe: storePipe,
		trail:     trail,
		cfg:       cfg,
		log:       logging.WithComponent("reaper"),
	}
}

// Start begins the background sweep loop. It runs until Stop is called
// or the context is canceled.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()

	for r.stopping {
		stopDone := r.stopDone
		r.mu.Unlock()
		<-stopDone
		r.mu.Lock()
	}

	if r.running {
		r.mu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.stopDone = make(chan struct{})
	done := r.stopDone

	r.mu.Unlock()

	go r.run(loopCtx, done)

	r.log.Info().
		Dur("interval", r.cfg.ReaperInterval).
		Dur("session_retention", r.cfg.SessionRetention).
		Dur("audit_retention", r.cfg.AuditRetention).
		Msg("reaper started")
	return nil
}

// Stop gracefully stops the sweep loop.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running || r.stopping {
		r.mu.Unlock()
		return
	}

	r.cancel()
	r.running = false
	r.stopping = true
	stopDone := r.stopDone
	r.mu.Unlock()

	<-stopDone

	r.mu.Lock()
	r.stopping = false
	r.mu.Unlock()

	r.log.Info().Msg("reaper stopped")
}

// IsRunning reports whether the sweep loop is active.
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reaper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapOnce(ctx)
		}
	}
}

func (r *Reaper) reapOnce(ctx context.Context) {
	now := time.Now().UTC()

	expired := r.expireSessions(ctx, now)
	deleted := r.deleteStaleSessions(ctx, now)
	pruned := r.pruneAudit(ctx, now)

	if expired > 0 || deleted > 0 || pruned > 0 {
		r.log.Info().
			Int("expired", expired).
			Int("deleted", deleted).
			Int("audit_pruned", pruned).
			Msg("reap sweep complete")
	}
}

// expireSessions flips pending sessions past their presign window to
// Expired. The flip is version checked, so a session the ingestor
// terminates concurrently is skipped here and wins there.
func (r *Reaper) expireSessions(ctx context.Context, now time.Time) int {
	docs, err := resilience.Do(ctx, r.storePipe, func(ctx context.Context) ([]store.Doc, error) {
		return r.gw.Query(ctx, store.Query{
			Collection:   models.CollectionSessions,
			Index:        models.IndexSessionPendingExpiry,
			Max:          store.SortableTime(now),
			Limit:        reapBatch,
			WaitNonStale: true,
		})
	})
	if err != nil {
		r.log.Error().Err(err).Msg("query expired sessions")
		return 0
	}

	expired := 0
	for i := range docs {
		session := &models.UploadSession{}
		if err := store.Decode(docs[i], session); err != nil {
			r.log.Error().Err(err).Str("upload_id", docs[i].ID).Msg("decode session")
			continue
		}
		if session.Status != models.SessionPending || !session.ExpiredAt(now) {
			continue
		}

		session.Status = models.SessionExpired
		err := r.storePipe.Run(ctx, func(ctx context.Context) error {
			return r.gw.SaveTx(ctx, store.PutOp(models.CollectionSessions, session.UploadID, session))
		})
		if err != nil {
			if !errors.Is(err, store.ErrConcurrencyConflict) {
				r.log.Error().Err(err).Str("upload_id", session.UploadID).Msg("expire session")
			}
			continue
		}

		metrics.RecordSessionReaped("expired")
		metrics.RecordUploadCompleted("expired", 0)
		expired++
	}
	return expired
}

// deleteStaleSessions removes terminal sessions whose presign window
// closed more than the retention period ago.
func (r *Reaper) deleteStaleSessions(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-r.cfg.SessionRetention)

	docs, err := resilience.Do(ctx, r.storePipe, func(ctx context.Context) ([]store.Doc, error) {
		return r.gw.Query(ctx, store.Query{
			Collection:   models.CollectionSessions,
			Index:        models.IndexSessionTerminalExpiry,
			Max:          store.SortableTime(cutoff),
			Limit:        reapBatch,
			WaitNonStale: true,
		})
	})
	if err != nil {
		r.log.Error().Err(err).Msg("query stale sessions")
		return 0
	}

	deleted := 0
	for i := range docs {
		err := r.storePipe.Run(ctx, func(ctx context.Context) error {
			return r.gw.SaveTx(ctx, store.DeleteOp(models.CollectionSessions, docs[i].ID, docs[i].Version))
		})
		if err != nil {
			if !errors.Is(err, store.ErrConcurrencyConflict) {
				r.log.Error().Err(err).Str("upload_id", docs[i].ID).Msg("delete stale session")
			}
			continue
		}
		metrics.RecordSessionReaped("deleted")
		deleted++
	}
	return deleted
}

func (r *Reaper) pruneAudit(ctx context.Context, now time.Time) int {
	if r.trail == nil || r.cfg.AuditRetention <= 0 {
		return 0
	}
	pruned, err := r.trail.PruneBefore(ctx, now.Add(-r.cfg.AuditRetention), reapBatch)
	if err != nil {
		r.log.Error().Err(err).Msg("prune audit chain")
		return 0
	}
	return pruned
}
