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
	"golang.org/x/time/rate"

	"github.com/phonotheca/phonotheca/internal/audit"
	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/objectstore"
	"github.com/phonotheca/phonotheca/internal/outbox"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

// Purger permanently removes tracks whose grace window has closed:
// objects first, then the row, the owner's storage accounting and the
// purge event in one transaction. Every step tolerates a rerun, so a
// crash mid-purge just means the next sweep finishes the job.
type Purger struct {
	gw        store.Gateway
	objects   objectstore.Gateway
	storePipe *resilience.Pipeline
	objPipe   *resilience.Pipeline
	trail     *audit.Log
	cfg       config.LifecycleConfig
	limiter   *rate.Limiter
	log       zerolog.Logger

	// State - all protected by mu
	mu       sync.Mutex
	running  bool
	stopping bool
	stopDone chan struct{}
	cancel   context.CancelFunc
}

// NewPurger wires the purge worker. trail may be nil.
func NewPurger(cfg config.LifecycleConfig, gw store.Gateway, objects objectstore.Gateway, storePipe, objPipe *resilience.Pipeline, trail *audit.Log) *Purger {
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if cfg.PurgeBatchSize <= 0 {
		cfg.PurgeBatchSize = 100
	}
	if cfg.PurgeRatePerSecond <= 0 {
		cfg.PurgeRatePerSecond = 10
	}
	return &Purger{
		gw:        gw,
		objects:   objects,
		storePipe: storePipe,
		objPipe:   objPipe,
		trail:     trail,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.PurgeRatePerSecond), 1),
		log:       logging.WithComponent("purge"),
	}
}

// Start begins the background purge loop. It runs until Stop is called
// or the context is canceled.
func (p *Purger) Start(ctx context.Context) error {
	p.mu.Lock()

	for p.stopping {
		stopDone := p.stopDone
		p.mu.Unlock()
		<-stopDone
		p.mu.Lock()
	}

	if p.running {
		p.mu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.stopDone = make(chan struct{})
	done := p.stopDone

	p.mu.Unlock()

	go p.run(loopCtx, done)

	p.log.Info().
		Dur("interval", p.cfg.PurgeInterval).
		Int("batch_size", p.cfg.PurgeBatchSize).
		Float64("rate_per_second", p.cfg.PurgeRatePerSecond).
		Msg("purge worker started")
	return nil
}

// Stop gracefully stops the purge loop.
func (p *Purger) Stop() {
	p.mu.Lock()
	if !p.running || p.stopping {
		p.mu.Unlock()
		return
	}

	p.cancel()
	p.running = false
	p.stopping = true
	stopDone := p.stopDone
	p.mu.Unlock()

	<-stopDone

	p.mu.Lock()
	p.stopping = false
	p.mu.Unlock()

	p.log.Info().Msg("purge worker stopped")
}

// IsRunning reports whether the purge loop is active.
func (p *Purger) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Purger) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.purgeOnce(ctx)
		}
	}
}

// purgeOnce removes one batch of tracks whose ScheduledDeletionAt has
// passed. It returns how many rows were fully purged.
func (p *Purger) purgeOnce(ctx context.Context) int {
	now := time.Now().UTC()

	docs, err := resilience.Do(ctx, p.storePipe, func(ctx context.Context) ([]store.Doc, error) {
		return p.gw.Query(ctx, store.Query{
			Collection:   models.CollectionTracks,
			Index:        models.IndexTrackPurgeDue,
			Max:          store.SortableTime(now),
			Limit:        p.cfg.PurgeBatchSize,
			WaitNonStale: true,
		})
	})
	if err != nil {
		p.log.Error().Err(err).Msg("query purge-due tracks")
		return 0
	}

	purged := 0
	for i := range docs {
		select {
		case <-ctx.Done():
			return purged
		default:
		}

		track := &models.Track{}
		if err := store.Decode(docs[i], track); err != nil {
			p.log.Error().Err(err).Str("track_id", docs[i].ID).Msg("decode purge-due track")
			continue
		}
		if track.Status != models.TrackDeleted || track.ScheduledDeletionAt == nil || track.ScheduledDeletionAt.After(now) {
			// A restore raced the sweep.
			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return purged
		}
		if err := p.purgeTrack(ctx, track); err != nil {
			metrics.RecordPurge(err)
			p.log.Warn().Err(err).Str("track_id", track.ID).Msg("purge failed, row stays for next sweep")
			continue
		}
		metrics.RecordPurge(nil)
		purged++
	}

	if purged > 0 || len(docs) > 0 {
		p.log.Info().Int("due", len(docs)).Int("purged", purged).Msg("purge sweep complete")
	}
	return purged
}

// purgeTrack removes one track for good: objects, then row plus owner
// accounting plus the track.purged event in one transaction. Object
// deletes treat an already-missing key as done, so a rerun after a
// partial purge converges.
func (p *Purger) purgeTrack(ctx context.Context, track *models.Track) error {
	if err := p.deleteObject(ctx, track.ObjectKey); err != nil {
		return err
	}
	if track.WaveformObjectKey != "" {
		if err := p.deleteObject(ctx, track.WaveformObjectKey); err != nil {
			return err
		}
	}

	ops := make([]store.Op, 0, 3)
	ops = append(ops, store.DeleteOp(models.CollectionTracks, track.ID, track.DocVersion()))

	user, err := p.loadUser(ctx, track.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Owner account already removed; nothing to decrement.
	case err != nil:
		return err
	default:
		user.UsedStorageBytes -= track.FileSize
		if user.UsedStorageBytes < 0 {
			user.UsedStorageBytes = 0
		}
		ops = append(ops, store.PutOp(models.CollectionUsers, user.ID, user))
	}

	row, err := outbox.NewMessage(bus.TopicTrackDeletions, bus.EventTrackPurged, track.ID, bus.TrackPurged{
		TrackID:   track.ID,
		UserID:    track.UserID,
		ObjectKey: track.ObjectKey,
	}, "")
	if err != nil {
		return err
	}
	ops = append(ops, outbox.PutOp(row))

	err = p.storePipe.Run(ctx, func(ctx context.Context) error {
		return p.gw.SaveTx(ctx, ops...)
	})
	if err != nil {
		return err
	}

	p.appendAudit(ctx, track)
	p.log.Info().
		Str("track_id", track.ID).
		Str("user_id", track.UserID).
		Int64("bytes", track.FileSize).
		Msg("track purged")
	return nil
}

func (p *Purger) deleteObject(ctx context.Context, key string) error {
	return p.objPipe.Run(ctx, func(ctx context.Context) error {
		return p.objects.Delete(ctx, key)
	})
}

func (p *Purger) loadUser(ctx context.Context, id string) (*models.User, error) {
	doc, err := resilience.Do(ctx, p.storePipe, func(ctx context.Context) (store.Doc, error) {
		return p.gw.Load(ctx, models.CollectionUsers, id)
	})
	if err != nil {
		return nil, err
	}
	user := &models.User{}
	if err := store.Decode(doc, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (p *Purger) appendAudit(ctx context.Context, track *models.Track) {
	if p.trail == nil {
		return
	}
	_, err := p.trail.Append(ctx, audit.Entry{
		ActorUserID:   audit.SystemActor,
		Action:        models.AuditActionTrackPurged,
		TargetType:    models.AuditTargetTrack,
		TargetID:      track.ID,
		PreviousState: string(models.TrackDeleted),
		NewState:      "purged",
	})
	if err != nil {
		p.log.Error().Err(err).Str("track_id", track.ID).Msg("audit append failed")
	}
}
