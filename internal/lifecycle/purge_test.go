// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phonotheca/phonotheca/internal/audit"
	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/store"
)

type purgeRig struct {
	purger *Purger
	store  *store.Badger
	bucket *fakeBucket
	trail  *audit.Log
	owner  *models.User
}

func newPurgeRig(t *testing.T, mutate func(*config.LifecycleConfig)) *purgeRig {
	t.Helper()
	s := newTestStore(t)
	storePipe := testPipeline(t, "store")
	bucket := newFakeBucket()
	trail := audit.New(s, storePipe)

	cfg := testLifecycleConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	return &purgeRig{
		purger: NewPurger(cfg, s, bucket, storePipe, testPipeline(t, "objects"), trail),
		store:  s,
		bucket: bucket,
		trail:  trail,
		owner:  seedUser(t, s, 8192),
	}
}

// seedDueTrack stores a deleted track whose grace window closed ago
// before now, with its objects present in the bucket.
func (rig *purgeRig) seedDueTrack(t *testing.T, ago time.Duration) *models.Track {
	t.Helper()
	track := seedTrack(t, rig.store, rig.owner.ID, models.TrackDeleted, func(track *models.Track) {
		due := time.Now().UTC().Add(-ago)
		track.ScheduledDeletionAt = &due
	})
	rig.bucket.put(track.ObjectKey, []byte("audio bytes"))
	rig.bucket.put(track.WaveformObjectKey, []byte(`{"peaks":[]}`))
	return track
}

func TestPurgeRemovesDueTrack(t *testing.T) {
	rig := newPurgeRig(t, nil)
	track := rig.seedDueTrack(t, time.Hour)
	ctx := context.Background()

	if got := rig.purger.purgeOnce(ctx); got != 1 {
		t.Fatalf("purged = %d, want 1", got)
	}

	if _, err := rig.store.Load(ctx, models.CollectionTracks, track.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("track row still present, err = %v", err)
	}
	if rig.bucket.has(track.ObjectKey) || rig.bucket.has(track.WaveformObjectKey) {
		t.Error("objects survived the purge")
	}

	owner := reloadUser(t, rig.store, rig.owner.ID)
	if owner.UsedStorageBytes != 8192-track.FileSize {
		t.Errorf("used storage = %d, want %d", owner.UsedStorageBytes, 8192-track.FileSize)
	}

	rows := outboxRows(t, rig.store, bus.EventTrackPurged)
	if len(rows) != 1 {
		t.Fatalf("track.purged rows = %d, want 1", len(rows))
	}
	if rows[0].Topic != bus.TopicTrackDeletions {
		t.Errorf("topic = %s, want %s", rows[0].Topic, bus.TopicTrackDeletions)
	}
	var payload bus.TrackPurged
	decodePayload(t, rows[0], &payload)
	if payload.TrackID != track.ID || payload.UserID != rig.owner.ID {
		t.Errorf("payload = %+v", payload)
	}

	recs, err := rig.trail.List(ctx, audit.Filter{
		TargetType: models.AuditTargetTrack,
		TargetID:   track.ID,
	})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(recs) != 1 || recs[0].Action != models.AuditActionTrackPurged {
		t.Fatalf("audit entries = %+v", recs)
	}
	if recs[0].ActorUserID != audit.SystemActor {
		t.Errorf("audit actor = %s, want %s", recs[0].ActorUserID, audit.SystemActor)
	}
}

func TestPurgeLeavesFutureTracks(t *testing.T) {
	rig := newPurgeRig(t, nil)
	due := rig.seedDueTrack(t, time.Hour)
	future := seedTrack(t, rig.store, rig.owner.ID, models.TrackDeleted, nil) // due in an hour
	ctx := context.Background()

	if got := rig.purger.purgeOnce(ctx); got != 1 {
		t.Fatalf("purged = %d, want 1", got)
	}
	if _, err := rig.store.Load(ctx, models.CollectionTracks, due.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("due track survived")
	}
	if _, err := rig.store.Load(ctx, models.CollectionTracks, future.ID); err != nil {
		t.Errorf("future track gone: %v", err)
	}
}

func TestPurgeRerunIsNoop(t *testing.T) {
	rig := newPurgeRig(t, nil)
	rig.seedDueTrack(t, time.Hour)
	ctx := context.Background()

	if got := rig.purger.purgeOnce(ctx); got != 1 {
		t.Fatalf("first sweep purged %d, want 1", got)
	}
	if got := rig.purger.purgeOnce(ctx); got != 0 {
		t.Errorf("second sweep purged %d, want 0", got)
	}

	owner := reloadUser(t, rig.store, rig.owner.ID)
	if owner.UsedStorageBytes != 8192-4096 {
		t.Errorf("used storage = %d, double decrement?", owner.UsedStorageBytes)
	}
}

func TestPurgeKeepsRowWhenObjectDeleteFails(t *testing.T) {
	rig := newPurgeRig(t, nil)
	track := rig.seedDueTrack(t, time.Hour)
	rig.bucket.deleteErr = errors.New("storage down")
	ctx := context.Background()

	if got := rig.purger.purgeOnce(ctx); got != 0 {
		t.Fatalf("purged = %d, want 0", got)
	}

	// Row and accounting untouched; the next sweep retries.
	if _, err := rig.store.Load(ctx, models.CollectionTracks, track.ID); err != nil {
		t.Errorf("track row gone despite failed purge: %v", err)
	}
	if reloadUser(t, rig.store, rig.owner.ID).UsedStorageBytes != 8192 {
		t.Error("storage decremented despite failed purge")
	}

	rig.bucket.deleteErr = nil
	if got := rig.purger.purgeOnce(ctx); got != 1 {
		t.Errorf("retry sweep purged %d, want 1", got)
	}
}

func TestPurgeWithoutObjectsStillRemovesRow(t *testing.T) {
	// A rerun after a crash between object delete and row delete finds
	// no objects; the row must still go.
	rig := newPurgeRig(t, nil)
	track := seedTrack(t, rig.store, rig.owner.ID, models.TrackDeleted, func(track *models.Track) {
		due := time.Now().UTC().Add(-time.Hour)
		track.ScheduledDeletionAt = &due
		track.WaveformObjectKey = ""
	})
	ctx := context.Background()

	if got := rig.purger.purgeOnce(ctx); got != 1 {
		t.Fatalf("purged = %d, want 1", got)
	}
	if _, err := rig.store.Load(ctx, models.CollectionTracks, track.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("row survived")
	}
}

func TestPurgeMissingOwnerSkipsAccounting(t *testing.T) {
	rig := newPurgeRig(t, nil)
	track := rig.seedDueTrack(t, time.Hour)

	ctx := context.Background()
	owner := reloadUser(t, rig.store, rig.owner.ID)
	if err := rig.store.SaveTx(ctx, store.DeleteOp(models.CollectionUsers, owner.ID, owner.DocVersion())); err != nil {
		t.Fatalf("delete owner: %v", err)
	}

	if got := rig.purger.purgeOnce(ctx); got != 1 {
		t.Fatalf("purged = %d, want 1", got)
	}
	if _, err := rig.store.Load(ctx, models.CollectionTracks, track.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("row survived")
	}
}

func TestPurgeClampsStorageAtZero(t *testing.T) {
	rig := newPurgeRig(t, nil)
	track := rig.seedDueTrack(t, time.Hour)

	ctx := context.Background()
	owner := reloadUser(t, rig.store, rig.owner.ID)
	owner.UsedStorageBytes = track.FileSize - 100
	if err := rig.store.SaveTx(ctx, store.PutOp(models.CollectionUsers, owner.ID, owner)); err != nil {
		t.Fatalf("shrink owner accounting: %v", err)
	}

	if got := rig.purger.purgeOnce(ctx); got != 1 {
		t.Fatalf("purged = %d, want 1", got)
	}
	if got := reloadUser(t, rig.store, rig.owner.ID).UsedStorageBytes; got != 0 {
		t.Errorf("used storage = %d, want 0", got)
	}
}

func TestPurgeHonorsBatchSize(t *testing.T) {
	rig := newPurgeRig(t, func(cfg *config.LifecycleConfig) {
		cfg.PurgeBatchSize = 1
	})
	rig.seedDueTrack(t, 2*time.Hour)
	rig.seedDueTrack(t, time.Hour)
	ctx := context.Background()

	if got := rig.purger.purgeOnce(ctx); got != 1 {
		t.Fatalf("first sweep purged %d, want 1", got)
	}
	if got := rig.purger.purgeOnce(ctx); got != 1 {
		t.Fatalf("second sweep purged %d, want 1", got)
	}
	if got := rig.purger.purgeOnce(ctx); got != 0 {
		t.Errorf("third sweep purged %d, want 0", got)
	}
}

func TestPurgerStartStop(t *testing.T) {
	rig := newPurgeRig(t, func(cfg *config.LifecycleConfig) {
		cfg.PurgeInterval = 10 * time.Millisecond
	})
	track := rig.seedDueTrack(t, time.Hour)
	ctx := context.Background()

	if err := rig.purger.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !rig.purger.IsRunning() {
		t.Fatal("purger not running after Start")
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := rig.store.Load(ctx, models.CollectionTracks, track.ID); errors.Is(err, store.ErrNotFound) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("track not purged within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	rig.purger.Stop()
	if rig.purger.IsRunning() {
		t.Fatal("purger still running after Stop")
	}

	// Stop again is a no-op.
	rig.purger.Stop()
}
