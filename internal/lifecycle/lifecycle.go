// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package lifecycle owns the deletion side of a track's life: the
// soft-delete that opens a restore grace window, the restore that closes
// it, and the background workers that purge expired tracks and sweep
// stale upload sessions. Nothing here touches audio bytes on the hot
// path; physical removal is the purge worker's job alone.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/audit"
	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/outbox"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

var (
	// ErrInvalidTrackID rejects a malformed track identifier.
	ErrInvalidTrackID = errors.New("lifecycle: invalid track id")

	// ErrNotOwner rejects a delete or restore of someone else's track.
	ErrNotOwner = errors.New("lifecycle: track belongs to another user")

	// ErrAlreadyDeleted rejects a second delete of a track already in the
	// grace window.
	ErrAlreadyDeleted = errors.New("lifecycle: track already deleted")

	// ErrNotDeletable rejects deleting a track whose status does not
	// permit it (a track still processing).
	ErrNotDeletable = errors.New("lifecycle: track cannot be deleted in its current status")

	// ErrNotDeleted rejects restoring a track that is not in the grace
	// window.
	ErrNotDeleted = errors.New("lifecycle: track is not deleted")

	// ErrGraceExpired rejects restoring a track whose grace window has
	// closed. The purge worker owns it now.
	ErrGraceExpired = errors.New("lifecycle: restore window has closed")

	// ErrNotFailed rejects reprocessing a track that is not in Failed.
	// Failed is the only status with a legal edge back to Processing.
	ErrNotFailed = errors.New("lifecycle: only failed tracks can be reprocessed")
)

// Invalidator drops cached stream URLs for one track. Provided by the
// streaming issuer; consumed here so the two packages stay one-way.
type Invalidator interface {
	InvalidateTrack(ctx context.Context, userID, trackID string) error
}

// Service performs soft deletes and restores.
type Service struct {
	gw         store.Gateway
	storePipe  *resilience.Pipeline
	invalidate Invalidator
	trail      *audit.Log
	cfg        config.LifecycleConfig
	log        zerolog.Logger
}

// NewService wires the delete/restore service. invalidate and trail may
// be nil.
func NewService(cfg config.LifecycleConfig, gw store.Gateway, storePipe *resilience.Pipeline, invalidate Invalidator, trail *audit.Log) *Service {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 720 * time.Hour
	}
	return &Service{
		gw:         gw,
		storePipe:  storePipe,
		invalidate: invalidate,
		trail:      trail,
		cfg:        cfg,
		log:        logging.WithComponent("lifecycle"),
	}
}

// SoftDelete moves an owned track into the deletion grace window. The
// track keeps its bytes and its row; only the purge worker removes
// either, and not before ScheduledDeletionAt.
func (s *Service) SoftDelete(ctx context.Context, p *auth.Principal, trackID string) (*models.Track, error) {
	track, err := s.loadOwned(ctx, p, trackID)
	if err != nil {
		return nil, err
	}
	return s.delete(ctx, track, audit.Entry{
		ActorUserID: p.UserID,
		ActorEmail:  p.Email,
	})
}

// Moderate is the admin delete: any owner, reason code required. The
// reason lands on the audit chain and nowhere else.
func (s *Service) Moderate(ctx context.Context, actor *auth.Principal, trackID, reasonCode, reasonText string) (*models.Track, error) {
	if !models.ValidAuditReason(reasonCode) || reasonCode == "" {
		return nil, fmt.Errorf("%w: %q", audit.ErrUnknownReason, reasonCode)
	}
	if !ids.Valid(trackID) {
		return nil, ErrInvalidTrackID
	}
	track, err := s.loadTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}
	return s.delete(ctx, track, audit.Entry{
		ActorUserID: actor.UserID,
		ActorEmail:  actor.Email,
		ReasonCode:  reasonCode,
		ReasonText:  reasonText,
	})
}

func (s *Service) delete(ctx context.Context, track *models.Track, entry audit.Entry) (*models.Track, error) {
	switch {
	case track.Status == models.TrackDeleted:
		return nil, ErrAlreadyDeleted
	case !track.Status.CanTransitionTo(models.TrackDeleted):
		return nil, fmt.Errorf("%w: %s", ErrNotDeletable, track.Status)
	}

	now := time.Now().UTC()
	due := now.Add(s.cfg.GracePeriod)
	prev := track.Status

	track.StatusBeforeDeletion = prev
	track.Status = models.TrackDeleted
	track.DeletedAt = &now
	track.ScheduledDeletionAt = &due
	track.UpdatedAt = now

	row, err := outbox.NewMessage(bus.TopicTrackDeletions, bus.EventTrackDeleted, track.ID, bus.TrackDeleted{
		TrackID:             track.ID,
		UserID:              track.UserID,
		ObjectKey:           track.ObjectKey,
		WaveformObjectKey:   track.WaveformObjectKey,
		ScheduledDeletionAt: due,
	}, logging.CorrelationIDFromContext(ctx))
	if err != nil {
		return nil, err
	}

	err = s.storePipe.Run(ctx, func(ctx context.Context) error {
		return s.gw.SaveTx(ctx,
			store.PutOp(models.CollectionTracks, track.ID, track),
			outbox.PutOp(row),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("soft delete track: %w", err)
	}

	metrics.RecordSoftDelete()
	s.dropCachedURLs(ctx, track)

	entry.Action = models.AuditActionTrackDeleted
	entry.TargetType = models.AuditTargetTrack
	entry.TargetID = track.ID
	entry.PreviousState = string(prev)
	entry.NewState = string(models.TrackDeleted)
	s.appendAudit(ctx, entry)

	s.log.Info().
		Str("track_id", track.ID).
		Str("user_id", track.UserID).
		Time("scheduled_deletion_at", due).
		Msg("track soft deleted")
	return track, nil
}

// Restore pulls an owned track back out of the grace window, returning
// it to the status it held before deletion.
func (s *Service) Restore(ctx context.Context, p *auth.Principal, trackID string) (*models.Track, error) {
	track, err := s.loadOwned(ctx, p, trackID)
	if err != nil {
		return nil, err
	}
	if track.Status != models.TrackDeleted {
		return nil, ErrNotDeleted
	}

	now := time.Now().UTC()
	if track.ScheduledDeletionAt == nil || !now.Before(*track.ScheduledDeletionAt) {
		return nil, ErrGraceExpired
	}

	restored := track.StatusBeforeDeletion
	if restored == "" {
		restored = models.TrackReady
	}

	track.Status = restored
	track.StatusBeforeDeletion = ""
	track.DeletedAt = nil
	track.ScheduledDeletionAt = nil
	track.UpdatedAt = now

	row, err := outbox.NewMessage(bus.TopicAudioEvents, bus.EventTrackRestored, track.ID, bus.TrackRestored{
		TrackID: track.ID,
		UserID:  track.UserID,
		Status:  string(restored),
	}, logging.CorrelationIDFromContext(ctx))
	if err != nil {
		return nil, err
	}

	err = s.storePipe.Run(ctx, func(ctx context.Context) error {
		return s.gw.SaveTx(ctx,
			store.PutOp(models.CollectionTracks, track.ID, track),
			outbox.PutOp(row),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("restore track: %w", err)
	}

	metrics.RecordRestore()
	s.dropCachedURLs(ctx, track)

	s.appendAudit(ctx, audit.Entry{
		ActorUserID:   p.UserID,
		ActorEmail:    p.Email,
		Action:        models.AuditActionTrackRestored,
		TargetType:    models.AuditTargetTrack,
		TargetID:      track.ID,
		PreviousState: string(models.TrackDeleted),
		NewState:      string(restored),
	})

	s.log.Info().
		Str("track_id", track.ID).
		Str("user_id", track.UserID).
		Str("status", string(restored)).
		Msg("track restored")
	return track, nil
}

// Reprocess sends a failed track back through analysis. Admin only; the
// emitted event is the same one a fresh upload produces, so the analyzer
// re-runs from the stored object without a special path.
func (s *Service) Reprocess(ctx context.Context, actor *auth.Principal, trackID string) (*models.Track, error) {
	if !ids.Valid(trackID) {
		return nil, ErrInvalidTrackID
	}
	track, err := s.loadTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if track.Status != models.TrackFailed {
		return nil, fmt.Errorf("%w: %s", ErrNotFailed, track.Status)
	}

	now := time.Now().UTC()
	prevReason := track.FailureReason

	track.Status = models.TrackProcessing
	track.FailureReason = ""
	track.ProcessedAt = nil
	track.UpdatedAt = now

	row, err := outbox.NewMessage(bus.TopicAudioEvents, bus.EventUploadCompleted, track.ID, bus.UploadCompleted{
		TrackID:   track.ID,
		UserID:    track.UserID,
		ObjectKey: track.ObjectKey,
		Mime:      track.Mime,
		Size:      track.FileSize,
		Checksum:  track.Checksum,
	}, logging.CorrelationIDFromContext(ctx))
	if err != nil {
		return nil, err
	}

	err = s.storePipe.Run(ctx, func(ctx context.Context) error {
		return s.gw.SaveTx(ctx,
			store.PutOp(models.CollectionTracks, track.ID, track),
			outbox.PutOp(row),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("reprocess track: %w", err)
	}

	metrics.RecordReprocess()

	s.appendAudit(ctx, audit.Entry{
		ActorUserID:   actor.UserID,
		ActorEmail:    actor.Email,
		Action:        models.AuditActionTrackReprocessed,
		TargetType:    models.AuditTargetTrack,
		TargetID:      track.ID,
		PreviousState: string(models.TrackFailed),
		NewState:      string(models.TrackProcessing),
		ReasonText:    string(prevReason),
	})

	s.log.Info().
		Str("track_id", track.ID).
		Str("user_id", track.UserID).
		Str("failure_reason", string(prevReason)).
		Msg("track queued for reprocessing")
	return track, nil
}

func (s *Service) loadOwned(ctx context.Context, p *auth.Principal, trackID string) (*models.Track, error) {
	if !ids.Valid(trackID) {
		return nil, ErrInvalidTrackID
	}
	track, err := s.loadTrack(ctx, trackID)
	if err != nil {
		return nil, err
	}
	if track.UserID != p.UserID {
		return nil, ErrNotOwner
	}
	return track, nil
}

func (s *Service) loadTrack(ctx context.Context, id string) (*models.Track, error) {
	doc, err := resilience.Do(ctx, s.storePipe, func(ctx context.Context) (store.Doc, error) {
		return s.gw.Load(ctx, models.CollectionTracks, id)
	})
	if err != nil {
		return nil, err
	}
	track := &models.Track{}
	if err := store.Decode(doc, track); err != nil {
		return nil, err
	}
	return track, nil
}

// dropCachedURLs is best effort. A stale cached URL stays valid against
// the object store until it expires on its own; invalidation just
// shortens that window.
func (s *Service) dropCachedURLs(ctx context.Context, track *models.Track) {
	if s.invalidate == nil {
		return
	}
	if err := s.invalidate.InvalidateTrack(ctx, track.UserID, track.ID); err != nil {
		s.log.Warn().Err(err).Str("track_id", track.ID).Msg("stream cache invalidation failed")
	}
}

func (s *Service) appendAudit(ctx context.Context, e audit.Entry) {
	if s.trail == nil {
		return
	}
	if e.CorrelationID == "" {
		e.CorrelationID = logging.CorrelationIDFromContext(ctx)
	}
	if _, err := s.trail.Append(ctx, e); err != nil {
		s.log.Error().Err(err).Str("action", e.Action).Msg("audit append failed")
	}
}
