// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/audit"
	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/objectstore"
	"github.com/phonotheca/phonotheca/internal/outbox"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

// Ingestor consumes bucket notifications and commits verified uploads:
// Track Processing, session Completed, owner storage accounting, and the
// analysis outbox row land in one transaction. Everything before that
// transaction is read-only, so redelivery is safe at any point.
type Ingestor struct {
	gw         store.Gateway
	objects    objectstore.Gateway
	storePipe  *resilience.Pipeline
	objectPipe *resilience.Pipeline
	trail      *audit.Log
	log        zerolog.Logger
}

// NewIngestor builds the ingest consumer. trail may be nil.
func NewIngestor(gw store.Gateway, objects objectstore.Gateway, storePipe, objectPipe *resilience.Pipeline, trail *audit.Log) *Ingestor {
	return &Ingestor{
		gw:         gw,
		objects:    objects,
		storePipe:  storePipe,
		objectPipe: objectPipe,
		trail:      trail,
		log:        logging.WithComponent("ingestor"),
	}
}

// HandleObjectEvent is the bus handler for relayed bucket notifications.
// Returning an error retries the message; terminal outcomes ack.
func (i *Ingestor) HandleObjectEvent(ctx context.Context, env *bus.Envelope) error {
	if env.EventType != bus.EventObjectCreated {
		return nil
	}
	var ev bus.ObjectEvent
	if err := env.Decode(&ev); err != nil {
		return bus.Permanent(err)
	}
	if !objectstore.IsAudioKey(ev.Key) {
		// The analyzer's own waveform writes arrive on this topic too.
		return nil
	}
	if _, err := objectstore.ParseAudioKey(ev.Key); err != nil {
		i.log.Warn().Str("key", ev.Key).Err(err).Msg("foreign object under audio prefix")
		return nil
	}

	session, err := i.loadSessionByKey(ctx, ev.Key)
	if errors.Is(err, store.ErrNotFound) {
		i.log.Warn().Str("key", ev.Key).Msg("orphan upload: no session for object")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	now := time.Now().UTC()
	switch {
	case session.Status == models.SessionCompleted:
		// Redelivered notification after commit; the object holds the
		// live track's bytes. Nothing to do, and nothing to delete.
		return nil
	case session.Status.Terminal():
		// Failed or Expired: the object has no business staying.
		return i.discardObject(ctx, ev.Key)
	case session.ExpiredAt(now):
		if err := i.failSession(ctx, session, "object arrived after session expiry"); err != nil {
			return err
		}
		metrics.RecordUploadCompleted("expired", 0)
		return i.discardObject(ctx, ev.Key)
	}

	info, err := i.statObject(ctx, ev.Key)
	if errors.Is(err, objectstore.ErrNotFound) {
		// Gone already. Leave the session pending; a re-upload within
		// its window can still land.
		i.log.Warn().Str("key", ev.Key).Msg("object vanished before ingest")
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat object: %w", err)
	}

	if cause, ok := validateObject(session, info); !ok {
		if err := i.failSession(ctx, session, cause); err != nil {
			return err
		}
		metrics.RecordUploadCompleted("rejected", 0)
		return i.discardObject(ctx, ev.Key)
	}

	checksum, err := i.checksumObject(ctx, ev.Key)
	if err != nil {
		return fmt.Errorf("checksum object: %w", err)
	}

	return i.commit(ctx, session, info, checksum)
}

// validateObject checks the stored object against the session's promise.
// The presigned PUT binds the content type into the signature, so a
// mismatch means the object did not arrive through our URL.
func validateObject(s *models.UploadSession, info objectstore.ObjectInfo) (string, bool) {
	if !strings.EqualFold(strings.TrimSpace(info.ContentType), s.ExpectedMime) {
		return fmt.Sprintf("mime %q does not match declared %q", info.ContentType, s.ExpectedMime), false
	}
	if info.Size < 1 || info.Size > s.MaxSize {
		return fmt.Sprintf("size %d outside [1, %d]", info.Size, s.MaxSize), false
	}
	return "", true
}

// commit writes the upload's durable outcome in one transaction. A
// version conflict surfaces as a retryable error; the redelivery reloads
// the session and acks it as completed.
func (i *Ingestor) commit(ctx context.Context, s *models.UploadSession, info objectstore.ObjectInfo, checksum string) error {
	now := time.Now().UTC()

	track := &models.Track{
		ID:        s.ReservedTrackID,
		UserID:    s.UserID,
		Title:     s.Title,
		Artist:    s.Artist,
		ObjectKey: s.ObjectKey,
		Mime:      s.ExpectedMime,
		FileSize:  info.Size,
		Checksum:  checksum,
		Status:    models.TrackProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if dup, err := i.findDuplicate(ctx, s.UserID, checksum, track.ID); err != nil {
		return err
	} else if dup != "" {
		track.DuplicateOf = dup
		i.log.Info().Str("track_id", track.ID).Str("duplicate_of", dup).Msg("duplicate upload recorded")
	}

	user, err := i.loadUser(ctx, s.UserID)
	if err != nil {
		return fmt.Errorf("load owner: %w", err)
	}
	user.UsedStorageBytes += info.Size

	s.Status = models.SessionCompleted

	row, err := outbox.NewMessage(bus.TopicAudioEvents, bus.EventUploadCompleted, track.ID, bus.UploadCompleted{
		TrackID:   track.ID,
		UserID:    track.UserID,
		ObjectKey: track.ObjectKey,
		Mime:      track.Mime,
		Size:      track.FileSize,
		Checksum:  checksum,
	}, logging.CorrelationIDFromContext(ctx))
	if err != nil {
		return bus.Permanent(fmt.Errorf("build outbox row: %w", err))
	}

	err = i.storePipe.Run(ctx, func(ctx context.Context) error {
		return i.gw.SaveTx(ctx,
			store.PutOp(models.CollectionTracks, track.ID, track),
			store.PutOp(models.CollectionSessions, s.UploadID, s),
			store.PutOp(models.CollectionUsers, user.ID, user),
			outbox.PutOp(row),
		)
	})
	if err != nil {
		return fmt.Errorf("commit upload: %w", err)
	}

	metrics.RecordUploadCompleted("ok", info.Size)
	i.appendAudit(ctx, audit.Entry{
		ActorUserID: user.ID,
		ActorEmail:  user.Email,
		Action:      models.AuditActionUploadCompleted,
		TargetType:  models.AuditTargetTrack,
		TargetID:    track.ID,
		NewState:    string(models.TrackProcessing),
	})
	i.log.Info().
		Str("track_id", track.ID).
		Str("user_id", track.UserID).
		Int64("size", info.Size).
		Str("checksum", checksum).
		Msg("upload committed")
	return nil
}

// findDuplicate returns an earlier track of the same owner with the same
// checksum. Duplicates are recorded, never rejected.
func (i *Ingestor) findDuplicate(ctx context.Context, userID, checksum, selfID string) (string, error) {
	docs, err := resilience.Do(ctx, i.storePipe, func(ctx context.Context) ([]store.Doc, error) {
		return i.gw.Query(ctx, store.Query{
			Collection:   models.CollectionTracks,
			Index:        models.IndexTrackChecksum,
			Value:        userID + "|" + checksum,
			Limit:        1,
			WaitNonStale: true,
		})
	})
	if err != nil {
		return "", fmt.Errorf("duplicate lookup: %w", err)
	}
	for _, doc := range docs {
		if doc.ID != selfID {
			return doc.ID, nil
		}
	}
	return "", nil
}

// failSession marks a pending session Failed. Losing the version race
// means another worker already transitioned it; that outcome stands.
func (i *Ingestor) failSession(ctx context.Context, s *models.UploadSession, cause string) error {
	s.Status = models.SessionFailed
	s.FailCause = cause
	err := i.storePipe.Run(ctx, func(ctx context.Context) error {
		return i.gw.SaveTx(ctx, store.PutOp(models.CollectionSessions, s.UploadID, s))
	})
	if errors.Is(err, store.ErrConcurrencyConflict) {
		i.log.Debug().Str("upload_id", s.UploadID).Msg("session transitioned concurrently")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	i.log.Warn().Str("upload_id", s.UploadID).Str("cause", cause).Msg("upload session failed")
	return nil
}

func (i *Ingestor) discardObject(ctx context.Context, key string) error {
	err := i.objectPipe.Run(ctx, func(ctx context.Context) error {
		return i.objects.Delete(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("discard object: %w", err)
	}
	return nil
}

func (i *Ingestor) checksumObject(ctx context.Context, key string) (string, error) {
	return resilience.Do(ctx, i.objectPipe, func(ctx context.Context) (string, error) {
		r, err := i.objects.OpenRead(ctx, key)
		if err != nil {
			return "", err
		}
		defer r.Close()
		h := sha256.New()
		if _, err := io.Copy(h, r); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	})
}

func (i *Ingestor) statObject(ctx context.Context, key string) (objectstore.ObjectInfo, error) {
	return resilience.Do(ctx, i.objectPipe, func(ctx context.Context) (objectstore.ObjectInfo, error) {
		return i.objects.Stat(ctx, key)
	})
}

func (i *Ingestor) loadSessionByKey(ctx context.Context, key string) (*models.UploadSession, error) {
	doc, err := resilience.Do(ctx, i.storePipe, func(ctx context.Context) (store.Doc, error) {
		return i.gw.LoadByUnique(ctx, models.CollectionSessions, models.IndexSessionObjectKey, key)
	})
	if err != nil {
		return nil, err
	}
	var s models.UploadSession
	if err := store.Decode(doc, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (i *Ingestor) loadUser(ctx context.Context, id string) (*models.User, error) {
	doc, err := resilience.Do(ctx, i.storePipe, func(ctx context.Context) (store.Doc, error) {
		return i.gw.Load(ctx, models.CollectionUsers, id)
	})
	if err != nil {
		return nil, err
	}
	var u models.User
	if err := store.Decode(doc, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (i *Ingestor) appendAudit(ctx context.Context, e audit.Entry) {
	if i.trail == nil {
		return
	}
	if e.CorrelationID == "" {
		e.CorrelationID = logging.CorrelationIDFromContext(ctx)
	}
	if _, err := i.trail.Append(ctx, e); err != nil {
		i.log.Error().Err(err).Str("action", e.Action).Msg("audit append failed")
	}
}
