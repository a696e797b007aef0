// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package upload owns the presigned upload flow. The coordinator hands
// out upload sessions with presigned PUT URLs; the ingestor turns bucket
// notifications for those sessions into Processing tracks. Audio bytes
// never pass through the API process.
package upload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/objectstore"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

var (
	// ErrInvalidFileName reports an empty, oversized, or path-bearing
	// file name.
	ErrInvalidFileName = errors.New("upload: invalid file name")

	// ErrUnsupportedMime reports a declared type outside the allow-list.
	ErrUnsupportedMime = errors.New("upload: unsupported mime type")

	// ErrFileTooLarge reports a declared size outside [1, max].
	ErrFileTooLarge = errors.New("upload: file size out of range")

	// ErrQuotaExceeded reports a storage or track-count quota breach.
	ErrQuotaExceeded = errors.New("upload: quota exceeded")

	// ErrUserBlocked reports an upload attempt by an account whose
	// status forbids it.
	ErrUserBlocked = errors.New("upload: account may not upload")

	// ErrDegraded means a dependency needed to admit the upload safely
	// is unavailable. Quota checks fail closed into this.
	ErrDegraded = errors.New("upload: service degraded")
)

// QuotaError is an ErrQuotaExceeded that carries the numbers behind the
// refusal. Resource is "storage" (bytes) or "tracks" (row count).
type QuotaError struct {
	Resource string
	Used     int64
	Quota    int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("upload: quota exceeded (%s): %d of %d used", e.Resource, e.Used, e.Quota)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// maxFileNameBytes bounds the client-declared file name.
const maxFileNameBytes = 255

// InitiateRequest is the client's upload declaration.
type InitiateRequest struct {
	FileName string `json:"file_name" validate:"required"`
	Mime     string `json:"mime" validate:"required"`
	Size     int64  `json:"size" validate:"required"`
	Title    string `json:"title,omitempty" validate:"omitempty,max=500"`
	Artist   string `json:"artist,omitempty" validate:"omitempty,max=500"`
}

// InitiateResult carries everything the client needs to PUT the bytes.
type InitiateResult struct {
	UploadID     string    `json:"upload_id"`
	TrackID      string    `json:"track_id"`
	PresignedURL string    `json:"presigned_url"`
	ExpiresAt    time.Time `json:"expires_at"`
	ObjectKey    string    `json:"object_key"`
}

// Coordinator admits uploads: it validates the declaration, reserves the
// track identity, and issues the presigned PUT.
type Coordinator struct {
	gw         store.Gateway
	objects    objectstore.Gateway
	storePipe  *resilience.Pipeline
	objectPipe *resilience.Pipeline
	cfg        config.UploadConfig
	log        zerolog.Logger
}

// NewCoordinator builds the upload coordinator.
func NewCoordinator(cfg config.UploadConfig, gw store.Gateway, objects objectstore.Gateway, storePipe, objectPipe *resilience.Pipeline) *Coordinator {
	return &Coordinator{
		gw:         gw,
		objects:    objects,
		storePipe:  storePipe,
		objectPipe: objectPipe,
		cfg:        cfg,
		log:        logging.WithComponent("upload"),
	}
}

// Initiate validates the declaration in order (file name, mime, size,
// storage quota, track quota; first failure wins), stores a Pending
// session, and returns the presigned PUT. No Track row exists yet.
func (c *Coordinator) Initiate(ctx context.Context, userID string, req InitiateRequest) (*InitiateResult, error) {
	if !fileNameValid(req.FileName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFileName, req.FileName)
	}
	mimeType := strings.ToLower(strings.TrimSpace(req.Mime))
	if !c.mimeAllowed(mimeType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMime, req.Mime)
	}
	if req.Size < 1 || req.Size > c.cfg.MaxFileSizeBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, req.Size, c.cfg.MaxFileSizeBytes)
	}

	user, err := c.loadUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load user: %v", ErrDegraded, err)
	}
	if !user.Status.CanStream() {
		return nil, ErrUserBlocked
	}
	if user.UsedStorageBytes+req.Size > c.cfg.StorageQuotaBytes {
		return nil, &QuotaError{Resource: "storage", Used: user.UsedStorageBytes, Quota: c.cfg.StorageQuotaBytes}
	}

	count, err := resilience.Do(ctx, c.storePipe, func(ctx context.Context) (int, error) {
		return c.gw.Count(ctx, store.Query{
			Collection: models.CollectionTracks,
			Index:      models.IndexTrackUser,
			Value:      userID,
		})
	})
	if err != nil {
		// Fail closed: a quota that cannot be computed has not passed.
		return nil, fmt.Errorf("%w: count tracks: %v", ErrDegraded, err)
	}
	if count+1 > c.cfg.MaxTracksPerUser {
		return nil, &QuotaError{Resource: "tracks", Used: int64(count), Quota: int64(c.cfg.MaxTracksPerUser)}
	}

	suffix, err := ids.NewObjectSuffix()
	if err != nil {
		return nil, err
	}
	trackID := ids.New()
	now := time.Now().UTC()

	session := &models.UploadSession{
		UploadID:        ids.New(),
		UserID:          userID,
		ReservedTrackID: trackID,
		ObjectKey:       objectstore.AudioKey(userID, trackID, suffix),
		ExpectedMime:    mimeType,
		MaxSize:         req.Size,
		Title:           strings.TrimSpace(req.Title),
		Artist:          strings.TrimSpace(req.Artist),
		Status:          models.SessionPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(c.cfg.SessionTTL),
	}

	err = c.storePipe.Run(ctx, func(ctx context.Context) error {
		return c.gw.SaveTx(ctx, store.PutOp(models.CollectionSessions, session.UploadID, session))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: save session: %v", ErrDegraded, err)
	}

	// Presign after the session exists; a session whose presign failed
	// just expires unused.
	putURL, err := resilience.Do(ctx, c.objectPipe, func(ctx context.Context) (*url.URL, error) {
		return c.objects.PresignPut(ctx, session.ObjectKey, session.ExpectedMime, c.cfg.SessionTTL)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: presign put: %v", ErrDegraded, err)
	}

	metrics.RecordUploadInitiated()
	c.log.Info().
		Str("upload_id", session.UploadID).
		Str("track_id", trackID).
		Str("user_id", userID).
		Int64("size", req.Size).
		Str("mime", mimeType).
		Msg("upload session created")

	return &InitiateResult{
		UploadID:     session.UploadID,
		TrackID:      trackID,
		PresignedURL: putURL.String(),
		ExpiresAt:    session.ExpiresAt,
		ObjectKey:    session.ObjectKey,
	}, nil
}

func (c *Coordinator) mimeAllowed(mimeType string) bool {
	for _, m := range c.cfg.AllowedMimeTypes {
		if strings.EqualFold(m, mimeType) {
			return true
		}
	}
	return false
}

func (c *Coordinator) loadUser(ctx context.Context, id string) (*models.User, error) {
	doc, err := resilience.Do(ctx, c.storePipe, func(ctx context.Context) (store.Doc, error) {
		return c.gw.Load(ctx, models.CollectionUsers, id)
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

// fileNameValid accepts names that cannot smuggle path segments.
func fileNameValid(name string) bool {
	if name == "" || len(name) > maxFileNameBytes {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
