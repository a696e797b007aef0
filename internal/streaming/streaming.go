// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package streaming issues short-lived presigned stream URLs. Bytes
// flow from the object store to the player directly; this service only
// decides who may fetch what, and caches its decisions for the URL's
// safe lifetime.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/cache"
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
	// ErrInvalidTrackID reports a malformed track id.
	ErrInvalidTrackID = errors.New("streaming: invalid track id")

	// ErrNotOwner reports a stream request for someone else's track.
	ErrNotOwner = errors.New("streaming: not the track owner")

	// ErrUserBlocked reports a principal whose status forbids streaming.
	ErrUserBlocked = errors.New("streaming: account may not stream")
)

// NotReadyError reports a track that exists but cannot stream yet (or
// anymore). Status tells the caller which.
type NotReadyError struct {
	Status models.TrackStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("streaming: track is %s, not ready", e.Status)
}

// StreamInfo is everything the player needs to fetch the audio.
type StreamInfo struct {
	StreamURL     string    `json:"stream_url"`
	ExpiresAt     time.Time `json:"expires_at"`
	Mime          string    `json:"mime"`
	Size          int64     `json:"size"`
	SupportsRange bool      `json:"supports_range"`
}

// cachedURL is the sealed cache value. Mime and size ride along so a
// hit never touches the document store twice.
type cachedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CacheKey names the cache entry for one (user, track) pair.
func CacheKey(userID, trackID string) string {
	return "stream:" + userID + ":" + trackID
}

// Issuer authorizes and issues stream URLs.
type Issuer struct {
	gw         store.Gateway
	objects    objectstore.Gateway
	urls       *cache.Cache
	storePipe  *resilience.Pipeline
	objectPipe *resilience.Pipeline
	cachePipe  *resilience.Pipeline
	cfg        config.StreamingConfig
	log        zerolog.Logger
}

// NewIssuer builds the issuer. urls may be nil; every request then
// presigns fresh. cachePipe guards cache calls and may be nil only when
// urls is.
func NewIssuer(cfg config.StreamingConfig, gw store.Gateway, objects objectstore.Gateway, urls *cache.Cache, storePipe, objectPipe, cachePipe *resilience.Pipeline) *Issuer {
	if cfg.MaxPresignTTL > 0 && cfg.PresignTTL > cfg.MaxPresignTTL {
		cfg.PresignTTL = cfg.MaxPresignTTL
	}
	return &Issuer{
		gw:         gw,
		objects:    objects,
		urls:       urls,
		storePipe:  storePipe,
		objectPipe: objectPipe,
		cachePipe:  cachePipe,
		cfg:        cfg,
		log:        logging.WithComponent("streaming"),
	}
}

// Issue validates ownership and state, then returns a presigned GET,
// from cache when a live one exists. Deleted tracks answer as absent.
func (i *Issuer) Issue(ctx context.Context, p *auth.Principal, trackID string) (*StreamInfo, error) {
	if !ids.Valid(trackID) {
		metrics.RecordStreamDenied("invalid_id")
		return nil, fmt.Errorf("%w: %q", ErrInvalidTrackID, trackID)
	}

	track, err := i.loadTrack(ctx, trackID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordStreamDenied("not_found")
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("load track: %w", err)
	}

	if track.UserID != p.UserID {
		metrics.RecordStreamDenied("forbidden")
		return nil, ErrNotOwner
	}
	switch {
	case track.Status == models.TrackDeleted:
		// Deleted presents as absent; the grace window is not a
		// streaming state.
		metrics.RecordStreamDenied("deleted")
		return nil, store.ErrNotFound
	case !track.Streamable():
		metrics.RecordStreamDenied("not_ready")
		return nil, &NotReadyError{Status: track.Status}
	}
	if !p.Status.CanStream() {
		metrics.RecordStreamDenied("blocked")
		return nil, ErrUserBlocked
	}

	key := CacheKey(p.UserID, track.ID)
	if hit := i.cachedStream(ctx, key); hit != nil {
		metrics.RecordStreamIssued("cache")
		return i.info(track, hit), nil
	}

	u, err := resilience.Do(ctx, i.objectPipe, func(ctx context.Context) (string, error) {
		signed, err := i.objects.PresignGet(ctx, track.ObjectKey, i.cfg.PresignTTL)
		if err != nil {
			return "", err
		}
		return signed.String(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("presign get: %w", err)
	}

	entry := &cachedURL{URL: u, ExpiresAt: time.Now().UTC().Add(i.cfg.PresignTTL)}
	i.storeCached(ctx, key, entry)

	metrics.RecordStreamIssued("presign")
	return i.info(track, entry), nil
}

// InvalidateTrack drops any cached URL for the pair. Callers treat
// failures as best-effort; a stale entry dies with its TTL anyway.
func (i *Issuer) InvalidateTrack(ctx context.Context, userID, trackID string) error {
	if i.urls == nil {
		return nil
	}
	return i.cachePipe.Run(ctx, func(ctx context.Context) error {
		return i.urls.DeletePrefix(ctx, CacheKey(userID, trackID))
	})
}

func (i *Issuer) info(track *models.Track, entry *cachedURL) *StreamInfo {
	return &StreamInfo{
		StreamURL:     entry.URL,
		ExpiresAt:     entry.ExpiresAt,
		Mime:          track.Mime,
		Size:          track.FileSize,
		SupportsRange: true,
	}
}

// cachedStream reads the cache; any failure is a miss.
func (i *Issuer) cachedStream(ctx context.Context, key string) *cachedURL {
	if i.urls == nil {
		return nil
	}
	var ok bool
	raw, err := resilience.Do(ctx, i.cachePipe, func(ctx context.Context) ([]byte, error) {
		var err error
		var raw []byte
		raw, ok, err = i.urls.Get(ctx, key)
		return raw, err
	})
	if err != nil {
		i.log.Debug().Err(err).Str("key", key).Msg("stream cache read failed")
		return nil
	}
	if !ok {
		return nil
	}
	var entry cachedURL
	if err := json.Unmarshal(raw, &entry); err != nil {
		i.log.Debug().Err(err).Str("key", key).Msg("stream cache entry undecodable")
		return nil
	}
	return &entry
}

// storeCached writes the URL for its safe lifetime. Write failures are
// logged and ignored; the next request just presigns again.
func (i *Issuer) storeCached(ctx context.Context, key string, entry *cachedURL) {
	if i.urls == nil {
		return
	}
	ttl := i.cfg.PresignTTL - i.cfg.CacheSafetyBuffer
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		i.log.Warn().Err(err).Msg("stream cache encode failed")
		return
	}
	err = i.cachePipe.Run(ctx, func(ctx context.Context) error {
		return i.urls.Set(ctx, key, raw, ttl)
	})
	if err != nil {
		i.log.Warn().Err(err).Str("key", key).Msg("stream cache write failed")
	}
}

func (i *Issuer) loadTrack(ctx context.Context, id string) (*models.Track, error) {
	doc, err := resilience.Do(ctx, i.storePipe, func(ctx context.Context) (store.Doc, error) {
		return i.gw.Load(ctx, models.CollectionTracks, id)
	})
	if err != nil {
		return nil, err
	}
	var t models.Track
	if err := store.Decode(doc, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
