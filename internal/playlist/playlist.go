// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package playlist implements ordered track collections: CRUD, add and
// remove by position, and the sequential reorder engine. A playlist is
// one document; every mutation is a version-checked write, so
// concurrent edits surface as conflicts instead of silently
// interleaving.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

const (
	maxNameLen        = 200
	maxDescriptionLen = 1000
)

var (
	// ErrInvalidPlaylistID rejects a malformed playlist identifier.
	ErrInvalidPlaylistID = errors.New("playlist: invalid playlist id")

	// ErrInvalidName rejects an empty or oversized playlist name.
	ErrInvalidName = errors.New("playlist: invalid name")

	// ErrNotOwner rejects operating on someone else's playlist.
	ErrNotOwner = errors.New("playlist: playlist belongs to another user")

	// ErrPlaylistQuota rejects creating a playlist over the per-owner cap.
	ErrPlaylistQuota = errors.New("playlist: playlist quota reached")

	// ErrEntryQuota rejects an add that would exceed the entry cap.
	ErrEntryQuota = errors.New("playlist: entry quota reached")

	// ErrNoTracks rejects an add request with nothing in it.
	ErrNoTracks = errors.New("playlist: no tracks to add")

	// ErrTrackUnavailable rejects adding a track the owner cannot use:
	// unknown, someone else's, or soft-deleted.
	ErrTrackUnavailable = errors.New("playlist: track unavailable")

	// ErrPositionOutOfRange rejects an insert or remove position outside
	// the playlist.
	ErrPositionOutOfRange = errors.New("playlist: position out of range")
)

// Service owns playlist reads and mutations.
type Service struct {
	gw   store.Gateway
	pipe *resilience.Pipeline
	cfg  config.PlaylistsConfig
	log  zerolog.Logger
}

// NewService wires the playlist service.
func NewService(cfg config.PlaylistsConfig, gw store.Gateway, pipe *resilience.Pipeline) *Service {
	if cfg.MaxPerOwner <= 0 {
		cfg.MaxPerOwner = 200
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.MaxMovesPerRequest <= 0 {
		cfg.MaxMovesPerRequest = 50
	}
	return &Service{
		gw:   gw,
		pipe: pipe,
		cfg:  cfg,
		log:  logging.WithComponent("playlist"),
	}
}

// Create makes an empty playlist, enforcing the per-owner quota.
func (s *Service) Create(ctx context.Context, p *auth.Principal, name, description string) (*models.Playlist, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLen {
		return nil, ErrInvalidName
	}
	if len(description) > maxDescriptionLen {
		return nil, fmt.Errorf("%w: description too long", ErrInvalidName)
	}

	owned, err := resilience.Do(ctx, s.pipe, func(ctx context.Context) (int, error) {
		return s.gw.Count(ctx, store.Query{
			Collection:   models.CollectionPlaylists,
			Index:        models.IndexPlaylistOwner,
			Value:        p.UserID,
			WaitNonStale: true,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("count playlists: %w", err)
	}
	if owned >= s.cfg.MaxPerOwner {
		return nil, fmt.Errorf("%w: %d playlists", ErrPlaylistQuota, owned)
	}

	now := time.Now().UTC()
	pl := &models.Playlist{
		ID:          ids.New(),
		OwnerID:     p.UserID,
		Name:        name,
		Description: strings.TrimSpace(description),
		Entries:     []models.PlaylistEntry{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	pl.Normalize()

	if err := s.save(ctx, pl); err != nil {
		return nil, err
	}

	s.log.Info().Str("playlist_id", pl.ID).Str("owner_id", p.UserID).Msg("playlist created")
	return pl, nil
}

// Get loads one owned playlist.
func (s *Service) Get(ctx context.Context, p *auth.Principal, playlistID string) (*models.Playlist, error) {
	return s.loadOwned(ctx, p, playlistID)
}

// List returns the owner's playlists.
func (s *Service) List(ctx context.Context, p *auth.Principal) ([]*models.Playlist, error) {
	docs, err := resilience.Do(ctx, s.pipe, func(ctx context.Context) ([]store.Doc, error) {
		return s.gw.Query(ctx, store.Query{
			Collection: models.CollectionPlaylists,
			Index:      models.IndexPlaylistOwner,
			Value:      p.UserID,
			Limit:      s.cfg.MaxPerOwner,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list playlists: %w", err)
	}

	out := make([]*models.Playlist, 0, len(docs))
	for i := range docs {
		pl := &models.Playlist{}
		if err := store.Decode(docs[i], pl); err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, nil
}

// Update renames or redescribes a playlist. Nil fields stay unchanged.
func (s *Service) Update(ctx context.Context, p *auth.Principal, playlistID string, name, description *string) (*models.Playlist, error) {
	pl, err := s.loadOwned(ctx, p, playlistID)
	if err != nil {
		return nil, err
	}

	if name != nil {
		trimmed := strings.TrimSpace(*name)
		if trimmed == "" || len(trimmed) > maxNameLen {
			return nil, ErrInvalidName
		}
		pl.Name = trimmed
	}
	if description != nil {
		if len(*description) > maxDescriptionLen {
			return nil, fmt.Errorf("%w: description too long", ErrInvalidName)
		}
		pl.Description = strings.TrimSpace(*description)
	}
	pl.UpdatedAt = time.Now().UTC()

	if err := s.save(ctx, pl); err != nil {
		return nil, err
	}
	return pl, nil
}

// Delete removes an owned playlist. Tracks are untouched; a playlist
// only references them.
func (s *Service) Delete(ctx context.Context, p *auth.Principal, playlistID string) error {
	pl, err := s.loadOwned(ctx, p, playlistID)
	if err != nil {
		return err
	}

	err = s.pipe.Run(ctx, func(ctx context.Context) error {
		return s.gw.SaveTx(ctx, store.DeleteOp(models.CollectionPlaylists, pl.ID, pl.DocVersion()))
	})
	if err != nil {
		return fmt.Errorf("delete playlist: %w", err)
	}

	s.log.Info().Str("playlist_id", pl.ID).Str("owner_id", p.UserID).Msg("playlist deleted")
	return nil
}

// AddTracks inserts entries at a position, default append. Durations
// are snapshotted from the tracks at add time; the playlist totals sum
// those snapshots.
func (s *Service) AddTracks(ctx context.Context, p *auth.Principal, playlistID string, trackIDs []string, at *int) (*models.Playlist, error) {
	if len(trackIDs) == 0 {
		return nil, ErrNoTracks
	}

	pl, err := s.loadOwned(ctx, p, playlistID)
	if err != nil {
		return nil, err
	}
	if len(pl.Entries)+len(trackIDs) > s.cfg.MaxEntries {
		return nil, fmt.Errorf("%w: %d entries", ErrEntryQuota, len(pl.Entries))
	}

	pos := len(pl.Entries)
	if at != nil {
		// Inserting at len appends.
		if *at < 0 || *at > len(pl.Entries) {
			return nil, fmt.Errorf("%w: insert at %d with %d entries", ErrPositionOutOfRange, *at, len(pl.Entries))
		}
		pos = *at
	}

	now := time.Now().UTC()
	added := make([]models.PlaylistEntry, 0, len(trackIDs))
	for _, trackID := range trackIDs {
		track, err := s.usableTrack(ctx, p, trackID)
		if err != nil {
			return nil, err
		}
		entry := models.PlaylistEntry{TrackID: track.ID, AddedAt: now}
		if track.Metadata != nil {
			entry.DurationSeconds = track.Metadata.DurationSeconds
		}
		added = append(added, entry)
	}

	pl.Entries = append(pl.Entries[:pos], append(added, pl.Entries[pos:]...)...)
	pl.Normalize()
	pl.UpdatedAt = now

	if err := s.save(ctx, pl); err != nil {
		return nil, err
	}
	return pl, nil
}

// RemoveAt drops the entry at one position.
func (s *Service) RemoveAt(ctx context.Context, p *auth.Principal, playlistID string, position int) (*models.Playlist, error) {
	pl, err := s.loadOwned(ctx, p, playlistID)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= len(pl.Entries) {
		return nil, fmt.Errorf("%w: remove at %d with %d entries", ErrPositionOutOfRange, position, len(pl.Entries))
	}

	pl.Entries = append(pl.Entries[:position], pl.Entries[position+1:]...)
	pl.Normalize()
	pl.UpdatedAt = time.Now().UTC()

	if err := s.save(ctx, pl); err != nil {
		return nil, err
	}
	return pl, nil
}

// Reorder applies moves sequentially and persists the result. A bad
// move rejects the whole request; nothing is persisted.
func (s *Service) Reorder(ctx context.Context, p *auth.Principal, playlistID string, moves []Move) (*models.Playlist, error) {
	if len(moves) > s.cfg.MaxMovesPerRequest {
		return nil, fmt.Errorf("%w: %d moves, cap %d", ErrTooManyMoves, len(moves), s.cfg.MaxMovesPerRequest)
	}

	pl, err := s.loadOwned(ctx, p, playlistID)
	if err != nil {
		return nil, err
	}
	if len(pl.Entries) == 0 {
		return nil, ErrEmptyPlaylist
	}
	if len(moves) == 0 {
		return pl, nil
	}

	if err := applyMoves(pl.Entries, moves); err != nil {
		return nil, err
	}
	pl.Normalize()
	pl.UpdatedAt = time.Now().UTC()

	if err := s.save(ctx, pl); err != nil {
		return nil, err
	}
	return pl, nil
}

func (s *Service) loadOwned(ctx context.Context, p *auth.Principal, playlistID string) (*models.Playlist, error) {
	if !ids.Valid(playlistID) {
		return nil, ErrInvalidPlaylistID
	}

	doc, err := resilience.Do(ctx, s.pipe, func(ctx context.Context) (store.Doc, error) {
		return s.gw.Load(ctx, models.CollectionPlaylists, playlistID)
	})
	if err != nil {
		return nil, err
	}

	pl := &models.Playlist{}
	if err := store.Decode(doc, pl); err != nil {
		return nil, err
	}
	if pl.OwnerID != p.UserID {
		return nil, ErrNotOwner
	}
	return pl, nil
}

// usableTrack loads a track the principal may reference: their own and
// not in the deletion grace window. Unknown and foreign tracks return
// the same error, so playlists cannot probe other libraries.
func (s *Service) usableTrack(ctx context.Context, p *auth.Principal, trackID string) (*models.Track, error) {
	if !ids.Valid(trackID) {
		return nil, fmt.Errorf("%w: %s", ErrTrackUnavailable, trackID)
	}

	doc, err := resilience.Do(ctx, s.pipe, func(ctx context.Context) (store.Doc, error) {
		return s.gw.Load(ctx, models.CollectionTracks, trackID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTrackUnavailable, trackID)
	}
	if err != nil {
		return nil, err
	}

	track := &models.Track{}
	if err := store.Decode(doc, track); err != nil {
		return nil, err
	}
	if track.UserID != p.UserID || track.Status == models.TrackDeleted {
		return nil, fmt.Errorf("%w: %s", ErrTrackUnavailable, trackID)
	}
	return track, nil
}

func (s *Service) save(ctx context.Context, pl *models.Playlist) error {
	err := s.pipe.Run(ctx, func(ctx context.Context) error {
		return s.gw.SaveTx(ctx, store.PutOp(models.CollectionPlaylists, pl.ID, pl))
	})
	if err != nil {
		return fmt.Errorf("save playlist: %w", err)
	}
	return nil
}
