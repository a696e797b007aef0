// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/lifecycle"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
	"github.com/phonotheca/phonotheca/internal/upload"
)

// Track list paging bounds. The per-user track quota caps the full set
// at a size that is cheap to load and filter in memory.
const (
	defaultTrackPageSize = 50
	maxTrackPageSize     = 200
)

// InitiateUpload opens an upload session and returns the presigned PUT.
func (h *Handlers) InitiateUpload(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	var req upload.InitiateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.deps.Uploads.Initiate(r.Context(), p.UserID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, result)
}

type trackListResponse struct {
	Tracks []*models.Track `json:"tracks"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// ListTracks returns the caller's tracks, newest first. Deleted tracks
// are hidden unless asked for by status, which is how the trash view
// works.
func (h *Handlers) ListTracks(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	statusFilter := r.URL.Query().Get("status")
	if statusFilter != "" && !models.TrackStatus(statusFilter).IsValid() {
		writeProblem(w, r, newProblem(TypeValidation, "Invalid Request",
			http.StatusBadRequest, "unknown track status"))
		return
	}
	search := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	limit := queryInt(r, "limit", defaultTrackPageSize)
	if limit < 1 {
		limit = 1
	}
	if limit > maxTrackPageSize {
		limit = maxTrackPageSize
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	all, err := h.userTracks(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	filtered := all[:0]
	for _, t := range all {
		if statusFilter == "" {
			if t.Status == models.TrackDeleted {
				continue
			}
		} else if string(t.Status) != statusFilter {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(t.Title), search) &&
			!strings.Contains(strings.ToLower(t.Artist), search) {
			continue
		}
		filtered = append(filtered, t)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	total := len(filtered)
	page := filtered[min(offset, total):min(offset+limit, total)]

	writeJSON(w, r, http.StatusOK, trackListResponse{
		Tracks: page,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetTrack returns one owned track, deleted or not.
func (h *Handlers) GetTrack(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	track, err := h.loadOwnedTrack(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, track)
}

type trackPatchRequest struct {
	Title  *string `json:"title" validate:"omitempty,max=500"`
	Artist *string `json:"artist" validate:"omitempty,max=500"`
}

// PatchTrack updates user-editable metadata. Absent fields keep their
// value; a present empty artist clears it. The title can never be
// cleared to empty.
func (h *Handlers) PatchTrack(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	var req trackPatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	track, err := h.loadOwnedTrack(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if track.Status == models.TrackDeleted {
		writeProblem(w, r, newProblem(TypeConflict, "Conflict",
			http.StatusConflict, "cannot edit a deleted track, restore it first"))
		return
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			writeProblem(w, r, newProblem(TypeValidation, "Invalid Request",
				http.StatusBadRequest, "title cannot be empty"))
			return
		}
		track.Title = title
	}
	if req.Artist != nil {
		track.Artist = strings.TrimSpace(*req.Artist)
	}
	track.UpdatedAt = time.Now().UTC()

	err = h.deps.StorePipe.Run(r.Context(), func(ctx context.Context) error {
		return h.deps.Store.SaveTx(ctx, store.PutOp(models.CollectionTracks, track.ID, track))
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Any track mutation drops its cached stream entry, same as delete
	// and restore. Best effort.
	if h.deps.Streams != nil {
		if err := h.deps.Streams.InvalidateTrack(r.Context(), track.UserID, track.ID); err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).
				Str("track_id", track.ID).
				Msg("stream cache invalidation failed after metadata edit")
		}
	}
	writeJSON(w, r, http.StatusOK, track)
}

// DeleteTrack soft-deletes an owned track into the grace window.
func (h *Handlers) DeleteTrack(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	track, err := h.deps.Lifecycle.SoftDelete(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, track)
}

// RestoreTrack pulls a track back out of the grace window.
func (h *Handlers) RestoreTrack(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	track, err := h.deps.Lifecycle.Restore(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, track)
}

// StreamTrack issues a presigned stream URL for a ready owned track.
func (h *Handlers) StreamTrack(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	info, err := h.deps.Streams.Issue(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, info)
}

type waveformResponse struct {
	WaveformURL string    `json:"waveform_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// GetWaveform returns a short-lived URL for the track's peaks JSON. The
// waveform exists once analysis has succeeded; before that this is 409
// like streaming.
func (h *Handlers) GetWaveform(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	track, err := h.loadOwnedTrack(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if track.Status != models.TrackReady || track.WaveformObjectKey == "" {
		writeProblem(w, r, newProblem(TypeNotReady, "Track Not Ready",
			http.StatusConflict, "no waveform for this track").
			withExt("track_status", string(track.Status)))
		return
	}

	ttl := h.deps.Config.Streaming.PresignTTL
	signed, err := resilience.Do(r.Context(), h.deps.ObjectPipe, func(ctx context.Context) (*url.URL, error) {
		return h.deps.Objects.PresignGet(ctx, track.WaveformObjectKey, ttl)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, waveformResponse{
		WaveformURL: signed.String(),
		ExpiresAt:   time.Now().UTC().Add(ttl),
	})
}

// userTracks loads every track the user owns.
func (h *Handlers) userTracks(ctx context.Context, userID string) ([]*models.Track, error) {
	docs, err := resilience.Do(ctx, h.deps.StorePipe, func(ctx context.Context) ([]store.Doc, error) {
		return h.deps.Store.Query(ctx, store.Query{
			Collection: models.CollectionTracks,
			Index:      models.IndexTrackUser,
			Value:      userID,
		})
	})
	if err != nil {
		return nil, err
	}

	tracks := make([]*models.Track, 0, len(docs))
	for _, doc := range docs {
		t := &models.Track{}
		if err := store.Decode(doc, t); err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// loadOwnedTrack fetches a track and enforces ownership. Reuses the
// lifecycle sentinels so problem mapping stays in one place.
func (h *Handlers) loadOwnedTrack(ctx context.Context, p *auth.Principal, trackID string) (*models.Track, error) {
	if !ids.Valid(trackID) {
		return nil, lifecycle.ErrInvalidTrackID
	}
	doc, err := resilience.Do(ctx, h.deps.StorePipe, func(ctx context.Context) (store.Doc, error) {
		return h.deps.Store.Load(ctx, models.CollectionTracks, trackID)
	})
	if err != nil {
		return nil, err
	}
	track := &models.Track{}
	if err := store.Decode(doc, track); err != nil {
		return nil, err
	}
	if track.UserID != p.UserID {
		return nil, lifecycle.ErrNotOwner
	}
	return track, nil
}
