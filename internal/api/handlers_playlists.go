// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/playlist"
)

type playlistCreateRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"omitempty,max=2000"`
}

// CreatePlaylist makes an empty playlist owned by the caller.
func (h *Handlers) CreatePlaylist(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	var req playlistCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pl, err := h.deps.Playlists.Create(r.Context(), p, req.Name, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, pl)
}

type playlistListResponse struct {
	Playlists []*models.Playlist `json:"playlists"`
	Total     int                `json:"total"`
}

// ListPlaylists returns every playlist the caller owns.
func (h *Handlers) ListPlaylists(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	playlists, err := h.deps.Playlists.List(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, playlistListResponse{
		Playlists: playlists,
		Total:     len(playlists),
	})
}

// GetPlaylist returns one owned playlist with its entries.
func (h *Handlers) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	pl, err := h.deps.Playlists.Get(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, pl)
}

type playlistUpdateRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=200"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
}

// UpdatePlaylist renames or re-describes a playlist. Absent fields keep
// their value.
func (h *Handlers) UpdatePlaylist(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	var req playlistUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pl, err := h.deps.Playlists.Update(r.Context(), p, chi.URLParam(r, "id"), req.Name, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, pl)
}

// DeletePlaylist removes a playlist. Tracks are untouched.
func (h *Handlers) DeletePlaylist(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	if err := h.deps.Playlists.Delete(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type playlistAddRequest struct {
	TrackIDs []string `json:"track_ids" validate:"required,min=1,max=100,dive,sortableid"`
	At       *int     `json:"at" validate:"omitempty,min=0"`
}

// AddPlaylistTracks appends or inserts tracks. With at absent the
// tracks go to the end; with at present they are spliced in at that
// position.
func (h *Handlers) AddPlaylistTracks(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	var req playlistAddRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pl, err := h.deps.Playlists.AddTracks(r.Context(), p, chi.URLParam(r, "id"), req.TrackIDs, req.At)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, pl)
}

// RemovePlaylistTrack removes the entry at a position. Positions above
// it shift down by one.
func (h *Handlers) RemovePlaylistTrack(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	position, err := strconv.Atoi(chi.URLParam(r, "position"))
	if err != nil {
		writeProblem(w, r, newProblem(TypeValidation, "Invalid Request",
			http.StatusBadRequest, "position must be an integer"))
		return
	}

	pl, err := h.deps.Playlists.RemoveAt(r.Context(), p, chi.URLParam(r, "id"), position)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, pl)
}

type playlistReorderRequest struct {
	Moves []playlist.Move `json:"moves" validate:"required,min=1"`
}

// ReorderPlaylist applies a sequence of single-entry moves. The whole
// batch applies or none of it does.
func (h *Handlers) ReorderPlaylist(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	var req playlistReorderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pl, err := h.deps.Playlists.Reorder(r.Context(), p, chi.URLParam(r, "id"), req.Moves)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, pl)
}
