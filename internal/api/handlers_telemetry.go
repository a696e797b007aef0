// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/lifecycle"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/telemetry"
)

type telemetryResponse struct {
	Accepted int                   `json:"accepted"`
	Rejected []telemetry.Rejection `json:"rejected,omitempty"`
}

// SubmitPlaybackEvent accepts a single playback event. Thin wrapper
// over the batch path so clients without batching stay simple.
func (h *Handlers) SubmitPlaybackEvent(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	var event models.PlaybackEvent
	if !decodeJSON(w, r, &event) {
		return
	}
	h.submitEvents(w, r, p, []models.PlaybackEvent{event})
}

type telemetryBatchRequest struct {
	Events []models.PlaybackEvent `json:"events"`
}

// SubmitPlaybackBatch accepts up to the configured batch cap of events
// in one request. Bad events are rejected individually; the rest land.
func (h *Handlers) SubmitPlaybackBatch(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	var req telemetryBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	h.submitEvents(w, r, p, req.Events)
}

// submitEvents runs the shared accept path. 202 because rollups fold
// the events in asynchronously.
func (h *Handlers) submitEvents(w http.ResponseWriter, r *http.Request, p *auth.Principal, events []models.PlaybackEvent) {
	accepted, rejected, err := h.deps.Ingest.Submit(r.Context(), p, events)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, telemetryResponse{
		Accepted: accepted,
		Rejected: rejected,
	})
}

// TrackAnalytics returns rollup stats for one track. Owners see their
// own tracks; admins see any.
func (h *Handlers) TrackAnalytics(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	trackID := chi.URLParam(r, "id")
	if !ids.Valid(trackID) {
		writeError(w, r, lifecycle.ErrInvalidTrackID)
		return
	}

	if !p.HasRole(models.RoleAdmin) {
		track, err := h.loadOwnedTrack(r.Context(), p, trackID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		trackID = track.ID
	}

	stats, err := h.deps.Rollup.TrackStats(r.Context(), trackID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// MyAnalytics returns the caller's listening rollup.
func (h *Handlers) MyAnalytics(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	stats, err := h.deps.Rollup.UserStats(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}
