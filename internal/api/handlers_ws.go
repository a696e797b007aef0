// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"net/http"

	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/ws"
)

// EventSocket upgrades to a WebSocket that streams the caller's track
// status changes. Authentication already happened in the middleware
// chain; browsers pass the token as ?access_token= because the
// WebSocket API cannot set headers.
func (h *Handlers) EventSocket(w http.ResponseWriter, r *http.Request) {
	p := h.principal(w, r)
	if p == nil {
		return
	}

	if h.deps.Hub == nil {
		writeProblem(w, r, newProblem(TypeUnavailable, "Service Unavailable",
			http.StatusServiceUnavailable, "event streaming is not enabled"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error response.
		logging.Ctx(r.Context()).Debug().Err(err).Msg("websocket upgrade refused")
		return
	}

	ws.Register(h.deps.Hub, conn, p.UserID)
	logging.Ctx(r.Context()).Debug().
		Str("user_id", p.UserID).
		Int("clients", h.deps.Hub.ClientCount()).
		Msg("websocket client connected")
}
