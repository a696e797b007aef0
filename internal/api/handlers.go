// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phonotheca/phonotheca/internal/audit"
	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/identity"
	"github.com/phonotheca/phonotheca/internal/lifecycle"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/middleware"
	"github.com/phonotheca/phonotheca/internal/objectstore"
	"github.com/phonotheca/phonotheca/internal/playlist"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
	"github.com/phonotheca/phonotheca/internal/streaming"
	"github.com/phonotheca/phonotheca/internal/telemetry"
	"github.com/phonotheca/phonotheca/internal/upload"
	"github.com/phonotheca/phonotheca/internal/ws"
)

// ReadyCheck probes one dependency for the readiness endpoint.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps carries everything the handlers call. Optional fields may be nil
// and their routes answer 503.
type Deps struct {
	Identity  *identity.Service
	Uploads   *upload.Coordinator
	Streams   *streaming.Issuer
	Lifecycle *lifecycle.Service
	Playlists *playlist.Service
	Ingest    *telemetry.Ingest
	Rollup    *telemetry.Rollup
	Trail     *audit.Log

	Store      store.Gateway
	StorePipe  *resilience.Pipeline
	Objects    objectstore.Gateway
	ObjectPipe *resilience.Pipeline

	Hub  *ws.Hub
	Perf *middleware.PerformanceMonitor

	ReadyChecks []ReadyCheck

	Config  *config.Config
	Version string
}

// Handlers holds the HTTP handler methods. One instance serves all
// requests; it carries no per-request state.
type Handlers struct {
	deps      Deps
	startTime time.Time
	upgrader  websocket.Upgrader
}

// NewHandlers builds the handler set and its websocket upgrader.
func NewHandlers(deps Deps) *Handlers {
	h := &Handlers{
		deps:      deps,
		startTime: time.Now(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// principal returns the authenticated principal or answers 401. The
// auth middleware installs it; a nil principal on an authed route means
// the route was wired outside the middleware.
func (h *Handlers) principal(w http.ResponseWriter, r *http.Request) *auth.Principal {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeProblem(w, r, newProblem(TypeUnauthorized, "Unauthorized",
			http.StatusUnauthorized, "missing credentials"))
		return nil
	}
	return p
}

// checkWebSocketOrigin mirrors the CORS policy for the upgrade request.
// Requests without an Origin header are non-browser clients; they pass,
// because access control is the bearer token, which a browser cannot be
// tricked into attaching cross-origin.
func (h *Handlers) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if h.deps.Config == nil {
		return true
	}

	allowed := h.deps.Config.Security.CORSOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}

	logging.Ctx(r.Context()).Warn().
		Str("origin", sanitizeLogValue(origin)).
		Msg("websocket upgrade rejected: origin not allowed")
	return false
}
