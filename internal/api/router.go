// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/authz"
	"github.com/phonotheca/phonotheca/internal/middleware"
)

// Router assembles the HTTP surface: handlers, policy middleware, and
// the chi route tree.
type Router struct {
	handlers *Handlers
	mw       *Middleware
	perf     *middleware.PerformanceMonitor
}

// NewRouter wires handlers and middleware. jwt and enforcer come in
// separately because they belong to the middleware chain, not to any
// handler.
func NewRouter(deps Deps, jwt *auth.Manager, enforcer *authz.Enforcer) *Router {
	return &Router{
		handlers: NewHandlers(deps),
		mw:       NewMiddleware(jwt, enforcer, deps.Config.Security),
		perf:     deps.Perf,
	}
}

// Setup builds the route tree. Each route group carries its own rate
// policy; everything behind Authenticate answers problem+json.
func (rt *Router) Setup() http.Handler {
	r := chi.NewRouter()
	h := rt.handlers

	// Global: every response carries a request id, every panic becomes
	// a 500, CORS answers preflight before any auth runs.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.mw.CORS())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, newProblem(TypeNotFound, "Not Found",
			http.StatusNotFound, "no such route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, newProblem(TypeValidation, "Method Not Allowed",
			http.StatusMethodNotAllowed, r.Method+" is not supported here"))
	})

	// Probes. Permissive limit so monitoring can poll hard.
	r.Group(func(r chi.Router) {
		r.Use(rt.mw.RateLimitHealth())
		r.Get("/health", h.Health)
		r.Get("/healthz", h.HealthLive)
		r.Get("/readyz", h.HealthReady)
	})

	r.Handle("/metrics", promhttp.Handler())

	// Identity. Login gets the strictest limit on top of the group's.
	r.Route("/auth", func(r chi.Router) {
		r.Use(rt.mw.RateLimitAuth())
		r.Use(middleware.PrometheusMetrics)

		r.With(rt.mw.RateLimitLogin()).Post("/login", h.Login)
		r.Post("/register", h.Register)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
	})

	// Owner-scoped core.
	r.Group(func(r chi.Router) {
		r.Use(rt.mw.RateLimit())
		r.Use(middleware.PrometheusMetrics)
		if rt.perf != nil {
			r.Use(rt.perf.Middleware)
		}
		r.Use(middleware.Compression)
		r.Use(rt.mw.Authenticate)

		r.Get("/me", h.Me)
		r.Get("/analytics/me", h.MyAnalytics)
		r.Get("/analytics/tracks/{id}", h.TrackAnalytics)

		r.Route("/tracks", func(r chi.Router) {
			r.With(rt.mw.RateLimitUpload()).Post("/upload/initiate", h.InitiateUpload)

			r.Get("/", h.ListTracks)
			r.Get("/{id}", h.GetTrack)
			r.Patch("/{id}", h.PatchTrack)
			r.Delete("/{id}", h.DeleteTrack)
			r.Post("/{id}/restore", h.RestoreTrack)
			r.Post("/{id}/stream", h.StreamTrack)
			r.Get("/{id}/waveform", h.GetWaveform)
		})

		r.Route("/playlists", func(r chi.Router) {
			r.Post("/", h.CreatePlaylist)
			r.Get("/", h.ListPlaylists)
			r.Get("/{id}", h.GetPlaylist)
			r.Patch("/{id}", h.UpdatePlaylist)
			r.Delete("/{id}", h.DeletePlaylist)

			r.Post("/{id}/tracks", h.AddPlaylistTracks)
			r.Delete("/{id}/tracks/{position}", h.RemovePlaylistTrack)
			r.Post("/{id}/reorder", h.ReorderPlaylist)
		})
	})

	// Telemetry. Own group so the high batch rate does not burn the
	// general per-IP budget.
	r.Route("/telemetry/playback", func(r chi.Router) {
		r.Use(rt.mw.RateLimitTelemetry())
		r.Use(middleware.PrometheusMetrics)
		r.Use(rt.mw.Authenticate)

		r.Post("/", h.SubmitPlaybackEvent)
		r.Post("/batch", h.SubmitPlaybackBatch)
	})

	// Moderation and operations. Permission checks are per route so a
	// moderator without audit:read gets 403, not a missing route.
	r.Route("/admin", func(r chi.Router) {
		r.Use(rt.mw.RateLimit())
		r.Use(middleware.PrometheusMetrics)
		r.Use(middleware.Compression)
		r.Use(rt.mw.Authenticate)

		r.With(rt.mw.RequirePermission(authz.PermUsersModerate)).
			Patch("/users/{id}/status", h.SetUserStatus)

		r.With(rt.mw.RequirePermission(authz.PermTracksModerate)).
			Delete("/tracks/{id}", h.ModerateTrack)
		r.With(rt.mw.RequirePermission(authz.PermTracksModerate)).
			Post("/tracks/{id}/reprocess", h.ReprocessTrack)

		r.With(rt.mw.RequirePermission(authz.PermAuditRead)).
			Get("/audit", h.ListAudit)
		r.With(rt.mw.RequirePermission(authz.PermAuditRead)).
			Post("/audit/verify", h.VerifyAudit)

		r.With(rt.mw.RequirePermission(authz.PermOutboxModerate)).
			Get("/outbox/failed", h.ListFailedOutbox)
		r.With(rt.mw.RequirePermission(authz.PermOutboxModerate)).
			Post("/outbox/{id}/retry", h.RetryOutbox)

		r.With(rt.mw.RequirePermission(authz.PermAuditRead)).
			Get("/system/performance", h.SystemPerformance)
	})

	// Event stream. Outside the compressed group; the upgraded
	// connection must own the raw socket.
	r.Group(func(r chi.Router) {
		r.Use(rt.mw.RateLimit())
		r.Use(rt.mw.Authenticate)
		r.Get("/ws/events", h.EventSocket)
	})

	return r
}
