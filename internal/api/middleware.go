// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/phonotheca/phonotheca/internal/auth"
	"github.com/phonotheca/phonotheca/internal/authz"
	"github.com/phonotheca/phonotheca/internal/config"
	"github.com/phonotheca/phonotheca/internal/logging"
)

// Rate policies per route group. Requests per window, keyed by client
// IP. Login gets the strictest budget; health probes the loosest.
const (
	loginRateLimit  = 5
	loginRateWindow = 5 * time.Minute

	authRateLimit  = 20
	authRateWindow = time.Minute

	uploadRateLimit  = 30
	uploadRateWindow = time.Minute

	telemetryRateLimit  = 300
	telemetryRateWindow = time.Minute

	healthRateLimit  = 1000
	healthRateWindow = time.Minute
)

// Middleware bundles the route-policy middlewares: CORS, rate limiting,
// authentication and authorization. Transport-level middleware with no
// policy (request IDs, metrics, gzip) lives in internal/middleware.
type Middleware struct {
	jwt      *auth.Manager
	enforcer *authz.Enforcer
	cfg      config.SecurityConfig
	cors     func(http.Handler) http.Handler
}

// NewMiddleware builds the policy middleware set.
func NewMiddleware(jwt *auth.Manager, enforcer *authz.Enforcer, cfg config.SecurityConfig) *Middleware {
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           86400,
	})

	return &Middleware{
		jwt:      jwt,
		enforcer: enforcer,
		cfg:      cfg,
		cors:     corsHandler,
	}
}

// CORS returns the CORS middleware. Global so OPTIONS preflights reach
// it before routing.
func (m *Middleware) CORS() func(http.Handler) http.Handler {
	return m.cors
}

// limit builds one httprate limiter with the shared 429 handler.
func (m *Middleware) limit(requests int, window time.Duration) func(http.Handler) http.Handler {
	if m.cfg.RateLimitDisabled {
		return passthrough
	}
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(rateLimited),
	)
}

// RateLimit is the general per-IP budget from configuration.
func (m *Middleware) RateLimit() func(http.Handler) http.Handler {
	requests, window := m.cfg.RateLimitReqs, m.cfg.RateLimitWindow
	if requests <= 0 {
		requests = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return m.limit(requests, window)
}

// RateLimitLogin guards the credential-guessing surface.
func (m *Middleware) RateLimitLogin() func(http.Handler) http.Handler {
	return m.limit(loginRateLimit, loginRateWindow)
}

// RateLimitAuth covers the non-login identity endpoints.
func (m *Middleware) RateLimitAuth() func(http.Handler) http.Handler {
	return m.limit(authRateLimit, authRateWindow)
}

// RateLimitUpload bounds upload initiations per IP. The storage quota is
// the real ceiling; this only blunts bursts.
func (m *Middleware) RateLimitUpload() func(http.Handler) http.Handler {
	return m.limit(uploadRateLimit, uploadRateWindow)
}

// RateLimitTelemetry allows a steady playback-event stream.
func (m *Middleware) RateLimitTelemetry() func(http.Handler) http.Handler {
	return m.limit(telemetryRateLimit, telemetryRateWindow)
}

// RateLimitHealth is permissive: probes are frequent and cheap.
func (m *Middleware) RateLimitHealth() func(http.Handler) http.Handler {
	return m.limit(healthRateLimit, healthRateWindow)
}

func passthrough(next http.Handler) http.Handler { return next }

func rateLimited(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, newProblem(TypeRateLimited, "Too Many Requests",
		http.StatusTooManyRequests, "rate limit exceeded, slow down"))
}

// Authenticate validates the access token and installs the principal
// into the request context. Tokens arrive as a Bearer header, or as an
// access_token query parameter for websocket clients that cannot set
// headers.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeProblem(w, r, newProblem(TypeUnauthorized, "Unauthorized",
				http.StatusUnauthorized, "missing credentials"))
			return
		}

		claims, err := m.jwt.Validate(token)
		if err != nil {
			writeProblem(w, r, newProblem(TypeUnauthorized, "Unauthorized",
				http.StatusUnauthorized, "invalid or expired token"))
			return
		}

		p := auth.FromClaims(claims)
		ctx := auth.ContextWithPrincipal(r.Context(), p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission gates a route group on one casbin permission. Runs
// after Authenticate; a missing principal here is a wiring bug and
// answers 401 anyway.
func (m *Middleware) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.PrincipalFromContext(r.Context())
			if p == nil {
				writeProblem(w, r, newProblem(TypeUnauthorized, "Unauthorized",
					http.StatusUnauthorized, "missing credentials"))
				return
			}

			allowed, err := m.enforcer.Allowed(p, permission)
			if err != nil {
				logging.Ctx(r.Context()).Error().Err(err).
					Str("permission", permission).
					Msg("authorization check failed")
				writeProblem(w, r, newProblem(TypeInternal, "Internal Server Error",
					http.StatusInternalServerError, "authorization check failed"))
				return
			}
			if !allowed {
				writeProblem(w, r, newProblem(TypeForbidden, "Forbidden",
					http.StatusForbidden, "missing permission"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
