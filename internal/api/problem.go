// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/phonotheca/phonotheca/internal/audit"
	"github.com/phonotheca/phonotheca/internal/identity"
	"github.com/phonotheca/phonotheca/internal/lifecycle"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/middleware"
	"github.com/phonotheca/phonotheca/internal/outbox"
	"github.com/phonotheca/phonotheca/internal/playlist"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
	"github.com/phonotheca/phonotheca/internal/streaming"
	"github.com/phonotheca/phonotheca/internal/telemetry"
	"github.com/phonotheca/phonotheca/internal/upload"
	"github.com/phonotheca/phonotheca/internal/validation"
)

// problemBase prefixes every problem type URI. The URIs are identifiers,
// not links; they stay stable across releases so clients can switch on
// them.
const problemBase = "https://phonotheca.dev/problems/"

// Problem type URIs.
const (
	TypeValidation   = problemBase + "validation"
	TypeUnauthorized = problemBase + "unauthorized"
	TypeForbidden    = problemBase + "forbidden"
	TypeNotFound     = problemBase + "not-found"
	TypeConflict     = problemBase + "conflict"
	TypeNotReady     = problemBase + "track-not-ready"
	TypeGone         = problemBase + "restore-window-closed"
	TypeQuota        = problemBase + "quota-exceeded"
	TypeRateLimited  = problemBase + "rate-limited"
	TypeUnavailable  = problemBase + "dependency-unavailable"
	TypeInternal     = problemBase + "internal"
)

// Problem is an RFC 7807 response body. Extensions holds the extra
// members (field errors, quota numbers, track status) flattened into the
// top-level object on the wire.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]any `json:"-"`
}

// MarshalJSON flattens Extensions into the object. Reserved member names
// cannot be shadowed by an extension.
func (p Problem) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 5+len(p.Extensions))
	for k, v := range p.Extensions {
		out[k] = v
	}
	out["type"] = p.Type
	out["title"] = p.Title
	out["status"] = p.Status
	if p.Detail != "" {
		out["detail"] = p.Detail
	}
	if p.Instance != "" {
		out["instance"] = p.Instance
	}
	return json.Marshal(out)
}

// withExt returns a copy of the problem with one extension member added.
func (p Problem) withExt(key string, value any) Problem {
	ext := make(map[string]any, len(p.Extensions)+1)
	for k, v := range p.Extensions {
		ext[k] = v
	}
	ext[key] = value
	p.Extensions = ext
	return p
}

func newProblem(typeURI, title string, status int, detail string) Problem {
	return Problem{Type: typeURI, Title: title, Status: status, Detail: detail}
}

// writeProblem sends the problem with its status code. Instance is the
// request path and the request id rides as an extension so a client
// report can be matched to server logs.
func writeProblem(w http.ResponseWriter, r *http.Request, p Problem) {
	p.Instance = r.URL.Path
	if id := middleware.GetRequestID(r.Context()); id != "" {
		p = p.withExt("request_id", id)
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("encode problem response")
	}
}

// writeError translates a service error to a problem and sends it. The
// mapping lives here and nowhere else; handlers hand errors straight in.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := problemFor(err)
	if p.Status >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).Int("status", p.Status).Msg("request failed")
	} else {
		logging.Ctx(r.Context()).Debug().Err(err).Int("status", p.Status).Msg("request rejected")
	}
	writeProblem(w, r, p)
}

// problemFor maps known error kinds onto the problem taxonomy. Unknown
// errors become opaque 500s; their detail stays in the logs.
func problemFor(err error) Problem {
	var verr *validation.RequestValidationError
	if errors.As(err, &verr) {
		return newProblem(TypeValidation, "Validation Failed", http.StatusBadRequest, verr.Detail()).
			withExt("errors", verr.FieldErrors())
	}

	var notReady *streaming.NotReadyError
	if errors.As(err, &notReady) {
		return newProblem(TypeNotReady, "Track Not Ready", http.StatusConflict,
			"the track cannot stream in its current status").
			withExt("track_status", string(notReady.Status))
	}

	var quota *upload.QuotaError
	if errors.As(err, &quota) {
		return newProblem(TypeQuota, "Quota Exceeded", http.StatusBadRequest, safeDetail(err)).
			withExt("used", quota.Used).
			withExt("quota", quota.Quota).
			withExt("resource", quota.Resource)
	}

	switch {
	// Malformed input and identifiers.
	case errors.Is(err, upload.ErrInvalidFileName),
		errors.Is(err, upload.ErrUnsupportedMime),
		errors.Is(err, upload.ErrFileTooLarge),
		errors.Is(err, streaming.ErrInvalidTrackID),
		errors.Is(err, lifecycle.ErrInvalidTrackID),
		errors.Is(err, playlist.ErrInvalidPlaylistID),
		errors.Is(err, playlist.ErrInvalidName),
		errors.Is(err, playlist.ErrNoTracks),
		errors.Is(err, playlist.ErrTrackUnavailable),
		errors.Is(err, playlist.ErrPositionOutOfRange),
		errors.Is(err, playlist.ErrMoveOutOfRange),
		errors.Is(err, playlist.ErrTooManyMoves),
		errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, identity.ErrPasswordTooShort),
		errors.Is(err, telemetry.ErrNoEvents),
		errors.Is(err, telemetry.ErrBatchTooLarge),
		errors.Is(err, audit.ErrUnknownReason):
		return newProblem(TypeValidation, "Invalid Request", http.StatusBadRequest, safeDetail(err))

	// Credentials.
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrInvalidRefreshToken):
		return newProblem(TypeUnauthorized, "Unauthorized", http.StatusUnauthorized, safeDetail(err))

	// Ownership and account standing.
	case errors.Is(err, streaming.ErrNotOwner),
		errors.Is(err, lifecycle.ErrNotOwner),
		errors.Is(err, playlist.ErrNotOwner),
		errors.Is(err, identity.ErrUserDisabled),
		errors.Is(err, upload.ErrUserBlocked),
		errors.Is(err, streaming.ErrUserBlocked),
		errors.Is(err, telemetry.ErrUserBlocked):
		return newProblem(TypeForbidden, "Forbidden", http.StatusForbidden, safeDetail(err))

	// Quotas. Upload quota answers 400 with the numbers as extensions
	// (matched above); playlist limits answer 403.
	case errors.Is(err, upload.ErrQuotaExceeded):
		return newProblem(TypeQuota, "Quota Exceeded", http.StatusBadRequest, safeDetail(err))
	case errors.Is(err, playlist.ErrPlaylistQuota),
		errors.Is(err, playlist.ErrEntryQuota):
		return newProblem(TypeQuota, "Quota Exceeded", http.StatusForbidden, safeDetail(err))

	// Absent things. A restore needs a deleted track; when the track is
	// not deleted there is nothing restorable at that URL.
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, lifecycle.ErrNotDeleted):
		return newProblem(TypeNotFound, "Not Found", http.StatusNotFound, "no such resource")

	// Illegal state transitions and write races.
	case errors.Is(err, lifecycle.ErrAlreadyDeleted),
		errors.Is(err, lifecycle.ErrNotDeletable),
		errors.Is(err, lifecycle.ErrNotFailed),
		errors.Is(err, playlist.ErrEmptyPlaylist),
		errors.Is(err, identity.ErrEmailTaken),
		errors.Is(err, outbox.ErrNotFailed),
		errors.Is(err, store.ErrConcurrencyConflict),
		errors.Is(err, store.ErrUniqueViolation):
		return newProblem(TypeConflict, "Conflict", http.StatusConflict, safeDetail(err))

	// The one 410 in the system.
	case errors.Is(err, lifecycle.ErrGraceExpired):
		return newProblem(TypeGone, "Restore Window Closed", http.StatusGone, safeDetail(err))

	// Dependency trouble: fail closed, tell the client to retry later.
	case errors.Is(err, upload.ErrDegraded),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, resilience.ErrBulkheadFull),
		errors.Is(err, context.DeadlineExceeded):
		return newProblem(TypeUnavailable, "Service Unavailable", http.StatusServiceUnavailable,
			"a backing service is unavailable, retry later")
	}

	return newProblem(TypeInternal, "Internal Server Error", http.StatusInternalServerError,
		"an unexpected error occurred")
}

// safeDetail exposes sentinel error text to clients. Only errors matched
// above reach it, so wrapped internals never leak.
func safeDetail(err error) string {
	return err.Error()
}
