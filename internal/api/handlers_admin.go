// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phonotheca/phonotheca/internal/audit"
	"github.com/phonotheca/phonotheca/internal/ids"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/middleware"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/outbox"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

type userStatusRequest struct {
	Status     string `json:"status" validate:"required,oneof=active disabled"`
	ReasonCode string `json:"reason_code" validate:"omitempty,max=100"`
	ReasonText string `json:"reason_text" validate:"omitempty,max=2000"`
}

// SetUserStatus enables or disables an account. Disabling revokes the
// user's refresh tokens; issued access tokens age out on their own.
func (h *Handlers) SetUserStatus(w http.ResponseWriter, r *http.Request) {
	actor := h.principal(w, r)
	if actor == nil {
		return
	}

	var req userStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.deps.Identity.SetStatus(r.Context(), actor, chi.URLParam(r, "id"),
		models.UserStatus(req.Status), req.ReasonCode, req.ReasonText)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, viewUser(user))
}

type moderateRequest struct {
	ReasonCode string `json:"reason_code" validate:"omitempty,max=100"`
	ReasonText string `json:"reason_text" validate:"omitempty,max=2000"`
}

// ModerateTrack takes down any user's track. The body may be omitted at
// the HTTP layer; moderation itself still demands a known reason code.
func (h *Handlers) ModerateTrack(w http.ResponseWriter, r *http.Request) {
	actor := h.principal(w, r)
	if actor == nil {
		return
	}

	var req moderateRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	track, err := h.deps.Lifecycle.Moderate(r.Context(), actor, chi.URLParam(r, "id"),
		req.ReasonCode, req.ReasonText)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, track)
}

// ReprocessTrack sends a failed track back through analysis.
func (h *Handlers) ReprocessTrack(w http.ResponseWriter, r *http.Request) {
	actor := h.principal(w, r)
	if actor == nil {
		return
	}

	track, err := h.deps.Lifecycle.Reprocess(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, track)
}

type auditListResponse struct {
	Entries []models.AuditRecord `json:"entries"`
	Total   int                  `json:"total"`
}

// ListAudit pages the audit trail, newest first, with optional time and
// actor/target filters.
func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f audit.Filter
	var ok bool
	if f.From, ok = queryTime(w, r, "from"); !ok {
		return
	}
	if f.To, ok = queryTime(w, r, "to"); !ok {
		return
	}
	f.ActorUserID = q.Get("actor")
	f.TargetType = q.Get("target_type")
	f.TargetID = q.Get("target_id")
	f.Limit = queryInt(r, "limit", 0)

	entries, err := h.deps.Trail.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, auditListResponse{
		Entries: entries,
		Total:   len(entries),
	})
}

type auditVerifyRequest struct {
	From *time.Time `json:"from"`
	To   *time.Time `json:"to"`
}

// VerifyAudit re-hashes the chain over a time range and reports breaks.
// The range defaults to everything up to now.
func (h *Handlers) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	var req auditVerifyRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	var from time.Time
	to := time.Now().UTC()
	if req.From != nil {
		from = *req.From
	}
	if req.To != nil {
		to = *req.To
	}

	report, err := h.deps.Trail.Verify(r.Context(), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

type outboxListResponse struct {
	Messages []*models.OutboxMessage `json:"messages"`
	Total    int                     `json:"total"`
}

// ListFailedOutbox returns outbox rows whose retries are exhausted.
func (h *Handlers) ListFailedOutbox(w http.ResponseWriter, r *http.Request) {
	docs, err := resilience.Do(r.Context(), h.deps.StorePipe, func(ctx context.Context) ([]store.Doc, error) {
		return h.deps.Store.Query(ctx, store.Query{
			Collection: models.CollectionOutbox,
			Index:      models.IndexOutboxStatus,
			Value:      string(models.OutboxFailed),
		})
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	messages := make([]*models.OutboxMessage, 0, len(docs))
	for _, doc := range docs {
		m := &models.OutboxMessage{}
		if err := store.Decode(doc, m); err != nil {
			writeError(w, r, err)
			return
		}
		messages = append(messages, m)
	}
	writeJSON(w, r, http.StatusOK, outboxListResponse{
		Messages: messages,
		Total:    len(messages),
	})
}

// RetryOutbox requeues one failed outbox row for the drainer.
func (h *Handlers) RetryOutbox(w http.ResponseWriter, r *http.Request) {
	actor := h.principal(w, r)
	if actor == nil {
		return
	}

	id := chi.URLParam(r, "id")
	if !ids.Valid(id) {
		writeProblem(w, r, newProblem(TypeValidation, "Invalid Request",
			http.StatusBadRequest, "malformed outbox id"))
		return
	}

	err := h.deps.StorePipe.Run(r.Context(), func(ctx context.Context) error {
		return outbox.RetryFailed(ctx, h.deps.Store, id)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := h.deps.Trail.Append(r.Context(), audit.Entry{
		ActorUserID:   actor.UserID,
		ActorEmail:    actor.Email,
		Action:        models.AuditActionOutboxRetried,
		TargetType:    models.AuditTargetOutbox,
		TargetID:      id,
		NewState:      string(models.OutboxPending),
		PreviousState: string(models.OutboxFailed),
		CorrelationID: logging.CorrelationIDFromContext(r.Context()),
	}); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str("outbox_id", id).Msg("audit append failed")
	}

	w.WriteHeader(http.StatusAccepted)
}

type performanceResponse struct {
	Endpoints []middleware.EndpointStats `json:"endpoints"`
}

// SystemPerformance returns in-process latency aggregates per endpoint.
func (h *Handlers) SystemPerformance(w http.ResponseWriter, r *http.Request) {
	if h.deps.Perf == nil {
		writeJSON(w, r, http.StatusOK, performanceResponse{Endpoints: nil})
		return
	}
	writeJSON(w, r, http.StatusOK, performanceResponse{Endpoints: h.deps.Perf.Stats()})
}

// queryTime parses an RFC 3339 query parameter, writing a 400 problem
// on malformed input. Absent means the zero time.
func queryTime(w http.ResponseWriter, r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeProblem(w, r, newProblem(TypeValidation, "Invalid Request",
			http.StatusBadRequest, key+" must be RFC 3339"))
		return time.Time{}, false
	}
	return t, true
}
