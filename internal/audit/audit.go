// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package audit maintains the tamper-evident admin action log.
//
// Entries form a hash chain: each record's Hash is the SHA-256 of its
// canonical encoding, which includes the Hash of the record before it.
// Mutating a stored record breaks its own hash check; removing one
// breaks the link check on its successor. Appends are serialized through
// a singleton head document so the chain never forks, even across
// processes.
//
// Reason texts are stored here and nowhere else; only the closed set of
// reason codes travels in events and API responses.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

// canonicalSep joins canonical fields. The unit separator cannot appear
// in ids, actions, states or hex hashes, so the encoding is unambiguous.
const canonicalSep = "\x1f"

// appendRetries bounds reloads when another process advances the head
// between our read and our write.
const appendRetries = 3

// SystemActor marks entries appended by background workers rather than
// an authenticated principal.
const SystemActor = "system"

var (
	// ErrUnknownAction rejects an append with an action outside the
	// closed set.
	ErrUnknownAction = errors.New("unknown audit action")

	// ErrUnknownTargetType rejects an append with a target type outside
	// the closed set.
	ErrUnknownTargetType = errors.New("unknown audit target type")

	// ErrUnknownReason rejects an append with a reason code outside the
	// closed set.
	ErrUnknownReason = errors.New("unknown audit reason code")
)

// Canonical renders the hashed representation of a record. PrevHash is
// part of it, which is what chains the entries.
func Canonical(r *models.AuditRecord) string {
	return strings.Join([]string{
		r.ID,
		r.ActorUserID,
		r.Action,
		r.TargetType,
		r.TargetID,
		r.At.UTC().Format(time.RFC3339Nano),
		r.PreviousState,
		r.NewState,
		r.PrevHash,
	}, canonicalSep)
}

// ContentHash computes the lowercase hex SHA-256 of the canonical form.
func ContentHash(r *models.AuditRecord) string {
	sum := sha256.Sum256([]byte(Canonical(r)))
	return hex.EncodeToString(sum[:])
}

// Entry describes one admin action to append. Sequence, timestamps and
// hashes are assigned by the log.
type Entry struct {
	ActorUserID string
	ActorEmail  string
	Action      string
	TargetType  string
	TargetID    string

	ReasonCode    string
	ReasonText    string
	PreviousState string
	NewState      string

	CorrelationID string
	IP            string
	UserAgent     string
}

func (e Entry) validate() error {
	if !models.ValidAuditAction(e.Action) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, e.Action)
	}
	if !models.ValidAuditTargetType(e.TargetType) {
		return fmt.Errorf("%w: %q", ErrUnknownTargetType, e.TargetType)
	}
	if !models.ValidAuditReason(e.ReasonCode) {
		return fmt.Errorf("%w: %q", ErrUnknownReason, e.ReasonCode)
	}
	if e.ActorUserID == "" {
		return errors.New("audit entry has no actor")
	}
	if e.TargetID == "" {
		return errors.New("audit entry has no target id")
	}
	return nil
}

// Log appends and reads the audit chain.
type Log struct {
	gw   store.Gateway
	pipe *resilience.Pipeline
	log  zerolog.Logger

	// mu serializes in-process appends; the head version token
	// arbitrates across processes.
	mu sync.Mutex
}

// New wires the log against the document store.
func New(gw store.Gateway, pipe *resilience.Pipeline) *Log {
	return &Log{
		gw:   gw,
		pipe: pipe,
		log:  logging.WithComponent("audit"),
	}
}

// Append adds one entry to the chain and returns the stored record.
func (l *Log) Append(ctx context.Context, e Entry) (*models.AuditRecord, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var rec *models.AuditRecord
	for attempt := 0; ; attempt++ {
		head, err := l.loadHead(ctx)
		if err != nil {
			return nil, err
		}

		seq := head.LastSeq + 1
		rec = &models.AuditRecord{
			ID:  models.AuditSeqID(seq),
			Seq: seq,
			At:  time.Now().UTC(),

			ActorUserID: e.ActorUserID,
			ActorEmail:  e.ActorEmail,
			Action:      e.Action,
			TargetType:  e.TargetType,
			TargetID:    e.TargetID,

			ReasonCode:    e.ReasonCode,
			ReasonText:    e.ReasonText,
			PreviousState: e.PreviousState,
			NewState:      e.NewState,

			CorrelationID: e.CorrelationID,
			IP:            e.IP,
			UserAgent:     e.UserAgent,

			PrevHash: head.LastHash,
		}
		rec.Hash = ContentHash(rec)

		head.LastSeq = seq
		head.LastHash = rec.Hash

		err = l.pipe.Run(ctx, func(ctx context.Context) error {
			return l.gw.SaveTx(ctx,
				store.PutOp(models.CollectionAudit, rec.ID, rec),
				store.PutOp(models.CollectionAuditHead, models.AuditHeadID, head),
			)
		})
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrConcurrencyConflict) && attempt < appendRetries {
			continue
		}
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	metrics.RecordAuditAppend()
	l.log.Info().
		Int64("seq", rec.Seq).
		Str("action", rec.Action).
		Str("actor", rec.ActorUserID).
		Str("target", rec.TargetType+"/"+rec.TargetID).
		Msg("audit entry appended")
	return rec, nil
}

func (l *Log) loadHead(ctx context.Context) (*models.AuditHead, error) {
	doc, err := resilience.Do(ctx, l.pipe, func(ctx context.Context) (store.Doc, error) {
		return l.gw.Load(ctx, models.CollectionAuditHead, models.AuditHeadID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return &models.AuditHead{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load audit head: %w", err)
	}

	var head models.AuditHead
	if err := store.Decode(doc, &head); err != nil {
		return nil, err
	}
	return &head, nil
}

// Filter narrows a List call. Zero fields are ignored. When ActorUserID
// or the target pair is set, the matching index drives the query and the
// time bounds apply in memory.
type Filter struct {
	From time.Time
	To   time.Time

	ActorUserID string
	TargetType  string
	TargetID    string

	Limit int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// List returns records matching the filter in chain order.
func (l *Log) List(ctx context.Context, f Filter) ([]models.AuditRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	q := store.Query{
		Collection:   models.CollectionAudit,
		Index:        models.IndexAuditAt,
		WaitNonStale: true,
	}
	switch {
	case f.ActorUserID != "":
		q.Index = models.IndexAuditActor
		q.Value = f.ActorUserID
	case f.TargetType != "" && f.TargetID != "":
		q.Index = models.IndexAuditTarget
		q.Value = f.TargetType + "|" + f.TargetID
	default:
		if !f.From.IsZero() {
			q.Min = store.SortableTime(f.From)
		}
		if !f.To.IsZero() {
			q.Max = store.SortableTime(f.To)
		}
		q.Limit = limit
	}

	docs, err := resilience.Do(ctx, l.pipe, func(ctx context.Context) ([]store.Doc, error) {
		return l.gw.Query(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	out := make([]models.AuditRecord, 0, len(docs))
	for i := range docs {
		var rec models.AuditRecord
		if err := store.Decode(docs[i], &rec); err != nil {
			return nil, err
		}
		if !f.From.IsZero() && rec.At.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && rec.At.After(f.To) {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// PruneBefore removes records older than cutoff from the front of the
// chain, up to batch rows, and reports how many were removed. Only a
// prefix is ever removed: pruning stops at the first record at or past
// the cutoff, so verification of the surviving suffix stays intact (the
// oldest surviving record simply has no predecessor to link against).
func (l *Log) PruneBefore(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}

	docs, err := resilience.Do(ctx, l.pipe, func(ctx context.Context) ([]store.Doc, error) {
		return l.gw.Query(ctx, store.Query{
			Collection:   models.CollectionAudit,
			Index:        models.IndexAuditAt,
			Limit:        batch,
			WaitNonStale: true,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scan audit entries: %w", err)
	}

	pruned := 0
	for i := range docs {
		var rec models.AuditRecord
		if err := store.Decode(docs[i], &rec); err != nil {
			return pruned, err
		}
		if !rec.At.Before(cutoff) {
			break
		}

		err := l.pipe.Run(ctx, func(ctx context.Context) error {
			return l.gw.SaveTx(ctx, store.DeleteOp(models.CollectionAudit, rec.ID, rec.Version))
		})
		if err != nil {
			return pruned, fmt.Errorf("prune audit entry %s: %w", rec.ID, err)
		}
		pruned++
	}

	if pruned > 0 {
		l.log.Info().Int("pruned", pruned).Time("cutoff", cutoff).Msg("audit retention prune")
	}
	return pruned, nil
}
