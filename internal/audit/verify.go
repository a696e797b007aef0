// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phonotheca/phonotheca/internal/metrics"
	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

// Break reasons.
const (
	// BreakContentHash: the record's stored hash does not match the hash
	// recomputed from its stored fields. The record itself was altered.
	BreakContentHash = "content_hash_mismatch"

	// BreakChainLink: the record's PrevHash does not match its
	// predecessor's stored hash. A record between them was altered,
	// replaced or removed.
	BreakChainLink = "chain_link_mismatch"
)

// Break is one verification failure, localized to a record.
type Break struct {
	Seq    int64  `json:"seq"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Report is the outcome of a verification walk.
type Report struct {
	Checked int     `json:"checked"`
	Breaks  []Break `json:"breaks,omitempty"`
}

// OK reports whether the walked range verified clean.
func (r Report) OK() bool { return len(r.Breaks) == 0 }

// verifyBatch pages the verification walk.
const verifyBatch = 500

// Verify walks records with At in [from, to] in chain order, recomputing
// every content hash and checking every link. Breaks are localized: a
// mutated record fails its own hash check while its successor's link
// check still passes, because the link points at the stored (original)
// hash.
//
// The first record of the range is link-checked against its stored
// predecessor when one exists; a pruned predecessor skips that check.
func (l *Log) Verify(ctx context.Context, from, to time.Time) (Report, error) {
	var report Report

	var prev *models.AuditRecord
	lastSeq := int64(-1)
	cursor := store.SortableTime(from)

	for {
		docs, err := resilience.Do(ctx, l.pipe, func(ctx context.Context) ([]store.Doc, error) {
			return l.gw.Query(ctx, store.Query{
				Collection:   models.CollectionAudit,
				Index:        models.IndexAuditAt,
				Min:          cursor,
				Max:          store.SortableTime(to),
				Limit:        verifyBatch,
				WaitNonStale: true,
			})
		})
		if err != nil {
			return report, fmt.Errorf("scan audit entries: %w", err)
		}

		progressed := false
		for i := range docs {
			var rec models.AuditRecord
			if err := store.Decode(docs[i], &rec); err != nil {
				return report, err
			}
			if rec.Seq <= lastSeq {
				// Page overlap on equal index values.
				continue
			}
			progressed = true

			if prev == nil && rec.Seq > 1 {
				prev, err = l.loadRecord(ctx, models.AuditSeqID(rec.Seq-1))
				if err != nil {
					return report, err
				}
			}

			report.Checked++
			if ContentHash(&rec) != rec.Hash {
				report.Breaks = append(report.Breaks, Break{Seq: rec.Seq, ID: rec.ID, Reason: BreakContentHash})
			}
			switch {
			case prev != nil && rec.PrevHash != prev.Hash:
				report.Breaks = append(report.Breaks, Break{Seq: rec.Seq, ID: rec.ID, Reason: BreakChainLink})
			case prev == nil && rec.Seq == 1 && rec.PrevHash != "":
				report.Breaks = append(report.Breaks, Break{Seq: rec.Seq, ID: rec.ID, Reason: BreakChainLink})
			}

			lastSeq = rec.Seq
			cur := rec
			prev = &cur
			cursor = store.SortableTime(rec.At)
		}

		if len(docs) < verifyBatch || !progressed {
			break
		}
	}

	metrics.RecordAuditVerify(report.OK())
	if !report.OK() {
		l.log.Error().
			Int("checked", report.Checked).
			Int("breaks", len(report.Breaks)).
			Int64("first_break_seq", report.Breaks[0].Seq).
			Msg("audit chain verification failed")
	}
	return report, nil
}

// loadRecord fetches one record by id, nil when absent.
func (l *Log) loadRecord(ctx context.Context, id string) (*models.AuditRecord, error) {
	doc, err := resilience.Do(ctx, l.pipe, func(ctx context.Context) (store.Doc, error) {
		return l.gw.Load(ctx, models.CollectionAudit, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load audit entry %s: %w", id, err)
	}

	var rec models.AuditRecord
	if err := store.Decode(doc, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
