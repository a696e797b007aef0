// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/phonotheca/phonotheca/internal/models"
	"github.com/phonotheca/phonotheca/internal/resilience"
	"github.com/phonotheca/phonotheca/internal/store"
)

func newTestLog(t *testing.T) (*Log, *store.Badger) {
	t.Helper()
	s, err := store.New(store.Config{InMemory: true}, models.IndexSpecs()...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	pipe := resilience.New(resilience.Config{
		Name:          "store",
		Timeout:       time.Second,
		MaxConcurrent: 10,
		MinRequests:   1000,
	})
	return New(s, pipe), s
}

func adminEntry(targetID string) Entry {
	return Entry{
		ActorUserID:   "admin-1",
		ActorEmail:    "admin@example.com",
		Action:        models.AuditActionUserStatusSet,
		TargetType:    models.AuditTargetUser,
		TargetID:      targetID,
		ReasonCode:    models.AuditReasonPolicyViolation,
		ReasonText:    "repeated abuse reports",
		PreviousState: "active",
		NewState:      "disabled",
		CorrelationID: "corr-1",
	}
}

func appendN(t *testing.T, l *Log, n int) []*models.AuditRecord {
	t.Helper()
	recs := make([]*models.AuditRecord, 0, n)
	for i := 0; i < n; i++ {
		rec, err := l.Append(context.Background(), adminEntry("user-"+string(rune('a'+i))))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		recs = append(recs, rec)
	}
	return recs
}

func TestAppendChainsEntries(t *testing.T) {
	l, _ := newTestLog(t)
	recs := appendN(t, l, 3)

	if recs[0].Seq != 1 || recs[1].Seq != 2 || recs[2].Seq != 3 {
		t.Fatalf("seqs = %d, %d, %d", recs[0].Seq, recs[1].Seq, recs[2].Seq)
	}
	if recs[0].PrevHash != "" {
		t.Errorf("first entry PrevHash = %q, want empty", recs[0].PrevHash)
	}
	if recs[1].PrevHash != recs[0].Hash {
		t.Errorf("second entry PrevHash = %q, want first Hash %q", recs[1].PrevHash, recs[0].Hash)
	}
	if recs[2].PrevHash != recs[1].Hash {
		t.Errorf("third entry PrevHash = %q, want second Hash %q", recs[2].PrevHash, recs[1].Hash)
	}

	for i, rec := range recs {
		if rec.Hash != ContentHash(rec) {
			t.Errorf("entry %d stored hash does not match recomputation", i)
		}
		if rec.Hash != strings.ToLower(rec.Hash) {
			t.Errorf("entry %d hash not lowercase: %s", i, rec.Hash)
		}
		if len(rec.Hash) != 64 {
			t.Errorf("entry %d hash length = %d, want 64", i, len(rec.Hash))
		}
		if rec.ID != models.AuditSeqID(rec.Seq) {
			t.Errorf("entry %d id = %s, want %s", i, rec.ID, models.AuditSeqID(rec.Seq))
		}
	}
}

func TestAppendValidation(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(*Entry)
		wantErr error
	}{
		{"unknown action", func(e *Entry) { e.Action = "user.teleported" }, ErrUnknownAction},
		{"unknown target type", func(e *Entry) { e.TargetType = "starship" }, ErrUnknownTargetType},
		{"unknown reason", func(e *Entry) { e.ReasonCode = "because" }, ErrUnknownReason},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := adminEntry("user-x")
			tt.mutate(&e)
			if _, err := l.Append(ctx, e); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Append = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("missing actor", func(t *testing.T) {
		e := adminEntry("user-x")
		e.ActorUserID = ""
		if _, err := l.Append(ctx, e); err == nil {
			t.Fatal("expected error for missing actor")
		}
	})

	t.Run("empty reason allowed", func(t *testing.T) {
		e := adminEntry("user-x")
		e.ReasonCode = ""
		e.ReasonText = ""
		if _, err := l.Append(ctx, e); err != nil {
			t.Fatalf("Append without reason: %v", err)
		}
	})
}

func TestVerifyCleanChain(t *testing.T) {
	l, _ := newTestLog(t)
	appendN(t, l, 5)

	report, err := l.Verify(context.Background(), time.Time{}, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK() {
		t.Fatalf("clean chain reported breaks: %+v", report.Breaks)
	}
	if report.Checked != 5 {
		t.Errorf("checked = %d, want 5", report.Checked)
	}
}

func TestVerifyLocalizesTamperedRecord(t *testing.T) {
	l, s := newTestLog(t)
	recs := appendN(t, l, 3)
	ctx := context.Background()

	// Mutate the middle record's visible state directly in the store,
	// the way an attacker with store access would.
	doc, err := s.Load(ctx, models.CollectionAudit, recs[1].ID)
	if err != nil {
		t.Fatalf("load target record: %v", err)
	}
	var tampered models.AuditRecord
	if err := store.Decode(doc, &tampered); err != nil {
		t.Fatalf("decode target record: %v", err)
	}
	tampered.NewState = "active" // quietly un-disable
	if err := s.SaveTx(ctx, store.PutOp(models.CollectionAudit, tampered.ID, &tampered)); err != nil {
		t.Fatalf("tamper write: %v", err)
	}

	report, err := l.Verify(ctx, time.Time{}, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK() {
		t.Fatal("tampered chain verified clean")
	}
	if len(report.Breaks) != 1 {
		t.Fatalf("breaks = %+v, want exactly one", report.Breaks)
	}
	b := report.Breaks[0]
	if b.Seq != recs[1].Seq || b.Reason != BreakContentHash {
		t.Errorf("break = %+v, want seq %d %s", b, recs[1].Seq, BreakContentHash)
	}
}

func TestVerifyDetectsRemovedRecord(t *testing.T) {
	l, s := newTestLog(t)
	recs := appendN(t, l, 3)
	ctx := context.Background()

	doc, err := s.Load(ctx, models.CollectionAudit, recs[1].ID)
	if err != nil {
		t.Fatalf("load target record: %v", err)
	}
	if err := s.SaveTx(ctx, store.DeleteOp(models.CollectionAudit, recs[1].ID, doc.Version)); err != nil {
		t.Fatalf("delete record: %v", err)
	}

	report, err := l.Verify(ctx, time.Time{}, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK() {
		t.Fatal("chain with removed record verified clean")
	}
	found := false
	for _, b := range report.Breaks {
		if b.Seq == recs[2].Seq && b.Reason == BreakChainLink {
			found = true
		}
	}
	if !found {
		t.Errorf("breaks = %+v, want chain link break on seq %d", report.Breaks, recs[2].Seq)
	}
}

func TestVerifyRangeChecksPredecessorLink(t *testing.T) {
	l, s := newTestLog(t)
	recs := appendN(t, l, 4)
	ctx := context.Background()

	// Corrupt the link of record 3 by rewriting it wholesale with a bogus
	// PrevHash but a self-consistent content hash.
	doc, err := s.Load(ctx, models.CollectionAudit, recs[2].ID)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	var forged models.AuditRecord
	if err := store.Decode(doc, &forged); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	forged.PrevHash = strings.Repeat("ab", 32)
	forged.Hash = ContentHash(&forged)
	if err := s.SaveTx(ctx, store.PutOp(models.CollectionAudit, forged.ID, &forged)); err != nil {
		t.Fatalf("forge write: %v", err)
	}

	// Verify a range that starts at the forged record: the predecessor
	// outside the range is still loaded for the link check.
	report, err := l.Verify(ctx, recs[2].At, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK() {
		t.Fatal("forged link verified clean")
	}
	if report.Breaks[0].Seq != recs[2].Seq || report.Breaks[0].Reason != BreakChainLink {
		t.Errorf("break = %+v, want chain link break on seq %d", report.Breaks[0], recs[2].Seq)
	}
}

func TestList(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	if _, err := l.Append(ctx, adminEntry("user-a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	other := adminEntry("track-1")
	other.ActorUserID = "admin-2"
	other.Action = models.AuditActionTrackDeleted
	other.TargetType = models.AuditTargetTrack
	if _, err := l.Append(ctx, other); err != nil {
		t.Fatalf("append: %v", err)
	}

	t.Run("all", func(t *testing.T) {
		recs, err := l.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(recs) != 2 {
			t.Fatalf("got %d records, want 2", len(recs))
		}
		if recs[0].Seq != 1 || recs[1].Seq != 2 {
			t.Errorf("order = %d, %d", recs[0].Seq, recs[1].Seq)
		}
	})

	t.Run("by actor", func(t *testing.T) {
		recs, err := l.List(ctx, Filter{ActorUserID: "admin-2"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(recs) != 1 || recs[0].Action != models.AuditActionTrackDeleted {
			t.Fatalf("records = %+v", recs)
		}
	})

	t.Run("by target", func(t *testing.T) {
		recs, err := l.List(ctx, Filter{TargetType: models.AuditTargetTrack, TargetID: "track-1"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(recs) != 1 || recs[0].TargetID != "track-1" {
			t.Fatalf("records = %+v", recs)
		}
	})

	t.Run("limit", func(t *testing.T) {
		recs, err := l.List(ctx, Filter{Limit: 1})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(recs) != 1 {
			t.Fatalf("got %d records, want 1", len(recs))
		}
	})
}

func TestPruneBefore(t *testing.T) {
	l, _ := newTestLog(t)
	recs := appendN(t, l, 4)
	ctx := context.Background()

	cutoff := recs[2].At // prunes seq 1 and 2
	pruned, err := l.PruneBefore(ctx, cutoff, 100)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}

	// The surviving suffix still verifies: the oldest survivor has no
	// stored predecessor, so only its content hash is checked.
	report, err := l.Verify(ctx, time.Time{}, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK() {
		t.Fatalf("pruned chain reported breaks: %+v", report.Breaks)
	}
	if report.Checked != 2 {
		t.Errorf("checked = %d, want 2", report.Checked)
	}

	// Appends continue from the preserved head.
	rec, err := l.Append(ctx, adminEntry("user-z"))
	if err != nil {
		t.Fatalf("append after prune: %v", err)
	}
	if rec.Seq != 5 {
		t.Errorf("seq after prune = %d, want 5", rec.Seq)
	}
	if rec.PrevHash != recs[3].Hash {
		t.Errorf("PrevHash after prune = %q, want %q", rec.PrevHash, recs[3].Hash)
	}
}

func TestCanonicalIsStable(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	rec := &models.AuditRecord{
		ID:            models.AuditSeqID(7),
		Seq:           7,
		At:            at,
		ActorUserID:   "admin-1",
		Action:        models.AuditActionTrackDeleted,
		TargetType:    models.AuditTargetTrack,
		TargetID:      "track-9",
		PreviousState: "ready",
		NewState:      "deleted",
		PrevHash:      strings.Repeat("0f", 32),
	}

	c := Canonical(rec)
	parts := strings.Split(c, canonicalSep)
	if len(parts) != 9 {
		t.Fatalf("canonical has %d fields, want 9", len(parts))
	}
	if parts[5] != "2026-03-01T12:00:00.123456789Z" {
		t.Errorf("canonical ts = %s", parts[5])
	}
	if ContentHash(rec) != ContentHash(rec) {
		t.Error("hash not deterministic")
	}

	// Reason text is excluded from the canonical form: redacting it later
	// must not break the chain.
	withReason := *rec
	withReason.ReasonText = "graphic content"
	if ContentHash(rec) != ContentHash(&withReason) {
		t.Error("reason text changed the content hash")
	}
}
