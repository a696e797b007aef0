// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package ws

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/ids"
)

func envelope(t *testing.T, eventType string, payload any) *bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(eventType, payload)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func receiveUpdate(t *testing.T, c *Client) TrackStatusUpdate {
	t.Helper()
	msg := receive(t, c)
	if msg.Type != MessageTypeTrackStatus {
		t.Fatalf("message type = %s", msg.Type)
	}
	upd, ok := msg.Data.(TrackStatusUpdate)
	if !ok {
		t.Fatalf("message data = %T", msg.Data)
	}
	return upd
}

func TestForwarderPushesAudioTransitions(t *testing.T) {
	hub := startHub(t)
	f := NewForwarder(hub)
	owner := ids.New()
	trackID := ids.New()
	ctx := context.Background()

	c := testClient(owner, 8)
	connect(t, hub, c)

	tests := []struct {
		name       string
		env        *bus.Envelope
		wantStatus string
		wantReason string
	}{
		{
			name:       "upload completed",
			env:        envelope(t, bus.EventUploadCompleted, bus.UploadCompleted{TrackID: trackID, UserID: owner, ObjectKey: "audio/x/y.flac"}),
			wantStatus: "processing",
		},
		{
			name:       "track ready",
			env:        envelope(t, bus.EventTrackReady, bus.TrackReady{TrackID: trackID, UserID: owner, DurationSeconds: 180}),
			wantStatus: "ready",
		},
		{
			name:       "track failed",
			env:        envelope(t, bus.EventTrackFailed, bus.TrackFailed{TrackID: trackID, UserID: owner, Reason: "UnsupportedCodec"}),
			wantStatus: "failed",
			wantReason: "UnsupportedCodec",
		},
		{
			name:       "track restored",
			env:        envelope(t, bus.EventTrackRestored, bus.TrackRestored{TrackID: trackID, UserID: owner, Status: "ready"}),
			wantStatus: "ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.HandleAudioEvent(ctx, tt.env); err != nil {
				t.Fatalf("handle: %v", err)
			}
			upd := receiveUpdate(t, c)
			if upd.TrackID != trackID {
				t.Errorf("track = %s, want %s", upd.TrackID, trackID)
			}
			if upd.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", upd.Status, tt.wantStatus)
			}
			if upd.FailureReason != tt.wantReason {
				t.Errorf("reason = %q, want %q", upd.FailureReason, tt.wantReason)
			}
		})
	}
}

func TestForwarderPushesDeletions(t *testing.T) {
	hub := startHub(t)
	f := NewForwarder(hub)
	owner := ids.New()
	trackID := ids.New()

	c := testClient(owner, 8)
	connect(t, hub, c)

	env := envelope(t, bus.EventTrackDeleted, bus.TrackDeleted{
		TrackID:             trackID,
		UserID:              owner,
		ObjectKey:           "audio/x/y.flac",
		ScheduledDeletionAt: time.Now().UTC().Add(720 * time.Hour),
	})
	if err := f.HandleDeletionEvent(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}

	upd := receiveUpdate(t, c)
	if upd.TrackID != trackID || upd.Status != "deleted" {
		t.Errorf("update = %+v", upd)
	}
}

func TestForwarderIgnoresPurges(t *testing.T) {
	hub := startHub(t)
	f := NewForwarder(hub)
	owner := ids.New()

	c := testClient(owner, 8)
	connect(t, hub, c)

	env := envelope(t, bus.EventTrackPurged, bus.TrackPurged{TrackID: ids.New(), UserID: owner, ObjectKey: "audio/x/y.flac"})
	if err := f.HandleDeletionEvent(context.Background(), env); err != nil {
		t.Fatalf("handle: %v", err)
	}
	assertSilent(t, c)
}

func TestForwarderIgnoresUnknownEventTypes(t *testing.T) {
	hub := startHub(t)
	f := NewForwarder(hub)

	env := envelope(t, "track.transcoded", map[string]string{"track_id": ids.New()})
	if err := f.HandleAudioEvent(context.Background(), env); err != nil {
		t.Errorf("unknown audio event err = %v", err)
	}
	if err := f.HandleDeletionEvent(context.Background(), env); err != nil {
		t.Errorf("unknown deletion event err = %v", err)
	}
}

func TestForwarderRejectsMalformedEvents(t *testing.T) {
	hub := startHub(t)
	f := NewForwarder(hub)
	ctx := context.Background()

	t.Run("undecodable payload", func(t *testing.T) {
		env := envelope(t, bus.EventTrackReady, bus.TrackReady{TrackID: ids.New(), UserID: ids.New()})
		env.Payload = json.RawMessage(`"scrambled"`)
		if err := f.HandleAudioEvent(ctx, env); !bus.IsPermanent(err) {
			t.Errorf("err = %v, want permanent", err)
		}
	})

	t.Run("missing user id", func(t *testing.T) {
		env := envelope(t, bus.EventTrackReady, bus.TrackReady{TrackID: ids.New()})
		if err := f.HandleAudioEvent(ctx, env); !bus.IsPermanent(err) {
			t.Errorf("err = %v, want permanent", err)
		}
	})

	t.Run("missing track id", func(t *testing.T) {
		env := envelope(t, bus.EventTrackDeleted, bus.TrackDeleted{UserID: ids.New()})
		if err := f.HandleDeletionEvent(ctx, env); !bus.IsPermanent(err) {
			t.Errorf("err = %v, want permanent", err)
		}
	})
}

func TestForwarderWithoutListenersIsANoop(t *testing.T) {
	hub := startHub(t)
	f := NewForwarder(hub)

	env := envelope(t, bus.EventTrackReady, bus.TrackReady{TrackID: ids.New(), UserID: ids.New()})
	if err := f.HandleAudioEvent(context.Background(), env); err != nil {
		t.Errorf("handle with no listeners err = %v", err)
	}
}
