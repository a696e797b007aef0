// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

package ws

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/bus"
	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/models"
)

// Forwarder turns track lifecycle events into status stream messages
// for the owning user. It is a read-only bus consumer; pushing to the
// hub never fails, so every decodable message acks.
type Forwarder struct {
	hub *Hub
	log zerolog.Logger
}

// NewForwarder wires the forwarder to a hub.
func NewForwarder(hub *Hub) *Forwarder {
	return &Forwarder{hub: hub, log: logging.WithComponent("ws.forwarder")}
}

// HandleAudioEvent forwards analysis transitions: a completed upload
// enters processing, and the analyzer's verdict or a restore ends it.
func (f *Forwarder) HandleAudioEvent(_ context.Context, env *bus.Envelope) error {
	switch env.EventType {
	case bus.EventUploadCompleted:
		var p bus.UploadCompleted
		if err := env.Decode(&p); err != nil {
			return bus.Permanent(err)
		}
		return f.push(p.UserID, TrackStatusUpdate{TrackID: p.TrackID, Status: string(models.TrackProcessing)})

	case bus.EventTrackReady:
		var p bus.TrackReady
		if err := env.Decode(&p); err != nil {
			return bus.Permanent(err)
		}
		return f.push(p.UserID, TrackStatusUpdate{TrackID: p.TrackID, Status: string(models.TrackReady)})

	case bus.EventTrackFailed:
		var p bus.TrackFailed
		if err := env.Decode(&p); err != nil {
			return bus.Permanent(err)
		}
		return f.push(p.UserID, TrackStatusUpdate{TrackID: p.TrackID, Status: string(models.TrackFailed), FailureReason: p.Reason})

	case bus.EventTrackRestored:
		var p bus.TrackRestored
		if err := env.Decode(&p); err != nil {
			return bus.Permanent(err)
		}
		return f.push(p.UserID, TrackStatusUpdate{TrackID: p.TrackID, Status: p.Status})
	}

	// Unknown types on the topic belong to newer producers; skip them.
	f.log.Debug().Str("event_type", env.EventType).Msg("audio event not forwarded")
	return nil
}

// HandleDeletionEvent forwards soft deletes. Purges are not forwarded:
// they land a month after the delete notification nobody is still
// watching for.
func (f *Forwarder) HandleDeletionEvent(_ context.Context, env *bus.Envelope) error {
	switch env.EventType {
	case bus.EventTrackDeleted:
		var p bus.TrackDeleted
		if err := env.Decode(&p); err != nil {
			return bus.Permanent(err)
		}
		return f.push(p.UserID, TrackStatusUpdate{TrackID: p.TrackID, Status: string(models.TrackDeleted)})

	case bus.EventTrackPurged:
		return nil
	}

	f.log.Debug().Str("event_type", env.EventType).Msg("deletion event not forwarded")
	return nil
}

func (f *Forwarder) push(userID string, update TrackStatusUpdate) error {
	if userID == "" || update.TrackID == "" {
		return bus.Permanent(fmt.Errorf("track status event missing ids"))
	}
	f.hub.Send(userID, Message{Type: MessageTypeTrackStatus, Data: update})
	return nil
}
