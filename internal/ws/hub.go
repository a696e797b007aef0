// Phonotheca - Self-Hosted Audio Library and Streaming Service
// Copyright 2026 Phonotheca Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/phonotheca/phonotheca

// Package ws pushes track status transitions to connected listeners.
// The hub keys clients by user id, so an event only reaches the sockets
// of the track's owner. Delivery is best-effort: buffers are bounded
// and a client that cannot keep up is disconnected rather than allowed
// to stall the hub.
package ws

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/phonotheca/phonotheca/internal/logging"
	"github.com/phonotheca/phonotheca/internal/metrics"
)

// Message types pushed over the status stream.
const (
	MessageTypeTrackStatus = "track_status"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
)

// Message is the wire form of every status stream frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// TrackStatusUpdate tells a client that one of its tracks changed
// state. FailureReason is set only for failed analyses.
type TrackStatusUpdate struct {
	TrackID       string `json:"track_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// notice is one message addressed to every socket of one user.
type notice struct {
	userID string
	msg    Message
}

// Hub routes status messages to the owning user's connected sockets.
type Hub struct {
	clients    map[string]map[*Client]bool
	notify     chan notice
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	log        zerolog.Logger
}

// NewHub creates an empty hub. Run it under the supervisor via Serve.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		notify:     make(chan notice, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        logging.WithComponent("ws"),
	}
}

// String names the hub for supervisor logs.
func (h *Hub) String() string {
	return "ws-hub"
}

// Serve runs the hub loop until ctx ends, then closes every client.
// Lifecycle events take priority over deliveries so the client set is
// settled before a message fans out.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		default:
		}

		select {
		case c := <-h.register:
			h.add(c)
			continue
		case c := <-h.unregister:
			h.remove(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case n := <-h.notify:
			h.deliver(n)
		}
	}
}

// Send queues a message for every socket of one user. A full hub queue
// drops the message; status updates are advisory and the client's next
// track list fetch shows the truth anyway.
func (h *Hub) Send(userID string, msg Message) {
	select {
	case h.notify <- notice{userID: userID, msg: msg}:
	default:
		metrics.RecordWSMessage(true)
		h.log.Warn().Str("user_id", userID).Str("type", msg.Type).Msg("hub queue full, status message dropped")
	}
}

// ClientCount reports how many sockets are connected across all users.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	set := h.clients[c.userID]
	if set == nil {
		set = make(map[*Client]bool)
		h.clients[c.userID] = set
	}
	set[c] = true
	total := h.count()
	h.mu.Unlock()

	metrics.TrackWSConnection(true)
	h.log.Info().Str("user_id", c.userID).Int("total_clients", total).Msg("status client connected")
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	dropped := h.dropLocked(c)
	total := h.count()
	h.mu.Unlock()

	if dropped {
		metrics.TrackWSConnection(false)
		h.log.Info().Str("user_id", c.userID).Int("total_clients", total).Msg("status client disconnected")
	}
}

// dropLocked removes c and closes its send channel. Callers hold mu.
func (h *Hub) dropLocked(c *Client) bool {
	set := h.clients[c.userID]
	if !set[c] {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
	return true
}

func (h *Hub) count() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// deliver fans one notice out to the user's sockets in client id order,
// disconnecting any whose send buffer is full.
func (h *Hub) deliver(n notice) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.clients[n.userID]
	if len(set) == 0 {
		return
	}

	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, c := range targets {
		select {
		case c.send <- n.msg:
			metrics.RecordWSMessage(false)
		default:
			// Slow client; drop it rather than queue unbounded.
			metrics.RecordWSMessage(true)
			if h.dropLocked(c) {
				metrics.TrackWSConnection(false)
				h.log.Warn().Str("user_id", c.userID).Msg("slow status client dropped")
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	targets := make([]*Client, 0)
	for _, set := range h.clients {
		for c := range set {
			targets = append(targets, c)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	closed := 0
	for _, c := range targets {
		if h.dropLocked(c) {
			metrics.TrackWSConnection(false)
			closed++
		}
	}
	h.mu.Unlock()

	h.log.Info().Int("clients_closed", closed).Msg("status hub stopped")
}
