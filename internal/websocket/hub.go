// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

// Package websocket is the connection hub of the broker. It accepts
// upgraded connections, classifies each as tracker or viewer, routes
// inbound frames into the session registry, and fans registry lifecycle
// notifications out to viewers filtered by their watched sets.
package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/sessionreplay/relay/internal/config"
	"github.com/sessionreplay/relay/internal/logging"
	"github.com/sessionreplay/relay/internal/metrics"
	"github.com/sessionreplay/relay/internal/models"
)

// broadcastScope selects which connections receive a fan-out message.
type broadcastScope int

const (
	// scopeViewers delivers to every viewer.
	scopeViewers broadcastScope = iota
	// scopeWatchers delivers only to viewers watching the sessionID.
	scopeWatchers
)

type broadcastItem struct {
	msg       Message
	scope     broadcastScope
	sessionID string
}

// EventStore is the store surface the hub pages history from when a
// session's in-memory buffer no longer covers the full stream.
type EventStore interface {
	GetSessionEvents(ctx context.Context, sessionID string, fromIndex, limit int) ([]json.RawMessage, int, error)
}

// SessionRegistry is the registry surface the hub routes frames into.
// *registry.Registry satisfies it.
type SessionRegistry interface {
	Create(clientID uint64, sessionID, userID string, metadata json.RawMessage) (string, bool)
	AppendEvents(sessionID string, events []json.RawMessage) error
	AppendError(sessionID, kind string, data json.RawMessage) error
	End(sessionID string) error
	Heartbeat(sessionID string) error
	GetEvents(sessionID string, fromIndex, limit int) ([]json.RawMessage, int, bool, bool)
	Summary(sessionID string) (models.SessionSummary, bool)
	ActiveSessions() []models.SessionSummary
}

// Stats is the hub's connection snapshot, surfaced by /stats.
type Stats struct {
	TotalClients int `json:"totalClients"`
	Trackers     int `json:"trackers"`
	Viewers      int `json:"viewers"`
}

// Hub maintains the set of connected clients, runs the heartbeat sweep,
// and owns all fan-out. It implements registry.Emitter so the registry
// can notify it of session lifecycle changes without a cyclic
// dependency.
type Hub struct {
	cfg      config.HubConfig
	store    EventStore
	registry SessionRegistry

	clients    map[*Client]bool
	broadcast  chan broadcastItem
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex

	storeTimeout time.Duration
}

// NewHub creates a Hub. The registry is attached afterwards with
// SetRegistry because the registry itself needs the hub as its emitter.
func NewHub(cfg config.HubConfig, store EventStore) *Hub {
	return &Hub{
		cfg:          cfg,
		store:        store,
		clients:      make(map[*Client]bool),
		broadcast:    make(chan broadcastItem, 256),
		Register:     make(chan *Client),
		Unregister:   make(chan *Client),
		storeTimeout: 10 * time.Second,
	}
}

// SetRegistry attaches the session registry. Must be called before the
// hub accepts connections.
func (h *Hub) SetRegistry(r SessionRegistry) {
	h.registry = r
}

// RunWithContext runs the hub loop until the context is canceled, then
// closes all clients and returns ctx.Err(). Designed for suture
// supervision.
//
// Priority-based selection keeps behavior predictable when multiple
// channels are ready: shutdown first, then client lifecycle, then
// broadcasts and the heartbeat sweep.
func (h *Hub) RunWithContext(ctx context.Context) error {
	sweep := time.NewTicker(h.cfg.HeartbeatInterval)
	defer sweep.Stop()

	for {
		// Priority 1: shutdown.
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		// Priority 2: client lifecycle.
		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		// Priority 3: broadcasts, sweep, or wait for any event.
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case item := <-h.broadcast:
			h.deliver(item)
		case <-sweep.C:
			h.sweepHeartbeats()
		}
	}
}

// Stats returns current connection counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{TotalClients: len(h.clients)}
	for c := range h.clients {
		switch c.role {
		case RoleTracker:
			s.Trackers++
		case RoleViewer:
			s.Viewers++
		}
	}
	return s
}

// Emitter implementation. Notifications arrive from registry callers
// (read pumps, the hub loop itself) and are queued onto the broadcast
// channel; the hub loop performs the actual fan-out.

// SessionStarted broadcasts session_started to all viewers.
func (h *Hub) SessionStarted(summary models.SessionSummary) {
	h.enqueueBroadcast(broadcastItem{
		scope: scopeViewers,
		msg: Message{Type: TypeSessionStarted, Data: sessionStartedData{
			SessionID: summary.SessionID,
			UserID:    summary.UserID,
			Metadata:  summary.Metadata,
		}},
	})
}

// SessionEnded broadcasts session_ended to all viewers.
func (h *Hub) SessionEnded(sessionID string) {
	h.enqueueBroadcast(broadcastItem{
		scope: scopeViewers,
		msg:   Message{Type: TypeSessionEnded, Data: sessionEndedData{SessionID: sessionID}},
	})
}

// EventsAdded broadcasts events_batch to viewers watching the session.
func (h *Hub) EventsAdded(sessionID string, events []json.RawMessage) {
	h.enqueueBroadcast(broadcastItem{
		scope:     scopeWatchers,
		sessionID: sessionID,
		msg:       Message{Type: TypeEventsBatch, Data: eventsBatchOut{SessionID: sessionID, Events: events}},
	})
}

// ErrorAdded broadcasts the recorded error under its wire kind to
// viewers watching the session.
func (h *Hub) ErrorAdded(sessionID, kind string, data json.RawMessage) {
	h.enqueueBroadcast(broadcastItem{
		scope:     scopeWatchers,
		sessionID: sessionID,
		msg:       Message{Type: kind, Data: sessionPayloadOut{SessionID: sessionID, Data: data}},
	})
}

func (h *Hub) enqueueBroadcast(item broadcastItem) {
	select {
	case h.broadcast <- item:
	default:
		logging.Warn().Str("message_type", item.msg.Type).Msg("broadcast channel full, dropping message")
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	metrics.WSConnections.WithLabelValues(string(client.role)).Inc()
	logging.Info().
		Uint64("client_id", client.id).
		Str("role", string(client.role)).
		Int("total_clients", total).
		Msg("websocket client connected")
}

// removeClient drops a client from the map and runs the disconnect
// path: a tracker that still owns a session has it ended, which
// broadcasts session_ended to viewers.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		client.stop()
	}
	total := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	metrics.WSConnections.WithLabelValues(string(client.role)).Dec()
	logging.Info().
		Uint64("client_id", client.id).
		Str("role", string(client.role)).
		Int("total_clients", total).
		Msg("websocket client disconnected")

	if client.role == RoleTracker {
		if sid := client.SessionID(); sid != "" {
			if err := h.registry.End(sid); err != nil {
				logging.Debug().Err(err).Str("session_id", sid).Msg("end on disconnect")
			}
		}
	}
}

// deliver fans one message out under its scope. Clients are visited in
// ID order; a client whose send buffer is full is dropped.
func (h *Hub) deliver(item broadcastItem) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c.role != RoleViewer {
			continue
		}
		if item.scope == scopeWatchers && !c.isWatching(item.sessionID) {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, c := range targets {
		if !c.trySend(item.msg) {
			metrics.WSDroppedClients.Inc()
			logging.Warn().Uint64("client_id", c.id).Msg("send buffer full, dropping client")
			h.removeClient(c)
		}
	}
}

// sweepHeartbeats closes clients that have been silent past the
// heartbeat timeout. The close frame carries the reason; the client's
// read pump then fails and runs the normal disconnect path.
func (h *Hub) sweepHeartbeats() {
	now := time.Now()

	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	for _, c := range snapshot {
		if c.heartbeatAge(now) <= h.cfg.HeartbeatTimeout {
			continue
		}
		metrics.WSHeartbeatTimeouts.Inc()
		logging.Info().
			Uint64("client_id", c.id).
			Str("role", string(c.role)).
			Msg("closing client: heartbeat timeout")
		if c.conn != nil {
			c.closeWithReason("Heartbeat timeout")
		}
		h.removeClient(c)
	}
}

// shutdown closes all connected clients.
func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	for _, c := range clients {
		c.stop()
		delete(h.clients, c)
	}
	h.mu.Unlock()

	reason := "context_canceled"
	if ctx.Err() == context.DeadlineExceeded {
		reason = "context_deadline"
	}
	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", reason).
		Int("clients_closed", len(clients)).
		Msg("websocket hub stopped")
}
