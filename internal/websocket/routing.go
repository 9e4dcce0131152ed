// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package websocket

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/sessionreplay/relay/internal/logging"
)

// route dispatches one inbound frame by role and type. It runs on the
// client's read pump goroutine; registry calls are lock-based and never
// block on I/O, store calls (history paging) may.
func (h *Hub) route(c *Client, env envelope) {
	switch c.role {
	case RoleTracker:
		h.routeTracker(c, env)
	case RoleViewer:
		h.routeViewer(c, env)
	}
}

func (h *Hub) routeTracker(c *Client, env envelope) {
	switch env.Type {
	case TypeSessionStart:
		h.handleSessionStart(c, env)

	case TypeEventsBatch:
		var d eventsBatchData
		if err := json.Unmarshal(env.Data, &d); err != nil || len(d.Events) == 0 {
			c.trySend(errorMessage("events_batch requires a non-empty events array"))
			return
		}
		sid := c.SessionID()
		if sid == "" {
			c.trySend(errorMessage("no active session; send session_start first"))
			return
		}
		if err := h.registry.AppendEvents(sid, d.Events); err != nil {
			c.trySend(errorMessage(err.Error()))
		}

	case TypeSessionEnd:
		sid := c.SessionID()
		if sid == "" {
			c.trySend(errorMessage("no active session"))
			return
		}
		if err := h.registry.End(sid); err != nil {
			c.trySend(errorMessage(err.Error()))
		}

	case TypeHeartbeat:
		if sid := c.SessionID(); sid != "" {
			_ = h.registry.Heartbeat(sid)
		}

	case TypeError, TypeJavaScriptError, TypePromiseRejection:
		sid := c.SessionID()
		if sid == "" {
			return
		}
		if err := h.registry.AppendError(sid, env.Type, env.Data); err != nil {
			logging.Debug().Err(err).Str("session_id", sid).Msg("error frame dropped")
		}

	case TypeVisibilityChange:
		// Relayed to watchers but not recorded.
		sid := c.SessionID()
		if sid == "" {
			return
		}
		h.enqueueBroadcast(broadcastItem{
			scope:     scopeWatchers,
			sessionID: sid,
			msg:       Message{Type: TypeVisibilityChange, Data: sessionPayloadOut{SessionID: sid, Data: env.Data}},
		})

	case TypeGetActiveSessions, TypeViewerJoinSession, TypeViewerLeaveSession, TypeGetSessionEvents:
		c.trySend(errorMessage("viewer-only message from tracker connection"))

	default:
		logging.Debug().Str("type", env.Type).Uint64("client_id", c.id).Msg("unknown message type")
	}
}

// handleSessionStart creates or takes ownership of a session. The whole
// data object travels on as opaque metadata; only sessionId and userId
// are interpreted. A conflicting ID gets replaced and the tracker is
// told via session_assigned before any further routing.
func (h *Hub) handleSessionStart(c *Client, env envelope) {
	var d sessionStartData
	if err := json.Unmarshal(env.Data, &d); err != nil || d.SessionID == "" {
		c.trySend(errorMessage("session_start requires a sessionId"))
		return
	}

	assigned, reassigned := h.registry.Create(c.id, d.SessionID, d.UserID, env.Data)
	c.setSessionID(assigned)
	if reassigned {
		c.trySend(Message{Type: TypeSessionAssigned, Data: sessionAssignedData{SessionID: assigned}})
	}
}

func (h *Hub) routeViewer(c *Client, env envelope) {
	switch env.Type {
	case TypeGetActiveSessions:
		c.trySend(h.activeSessionsMessage())

	case TypeViewerJoinSession:
		var d sessionRefData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.SessionID == "" {
			c.trySend(errorMessage("viewer_join_session requires a sessionId"))
			return
		}
		summary, ok := h.registry.Summary(d.SessionID)
		if !ok {
			c.trySend(errorMessage("unknown session: " + d.SessionID))
			return
		}
		c.watch(d.SessionID)
		// The join reply carries metadata and totals only; the viewer
		// pages events with get_session_events and receives live deltas
		// as events_batch broadcasts.
		c.trySend(Message{Type: TypeSessionJoined, Data: sessionJoinedData{
			SessionID:   d.SessionID,
			Events:      []json.RawMessage{},
			Metadata:    summary.Metadata,
			TotalEvents: summary.EventCount,
			IsActive:    summary.IsActive,
		}})

	case TypeViewerLeaveSession:
		var d sessionRefData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.SessionID == "" {
			c.trySend(errorMessage("viewer_leave_session requires a sessionId"))
			return
		}
		c.unwatch(d.SessionID)

	case TypeGetSessionEvents:
		h.handleGetSessionEvents(c, env)

	case TypeHeartbeat:
		// Liveness only; lastHeartbeat was already refreshed.

	case TypeSessionStart, TypeEventsBatch, TypeSessionEnd:
		c.trySend(errorMessage("tracker-only message from viewer connection"))

	default:
		logging.Debug().Str("type", env.Type).Uint64("client_id", c.id).Msg("unknown message type")
	}
}

// handleGetSessionEvents serves one page of a session's event stream.
// While the in-memory buffer still covers the full stream the page
// comes from the registry; once the buffer has been trimmed the store
// is authoritative, at the cost of eventual consistency with in-flight
// batcher writes.
func (h *Hub) handleGetSessionEvents(c *Client, env envelope) {
	var d getSessionEventsData
	if err := json.Unmarshal(env.Data, &d); err != nil || d.SessionID == "" {
		c.trySend(errorMessage("get_session_events requires a sessionId"))
		return
	}
	if d.FromIndex < 0 {
		d.FromIndex = 0
	}
	limit := h.cfg.EventPageSize

	events, total, trimmed, ok := h.registry.GetEvents(d.SessionID, d.FromIndex, limit)
	if !ok || trimmed {
		ctx, cancel := context.WithTimeout(context.Background(), h.storeTimeout)
		defer cancel()
		var err error
		events, total, err = h.store.GetSessionEvents(ctx, d.SessionID, d.FromIndex, limit)
		if err != nil {
			logging.Error().Err(err).Str("session_id", d.SessionID).Msg("store event page failed")
			c.trySend(errorMessage("failed to load session events"))
			return
		}
	}

	c.trySend(Message{Type: TypeSessionEvents, Data: sessionEventsData{
		SessionID:   d.SessionID,
		Events:      events,
		FromIndex:   d.FromIndex,
		TotalEvents: total,
		HasMore:     d.FromIndex+len(events) < total,
	}})
}

func (h *Hub) activeSessionsMessage() Message {
	return Message{Type: TypeActiveSessions, Data: activeSessionsData{
		Sessions: h.registry.ActiveSessions(),
	}}
}
