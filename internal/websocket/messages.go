// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package websocket

import (
	"github.com/goccy/go-json"

	"github.com/sessionreplay/relay/internal/models"
)

// Inbound message types.
const (
	// Tracker messages.
	TypeSessionStart     = "session_start"
	TypeEventsBatch      = "events_batch"
	TypeSessionEnd       = "session_end"
	TypeHeartbeat        = "heartbeat"
	TypeError            = "error"
	TypeVisibilityChange = "visibility_change"
	TypeJavaScriptError  = "javascript_error"
	TypePromiseRejection = "promise_rejection"

	// Viewer messages.
	TypeGetActiveSessions  = "get_active_sessions"
	TypeViewerJoinSession  = "viewer_join_session"
	TypeViewerLeaveSession = "viewer_leave_session"
	TypeGetSessionEvents   = "get_session_events"
)

// Outbound message types.
const (
	TypeSessionAssigned = "session_assigned"
	TypeActiveSessions  = "active_sessions"
	TypeSessionStarted  = "session_started"
	TypeSessionEnded    = "session_ended"
	TypeSessionJoined   = "session_joined"
	TypeSessionEvents   = "session_events"
)

// Message is an outbound WebSocket frame: one JSON object per text
// frame with shape {type, data}.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// envelope is the inbound frame shape. Data stays raw until the type
// discriminant selects a payload struct; unknown envelope fields from
// older trackers are ignored.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// sessionStartData carries the identity fields of session_start. The
// remaining fields (url, userAgent, viewport, startTime, referrer,
// timeZone) are kept opaque: the whole data object becomes the session
// metadata.
type sessionStartData struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type eventsBatchData struct {
	Events []json.RawMessage `json:"events"`
}

type sessionRefData struct {
	SessionID string `json:"sessionId"`
}

type getSessionEventsData struct {
	SessionID string `json:"sessionId"`
	FromIndex int    `json:"fromIndex"`
}

// Outbound payloads.

type sessionAssignedData struct {
	SessionID string `json:"sessionId"`
}

type activeSessionsData struct {
	Sessions []models.SessionSummary `json:"sessions"`
}

type sessionStartedData struct {
	SessionID string          `json:"sessionId"`
	UserID    string          `json:"userId"`
	Metadata  json.RawMessage `json:"metadata"`
}

type sessionEndedData struct {
	SessionID string `json:"sessionId"`
}

type sessionJoinedData struct {
	SessionID   string            `json:"sessionId"`
	Events      []json.RawMessage `json:"events"`
	Metadata    json.RawMessage   `json:"metadata"`
	TotalEvents int               `json:"totalEvents"`
	IsActive    bool              `json:"isActive"`
}

type sessionEventsData struct {
	SessionID   string            `json:"sessionId"`
	Events      []json.RawMessage `json:"events"`
	FromIndex   int               `json:"fromIndex"`
	TotalEvents int               `json:"totalEvents"`
	HasMore     bool              `json:"hasMore"`
}

type eventsBatchOut struct {
	SessionID string            `json:"sessionId"`
	Events    []json.RawMessage `json:"events"`
}

type sessionPayloadOut struct {
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

type errorData struct {
	Message string `json:"message"`
}

func errorMessage(msg string) Message {
	return Message{Type: TypeError, Data: errorData{Message: msg}}
}
