// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

// Package models defines the shared data types passed between the
// registry, the batcher, the store, and the HTTP/WebSocket surfaces.
//
// Event and metadata payloads are opaque to the broker: they are carried
// as raw JSON from the tracker to the viewers and into JSONB columns
// without interpretation beyond structural framing.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Session is the authoritative in-memory state for one replay session.
// The registry is the single owner of mutation; other components receive
// copies or summaries.
type Session struct {
	SessionID    string            `json:"sessionId"`
	UserID       string            `json:"userId"`
	Metadata     json.RawMessage   `json:"metadata"`
	IsActive     bool              `json:"isActive"`
	StartTime    time.Time         `json:"startTime"`
	LastActivity time.Time         `json:"lastActivity"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	Events       []json.RawMessage `json:"events,omitempty"`
	Errors       []json.RawMessage `json:"errors,omitempty"`
}

// SessionSummary is the listing shape returned by active-session
// snapshots and store queries. Event and error counts come from whichever
// side produced the summary (in-memory buffer or persisted rows).
type SessionSummary struct {
	SessionID  string          `json:"sessionId"`
	UserID     string          `json:"userId"`
	Metadata   json.RawMessage `json:"metadata"`
	IsActive   bool            `json:"isActive"`
	EventCount int             `json:"eventCount"`
	ErrorCount int             `json:"errorCount"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
