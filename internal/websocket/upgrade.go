// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sessionreplay/relay/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Trackers embed in arbitrary pages; origin enforcement is left to
	// the deployment in front of the broker.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleUpgrade terminates the WebSocket handshake and promotes the
// connection into the hub. The ?type= query parameter classifies the
// client; a missing or unrecognized value defaults to tracker. Viewers
// are sent the current active_sessions snapshot immediately.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	role := RoleTracker
	if r.URL.Query().Get("type") == string(RoleViewer) {
		role = RoleViewer
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(h, conn, role)
	h.Register <- client
	client.Start()

	if role == RoleViewer {
		client.trySend(h.activeSessionsMessage())
	}
}
