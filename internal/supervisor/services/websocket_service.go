// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

// Package services wraps broker components as suture services. The
// batcher and session cleaner implement suture.Service directly; the
// hub and HTTP server need the adapters here.
package services

import (
	"context"
)

// ContextHub matches *websocket.Hub's RunWithContext method, avoiding
// a direct dependency on the websocket package.
type ContextHub interface {
	RunWithContext(ctx context.Context) error
}

// WebSocketHubService wraps the connection hub as a supervised service.
type WebSocketHubService struct {
	hub ContextHub
}

// NewWebSocketHubService creates the hub service wrapper.
func NewWebSocketHubService(hub ContextHub) *WebSocketHubService {
	return &WebSocketHubService{hub: hub}
}

// Serve implements suture.Service by delegating to RunWithContext,
// which closes all clients and returns ctx.Err() on cancellation.
func (w *WebSocketHubService) Serve(ctx context.Context) error {
	return w.hub.RunWithContext(ctx)
}

// String implements fmt.Stringer for supervisor logging.
func (w *WebSocketHubService) String() string {
	return "websocket-hub"
}
