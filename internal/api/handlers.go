// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/sessionreplay/relay/internal/batcher"
	"github.com/sessionreplay/relay/internal/config"
	"github.com/sessionreplay/relay/internal/models"
	"github.com/sessionreplay/relay/internal/websocket"
)

// SessionStore is the store surface the handlers query. *store.Store
// satisfies it; tests use fakes.
type SessionStore interface {
	GetActiveSessions(ctx context.Context) ([]models.SessionSummary, error)
	GetAllSessions(ctx context.Context, limit, offset int) ([]models.SessionSummary, error)
	GetSessionEvents(ctx context.Context, sessionID string, fromIndex, limit int) ([]json.RawMessage, int, error)
	GetStats(ctx context.Context) (models.StoreStats, error)
	CleanupOldSessions(ctx context.Context, maxAge time.Duration) (int64, error)
}

// HubSource exposes the connection hub to the handlers.
type HubSource interface {
	Stats() websocket.Stats
	HandleUpgrade(w http.ResponseWriter, r *http.Request)
}

// RegistrySource exposes in-memory session counts.
type RegistrySource interface {
	Counts() (live, active int)
	TotalEvents() int64
}

// BatcherSource exposes write-behind pipeline health.
type BatcherSource interface {
	Stats() batcher.Stats
	Healthy() bool
}

// Handler holds the HTTP handlers and their collaborators.
type Handler struct {
	store    SessionStore
	hub      HubSource
	registry RegistrySource
	batcher  BatcherSource
	cfg      config.APIConfig

	startTime time.Time
}

// NewHandler creates a Handler.
func NewHandler(store SessionStore, hub HubSource, registry RegistrySource, batcher BatcherSource, cfg config.APIConfig) *Handler {
	return &Handler{
		store:     store,
		hub:       hub,
		registry:  registry,
		batcher:   batcher,
		cfg:       cfg,
		startTime: time.Now(),
	}
}

// Root identifies the service.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"service": "relay",
		"message": "real-time session replay broker",
	})
}

type healthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Database   models.StoreStats `json:"database"`
	Sessions   sessionCounts     `json:"sessions"`
	WebSockets websocket.Stats   `json:"websockets"`
	Batcher    batcher.Stats     `json:"batcher"`
}

type sessionCounts struct {
	Live   int `json:"live"`
	Active int `json:"active"`
}

// Health reports overall service health. The status degrades when the
// store circuit breaker is open.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if !h.batcher.Healthy() {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	dbStats, err := h.store.GetStats(r.Context())
	if err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	live, active := h.registry.Counts()
	respondJSON(w, httpStatus, healthResponse{
		Status:     status,
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Database:   dbStats,
		Sessions:   sessionCounts{Live: live, Active: active},
		WebSockets: h.hub.Stats(),
		Batcher:    h.batcher.Stats(),
	})
}

type statsResponse struct {
	TotalClients   int    `json:"totalClients"`
	ActiveSessions int    `json:"activeSessions"`
	Viewers        int    `json:"viewers"`
	Trackers       int    `json:"trackers"`
	TotalEvents    int64  `json:"totalEvents"`
	Uptime         string `json:"uptime"`
}

// Stats reports live broker counters from in-memory state.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	ws := h.hub.Stats()
	_, active := h.registry.Counts()
	respondJSON(w, http.StatusOK, statsResponse{
		TotalClients:   ws.TotalClients,
		ActiveSessions: active,
		Viewers:        ws.Viewers,
		Trackers:       ws.Trackers,
		TotalEvents:    h.registry.TotalEvents(),
		Uptime:         time.Since(h.startTime).Round(time.Second).String(),
	})
}

// ActiveSessions lists persisted sessions with is_active=true.
func (h *Handler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.GetActiveSessions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query active sessions", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// Sessions lists all persisted sessions with pagination.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := getIntParam(w, r, "limit", h.cfg.DefaultPageSize)
	if !ok {
		return
	}
	offset, ok := getIntParam(w, r, "offset", 0)
	if !ok {
		return
	}
	if limit > h.cfg.MaxPageSize {
		limit = h.cfg.MaxPageSize
	}

	sessions, err := h.store.GetAllSessions(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query sessions", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
	})
}

// SessionEvents returns one page of a session's persisted event stream.
// An offset past the end of the stream yields an empty page, not an
// error.
func (h *Handler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "session id required", nil)
		return
	}
	fromIndex, ok := getIntParam(w, r, "fromIndex", 0)
	if !ok {
		return
	}
	limit, ok := getIntParam(w, r, "limit", h.cfg.DefaultPageSize)
	if !ok {
		return
	}
	if limit > h.cfg.MaxPageSize {
		limit = h.cfg.MaxPageSize
	}

	events, _, err := h.store.GetSessionEvents(r.Context(), sessionID, fromIndex, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to query session events", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"events":    events,
		"fromIndex": fromIndex,
		"count":     len(events),
	})
}

// Cleanup deletes inactive persisted sessions older than maxAgeHours.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	hours, ok := getIntParam(w, r, "maxAgeHours", 24)
	if !ok {
		return
	}
	if hours < 1 {
		respondError(w, http.StatusBadRequest, "maxAgeHours must be at least 1", nil)
		return
	}

	deleted, err := h.store.CleanupOldSessions(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "cleanup failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deletedCount": deleted})
}

// WebSocket promotes the request into the connection hub.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleUpgrade(w, r)
}
