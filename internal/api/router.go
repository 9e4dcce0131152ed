// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

// Package api provides the HTTP query surface using the Chi router:
// health, stats, session listings, event history, cleanup, and the
// WebSocket upgrade endpoint.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sessionreplay/relay/internal/config"
)

// Router wires the HTTP surface.
type Router struct {
	handler *Handler
	cfg     config.APIConfig
}

// NewRouter creates a Router around the handler set.
func NewRouter(handler *Handler, cfg config.APIConfig) *Router {
	return &Router{handler: handler, cfg: cfg}
}

// Setup configures all routes and returns the root handler.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: router.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// The upgrade endpoint is exempt from rate limiting: one handshake
	// per long-lived connection.
	r.Get("/ws", router.handler.WebSocket)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(router.cfg.RateLimitReqs, router.cfg.RateLimitWindow))

		r.Get("/", router.handler.Root)
		r.Get("/health", router.handler.Health)
		r.Get("/stats", router.handler.Stats)
		r.Get("/sessions", router.handler.Sessions)
		r.Get("/sessions/active", router.handler.ActiveSessions)
		r.Get("/sessions/{id}/events", router.handler.SessionEvents)
		r.Delete("/sessions/cleanup", router.handler.Cleanup)
	})

	return r
}
