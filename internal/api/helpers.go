// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package api

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sessionreplay/relay/internal/logging"
	"github.com/sessionreplay/relay/internal/metrics"
)

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("failed to write JSON response")
	}
}

// respondError writes an {error} response and logs the cause.
func respondError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		logging.Error().Err(err).Int("status", status).Str("message", message).Msg("API error")
	}
	respondJSON(w, status, map[string]string{"error": message})
}

// getIntParam extracts a non-negative integer query parameter. On a
// malformed or negative value it writes a 400 response and returns
// ok=false.
func getIntParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		respondError(w, http.StatusBadRequest, "invalid "+name+" parameter", nil)
		return 0, false
	}
	return v, true
}

// metricsMiddleware records per-endpoint request counts.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.APIRequestsTotal.WithLabelValues(
			r.Method,
			r.URL.Path,
			strconv.Itoa(ww.Status()),
		).Inc()
	})
}
