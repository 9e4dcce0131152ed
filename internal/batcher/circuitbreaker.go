// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package batcher

import (
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/sessionreplay/relay/internal/logging"
)

// newBreaker builds the circuit breaker guarding store writes. While the
// breaker is open flushes fail immediately, which keeps batches queued
// instead of burning pool connections against a down database; /health
// reports the degraded state through Batcher.Healthy.
func newBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker[any] {
	settings := gobreaker.Settings{
		Name:    "batcher-store",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("store circuit breaker state changed")
		},
	}
	return gobreaker.NewCircuitBreaker[any](settings)
}
