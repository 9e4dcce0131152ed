// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

// Package metrics provides Prometheus instrumentation for the broker:
// WebSocket connection and message counts, batcher flush performance,
// store query latency, and registry buffer behavior. Collectors are
// registered through promauto and served at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebSocket metrics
	WSConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_ws_connections",
			Help: "Current number of WebSocket connections by role",
		},
		[]string{"role"},
	)

	WSMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ws_messages_total",
			Help: "Total WebSocket messages by direction and type",
		},
		[]string{"direction", "type"},
	)

	WSDroppedClients = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ws_dropped_clients_total",
			Help: "Clients dropped because their send buffer was full",
		},
	)

	WSHeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ws_heartbeat_timeouts_total",
			Help: "Connections closed for missing heartbeats",
		},
	)

	// Registry metrics
	SessionsLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sessions_live",
			Help: "Sessions currently held in memory",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Sessions currently active (accepting events)",
		},
	)

	EventsTrimmedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_trimmed_total",
			Help: "Events discarded by the per-session buffer cap",
		},
	)

	SessionIDConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_session_id_conflicts_total",
			Help: "session_start frames resolved by ID reassignment",
		},
	)

	// Batcher metrics
	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_batch_flush_duration_seconds",
			Help:    "Duration of batcher flush transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchFlushSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_batch_flush_size",
			Help:    "Number of batches applied per flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		},
	)

	BatchRequeueTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_batch_requeue_total",
			Help: "Flushes whose batches were re-queued after a store error",
		},
	)

	BatchQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_batch_queue_length",
			Help: "Batches currently waiting in the write-behind queue",
		},
	)

	// Store metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_db_query_duration_seconds",
			Help:    "Duration of store queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_db_query_errors_total",
			Help: "Total store query errors",
		},
		[]string{"operation"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_api_requests_total",
			Help: "Total HTTP API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)
)

// RecordBatchFlush records a completed flush transaction.
func RecordBatchFlush(duration time.Duration, batches int) {
	BatchFlushDuration.Observe(duration.Seconds())
	BatchFlushSize.Observe(float64(batches))
}

// RecordDBQuery records a store query with its outcome.
func RecordDBQuery(operation string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation).Inc()
	}
}

// RecordInbound counts one inbound WebSocket message.
func RecordInbound(msgType string) {
	WSMessagesTotal.WithLabelValues("in", msgType).Inc()
}

// RecordOutbound counts one outbound WebSocket message.
func RecordOutbound(msgType string) {
	WSMessagesTotal.WithLabelValues("out", msgType).Inc()
}
