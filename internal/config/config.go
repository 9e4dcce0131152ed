// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

// Package config loads Relay configuration from layered sources using
// Koanf v2: built-in defaults, an optional YAML config file, and
// environment variables (highest priority).
//
// Interval-style environment variables (BATCH_INTERVAL, HEARTBEAT_INTERVAL,
// SESSION_CLEANUP_INTERVAL, DB_IDLE_TIMEOUT, DB_CONNECTION_TIMEOUT) accept
// either a bare decimal number, interpreted as milliseconds for
// compatibility with existing tracker deployments, or a Go duration
// string such as "5s".
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the Relay server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Batch    BatchConfig    `koanf:"batch"`
	Session  SessionConfig  `koanf:"session"`
	Hub      HubConfig      `koanf:"hub"`
	API      APIConfig      `koanf:"api"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout" validate:"min=1s"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=1s"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host              string        `koanf:"host" validate:"required"`
	Port              int           `koanf:"port" validate:"min=1,max=65535"`
	Name              string        `koanf:"name" validate:"required"`
	User              string        `koanf:"user" validate:"required"`
	Password          string        `koanf:"password"`
	MaxConnections    int           `koanf:"max_connections" validate:"min=1"`
	IdleTimeout       time.Duration `koanf:"idle_timeout" validate:"min=1s"`
	ConnectionTimeout time.Duration `koanf:"connection_timeout" validate:"min=1s"`
}

// BatchConfig holds write-behind batcher settings.
type BatchConfig struct {
	// Size is the maximum number of batches drained per flush. A queue
	// length of 2*Size triggers an immediate flush to bound memory.
	Size     int           `koanf:"size" validate:"min=1"`
	Interval time.Duration `koanf:"interval" validate:"min=10ms"`
}

// SessionConfig holds registry buffer and retention settings.
type SessionConfig struct {
	// MaxEvents caps the in-memory event buffer per session. When the
	// buffer exceeds the cap it is head-trimmed to MaxEvents/2.
	MaxEvents       int           `koanf:"max_events" validate:"min=2"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"min=1s"`
	// MaxIdleAge is how long an ended session stays in memory before the
	// cleanup pass evicts it.
	MaxIdleAge time.Duration `koanf:"max_idle_age" validate:"min=1m"`
	// RetentionHours is the store-side retention window; inactive rows
	// older than this are deleted by the cleanup service. It is a
	// separate knob from MaxIdleAge and the operator must set both.
	RetentionHours int `koanf:"retention_hours" validate:"min=1"`
}

// HubConfig holds WebSocket connection settings.
type HubConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"min=1s"`
	// HeartbeatTimeout is how long a client may stay silent before it is
	// disconnected with reason "Heartbeat timeout".
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout" validate:"min=1s"`
	// EventPageSize is the page size for get_session_events replies.
	EventPageSize int `koanf:"event_page_size" validate:"min=1"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	DefaultPageSize int           `koanf:"default_page_size" validate:"min=1"`
	MaxPageSize     int           `koanf:"max_page_size" validate:"min=1"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"min=1s"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration using struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.API.DefaultPageSize > c.API.MaxPageSize {
		return fmt.Errorf("invalid configuration: api default_page_size %d exceeds max_page_size %d",
			c.API.DefaultPageSize, c.API.MaxPageSize)
	}
	return nil
}
