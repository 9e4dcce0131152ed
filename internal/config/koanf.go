// Relay - Real-Time Session Replay Broker
// Copyright 2026 Relay contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sessionreplay/relay

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/relay/config.yaml",
	"/etc/relay/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:              "localhost",
			Port:              5432,
			Name:              "sessionreplay",
			User:              "postgres",
			Password:          "",
			MaxConnections:    10,
			IdleTimeout:       30 * time.Second,
			ConnectionTimeout: 10 * time.Second,
		},
		Batch: BatchConfig{
			Size:     50,
			Interval: 5 * time.Second,
		},
		Session: SessionConfig{
			MaxEvents:       1000,
			CleanupInterval: 5 * time.Minute,
			MaxIdleAge:      24 * time.Hour,
			RetentionHours:  720,
		},
		Hub: HubConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			EventPageSize:     50,
		},
		API: APIConfig{
			DefaultPageSize: 20,
			MaxPageSize:     100,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in values
//  2. Config file: optional YAML file (if present)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment variables map through an explicit table so that the
	// flat legacy names (PORT, DB_HOST, BATCH_SIZE, ...) land on the
	// right nested keys.
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	normalizeDurations(k)
	normalizeSlices(k)

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file path, honoring
// CONFIG_PATH when set. An empty return means no config file is used.
func findConfigFile() string {
	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf paths.
// Unknown variables are dropped so unrelated process environment does
// not leak into the configuration.
func envTransformFunc(key string) string {
	return envMappings[strings.ToUpper(key)]
}

var envMappings = map[string]string{
	"HOST": "server.host",
	"PORT": "server.port",

	"DB_HOST":               "database.host",
	"DB_PORT":               "database.port",
	"DB_NAME":               "database.name",
	"DB_USER":               "database.user",
	"DB_PASSWORD":           "database.password",
	"DB_MAX_CONNECTIONS":    "database.max_connections",
	"DB_IDLE_TIMEOUT":       "database.idle_timeout",
	"DB_CONNECTION_TIMEOUT": "database.connection_timeout",

	"BATCH_SIZE":     "batch.size",
	"BATCH_INTERVAL": "batch.interval",

	"MAX_EVENTS_PER_SESSION":   "session.max_events",
	"SESSION_CLEANUP_INTERVAL": "session.cleanup_interval",
	"SESSION_MAX_IDLE_AGE":     "session.max_idle_age",
	"SESSION_RETENTION_HOURS":  "session.retention_hours",

	"HEARTBEAT_INTERVAL": "hub.heartbeat_interval",
	"HEARTBEAT_TIMEOUT":  "hub.heartbeat_timeout",

	"API_DEFAULT_PAGE_SIZE": "api.default_page_size",
	"API_MAX_PAGE_SIZE":     "api.max_page_size",
	"CORS_ORIGINS":          "api.cors_origins",
	"RATE_LIMIT_REQS":       "api.rate_limit_reqs",
	"RATE_LIMIT_WINDOW":     "api.rate_limit_window",

	"LOG_LEVEL":  "logging.level",
	"LOG_FORMAT": "logging.format",
	"LOG_CALLER": "logging.caller",
}

// durationKeys are the interval-style settings that accept a bare decimal
// (milliseconds) from the environment.
var durationKeys = []string{
	"server.timeout",
	"server.shutdown_timeout",
	"database.idle_timeout",
	"database.connection_timeout",
	"batch.interval",
	"session.cleanup_interval",
	"session.max_idle_age",
	"hub.heartbeat_interval",
	"hub.heartbeat_timeout",
	"api.rate_limit_window",
}

// normalizeDurations rewrites bare-number duration values as millisecond
// duration strings so the unmarshal hook parses them consistently.
func normalizeDurations(k *koanf.Koanf) {
	for _, key := range durationKeys {
		raw, ok := k.Get(key).(string)
		if !ok || raw == "" {
			continue
		}
		if isDecimal(raw) {
			_ = k.Set(key, raw+"ms")
		}
	}
}

// normalizeSlices splits comma-separated string values into slices for
// slice-typed keys set from the environment.
func normalizeSlices(k *koanf.Koanf) {
	raw, ok := k.Get("api.cors_origins").(string)
	if !ok {
		return
	}
	var origins []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	_ = k.Set("api.cors_origins", origins)
}

func isDecimal(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
