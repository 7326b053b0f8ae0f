/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// LockBackend selects how event schedules are locked.
type LockBackend string

const (
	LockLocal LockBackend = "local"
	LockRedis LockBackend = "redis"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string

	// Event lock
	LockBackend LockBackend
	LockTimeout time.Duration

	// Redis backs the distributed lock and the read-view cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheEnabled  bool

	// NATSURL enables forwarding of schedule events when set
	NATSURL string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// IntegritySchedule is a cron spec for the background scan; empty disables it
	IntegritySchedule string

	// CORSOrigins lists browser origins allowed to call the API
	CORSOrigins []string

	InstanceID        string
	LegacyEnvWarnings []string
}

// LoadDotEnv reads .env files into the environment when present. Variables
// already set win.
func LoadDotEnv(files ...string) {
	_ = godotenv.Load(files...)
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"MARATHON_ENV", "TRACKER_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"MARATHON_HTTP_BIND", "TRACKER_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"MARATHON_HTTP_PORT", "TRACKER_HTTP_PORT"}, 8080),
		DBBackend:   DatabaseBackend(getEnvAny([]string{"MARATHON_DB_BACKEND", "TRACKER_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:       getEnvAny([]string{"MARATHON_DB_DSN", "TRACKER_DB_DSN"}, ""),

		LockBackend: LockBackend(getEnvAny([]string{"MARATHON_LOCK_BACKEND"}, string(LockLocal))),
		LockTimeout: time.Duration(getEnvIntAny([]string{"MARATHON_LOCK_TIMEOUT_MS"}, 5000)) * time.Millisecond,

		RedisAddr:     getEnvAny([]string{"MARATHON_REDIS_ADDR", "REDIS_ADDR"}, "localhost:6379"),
		RedisPassword: getEnvAny([]string{"MARATHON_REDIS_PASSWORD", "REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"MARATHON_REDIS_DB", "REDIS_DB"}, 0),
		CacheEnabled:  getEnvBoolAny([]string{"MARATHON_CACHE_ENABLED"}, false),

		NATSURL: getEnvAny([]string{"MARATHON_NATS_URL", "NATS_URL"}, ""),

		TracingEnabled:    getEnvBoolAny([]string{"MARATHON_TRACING_ENABLED", "TRACKER_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"MARATHON_OTLP_ENDPOINT", "TRACKER_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"MARATHON_TRACING_SAMPLE_RATE", "TRACKER_TRACING_SAMPLE_RATE"}, 1.0),

		IntegritySchedule: getEnvAnyAllowEmpty([]string{"MARATHON_INTEGRITY_SCHEDULE"}, "@every 15m"),
		CORSOrigins:       getEnvListAny([]string{"MARATHON_CORS_ORIGINS"}),

		InstanceID: getEnvAny([]string{"MARATHON_INSTANCE_ID", "HOSTNAME"}, ""),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("MARATHON_DB_DSN or TRACKER_DB_DSN must be provided")
	}

	if cfg.LockBackend != LockLocal && cfg.LockBackend != LockRedis {
		return nil, fmt.Errorf("unsupported lock backend %q", cfg.LockBackend)
	}

	if cfg.LockTimeout <= 0 {
		return nil, fmt.Errorf("MARATHON_LOCK_TIMEOUT_MS must be positive")
	}

	if cfg.TracingSampleRate < 0 || cfg.TracingSampleRate > 1 {
		return nil, fmt.Errorf("MARATHON_TRACING_SAMPLE_RATE must be between 0 and 1")
	}

	if cfg.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.InstanceID = host
		}
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

// IsDevelopment reports whether the process runs in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"TRACKER_ENV":         "use MARATHON_ENV",
		"TRACKER_DB_DSN":      "use MARATHON_DB_DSN",
		"TRACKER_DB_BACKEND":  "use MARATHON_DB_BACKEND",
		"TRACING_ENABLED":     "use MARATHON_TRACING_ENABLED",
		"OTLP_ENDPOINT":       "use MARATHON_OTLP_ENDPOINT",
		"TRACING_SAMPLE_RATE": "use MARATHON_TRACING_SAMPLE_RATE",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvAnyAllowEmpty is getEnvAny but a key set to the empty string wins.
func getEnvAnyAllowEmpty(keys []string, def string) string {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			return v
		}
	}
	return def
}

// getEnvListAny splits the first set variable on commas, dropping blanks.
func getEnvListAny(keys []string) []string {
	raw := getEnvAny(keys, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
