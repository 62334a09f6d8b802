// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/toolary/telemetry/internal/log"
)

// ParseString reads a string from an environment variable or returns the
// default. The chosen source is logged at debug level for observability.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		logger.Debug().Str("key", key).Str("source", "environment").Msg("using environment variable")
		return v
	}
	logger.Debug().Str("key", key).Str("default", defaultValue).Str("source", "default").Msg("using default value")
	return defaultValue
}

// ParseInt reads an integer from an environment variable, falling back to the
// default on absence or parse error.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
		logger.Warn().Str("key", key).Str("value", v).Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
	}
	return defaultValue
}

// ParseFloat reads a float from an environment variable, falling back to the
// default on absence or parse error.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		logger.Warn().Str("key", key).Str("value", v).Float64("default", defaultValue).
			Msg("invalid float in environment variable, using default")
	}
	return defaultValue
}

// ParseBool reads a boolean from an environment variable, falling back to the
// default on absence or parse error.
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		logger.Warn().Str("key", key).Str("value", v).Bool("default", defaultValue).
			Msg("invalid boolean in environment variable, using default")
	}
	return defaultValue
}

// ParseDuration reads a duration in Go duration format (e.g. "5s"), falling
// back to the default on absence or parse error.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		logger.Warn().Str("key", key).Str("value", v).Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
	}
	return defaultValue
}

// applyEnv overlays TELEMETRY_* environment variables onto cfg. Each field's
// current value acts as the default, which gives ENV > file > defaults
// precedence when called after the file layer.
func applyEnv(cfg Config) Config {
	cfg.Disabled = ParseBool("TELEMETRY_DISABLED", cfg.Disabled)
	cfg.Debug = ParseBool("TELEMETRY_DEBUG", cfg.Debug)
	cfg.LogLevel = ParseString("TELEMETRY_LOG_LEVEL", cfg.LogLevel)
	cfg.SampleRate = ParseFloat("TELEMETRY_SAMPLE_RATE", cfg.SampleRate)

	cfg.Batch.MaxSize = ParseInt("TELEMETRY_BATCH_MAX_SIZE", cfg.Batch.MaxSize)
	cfg.Batch.MaxWait = ParseDuration("TELEMETRY_BATCH_MAX_WAIT", cfg.Batch.MaxWait)

	cfg.Retry.MaxAttempts = ParseInt("TELEMETRY_RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.InitialInterval = ParseDuration("TELEMETRY_RETRY_INITIAL_INTERVAL", cfg.Retry.InitialInterval)
	cfg.Retry.Multiplier = ParseFloat("TELEMETRY_RETRY_MULTIPLIER", cfg.Retry.Multiplier)

	cfg.Delivery.Endpoint = ParseString("TELEMETRY_ENDPOINT", cfg.Delivery.Endpoint)
	cfg.Delivery.PreferBeacon = ParseBool("TELEMETRY_PREFER_BEACON", cfg.Delivery.PreferBeacon)
	cfg.Delivery.Keepalive = ParseBool("TELEMETRY_KEEPALIVE", cfg.Delivery.Keepalive)
	cfg.Delivery.EventPacing = ParseDuration("TELEMETRY_EVENT_PACING", cfg.Delivery.EventPacing)

	cfg.Privacy.Sanitize = ParseBool("TELEMETRY_SANITIZE", cfg.Privacy.Sanitize)
	cfg.Privacy.RespectDNT = ParseBool("TELEMETRY_RESPECT_DNT", cfg.Privacy.RespectDNT)

	cfg.Storage.Path = ParseString("TELEMETRY_STORAGE_PATH", cfg.Storage.Path)

	cfg.Collector.Listen = ParseString("TELEMETRY_COLLECTOR_LISTEN", cfg.Collector.Listen)
	cfg.Collector.DataDir = ParseString("TELEMETRY_COLLECTOR_DATA_DIR", cfg.Collector.DataDir)
	cfg.Collector.RateLimit = ParseInt("TELEMETRY_COLLECTOR_RATE_LIMIT", cfg.Collector.RateLimit)

	return cfg
}
