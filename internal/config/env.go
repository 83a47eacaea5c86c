// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/voxtrack/internal/log"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VOXTRACK_"

func envLogger() zerolog.Logger {
	return log.WithComponent("config")
}

func sensitive(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "token") || strings.Contains(k, "password")
}

// lookup returns the value of key when it is set and non-empty.
func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// ParseString reads a string from environment variable or returns default value.
func ParseString(key, defaultValue string) string {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	logger := envLogger()
	evt := logger.Debug().Str("key", key).Str("source", "environment")
	if sensitive(key) {
		evt = evt.Bool("sensitive", true)
	} else {
		evt = evt.Str("value", v)
	}
	evt.Msg("using environment variable")
	return v
}

// ParseInt reads an integer from environment variable or returns default
// value. Unparsable values fall back to the default with a warning.
func ParseInt(key string, defaultValue int) int {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		logger := envLogger()
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	return i
}

// ParseFloat reads a float from environment variable or returns default value.
func ParseFloat(key string, defaultValue float64) float64 {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		logger := envLogger()
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Float64("default", defaultValue).
			Msg("invalid float in environment variable, using default")
		return defaultValue
	}
	return f
}

// ParseDuration reads a duration in Go duration format (e.g. "5s").
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		logger := envLogger()
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	return d
}

// ParseBool reads a boolean from environment variable or returns default value.
// It accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	v, ok := lookup(key)
	if !ok {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	logger := envLogger()
	logger.Warn().
		Str("key", key).
		Str("value", v).
		Bool("default", defaultValue).
		Msg("invalid boolean in environment variable, using default")
	return defaultValue
}

// mergeEnv applies VOXTRACK_* overrides on top of cfg.
func mergeEnv(cfg *Config) {
	cfg.LogLevel = ParseString(EnvPrefix+"LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = ParseString(EnvPrefix+"LOG_SERVICE", cfg.LogService)

	b := &cfg.Backend
	b.BaseURL = ParseString(EnvPrefix+"BACKEND_URL", b.BaseURL)
	b.Timeout = ParseDuration(EnvPrefix+"BACKEND_TIMEOUT", b.Timeout)
	b.MaxRetries = ParseInt(EnvPrefix+"BACKEND_MAX_RETRIES", b.MaxRetries)
	b.Backoff = ParseDuration(EnvPrefix+"BACKEND_BACKOFF", b.Backoff)
	b.MaxBackoff = ParseDuration(EnvPrefix+"BACKEND_MAX_BACKOFF", b.MaxBackoff)
	b.RateLimit = ParseFloat(EnvPrefix+"BACKEND_RATE_LIMIT", b.RateLimit)
	b.RateBurst = ParseInt(EnvPrefix+"BACKEND_RATE_BURST", b.RateBurst)
	b.UserAgent = ParseString(EnvPrefix+"BACKEND_USER_AGENT", b.UserAgent)

	cfg.Auth.Token = ParseString(EnvPrefix+"TOKEN", cfg.Auth.Token)
	cfg.Auth.TokenFile = ParseString(EnvPrefix+"TOKEN_FILE", cfg.Auth.TokenFile)

	t := &cfg.Tracker
	t.DebounceWindow = ParseDuration(EnvPrefix+"DEBOUNCE_WINDOW", t.DebounceWindow)
	t.DebounceMaxWait = ParseDuration(EnvPrefix+"DEBOUNCE_MAX_WAIT", t.DebounceMaxWait)
	t.PollInterval = ParseDuration(EnvPrefix+"POLL_INTERVAL", t.PollInterval)
	t.ReconnectInitial = ParseDuration(EnvPrefix+"RECONNECT_INITIAL", t.ReconnectInitial)
	t.ReconnectMax = ParseDuration(EnvPrefix+"RECONNECT_MAX", t.ReconnectMax)
	t.MaxReplay = ParseDuration(EnvPrefix+"MAX_REPLAY", t.MaxReplay)
	t.HealthInterval = ParseDuration(EnvPrefix+"HEALTH_INTERVAL", t.HealthInterval)

	c := &cfg.Cursor
	c.Backend = ParseString(EnvPrefix+"CURSOR_BACKEND", c.Backend)
	c.Path = ParseString(EnvPrefix+"CURSOR_PATH", c.Path)
	c.RedisAddr = ParseString(EnvPrefix+"REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = ParseString(EnvPrefix+"REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = ParseInt(EnvPrefix+"REDIS_DB", c.RedisDB)

	cfg.API.ListenAddr = ParseString(EnvPrefix+"LISTEN", cfg.API.ListenAddr)
	cfg.API.RateLimit = ParseInt(EnvPrefix+"API_RATE_LIMIT", cfg.API.RateLimit)

	cfg.Export.StatusFile = ParseString(EnvPrefix+"STATUS_FILE", cfg.Export.StatusFile)

	tel := &cfg.Telemetry
	tel.Enabled = ParseBool(EnvPrefix+"TELEMETRY_ENABLED", tel.Enabled)
	tel.Exporter = ParseString(EnvPrefix+"TELEMETRY_EXPORTER", tel.Exporter)
	tel.Endpoint = ParseString(EnvPrefix+"TELEMETRY_ENDPOINT", tel.Endpoint)
	tel.Insecure = ParseBool(EnvPrefix+"TELEMETRY_INSECURE", tel.Insecure)
	tel.SamplingRate = ParseFloat(EnvPrefix+"TELEMETRY_SAMPLING", tel.SamplingRate)
	tel.Environment = ParseString(EnvPrefix+"TELEMETRY_ENVIRONMENT", tel.Environment)
}
