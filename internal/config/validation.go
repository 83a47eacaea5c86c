// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"strings"
	"time"

	"github.com/ManuGH/voxtrack/internal/validate"
)

var (
	cursorBackends     = []string{"memory", "sqlite", "redis"}
	telemetryExporters = []string{"grpc", "http"}
)

// Validate checks cfg using the centralized validation package.
func Validate(cfg Config) error {
	v := validate.New()

	if _, err := validate.ParseLogLevel(strings.ToLower(cfg.LogLevel)); err != nil {
		v.AddError("logLevel", "must be one of debug, info, warn, error", cfg.LogLevel)
	}

	b := cfg.Backend
	v.URL("backend.baseUrl", b.BaseURL, []string{"http", "https"})
	v.Duration("backend.timeout", b.Timeout, 0, 0)
	v.Range("backend.maxRetries", b.MaxRetries, 0, 10)
	v.Duration("backend.backoff", b.Backoff, 0, 0)
	v.Duration("backend.maxBackoff", b.MaxBackoff, 0, 0)
	if b.MaxBackoff < b.Backoff {
		v.AddError("backend.maxBackoff", "must not be smaller than backend.backoff", b.MaxBackoff)
	}
	if b.RateLimit < 0 {
		v.AddError("backend.rateLimit", "cannot be negative", b.RateLimit)
	}
	v.NonNegative("backend.rateBurst", b.RateBurst)

	t := cfg.Tracker
	v.Duration("tracker.debounceWindow", t.DebounceWindow, 0, 0)
	v.Duration("tracker.debounceMaxWait", t.DebounceMaxWait, 0, 0)
	if t.DebounceWindow > t.DebounceMaxWait {
		v.AddError("tracker.debounceWindow", "must not exceed tracker.debounceMaxWait", t.DebounceWindow)
	}
	v.Duration("tracker.pollInterval", t.PollInterval, time.Second, time.Minute)
	v.Duration("tracker.reconnectInitial", t.ReconnectInitial, 0, 0)
	v.Duration("tracker.reconnectMax", t.ReconnectMax, 0, 0)
	if t.ReconnectMax < t.ReconnectInitial {
		v.AddError("tracker.reconnectMax", "must not be smaller than tracker.reconnectInitial", t.ReconnectMax)
	}
	v.Duration("tracker.maxReplay", t.MaxReplay, 0, 0)
	v.Duration("tracker.healthInterval", t.HealthInterval, 0, 0)

	c := cfg.Cursor
	v.OneOf("cursor.backend", c.Backend, cursorBackends)
	switch c.Backend {
	case "sqlite":
		v.NotEmpty("cursor.path", c.Path)
	case "redis":
		v.NotEmpty("cursor.redisAddr", c.RedisAddr)
		v.Range("cursor.redisDB", c.RedisDB, 0, 15)
	}

	v.ListenAddr("api.listenAddr", cfg.API.ListenAddr)
	v.NonNegative("api.rateLimit", cfg.API.RateLimit)

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, telemetryExporters)
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("telemetry.samplingRate", "must be between 0 and 1", cfg.Telemetry.SamplingRate)
		}
	}

	return v.Err()
}
