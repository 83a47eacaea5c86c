// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads, validates and hot-reloads the tracker configuration.
package config

import "time"

// Config is the effective runtime configuration.
type Config struct {
	Version string `yaml:"-"`

	LogLevel   string `yaml:"logLevel"`
	LogService string `yaml:"logService"`

	Backend   BackendConfig   `yaml:"backend"`
	Auth      AuthConfig      `yaml:"auth"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Cursor    CursorConfig    `yaml:"cursor"`
	API       APIConfig       `yaml:"api"`
	Export    ExportConfig    `yaml:"export"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// BackendConfig addresses the pipeline backend.
type BackendConfig struct {
	BaseURL    string        `yaml:"baseUrl"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"maxBackoff"`
	RateLimit  float64       `yaml:"rateLimit"` // requests per second, 0 = unlimited
	RateBurst  int           `yaml:"rateBurst"`
	UserAgent  string        `yaml:"userAgent"`
}

// AuthConfig holds the bearer token or the file it is read from. TokenFile
// wins when both are set.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"tokenFile"`
}

// TrackerConfig tunes reconciliation.
type TrackerConfig struct {
	DebounceWindow   time.Duration `yaml:"debounceWindow"`
	DebounceMaxWait  time.Duration `yaml:"debounceMaxWait"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	ReconnectInitial time.Duration `yaml:"reconnectInitial"`
	ReconnectMax     time.Duration `yaml:"reconnectMax"`
	MaxReplay        time.Duration `yaml:"maxReplay"`
	HealthInterval   time.Duration `yaml:"healthInterval"`
}

// CursorConfig selects where stream resume points are kept.
type CursorConfig struct {
	Backend       string `yaml:"backend"` // memory|sqlite|redis
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
}

// APIConfig configures the local read API.
type APIConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	RateLimit  int    `yaml:"rateLimit"` // action requests per minute per client
}

// ExportConfig configures the status file export.
type ExportConfig struct {
	StatusFile string `yaml:"statusFile"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Exporter     string            `yaml:"exporter"` // grpc|http
	Endpoint     string            `yaml:"endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Headers      map[string]string `yaml:"headers"`
	SamplingRate float64           `yaml:"samplingRate"`
	Environment  string            `yaml:"environment"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel:   "info",
		LogService: "voxtrack",
		Backend: BackendConfig{
			BaseURL:    "http://localhost:8000",
			Timeout:    10 * time.Second,
			MaxRetries: 2,
			Backoff:    200 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
			RateBurst:  10,
			UserAgent:  "voxtrack",
		},
		Tracker: TrackerConfig{
			DebounceWindow:   600 * time.Millisecond,
			DebounceMaxWait:  3 * time.Second,
			PollInterval:     5 * time.Second,
			ReconnectInitial: time.Second,
			ReconnectMax:     30 * time.Second,
			MaxReplay:        10 * time.Minute,
			HealthInterval:   30 * time.Second,
		},
		Cursor: CursorConfig{
			Backend: "memory",
		},
		API: APIConfig{
			ListenAddr: ":8089",
			RateLimit:  30,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			Insecure:     true,
			SamplingRate: 1.0,
			Environment:  "production",
		},
	}
}
