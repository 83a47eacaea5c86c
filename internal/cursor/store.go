// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package cursor persists the live stream resume point per session.
package cursor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// Store keeps the newest observed event time per key. Saves never move a
// cursor backwards.
type Store interface {
	Load(ctx context.Context, key string) (time.Time, bool, error)
	Save(ctx context.Context, key string, at time.Time) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects and configures a store backend.
type Config struct {
	Backend       string // memory|sqlite|redis
	Path          string // sqlite file or directory
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

const dbName = "cursor.sqlite"

// NewStore creates a cursor store for the configured backend.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("cursor: sqlite backend requires a path")
		}
		path := cfg.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, dbName)
		}
		return NewSqliteStore(path)
	case "redis":
		return NewRedisStore(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
	default:
		return nil, fmt.Errorf("unknown cursor store backend: %s (supported: memory, sqlite, redis)", cfg.Backend)
	}
}

// MemoryStore implements Store using a map (thread-safe).
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]time.Time
}

// NewMemoryStore creates an in-memory cursor store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]time.Time)}
}

func (s *MemoryStore) Load(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.data[key]
	return at, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.data[key]; ok && !at.After(cur) {
		return nil
	}
	s.data[key] = at.UTC()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
