// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/voxtrack/internal/log"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Holder holds configuration with atomic reloading capability and tracks the
// effective bearer token. It watches the config file and the token file.
type Holder struct {
	mu      sync.RWMutex
	current Config
	token   string
	loader  *Loader
	logger  zerolog.Logger

	watcher  *fsnotify.Watcher
	debounce time.Duration
	wg       sync.WaitGroup

	listenMu  sync.RWMutex
	listeners []chan<- Config
	tokenFns  []func(string)
}

// NewHolder creates a holder with the initial config and resolves its token.
func NewHolder(initial Config, loader *Loader) *Holder {
	h := &Holder{
		current:  initial,
		loader:   loader,
		logger:   xglog.WithComponent("config"),
		debounce: defaultWatchDebounce,
	}
	token, err := Token(initial)
	if err != nil {
		h.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.token_unreadable").Msg("token file unreadable")
	}
	h.token = token
	return h
}

// Get returns the current configuration (thread-safe read).
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Token returns the current bearer token, empty when logged out.
func (h *Holder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// OnTokenChange registers fn to run with the new token whenever it changes.
func (h *Holder) OnTokenChange(fn func(string)) {
	h.listenMu.Lock()
	defer h.listenMu.Unlock()
	h.tokenFns = append(h.tokenFns, fn)
}

// RegisterListener registers a channel to receive config reload notifications.
// Sends are non-blocking; a full channel misses the update.
func (h *Holder) RegisterListener(ch chan<- Config) {
	h.listenMu.Lock()
	defer h.listenMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

// Reload reloads configuration from file and validates it. If loading fails,
// the old configuration is kept and an error is returned.
func (h *Holder) Reload(_ context.Context) error {
	if h.loader == nil {
		return fmt.Errorf("config reload: no loader")
	}
	h.logger.Info().Str(xglog.FieldEvent, "config.reload_start").Msg("reloading configuration")

	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.reload_failed").Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()

	h.notifyListeners(next)
	h.logChanges(prev, next)
	h.logger.Info().Str(xglog.FieldEvent, "config.reload_success").Msg("configuration reloaded successfully")

	h.RefreshToken()
	return nil
}

// RefreshToken re-reads the token and notifies token listeners when it
// changed. An unreadable token file keeps the previous token.
func (h *Holder) RefreshToken() {
	token, err := Token(h.Get())
	if err != nil {
		h.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.token_unreadable").Msg("token file unreadable, keeping current token")
		return
	}

	h.mu.Lock()
	if token == h.token {
		h.mu.Unlock()
		return
	}
	h.token = token
	h.mu.Unlock()

	h.logger.Info().
		Str(xglog.FieldEvent, "config.token_changed").
		Str(xglog.FieldToken, xglog.TokenFingerprint(token)).
		Bool("logged_out", token == "").
		Msg("bearer token changed")

	h.listenMu.RLock()
	fns := slices.Clone(h.tokenFns)
	h.listenMu.RUnlock()
	for _, fn := range fns {
		fn(token)
	}
}

// StartWatcher watches the config file and the token file for changes. With
// neither configured this is a no-op.
func (h *Holder) StartWatcher(ctx context.Context) error {
	configPath := ""
	if h.loader != nil && h.loader.Path() != "" {
		configPath = absClean(h.loader.Path())
	}
	tokenPath := ""
	if tf := h.Get().Auth.TokenFile; tf != "" {
		tokenPath = absClean(tf)
	}
	if configPath == "" && tokenPath == "" {
		h.logger.Info().
			Str(xglog.FieldEvent, "config.watcher_disabled").
			Msg("config watcher disabled (no config or token file)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Directories are watched so atomic replace-by-rename is seen too.
	dirs := map[string]struct{}{}
	for _, p := range []string{configPath, tokenPath} {
		if p != "" {
			dirs[filepath.Dir(p)] = struct{}{}
		}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	h.watcher = watcher

	h.logger.Info().
		Str(xglog.FieldEvent, "config.watcher_started").
		Str("config", configPath).
		Str("token_file", tokenPath).
		Msg("watching configuration for changes")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.watchLoop(ctx, watcher, configPath, tokenPath)
	}()
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, w *fsnotify.Watcher, configPath, tokenPath string) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	var reloadConfig, reloadToken bool

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str(xglog.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			name := filepath.Clean(ev.Name)
			switch name {
			case configPath:
				reloadConfig = true
			case tokenPath:
				reloadToken = true
			default:
				continue
			}
			h.logger.Debug().
				Str(xglog.FieldEvent, "config.file_changed").
				Str(xglog.FieldPath, name).
				Str("op", ev.Op.String()).
				Msg("watched file changed")
			timer.Reset(h.debounce)

		case <-timer.C:
			if reloadConfig {
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.auto_reload_failed").Msg("automatic config reload failed")
				}
			} else if reloadToken {
				h.RefreshToken()
			}
			reloadConfig, reloadToken = false, false

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str(xglog.FieldEvent, "config.watcher_error").Msg("config watcher error")
		}
	}
}

// Stop closes the watcher (if running) and waits for the watch loop to exit.
func (h *Holder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
	h.wg.Wait()
}

func (h *Holder) notifyListeners(cfg Config) {
	h.listenMu.RLock()
	defer h.listenMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().
				Str(xglog.FieldEvent, "config.listener_skip").
				Msg("skipped notifying listener (channel full)")
		}
	}
}

// logChanges logs the reload-relevant differences. Secrets are never logged.
func (h *Holder) logChanges(prev, next Config) {
	if prev.LogLevel != next.LogLevel {
		h.logger.Info().Str("old", prev.LogLevel).Str("new", next.LogLevel).Msg("config changed: logLevel")
	}
	if prev.Backend.BaseURL != next.Backend.BaseURL {
		h.logger.Info().Str("old", prev.Backend.BaseURL).Str("new", next.Backend.BaseURL).Msg("config changed: backend.baseUrl (restart required)")
	}
	if prev.Tracker != next.Tracker {
		h.logger.Info().Msg("config changed: tracker (restart required)")
	}
	if prev.Export.StatusFile != next.Export.StatusFile {
		h.logger.Info().Str("old", prev.Export.StatusFile).Str("new", next.Export.StatusFile).Msg("config changed: export.statusFile")
	}
	if prev.Auth.Token != next.Auth.Token {
		h.logger.Info().Msg("config changed: auth.token")
	}
}

func absClean(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
