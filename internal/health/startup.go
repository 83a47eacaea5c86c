// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ManuGH/voxtrack/internal/config"
	xglog "github.com/ManuGH/voxtrack/internal/log"
)

// PerformStartupChecks validates the environment before the daemon starts.
func PerformStartupChecks(_ context.Context, cfg config.Config) error {
	logger := xglog.WithComponent("startup-check")
	logger.Info().Str(xglog.FieldEvent, "startup.checks_begin").Msg("running pre-flight startup checks")

	if cfg.Cursor.Backend == "sqlite" {
		dir := cfg.Cursor.Path
		if filepath.Ext(dir) != "" {
			dir = filepath.Dir(dir)
		}
		if err := checkWritableDir(logger, dir); err != nil {
			return fmt.Errorf("cursor directory check failed: %w", err)
		}
	}

	if cfg.Export.StatusFile != "" {
		if err := checkWritableDir(logger, filepath.Dir(cfg.Export.StatusFile)); err != nil {
			return fmt.Errorf("status export directory check failed: %w", err)
		}
	}

	if cfg.Auth.TokenFile != "" {
		if _, err := os.Stat(cfg.Auth.TokenFile); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("token file: %w", err)
			}
			logger.Warn().
				Str(xglog.FieldEvent, "startup.token_file_missing").
				Str(xglog.FieldPath, cfg.Auth.TokenFile).
				Msg("token file does not exist yet; tracking stays idle until it appears")
		}
	} else if cfg.Auth.Token == "" {
		logger.Warn().
			Str(xglog.FieldEvent, "startup.no_token").
			Msg("no bearer token configured; tracking stays idle")
	}

	if cfg.Cursor.Backend == "memory" {
		logger.Info().
			Str(xglog.FieldEvent, "startup.cursor_volatile").
			Msg("stream cursor kept in memory; resume point is lost on restart")
	}

	logger.Info().Str(xglog.FieldEvent, "startup.checks_passed").Msg("all startup checks passed")
	return nil
}

func checkWritableDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str(xglog.FieldPath, path).Msg("directory is writable")
	return nil
}
