// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build windows

package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// writeAtomic writes to a temp file in the same directory and renames it.
func writeAtomic(_ context.Context, path string, snap Snapshot) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".voxtrack-status-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	tmpPath := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := Encode(tmpFile, snap); err != nil {
		return fmt.Errorf("write status data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync status file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close status file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace status file: %w", err)
	}
	committed = true
	return nil
}
