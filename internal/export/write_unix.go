// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build !windows

package export

import (
	"context"
	"fmt"

	"github.com/google/renameio/v2"

	xglog "github.com/ManuGH/voxtrack/internal/log"
)

// writeAtomic fsyncs the new content before renaming it over path.
func writeAtomic(ctx context.Context, path string, snap Snapshot) error {
	logger := xglog.FromContext(ctx)

	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending status file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			logger.Debug().Err(err).Msg("cleanup pending status file")
		}
	}()

	if err := Encode(pendingFile, snap); err != nil {
		return fmt.Errorf("write status data: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace status file: %w", err)
	}
	return nil
}
