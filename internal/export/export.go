// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package export writes a JSON view of the tracked submissions to disk for
// consumers that cannot reach the read API.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ManuGH/voxtrack/internal/classify"
	xglog "github.com/ManuGH/voxtrack/internal/log"
	"github.com/ManuGH/voxtrack/internal/metrics"
	"github.com/ManuGH/voxtrack/internal/model"
)

// Entry is one submission in the exported view.
type Entry struct {
	ID       string       `json:"id"`
	Status   model.Status `json:"status"`
	Step     int          `json:"step"`
	Category string       `json:"category"`
	Label    string       `json:"label,omitempty"`
	Title    string       `json:"title,omitempty"`
}

// Snapshot is the exported document.
type Snapshot struct {
	UpdatedAt   time.Time             `json:"updated_at"`
	Connection  model.ConnectionState `json:"connection"`
	Pending     bool                  `json:"pending"`
	Submissions []Entry               `json:"submissions"`
}

// Build classifies subs into a snapshot, preserving order.
func Build(subs []model.Submission, conn model.ConnectionState, now time.Time) Snapshot {
	entries := make([]Entry, 0, len(subs))
	for _, s := range subs {
		cat := classify.Classify(s)
		entries = append(entries, Entry{
			ID:       s.ID,
			Status:   s.Status,
			Step:     s.ProcessingStep,
			Category: string(cat.Kind),
			Label:    cat.StepLabel,
			Title:    s.Title,
		})
	}
	return Snapshot{
		UpdatedAt:   now.UTC(),
		Connection:  conn,
		Pending:     model.AnyInFlight(subs),
		Submissions: entries,
	}
}

// Encode writes snap as indented JSON.
func Encode(w io.Writer, snap Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Writer persists snapshots to a single file, replacing it atomically.
type Writer struct {
	path string
}

// NewWriter returns a writer for path. An empty path disables export.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Enabled reports whether a target file is configured.
func (w *Writer) Enabled() bool {
	return w != nil && w.path != ""
}

// Write replaces the export file with snap.
func (w *Writer) Write(ctx context.Context, snap Snapshot) error {
	if !w.Enabled() {
		return nil
	}
	if err := writeAtomic(ctx, w.path, snap); err != nil {
		metrics.RecordExport("failure")
		return fmt.Errorf("export status: %w", err)
	}
	metrics.RecordExport("success")
	xglog.FromContext(ctx).Debug().
		Str(xglog.FieldEvent, "export.written").
		Str("path", w.path).
		Int("submissions", len(snap.Submissions)).
		Msg("status snapshot exported")
	return nil
}
