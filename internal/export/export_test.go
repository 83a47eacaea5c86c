// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/voxtrack/internal/model"
)

func TestBuild_ClassifiesInOrder(t *testing.T) {
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.FixedZone("x", 3600))
	snap := Build([]model.Submission{
		{ID: "b", Status: model.StatusProcessing, ProcessingStep: 2},
		{ID: "a", Status: model.StatusApproved, ProcessingStep: 6},
	}, model.ConnLive, now)

	require.Len(t, snap.Submissions, 2)
	assert.Equal(t, "b", snap.Submissions[0].ID)
	assert.Equal(t, "processing", snap.Submissions[0].Category)
	assert.Equal(t, "transcribed", snap.Submissions[0].Label)
	assert.Equal(t, "approved", snap.Submissions[1].Category)
	assert.True(t, snap.Pending)
	assert.Equal(t, time.UTC, snap.UpdatedAt.Location())
}

func TestWriter_ReplacesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	w := NewWriter(path)
	require.True(t, w.Enabled())

	first := Build([]model.Submission{{ID: "a", Status: model.StatusUploaded}}, model.ConnConnecting, time.Now())
	require.NoError(t, w.Write(context.Background(), first))
	second := Build(nil, model.ConnLive, time.Now())
	require.NoError(t, w.Write(context.Background(), second))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Snapshot
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, model.ConnLive, got.Connection)
	assert.Empty(t, got.Submissions)
	assert.False(t, got.Pending)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriter_DisabledIsNoop(t *testing.T) {
	w := NewWriter("")
	assert.False(t, w.Enabled())
	require.NoError(t, w.Write(context.Background(), Snapshot{}))
}

func TestWriter_MissingDirectoryFails(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "missing", "status.json"))
	require.Error(t, w.Write(context.Background(), Snapshot{}))
}
