// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package registry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/ManuGH/voxtrack/internal/model"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(subs []model.Submission) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}

func patchFor(t *testing.T, name string, at time.Time, payload model.Payload) model.Patch {
	t.Helper()
	p, ok := model.PatchFor(model.Event{ID: name, Name: name, Timestamp: at, Payload: payload})
	require.True(t, ok)
	return p
}

func TestRegistry_SyncSetsOrderAndDropsMissing(t *testing.T) {
	r := New()
	r.Sync([]model.Submission{
		{ID: "c", Status: model.StatusUploaded},
		{ID: "b", Status: model.StatusProcessing, ProcessingStep: 2},
		{ID: "e", Status: model.StatusRejected, ProcessingStep: 3},
		{ID: "a", Status: model.StatusApproved, ProcessingStep: 6},
	})
	assert.Equal(t, []string{"c", "b", "e", "a"}, ids(r.List()))

	removed := r.Sync([]model.Submission{
		{ID: "d", Status: model.StatusCreated},
		{ID: "b", Status: model.StatusProcessing, ProcessingStep: 3},
		{ID: "a", Status: model.StatusApproved, ProcessingStep: 6},
	})
	assert.Equal(t, []string{"e"}, removed, "only terminal records are dropped")
	assert.Equal(t, []string{"c", "d", "b", "a"}, ids(r.List()), "in-flight records survive a list that misses them")

	b, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, 3, b.ProcessingStep)
}

func TestRegistry_ListStableAcrossPatches(t *testing.T) {
	r := New()
	r.Sync([]model.Submission{
		{ID: "x", Status: model.StatusProcessing, ProcessingStep: 1},
		{ID: "y", Status: model.StatusProcessing, ProcessingStep: 1},
	})
	_, err := r.Patch("y", patchFor(t, "audio.tagged", time.Now(), nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ids(r.List()))
}

func TestRegistry_UpsertUnknownGoesFirst(t *testing.T) {
	r := New()
	r.Sync([]model.Submission{{ID: "old", Status: model.StatusApproved}})
	r.Upsert(model.Submission{ID: "new", Status: model.StatusCreated})
	assert.Equal(t, []string{"new", "old"}, ids(r.List()))
	assert.True(t, r.HasPending())
}

func TestRegistry_PatchRejectsStepRegression(t *testing.T) {
	r := New()
	r.Upsert(model.Submission{ID: "s1", Status: model.StatusProcessing, ProcessingStep: 4})

	_, err := r.Patch("s1", patchFor(t, "audio.transcribed", time.Now(), nil))
	require.ErrorIs(t, err, model.ErrConflict)

	got, _ := r.Get("s1")
	assert.Equal(t, 4, got.ProcessingStep)
	assert.Equal(t, model.StatusProcessing, got.Status)
}

func TestRegistry_PatchRejectsTerminalFlip(t *testing.T) {
	r := New()
	r.Upsert(model.Submission{ID: "s1", Status: model.StatusRejected, ProcessingStep: 3})

	_, err := r.Patch("s1", patchFor(t, "audio.quarantined", time.Now(), nil))
	require.ErrorIs(t, err, model.ErrConflict)

	// A consistent late event is accepted.
	_, err = r.Patch("s1", patchFor(t, "audio.moderated", time.Now(), model.ModeratedPayload{Result: model.ModerationReject}))
	require.NoError(t, err)
	got, _ := r.Get("s1")
	assert.Equal(t, model.ModerationReject, got.ModerationResult)
	assert.Equal(t, model.StatusRejected, got.Status)
}

func TestRegistry_ReprocessStartsNewGeneration(t *testing.T) {
	r := New()
	r.Upsert(model.Submission{ID: "s1", Status: model.StatusApproved, ProcessingStep: 6, ModerationResult: model.ModerationApprove})

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	got, err := r.Patch("s1", patchFor(t, "audio.reprocess_requested", base, nil))
	require.NoError(t, err)
	assert.Equal(t, model.StatusUploaded, got.Status)
	assert.Equal(t, 0, got.ProcessingStep)
	assert.Empty(t, got.ModerationResult)

	// Stale event from the previous run.
	_, err = r.Patch("s1", patchFor(t, "audio.anonymized", base.Add(-time.Minute), nil))
	require.ErrorIs(t, err, model.ErrConflict)

	got, err = r.Patch("s1", patchFor(t, "audio.normalized", base.Add(time.Second), nil))
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProcessingStep)
}

func TestRegistry_PatchUnknownID(t *testing.T) {
	r := New()
	_, err := r.Patch("ghost", patchFor(t, "audio.normalized", time.Now(), nil))
	require.ErrorIs(t, err, model.ErrNotFound)
}

// Any delivery order of the pipeline's events must leave the observed step
// non-decreasing.
func TestRegistry_MonotonicUnderShuffledDelivery(t *testing.T) {
	names := []string{"audio.normalized", "audio.transcribed", "audio.moderated", "audio.tagged", "audio.anonymized", "audio.published"}
	rnd := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		r := New()
		r.Upsert(model.Submission{ID: "s1", Status: model.StatusUploaded})
		order := rnd.Perm(len(names))

		last := 0
		for _, i := range order {
			var payload model.Payload
			if names[i] == "audio.moderated" {
				payload = model.ModeratedPayload{Result: model.ModerationApprove}
			}
			_, _ = r.Patch("s1", patchFor(t, names[i], time.Time{}, payload))
			got, _ := r.Get("s1")
			require.GreaterOrEqual(t, got.ProcessingStep, last, "round %d order %v", round, order)
			last = got.ProcessingStep
		}
	}
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := New()
	r.Upsert(model.Submission{ID: "s1", Tags: []string{"a"}})
	got, _ := r.Get("s1")
	got.Tags[0] = "mutated"

	again, _ := r.Get("s1")
	if diff := cmp.Diff([]string{"a"}, again.Tags); diff != "" {
		t.Fatalf("registry leaked internal slice (-want +got):\n%s", diff)
	}
}

func TestRegistry_RemoveAndClear(t *testing.T) {
	r := New()
	r.Sync([]model.Submission{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	r.Remove("b")
	r.Remove("missing")
	assert.Equal(t, []string{"a", "c"}, ids(r.List()))
	r.Clear()
	assert.Equal(t, 0, r.Len())
}
