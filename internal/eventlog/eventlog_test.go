// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventlog

import (
	"testing"
	"time"

	"github.com/ManuGH/voxtrack/internal/model"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func ev(id string, offset time.Duration) model.Event {
	return model.Event{ID: id, SubmissionID: "s1", Name: "audio.normalized", Timestamp: t0.Add(offset)}
}

func eventIDs(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestCache_EventsForUnknownIsEmptyNotNil(t *testing.T) {
	c := New()
	got := c.EventsFor("nope")
	require.NotNil(t, got)
	assert.Empty(t, got)
	assert.False(t, c.HasLoaded("nope"))
}

func TestCache_RecordIsIdempotent(t *testing.T) {
	once, twice := New(), New()
	e := ev("e1", 0)

	require.True(t, once.Record(e))

	require.True(t, twice.Record(e))
	require.False(t, twice.Record(e))

	if diff := cmp.Diff(once.EventsFor("s1"), twice.EventsFor("s1")); diff != "" {
		t.Fatalf("record twice differs from record once (-once +twice):\n%s", diff)
	}
}

func TestCache_RecordKeepsNewestFirst(t *testing.T) {
	c := New()
	c.Record(ev("b", 2*time.Second))
	c.Record(ev("a", 1*time.Second))
	c.Record(ev("c", 3*time.Second))
	c.Record(ev("b2", 2*time.Second)) // ties go ahead of earlier arrivals
	assert.Equal(t, []string{"c", "b2", "b", "a"}, eventIDs(c.EventsFor("s1")))
}

func TestCache_RecordDoesNotMarkLoaded(t *testing.T) {
	c := New()
	c.Record(ev("e1", 0))
	assert.False(t, c.HasLoaded("s1"))
}

func TestCache_ReplaceLoadedEmptyDiffersFromUnloaded(t *testing.T) {
	c := New()
	c.Replace("s2", nil)
	assert.True(t, c.HasLoaded("s2"))
	assert.Empty(t, c.EventsFor("s2"))
	assert.False(t, c.HasLoaded("s3"))
}

func TestCache_ReplaceUsesBackendOrderAndKeepsRacedEvents(t *testing.T) {
	c := New()
	c.Record(ev("stale-local", -time.Hour)) // dropped: backend is authoritative for older history
	c.Record(ev("raced", time.Minute))      // newer than anything the backend returned

	c.Replace("s1", []model.Event{ev("b2", 2*time.Second), ev("b1", time.Second), ev("b1", time.Second)})

	assert.Equal(t, []string{"raced", "b2", "b1"}, eventIDs(c.EventsFor("s1")))
	assert.True(t, c.HasLoaded("s1"))

	// Dedup set follows the replaced list.
	assert.False(t, c.Record(ev("b1", time.Second)))
	assert.True(t, c.Record(ev("stale-local", -time.Hour)))
}

func TestCache_EventsForReturnsCopy(t *testing.T) {
	c := New()
	c.Record(ev("e1", 0))
	got := c.EventsFor("s1")
	got[0].ID = "mutated"
	assert.Equal(t, "e1", c.EventsFor("s1")[0].ID)
}

func TestCache_ForgetAndClear(t *testing.T) {
	c := New()
	c.Replace("s1", []model.Event{ev("e1", 0)})
	c.Forget("s1")
	assert.False(t, c.HasLoaded("s1"))
	c.Record(ev("e2", 0))
	c.Clear()
	assert.Empty(t, c.EventsFor("s1"))
}
