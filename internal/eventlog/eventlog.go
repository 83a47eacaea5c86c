// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package eventlog keeps the per-submission, deduplicated timeline of events.
package eventlog

import (
	"sync"

	"github.com/ManuGH/voxtrack/internal/model"
)

type timeline struct {
	events []model.Event // newest first
	ids    map[string]struct{}
	loaded bool
}

func newTimeline() *timeline {
	return &timeline{ids: make(map[string]struct{})}
}

// Cache holds timelines keyed by submission id. Entries refer to submissions
// by id only; the registry owns the submission records.
type Cache struct {
	mu        sync.RWMutex
	timelines map[string]*timeline
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{timelines: make(map[string]*timeline)}
}

// EventsFor returns a copy of the timeline for id, newest first. Unknown ids
// yield an empty, non-nil slice.
func (c *Cache) EventsFor(id string) []model.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tl, ok := c.timelines[id]
	if !ok {
		return []model.Event{}
	}
	out := make([]model.Event, len(tl.events))
	copy(out, tl.events)
	return out
}

// Record inserts ev into its submission's timeline. It reports false when an
// event with the same id is already present.
func (c *Cache) Record(ev model.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl, ok := c.timelines[ev.SubmissionID]
	if !ok {
		tl = newTimeline()
		c.timelines[ev.SubmissionID] = tl
	}
	if _, dup := tl.ids[ev.ID]; dup {
		return false
	}
	tl.insert(ev)
	return true
}

// insert places ev before the first event that is not newer than it, so
// existing relative order is never disturbed.
func (tl *timeline) insert(ev model.Event) {
	pos := len(tl.events)
	for i, cur := range tl.events {
		if !cur.Timestamp.After(ev.Timestamp) {
			pos = i
			break
		}
	}
	tl.events = append(tl.events, model.Event{})
	copy(tl.events[pos+1:], tl.events[pos:])
	tl.events[pos] = ev
	tl.ids[ev.ID] = struct{}{}
}

// Replace installs the backend's ordered timeline for id and marks it loaded.
// Locally recorded events missing from events survive only if they are newer
// than the newest backend event: they raced the fetch.
func (c *Cache) Replace(id string, events []model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := newTimeline()
	next.loaded = true
	for _, ev := range events {
		if _, dup := next.ids[ev.ID]; dup {
			continue
		}
		next.events = append(next.events, ev)
		next.ids[ev.ID] = struct{}{}
	}

	if prev, ok := c.timelines[id]; ok && len(next.events) > 0 {
		newest := next.events[0].Timestamp
		for _, ev := range next.events[1:] {
			if ev.Timestamp.After(newest) {
				newest = ev.Timestamp
			}
		}
		for _, ev := range prev.events {
			if _, known := next.ids[ev.ID]; known {
				continue
			}
			if ev.Timestamp.After(newest) {
				next.insert(ev)
			}
		}
	} else if ok {
		for _, ev := range prev.events {
			next.insert(ev)
		}
	}
	c.timelines[id] = next
}

// HasLoaded reports whether a full timeline was fetched for id. A loaded,
// empty timeline and a never-fetched one are different states.
func (c *Cache) HasLoaded(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tl, ok := c.timelines[id]
	return ok && tl.loaded
}

// Forget drops the timeline for id.
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timelines, id)
}

// Clear drops every timeline.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timelines = make(map[string]*timeline)
}
