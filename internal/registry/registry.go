// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package registry is the in-memory store of current submission snapshots.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/voxtrack/internal/model"
)

type entry struct {
	sub model.Submission
	// generation is the timestamp of the reprocess that started the current
	// pipeline run; zero when unknown.
	generation time.Time
}

// Registry owns submission records. It is a passive store: no I/O.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Get returns a copy of the submission with id.
func (r *Registry) Get(id string) (model.Submission, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return model.Submission{}, false
	}
	return e.sub.Clone(), true
}

// Upsert fully replaces the record for s.ID. Unknown ids are placed first,
// matching the backend's newest-first listing.
func (r *Registry) Upsert(s model.Submission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[s.ID]; ok {
		e.sub = s.Clone()
		return
	}
	r.entries[s.ID] = &entry{sub: s.Clone()}
	r.order = append([]string{s.ID}, r.order...)
}

// Sync applies an authoritative snapshot: every listed submission is upserted
// and list order becomes the snapshot order. Terminal ids absent from the
// snapshot are dropped and returned. In-flight ids absent from the snapshot
// are kept ahead of the listed ones: they are usually newer than the list.
func (r *Registry) Sync(list []model.Submission) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(list))
	listed := make([]string, 0, len(list))
	for _, s := range list {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		seen[s.ID] = struct{}{}
		listed = append(listed, s.ID)
		if e, ok := r.entries[s.ID]; ok {
			e.sub = s.Clone()
			continue
		}
		r.entries[s.ID] = &entry{sub: s.Clone()}
	}

	var removed, kept []string
	for _, id := range r.order {
		if _, ok := seen[id]; ok {
			continue
		}
		if r.entries[id].sub.InFlight() {
			kept = append(kept, id)
			continue
		}
		delete(r.entries, id)
		removed = append(removed, id)
	}
	r.order = append(kept, listed...)
	return removed
}

// Patch merges an event-derived partial update into the record for id.
// Patches that would move a submission backwards are rejected with
// model.ErrConflict and leave the record untouched.
func (r *Registry) Patch(id string, p model.Patch) (model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return model.Submission{}, &model.Error{Sentinel: model.ErrNotFound, Op: "registry patch", Body: id}
	}
	if err := check(e, p); err != nil {
		return e.sub.Clone(), err
	}

	cur := &e.sub
	if p.Reset {
		cur.ProcessingStep = 0
		cur.ModerationResult = ""
		cur.Status = model.StatusUploaded
		e.generation = p.At
		return cur.Clone(), nil
	}
	if p.Step != nil && *p.Step > cur.ProcessingStep {
		cur.ProcessingStep = *p.Step
	}
	if p.Status != nil {
		cur.Status = *p.Status
	}
	if p.Moderation != nil {
		cur.ModerationResult = *p.Moderation
	}
	return cur.Clone(), nil
}

func check(e *entry, p model.Patch) error {
	cur := e.sub
	if !e.generation.IsZero() && !p.At.IsZero() && p.At.Before(e.generation) {
		return model.ConflictError("registry patch",
			fmt.Sprintf("event %s predates reprocess of %s", p.EventID, cur.ID))
	}
	if p.Reset {
		return nil
	}
	if p.Step != nil && *p.Step < cur.ProcessingStep {
		return model.ConflictError("registry patch",
			fmt.Sprintf("event %s would lower step of %s from %d to %d", p.EventID, cur.ID, cur.ProcessingStep, *p.Step))
	}
	if p.Status != nil {
		next := *p.Status
		if cur.Status.Terminal() && next != cur.Status {
			return model.ConflictError("registry patch",
				fmt.Sprintf("event %s would move terminal %s from %s to %s", p.EventID, cur.ID, cur.Status, next))
		}
		if next.Rank() < cur.Status.Rank() {
			return model.ConflictError("registry patch",
				fmt.Sprintf("event %s would move %s back from %s to %s", p.EventID, cur.ID, cur.Status, next))
		}
	}
	return nil
}

// List returns copies of all submissions in snapshot order.
func (r *Registry) List() []model.Submission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Submission, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].sub.Clone())
	}
	return out
}

// Remove drops the record for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Clear drops every record.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
	r.order = nil
}

// Len returns the number of tracked submissions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// HasPending reports whether any tracked submission is still in flight.
func (r *Registry) HasPending() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.sub.InFlight() {
			return true
		}
	}
	return false
}
