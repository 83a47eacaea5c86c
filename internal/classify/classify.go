// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package classify maps submissions to user-facing display categories.
package classify

import (
	"strings"

	"github.com/ManuGH/voxtrack/internal/model"
)

// Kind is a user-facing category.
type Kind string

const (
	KindQueued      Kind = "queued"
	KindProcessing  Kind = "processing"
	KindApproved    Kind = "approved"
	KindRejected    Kind = "rejected"
	KindQuarantined Kind = "quarantined"
	KindUnknown     Kind = "unknown"
)

// Kinds lists every category in display order.
func Kinds() []Kind {
	return []Kind{KindQueued, KindProcessing, KindApproved, KindRejected, KindQuarantined, KindUnknown}
}

// stepLabels is the fixed ordered step vocabulary, index == processing_step.
var stepLabels = [model.MaxStep + 1]string{
	"queued",
	"normalized",
	"transcribed",
	"moderated",
	"tagged",
	"anonymized",
	"published",
}

// Category is the derived display state of a submission.
type Category struct {
	Kind      Kind   `json:"kind"`
	Step      int    `json:"step"`
	StepLabel string `json:"step_label,omitempty"`
}

// Terminal reports whether the category is a final outcome.
func (c Category) Terminal() bool {
	switch c.Kind {
	case KindApproved, KindRejected, KindQuarantined:
		return true
	}
	return false
}

// StepLabel returns the label for step, clamped to the known range.
func StepLabel(step int) string {
	if step < 0 {
		step = 0
	}
	if step > model.MaxStep {
		step = model.MaxStep
	}
	return stepLabels[step]
}

// StepLabels returns a copy of the ordered step vocabulary.
func StepLabels() []string {
	out := make([]string, len(stepLabels))
	copy(out, stepLabels[:])
	return out
}

// Classify derives the display category of s.
func Classify(s model.Submission) Category {
	switch s.Status {
	case model.StatusApproved:
		return Category{Kind: KindApproved, Step: s.ProcessingStep}
	case model.StatusRejected:
		return Category{Kind: KindRejected, Step: s.ProcessingStep}
	case model.StatusQuarantined:
		return Category{Kind: KindQuarantined, Step: s.ProcessingStep}
	case model.StatusProcessing:
		return Category{Kind: KindProcessing, Step: s.ProcessingStep, StepLabel: StepLabel(s.ProcessingStep)}
	case model.StatusCreated, model.StatusUploaded:
		return Category{Kind: KindQueued, Step: s.ProcessingStep, StepLabel: StepLabel(0)}
	}
	return Category{Kind: KindUnknown, Step: s.ProcessingStep}
}

// Filter selects submissions for a library view.
type Filter string

const (
	FilterAll         Filter = "all"
	FilterProcessing  Filter = "processing"
	FilterApproved    Filter = "approved"
	FilterRejected    Filter = "rejected"
	FilterQuarantined Filter = "quarantined"
)

// ParseFilter accepts the filter names case-insensitively; empty means all.
func ParseFilter(raw string) (Filter, bool) {
	f := Filter(strings.ToLower(strings.TrimSpace(raw)))
	switch f {
	case "":
		return FilterAll, true
	case FilterAll, FilterProcessing, FilterApproved, FilterRejected, FilterQuarantined:
		return f, true
	}
	return "", false
}

// Match reports whether s belongs to the filter. "processing" covers every
// submission that is still in flight, queued ones included.
func (f Filter) Match(s model.Submission) bool {
	switch f {
	case FilterAll, "":
		return true
	case FilterProcessing:
		return s.InFlight()
	case FilterApproved:
		return s.Status == model.StatusApproved
	case FilterRejected:
		return s.Status == model.StatusRejected
	case FilterQuarantined:
		return s.Status == model.StatusQuarantined
	}
	return false
}

// Apply returns the subset of subs matching f, preserving order.
func (f Filter) Apply(subs []model.Submission) []model.Submission {
	out := make([]model.Submission, 0, len(subs))
	for _, s := range subs {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	return out
}
