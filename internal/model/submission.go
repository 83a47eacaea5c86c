// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package model holds the data shapes shared by the tracker: submissions,
// timeline events and the error taxonomy used at package boundaries.
package model

import (
	"strings"
	"time"
)

// Status is the backend pipeline status of a submission.
type Status string

const (
	StatusCreated     Status = "CREATED"
	StatusUploaded    Status = "UPLOADED"
	StatusProcessing  Status = "PROCESSING"
	StatusApproved    Status = "APPROVED"
	StatusRejected    Status = "REJECTED"
	StatusQuarantined Status = "QUARANTINED"
)

// ParseStatus normalizes a wire status. Unknown values are returned upper-cased
// and report false.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case StatusCreated, StatusUploaded, StatusProcessing,
		StatusApproved, StatusRejected, StatusQuarantined:
		return s, true
	}
	return s, false
}

// Terminal reports whether the pipeline will not advance a submission further.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusQuarantined:
		return true
	}
	return false
}

// Rank orders statuses along the pipeline. Terminal statuses share the top rank.
func (s Status) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusUploaded:
		return 1
	case StatusProcessing:
		return 2
	case StatusApproved, StatusRejected, StatusQuarantined:
		return 3
	}
	return -1
}

// ModerationResult is the moderation decision recorded on a submission.
type ModerationResult string

const (
	ModerationApprove    ModerationResult = "APPROVE"
	ModerationReject     ModerationResult = "REJECT"
	ModerationQuarantine ModerationResult = "QUARANTINE"
)

// Valid reports whether r is one of the known decisions.
func (r ModerationResult) Valid() bool {
	switch r {
	case ModerationApprove, ModerationReject, ModerationQuarantine:
		return true
	}
	return false
}

// MaxStep is the last pipeline step (published).
const MaxStep = 6

// Submission is one tracked audio item as reported by the backend.
type Submission struct {
	ID               string           `json:"id"`
	Status           Status           `json:"status"`
	ProcessingStep   int              `json:"processing_step"`
	ModerationResult ModerationResult `json:"moderation_result,omitempty"`

	// Display metadata, opaque to the tracker.
	Title             string     `json:"title,omitempty"`
	Summary           string     `json:"summary,omitempty"`
	Tags              []string   `json:"tags,omitempty"`
	CoverURL          string     `json:"cover_url,omitempty"`
	TranscriptPreview string     `json:"transcript_preview,omitempty"`
	Description       string     `json:"description,omitempty"`
	AnonymizationMode string     `json:"anonymization_mode,omitempty"`
	HighPotential     *bool      `json:"high_potential,omitempty"`
	CreatedAt         time.Time  `json:"created_at,omitempty"`
	PublishedAt       *time.Time `json:"published_at,omitempty"`
}

// InFlight reports whether the submission is still moving through the pipeline.
func (s Submission) InFlight() bool {
	return !s.Status.Terminal()
}

// Clone returns a deep copy so callers never share slices with a store.
func (s Submission) Clone() Submission {
	out := s
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	if s.HighPotential != nil {
		v := *s.HighPotential
		out.HighPotential = &v
	}
	if s.PublishedAt != nil {
		t := *s.PublishedAt
		out.PublishedAt = &t
	}
	return out
}

// AnyInFlight reports whether at least one submission is not terminal.
func AnyInFlight(subs []Submission) bool {
	for _, s := range subs {
		if s.InFlight() {
			return true
		}
	}
	return false
}

// ServiceHealth is the best-effort backend status snapshot.
type ServiceHealth struct {
	Status       string    `json:"status"`
	DBReady      bool      `json:"db_ready"`
	StorageReady bool      `json:"storage_ready"`
	QueueReady   bool      `json:"queue_ready"`
	LLMReady     bool      `json:"llm_ready"`
	CheckedAt    time.Time `json:"checked_at"`
}

// ConnectionState describes the live event subscription.
type ConnectionState string

const (
	ConnIdle       ConnectionState = "idle"
	ConnConnecting ConnectionState = "connecting"
	ConnLive       ConnectionState = "live"
	ConnError      ConnectionState = "error"
)
