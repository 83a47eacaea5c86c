// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind is the namespace-free name of a timeline event.
type EventKind string

const (
	KindUploaded           EventKind = "uploaded"
	KindNormalized         EventKind = "normalized"
	KindTranscribed        EventKind = "transcribed"
	KindModerated          EventKind = "moderated"
	KindRejected           EventKind = "rejected"
	KindQuarantined        EventKind = "quarantined"
	KindTagged             EventKind = "tagged"
	KindAnonymized         EventKind = "anonymized"
	KindPublished          EventKind = "published"
	KindReprocessRequested EventKind = "reprocess_requested"
	KindUnknown            EventKind = ""
)

// EventNamespace prefixes every event name emitted by the pipeline.
const EventNamespace = "audio."

// KindOf maps a wire event name ("audio.moderated" or "moderated") to its kind.
func KindOf(name string) EventKind {
	k := EventKind(strings.TrimPrefix(strings.TrimSpace(name), EventNamespace))
	switch k {
	case KindUploaded, KindNormalized, KindTranscribed, KindModerated,
		KindRejected, KindQuarantined, KindTagged, KindAnonymized,
		KindPublished, KindReprocessRequested:
		return k
	}
	return KindUnknown
}

// Payload is the tagged union of event payloads, keyed by EventKind.
type Payload interface {
	Kind() EventKind
}

type UploadedPayload struct {
	ObjectKey string `json:"object_key,omitempty"`
}

type TranscribedPayload struct {
	Chars int `json:"chars"`
}

type ModeratedPayload struct {
	Result     ModerationResult   `json:"result"`
	Flagged    bool               `json:"flagged,omitempty"`
	Categories map[string]bool    `json:"categories,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Model      string             `json:"model,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

type TaggedPayload struct {
	Tags    []string `json:"tags,omitempty"`
	Summary string   `json:"summary,omitempty"`
	LLMUsed bool     `json:"llm_used"`
}

type AnonymizedPayload struct {
	Mode string `json:"mode,omitempty"`
}

type PublishedPayload struct {
	Key string `json:"key,omitempty"`
}

// EmptyPayload covers kinds that carry no data.
type EmptyPayload struct {
	kind EventKind
}

// UnknownPayload keeps the raw bytes of an event the tracker does not model.
type UnknownPayload struct {
	Raw json.RawMessage
}

func (UploadedPayload) Kind() EventKind    { return KindUploaded }
func (TranscribedPayload) Kind() EventKind { return KindTranscribed }
func (ModeratedPayload) Kind() EventKind   { return KindModerated }
func (TaggedPayload) Kind() EventKind      { return KindTagged }
func (AnonymizedPayload) Kind() EventKind  { return KindAnonymized }
func (PublishedPayload) Kind() EventKind   { return KindPublished }
func (p EmptyPayload) Kind() EventKind     { return p.kind }
func (UnknownPayload) Kind() EventKind     { return KindUnknown }

// FlaggedCategories returns the moderation categories that were flagged.
func (p ModeratedPayload) FlaggedCategories() []string {
	out := make([]string, 0, len(p.Categories))
	for name, hit := range p.Categories {
		if hit {
			out = append(out, name)
		}
	}
	return out
}

// Event is one timeline fact about a submission.
type Event struct {
	ID           string
	SubmissionID string
	Name         string
	Timestamp    time.Time
	Payload      Payload
}

// Kind returns the namespace-free kind of the event.
func (e Event) Kind() EventKind {
	return KindOf(e.Name)
}

type wireEvent struct {
	ID           string          `json:"id"`
	SubmissionID string          `json:"submission_id"`
	EventName    string          `json:"event_name"`
	Timestamp    wireTime        `json:"timestamp"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// wireTime accepts RFC 3339 timestamps and zone-less ones, which are read as UTC.
type wireTime time.Time

const naiveLayout = "2006-01-02T15:04:05.999999999"

func (t wireTime) MarshalJSON() ([]byte, error) {
	return time.Time(t).MarshalJSON()
}

func (t *wireTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		naive, nerr := time.ParseInLocation(naiveLayout, raw, time.UTC)
		if nerr != nil {
			return fmt.Errorf("timestamp %q: %w", raw, err)
		}
		parsed = naive
	}
	*t = wireTime(parsed)
	return nil
}

// UnmarshalJSON decodes the wire frame and its kind-specific payload.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	p, err := DecodePayload(w.EventName, w.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:           w.ID,
		SubmissionID: w.SubmissionID,
		Name:         w.EventName,
		Timestamp:    time.Time(w.Timestamp),
		Payload:      p,
	}
	return nil
}

// MarshalJSON writes the event in its wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		ID:           e.ID,
		SubmissionID: e.SubmissionID,
		EventName:    e.Name,
		Timestamp:    wireTime(e.Timestamp),
	}
	switch p := e.Payload.(type) {
	case nil, EmptyPayload:
		w.Payload = json.RawMessage(`{}`)
	case UnknownPayload:
		w.Payload = p.Raw
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// DecodePayload decodes raw into the payload variant for name.
func DecodePayload(name string, raw json.RawMessage) (Payload, error) {
	kind := KindOf(name)
	raw = bytes.TrimSpace(raw)
	empty := len(raw) == 0 || bytes.Equal(raw, []byte("null"))

	decode := func(v any) error {
		if empty {
			return nil
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("payload for %q: %w", name, err)
		}
		return nil
	}

	switch kind {
	case KindUploaded:
		var p UploadedPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case KindTranscribed:
		var p TranscribedPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case KindModerated:
		var p ModeratedPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		p.Result = ModerationResult(strings.ToUpper(string(p.Result)))
		if p.Result != "" && !p.Result.Valid() {
			return nil, fmt.Errorf("payload for %q: unknown moderation result %q", name, p.Result)
		}
		return p, nil
	case KindTagged:
		var p TaggedPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case KindAnonymized:
		var p AnonymizedPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case KindPublished:
		var p PublishedPayload
		if err := decode(&p); err != nil {
			return nil, err
		}
		return p, nil
	case KindNormalized, KindRejected, KindQuarantined, KindReprocessRequested:
		return EmptyPayload{kind: kind}, nil
	}
	if empty {
		return UnknownPayload{}, nil
	}
	return UnknownPayload{Raw: append(json.RawMessage(nil), raw...)}, nil
}

// Validate checks the fields required to deduplicate and route an event.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("event %q: missing id", e.Name)
	}
	if strings.TrimSpace(e.SubmissionID) == "" {
		return fmt.Errorf("event %s: missing submission_id", e.ID)
	}
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("event %s: missing event_name", e.ID)
	}
	return nil
}
