// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import "time"

// Patch is a partial update derived from an event. Nil fields are left alone.
type Patch struct {
	Status     *Status
	Step       *int
	Moderation *ModerationResult
	// Reset starts a new pipeline generation: step back to 0, moderation cleared.
	Reset bool
	// At is the occurrence time of the event that produced the patch.
	At time.Time
	// EventID identifies the source event for diagnostics.
	EventID string
}

func statusPtr(s Status) *Status { return &s }
func stepPtr(n int) *int         { return &n }

// PatchFor derives the registry transition implied by ev. It returns false for
// events that do not move a submission (unknown kinds).
func PatchFor(ev Event) (Patch, bool) {
	p := Patch{At: ev.Timestamp, EventID: ev.ID}
	switch ev.Kind() {
	case KindUploaded:
		p.Status = statusPtr(StatusUploaded)
	case KindNormalized:
		p.Status, p.Step = statusPtr(StatusProcessing), stepPtr(1)
	case KindTranscribed:
		p.Status, p.Step = statusPtr(StatusProcessing), stepPtr(2)
	case KindModerated:
		p.Step = stepPtr(3)
		p.Status = statusPtr(StatusProcessing)
		if mp, ok := ev.Payload.(ModeratedPayload); ok && mp.Result != "" {
			r := mp.Result
			p.Moderation = &r
			switch r {
			case ModerationReject:
				p.Status = statusPtr(StatusRejected)
			case ModerationQuarantine:
				p.Status = statusPtr(StatusQuarantined)
			}
		}
	case KindRejected:
		p.Status = statusPtr(StatusRejected)
	case KindQuarantined:
		p.Status = statusPtr(StatusQuarantined)
	case KindTagged:
		p.Status, p.Step = statusPtr(StatusProcessing), stepPtr(4)
	case KindAnonymized:
		p.Status, p.Step = statusPtr(StatusProcessing), stepPtr(5)
	case KindPublished:
		p.Status, p.Step = statusPtr(StatusApproved), stepPtr(MaxStep)
	case KindReprocessRequested:
		p.Reset = true
		p.Status, p.Step = statusPtr(StatusUploaded), stepPtr(0)
	default:
		return Patch{}, false
	}
	return p, true
}
