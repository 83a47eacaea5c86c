// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID    = "session_id"
	FieldRequestID    = "request_id"
	FieldSubmissionID = "submission_id"
	FieldEventID      = "event_id"
	FieldEventName    = "event_name"
	FieldToken        = "token_fp"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldTrigger   = "trigger"
	FieldAttempt   = "attempt"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Network fields
	FieldBaseURL = "base_url"
	FieldPath    = "path"
	FieldStatus  = "status"
)
