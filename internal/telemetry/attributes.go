// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Tracker attributes
	SubmissionIDKey    = "submission.id"
	SubmissionCountKey = "submission.count"
	EventCountKey      = "event.count"
	RefreshTriggerKey  = "refresh.trigger"
	SessionIDKey       = "session.id"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// RefreshAttributes describes one snapshot refresh.
func RefreshAttributes(sessionID, trigger string, submissions int) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	attrs = append(attrs,
		attribute.String(RefreshTriggerKey, trigger),
		attribute.Int(SubmissionCountKey, submissions),
	)
	return attrs
}

// TimelineAttributes describes one timeline load.
func TimelineAttributes(submissionID string, events int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SubmissionIDKey, submissionID),
		attribute.Int(EventCountKey, events),
	}
}
