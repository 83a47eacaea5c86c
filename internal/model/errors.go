// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrTransport = errors.New("tracker: transport failure")
	ErrAuth      = errors.New("tracker: authentication required")
	ErrDecode    = errors.New("tracker: malformed event frame")
	ErrConflict  = errors.New("tracker: conflicting update")
	ErrNotFound  = errors.New("tracker: submission not found")
)

// Error wraps one of the sentinel errors with request context.
type Error struct {
	Sentinel error
	Op       string
	Status   int
	Body     string
	Err      error // nested lower-level cause (net.Error, json error)
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Err}
}

// TransportError builds an ErrTransport-classified error.
func TransportError(op string, status int, cause error) error {
	return &Error{Sentinel: ErrTransport, Op: op, Status: status, Err: cause}
}

// AuthError builds an ErrAuth-classified error.
func AuthError(op string) error {
	return &Error{Sentinel: ErrAuth, Op: op, Status: 401}
}

// DecodeError builds an ErrDecode-classified error.
func DecodeError(op string, cause error) error {
	return &Error{Sentinel: ErrDecode, Op: op, Err: cause}
}

// ConflictError builds an ErrConflict-classified error.
func ConflictError(op, detail string) error {
	return &Error{Sentinel: ErrConflict, Op: op, Body: detail}
}

// Retryable reports whether err is worth retrying without re-authentication.
func Retryable(err error) bool {
	return err != nil && errors.Is(err, ErrTransport) && !errors.Is(err, ErrAuth)
}
