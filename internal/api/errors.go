// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	xglog "github.com/ManuGH/voxtrack/internal/log"
	"github.com/ManuGH/voxtrack/internal/model"
)

type errorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// classifyError maps tracker errors to an HTTP status and a stable code.
// Not-found is checked first: a backend 404 also matches ErrTransport.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrAuth):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "backend_timeout"
	case errors.Is(err, model.ErrTransport), errors.Is(err, model.ErrDecode):
		return http.StatusBadGateway, "backend_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError logs err and writes the mapped error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code, slug := classifyError(err)
	logger := xglog.WithContext(r.Context(), s.logger)
	ev := logger.Warn()
	if code >= http.StatusInternalServerError {
		ev = logger.Error()
	}
	ev.Err(err).
		Str(xglog.FieldEvent, "api."+op+"_failed").
		Int(xglog.FieldStatus, code).
		Msg("request failed")

	resp := errorResponse{Error: slug, RequestID: xglog.RequestIDFromContext(r.Context())}
	if code != http.StatusInternalServerError {
		resp.Detail = err.Error()
	}
	writeJSON(w, code, resp)
}
