// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/voxtrack/internal/classify"
	xglog "github.com/ManuGH/voxtrack/internal/log"
	"github.com/ManuGH/voxtrack/internal/model"
	"github.com/ManuGH/voxtrack/internal/reconcile"
)

// SubmissionView is a submission with its derived display category.
type SubmissionView struct {
	model.Submission
	Category classify.Category `json:"category"`
}

// SubmissionList is the body of GET /api/v1/submissions.
type SubmissionList struct {
	Filter      classify.Filter       `json:"filter"`
	Total       int                   `json:"total"`
	Counts      map[classify.Kind]int `json:"counts"`
	Submissions []SubmissionView      `json:"submissions"`
}

// TimelineResponse is the body of GET /api/v1/submissions/{id}/events.
type TimelineResponse struct {
	SubmissionID string        `json:"submission_id"`
	Events       []model.Event `json:"events"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Version string `json:"version,omitempty"`
	reconcile.Status
}

func newView(sub model.Submission) SubmissionView {
	return SubmissionView{Submission: sub, Category: classify.Classify(sub)}
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	filter, ok := classify.ParseFilter(r.URL.Query().Get("filter"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:  "invalid_filter",
			Detail: "filter must be one of all, processing, approved, rejected, quarantined",
		})
		return
	}

	all := s.tracker.Submissions()
	counts := make(map[classify.Kind]int, len(classify.Kinds()))
	for _, k := range classify.Kinds() {
		counts[k] = 0
	}
	views := make([]SubmissionView, 0, len(all))
	for _, sub := range all {
		v := newView(sub)
		counts[v.Category.Kind]++
		if filter.Match(sub) {
			views = append(views, v)
		}
	}

	writeJSON(w, http.StatusOK, SubmissionList{
		Filter:      filter,
		Total:       len(all),
		Counts:      counts,
		Submissions: views,
	})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sub, err := s.tracker.Lookup(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, newView(sub))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	events, err := s.tracker.Timeline(r.Context(), id)
	if err != nil {
		s.writeError(w, r, "timeline", err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, TimelineResponse{SubmissionID: id, Events: events})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Version: s.cfg.Version, Status: s.tracker.Status()})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.Refresh(r.Context()); err != nil {
		s.writeError(w, r, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Version: s.cfg.Version, Status: s.tracker.Status()})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.tracker.Reprocess(r.Context(), id); err != nil {
		s.writeError(w, r, "reprocess", err)
		return
	}
	logger := xglog.WithContext(r.Context(), s.logger)
	logger.Info().
		Str(xglog.FieldEvent, "api.reprocess_accepted").
		Str(xglog.FieldSubmissionID, id).
		Msg("reprocess accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "reprocess_requested"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.tracker.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, "delete", err)
		return
	}
	logger := xglog.WithContext(r.Context(), s.logger)
	logger.Info().
		Str(xglog.FieldEvent, "api.deleted").
		Str(xglog.FieldSubmissionID, id).
		Msg("submission deleted")
	w.WriteHeader(http.StatusNoContent)
}

// pathID reads the {id} URL parameter, rejecting blank ids.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_id"})
		return "", false
	}
	return id, true
}
