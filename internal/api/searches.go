package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/trialmatch/internal/agent"
	"github.com/nugget/trialmatch/internal/config"
	"github.com/nugget/trialmatch/internal/outcomes"
)

// SearchSummary is the list view of an archived run.
type SearchSummary struct {
	RunID      string       `json:"run_id"`
	Status     agent.Status `json:"status"`
	Success    bool         `json:"success"`
	Iterations int          `json:"iterations"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

func summarize(o *agent.Outcome) SearchSummary {
	return SearchSummary{
		RunID:      o.RunID,
		Status:     o.Status,
		Success:    o.Success,
		Iterations: o.Iterations,
		Error:      o.Error,
		StartedAt:  o.StartedAt,
		FinishedAt: o.FinishedAt,
	}
}

// handleCreateSearch runs the agent for the posted patient criteria and
// returns the outcome. The run is bound to the request, so a client
// that disconnects cancels it at the next iteration boundary.
func (s *Server) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	body, err := captureBody(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	s.logger.Log(r.Context(), config.LevelTrace, "search request", "body", string(body))

	var criteria agent.PatientCriteria
	if err := json.Unmarshal(body, &criteria); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out := s.runner.Run(r.Context(), criteria)
	if out.Status == agent.StatusRejected {
		s.errorResponse(w, http.StatusBadRequest, out.Error)
		return
	}

	if s.archive != nil {
		if err := s.archive.Save(context.WithoutCancel(r.Context()), out); err != nil {
			s.logger.Warn("failed to archive outcome", "run_id", out.RunID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	out, ok := s.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func (s *Server) handlePatientSearches(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "search archive not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	patientID := r.PathValue("id")
	list, err := s.archive.ListByPatient(r.Context(), patientID, limit)
	if err != nil {
		s.logger.Error("list searches failed", "patient_id", patientID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list searches")
		return
	}

	searches := make([]SearchSummary, 0, len(list))
	for _, o := range list {
		searches = append(searches, summarize(o))
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"patient_id": patientID,
		"searches":   searches,
	}, s.logger)
}

// lookup fetches the archived run named by the {id} path value, writing
// the error response itself when it cannot.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*agent.Outcome, bool) {
	if s.archive == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "search archive not configured")
		return nil, false
	}
	id := r.PathValue("id")
	out, err := s.archive.Get(r.Context(), id)
	if errors.Is(err, outcomes.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "search not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get search failed", "run_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load search")
		return nil, false
	}
	return out, true
}
