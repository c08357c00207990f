package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/pipeline"
	"github.com/job-pipeline/internal/storage"
	"github.com/job-pipeline/internal/types"
)

// handleCreateJob handles POST /api/jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	var req pipeline.NewJob
	if err := parseJSONBody(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	job, err := s.pipeline.CreateJob(r.Context(), actor, req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

// handleListJobs handles GET /api/jobs?stage=&limit=&offset=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	filter := storage.JobFilter{
		Stage:  types.Stage(r.URL.Query().Get("stage")),
		Limit:  limit,
		Offset: offset,
	}
	jobs, err := s.pipeline.ListJobs(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"stage":  filter.Stage,
		"limit":  limit,
		"offset": offset,
	})
}

// handleGetJob handles GET /api/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID(r, "id")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	view, err := s.pipeline.GetJob(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// handleJobAction handles POST /api/jobs/{id}/{action} for every single-job mutation except delete
func (s *Server) handleJobAction(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	jobID, err := pathID(r, "id")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	raw := mux.Vars(r)["action"]
	action, ok := types.ParseActionType(raw)
	if !ok || action == types.ActionDelete {
		respondError(w, http.StatusNotFound, apperrors.CodeNotFound, fmt.Sprintf("unknown job action %q", raw), nil)
		return
	}

	var body json.RawMessage
	if err := parseJSONBody(r, &body); err != nil {
		respondServiceError(w, r, err)
		return
	}
	payload, err := pipeline.DecodePayload(action, body)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	job, err := s.pipeline.Apply(r.Context(), actor, action, jobID, payload)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleDeleteJob handles DELETE /api/jobs/{id}
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	jobID, err := pathID(r, "id")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if err := s.pipeline.Delete(r.Context(), actor, jobID); err != nil {
		respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleResolveJob handles POST /api/jobs/{id}/resolve
func (s *Server) handleResolveJob(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	jobID, err := pathID(r, "id")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	job, err := s.pipeline.ResolveJob(r.Context(), actor, jobID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleStageCounts handles GET /api/pipeline/counts
func (s *Server) handleStageCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.pipeline.StageCounts(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"counts": counts})
}

// handleListNotifications handles GET /api/notifications?limit=
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	if s.notifications == nil {
		respondError(w, http.StatusServiceUnavailable, "Unavailable", "In-app notifications are not enabled", nil)
		return
	}
	actor, _ := ActorFromContext(r.Context())
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	items, err := s.notifications.List(r.Context(), actor.ID, limit)
	if err != nil {
		respondServiceError(w, r, apperrors.NewStorageError("list notifications", err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"notifications": items})
}
