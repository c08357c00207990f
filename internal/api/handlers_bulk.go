package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/pipeline"
	"github.com/job-pipeline/internal/storage"
	"github.com/job-pipeline/internal/types"
)

const (
	defaultStaleAfter = time.Hour
	defaultStatsSince = 7 * 24 * time.Hour
)

type bulkRequestBody struct {
	Pipeline types.Stage     `json:"pipeline"`
	JobIDs   []int64         `json:"jobIds"`
	Payload  json.RawMessage `json:"payload"`
}

// handleBulk handles POST /api/bulk/{action}. Item failures are part of a 200 response.
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	raw := mux.Vars(r)["action"]
	action, ok := types.ParseActionType(raw)
	if !ok {
		respondError(w, http.StatusNotFound, apperrors.CodeNotFound, fmt.Sprintf("unknown bulk action %q", raw), nil)
		return
	}

	var body bulkRequestBody
	if err := parseJSONBody(r, &body); err != nil {
		respondServiceError(w, r, err)
		return
	}
	payload, err := pipeline.DecodePayload(action, body.Payload)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.pipeline.Bulk(r.Context(), actor, pipeline.BulkRequest{
		Action:   action,
		Pipeline: body.Pipeline,
		JobIDs:   body.JobIDs,
		Payload:  payload,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleListBulkActions handles GET /api/bulk-actions?status=&limit=
func (s *Server) handleListBulkActions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	entries, err := s.pipeline.ListBulkActions(r.Context(), storage.BulkActionLogFilter{
		Status: types.BulkStatus(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"bulkActions": entries})
}

// handleStaleBulkActions handles GET /api/bulk-actions/stale?olderThan=1h
func (s *Server) handleStaleBulkActions(w http.ResponseWriter, r *http.Request) {
	olderThan, err := queryDuration(r, "olderThan", defaultStaleAfter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	entries, err := s.pipeline.ListStaleBulkActions(r.Context(), olderThan)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"olderThan":   olderThan.String(),
		"bulkActions": entries,
	})
}

// handleGetBulkAction handles GET /api/bulk-actions/{id}
func (s *Server) handleGetBulkAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	entry, err := s.pipeline.GetBulkAction(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, entry)
}

// handleBulkActionStats handles GET /api/bulk-actions/stats?since=168h from the archive
func (s *Server) handleBulkActionStats(w http.ResponseWriter, r *http.Request) {
	if s.archiveStats == nil {
		respondError(w, http.StatusServiceUnavailable, "Unavailable", "The bulk action archive is not enabled", nil)
		return
	}
	window, err := queryDuration(r, "since", defaultStatsSince)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	since := time.Now().UTC().Add(-window)
	stats, err := s.archiveStats.Stats(r.Context(), since)
	if err != nil {
		respondServiceError(w, r, apperrors.NewStorageError("read archive stats", err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"since": since,
		"stats": stats,
	})
}

func queryDuration(r *http.Request, name string, fallback time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, apperrors.NewInvalidPayloadError(name, fmt.Sprintf("%q is not a duration", raw))
	}
	return d, nil
}
