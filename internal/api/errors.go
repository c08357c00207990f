package api

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/logging"
	"github.com/job-pipeline/internal/types"
	"github.com/gorilla/mux"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	writeError(w, statusCode, &types.ServiceError{
		Code:    code,
		Message: message,
		Details: details,
	})
}

func writeError(w http.ResponseWriter, statusCode int, svcErr *types.ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: *svcErr})
}

// respondServiceError maps an engine error onto its HTTP status. System errors are logged
// and their message replaced.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetHTTPStatusCode(err)
	svcErr := apperrors.Categorize(err).ToServiceError()

	logger := logging.FromContext(r.Context()).WithField("code", svcErr.Code)
	switch {
	case apperrors.IsSystemError(err):
		logger.WithError(err).Error("Request failed")
		svcErr = &types.ServiceError{Code: svcErr.Code, Message: "An internal error occurred"}
	case apperrors.IsUserError(err):
		logger.WithField("message", svcErr.Message).Debug("Request rejected")
	}
	writeError(w, status, svcErr)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body. An empty body leaves v untouched.
func parseJSONBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && !stderrors.Is(err, io.EOF) {
		return apperrors.NewInvalidPayloadError("body", err.Error())
	}
	return nil
}

// pathID reads a positive integer route variable
func pathID(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.NewInvalidPayloadError(name, fmt.Sprintf("%q is not a valid id", raw))
	}
	return id, nil
}

// queryInt reads an optional non-negative integer query parameter
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.NewInvalidPayloadError(name, fmt.Sprintf("%q is not a non-negative integer", raw))
	}
	return n, nil
}
