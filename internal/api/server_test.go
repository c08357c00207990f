package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/logging"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/pipeline"
	"github.com/job-pipeline/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPipeline implements only what a test sets; anything else panics and surfaces as a 500
type mockPipeline struct {
	PipelineService
	getJobFunc func(ctx context.Context, jobID int64) (*models.JobView, error)
	applyFunc  func(ctx context.Context, actor types.Actor, action types.ActionType, jobID int64, payload pipeline.Payload) (*models.Job, error)
	bulkFunc   func(ctx context.Context, actor types.Actor, req pipeline.BulkRequest) (*pipeline.BulkResult, error)
}

func (m *mockPipeline) GetJob(ctx context.Context, jobID int64) (*models.JobView, error) {
	return m.getJobFunc(ctx, jobID)
}

func (m *mockPipeline) Apply(ctx context.Context, actor types.Actor, action types.ActionType, jobID int64, payload pipeline.Payload) (*models.Job, error) {
	return m.applyFunc(ctx, actor, action, jobID, payload)
}

func (m *mockPipeline) Bulk(ctx context.Context, actor types.Actor, req pipeline.BulkRequest) (*pipeline.BulkResult, error) {
	return m.bulkFunc(ctx, actor, req)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func testServerConfig() *ServerConfig {
	return &ServerConfig{Host: "127.0.0.1", Port: "0", DefaultRPS: 1000, StaffRPS: 1000}
}

func quietLogger() *logging.Logger {
	return logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard)
}

func createMockServer(p PipelineService, opts ...Option) *Server {
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewServer(testServerConfig(), p, nil, opts...)
}

func doRequest(s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func asAdmin() map[string]string {
	return map[string]string{"X-User-ID": "1", "X-User-Roles": "admin"}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ServiceError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	healthy := NewServer(testServerConfig(), &mockPipeline{}, pingFunc(func(context.Context) error { return nil }), WithLogger(quietLogger()))
	w := doRequest(healthy, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	down := NewServer(testServerConfig(), &mockPipeline{}, pingFunc(func(context.Context) error { return errors.New("db gone") }), WithLogger(quietLogger()))
	w = doRequest(down, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestActorHeaders(t *testing.T) {
	var seen types.Actor
	mock := &mockPipeline{getJobFunc: func(ctx context.Context, jobID int64) (*models.JobView, error) {
		seen, _ = ActorFromContext(ctx)
		return &models.JobView{Job: &models.Job{ID: jobID}}, nil
	}}
	server := createMockServer(mock)

	tests := []struct {
		name     string
		headers  map[string]string
		expected int
	}{
		{"missing actor", nil, http.StatusUnauthorized},
		{"non-numeric id", map[string]string{"X-User-ID": "abc"}, http.StatusUnauthorized},
		{"zero id", map[string]string{"X-User-ID": "0"}, http.StatusUnauthorized},
		{"valid actor", map[string]string{"X-User-ID": "7", "X-User-Roles": " Manager, pilot ,"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(server, "GET", "/api/jobs/5", nil, tt.headers)
			assert.Equal(t, tt.expected, w.Code)
		})
	}

	assert.Equal(t, int64(7), seen.ID)
	assert.Equal(t, []types.Role{types.RoleManager, types.RolePilot}, seen.Roles)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
		code     string
	}{
		{"not found", apperrors.NewNotFoundError("job", 5), http.StatusNotFound, apperrors.CodeNotFound},
		{"invalid payload", apperrors.NewInvalidPayloadError("approvedFlight", "is required"), http.StatusBadRequest, apperrors.CodeInvalidPayload},
		{"forbidden", apperrors.NewForbiddenError("bill requires admin or manager"), http.StatusForbidden, apperrors.CodeForbidden},
		{"storage", apperrors.NewStorageError("update job", errors.New("disk full")), http.StatusInternalServerError, apperrors.CodeStorage},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, apperrors.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockPipeline{applyFunc: func(context.Context, types.Actor, types.ActionType, int64, pipeline.Payload) (*models.Job, error) {
				return nil, tt.err
			}}
			w := doRequest(createMockServer(mock), "POST", "/api/jobs/5/deliver", "", asAdmin())
			assert.Equal(t, tt.expected, w.Code)
			svcErr := decodeError(t, w)
			assert.Equal(t, tt.code, svcErr.Code)
			if tt.expected >= 500 {
				assert.NotContains(t, svcErr.Message, "disk full")
			}
		})
	}
}

func TestInvalidPayloadDetails(t *testing.T) {
	mock := &mockPipeline{applyFunc: func(ctx context.Context, actor types.Actor, action types.ActionType, jobID int64, payload pipeline.Payload) (*models.Job, error) {
		if err := payload.Normalize("2024-03-15"); err != nil {
			return nil, err
		}
		return &models.Job{ID: jobID}, nil
	}}
	server := createMockServer(mock)

	w := doRequest(server, "POST", "/api/jobs/5/bill", map[string]interface{}{"invoiceNumber": ""}, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invoiceNumber", decodeError(t, w).Details["field"])

	w = doRequest(server, "POST", "/api/jobs/5/approve", "{not json", asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(server, "POST", "/api/jobs/5/launch", "", asAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobActionRouting(t *testing.T) {
	var got []types.ActionType
	mock := &mockPipeline{applyFunc: func(ctx context.Context, actor types.Actor, action types.ActionType, jobID int64, payload pipeline.Payload) (*models.Job, error) {
		got = append(got, action)
		return &models.Job{ID: jobID}, nil
	}}
	server := createMockServer(mock)

	for _, path := range []string{"approve", "schedule", "log-flight", "deliver", "bill", "bill-paid"} {
		w := doRequest(server, "POST", "/api/jobs/9/"+path, "", asAdmin())
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
	assert.Equal(t, []types.ActionType{
		types.ActionApprove, types.ActionSchedule, types.ActionFlightLog,
		types.ActionDeliver, types.ActionBill, types.ActionBillPaid,
	}, got)

	w := doRequest(server, "POST", "/api/jobs/9/delete", "", asAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBulkRequestDecoding(t *testing.T) {
	var got pipeline.BulkRequest
	mock := &mockPipeline{bulkFunc: func(ctx context.Context, actor types.Actor, req pipeline.BulkRequest) (*pipeline.BulkResult, error) {
		got = req
		return &pipeline.BulkResult{LogID: 3, Total: len(req.JobIDs), Succeeded: len(req.JobIDs), Errors: []models.ItemError{}, Status: types.BulkStatusCompleted}, nil
	}}
	server := createMockServer(mock)

	w := doRequest(server, "POST", "/api/bulk/bill", map[string]interface{}{
		"pipeline": "processing-deliver",
		"jobIds":   []int64{1, 2},
		"payload":  map[string]interface{}{"invoiceNumber": "INV-9"},
	}, asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, types.ActionBill, got.Action)
	assert.Equal(t, types.StageProcessingDeliver, got.Pipeline)
	assert.Equal(t, []int64{1, 2}, got.JobIDs)
	bill, ok := got.Payload.(*pipeline.BillPayload)
	require.True(t, ok)
	assert.Equal(t, "INV-9", bill.InvoiceNumber)

	var result pipeline.BulkResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, int64(3), result.LogID)
	assert.Contains(t, w.Body.String(), `"errors":[]`)

	w = doRequest(server, "POST", "/api/bulk/bill", map[string]interface{}{"jobIds": []int64{1}, "extra": true}, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	server := createMockServer(&mockPipeline{})
	w := doRequest(server, "GET", "/api/pipeline/counts", nil, asAdmin())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "InternalError", decodeError(t, w).Code)
}

func TestCORSPreflight(t *testing.T) {
	server := createMockServer(&mockPipeline{})
	w := doRequest(server, "OPTIONS", "/api/jobs", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-User-Roles")
}

func TestRequestIDIsEchoed(t *testing.T) {
	server := createMockServer(&mockPipeline{})
	w := doRequest(server, "GET", "/health", nil, map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestCompressionMiddleware(t *testing.T) {
	server := createMockServer(&mockPipeline{})
	w := doRequest(server, "GET", "/health", nil, map[string]string{"Accept-Encoding": "gzip"})
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(body), "healthy")
}

func TestRateLimitByRole(t *testing.T) {
	mock := &mockPipeline{getJobFunc: func(ctx context.Context, jobID int64) (*models.JobView, error) {
		return &models.JobView{Job: &models.Job{ID: jobID}}, nil
	}}
	server := NewServer(&ServerConfig{DefaultRPS: 1, StaffRPS: 1000}, mock, nil, WithLogger(quietLogger()))

	pilot := map[string]string{"X-User-ID": "30", "X-User-Roles": "pilot"}
	limited := 0
	for i := 0; i < 20; i++ {
		if doRequest(server, "GET", "/api/jobs/1", nil, pilot).Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Greater(t, limited, 0)

	manager := map[string]string{"X-User-ID": "31", "X-User-Roles": "manager"}
	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusOK, doRequest(server, "GET", "/api/jobs/1", nil, manager).Code)
	}
}

func TestRateLimitErrorEnvelope(t *testing.T) {
	mock := &mockPipeline{getJobFunc: func(ctx context.Context, jobID int64) (*models.JobView, error) {
		return &models.JobView{Job: &models.Job{ID: jobID}}, nil
	}}
	server := NewServer(&ServerConfig{DefaultRPS: 1, StaffRPS: 1000}, mock, nil, WithLogger(quietLogger()))

	pilot := map[string]string{"X-User-ID": "32", "X-User-Roles": "pilot"}
	var w *httptest.ResponseRecorder
	for i := 0; i < 20; i++ {
		w = doRequest(server, "GET", "/api/jobs/1", nil, pilot)
		if w.Code == http.StatusTooManyRequests {
			break
		}
	}
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	svcErr := decodeError(t, w)
	assert.Equal(t, "RateLimited", svcErr.Code)
	assert.Equal(t, float64(1), svcErr.Details["limit"])
}

func TestOptionalEndpointsDisabled(t *testing.T) {
	server := createMockServer(&mockPipeline{})
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(server, "GET", "/api/notifications", nil, asAdmin()).Code)
	assert.Equal(t, http.StatusServiceUnavailable, doRequest(server, "GET", "/api/bulk-actions/stats", nil, asAdmin()).Code)
}
