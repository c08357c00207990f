package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/notify"
	"github.com/job-pipeline/internal/pipeline"
	"github.com/job-pipeline/internal/storage"
	"github.com/job-pipeline/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	managerHeaders = map[string]string{"X-User-ID": "2", "X-User-Roles": "manager"}
	pilotHeaders   = map[string]string{"X-User-ID": "3", "X-User-Roles": "pilot"}
	clientHeaders  = map[string]string{"X-User-ID": "4", "X-User-Roles": "client"}
)

type testEnv struct {
	server   *Server
	store    *storage.SQLiteStore
	notifier *notify.RedisNotifier
}

// createTestServer wires the real engine over in-memory SQLite and a miniredis notifier
func createTestServer(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	notifier := notify.NewRedisNotifier(client, "", 0)

	engine := pipeline.NewEngine(store, nil, pipeline.Options{
		Clock:  func() time.Time { return time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC) },
		Logger: quietLogger(),
	})
	t.Cleanup(engine.Wait)

	server := NewServer(testServerConfig(), engine, store, WithLogger(quietLogger()), WithNotifications(notifier))
	return &testEnv{server: server, store: store, notifier: notifier}
}

func (e *testEnv) createJob(t *testing.T, name string) int64 {
	t.Helper()
	w := doRequest(e.server, "POST", "/api/jobs", map[string]interface{}{"name": name}, asAdmin())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var job models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.Equal(t, types.StageBids, job.Stage)
	return job.ID
}

func decodeJob(t *testing.T, body []byte) models.Job {
	t.Helper()
	var job models.Job
	require.NoError(t, json.Unmarshal(body, &job))
	return job
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	env := createTestServer(t)
	id := env.createJob(t, "Roof survey")
	base := fmt.Sprintf("/api/jobs/%d", id)

	steps := []struct {
		path    string
		body    interface{}
		headers map[string]string
		stage   types.Stage
	}{
		{"/approve", map[string]interface{}{"approvedFlight": "2024-03-20"}, managerHeaders, types.StageBids},
		{"/schedule", map[string]interface{}{"scheduledDate": "2024-03-20", "scheduledFlight": "2024-03-20", "personsAssigned": []int64{3}}, managerHeaders, types.StageScheduled},
		{"/log-flight", map[string]interface{}{"flownDate": "2024-03-20", "flightLog": map[string]interface{}{"duration": 40}}, pilotHeaders, types.StageProcessingDeliver},
		{"/deliver", nil, pilotHeaders, types.StageProcessingDeliver},
		{"/bill", map[string]interface{}{"invoiceNumber": "INV-7", "amountPayable": 250}, managerHeaders, types.StageBill},
		{"/bill-paid", map[string]interface{}{"invoicePaid": true}, asAdmin(), types.StageCompleted},
	}
	for _, step := range steps {
		w := doRequest(env.server, "POST", base+step.path, step.body, step.headers)
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", step.path, w.Body.String())
		assert.Equal(t, step.stage, decodeJob(t, w.Body.Bytes()).Stage, step.path)
	}

	w := doRequest(env.server, "GET", base, nil, clientHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	var view struct {
		models.Job
		Metadata map[string]string `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "2024-03-15", view.Dates[models.DateDelivered])
	assert.Equal(t, "INV-7", view.Metadata[models.MetaInvoiceNumber])
	assert.Equal(t, "1", view.Metadata[models.MetaInvoicePaid])
}

func TestRoleChecksOverHTTP(t *testing.T) {
	env := createTestServer(t)
	id := env.createJob(t, "Field scan")
	base := fmt.Sprintf("/api/jobs/%d", id)

	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		headers  map[string]string
		expected int
	}{
		{"pilot cannot bill", "POST", base + "/bill", map[string]interface{}{"invoiceNumber": "INV-1"}, pilotHeaders, http.StatusForbidden},
		{"client cannot approve", "POST", base + "/approve", map[string]interface{}{"approvedFlight": "2024-03-20"}, clientHeaders, http.StatusForbidden},
		{"pilot cannot delete", "DELETE", base, nil, pilotHeaders, http.StatusForbidden},
		{"pilot cannot bulk", "POST", "/api/bulk/approve", map[string]interface{}{"jobIds": []int64{id}, "payload": map[string]interface{}{"approvedFlight": "2024-03-20"}}, pilotHeaders, http.StatusForbidden},
		{"client cannot create", "POST", "/api/jobs", map[string]interface{}{"name": "x"}, clientHeaders, http.StatusForbidden},
		{"pilot can resolve", "POST", base + "/resolve", nil, pilotHeaders, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(env.server, tt.method, tt.path, tt.body, tt.headers)
			assert.Equal(t, tt.expected, w.Code, w.Body.String())
		})
	}
}

func TestBulkBillOverHTTP(t *testing.T) {
	env := createTestServer(t)
	first := env.createJob(t, "A")
	second := env.createJob(t, "B")

	w := doRequest(env.server, "POST", "/api/bulk/bill", map[string]interface{}{
		"pipeline": "processing-deliver",
		"jobIds":   []int64{first, second, 999},
		"payload":  map[string]interface{}{"invoiceNumber": "INV-100"},
	}, managerHeaders)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result pipeline.BulkResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, types.BulkStatusPartial, result.Status)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, int64(999), result.Errors[0].JobID)
	assert.Equal(t, "NotFound", result.Errors[0].Error)

	w = doRequest(env.server, "GET", fmt.Sprintf("/api/bulk-actions/%d", result.LogID), nil, managerHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	var entry models.BulkActionLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	assert.Equal(t, types.BulkStatusPartial, entry.Status)
	assert.Equal(t, types.ActionBill, entry.ActionType)
	assert.NotNil(t, entry.CompletedAt)

	w = doRequest(env.server, "GET", "/api/bulk-actions?status=partial", nil, managerHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		BulkActions []models.BulkActionLog `json:"bulkActions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.BulkActions, 1)

	w = doRequest(env.server, "GET", "/api/bulk-actions/stale?olderThan=1m", nil, managerHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"bulkActions":[]`)

	w = doRequest(env.server, "GET", "/api/bulk-actions/4242", nil, managerHeaders)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBulkRejectedRequestsOverHTTP(t *testing.T) {
	env := createTestServer(t)
	id := env.createJob(t, "A")

	tests := []struct {
		name     string
		path     string
		body     interface{}
		expected int
	}{
		{"unknown action", "/api/bulk/launch", map[string]interface{}{"jobIds": []int64{id}}, http.StatusNotFound},
		{"schedule is not bulk", "/api/bulk/schedule", map[string]interface{}{"jobIds": []int64{id}}, http.StatusBadRequest},
		{"empty ids", "/api/bulk/delete", map[string]interface{}{"jobIds": []int64{}}, http.StatusBadRequest},
		{"invalid payload", "/api/bulk/bill", map[string]interface{}{"jobIds": []int64{id}, "payload": map[string]interface{}{}}, http.StatusBadRequest},
		{"bad pipeline", "/api/bulk/delete", map[string]interface{}{"pipeline": "launch", "jobIds": []int64{id}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(env.server, "POST", tt.path, tt.body, asAdmin())
			assert.Equal(t, tt.expected, w.Code, w.Body.String())
		})
	}

	w := doRequest(env.server, "GET", "/api/bulk-actions", nil, asAdmin())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"bulkActions":[]`)
}

func TestListJobsAndCountsOverHTTP(t *testing.T) {
	env := createTestServer(t)
	id := env.createJob(t, "A")
	env.createJob(t, "B")

	w := doRequest(env.server, "POST", fmt.Sprintf("/api/jobs/%d/schedule", id), map[string]interface{}{
		"scheduledDate": "2024-03-20", "scheduledFlight": "2024-03-20", "personsAssigned": []int64{3},
	}, managerHeaders)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(env.server, "GET", "/api/jobs?stage=scheduled", nil, managerHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Jobs []models.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, id, list.Jobs[0].ID)

	w = doRequest(env.server, "GET", "/api/jobs?stage=launch", nil, managerHeaders)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doRequest(env.server, "GET", "/api/jobs?limit=-1", nil, managerHeaders)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(env.server, "GET", "/api/pipeline/counts", nil, managerHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	var counts struct {
		Counts []models.StageCount `json:"counts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &counts))
	assert.Contains(t, counts.Counts, models.StageCount{Stage: types.StageBids, Count: 1})
	assert.Contains(t, counts.Counts, models.StageCount{Stage: types.StageScheduled, Count: 1})
}

func TestDeleteJobOverHTTP(t *testing.T) {
	env := createTestServer(t)
	id := env.createJob(t, "A")
	path := fmt.Sprintf("/api/jobs/%d", id)

	w := doRequest(env.server, "DELETE", path, nil, asAdmin())
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(env.server, "GET", path, nil, asAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(env.server, "DELETE", path, nil, asAdmin())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNotificationsOverHTTP(t *testing.T) {
	env := createTestServer(t)
	ctx := context.Background()
	require.NoError(t, env.notifier.Notify(ctx, 3, "job_scheduled", "Flight scheduled", "first", ""))
	require.NoError(t, env.notifier.Notify(ctx, 3, "job_scheduled", "Flight scheduled", "second", ""))
	require.NoError(t, env.notifier.Notify(ctx, 4, "job_delivered", "Delivered", "other user", ""))

	w := doRequest(env.server, "GET", "/api/notifications?limit=10", nil, pilotHeaders)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Notifications []notify.InAppNotification `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Notifications, 2)
	assert.Equal(t, "second", resp.Notifications[0].Message)
}

func TestHealthWithStore(t *testing.T) {
	env := createTestServer(t)
	w := doRequest(env.server, "GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
