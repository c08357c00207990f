package pipeline

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/job-pipeline/internal/logging"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/notify"
	"github.com/job-pipeline/internal/storage"
	"github.com/job-pipeline/internal/types"
	"github.com/stretchr/testify/require"
)

var (
	testNow   = time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	testToday = "2024-03-15"

	adminActor   = types.Actor{ID: 1, Roles: []types.Role{types.RoleAdmin}}
	managerActor = types.Actor{ID: 2, Roles: []types.Role{types.RoleManager}}
	pilotActor   = types.Actor{ID: 3, Roles: []types.Role{types.RolePilot}}
	clientActor  = types.Actor{ID: 4, Roles: []types.Role{types.RoleClient}}
)

type recordingDispatcher struct {
	mu      sync.Mutex
	effects []notify.Effect
}

func (r *recordingDispatcher) Dispatch(effects ...notify.Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, effects...)
}

func (r *recordingDispatcher) notifications() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, e := range r.effects {
		if n, ok := e.(notify.Notification); ok {
			out = append(out, n)
		}
	}
	return out
}

func (r *recordingDispatcher) emails() []notify.Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Email
	for _, e := range r.effects {
		if m, ok := e.(notify.Email); ok {
			out = append(out, m)
		}
	}
	return out
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testLogger() *logging.Logger {
	return logging.NewLoggerWithOutput(logging.LevelError, logging.FormatJSON, io.Discard)
}

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type engineFixture struct {
	engine     *Engine
	store      *storage.SQLiteStore
	dispatcher *recordingDispatcher
}

func newTestEngine(t *testing.T, mod ...func(*Options)) *engineFixture {
	t.Helper()
	store := newTestStore(t)
	dispatcher := &recordingDispatcher{}
	opts := Options{
		BulkConcurrency: 4,
		Clock:           func() time.Time { return testNow },
		LinkBase:        "https://ops.example.com/",
		Logger:          testLogger(),
	}
	for _, m := range mod {
		m(&opts)
	}
	return &engineFixture{
		engine:     NewEngine(store, dispatcher, opts),
		store:      store,
		dispatcher: dispatcher,
	}
}

func createJob(t *testing.T, store storage.Store, dates models.Dates) *models.Job {
	t.Helper()
	job := &models.Job{Name: "Roof survey", Dates: dates, CreatedBy: adminActor.ID}
	require.NoError(t, store.CreateJob(testContext(t), job))
	return job
}

func insertUser(t *testing.T, store *storage.SQLiteStore, email, name string) int64 {
	t.Helper()
	res, err := store.DB().ExecContext(testContext(t), `INSERT INTO users (email, full_name) VALUES (?, ?)`, email, name)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func insertOrganization(t *testing.T, store *storage.SQLiteStore, name, email string, contactUser *int64) int64 {
	t.Helper()
	res, err := store.DB().ExecContext(testContext(t), `INSERT INTO organizations (name, contact_email, contact_user_id) VALUES (?, ?, ?)`, name, email, contactUser)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func mustStage(t *testing.T, store storage.Store, jobID int64) types.Stage {
	t.Helper()
	job, err := store.GetJob(testContext(t), jobID)
	require.NoError(t, err)
	return job.Stage
}
