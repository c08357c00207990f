package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/job-pipeline/internal/config"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "job_pipeline_test",
		User:           "pipeline",
		Password:       "pipeline_dev_password",
		MaxConnections: 5,
	}
}

// newTestPostgresStore connects and migrates, or skips when Postgres is not available
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	migrations, err := filepath.Abs(filepath.Join("..", "..", "migrations", "postgres"))
	require.NoError(t, err)
	if _, err := os.Stat(migrations); err != nil {
		t.Skipf("Skipping test - migrations not found: %v", err)
	}
	require.NoError(t, RunMigrations(cfg.URL(), migrations))

	return NewPostgresStore(db)
}

func TestNewPostgresDB(t *testing.T) {
	store := newTestPostgresStore(t)
	assert.NoError(t, store.Ping(testContext(t)))
	assert.NotNil(t, store.db.Pool())
}

func TestPostgresStore_JobAndMetadata(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := testContext(t)

	job := &models.Job{Name: "pg job", ClientKind: types.ClientIndividual, CreatedBy: 1}
	require.NoError(t, store.CreateJob(ctx, job))
	t.Cleanup(func() { _ = store.DeleteJob(testContext(t), job.ID) })

	err := store.InTx(ctx, func(q Queries) error {
		locked, err := q.LockJob(ctx, job.ID)
		if err != nil {
			return err
		}
		dates := locked.Dates.Clone()
		dates[models.DateScheduled] = "2024-04-01"
		if err := q.UpdateJobDates(ctx, job.ID, dates); err != nil {
			return err
		}
		if err := q.UpsertMetadata(ctx, job.ID, models.MetaScheduledFlight, "2024-04-01"); err != nil {
			return err
		}
		return q.UpdateJobStage(ctx, job.ID, types.StageScheduled)
	})
	require.NoError(t, err)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StageScheduled, got.Stage)
	assert.Equal(t, "2024-04-01", got.Dates[models.DateScheduled])

	meta, err := store.ListMetadata(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-04-01", meta[models.MetaScheduledFlight])

	_, err = store.GetJob(ctx, -1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_FinalizeOnce(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := testContext(t)

	entry := &models.BulkActionLog{
		ActionType: types.ActionDelete, Pipeline: types.StageBids, JobIDs: []int64{1},
		JobCount: 1, PerformedBy: 1, Status: types.BulkStatusStarted,
	}
	require.NoError(t, store.CreateBulkActionLog(ctx, entry))

	require.NoError(t, store.FinalizeBulkActionLog(ctx, entry.ID, types.BulkStatusCompleted, nil, entry.CreatedAt))
	assert.ErrorIs(t, store.FinalizeBulkActionLog(ctx, entry.ID, types.BulkStatusFailed, nil, entry.CreatedAt), ErrAlreadyFinalized)

	got, err := store.GetBulkActionLog(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BulkStatusCompleted, got.Status)
	assert.Nil(t, got.ErrorDetails)
}
