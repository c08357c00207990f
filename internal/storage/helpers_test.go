package storage

import (
	"context"
	"testing"
	"time"

	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/types"
	"github.com/stretchr/testify/require"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestSQLite opens a throwaway in-memory store
func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// createTestJob inserts a job with the given dates
func createTestJob(t *testing.T, q Queries, dates models.Dates) *models.Job {
	t.Helper()
	job := &models.Job{
		Name:       "Roof survey",
		ClientKind: types.ClientIndividual,
		ProductIDs: []int64{3, 7},
		Dates:      dates,
		CreatedBy:  1,
	}
	require.NoError(t, q.CreateJob(testContext(t), job))
	return job
}
