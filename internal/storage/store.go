// Package storage provides the job store backends (Postgres and SQLite), the Redis cache
// and the ClickHouse audit archive.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/types"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyFinalized is returned when a bulk action log is no longer in the started state
	ErrAlreadyFinalized = errors.New("bulk action log already finalized")
)

// JobQueries reads and writes job rows
type JobQueries interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	// LockJob reads a job and holds a row lock until the surrounding transaction ends
	LockJob(ctx context.Context, id int64) (*models.Job, error)
	UpdateJobDates(ctx context.Context, id int64, dates models.Dates) error
	UpdateJobStage(ctx context.Context, id int64, stage types.Stage) error
	DeleteJob(ctx context.Context, id int64) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	ListJobIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
	CountJobsByStage(ctx context.Context) ([]models.StageCount, error)
}

// MetadataQueries reads and writes job_meta rows
type MetadataQueries interface {
	UpsertMetadata(ctx context.Context, jobID int64, key, value string) error
	GetMetadata(ctx context.Context, jobID int64, key string) (string, bool, error)
	ListMetadata(ctx context.Context, jobID int64) (map[string]string, error)
	DeleteMetadata(ctx context.Context, jobID int64) (int64, error)
}

// BulkActionLogQueries reads and writes the bulk action audit log
type BulkActionLogQueries interface {
	CreateBulkActionLog(ctx context.Context, entry *models.BulkActionLog) error
	// FinalizeBulkActionLog moves a started entry to a terminal status. It returns
	// ErrAlreadyFinalized if the entry is not in the started state.
	FinalizeBulkActionLog(ctx context.Context, id int64, status types.BulkStatus, details []models.ItemError, completedAt time.Time) error
	GetBulkActionLog(ctx context.Context, id int64) (*models.BulkActionLog, error)
	ListBulkActionLogs(ctx context.Context, filter BulkActionLogFilter) ([]*models.BulkActionLog, error)
}

// ContactQueries resolves who to notify about a job
type ContactQueries interface {
	GetUserContact(ctx context.Context, userID int64) (*models.Contact, error)
	GetOrganizationContact(ctx context.Context, orgID int64) (*models.Contact, error)
}

// Queries is everything the engine runs against a store, inside or outside a transaction
type Queries interface {
	JobQueries
	MetadataQueries
	BulkActionLogQueries
	ContactQueries
}

// Store is a job store backend
type Store interface {
	Queries
	// InTx runs fn in a single transaction. The transaction commits if fn returns nil
	// and rolls back otherwise. fn must only use the Queries it is given.
	InTx(ctx context.Context, fn func(q Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Stage  types.Stage // empty means every stage
	Limit  int
	Offset int
}

// BulkActionLogFilter narrows ListBulkActionLogs
type BulkActionLogFilter struct {
	Status        types.BulkStatus // empty means every status
	CreatedBefore *time.Time
	Limit         int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// JSON columns are written as text on both backends

func encodeJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(raw), nil
}

func encodeItemErrors(details []models.ItemError) (*string, error) {
	if details == nil {
		return nil, nil
	}
	s, err := encodeJSON(details)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeDates(raw string) (models.Dates, error) {
	dates := models.Dates{}
	if raw == "" {
		return dates, nil
	}
	if err := json.Unmarshal([]byte(raw), &dates); err != nil {
		return nil, fmt.Errorf("failed to decode dates: %w", err)
	}
	return dates, nil
}

func decodeIDs(raw string) ([]int64, error) {
	ids := []int64{}
	if raw == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("failed to decode id list: %w", err)
	}
	return ids, nil
}

func decodeItemErrors(raw *string) ([]models.ItemError, error) {
	if raw == nil || *raw == "" || *raw == "null" {
		return nil, nil
	}
	var details []models.ItemError
	if err := json.Unmarshal([]byte(*raw), &details); err != nil {
		return nil, fmt.Errorf("failed to decode error details: %w", err)
	}
	return details, nil
}

func clientKindParam(kind types.ClientKind) *string {
	if kind == "" {
		return nil
	}
	s := string(kind)
	return &s
}

func clientKindValue(s *string) types.ClientKind {
	if s == nil {
		return ""
	}
	return types.ClientKind(*s)
}

func prepareJob(job *models.Job) {
	if job.Dates == nil {
		job.Dates = models.Dates{}
	}
	if job.ProductIDs == nil {
		job.ProductIDs = []int64{}
	}
	if job.Stage == "" {
		job.Stage = types.StageBids
	}
}
