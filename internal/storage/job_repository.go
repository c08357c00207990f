package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/types"
)

const pgJobColumns = `id, name, site_id, client_id, client_kind, product_ids::text, dates::text,
	stage, created_by, created_at, updated_at`

// jobRow holds the raw column values that need decoding after a scan
type jobRow struct {
	job        models.Job
	clientKind *string
	productIDs string
	dates      string
}

func (r *jobRow) finish() (*models.Job, error) {
	var err error
	r.job.ClientKind = clientKindValue(r.clientKind)
	if r.job.ProductIDs, err = decodeIDs(r.productIDs); err != nil {
		return nil, err
	}
	if r.job.Dates, err = decodeDates(r.dates); err != nil {
		return nil, err
	}
	return &r.job, nil
}

func scanPgJob(row pgx.Row) (*models.Job, error) {
	var r jobRow
	err := row.Scan(
		&r.job.ID,
		&r.job.Name,
		&r.job.SiteID,
		&r.job.ClientID,
		&r.clientKind,
		&r.productIDs,
		&r.dates,
		&r.job.Stage,
		&r.job.CreatedBy,
		&r.job.CreatedAt,
		&r.job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r.finish()
}

// CreateJob inserts a job and fills in its id and timestamps
func (q *pgQueries) CreateJob(ctx context.Context, job *models.Job) error {
	prepareJob(job)

	productIDs, err := encodeJSON(job.ProductIDs)
	if err != nil {
		return err
	}
	dates, err := encodeJSON(job.Dates)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (name, site_id, client_id, client_kind, product_ids, dates, stage, created_by)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err = q.db.QueryRow(ctx, query,
		job.Name,
		job.SiteID,
		job.ClientID,
		clientKindParam(job.ClientKind),
		productIDs,
		dates,
		job.Stage,
		job.CreatedBy,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by id
func (q *pgQueries) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	query := `SELECT ` + pgJobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanPgJob(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return job, nil
}

// LockJob retrieves a job with FOR UPDATE so concurrent mutators on the same job serialize
func (q *pgQueries) LockJob(ctx context.Context, id int64) (*models.Job, error) {
	query := `SELECT ` + pgJobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`

	job, err := scanPgJob(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock job %d: %w", id, err)
	}
	return job, nil
}

// UpdateJobDates replaces the dates document of a job
func (q *pgQueries) UpdateJobDates(ctx context.Context, id int64, dates models.Dates) error {
	raw, err := encodeJSON(dates)
	if err != nil {
		return err
	}

	result, err := q.db.Exec(ctx, `UPDATE jobs SET dates = $2::jsonb, updated_at = now() WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("failed to update job dates: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobStage writes the cached stage column
func (q *pgQueries) UpdateJobStage(ctx context.Context, id int64, stage types.Stage) error {
	result, err := q.db.Exec(ctx, `UPDATE jobs SET stage = $2, updated_at = now() WHERE id = $1`, id, stage)
	if err != nil {
		return fmt.Errorf("failed to update job stage: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteJob removes a job row
func (q *pgQueries) DeleteJob(ctx context.Context, id int64) error {
	result, err := q.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListJobs lists jobs ordered by id, optionally in one stage
func (q *pgQueries) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `
		SELECT ` + pgJobColumns + `
		FROM jobs
		WHERE ($1::text = '' OR stage = $1::text)
		ORDER BY id
		LIMIT $2 OFFSET $3
	`

	rows, err := q.db.Query(ctx, query, string(filter.Stage), normalizeLimit(filter.Limit), filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// ListJobIDs pages through every job id in ascending order
func (q *pgQueries) ListJobIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT id FROM jobs WHERE id > $1 ORDER BY id LIMIT $2`, afterID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list job ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountJobsByStage counts jobs per cached stage. Every stage is present in the result.
func (q *pgQueries) CountJobsByStage(ctx context.Context) ([]models.StageCount, error) {
	rows, err := q.db.Query(ctx, `SELECT stage, COUNT(*) FROM jobs GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Stage]int64)
	for rows.Next() {
		var stage types.Stage
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stage count: %w", err)
		}
		counts[stage] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage counts: %w", err)
	}

	return stageCounts(counts), nil
}

func stageCounts(counts map[types.Stage]int64) []models.StageCount {
	out := make([]models.StageCount, 0, len(types.AllStages))
	for _, stage := range types.AllStages {
		out = append(out, models.StageCount{Stage: stage, Count: counts[stage]})
	}
	return out
}
