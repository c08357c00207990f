package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/types"
)

const sqliteJobColumns = `id, name, site_id, client_id, client_kind, product_ids, dates,
	stage, created_by, created_at, updated_at`

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row sqlScanner) (*models.Job, error) {
	var r jobRow
	var createdMs, updatedMs int64
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
		&createdMs,
		&updatedMs,
	)
	if err != nil {
		return nil, err
	}
	r.job.CreatedAt = fromMillis(createdMs)
	r.job.UpdatedAt = fromMillis(updatedMs)
	return r.finish()
}

func (q *sqliteQueries) CreateJob(ctx context.Context, job *models.Job) error {
	prepareJob(job)

	productIDs, err := encodeJSON(job.ProductIDs)
	if err != nil {
		return err
	}
	dates, err := encodeJSON(job.Dates)
	if err != nil {
		return err
	}
	now := nowMillis()

	result, err := q.db.ExecContext(ctx,
		`INSERT INTO jobs (name, site_id, client_id, client_kind, product_ids, dates, stage, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Name,
		job.SiteID,
		job.ClientID,
		clientKindParam(job.ClientKind),
		productIDs,
		dates,
		string(job.Stage),
		job.CreatedBy,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if job.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read job id: %w", err)
	}
	job.CreatedAt = fromMillis(now)
	job.UpdatedAt = job.CreatedAt
	return nil
}

func (q *sqliteQueries) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanSQLiteJob(q.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return job, nil
}

// LockJob is a plain read: the single connection already serializes transactions
func (q *sqliteQueries) LockJob(ctx context.Context, id int64) (*models.Job, error) {
	return q.GetJob(ctx, id)
}

func (q *sqliteQueries) UpdateJobDates(ctx context.Context, id int64, dates models.Dates) error {
	raw, err := encodeJSON(dates)
	if err != nil {
		return err
	}
	result, err := q.db.ExecContext(ctx, `UPDATE jobs SET dates = ?, updated_at = ? WHERE id = ?`, raw, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update job dates: %w", err)
	}
	return requireRow(result)
}

func (q *sqliteQueries) UpdateJobStage(ctx context.Context, id int64, stage types.Stage) error {
	result, err := q.db.ExecContext(ctx, `UPDATE jobs SET stage = ?, updated_at = ? WHERE id = ?`, string(stage), nowMillis(), id)
	if err != nil {
		return fmt.Errorf("failed to update job stage: %w", err)
	}
	return requireRow(result)
}

func (q *sqliteQueries) DeleteJob(ctx context.Context, id int64) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return requireRow(result)
}

func (q *sqliteQueries) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs`
	args := []any{}
	if filter.Stage != "" {
		query += ` WHERE stage = ?`
		args = append(args, string(filter.Stage))
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), filter.Offset)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
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

func (q *sqliteQueries) ListJobIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id FROM jobs WHERE id > ? ORDER BY id LIMIT ?`, afterID, normalizeLimit(limit))
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

func (q *sqliteQueries) CountJobsByStage(ctx context.Context) ([]models.StageCount, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM jobs GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Stage]int64)
	for rows.Next() {
		var stage string
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stage count: %w", err)
		}
		counts[types.Stage(stage)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stage counts: %w", err)
	}
	return stageCounts(counts), nil
}

func (q *sqliteQueries) UpsertMetadata(ctx context.Context, jobID int64, key, value string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO job_meta (job_id, meta_key, meta_value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (job_id, meta_key) DO UPDATE SET meta_value = excluded.meta_value, updated_at = excluded.updated_at`,
		jobID, key, value, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert metadata %q: %w", key, err)
	}
	return nil
}

func (q *sqliteQueries) GetMetadata(ctx context.Context, jobID int64, key string) (string, bool, error) {
	var value string
	err := q.db.QueryRowContext(ctx, `SELECT meta_value FROM job_meta WHERE job_id = ? AND meta_key = ?`, jobID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get metadata %q: %w", key, err)
	}
	return value, true, nil
}

func (q *sqliteQueries) ListMetadata(ctx context.Context, jobID int64) (map[string]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT meta_key, meta_value FROM job_meta WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		meta[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metadata: %w", err)
	}
	return meta, nil
}

func (q *sqliteQueries) DeleteMetadata(ctx context.Context, jobID int64) (int64, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM job_meta WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete metadata: %w", err)
	}
	return result.RowsAffected()
}

const sqliteBulkLogColumns = `id, action_type, pipeline, job_ids, job_count, performed_by,
	status, error_details, created_at, completed_at`

func scanSQLiteBulkLog(row sqlScanner) (*models.BulkActionLog, error) {
	var entry models.BulkActionLog
	var jobIDs string
	var details *string
	var createdMs int64
	var completedMs sql.NullInt64

	err := row.Scan(
		&entry.ID,
		&entry.ActionType,
		&entry.Pipeline,
		&jobIDs,
		&entry.JobCount,
		&entry.PerformedBy,
		&entry.Status,
		&details,
		&createdMs,
		&completedMs,
	)
	if err != nil {
		return nil, err
	}

	entry.CreatedAt = fromMillis(createdMs)
	if completedMs.Valid {
		t := fromMillis(completedMs.Int64)
		entry.CompletedAt = &t
	}
	if entry.JobIDs, err = decodeIDs(jobIDs); err != nil {
		return nil, err
	}
	if entry.ErrorDetails, err = decodeItemErrors(details); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (q *sqliteQueries) CreateBulkActionLog(ctx context.Context, entry *models.BulkActionLog) error {
	jobIDs, err := encodeJSON(entry.JobIDs)
	if err != nil {
		return err
	}
	details, err := encodeItemErrors(entry.ErrorDetails)
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var completed *int64
	if entry.CompletedAt != nil {
		ms := entry.CompletedAt.UnixMilli()
		completed = &ms
	}

	result, err := q.db.ExecContext(ctx,
		`INSERT INTO bulk_action_logs (action_type, pipeline, job_ids, job_count, performed_by, status, error_details, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.ActionType),
		string(entry.Pipeline),
		jobIDs,
		entry.JobCount,
		entry.PerformedBy,
		string(entry.Status),
		details,
		entry.CreatedAt.UnixMilli(),
		completed,
	)
	if err != nil {
		return fmt.Errorf("failed to create bulk action log: %w", err)
	}
	if entry.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read bulk action log id: %w", err)
	}
	return nil
}

func (q *sqliteQueries) FinalizeBulkActionLog(ctx context.Context, id int64, status types.BulkStatus, details []models.ItemError, completedAt time.Time) error {
	raw, err := encodeItemErrors(details)
	if err != nil {
		return err
	}

	result, err := q.db.ExecContext(ctx,
		`UPDATE bulk_action_logs SET status = ?, error_details = ?, completed_at = ? WHERE id = ? AND status = 'started'`,
		string(status), raw, completedAt.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize bulk action log: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finalize bulk action log: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = q.db.QueryRowContext(ctx, `SELECT status FROM bulk_action_logs WHERE id = ?`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read bulk action log status: %w", err)
	}
	return ErrAlreadyFinalized
}

func (q *sqliteQueries) GetBulkActionLog(ctx context.Context, id int64) (*models.BulkActionLog, error) {
	entry, err := scanSQLiteBulkLog(q.db.QueryRowContext(ctx, `SELECT `+sqliteBulkLogColumns+` FROM bulk_action_logs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bulk action log %d: %w", id, err)
	}
	return entry, nil
}

func (q *sqliteQueries) ListBulkActionLogs(ctx context.Context, filter BulkActionLogFilter) ([]*models.BulkActionLog, error) {
	query := `SELECT ` + sqliteBulkLogColumns + ` FROM bulk_action_logs WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CreatedBefore != nil {
		query += ` AND created_at < ?`
		args = append(args, filter.CreatedBefore.UnixMilli())
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bulk action logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.BulkActionLog, 0)
	for rows.Next() {
		entry, err := scanSQLiteBulkLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bulk action log: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bulk action logs: %w", err)
	}
	return entries, nil
}

func (q *sqliteQueries) GetUserContact(ctx context.Context, userID int64) (*models.Contact, error) {
	var c models.Contact
	var id int64
	err := q.db.QueryRowContext(ctx, `SELECT id, email, full_name FROM users WHERE id = ?`, userID).Scan(&id, &c.Email, &c.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user contact: %w", err)
	}
	c.UserID = &id
	return &c, nil
}

func (q *sqliteQueries) GetOrganizationContact(ctx context.Context, orgID int64) (*models.Contact, error) {
	var c models.Contact
	err := q.db.QueryRowContext(ctx,
		`SELECT o.name, COALESCE(NULLIF(o.contact_email, ''), u.email, ''), o.contact_user_id
		 FROM organizations o LEFT JOIN users u ON u.id = o.contact_user_id
		 WHERE o.id = ?`, orgID,
	).Scan(&c.Name, &c.Email, &c.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get organization contact: %w", err)
	}
	return &c, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
