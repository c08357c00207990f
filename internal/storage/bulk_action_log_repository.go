package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/types"
)

const pgBulkLogColumns = `id, action_type, pipeline, job_ids::text, job_count, performed_by,
	status, error_details::text, created_at, completed_at`

func scanPgBulkLog(row pgx.Row) (*models.BulkActionLog, error) {
	var entry models.BulkActionLog
	var jobIDs string
	var details *string

	err := row.Scan(
		&entry.ID,
		&entry.ActionType,
		&entry.Pipeline,
		&jobIDs,
		&entry.JobCount,
		&entry.PerformedBy,
		&entry.Status,
		&details,
		&entry.CreatedAt,
		&entry.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if entry.JobIDs, err = decodeIDs(jobIDs); err != nil {
		return nil, err
	}
	if entry.ErrorDetails, err = decodeItemErrors(details); err != nil {
		return nil, err
	}
	return &entry, nil
}

// CreateBulkActionLog inserts a log entry and fills in its id
func (q *pgQueries) CreateBulkActionLog(ctx context.Context, entry *models.BulkActionLog) error {
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

	query := `
		INSERT INTO bulk_action_logs (
			action_type, pipeline, job_ids, job_count, performed_by, status, error_details, created_at, completed_at
		)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7::jsonb, $8, $9)
		RETURNING id
	`

	err = q.db.QueryRow(ctx, query,
		entry.ActionType,
		entry.Pipeline,
		jobIDs,
		entry.JobCount,
		entry.PerformedBy,
		entry.Status,
		details,
		entry.CreatedAt,
		entry.CompletedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to create bulk action log: %w", err)
	}

	return nil
}

// FinalizeBulkActionLog moves a started entry to its terminal status
func (q *pgQueries) FinalizeBulkActionLog(ctx context.Context, id int64, status types.BulkStatus, details []models.ItemError, completedAt time.Time) error {
	raw, err := encodeItemErrors(details)
	if err != nil {
		return err
	}

	query := `
		UPDATE bulk_action_logs
		SET status = $2, error_details = $3::jsonb, completed_at = $4
		WHERE id = $1 AND status = 'started'
	`

	result, err := q.db.Exec(ctx, query, id, status, raw, completedAt)
	if err != nil {
		return fmt.Errorf("failed to finalize bulk action log: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = q.db.QueryRow(ctx, `SELECT status FROM bulk_action_logs WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read bulk action log status: %w", err)
	}
	return ErrAlreadyFinalized
}

// GetBulkActionLog retrieves a log entry by id
func (q *pgQueries) GetBulkActionLog(ctx context.Context, id int64) (*models.BulkActionLog, error) {
	query := `SELECT ` + pgBulkLogColumns + ` FROM bulk_action_logs WHERE id = $1`

	entry, err := scanPgBulkLog(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get bulk action log %d: %w", id, err)
	}
	return entry, nil
}

// ListBulkActionLogs lists log entries newest first
func (q *pgQueries) ListBulkActionLogs(ctx context.Context, filter BulkActionLogFilter) ([]*models.BulkActionLog, error) {
	query := `SELECT ` + pgBulkLogColumns + ` FROM bulk_action_logs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.CreatedBefore != nil {
		args = append(args, *filter.CreatedBefore)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bulk action logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.BulkActionLog, 0)
	for rows.Next() {
		entry, err := scanPgBulkLog(rows)
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
