package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// UpsertMetadata sets a metadata value, replacing any previous value for the key
func (q *pgQueries) UpsertMetadata(ctx context.Context, jobID int64, key, value string) error {
	query := `
		INSERT INTO job_meta (job_id, meta_key, meta_value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (job_id, meta_key)
		DO UPDATE SET meta_value = EXCLUDED.meta_value, updated_at = EXCLUDED.updated_at
	`

	if _, err := q.db.Exec(ctx, query, jobID, key, value); err != nil {
		return fmt.Errorf("failed to upsert metadata %q: %w", key, err)
	}
	return nil
}

// GetMetadata returns a single value and whether it exists
func (q *pgQueries) GetMetadata(ctx context.Context, jobID int64, key string) (string, bool, error) {
	var value string
	err := q.db.QueryRow(ctx, `SELECT meta_value FROM job_meta WHERE job_id = $1 AND meta_key = $2`, jobID, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get metadata %q: %w", key, err)
	}
	return value, true, nil
}

// ListMetadata returns every metadata entry of a job as a map
func (q *pgQueries) ListMetadata(ctx context.Context, jobID int64) (map[string]string, error) {
	rows, err := q.db.Query(ctx, `SELECT meta_key, meta_value FROM job_meta WHERE job_id = $1`, jobID)
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

// DeleteMetadata removes every metadata entry of a job
func (q *pgQueries) DeleteMetadata(ctx context.Context, jobID int64) (int64, error) {
	result, err := q.db.Exec(ctx, `DELETE FROM job_meta WHERE job_id = $1`, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete metadata: %w", err)
	}
	return result.RowsAffected(), nil
}
