package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/types"
)

// AuditArchiveRepository mirrors finalized bulk action logs into ClickHouse for reporting.
// The Postgres/SQLite log stays the source of truth.
type AuditArchiveRepository struct {
	db *ClickHouseDB
}

// NewAuditArchiveRepository creates a new archive repository
func NewAuditArchiveRepository(db *ClickHouseDB) *AuditArchiveRepository {
	return &AuditArchiveRepository{db: db}
}

// BulkActionStat aggregates archived bulk actions per action type and status
type BulkActionStat struct {
	ActionType types.ActionType `json:"actionType"`
	Status     types.BulkStatus `json:"status"`
	Runs       uint64           `json:"runs"`
	Jobs       uint64           `json:"jobs"`
	FailedJobs uint64           `json:"failedJobs"`
}

// Archive writes one finalized log entry
func (r *AuditArchiveRepository) Archive(ctx context.Context, entry *models.BulkActionLog) error {
	if !entry.Status.IsTerminal() {
		return fmt.Errorf("bulk action log %d is not finalized", entry.ID)
	}

	details, err := encodeJSON(entry.ErrorDetails)
	if err != nil {
		return err
	}
	completedAt := entry.CreatedAt
	if entry.CompletedAt != nil {
		completedAt = *entry.CompletedAt
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO bulk_action_archive (
			id, action_type, pipeline, job_ids, job_count, performed_by,
			status, failed_count, error_details, created_at, completed_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare archive batch: %w", err)
	}

	err = batch.Append(
		entry.ID,
		string(entry.ActionType),
		string(entry.Pipeline),
		entry.JobIDs,
		uint32(entry.JobCount), // #nosec G115 - bounded by the bulk size limit
		entry.PerformedBy,
		string(entry.Status),
		uint32(len(entry.ErrorDetails)), // #nosec G115 - bounded by job count
		details,
		entry.CreatedAt,
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append bulk action log %d: %w", entry.ID, err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send archive batch: %w", err)
	}
	return nil
}

// Stats aggregates archived runs completed at or after since
func (r *AuditArchiveRepository) Stats(ctx context.Context, since time.Time) ([]BulkActionStat, error) {
	query := `
		SELECT action_type, status, count() AS runs, sum(job_count) AS jobs, sum(failed_count) AS failed_jobs
		FROM bulk_action_archive FINAL
		WHERE completed_at >= ?
		GROUP BY action_type, status
		ORDER BY action_type, status
	`

	rows, err := r.db.Conn().Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive stats: %w", err)
	}
	defer rows.Close()

	stats := make([]BulkActionStat, 0)
	for rows.Next() {
		var actionType, status string
		var s BulkActionStat
		if err := rows.Scan(&actionType, &status, &s.Runs, &s.Jobs, &s.FailedJobs); err != nil {
			return nil, fmt.Errorf("failed to scan archive stats: %w", err)
		}
		s.ActionType = types.ActionType(actionType)
		s.Status = types.BulkStatus(status)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archive stats: %w", err)
	}
	return stats, nil
}
