package models

import (
	"time"

	"github.com/job-pipeline/internal/types"
)

// ItemError records why one job in a bulk call failed
type ItemError struct {
	JobID   int64  `json:"jobId"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// BulkActionLog is the audit record of one bulk invocation. JobIDs reference jobs by id only;
// the referenced jobs may since have been deleted.
type BulkActionLog struct {
	ID           int64            `json:"id" db:"id"`
	ActionType   types.ActionType `json:"actionType" db:"action_type"`
	Pipeline     types.Stage      `json:"pipeline" db:"pipeline"`
	JobIDs       []int64          `json:"jobIds" db:"job_ids"`
	JobCount     int              `json:"jobCount" db:"job_count"`
	PerformedBy  int64            `json:"performedBy" db:"performed_by"`
	Status       types.BulkStatus `json:"status" db:"status"`
	ErrorDetails []ItemError      `json:"errorDetails" db:"error_details"`
	CreatedAt    time.Time        `json:"createdAt" db:"created_at"`
	CompletedAt  *time.Time       `json:"completedAt" db:"completed_at"`
}
