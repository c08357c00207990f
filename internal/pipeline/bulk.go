package pipeline

import (
	"context"
	"fmt"
	"sort"

	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/logging"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/notify"
	"github.com/job-pipeline/internal/types"
	"golang.org/x/sync/errgroup"
)

// DefaultBulkConcurrency is the number of items a bulk call runs at once
const DefaultBulkConcurrency = 4

// ItemFunc applies one action to one job and returns the side effects of the success
type ItemFunc func(ctx context.Context, jobID int64) ([]notify.Effect, error)

// BulkResult is the aggregate outcome of one bulk call
type BulkResult struct {
	LogID     int64              `json:"logId"`
	Total     int                `json:"total"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Errors    []models.ItemError `json:"errors"`
	Status    types.BulkStatus   `json:"status"`
	// Warning is set when the audit entry could not be finalized
	Warning string `json:"warning,omitempty"`
}

// BulkExecutor runs one action over many jobs. Each item is isolated: its failure is recorded
// and never stops or rolls back the others.
type BulkExecutor struct {
	audit       *AuditLogger
	concurrency int
	logger      *logging.Logger
}

// NewBulkExecutor creates a bulk executor
func NewBulkExecutor(audit *AuditLogger, concurrency int, logger *logging.Logger) *BulkExecutor {
	if concurrency <= 0 {
		concurrency = DefaultBulkConcurrency
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &BulkExecutor{
		audit:       audit,
		concurrency: concurrency,
		logger:      logger.WithField("component", "bulk"),
	}
}

type itemOutcome struct {
	effects []notify.Effect
	err     error
}

// Run opens the audit entry, runs fn for every job id and finalizes the entry. Once the entry
// is open the run is not cancelled by ctx. The returned effects belong to succeeded items
// and are left to the caller to dispatch.
func (b *BulkExecutor) Run(ctx context.Context, actor types.Actor, action types.ActionType, origin types.Stage, jobIDs []int64, fn ItemFunc) (*BulkResult, []notify.Effect, error) {
	ids := uniqueIDs(jobIDs)
	if len(ids) == 0 {
		return nil, nil, apperrors.NewInvalidPayloadError("jobIds", "at least one job id is required")
	}

	logID, err := b.audit.Open(ctx, action, origin, ids, actor)
	if err != nil {
		return nil, nil, err
	}

	logger := b.logger.WithFields(map[string]interface{}{
		"logId":  logID,
		"action": string(action),
		"actor":  actor.ID,
		"jobs":   len(ids),
	})
	logger.Info("Bulk action started")

	runCtx := context.WithoutCancel(ctx)
	outcomes := make([]itemOutcome, len(ids))

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			outcomes[i] = runItem(runCtx, fn, id)
			return nil
		})
	}
	_ = g.Wait()

	result := &BulkResult{
		LogID:  logID,
		Total:  len(ids),
		Errors: []models.ItemError{},
	}
	var effects []notify.Effect
	for i, out := range outcomes {
		if out.err != nil {
			catErr := apperrors.Categorize(out.err)
			result.Errors = append(result.Errors, models.ItemError{
				JobID:   ids[i],
				Error:   catErr.Code,
				Message: catErr.Message,
			})
			continue
		}
		result.Succeeded++
		effects = append(effects, out.effects...)
	}
	result.Failed = len(result.Errors)
	sort.Slice(result.Errors, func(i, j int) bool { return result.Errors[i].JobID < result.Errors[j].JobID })
	result.Status = bulkStatus(result.Succeeded, result.Failed)

	if err := b.audit.Finalize(runCtx, logID, result.Status, result.Errors); err != nil {
		result.Warning = fmt.Sprintf("audit log %d was not finalized: %s", logID, apperrors.Categorize(err).Message)
		logger.WithError(err).Error("Failed to finalize bulk action log")
	}

	logger.WithFields(map[string]interface{}{
		"status":    string(result.Status),
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	}).Info("Bulk action finished")

	return result, effects, nil
}

// runItem runs fn for one job and turns a panic into an item error
func runItem(ctx context.Context, fn ItemFunc, jobID int64) (out itemOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = itemOutcome{err: apperrors.NewInternalError(fmt.Sprintf("job %d: panic: %v", jobID, r), nil)}
		}
	}()
	effects, err := fn(ctx, jobID)
	return itemOutcome{effects: effects, err: err}
}

func bulkStatus(succeeded, failed int) types.BulkStatus {
	switch {
	case failed == 0:
		return types.BulkStatusCompleted
	case succeeded == 0:
		return types.BulkStatusFailed
	default:
		return types.BulkStatusPartial
	}
}

// uniqueIDs drops repeated ids, keeping the first occurrence
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
