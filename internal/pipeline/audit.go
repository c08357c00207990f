package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/logging"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/storage"
	"github.com/job-pipeline/internal/types"
)

// Archiver mirrors finalized bulk action logs to a reporting store
type Archiver interface {
	Archive(ctx context.Context, entry *models.BulkActionLog) error
}

const archiveTimeout = 30 * time.Second

// AuditLogger records bulk invocations: one entry opened before any item runs and finalized
// exactly once afterwards
type AuditLogger struct {
	store    storage.BulkActionLogQueries
	archiver Archiver
	clock    func() time.Time
	logger   *logging.Logger

	wg sync.WaitGroup
}

// NewAuditLogger creates an audit logger. archiver may be nil.
func NewAuditLogger(store storage.BulkActionLogQueries, archiver Archiver, clock func() time.Time, logger *logging.Logger) *AuditLogger {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &AuditLogger{
		store:    store,
		archiver: archiver,
		clock:    clock,
		logger:   logger.WithField("component", "audit"),
	}
}

// Open writes a started entry for the bulk call and returns its id
func (a *AuditLogger) Open(ctx context.Context, action types.ActionType, pipeline types.Stage, jobIDs []int64, actor types.Actor) (int64, error) {
	entry := &models.BulkActionLog{
		ActionType:  action,
		Pipeline:    pipeline,
		JobIDs:      jobIDs,
		JobCount:    len(jobIDs),
		PerformedBy: actor.ID,
		Status:      types.BulkStatusStarted,
		CreatedAt:   a.clock().UTC(),
	}
	if err := a.store.CreateBulkActionLog(ctx, entry); err != nil {
		return 0, apperrors.NewStorageError("open bulk action log", err)
	}
	return entry.ID, nil
}

// Finalize moves the entry to its terminal status. A second finalize of the same entry is a
// Conflict. Empty itemErrors are stored as null.
func (a *AuditLogger) Finalize(ctx context.Context, logID int64, status types.BulkStatus, itemErrors []models.ItemError) error {
	if !status.IsTerminal() {
		return apperrors.NewInvalidPayloadError("status", fmt.Sprintf("%q is not a terminal status", status))
	}
	var details []models.ItemError
	if len(itemErrors) > 0 {
		details = itemErrors
	}

	err := a.store.FinalizeBulkActionLog(ctx, logID, status, details, a.clock().UTC())
	switch {
	case err == nil:
	case stderrors.Is(err, storage.ErrAlreadyFinalized):
		return apperrors.NewConflictError(fmt.Sprintf("bulk action log %d is already finalized", logID))
	case stderrors.Is(err, storage.ErrNotFound):
		return apperrors.NewNotFoundError("bulk action log", logID)
	default:
		return apperrors.NewStorageError("finalize bulk action log", err)
	}

	if a.archiver != nil {
		a.archive(ctx, logID)
	}
	return nil
}

// archive copies the finalized entry in the background; failures are only logged
func (a *AuditLogger) archive(ctx context.Context, logID int64) {
	entry, err := a.store.GetBulkActionLog(ctx, logID)
	if err != nil {
		a.logger.WithError(err).WithField("logId", logID).Warn("Failed to read bulk action log for archiving")
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()
		if err := a.archiver.Archive(archiveCtx, entry); err != nil {
			a.logger.WithError(err).WithField("logId", logID).Warn("Failed to archive bulk action log")
		}
	}()
}

// Wait blocks until background archive writes have finished
func (a *AuditLogger) Wait() {
	a.wg.Wait()
}
