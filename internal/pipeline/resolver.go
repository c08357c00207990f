// Package pipeline implements the job pipeline: stage derivation, the job mutators, the bulk
// executor with its audit log, and the Engine that ties them to the store and the side-effect
// dispatcher.
package pipeline

import (
	"context"

	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/storage"
	"github.com/job-pipeline/internal/types"
)

type stageRule struct {
	stage types.Stage
	match func(dates models.Dates, metadata map[string]string) bool
}

// stageRules are evaluated top to bottom, most advanced stage first. Only presence is
// checked: a billed date without a flown date still means bill.
var stageRules = []stageRule{
	{types.StageCompleted, func(d models.Dates, _ map[string]string) bool { return d.Has(models.DateBillPaid) }},
	{types.StageBill, func(d models.Dates, _ map[string]string) bool { return d.Has(models.DateBilled) }},
	{types.StageProcessingDeliver, func(d models.Dates, _ map[string]string) bool { return d.Has(models.DateFlown) }},
	{types.StageScheduled, func(d models.Dates, m map[string]string) bool {
		return d.Has(models.DateScheduled) || m[models.MetaScheduledFlight] != ""
	}},
}

// ResolveStage derives a job's stage from its dates and metadata
func ResolveStage(dates models.Dates, metadata map[string]string) types.Stage {
	for _, rule := range stageRules {
		if rule.match(dates, metadata) {
			return rule.stage
		}
	}
	return types.StageBids
}

// resolveAndPersist re-reads the job inside q, resolves its stage and stores it
func resolveAndPersist(ctx context.Context, q storage.Queries, jobID int64) (*models.Job, error) {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, storageError("read job", jobID, err)
	}
	metadata, err := NewMetadataStore(q).GetAll(ctx, jobID)
	if err != nil {
		return nil, err
	}

	job.Stage = ResolveStage(job.Dates, metadata)
	if err := q.UpdateJobStage(ctx, jobID, job.Stage); err != nil {
		return nil, storageError("persist stage", jobID, err)
	}
	return job, nil
}
