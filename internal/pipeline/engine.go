package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/logging"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/notify"
	"github.com/job-pipeline/internal/storage"
	"github.com/job-pipeline/internal/types"
)

// Dispatcher accepts side effects for background delivery
type Dispatcher interface {
	Dispatch(effects ...notify.Effect)
}

// StageCountCache caches the per-stage job counts
type StageCountCache interface {
	// GetStageCounts also returns the generation a freshly computed value is stored under
	GetStageCounts(ctx context.Context) ([]models.StageCount, int64, bool, error)
	SetStageCounts(ctx context.Context, generation int64, counts []models.StageCount) error
	InvalidateStageCounts(ctx context.Context) error
}

// Options configures an Engine. Zero values pick defaults.
type Options struct {
	BulkConcurrency int
	MaxBulkJobs     int
	Clock           func() time.Time
	LinkBase        string // prefix for links in notifications
	Cache           StageCountCache
	Archiver        Archiver
	Logger          *logging.Logger
}

// DefaultMaxBulkJobs bounds the number of job ids in one bulk call
const DefaultMaxBulkJobs = 500

// Engine is the entry point for every job transition. Single-item calls run one mutator in
// one transaction; Bulk runs a mutator over many jobs under an audit entry. Side effects are
// handed to the dispatcher after the transitions committed.
type Engine struct {
	store       storage.Store
	dispatcher  Dispatcher
	cache       StageCountCache
	audit       *AuditLogger
	bulk        *BulkExecutor
	clock       func() time.Time
	linkBase    string
	maxBulkJobs int
	logger      *logging.Logger
}

// NewEngine creates an engine over store. dispatcher may be nil, in which case side effects
// are discarded.
func NewEngine(store storage.Store, dispatcher Dispatcher, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}
	if opts.MaxBulkJobs <= 0 {
		opts.MaxBulkJobs = DefaultMaxBulkJobs
	}

	audit := NewAuditLogger(store, opts.Archiver, opts.Clock, opts.Logger)
	return &Engine{
		store:       store,
		dispatcher:  dispatcher,
		cache:       opts.Cache,
		audit:       audit,
		bulk:        NewBulkExecutor(audit, opts.BulkConcurrency, opts.Logger),
		clock:       opts.Clock,
		linkBase:    strings.TrimRight(opts.LinkBase, "/"),
		maxBulkJobs: opts.MaxBulkJobs,
		logger:      opts.Logger.WithField("component", "engine"),
	}
}

// Wait blocks until background audit archiving has finished
func (e *Engine) Wait() {
	e.audit.Wait()
}

func (e *Engine) today() string {
	return e.clock().UTC().Format(models.DateLayout)
}

var (
	staffRoles    = []types.Role{types.RoleAdmin, types.RoleManager}
	mutationRoles = []types.Role{types.RoleAdmin, types.RoleManager, types.RolePilot}
)

func requireRoles(actor types.Actor, verb string, roles ...types.Role) error {
	if actor.ID <= 0 {
		return apperrors.NewUnauthorizedError("an acting user is required")
	}
	if !actor.HasAnyRole(roles...) {
		return apperrors.NewForbiddenError(fmt.Sprintf("user %d may not %s", actor.ID, verb))
	}
	return nil
}

// authorize checks the actor may run action. Billing, deletion and every bulk call are
// restricted to staff.
func authorize(actor types.Actor, action types.ActionType, bulk bool) error {
	roles := mutationRoles
	switch {
	case bulk, action == types.ActionBill, action == types.ActionBillPaid, action == types.ActionDelete:
		roles = staffRoles
	}
	return requireRoles(actor, string(action)+" jobs", roles...)
}

// Apply runs one mutator on one job. The returned job reflects the committed state and is nil
// for delete.
func (e *Engine) Apply(ctx context.Context, actor types.Actor, action types.ActionType, jobID int64, payload Payload) (*models.Job, error) {
	if err := authorize(actor, action, false); err != nil {
		return nil, err
	}
	if payload == nil {
		var err error
		if payload, err = NewPayload(action); err != nil {
			return nil, err
		}
	}
	if err := payload.Normalize(e.today()); err != nil {
		return nil, err
	}

	job, effects, err := e.mutate(ctx, action, jobID, payload)
	if err != nil {
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"action": string(action),
			"jobId":  jobID,
			"actor":  actor.ID,
		}).Warn("Job mutation failed")
		return nil, err
	}

	e.afterMutation(ctx, effects)
	return job, nil
}

// Approve records the approved flight date
func (e *Engine) Approve(ctx context.Context, actor types.Actor, jobID int64, p ApprovePayload) (*models.Job, error) {
	return e.Apply(ctx, actor, types.ActionApprove, jobID, &p)
}

// Schedule sets the scheduled date and flight and assigns pilots
func (e *Engine) Schedule(ctx context.Context, actor types.Actor, jobID int64, p SchedulePayload) (*models.Job, error) {
	return e.Apply(ctx, actor, types.ActionSchedule, jobID, &p)
}

// LogFlight records the flight and its log
func (e *Engine) LogFlight(ctx context.Context, actor types.Actor, jobID int64, p LogFlightPayload) (*models.Job, error) {
	return e.Apply(ctx, actor, types.ActionFlightLog, jobID, &p)
}

// Deliver records delivery to the client
func (e *Engine) Deliver(ctx context.Context, actor types.Actor, jobID int64, p DeliverPayload) (*models.Job, error) {
	return e.Apply(ctx, actor, types.ActionDeliver, jobID, &p)
}

// Bill records the invoice
func (e *Engine) Bill(ctx context.Context, actor types.Actor, jobID int64, p BillPayload) (*models.Job, error) {
	return e.Apply(ctx, actor, types.ActionBill, jobID, &p)
}

// MarkBillPaid records payment of the invoice
func (e *Engine) MarkBillPaid(ctx context.Context, actor types.Actor, jobID int64, p BillPaidPayload) (*models.Job, error) {
	return e.Apply(ctx, actor, types.ActionBillPaid, jobID, &p)
}

// Delete removes the job and its metadata
func (e *Engine) Delete(ctx context.Context, actor types.Actor, jobID int64) error {
	_, err := e.Apply(ctx, actor, types.ActionDelete, jobID, &DeletePayload{})
	return err
}

// mutate runs the mutator for action in one transaction. payload must already be normalized.
func (e *Engine) mutate(ctx context.Context, action types.ActionType, jobID int64, payload Payload) (*models.Job, []notify.Effect, error) {
	mutator, ok := mutators[action]
	if !ok {
		return nil, nil, apperrors.NewInvalidPayloadError("action", fmt.Sprintf("unknown action %q", action))
	}

	today := e.today()
	var job *models.Job
	err := e.store.InTx(ctx, func(q storage.Queries) error {
		locked, err := q.LockJob(ctx, jobID)
		if err != nil {
			return storageError("lock job", jobID, err)
		}

		m := &mutation{q: q, meta: NewMetadataStore(q), job: locked, today: today}
		if err := mutator(ctx, m, payload); err != nil {
			return err
		}
		if action == types.ActionDelete {
			return nil
		}

		job, err = resolveAndPersist(ctx, q, jobID)
		return err
	})
	if err != nil {
		return nil, nil, storageError("run "+string(action), jobID, err)
	}

	if job == nil {
		return nil, nil, nil
	}
	return job, e.sideEffects(ctx, action, job, payload), nil
}

// afterMutation drops cached counts and hands effects to the dispatcher
func (e *Engine) afterMutation(ctx context.Context, effects []notify.Effect) {
	e.invalidateCounts(ctx)
	if e.dispatcher != nil && len(effects) > 0 {
		e.dispatcher.Dispatch(effects...)
	}
}

// BulkRequest is one bulk call. Pipeline is the stage the caller selected the jobs from and
// is only recorded in the audit log.
type BulkRequest struct {
	Action   types.ActionType
	Pipeline types.Stage
	JobIDs   []int64
	Payload  Payload
}

// Bulk runs one action over many jobs. Item failures are reported in the result; an error is
// returned only when the call is rejected before any job is touched.
func (e *Engine) Bulk(ctx context.Context, actor types.Actor, req BulkRequest) (*BulkResult, error) {
	if !req.Action.IsBulk() {
		return nil, apperrors.NewInvalidPayloadError("action", fmt.Sprintf("%q cannot be run in bulk", req.Action))
	}
	if err := authorize(actor, req.Action, true); err != nil {
		return nil, err
	}
	if req.Pipeline != "" && !req.Pipeline.IsValid() {
		return nil, apperrors.NewInvalidPayloadError("pipeline", fmt.Sprintf("unknown stage %q", req.Pipeline))
	}
	ids := uniqueIDs(req.JobIDs)
	if len(ids) > e.maxBulkJobs {
		return nil, apperrors.NewInvalidPayloadError("jobIds", fmt.Sprintf("at most %d job ids per call", e.maxBulkJobs))
	}

	payload := req.Payload
	if payload == nil {
		var err error
		if payload, err = NewPayload(req.Action); err != nil {
			return nil, err
		}
	}
	if err := payload.Normalize(e.today()); err != nil {
		return nil, err
	}

	result, effects, err := e.bulk.Run(ctx, actor, req.Action, req.Pipeline, ids, func(ctx context.Context, jobID int64) ([]notify.Effect, error) {
		_, effects, err := e.mutate(ctx, req.Action, jobID, payload)
		return effects, err
	})
	if err != nil {
		return nil, err
	}

	e.afterMutation(context.WithoutCancel(ctx), effects)
	return result, nil
}

// NewJob is the input for creating a job
type NewJob struct {
	Name       string           `json:"name"`
	SiteID     *int64           `json:"siteId,omitempty"`
	ClientID   *int64           `json:"clientId,omitempty"`
	ClientKind types.ClientKind `json:"clientKind,omitempty"`
	ProductIDs []int64          `json:"productIds"`
	Dates      models.Dates     `json:"dates,omitempty"`
	CreatedBy  int64            `json:"createdBy,omitempty"`
}

func (n *NewJob) validate() error {
	n.Name = strings.TrimSpace(n.Name)
	if n.Name == "" {
		return apperrors.NewInvalidPayloadError("name", "is required")
	}
	switch n.ClientKind {
	case "", types.ClientIndividual, types.ClientOrganization:
	default:
		return apperrors.NewInvalidPayloadError("clientKind", fmt.Sprintf("unknown client kind %q", n.ClientKind))
	}
	if n.ClientKind != "" && n.ClientID == nil {
		return apperrors.NewInvalidPayloadError("clientId", "is required when clientKind is set")
	}
	for key, value := range n.Dates {
		if value != "" && !isDate(value) {
			return apperrors.NewInvalidPayloadError("dates."+key, "must be a YYYY-MM-DD date")
		}
	}
	return nil
}

// OccurrenceSource produces the jobs of recurring occurrences that are due
type OccurrenceSource interface {
	Next(ctx context.Context) ([]NewJob, error)
}

// CreateJob inserts a job and resolves its stage
func (e *Engine) CreateJob(ctx context.Context, actor types.Actor, in NewJob) (*models.Job, error) {
	if err := requireRoles(actor, "create jobs", staffRoles...); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.CreatedBy == 0 {
		in.CreatedBy = actor.ID
	}

	var job *models.Job
	err := e.store.InTx(ctx, func(q storage.Queries) error {
		row := &models.Job{
			Name:       in.Name,
			SiteID:     in.SiteID,
			ClientID:   in.ClientID,
			ClientKind: in.ClientKind,
			ProductIDs: in.ProductIDs,
			Dates:      in.Dates.Clone(),
			CreatedBy:  in.CreatedBy,
		}
		if err := q.CreateJob(ctx, row); err != nil {
			return apperrors.NewStorageError("create job", err)
		}
		var err error
		job, err = resolveAndPersist(ctx, q, row.ID)
		return err
	})
	if err != nil {
		return nil, storageError("create job", 0, err)
	}

	e.invalidateCounts(ctx)
	return job, nil
}

// CreateJobs inserts the next batch of jobs from src. It stops at the first failure and
// returns the jobs created so far.
func (e *Engine) CreateJobs(ctx context.Context, actor types.Actor, src OccurrenceSource) ([]*models.Job, error) {
	batch, err := src.Next(ctx)
	if err != nil {
		return nil, apperrors.NewInternalError("occurrence source failed", err)
	}

	created := make([]*models.Job, 0, len(batch))
	for _, in := range batch {
		job, err := e.CreateJob(ctx, actor, in)
		if err != nil {
			return created, err
		}
		created = append(created, job)
	}
	if len(created) > 0 {
		e.logger.WithField("count", len(created)).Info("Created jobs from occurrences")
	}
	return created, nil
}

// ResolveJob recomputes and stores one job's stage
func (e *Engine) ResolveJob(ctx context.Context, actor types.Actor, jobID int64) (*models.Job, error) {
	if err := requireRoles(actor, "resolve jobs", mutationRoles...); err != nil {
		return nil, err
	}

	var job *models.Job
	err := e.store.InTx(ctx, func(q storage.Queries) error {
		if _, err := q.LockJob(ctx, jobID); err != nil {
			return storageError("lock job", jobID, err)
		}
		var err error
		job, err = resolveAndPersist(ctx, q, jobID)
		return err
	})
	if err != nil {
		return nil, storageError("resolve job", jobID, err)
	}

	e.invalidateCounts(ctx)
	return job, nil
}

// StageChange is one job whose cached stage differed from its derived stage
type StageChange struct {
	JobID int64       `json:"jobId"`
	From  types.Stage `json:"from"`
	To    types.Stage `json:"to"`
}

// RestageReport summarizes a Restage run
type RestageReport struct {
	Scanned int                `json:"scanned"`
	Changed []StageChange      `json:"changed"`
	Errors  []models.ItemError `json:"errors"`
}

const restagePageSize = 200

// Restage recomputes the stage of every job and stores the ones that drifted. With dryRun
// nothing is written.
func (e *Engine) Restage(ctx context.Context, dryRun bool) (*RestageReport, error) {
	report := &RestageReport{Changed: []StageChange{}, Errors: []models.ItemError{}}

	var afterID int64
	for {
		ids, err := e.store.ListJobIDs(ctx, afterID, restagePageSize)
		if err != nil {
			return report, apperrors.NewStorageError("list jobs", err)
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++
			change, err := e.restageOne(ctx, id, dryRun)
			if err != nil {
				catErr := apperrors.Categorize(err)
				report.Errors = append(report.Errors, models.ItemError{JobID: id, Error: catErr.Code, Message: catErr.Message})
				continue
			}
			if change != nil {
				report.Changed = append(report.Changed, *change)
			}
		}
		afterID = ids[len(ids)-1]
	}

	if len(report.Changed) > 0 && !dryRun {
		e.invalidateCounts(ctx)
	}
	e.logger.WithFields(map[string]interface{}{
		"scanned": report.Scanned,
		"changed": len(report.Changed),
		"errors":  len(report.Errors),
		"dryRun":  dryRun,
	}).Info("Restage finished")
	return report, nil
}

func (e *Engine) restageOne(ctx context.Context, jobID int64, dryRun bool) (*StageChange, error) {
	var change *StageChange
	err := e.store.InTx(ctx, func(q storage.Queries) error {
		job, err := q.LockJob(ctx, jobID)
		if err != nil {
			return storageError("lock job", jobID, err)
		}
		metadata, err := NewMetadataStore(q).GetAll(ctx, jobID)
		if err != nil {
			return err
		}

		stage := ResolveStage(job.Dates, metadata)
		if stage == job.Stage {
			return nil
		}
		change = &StageChange{JobID: jobID, From: job.Stage, To: stage}
		if dryRun {
			return nil
		}
		if err := q.UpdateJobStage(ctx, jobID, stage); err != nil {
			return storageError("persist stage", jobID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

// GetJob returns a job with its metadata
func (e *Engine) GetJob(ctx context.Context, jobID int64) (*models.JobView, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, storageError("read job", jobID, err)
	}
	metadata, err := NewMetadataStore(e.store).GetAll(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &models.JobView{Job: job, Metadata: metadata}, nil
}

// ListJobs returns jobs, optionally restricted to one stage
func (e *Engine) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*models.Job, error) {
	if filter.Stage != "" && !filter.Stage.IsValid() {
		return nil, apperrors.NewInvalidPayloadError("stage", fmt.Sprintf("unknown stage %q", filter.Stage))
	}
	jobs, err := e.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, apperrors.NewStorageError("list jobs", err)
	}
	return jobs, nil
}

// StageCounts returns the number of jobs per stage, served from the cache when possible
func (e *Engine) StageCounts(ctx context.Context) ([]models.StageCount, error) {
	cacheable := false
	var generation int64
	if e.cache != nil {
		counts, gen, found, err := e.cache.GetStageCounts(ctx)
		if err != nil {
			e.logger.WithError(err).Warn("Stage count cache read failed")
		} else if found {
			return counts, nil
		} else {
			cacheable, generation = true, gen
		}
	}

	counts, err := e.store.CountJobsByStage(ctx)
	if err != nil {
		return nil, apperrors.NewStorageError("count jobs", err)
	}

	if cacheable {
		if err := e.cache.SetStageCounts(ctx, generation, counts); err != nil {
			e.logger.WithError(err).Warn("Stage count cache write failed")
		}
	}
	return counts, nil
}

func (e *Engine) invalidateCounts(ctx context.Context) {
	if e.cache == nil {
		return
	}
	if err := e.cache.InvalidateStageCounts(ctx); err != nil {
		e.logger.WithError(err).Warn("Stage count cache invalidation failed")
	}
}

// GetBulkAction returns one bulk action log entry
func (e *Engine) GetBulkAction(ctx context.Context, id int64) (*models.BulkActionLog, error) {
	entry, err := e.store.GetBulkActionLog(ctx, id)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("bulk action log", id)
		}
		return nil, apperrors.NewStorageError("read bulk action log", err)
	}
	return entry, nil
}

// ListBulkActions returns bulk action log entries, newest first
func (e *Engine) ListBulkActions(ctx context.Context, filter storage.BulkActionLogFilter) ([]*models.BulkActionLog, error) {
	if filter.Status != "" && filter.Status != types.BulkStatusStarted && !filter.Status.IsTerminal() {
		return nil, apperrors.NewInvalidPayloadError("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	entries, err := e.store.ListBulkActionLogs(ctx, filter)
	if err != nil {
		return nil, apperrors.NewStorageError("list bulk action logs", err)
	}
	return entries, nil
}

// ListStaleBulkActions returns entries still started after olderThan. These belong to runs
// that never finished, typically because the process stopped mid-run.
func (e *Engine) ListStaleBulkActions(ctx context.Context, olderThan time.Duration) ([]*models.BulkActionLog, error) {
	cutoff := e.clock().Add(-olderThan)
	return e.ListBulkActions(ctx, storage.BulkActionLogFilter{
		Status:        types.BulkStatusStarted,
		CreatedBefore: &cutoff,
		Limit:         500,
	})
}
