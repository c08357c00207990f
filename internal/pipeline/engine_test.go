package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/notify"
	"github.com/job-pipeline/internal/storage"
	"github.com/job-pipeline/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_ScheduleThenLogFlight(t *testing.T) {
	f := newTestEngine(t)
	ctx := testContext(t)
	job := createJob(t, f.store, nil)
	assert.Equal(t, types.StageBids, mustStage(t, f.store, job.ID))

	scheduled, err := f.engine.Schedule(ctx, managerActor, job.ID, SchedulePayload{
		ScheduledDate:   "2024-01-10",
		ScheduledFlight: "2024-01-10",
		PersonsAssigned: []int64{7},
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageScheduled, scheduled.Stage)
	assert.Equal(t, "2024-01-10", scheduled.Dates[models.DateScheduled])

	view, err := f.engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "[7]", view.Metadata[models.MetaPersonsAssigned])
	assert.Equal(t, "2024-01-10", view.Metadata[models.MetaScheduledFlight])

	flown, err := f.engine.LogFlight(ctx, pilotActor, job.ID, LogFlightPayload{
		FlownDate: "2024-01-10",
		FlightLog: json.RawMessage(`{"duration":45}`),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StageProcessingDeliver, flown.Stage)
	assert.Equal(t, testToday, flown.Dates[models.DateLogged])
	assert.Equal(t, "2024-01-10", flown.Dates[models.DateScheduled])
	assert.Equal(t, types.StageProcessingDeliver, mustStage(t, f.store, job.ID))

	value, ok, err := NewMetadataStore(f.store).GetOne(ctx, job.ID, models.MetaFlightLog)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"duration":45}`, value)
}

func TestEngine_FullLifecycle(t *testing.T) {
	f := newTestEngine(t)
	ctx := testContext(t)
	job := createJob(t, f.store, nil)

	_, err := f.engine.Approve(ctx, pilotActor, job.ID, ApprovePayload{ApprovedFlight: "2024-01-05"})
	require.NoError(t, err)
	assert.Equal(t, types.StageBids, mustStage(t, f.store, job.ID))

	_, err = f.engine.Schedule(ctx, adminActor, job.ID, SchedulePayload{ScheduledDate: "2024-01-10", ScheduledFlight: "2024-01-10", PersonsAssigned: []int64{3}})
	require.NoError(t, err)
	_, err = f.engine.LogFlight(ctx, adminActor, job.ID, LogFlightPayload{FlownDate: "2024-01-10", FlightLog: json.RawMessage(`{}`)})
	require.NoError(t, err)

	delivered, err := f.engine.Deliver(ctx, adminActor, job.ID, DeliverPayload{})
	require.NoError(t, err)
	assert.Equal(t, types.StageProcessingDeliver, delivered.Stage)
	assert.Equal(t, testToday, delivered.Dates[models.DateDelivered])

	billed, err := f.engine.Bill(ctx, adminActor, job.ID, BillPayload{InvoiceNumber: "INV-7", AmountPayable: "250.00"})
	require.NoError(t, err)
	assert.Equal(t, types.StageBill, billed.Stage)

	paid, err := f.engine.MarkBillPaid(ctx, managerActor, job.ID, BillPaidPayload{InvoicePaid: NewMarker("1")})
	require.NoError(t, err)
	assert.Equal(t, types.StageCompleted, paid.Stage)

	view, err := f.engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-05", view.Metadata[models.MetaApprovedFlight])
	assert.Equal(t, "INV-7", view.Metadata[models.MetaInvoiceNumber])
	assert.Equal(t, "250.00", view.Metadata[models.MetaAmountPayable])
	assert.Equal(t, "1", view.Metadata[models.MetaInvoicePaid])
}

func TestEngine_DeleteRemovesJobAndMetadata(t *testing.T) {
	f := newTestEngine(t)
	ctx := testContext(t)
	job := createJob(t, f.store, nil)

	_, err := f.engine.Schedule(ctx, adminActor, job.ID, SchedulePayload{ScheduledDate: "2024-01-10", ScheduledFlight: "2024-01-10", PersonsAssigned: []int64{7}})
	require.NoError(t, err)

	require.NoError(t, f.engine.Delete(ctx, adminActor, job.ID))

	metadata, err := NewMetadataStore(f.store).GetAll(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, metadata)

	_, err = f.engine.GetJob(ctx, job.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	_, err = f.engine.ResolveJob(ctx, adminActor, job.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))

	err = f.engine.Delete(ctx, adminActor, job.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestEngine_Errors(t *testing.T) {
	f := newTestEngine(t)
	ctx := testContext(t)
	job := createJob(t, f.store, nil)

	_, err := f.engine.Approve(ctx, adminActor, 999, ApprovePayload{ApprovedFlight: "2024-01-05"})
	assert.Equal(t, apperrors.CodeNotFound, apperrors.KindOf(err))

	_, err = f.engine.Schedule(ctx, adminActor, job.ID, SchedulePayload{ScheduledDate: "2024-01-10", ScheduledFlight: "2024-01-10"})
	assert.Equal(t, apperrors.CodeInvalidPayload, apperrors.KindOf(err))

	// nothing was written by the rejected call
	view, err := f.engine.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, view.Metadata)
	assert.Empty(t, view.Dates)

	_, err = f.engine.Apply(ctx, adminActor, types.ActionApprove, job.ID, &BillPayload{InvoiceNumber: "x"})
	assert.Equal(t, apperrors.CodeInvalidPayload, apperrors.KindOf(err))
}

// metadataFailingStore hands InTx callers queries whose upsert of one key fails
type metadataFailingStore struct {
	storage.Store
	failKey string
}

func (s metadataFailingStore) InTx(ctx context.Context, fn func(q storage.Queries) error) error {
	return s.Store.InTx(ctx, func(q storage.Queries) error {
		return fn(metadataFailingQueries{Queries: q, failKey: s.failKey})
	})
}

type metadataFailingQueries struct {
	storage.Queries
	failKey string
}

func (q metadataFailingQueries) UpsertMetadata(ctx context.Context, jobID int64, key, value string) error {
	if key == q.failKey {
		return errors.New("disk I/O error")
	}
	return q.Queries.UpsertMetadata(ctx, jobID, key, value)
}

func TestEngine_StorageErrorRollsBackMutation(t *testing.T) {
	store := newTestStore(t)
	engine := NewEngine(metadataFailingStore{Store: store, failKey: models.MetaPersonsAssigned}, nil, Options{
		Clock:  func() time.Time { return testNow },
		Logger: testLogger(),
	})
	ctx := testContext(t)
	job := createJob(t, store, nil)

	// dates and scheduled_flight are written before persons_assigned fails
	_, err := engine.Schedule(ctx, adminActor, job.ID, SchedulePayload{
		ScheduledDate:   "2024-01-10",
		ScheduledFlight: "2024-01-10",
		PersonsAssigned: []int64{7},
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeStorage, apperrors.KindOf(err))

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Dates)
	assert.Equal(t, types.StageBids, stored.Stage)

	metadata, err := store.ListMetadata(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, metadata)
}

func TestEngine_Authorization(t *testing.T) {
	f := newTestEngine(t)
	ctx := testContext(t)
	job := createJob(t, f.store, nil)

	tests := []struct {
		name   string
		actor  types.Actor
		action types.ActionType
		want   string
	}{
		{"no actor", types.Actor{}, types.ActionApprove, apperrors.CodeUnauthorized},
		{"client approves", clientActor, types.ActionApprove, apperrors.CodeForbidden},
		{"pilot bills", pilotActor, types.ActionBill, apperrors.CodeForbidden},
		{"pilot deletes", pilotActor, types.ActionDelete, apperrors.CodeForbidden},
		{"pilot marks paid", pilotActor, types.ActionBillPaid, apperrors.CodeForbidden},
		{"pilot delivers", pilotActor, types.ActionDeliver, ""},
		{"manager bills", managerActor, types.ActionBill, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := DecodePayload(tt.action, json.RawMessage(`{"invoiceNumber":"INV-1"}`))
			require.NoError(t, err)
			_, err = f.engine.Apply(ctx, tt.actor, tt.action, job.ID, payload)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.want, apperrors.KindOf(err))
		})
	}

	_, err := f.engine.Bulk(ctx, pilotActor, BulkRequest{Action: types.ActionApprove, JobIDs: []int64{job.ID}, Payload: &ApprovePayload{ApprovedFlight: "2024-01-05"}})
	assert.Equal(t, apperrors.CodeForbidden, apperrors.KindOf(err))
}

func TestEngine_ScheduleNotifiesPilots(t *testing.T) {
	f := newTestEngine(t)
	ctx := testContext(t)
	pilotA := insertUser(t, f.store, "a@example.com", "Pilot A")
	pilotB := insertUser(t, f.store, "", "Pilot B")
	job := createJob(t, f.store, nil)

	_, err := f.engine.Schedule(ctx, adminActor, job.ID, SchedulePayload{
		ScheduledDate:   "2024-01-10",
		ScheduledFlight: "2024-01-11",
		PersonsAssigned: []int64{pilotA, pilotB, 999},
	})
	require.NoError(t, err)

	notifications := f.dispatcher.notifications()
	require.Len(t, notifications, 3)
	for _, n := range notifications {
		assert.Equal(t, notify.TypeJobScheduled, n.Type)
		assert.Equal(t, "https://ops.example.com/jobs/1", n.Link)
	}

	emails := f.dispatcher.emails()
	require.Len(t, emails, 1)
	assert.Equal(t, "a@example.com", emails[0].Recipient)
	assert.Equal(t, notify.TemplateJobScheduled, emails[0].Template)
	assert.Equal(t, "2024-01-11", emails[0].Data["scheduledFlight"])
}

func TestEngine_DeliverNotifiesClient(t *testing.T) {
	f := newTestEngine(t)
	ctx := testContext(t)

	contactUser := insertUser(t, f.store, "owner@acme.test", "Acme Owner")
	orgID := insertOrganization(t, f.store, "Acme", "billing@acme.test", &contactUser)
	orgJob := &models.Job{Name: "Tower scan", ClientID: &orgID, ClientKind: types.ClientOrganization, CreatedBy: adminActor.ID}
	require.NoError(t, f.store.CreateJob(ctx, orgJob))

	_, err := f.engine.Deliver(ctx, adminActor, orgJob.ID, DeliverPayload{DeliveredDate: "2024-03-01"})
	require.NoError(t, err)

	notifications := f.dispatcher.notifications()
	require.Len(t, notifications, 1)
	assert.Equal(t, contactUser, notifications[0].UserID)
	assert.Equal(t, notify.TypeJobDelivered, notifications[0].Type)

	emails := f.dispatcher.emails()
	require.Len(t, emails, 1)
	assert.Equal(t, "billing@acme.test", emails[0].Recipient)
	assert.Equal(t, notify.TemplateJobDelivered, emails[0].Template)
	assert.Equal(t, "2024-03-01", emails[0].Data["deliveredDate"])
}

func TestEngine_BillNotifiesCreatorAndIndividualClient(t *testing.T) {
	f := newTestEngine(t)
	ctx := testContext(t)

	clientID := insertUser(t, f.store, "pat@example.com", "Pat")
	job := &models.Job{Name: "Farm survey", ClientID: &clientID, ClientKind: types.ClientIndividual, CreatedBy: 2}
	require.NoError(t, f.store.CreateJob(ctx, job))

	_, err := f.engine.Bill(ctx, adminActor, job.ID, BillPayload{InvoiceNumber: "INV-9"})
	require.NoError(t, err)

	notifications := f.dispatcher.notifications()
	require.Len(t, notifications, 2)
	assert.Equal(t, int64(2), notifications[0].UserID)
	assert.Equal(t, clientID, notifications[1].UserID)
	for _, n := range notifications {
		assert.Equal(t, notify.TypeJobBilled, n.Type)
		assert.Contains(t, n.Message, "INV-9")
	}
	assert.Empty(t, f.dispatcher.emails())
}

func TestEngine_StageCountsCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := storage.NewCacheService(client, time.Minute)

	f := newTestEngine(t, func(o *Options) { o.Cache = cache })
	ctx := testContext(t)
	job := createJob(t, f.store, nil)
	createJob(t, f.store, models.Dates{models.DateBilled: "2024-01-01"})

	counts, err := f.engine.StageCounts(ctx)
	require.NoError(t, err)
	assert.Contains(t, counts, models.StageCount{Stage: types.StageBids, Count: 2})

	_, _, found, err := cache.GetStageCounts(ctx)
	require.NoError(t, err)
	assert.True(t, found)

	_, err = f.engine.Schedule(ctx, adminActor, job.ID, SchedulePayload{ScheduledDate: "2024-01-10", ScheduledFlight: "2024-01-10", PersonsAssigned: []int64{7}})
	require.NoError(t, err)

	_, _, found, err = cache.GetStageCounts(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	counts, err = f.engine.StageCounts(ctx)
	require.NoError(t, err)
	assert.Contains(t, counts, models.StageCount{Stage: types.StageScheduled, Count: 1})
	assert.Contains(t, counts, models.StageCount{Stage: types.StageBids, Count: 1})
}

// countingStore runs hook after every stage count query
type countingStore struct {
	storage.Store
	hook func()
}

func (s countingStore) CountJobsByStage(ctx context.Context) ([]models.StageCount, error) {
	counts, err := s.Store.CountJobsByStage(ctx)
	s.hook()
	return counts, err
}

func TestEngine_StageCountsIgnoresInvalidationDuringCount(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := storage.NewCacheService(client, time.Minute)
	ctx := testContext(t)

	store := newTestStore(t)
	createJob(t, store, nil)
	engine := NewEngine(countingStore{Store: store, hook: func() {
		require.NoError(t, cache.InvalidateStageCounts(ctx))
	}}, nil, Options{Cache: cache, Logger: testLogger()})

	counts, err := engine.StageCounts(ctx)
	require.NoError(t, err)
	assert.Contains(t, counts, models.StageCount{Stage: types.StageBids, Count: 1})

	_, _, found, err := cache.GetStageCounts(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngine_CreateJob(t *testing.T) {
	f := newTestEngine(t)
	ctx := testContext(t)

	job, err := f.engine.CreateJob(ctx, managerActor, NewJob{Name: " Solar farm ", ProductIDs: []int64{4}})
	require.NoError(t, err)
	assert.Equal(t, "Solar farm", job.Name)
	assert.Equal(t, types.StageBids, job.Stage)
	assert.Equal(t, managerActor.ID, job.CreatedBy)

	withDates, err := f.engine.CreateJob(ctx, managerActor, NewJob{Name: "Backfilled", Dates: models.Dates{models.DateFlown: "2024-01-02"}})
	require.NoError(t, err)
	assert.Equal(t, types.StageProcessingDeliver, withDates.Stage)

	_, err = f.engine.CreateJob(ctx, managerActor, NewJob{Name: ""})
	assert.Equal(t, apperrors.CodeInvalidPayload, apperrors.KindOf(err))

	_, err = f.engine.CreateJob(ctx, managerActor, NewJob{Name: "x", ClientKind: types.ClientIndividual})
	assert.Equal(t, apperrors.CodeInvalidPayload, apperrors.KindOf(err))

	_, err = f.engine.CreateJob(ctx, pilotActor, NewJob{Name: "x"})
	assert.Equal(t, apperrors.CodeForbidden, apperrors.KindOf(err))
}

type staticOccurrences struct {
	jobs []NewJob
	err  error
}

func (s staticOccurrences) Next(ctx context.Context) ([]NewJob, error) {
	return s.jobs, s.err
}

func TestEngine_CreateJobs(t *testing.T) {
	f := newTestEngine(t)
	ctx := testContext(t)

	created, err := f.engine.CreateJobs(ctx, adminActor, staticOccurrences{jobs: []NewJob{{Name: "Weekly 1"}, {Name: "Weekly 2"}}})
	require.NoError(t, err)
	require.Len(t, created, 2)
	for _, job := range created {
		assert.Equal(t, types.StageBids, job.Stage)
	}

	_, err = f.engine.CreateJobs(ctx, adminActor, staticOccurrences{err: errors.New("calendar unavailable")})
	assert.Error(t, err)

	created, err = f.engine.CreateJobs(ctx, adminActor, staticOccurrences{jobs: []NewJob{{Name: "ok"}, {Name: ""}, {Name: "never"}}})
	assert.Error(t, err)
	assert.Len(t, created, 1)
}

func TestEngine_Restage(t *testing.T) {
	f := newTestEngine(t)
	ctx := testContext(t)

	drifted := createJob(t, f.store, models.Dates{models.DateBilled: "2024-01-01"})
	inSync := createJob(t, f.store, nil)

	report, err := f.engine.Restage(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	require.Len(t, report.Changed, 1)
	assert.Equal(t, StageChange{JobID: drifted.ID, From: types.StageBids, To: types.StageBill}, report.Changed[0])
	assert.Equal(t, types.StageBids, mustStage(t, f.store, drifted.ID))

	report, err = f.engine.Restage(ctx, false)
	require.NoError(t, err)
	assert.Len(t, report.Changed, 1)
	assert.Equal(t, types.StageBill, mustStage(t, f.store, drifted.ID))
	assert.Equal(t, types.StageBids, mustStage(t, f.store, inSync.ID))

	report, err = f.engine.Restage(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Changed)
	assert.Empty(t, report.Errors)
}

func TestEngine_ListJobs(t *testing.T) {
	f := newTestEngine(t)
	ctx := testContext(t)
	createJob(t, f.store, nil)
	job := createJob(t, f.store, nil)
	_, err := f.engine.ResolveJob(ctx, adminActor, job.ID)
	require.NoError(t, err)

	jobs, err := f.engine.ListJobs(ctx, storage.JobFilter{Stage: types.StageBids})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	_, err = f.engine.ListJobs(ctx, storage.JobFilter{Stage: "launched"})
	assert.Equal(t, apperrors.CodeInvalidPayload, apperrors.KindOf(err))
}
