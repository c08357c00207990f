package pipeline

import (
	"context"
	"fmt"

	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/storage"
	"github.com/job-pipeline/internal/types"
)

// mutation is the state one mutator works on. q is the transaction's queries and job is the
// locked row as it was before the mutator ran.
type mutation struct {
	q     storage.Queries
	meta  *MetadataStore
	job   *models.Job
	today string
}

func (m *mutation) setDates(ctx context.Context, kv ...string) error {
	dates := m.job.Dates.Clone()
	for i := 0; i+1 < len(kv); i += 2 {
		dates[kv[i]] = kv[i+1]
	}
	if err := m.q.UpdateJobDates(ctx, m.job.ID, dates); err != nil {
		return storageError("write dates", m.job.ID, err)
	}
	m.job.Dates = dates
	return nil
}

type mutatorFunc func(ctx context.Context, m *mutation, payload Payload) error

var mutators = map[types.ActionType]mutatorFunc{
	types.ActionApprove:   approveJob,
	types.ActionSchedule:  scheduleJob,
	types.ActionFlightLog: logFlight,
	types.ActionDeliver:   deliverJob,
	types.ActionBill:      billJob,
	types.ActionBillPaid:  markBillPaid,
	types.ActionDelete:    deleteJob,
}

func payloadMismatch(action types.ActionType, payload Payload) error {
	return apperrors.NewInvalidPayloadError("payload", fmt.Sprintf("%T is not a %s payload", payload, action))
}

func approveJob(ctx context.Context, m *mutation, payload Payload) error {
	p, ok := payload.(*ApprovePayload)
	if !ok {
		return payloadMismatch(types.ActionApprove, payload)
	}
	return m.meta.Set(ctx, m.job.ID, models.MetaApprovedFlight, p.ApprovedFlight)
}

func scheduleJob(ctx context.Context, m *mutation, payload Payload) error {
	p, ok := payload.(*SchedulePayload)
	if !ok {
		return payloadMismatch(types.ActionSchedule, payload)
	}
	if err := m.setDates(ctx, models.DateScheduled, p.ScheduledDate); err != nil {
		return err
	}
	if err := m.meta.Set(ctx, m.job.ID, models.MetaScheduledFlight, p.ScheduledFlight); err != nil {
		return err
	}
	return m.meta.SetJSON(ctx, m.job.ID, models.MetaPersonsAssigned, p.PersonsAssigned)
}

func logFlight(ctx context.Context, m *mutation, payload Payload) error {
	p, ok := payload.(*LogFlightPayload)
	if !ok {
		return payloadMismatch(types.ActionFlightLog, payload)
	}
	if err := m.setDates(ctx, models.DateFlown, p.FlownDate, models.DateLogged, m.today); err != nil {
		return err
	}
	return m.meta.Set(ctx, m.job.ID, models.MetaFlightLog, string(p.FlightLog))
}

func deliverJob(ctx context.Context, m *mutation, payload Payload) error {
	p, ok := payload.(*DeliverPayload)
	if !ok {
		return payloadMismatch(types.ActionDeliver, payload)
	}
	return m.setDates(ctx, models.DateDelivered, p.DeliveredDate)
}

func billJob(ctx context.Context, m *mutation, payload Payload) error {
	p, ok := payload.(*BillPayload)
	if !ok {
		return payloadMismatch(types.ActionBill, payload)
	}
	if err := m.setDates(ctx, models.DateBilled, p.BilledDate); err != nil {
		return err
	}
	if err := m.meta.Set(ctx, m.job.ID, models.MetaInvoiceNumber, p.InvoiceNumber); err != nil {
		return err
	}
	if p.AmountPayable != "" {
		return m.meta.Set(ctx, m.job.ID, models.MetaAmountPayable, p.AmountPayable.String())
	}
	return nil
}

func markBillPaid(ctx context.Context, m *mutation, payload Payload) error {
	p, ok := payload.(*BillPaidPayload)
	if !ok {
		return payloadMismatch(types.ActionBillPaid, payload)
	}
	if err := m.setDates(ctx, models.DateBillPaid, p.BillPaidDate); err != nil {
		return err
	}
	if value, set := p.InvoicePaid.Value(); set {
		return m.meta.Set(ctx, m.job.ID, models.MetaInvoicePaid, value)
	}
	return nil
}

// deleteJob removes the metadata first, then the job row
func deleteJob(ctx context.Context, m *mutation, payload Payload) error {
	if _, err := m.meta.DeleteAll(ctx, m.job.ID); err != nil {
		return err
	}
	if err := m.q.DeleteJob(ctx, m.job.ID); err != nil {
		return storageError("delete job", m.job.ID, err)
	}
	return nil
}
