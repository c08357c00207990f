package pipeline

import (
	"context"
	"fmt"

	"github.com/job-pipeline/internal/models"
	"github.com/job-pipeline/internal/notify"
	"github.com/job-pipeline/internal/types"
)

func (e *Engine) jobLink(jobID int64) string {
	return fmt.Sprintf("%s/jobs/%d", e.linkBase, jobID)
}

// sideEffects builds the notifications and emails for a committed mutation. Contact lookups
// run outside the mutation's transaction; a failed lookup only drops that recipient.
func (e *Engine) sideEffects(ctx context.Context, action types.ActionType, job *models.Job, payload Payload) []notify.Effect {
	switch action {
	case types.ActionSchedule:
		if p, ok := payload.(*SchedulePayload); ok {
			return e.scheduledEffects(ctx, job, p)
		}
	case types.ActionDeliver:
		if p, ok := payload.(*DeliverPayload); ok {
			return e.deliveredEffects(ctx, job, p)
		}
	case types.ActionBill:
		if p, ok := payload.(*BillPayload); ok {
			return e.billedEffects(ctx, job, p)
		}
	}
	return nil
}

func (e *Engine) scheduledEffects(ctx context.Context, job *models.Job, p *SchedulePayload) []notify.Effect {
	link := e.jobLink(job.ID)
	var effects []notify.Effect
	for _, pilotID := range uniqueIDs(p.PersonsAssigned) {
		effects = append(effects, notify.Notification{
			UserID:  pilotID,
			Type:    notify.TypeJobScheduled,
			Title:   "Job scheduled",
			Message: fmt.Sprintf("You have been assigned to %s on %s", job.Name, p.ScheduledDate),
			Link:    link,
		})

		contact, err := e.store.GetUserContact(ctx, pilotID)
		if err != nil {
			e.logLookupFailure(err, job.ID, "pilot", pilotID)
			continue
		}
		if contact.Email == "" {
			continue
		}
		effects = append(effects, notify.Email{
			Recipient: contact.Email,
			Template:  notify.TemplateJobScheduled,
			Data: map[string]interface{}{
				"recipientName":   contact.Name,
				"jobName":         job.Name,
				"scheduledDate":   p.ScheduledDate,
				"scheduledFlight": p.ScheduledFlight,
				"link":            link,
			},
		})
	}
	return effects
}

func (e *Engine) deliveredEffects(ctx context.Context, job *models.Job, p *DeliverPayload) []notify.Effect {
	contact := e.clientContact(ctx, job)
	if contact == nil {
		return nil
	}

	link := e.jobLink(job.ID)
	var effects []notify.Effect
	if contact.UserID != nil {
		effects = append(effects, notify.Notification{
			UserID:  *contact.UserID,
			Type:    notify.TypeJobDelivered,
			Title:   "Job delivered",
			Message: fmt.Sprintf("%s was delivered on %s", job.Name, p.DeliveredDate),
			Link:    link,
		})
	}
	if contact.Email != "" {
		effects = append(effects, notify.Email{
			Recipient: contact.Email,
			Template:  notify.TemplateJobDelivered,
			Data: map[string]interface{}{
				"recipientName": contact.Name,
				"jobName":       job.Name,
				"deliveredDate": p.DeliveredDate,
				"link":          link,
			},
		})
	}
	return effects
}

func (e *Engine) billedEffects(ctx context.Context, job *models.Job, p *BillPayload) []notify.Effect {
	link := e.jobLink(job.ID)
	message := fmt.Sprintf("Invoice %s issued for %s", p.InvoiceNumber, job.Name)

	var recipients []int64
	if job.CreatedBy > 0 {
		recipients = append(recipients, job.CreatedBy)
	}
	if job.ClientKind == types.ClientIndividual && job.ClientID != nil {
		recipients = append(recipients, *job.ClientID)
	}

	var effects []notify.Effect
	for _, userID := range uniqueIDs(recipients) {
		effects = append(effects, notify.Notification{
			UserID:  userID,
			Type:    notify.TypeJobBilled,
			Title:   "Job billed",
			Message: message,
			Link:    link,
		})
	}
	return effects
}

// clientContact resolves the job's client. Individual clients are users, organization clients
// use the organization's contact.
func (e *Engine) clientContact(ctx context.Context, job *models.Job) *models.Contact {
	if job.ClientID == nil {
		return nil
	}

	var (
		contact *models.Contact
		err     error
	)
	switch job.ClientKind {
	case types.ClientIndividual:
		contact, err = e.store.GetUserContact(ctx, *job.ClientID)
	case types.ClientOrganization:
		contact, err = e.store.GetOrganizationContact(ctx, *job.ClientID)
	default:
		return nil
	}
	if err != nil {
		e.logLookupFailure(err, job.ID, string(job.ClientKind), *job.ClientID)
		return nil
	}
	return contact
}

func (e *Engine) logLookupFailure(err error, jobID int64, kind string, id int64) {
	e.logger.WithError(err).WithFields(map[string]interface{}{
		"jobId":     jobID,
		"recipient": kind,
		"id":        id,
	}).Warn("Skipping side effect, contact lookup failed")
}
