// Package notify delivers the best-effort side effects of job transitions: in-app
// notifications and template emails. Delivery happens on background workers and never
// reports back to the code that queued the effect.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Notification types sent by the pipeline
const (
	TypeJobScheduled = "job_scheduled"
	TypeJobDelivered = "job_delivered"
	TypeJobBilled    = "job_billed"
)

// Email templates known to the pipeline
const (
	TemplateJobScheduled = "job_scheduled"
	TemplateJobDelivered = "job_delivered"
)

var (
	// ErrUnknownTemplate is returned for a template name with no loaded template
	ErrUnknownTemplate = errors.New("unknown email template")
	// ErrNoRecipient is returned when an email has no recipient address
	ErrNoRecipient = errors.New("email recipient required")
)

// Effect is one side effect to deliver
type Effect interface {
	// Describe returns a short label for logs
	Describe() string
}

// Notification is an in-app notification for one user
type Notification struct {
	UserID  int64
	Type    string
	Title   string
	Message string
	Link    string
}

// Describe implements Effect
func (n Notification) Describe() string {
	return fmt.Sprintf("notification %s to user %d", n.Type, n.UserID)
}

// Email is a template email to one recipient
type Email struct {
	Recipient string
	Template  string
	Data      map[string]interface{}
}

// Describe implements Effect
func (e Email) Describe() string {
	return fmt.Sprintf("email %s", e.Template)
}

// Notifier sends in-app notifications
type Notifier interface {
	Notify(ctx context.Context, userID int64, notifType, title, message, link string) error
}

// Mailer sends template emails
type Mailer interface {
	SendTemplateEmail(ctx context.Context, recipient, templateName string, data map[string]interface{}) error
}
