// Package types provides common type definitions for the job pipeline engine.
package types

import (
	"strconv"
	"strings"
)

// Stage represents a job's derived pipeline stage
type Stage string

const (
	// StageBids is the initial stage of every job
	StageBids Stage = "bids"
	// StageScheduled means a flight date has been set but nothing was flown yet
	StageScheduled Stage = "scheduled"
	// StageProcessingDeliver means the flight happened and no invoice has been issued
	StageProcessingDeliver Stage = "processing-deliver"
	// StageBill means an invoice has been issued and is unpaid
	StageBill Stage = "bill"
	// StageCompleted means the invoice has been paid
	StageCompleted Stage = "completed"
)

// AllStages lists the stages in pipeline order
var AllStages = []Stage{StageBids, StageScheduled, StageProcessingDeliver, StageBill, StageCompleted}

// IsValid reports whether s is a known stage
func (s Stage) IsValid() bool {
	for _, st := range AllStages {
		if s == st {
			return true
		}
	}
	return false
}

// ActionType identifies a job mutation. The bulk-capable subset is recorded in the
// bulk action log.
type ActionType string

const (
	ActionApprove   ActionType = "approve"
	ActionSchedule  ActionType = "schedule"
	ActionFlightLog ActionType = "flight_log"
	ActionDeliver   ActionType = "deliver"
	ActionBill      ActionType = "bill"
	ActionBillPaid  ActionType = "bill_paid"
	ActionDelete    ActionType = "delete"
)

// BulkActions are the actions accepted by the bulk endpoint
var BulkActions = []ActionType{ActionApprove, ActionFlightLog, ActionDeliver, ActionBill, ActionDelete}

// IsBulk reports whether the action may be run in bulk
func (a ActionType) IsBulk() bool {
	for _, b := range BulkActions {
		if a == b {
			return true
		}
	}
	return false
}

// ParseActionType accepts both the log spelling ("flight_log") and the route spelling ("log-flight")
func ParseActionType(s string) (ActionType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve":
		return ActionApprove, true
	case "schedule":
		return ActionSchedule, true
	case "flight_log", "log-flight", "log_flight":
		return ActionFlightLog, true
	case "deliver":
		return ActionDeliver, true
	case "bill":
		return ActionBill, true
	case "bill_paid", "bill-paid":
		return ActionBillPaid, true
	case "delete":
		return ActionDelete, true
	default:
		return "", false
	}
}

// BulkStatus represents the lifecycle status of a bulk action log entry
type BulkStatus string

const (
	// BulkStatusStarted is written before any item is attempted
	BulkStatusStarted BulkStatus = "started"
	// BulkStatusCompleted means every item succeeded
	BulkStatusCompleted BulkStatus = "completed"
	// BulkStatusFailed means every item failed
	BulkStatusFailed BulkStatus = "failed"
	// BulkStatusPartial means some items failed and some succeeded
	BulkStatusPartial BulkStatus = "partial"
)

// IsTerminal reports whether the status is a final one
func (s BulkStatus) IsTerminal() bool {
	return s == BulkStatusCompleted || s == BulkStatusFailed || s == BulkStatusPartial
}

// ClientKind distinguishes organization clients from individual clients
type ClientKind string

const (
	ClientOrganization ClientKind = "organization"
	ClientIndividual   ClientKind = "individual"
)

// Role is an authorization role carried by an acting user
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RolePilot   Role = "pilot"
	RoleClient  Role = "client"
)

// Actor is the authenticated user performing an action
type Actor struct {
	ID    int64  `json:"id"`
	Roles []Role `json:"roles"`
}

// HasAnyRole reports whether the actor holds at least one of roles
func (a Actor) HasAnyRole(roles ...Role) bool {
	for _, have := range a.Roles {
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// String renders the actor id for logs
func (a Actor) String() string {
	return strconv.FormatInt(a.ID, 10)
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
