// Package models provides data models for the job pipeline engine.
package models

import (
	"time"

	"github.com/job-pipeline/internal/types"
)

// Milestone date keys stored in Job.Dates
const (
	DateRequested = "requested"
	DateScheduled = "scheduled"
	DateFlown     = "flown"
	DateLogged    = "logged"
	DateDelivered = "delivered"
	DateBilled    = "billed"
	DateBillPaid  = "bill_paid"
)

// DateLayout is the on-disk and wire format of milestone dates
const DateLayout = "2006-01-02"

// Dates maps a milestone name to a YYYY-MM-DD date
type Dates map[string]string

// Has reports whether the milestone is present with a non-empty value
func (d Dates) Has(key string) bool {
	return d != nil && d[key] != ""
}

// Clone returns a copy that can be mutated independently
func (d Dates) Clone() Dates {
	out := make(Dates, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Job represents a job row. Stage is a cached projection of Dates and metadata and is
// only ever written by the stage resolver.
type Job struct {
	ID         int64            `json:"id" db:"id"`
	Name       string           `json:"name" db:"name"`
	SiteID     *int64           `json:"siteId,omitempty" db:"site_id"`
	ClientID   *int64           `json:"clientId,omitempty" db:"client_id"`
	ClientKind types.ClientKind `json:"clientKind,omitempty" db:"client_kind"`
	ProductIDs []int64          `json:"productIds" db:"product_ids"`
	Dates      Dates            `json:"dates" db:"dates"`
	Stage      types.Stage      `json:"stage" db:"stage"`
	CreatedBy  int64            `json:"createdBy" db:"created_by"`
	CreatedAt  time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time        `json:"updatedAt" db:"updated_at"`
}

// JobView is a job together with its metadata snapshot
type JobView struct {
	*Job
	Metadata map[string]string `json:"metadata"`
}

// StageCount is the number of jobs currently cached in a stage
type StageCount struct {
	Stage types.Stage `json:"stage"`
	Count int64       `json:"count"`
}
