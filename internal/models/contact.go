package models

// Contact is who to notify about a job. UserID is nil for organizations without a portal user.
type Contact struct {
	UserID *int64 `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}
