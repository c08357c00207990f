package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/job-pipeline/internal/models"
)

// GetUserContact returns the contact of an individual user
func (q *pgQueries) GetUserContact(ctx context.Context, userID int64) (*models.Contact, error) {
	var c models.Contact
	var id int64

	err := q.db.QueryRow(ctx, `SELECT id, email, full_name FROM users WHERE id = $1`, userID).Scan(&id, &c.Email, &c.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user contact: %w", err)
	}
	c.UserID = &id
	return &c, nil
}

// GetOrganizationContact returns the organization's contact. The email falls back to the
// contact user's address when the organization has none of its own.
func (q *pgQueries) GetOrganizationContact(ctx context.Context, orgID int64) (*models.Contact, error) {
	query := `
		SELECT o.name, COALESCE(NULLIF(o.contact_email, ''), u.email, ''), o.contact_user_id
		FROM organizations o
		LEFT JOIN users u ON u.id = o.contact_user_id
		WHERE o.id = $1
	`

	var c models.Contact
	err := q.db.QueryRow(ctx, query, orgID).Scan(&c.Name, &c.Email, &c.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get organization contact: %w", err)
	}
	return &c, nil
}
