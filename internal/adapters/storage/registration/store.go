package registration

import (
	"context"
	"time"

	domain "duemari/internal/domain/registration"
)

// Store persists PendingRegistration state.
// Status changes are conditional updates so that concurrent admins cannot
// both decide the same record.
type Store interface {
	// Insert creates a pending record from the three submitted fields.
	// PRE: fields are validated and the fiscal code is normalized
	// POST: Returns the stored record with id, status=pending and created_at filled in
	Insert(ctx context.Context, firstName, lastName, codiceFiscale string) (domain.PendingRegistration, error)

	// GetByID retrieves a registration.
	// POST: Returns domain.ErrNotFound if absent
	GetByID(ctx context.Context, id string) (domain.PendingRegistration, error)

	// List returns registrations ordered by created_at descending.
	List(ctx context.Context, filter ListFilter) ([]domain.PendingRegistration, error)

	// ClaimApproval moves a pending record to approved.
	// POST: Returns domain.ErrNotPending if another decision won, domain.ErrNotFound if absent
	ClaimApproval(ctx context.Context, id, adminID string, now time.Time) error

	// ReleaseApproval moves a record claimed by adminID back to pending.
	// Used to compensate a claim whose account provisioning failed.
	ReleaseApproval(ctx context.Context, id, adminID string) error

	// Reject moves a pending record to rejected with notes.
	// POST: Returns domain.ErrNotPending if already decided, domain.ErrNotFound if absent
	Reject(ctx context.Context, id, adminID, notes string, now time.Time) error
}

// ListFilter carries filtering parameters for List operations.
// A zero Limit returns every row.
type ListFilter struct {
	Status string
	Limit  int
}
