package role

import (
	"context"

	domain "duemari/internal/domain/role"
)

// Store persists role assignments.
type Store interface {
	// HasRole reports whether userID holds role.
	HasRole(ctx context.Context, userID, role string) (bool, error)

	// Assign grants a role. Assigning an existing (user, role) pair is a no-op.
	Assign(ctx context.Context, a domain.Assignment) error

	// Revoke removes a role from a user.
	Revoke(ctx context.Context, userID, role string) error

	// ListForUser returns every role held by userID.
	ListForUser(ctx context.Context, userID string) ([]domain.Assignment, error)
}
