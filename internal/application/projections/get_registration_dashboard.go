package projections

import (
	"context"

	registrationStore "duemari/internal/adapters/storage/registration"
	domain "duemari/internal/domain/registration"
)

// RegistrationLister defines the registration store interface for the dashboard.
type RegistrationLister interface {
	List(ctx context.Context, filter registrationStore.ListFilter) ([]domain.PendingRegistration, error)
}

// GetRegistrationDashboardQuery carries query parameters.
type GetRegistrationDashboardQuery struct {
	Status string // optional: restricts All to one status
}

// GetRegistrationDashboardResult carries the query result.
type GetRegistrationDashboardResult struct {
	All       []domain.PendingRegistration // newest first
	Pending   []domain.PendingRegistration
	Processed []domain.PendingRegistration
	Counts    domain.Counts
}

// GetRegistrationDashboardDeps holds dependencies for GetRegistrationDashboard.
type GetRegistrationDashboardDeps struct {
	RegistrationStore RegistrationLister
}

// QueryGetRegistrationDashboard lists registrations newest first with
// per-status counts and the pending/processed split.
// PRE: caller is an admin
// POST: Counts are computed over the returned rows
func QueryGetRegistrationDashboard(ctx context.Context, query GetRegistrationDashboardQuery, deps GetRegistrationDashboardDeps) (GetRegistrationDashboardResult, error) {
	regs, err := deps.RegistrationStore.List(ctx, registrationStore.ListFilter{Status: query.Status})
	if err != nil {
		return GetRegistrationDashboardResult{}, err
	}
	pending, processed := domain.SplitPending(regs)
	return GetRegistrationDashboardResult{
		All:       regs,
		Pending:   pending,
		Processed: processed,
		Counts:    domain.Tally(regs),
	}, nil
}
