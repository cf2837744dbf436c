package projections

import (
	"context"
	"errors"
	"testing"
	"time"

	registrationStore "duemari/internal/adapters/storage/registration"
	domain "duemari/internal/domain/registration"
)

type mockRegistrationLister struct {
	regs      []domain.PendingRegistration
	err       error
	gotFilter registrationStore.ListFilter
}

// List returns the seeded registrations.
// PRE: regs are seeded newest first
// POST: Records the filter it was called with
func (m *mockRegistrationLister) List(_ context.Context, filter registrationStore.ListFilter) ([]domain.PendingRegistration, error) {
	m.gotFilter = filter
	return m.regs, m.err
}

// TestQueryGetRegistrationDashboard_SplitsAndCounts verifies counts and the pending/processed split.
func TestQueryGetRegistrationDashboard_SplitsAndCounts(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	regs := []domain.PendingRegistration{
		{ID: "r4", Status: domain.StatusPending, CreatedAt: now},
		{ID: "r3", Status: domain.StatusRejected, CreatedAt: now.Add(-time.Hour)},
		{ID: "r2", Status: domain.StatusPending, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "r1", Status: domain.StatusApproved, CreatedAt: now.Add(-3 * time.Hour)},
	}
	lister := &mockRegistrationLister{regs: regs}

	got, err := QueryGetRegistrationDashboard(context.Background(), GetRegistrationDashboardQuery{}, GetRegistrationDashboardDeps{RegistrationStore: lister})
	if err != nil {
		t.Fatalf("QueryGetRegistrationDashboard() error = %v", err)
	}

	want := domain.Counts{Pending: 2, Approved: 1, Rejected: 1}
	if got.Counts != want {
		t.Errorf("Counts = %+v, want %+v", got.Counts, want)
	}
	if got.Counts.Processed() != 2 {
		t.Errorf("Processed() = %d, want 2", got.Counts.Processed())
	}
	if len(got.Pending) != 2 || got.Pending[0].ID != "r4" || got.Pending[1].ID != "r2" {
		t.Errorf("Pending = %v, want r4, r2", ids(got.Pending))
	}
	if len(got.Processed) != 2 || got.Processed[0].ID != "r3" || got.Processed[1].ID != "r1" {
		t.Errorf("Processed = %v, want r3, r1", ids(got.Processed))
	}
	if len(got.All) != 4 {
		t.Errorf("All = %d rows, want 4", len(got.All))
	}
}

// TestQueryGetRegistrationDashboard_PassesStatusFilter verifies the status filter reaches the store.
func TestQueryGetRegistrationDashboard_PassesStatusFilter(t *testing.T) {
	lister := &mockRegistrationLister{}
	_, err := QueryGetRegistrationDashboard(context.Background(), GetRegistrationDashboardQuery{Status: domain.StatusPending}, GetRegistrationDashboardDeps{RegistrationStore: lister})
	if err != nil {
		t.Fatalf("QueryGetRegistrationDashboard() error = %v", err)
	}
	if lister.gotFilter.Status != domain.StatusPending || lister.gotFilter.Limit != 0 {
		t.Errorf("filter = %+v", lister.gotFilter)
	}
}

// TestQueryGetRegistrationDashboard_StoreError verifies list failures surface.
func TestQueryGetRegistrationDashboard_StoreError(t *testing.T) {
	storeErr := errors.New("connection refused")
	_, err := QueryGetRegistrationDashboard(context.Background(), GetRegistrationDashboardQuery{}, GetRegistrationDashboardDeps{RegistrationStore: &mockRegistrationLister{err: storeErr}})
	if !errors.Is(err, storeErr) {
		t.Errorf("error = %v, want %v", err, storeErr)
	}
}

func ids(regs []domain.PendingRegistration) []string {
	out := make([]string, len(regs))
	for i, r := range regs {
		out[i] = r.ID
	}
	return out
}
