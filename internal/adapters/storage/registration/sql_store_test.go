package registration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"duemari/internal/adapters/storage/storagetest"
	domain "duemari/internal/domain/registration"
)

// newTestStore returns a store whose clock advances one second per insert.
func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s := NewSQLStore(storagetest.Open(t))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

// TestSQLStore_InsertAndGet verifies store-side defaults on insert.
func TestSQLStore_InsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reg, err := s.Insert(ctx, "Mario", "Rossi", "RSSMRA80A01H501Z")
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if reg.ID == "" || reg.Status != domain.StatusPending || reg.CreatedAt.IsZero() {
		t.Errorf("Insert() defaults not set: %+v", reg)
	}

	got, err := s.GetByID(ctx, reg.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.FirstName != "Mario" || got.CodiceFiscale != "RSSMRA80A01H501Z" || !got.CreatedAt.Equal(reg.CreatedAt) {
		t.Errorf("GetByID() = %+v, want %+v", got, reg)
	}

	if _, err := s.GetByID(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}
}

// TestSQLStore_ListNewestFirst verifies ordering and status filtering.
func TestSQLStore_ListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _ := s.Insert(ctx, "Anna", "Bianchi", "BNCNNA")
	second, _ := s.Insert(ctx, "Luca", "Verdi", "VRDLCU")
	third, _ := s.Insert(ctx, "Sara", "Neri", "NRESRA")

	all, err := s.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != third.ID || all[1].ID != second.ID || all[2].ID != first.ID {
		t.Errorf("List() order = %v", ids(all))
	}

	if err := s.Reject(ctx, second.ID, "admin-1", domain.DefaultRejectionNote, time.Now()); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	pending, _ := s.List(ctx, ListFilter{Status: domain.StatusPending})
	if len(pending) != 2 {
		t.Errorf("pending count = %d, want 2", len(pending))
	}
	limited, _ := s.List(ctx, ListFilter{Limit: 1})
	if len(limited) != 1 || limited[0].ID != third.ID {
		t.Errorf("List(limit 1) = %v", ids(limited))
	}
}

// TestSQLStore_ClaimApproval verifies the conditional pending → approved update.
func TestSQLStore_ClaimApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	reg, _ := s.Insert(ctx, "Mario", "Rossi", "RSSMRA80A01H501Z")
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	if err := s.ClaimApproval(ctx, reg.ID, "admin-1", now); err != nil {
		t.Fatalf("ClaimApproval() error = %v", err)
	}
	got, _ := s.GetByID(ctx, reg.ID)
	if got.Status != domain.StatusApproved || got.DecidedBy != "admin-1" || !got.DecidedAt.Equal(now) {
		t.Errorf("after claim: %+v", got)
	}

	if err := s.ClaimApproval(ctx, reg.ID, "admin-2", now); !errors.Is(err, domain.ErrNotPending) {
		t.Errorf("second ClaimApproval() = %v, want ErrNotPending", err)
	}
	if err := s.Reject(ctx, reg.ID, "admin-2", "no", now); !errors.Is(err, domain.ErrNotPending) {
		t.Errorf("Reject() after approval = %v, want ErrNotPending", err)
	}
	if err := s.ClaimApproval(ctx, "missing", "admin-1", now); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("ClaimApproval(missing) = %v, want ErrNotFound", err)
	}
}

// TestSQLStore_ReleaseApproval verifies compensation restores the pending state.
func TestSQLStore_ReleaseApproval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	reg, _ := s.Insert(ctx, "Mario", "Rossi", "RSSMRA80A01H501Z")

	if err := s.ClaimApproval(ctx, reg.ID, "admin-1", time.Now()); err != nil {
		t.Fatalf("ClaimApproval() error = %v", err)
	}
	if err := s.ReleaseApproval(ctx, reg.ID, "admin-2"); err == nil {
		t.Error("ReleaseApproval() by a different admin should fail")
	}
	if err := s.ReleaseApproval(ctx, reg.ID, "admin-1"); err != nil {
		t.Fatalf("ReleaseApproval() error = %v", err)
	}
	got, _ := s.GetByID(ctx, reg.ID)
	if got.Status != domain.StatusPending || got.DecidedBy != "" || !got.DecidedAt.IsZero() {
		t.Errorf("after release: %+v", got)
	}
}

// TestSQLStore_ConcurrentClaims verifies only one of many concurrent approvals wins.
func TestSQLStore_ConcurrentClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	reg, _ := s.Insert(ctx, "Mario", "Rossi", "RSSMRA80A01H501Z")

	const admins = 8
	var wg sync.WaitGroup
	errs := make(chan error, admins)
	for i := 0; i < admins; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.ClaimApproval(ctx, reg.ID, "admin", time.Now())
		}()
	}
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrNotPending):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != admins-1 {
		t.Errorf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, admins-1)
	}
}

// TestSQLStore_RejectStoresNotes verifies rejection notes are persisted.
func TestSQLStore_RejectStoresNotes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	reg, _ := s.Insert(ctx, "Mario", "Rossi", "RSSMRA80A01H501Z")

	if err := s.Reject(ctx, reg.ID, "admin-1", domain.DefaultRejectionNote, time.Now()); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	got, _ := s.GetByID(ctx, reg.ID)
	if got.Status != domain.StatusRejected || got.Notes != "Rifiutata dall'amministratore" {
		t.Errorf("after reject: %+v", got)
	}
}

func ids(regs []domain.PendingRegistration) []string {
	out := make([]string, len(regs))
	for i, r := range regs {
		out[i] = r.ID
	}
	return out
}
