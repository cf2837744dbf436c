package registration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"duemari/internal/adapters/storage"
	domain "duemari/internal/domain/registration"
)

const selectColumns = "SELECT id, first_name, last_name, codice_fiscale, status, created_at, notes, decided_at, decided_by FROM pending_registrations"

// SQLStore implements Store on any SQLDB.
type SQLStore struct {
	db  storage.SQLDB
	now func() time.Time
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a new registration store.
func NewSQLStore(db storage.SQLDB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Insert creates a pending record.
// PRE: fields are validated and the fiscal code is normalized
// POST: Record persisted with a fresh uuid and status pending
func (s *SQLStore) Insert(ctx context.Context, firstName, lastName, codiceFiscale string) (domain.PendingRegistration, error) {
	reg := domain.PendingRegistration{
		ID:            uuid.New().String(),
		FirstName:     firstName,
		LastName:      lastName,
		CodiceFiscale: codiceFiscale,
		Status:        domain.StatusPending,
		CreatedAt:     s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_registrations (id, first_name, last_name, codice_fiscale, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		reg.ID, reg.FirstName, reg.LastName, reg.CodiceFiscale, reg.Status, storage.FormatTime(reg.CreatedAt))
	if err != nil {
		return domain.PendingRegistration{}, fmt.Errorf("insert registration: %w", err)
	}
	return reg, nil
}

// GetByID retrieves a registration by its ID.
// PRE: id is non-empty
// POST: Returns the entity or domain.ErrNotFound
func (s *SQLStore) GetByID(ctx context.Context, id string) (domain.PendingRegistration, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	reg, err := scanRegistration(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PendingRegistration{}, domain.ErrNotFound
	}
	return reg, err
}

// List retrieves registrations newest first.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]domain.PendingRegistration, error) {
	var qb strings.Builder
	var args []any

	qb.WriteString(selectColumns)
	if filter.Status != "" {
		qb.WriteString(" WHERE status = ?")
		args = append(args, filter.Status)
	}
	qb.WriteString(" ORDER BY created_at DESC, id DESC")
	if filter.Limit > 0 {
		qb.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.PendingRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, reg)
	}
	return results, rows.Err()
}

// ClaimApproval performs the pending → approved transition.
// PRE: adminID is non-empty
// POST: Exactly one concurrent caller succeeds; the others get domain.ErrNotPending
func (s *SQLStore) ClaimApproval(ctx context.Context, id, adminID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_registrations SET status = ?, decided_at = ?, decided_by = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusApproved, storage.FormatTime(now), adminID, id, domain.StatusPending)
	if err != nil {
		return fmt.Errorf("claim registration: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// ReleaseApproval reverts a claim made by adminID.
// POST: Record is pending again with decision fields cleared
func (s *SQLStore) ReleaseApproval(ctx context.Context, id, adminID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_registrations SET status = ?, decided_at = NULL, decided_by = NULL
		 WHERE id = ? AND status = ? AND decided_by = ?`,
		domain.StatusPending, id, domain.StatusApproved, adminID)
	if err != nil {
		return fmt.Errorf("release registration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("release registration %s: no approved claim by %s", id, adminID)
	}
	return nil
}

// Reject performs the pending → rejected transition.
// PRE: notes is non-empty
// POST: Record is rejected or domain.ErrNotPending is returned
func (s *SQLStore) Reject(ctx context.Context, id, adminID, notes string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_registrations SET status = ?, notes = ?, decided_at = ?, decided_by = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusRejected, notes, storage.FormatTime(now), adminID, id, domain.StatusPending)
	if err != nil {
		return fmt.Errorf("reject registration: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition maps a zero-row conditional update to the reason it matched nothing.
func (s *SQLStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetByID(ctx, id); err != nil {
		return err
	}
	return domain.ErrNotPending
}

// scanRegistration extracts a PendingRegistration from a row scanner function.
func scanRegistration(scan func(dest ...any) error) (domain.PendingRegistration, error) {
	var reg domain.PendingRegistration
	var createdAt string
	var decidedAt, decidedBy sql.NullString
	err := scan(
		&reg.ID,
		&reg.FirstName,
		&reg.LastName,
		&reg.CodiceFiscale,
		&reg.Status,
		&createdAt,
		&reg.Notes,
		&decidedAt,
		&decidedBy,
	)
	if err != nil {
		return domain.PendingRegistration{}, err
	}
	reg.CreatedAt, _ = storage.ParseTime(createdAt)
	reg.DecidedAt = storage.ParseNullTime(decidedAt)
	reg.DecidedBy = decidedBy.String
	return reg, nil
}
