package role

import (
	"context"
	"database/sql"
	"errors"

	"duemari/internal/adapters/storage"
	domain "duemari/internal/domain/role"
)

// SQLStore implements Store on the user_roles table.
type SQLStore struct {
	db storage.SQLDB
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a new role store.
func NewSQLStore(db storage.SQLDB) *SQLStore {
	return &SQLStore{db: db}
}

// HasRole reports whether a (user, role) row exists.
// PRE: userID and role are non-empty
// INVARIANT: Read-only
func (s *SQLStore) HasRole(ctx context.Context, userID, role string) (bool, error) {
	var found string
	err := s.db.QueryRowContext(ctx,
		"SELECT role FROM user_roles WHERE user_id = ? AND role = ?", userID, role).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Assign grants a role.
// PRE: a has been validated
// POST: (a.UserID, a.Role) exists exactly once
func (s *SQLStore) Assign(ctx context.Context, a domain.Assignment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_roles (id, user_id, role, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, role) DO NOTHING`,
		a.ID, a.UserID, a.Role, storage.FormatTime(a.CreatedAt))
	return err
}

// Revoke removes a role from a user.
func (s *SQLStore) Revoke(ctx context.Context, userID, role string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = ? AND role = ?", userID, role)
	return err
}

// ListForUser returns the user's roles, oldest first.
func (s *SQLStore) ListForUser(ctx context.Context, userID string) ([]domain.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_id, role, created_at FROM user_roles WHERE user_id = ? ORDER BY created_at ASC", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		var createdAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Role, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = storage.ParseTime(createdAt)
		results = append(results, a)
	}
	return results, rows.Err()
}
