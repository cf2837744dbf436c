package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"duemari/internal/adapters/storage"
	domain "duemari/internal/domain/account"
)

const accountColumns = "a.id, a.email, a.password_hash, a.status, a.fiscal_code, a.registration_id, a.created_at, a.failed_logins, a.locked_until"

// SQLStore implements Store on any SQLDB.
type SQLStore struct {
	db storage.SQLDB
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a new account store.
func NewSQLStore(db storage.SQLDB) *SQLStore {
	return &SQLStore{db: db}
}

// GetByID retrieves an Account by its ID.
// PRE: id is non-empty
// POST: Returns the entity or domain.ErrNotFound
func (s *SQLStore) GetByID(ctx context.Context, id string) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM account a WHERE a.id = ?", id)
	return notFound(scanAccount(row.Scan))
}

// GetByEmail retrieves an Account by email, compared case-insensitively.
// PRE: email is non-empty
// POST: Returns the entity or domain.ErrNotFound
func (s *SQLStore) GetByEmail(ctx context.Context, email string) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM account a WHERE LOWER(a.email) = ?", strings.ToLower(email))
	return notFound(scanAccount(row.Scan))
}

// Save persists an Account (insert or update).
// PRE: entity has been validated
// POST: Entity is persisted; a duplicate email or fiscal code fails with a constraint error
func (s *SQLStore) Save(ctx context.Context, entity domain.Account) error {
	fields := []string{"id", "email", "password_hash", "status", "fiscal_code", "registration_id", "created_at", "failed_logins", "locked_until"}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(fields)), ", ")
	updates := []string{
		"email=excluded.email",
		"password_hash=excluded.password_hash",
		"status=excluded.status",
		"fiscal_code=excluded.fiscal_code",
		"registration_id=excluded.registration_id",
		"failed_logins=excluded.failed_logins",
		"locked_until=excluded.locked_until",
	}

	query := fmt.Sprintf(
		"INSERT INTO account (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		strings.Join(fields, ", "),
		placeholders,
		strings.Join(updates, ", "),
	)

	_, err := s.db.ExecContext(ctx, query,
		entity.ID,
		entity.Email,
		entity.PasswordHash,
		entity.Status,
		storage.NullableString(entity.FiscalCode),
		storage.NullableString(entity.RegistrationID),
		storage.FormatTime(entity.CreatedAt),
		entity.FailedLogins,
		storage.NullableTime(entity.LockedUntil),
	)
	return err
}

// Delete removes an Account and its role assignments.
// PRE: id is non-empty
// POST: Entity with given id is removed
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = ?", id); err != nil {
		return err
	}
	if err := s.DeleteTokensForAccount(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM account WHERE id = ?", id)
	return err
}

// Count returns the total number of accounts.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM account").Scan(&count)
	return count, err
}

// FindByApprovedFiscalCode returns accounts provisioned from an approved registration.
// PRE: fiscalCode is normalized
// INVARIANT: Does not filter on account status; callers decide what a pending account means
func (s *SQLStore) FindByApprovedFiscalCode(ctx context.Context, fiscalCode string) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+accountColumns+` FROM account a
		 JOIN pending_registrations r ON r.id = a.registration_id
		 WHERE a.fiscal_code = ? AND r.status = 'approved'`,
		fiscalCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// SaveActivationToken persists a new activation token.
// PRE: token.AccountID references an existing account
func (s *SQLStore) SaveActivationToken(ctx context.Context, token domain.ActivationToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activation_token (id, account_id, token, expires_at, used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET used=excluded.used`,
		token.ID, token.AccountID, token.Token, storage.FormatTime(token.ExpiresAt), boolToInt(token.Used), storage.FormatTime(token.CreatedAt))
	return err
}

// GetActivationTokenByToken looks a token up by its secret value.
// POST: Returns domain.ErrTokenInvalid if no such token exists
func (s *SQLStore) GetActivationTokenByToken(ctx context.Context, token string) (domain.ActivationToken, error) {
	var t domain.ActivationToken
	var expiresAt, createdAt string
	var used int
	err := s.db.QueryRowContext(ctx,
		"SELECT id, account_id, token, expires_at, used, created_at FROM activation_token WHERE token = ?", token).
		Scan(&t.ID, &t.AccountID, &t.Token, &expiresAt, &used, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ActivationToken{}, domain.ErrTokenInvalid
	}
	if err != nil {
		return domain.ActivationToken{}, err
	}
	t.ExpiresAt, _ = storage.ParseTime(expiresAt)
	t.CreatedAt, _ = storage.ParseTime(createdAt)
	t.Used = used != 0
	return t, nil
}

// InvalidateTokensForAccount marks every token of the account as used.
func (s *SQLStore) InvalidateTokensForAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE activation_token SET used = 1 WHERE account_id = ?", accountID)
	return err
}

// DeleteTokensForAccount removes every token of the account.
func (s *SQLStore) DeleteTokensForAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM activation_token WHERE account_id = ?", accountID)
	return err
}

// scanAccount extracts an Account from a row scanner function.
func scanAccount(scan func(dest ...any) error) (domain.Account, error) {
	var entity domain.Account
	var createdAt string
	var fiscalCode, registrationID, lockedUntil sql.NullString
	err := scan(
		&entity.ID,
		&entity.Email,
		&entity.PasswordHash,
		&entity.Status,
		&fiscalCode,
		&registrationID,
		&createdAt,
		&entity.FailedLogins,
		&lockedUntil,
	)
	if err != nil {
		return domain.Account{}, err
	}
	entity.FiscalCode = fiscalCode.String
	entity.RegistrationID = registrationID.String
	entity.CreatedAt, _ = storage.ParseTime(createdAt)
	entity.LockedUntil = storage.ParseNullTime(lockedUntil)
	return entity, nil
}

func notFound(a domain.Account, err error) (domain.Account, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
