package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"duemari/internal/domain/account"
	"duemari/internal/domain/audit"
	"duemari/internal/domain/role"
)

// --- Activate Account ---

// AccountStoreForActivation defines the store interface needed by ActivateAccount.
type AccountStoreForActivation interface {
	GetByID(ctx context.Context, id string) (account.Account, error)
	Save(ctx context.Context, a account.Account) error
	GetActivationTokenByToken(ctx context.Context, token string) (account.ActivationToken, error)
	InvalidateTokensForAccount(ctx context.Context, accountID string) error
}

// ActivateAccountInput carries input for the orchestrator.
type ActivateAccountInput struct {
	Token     string
	Password  string
	IPAddress string
	UserAgent string
}

// ActivateAccountDeps holds dependencies for ActivateAccount.
type ActivateAccountDeps struct {
	AccountStore AccountStoreForActivation
	AuditStore   AuditRecorder // optional
	Now          func() time.Time
}

// ExecuteActivateAccount sets the member's password and activates the account.
// PRE: Token was issued by approval and is unused
// POST: Account is active with the new password; every token of the account is used
func ExecuteActivateAccount(ctx context.Context, input ActivateAccountInput, deps ActivateAccountDeps) (account.Account, error) {
	now := clock(deps.Now)
	if strings.TrimSpace(input.Token) == "" {
		return account.Account{}, account.ErrTokenInvalid
	}
	tok, err := deps.AccountStore.GetActivationTokenByToken(ctx, input.Token)
	if err != nil {
		return account.Account{}, err
	}
	if err := tok.Check(now); err != nil {
		return account.Account{}, err
	}

	acct, err := deps.AccountStore.GetByID(ctx, tok.AccountID)
	if err != nil {
		return account.Account{}, fmt.Errorf("load account: %w", err)
	}
	if err := acct.Activate(); err != nil {
		return account.Account{}, err
	}
	if err := acct.SetPassword(input.Password); err != nil {
		return account.Account{}, err
	}
	if err := deps.AccountStore.Save(ctx, acct); err != nil {
		return account.Account{}, fmt.Errorf("save account: %w", err)
	}
	if err := deps.AccountStore.InvalidateTokensForAccount(ctx, acct.ID); err != nil {
		slog.Error("auth_event", "event", "token_invalidate_failed", "account_id", acct.ID, "error", err)
	}

	slog.Info("auth_event", "event", "account_activated", "account_id", acct.ID)
	recordAudit(ctx, deps.AuditStore, audit.NewEvent(acct.ID, acct.Email, audit.CategoryAccount, audit.ActionActivate, now).
		WithResource(audit.ResourceAccount, acct.ID).
		WithRequest(input.IPAddress, input.UserAgent))
	return acct, nil
}

// --- Seed Admin ---

// AccountStoreForSeed defines the store interface needed by SeedAdmin.
type AccountStoreForSeed interface {
	GetByEmail(ctx context.Context, email string) (account.Account, error)
	Save(ctx context.Context, a account.Account) error
}

// RoleAssigner grants roles.
type RoleAssigner interface {
	Assign(ctx context.Context, a role.Assignment) error
}

// SeedAdminInput carries input for the orchestrator.
type SeedAdminInput struct {
	Email    string
	Password string
}

// SeedAdminDeps holds dependencies for SeedAdmin.
type SeedAdminDeps struct {
	AccountStore AccountStoreForSeed
	RoleStore    RoleAssigner
	Now          func() time.Time
}

// ExecuteSeedAdmin ensures the administrator account exists and holds the
// admin role. An existing account keeps its password.
// PRE: Database is migrated
// POST: An active account with Email exists and is assigned role admin
func ExecuteSeedAdmin(ctx context.Context, input SeedAdminInput, deps SeedAdminDeps) (string, error) {
	email := strings.TrimSpace(input.Email)
	if email == "" {
		email = DefaultAdminEmail
	}
	now := clock(deps.Now)

	acct, err := deps.AccountStore.GetByEmail(ctx, email)
	switch {
	case err == nil:
	case errors.Is(err, account.ErrNotFound):
		acct = account.Account{
			ID:        uuid.NewString(),
			Email:     email,
			Status:    account.StatusActive,
			CreatedAt: now,
		}
		if err := acct.Validate(); err != nil {
			return "", err
		}
		if err := acct.SetPassword(input.Password); err != nil {
			return "", err
		}
		if err := deps.AccountStore.Save(ctx, acct); err != nil {
			return "", fmt.Errorf("save admin account: %w", err)
		}
		slog.Info("auth_event", "event", "admin_seeded", "email", email)
	default:
		return "", fmt.Errorf("load admin account: %w", err)
	}

	if err := deps.RoleStore.Assign(ctx, role.Assignment{ID: uuid.NewString(), UserID: acct.ID, Role: role.RoleAdmin, CreatedAt: now}); err != nil {
		return "", fmt.Errorf("assign admin role: %w", err)
	}
	return acct.ID, nil
}
