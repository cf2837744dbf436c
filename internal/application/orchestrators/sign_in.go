package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"duemari/internal/domain/account"
	"duemari/internal/domain/registration"
	"duemari/internal/identity"
	"duemari/internal/obs"
)

// AdminIdentifier is the login name that maps to the administrator email.
const AdminIdentifier = "admin"

// DefaultAdminEmail is the administrator's login email when none is configured.
const DefaultAdminEmail = "admin@duemari.com"

// ErrUnresolvedIdentity is returned when a fiscal code does not resolve to
// exactly one approved account.
var ErrUnresolvedIdentity = errors.New("Credenziali non valide o utente non approvato")

// FiscalCodeMatch is one row returned by the fiscal-code lookup.
type FiscalCodeMatch struct {
	Email string `json:"email"`
}

// AccountStoreForFiscalCode defines the store interface needed by AuthenticateByFiscalCode.
type AccountStoreForFiscalCode interface {
	FindByApprovedFiscalCode(ctx context.Context, fiscalCode string) ([]account.Account, error)
	Save(ctx context.Context, a account.Account) error
}

// AuthenticateByFiscalCodeInput carries input for the lookup.
type AuthenticateByFiscalCodeInput struct {
	CodiceFiscale string
	Password      string
}

// AuthenticateByFiscalCodeDeps holds dependencies for AuthenticateByFiscalCode.
type AuthenticateByFiscalCodeDeps struct {
	AccountStore AccountStoreForFiscalCode
	Now          func() time.Time
}

// ExecuteAuthenticateByFiscalCode resolves a fiscal code plus password to the
// login email of the member account.
// PRE: none
// POST: Returns only active, unlocked accounts from approved registrations
// whose password matches; an empty result is not an error. A wrong password
// counts towards the candidate's lockout.
func ExecuteAuthenticateByFiscalCode(ctx context.Context, input AuthenticateByFiscalCodeInput, deps AuthenticateByFiscalCodeDeps) ([]FiscalCodeMatch, error) {
	code := registration.NormalizeFiscalCode(input.CodiceFiscale)
	if code == "" || input.Password == "" {
		return nil, nil
	}
	candidates, err := deps.AccountStore.FindByApprovedFiscalCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("find accounts by fiscal code: %w", err)
	}
	now := clock(deps.Now)
	var matches []FiscalCodeMatch
	for _, acct := range candidates {
		if !acct.IsActive() {
			continue
		}
		if acct.IsLocked(now) {
			slog.Info("auth_event", "event", "login_blocked", "account_id", acct.ID, "reason", "locked")
			continue
		}
		if acct.CheckPassword(input.Password) != nil {
			acct.RecordFailedLogin(now)
			if err := deps.AccountStore.Save(ctx, acct); err != nil {
				return nil, fmt.Errorf("record failed login: %w", err)
			}
			slog.Info("auth_event", "event", "login_failed", "account_id", acct.ID, "reason", "wrong_password", "failed_logins", acct.FailedLogins)
			continue
		}
		matches = append(matches, FiscalCodeMatch{Email: acct.Email})
	}
	return matches, nil
}

// FiscalCodeResolver looks up the login email behind a fiscal code.
type FiscalCodeResolver interface {
	AuthenticateByFiscalCode(ctx context.Context, codiceFiscale, password string) ([]FiscalCodeMatch, error)
}

// LocalFiscalCodeResolver runs the lookup in-process against the account store.
type LocalFiscalCodeResolver struct {
	Accounts AccountStoreForFiscalCode
	Now      func() time.Time
}

// AuthenticateByFiscalCode implements FiscalCodeResolver.
func (r LocalFiscalCodeResolver) AuthenticateByFiscalCode(ctx context.Context, codiceFiscale, password string) ([]FiscalCodeMatch, error) {
	return ExecuteAuthenticateByFiscalCode(ctx, AuthenticateByFiscalCodeInput{CodiceFiscale: codiceFiscale, Password: password},
		AuthenticateByFiscalCodeDeps{AccountStore: r.Accounts, Now: r.Now})
}

// PasswordAuthenticator opens a session from an email and password.
type PasswordAuthenticator interface {
	SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error)
}

// SignInInput carries input for the orchestrator.
type SignInInput struct {
	Identifier string // "admin" or a fiscal code
	Password   string
}

// SignInDeps holds dependencies for SignIn.
type SignInDeps struct {
	Resolver   FiscalCodeResolver
	Auth       PasswordAuthenticator
	AdminEmail string // empty uses DefaultAdminEmail
	Metrics    *obs.Metrics
}

// ExecuteSignIn resolves the identifier to an email and signs in.
// PRE: none
// POST: Returns a session only when the identity provider accepted the credentials
// INVARIANT: a fiscal code that resolves to zero or several accounts never signs in
func ExecuteSignIn(ctx context.Context, input SignInInput, deps SignInDeps) (*identity.Session, error) {
	identifier := strings.TrimSpace(input.Identifier)
	method := "fiscal_code"
	email := ""

	if strings.EqualFold(identifier, AdminIdentifier) {
		method = "admin"
		email = deps.AdminEmail
		if email == "" {
			email = DefaultAdminEmail
		}
	} else {
		matches, err := deps.Resolver.AuthenticateByFiscalCode(ctx, identifier, input.Password)
		switch {
		case err != nil:
			slog.Warn("auth_event", "event", "fiscal_code_lookup_failed", "error", err)
			deps.Metrics.SignIn(method, "unresolved")
			return nil, ErrUnresolvedIdentity
		case len(matches) != 1:
			slog.Info("auth_event", "event", "fiscal_code_unresolved", "matches", len(matches))
			deps.Metrics.SignIn(method, "unresolved")
			return nil, ErrUnresolvedIdentity
		}
		email = matches[0].Email
	}

	sess, err := deps.Auth.SignInWithPassword(ctx, email, input.Password)
	if err != nil {
		deps.Metrics.SignIn(method, "rejected")
		return nil, err
	}
	if sess == nil {
		deps.Metrics.SignIn(method, "rejected")
		return nil, identity.ErrInvalidCredentials
	}
	deps.Metrics.SignIn(method, "ok")
	return sess, nil
}
