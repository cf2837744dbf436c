package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"duemari/internal/domain/account"
)

// AccountStore defines the store interface needed by the Service.
type AccountStore interface {
	GetByEmail(ctx context.Context, email string) (account.Account, error)
	Save(ctx context.Context, a account.Account) error
}

type registered struct {
	userID    string
	expiresAt time.Time
}

// Service is the server-side identity provider. Issued sessions are tracked
// by token id so that sign-out revokes them before they expire.
type Service struct {
	accounts AccountStore
	tokens   tokenIssuer
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]registered
}

// NewService creates a Service signing tokens with secret.
// PRE: len(secret) >= 32
// POST: ttl <= 0 falls back to DefaultSessionTTL
func NewService(accounts AccountStore, secret []byte, ttl time.Duration) (*Service, error) {
	if len(secret) < 32 {
		return nil, ErrWeakSecret
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Service{
		accounts: accounts,
		tokens:   tokenIssuer{secret: secret, ttl: ttl},
		now:      time.Now,
		sessions: make(map[string]registered),
	}, nil
}

// SignInWithPassword verifies credentials and opens a session.
// PRE: email and password are non-empty
// POST: On success the account's failed-login counter is reset and the
// session is registered. On a wrong password the failure is recorded.
// INVARIANT: locked and not-yet-activated accounts never get a session
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Session{}, ErrInvalidCredentials
	}
	now := s.now()

	acct, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, account.ErrNotFound) {
		slog.Info("auth_event", "event", "login_failed", "email", email, "reason", "not_found")
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, fmt.Errorf("load account: %w", err)
	}

	if acct.IsLocked(now) {
		slog.Info("auth_event", "event", "login_blocked", "email", email, "reason", "locked")
		return Session{}, ErrAccountLocked
	}

	if err := acct.CheckPassword(password); err != nil {
		acct.RecordFailedLogin(now)
		if err := s.accounts.Save(ctx, acct); err != nil {
			slog.Error("auth_event", "event", "record_failure_failed", "email", email, "error", err)
		}
		slog.Info("auth_event", "event", "login_failed", "email", email, "reason", "wrong_password", "failed_logins", acct.FailedLogins)
		return Session{}, ErrInvalidCredentials
	}

	if acct.IsPendingActivation() {
		slog.Info("auth_event", "event", "login_blocked", "email", email, "reason", "pending_activation")
		return Session{}, ErrNotActivated
	}

	if acct.FailedLogins > 0 || !acct.LockedUntil.IsZero() {
		acct.ResetFailedLogins()
		if err := s.accounts.Save(ctx, acct); err != nil {
			slog.Error("auth_event", "event", "reset_failures_failed", "email", email, "error", err)
		}
	}

	sess, err := s.open(User{ID: acct.ID, Email: acct.Email}, now)
	if err != nil {
		return Session{}, err
	}
	slog.Info("auth_event", "event", "login_success", "email", acct.Email, "user_id", acct.ID)
	return sess, nil
}

// Verify returns the session for a live, unrevoked access token.
func (s *Service) Verify(token string) (Session, error) {
	now := s.now()
	claims, err := s.tokens.parse(token, now)
	if err != nil {
		return Session{}, err
	}
	s.mu.RLock()
	reg, ok := s.sessions[claims.ID]
	s.mu.RUnlock()
	if !ok || reg.userID != claims.Subject || !reg.expiresAt.After(now) {
		return Session{}, ErrInvalidToken
	}
	return sessionFromClaims(token, claims), nil
}

// Refresh revokes token and issues a new session for the same user.
// PRE: token is live
// POST: the old token no longer verifies
// INVARIANT: of concurrent refreshes of one token at most one succeeds
func (s *Service) Refresh(token string) (Session, error) {
	now := s.now()
	claims, err := s.tokens.parse(token, now)
	if err != nil {
		return Session{}, err
	}
	if !s.revoke(claims, now) {
		return Session{}, ErrInvalidToken
	}
	slog.Info("auth_event", "event", "token_refreshed", "user_id", claims.Subject)
	return s.open(User{ID: claims.Subject, Email: claims.Email}, now)
}

// revoke removes the live registry entry behind claims. It reports false when
// the entry was already gone, expired or issued to someone else.
func (s *Service) revoke(claims *Claims, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.sessions[claims.ID]
	if !ok || reg.userID != claims.Subject || !reg.expiresAt.After(now) {
		return false
	}
	delete(s.sessions, claims.ID)
	return true
}

// SignOut revokes the session behind token. Revoking an already revoked
// session is not an error.
func (s *Service) SignOut(token string) error {
	claims, err := s.tokens.parse(token, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, claims.ID)
	s.mu.Unlock()
	slog.Info("auth_event", "event", "logout", "user_id", claims.Subject)
	return nil
}

// ActiveSessions returns the number of registered, unexpired sessions.
func (s *Service) ActiveSessions() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, reg := range s.sessions {
		if reg.expiresAt.After(now) {
			n++
		}
	}
	return n
}

func (s *Service) open(user User, now time.Time) (Session, error) {
	signed, claims, err := s.tokens.issue(user, now)
	if err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	s.prune(now)
	s.sessions[claims.ID] = registered{userID: user.ID, expiresAt: claims.ExpiresAt.Time}
	s.mu.Unlock()
	return sessionFromClaims(signed, claims), nil
}

// prune drops expired registry entries.
// PRE: s.mu is held for writing
func (s *Service) prune(now time.Time) {
	for id, reg := range s.sessions {
		if !reg.expiresAt.After(now) {
			delete(s.sessions, id)
		}
	}
}

func sessionFromClaims(token string, claims *Claims) Session {
	return Session{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   claims.ExpiresAt.Time,
		User:        User{ID: claims.Subject, Email: claims.Email},
	}
}
