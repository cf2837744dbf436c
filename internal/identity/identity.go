// Package identity implements the chapter's identity provider: password
// sign-in against account records, signed access tokens and a revocable
// session registry. It also defines the client-side Provider contract the
// session manager consumes.
package identity

import (
	"context"
	"errors"
	"time"
)

// Event is an auth-state change delivered to OnAuthStateChange listeners.
type Event string

// Auth-state events.
const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// DefaultSessionTTL is how long an access token stays valid.
const DefaultSessionTTL = 24 * time.Hour

// Provider errors. Messages are shown to the user verbatim.
var (
	ErrInvalidCredentials = errors.New("Invalid login credentials")
	ErrNotActivated       = errors.New("Email not confirmed")
	ErrAccountLocked      = errors.New("Too many failed attempts, try again later")
	ErrInvalidToken       = errors.New("invalid or expired session")
	ErrWeakSecret         = errors.New("auth secret must be at least 32 bytes")
)

// User is the identity attached to a session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is an authenticated session. It never carries the password.
type Session struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        User      `json:"user"`
}

// Expired reports whether the session has passed its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Provider is the client-side view of the identity provider.
type Provider interface {
	// GetSession returns the current session, or nil when signed out.
	GetSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context) error
	// OnAuthStateChange registers fn for auth-state events and returns a
	// function that removes it.
	OnAuthStateChange(fn func(Event, *Session)) (unsubscribe func())
}
