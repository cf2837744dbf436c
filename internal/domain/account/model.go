package account

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Account states. Members start pending and become active once they set a
// password through their activation link.
const (
	StatusPendingActivation = "pending_activation"
	StatusActive            = "active"
)

const (
	MaxEmailLength     = 254
	MinPasswordLength  = 12
	BcryptCost         = 12
	MaxFailedLogins    = 5
	LockoutDuration    = 15 * time.Minute
	ActivationLifetime = 72 * time.Hour
)

var (
	ErrEmptyEmail       = errors.New("email cannot be empty")
	ErrEmailTooLong     = errors.New("email cannot exceed 254 characters")
	ErrInvalidEmail     = errors.New("email must contain '@'")
	ErrInvalidStatus    = errors.New("status must be one of: active, pending_activation")
	ErrEmptyPassword    = errors.New("password cannot be empty")
	ErrPasswordTooShort = errors.New("password must be at least 12 characters")
	ErrWrongPassword    = errors.New("incorrect password")
	ErrAlreadyActivated = errors.New("account is already activated")
	ErrNotPending       = errors.New("account is not pending activation")
	ErrTokenInvalid     = errors.New("activation token is invalid")
	ErrTokenExpired     = errors.New("activation link has expired")
	ErrNotFound         = errors.New("account not found")
	ErrEmailTaken       = errors.New("an account with this email already exists")
)

// Account is a sign-in identity. Members are provisioned from an approved
// registration and keep its fiscal code and id; the administrator has neither.
type Account struct {
	ID             string
	Email          string
	PasswordHash   string
	Status         string
	FiscalCode     string
	RegistrationID string
	CreatedAt      time.Time

	// Lockout state, see RecordFailedLogin.
	FailedLogins int
	LockedUntil  time.Time
}

// Validate reports the first problem with the account's stored fields.
func (a *Account) Validate() error {
	email := strings.TrimSpace(a.Email)
	switch {
	case email == "":
		return ErrEmptyEmail
	case len(email) > MaxEmailLength:
		return ErrEmailTooLong
	case strings.IndexByte(email, '@') < 0:
		return ErrInvalidEmail
	}
	switch a.Status {
	case StatusActive, StatusPendingActivation:
		return nil
	default:
		return ErrInvalidStatus
	}
}

// SetPassword replaces the password hash.
// PRE: plaintext has at least MinPasswordLength bytes
func (a *Account) SetPassword(plaintext string) error {
	switch {
	case plaintext == "":
		return ErrEmptyPassword
	case len(plaintext) < MinPasswordLength:
		return ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), BcryptCost)
	if err != nil {
		return err
	}
	a.PasswordHash = string(hash)
	return nil
}

// CheckPassword returns ErrWrongPassword unless plaintext matches the hash.
// An account without a hash never matches.
func (a *Account) CheckPassword(plaintext string) error {
	if a.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(plaintext)) != nil {
		return ErrWrongPassword
	}
	return nil
}

// IsLocked reports whether sign-in is refused at now.
func (a *Account) IsLocked(now time.Time) bool {
	return !a.LockedUntil.IsZero() && now.Before(a.LockedUntil)
}

// RecordFailedLogin counts a wrong password. From the MaxFailedLogins-th
// failure on, every further failure pushes the lock LockoutDuration past now.
func (a *Account) RecordFailedLogin(now time.Time) {
	a.FailedLogins++
	if a.FailedLogins >= MaxFailedLogins {
		a.LockedUntil = now.Add(LockoutDuration)
	}
}

// ResetFailedLogins clears the lockout state after a successful sign-in.
func (a *Account) ResetFailedLogins() {
	a.FailedLogins, a.LockedUntil = 0, time.Time{}
}

func (a *Account) IsActive() bool            { return a.Status == StatusActive }
func (a *Account) IsPendingActivation() bool { return a.Status == StatusPendingActivation }

// Activate moves a pending account to active.
// POST: Status is StatusActive, or the account is unchanged and an error is returned
func (a *Account) Activate() error {
	switch a.Status {
	case StatusPendingActivation:
		a.Status = StatusActive
		return nil
	case StatusActive:
		return ErrAlreadyActivated
	default:
		return ErrNotPending
	}
}

// MemberEmail derives the login email of a member provisioned from a
// registration: the lower-cased fiscal code at the chapter's member domain.
func MemberEmail(fiscalCode, domain string) string {
	return strings.ToLower(strings.TrimSpace(fiscalCode)) + "@" + strings.TrimPrefix(domain, "@")
}

// ActivationToken is the single-use secret in a member's activation link.
type ActivationToken struct {
	ID        string
	AccountID string
	Token     string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// NewActivationToken issues a token for accountID valid for ActivationLifetime.
// POST: Token is 64 hex characters from crypto/rand
func NewActivationToken(id, accountID string, now time.Time) (ActivationToken, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return ActivationToken{}, err
	}
	return ActivationToken{
		ID:        id,
		AccountID: accountID,
		Token:     hex.EncodeToString(secret[:]),
		ExpiresAt: now.Add(ActivationLifetime),
		CreatedAt: now,
	}, nil
}

// Check returns nil if the token can still be redeemed at now.
func (t *ActivationToken) Check(now time.Time) error {
	if t.Used {
		return ErrTokenInvalid
	}
	if now.After(t.ExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}
