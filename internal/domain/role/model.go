package role

import (
	"errors"
	"strings"
	"time"
)

// Role constants
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// ValidRoles contains all valid role values.
var ValidRoles = []string{RoleAdmin, RoleUser}

// Domain errors
var (
	ErrEmptyUserID = errors.New("user id cannot be empty")
	ErrInvalidRole = errors.New("role must be one of: admin, user")
)

// Assignment grants a role to an account. At most one row exists per (UserID, Role).
type Assignment struct {
	ID        string
	UserID    string
	Role      string
	CreatedAt time.Time
}

// Validate checks if the Assignment has valid data.
// PRE: Assignment struct is populated
// POST: Returns nil if valid, error otherwise
func (a *Assignment) Validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return ErrEmptyUserID
	}
	if !IsValid(a.Role) {
		return ErrInvalidRole
	}
	return nil
}

// IsAdmin reports whether the assignment grants the admin role.
func (a *Assignment) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// IsValid returns true if r is a known role.
func IsValid(r string) bool {
	for _, v := range ValidRoles {
		if v == r {
			return true
		}
	}
	return false
}
