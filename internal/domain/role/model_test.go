package role_test

import (
	"errors"
	"testing"

	"duemari/internal/domain/role"
)

// TestAssignment_Validate tests validation of role assignments.
func TestAssignment_Validate(t *testing.T) {
	tests := []struct {
		name    string
		a       role.Assignment
		wantErr error
	}{
		{"admin role", role.Assignment{UserID: "u1", Role: role.RoleAdmin}, nil},
		{"user role", role.Assignment{UserID: "u1", Role: role.RoleUser}, nil},
		{"missing user", role.Assignment{Role: role.RoleAdmin}, role.ErrEmptyUserID},
		{"coach is not a chapter role", role.Assignment{UserID: "u1", Role: "coach"}, role.ErrInvalidRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.a.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestAssignment_IsAdmin tests the admin predicate.
func TestAssignment_IsAdmin(t *testing.T) {
	admin := role.Assignment{UserID: "u1", Role: role.RoleAdmin}
	user := role.Assignment{UserID: "u1", Role: role.RoleUser}
	if !admin.IsAdmin() {
		t.Error("IsAdmin() = false for admin assignment")
	}
	if user.IsAdmin() {
		t.Error("IsAdmin() = true for user assignment")
	}
}
