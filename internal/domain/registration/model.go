package registration

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Max length constants for user-editable fields.
const (
	MaxNameLength       = 100
	MaxFiscalCodeLength = 16
	MaxNotesLength      = 500
)

// Status constants
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// DefaultRejectionNote is recorded when an admin rejects without a note.
const DefaultRejectionNote = "Rifiutata dall'amministratore"

// Domain errors
var (
	ErrEmptyFirstName     = errors.New("first name is required")
	ErrEmptyLastName      = errors.New("last name is required")
	ErrEmptyFiscalCode    = errors.New("codice fiscale is required")
	ErrFiscalCodeTooLong  = errors.New("codice fiscale cannot exceed 16 characters")
	ErrNameTooLong        = errors.New("name cannot exceed 100 characters")
	ErrNotesTooLong       = errors.New("notes cannot exceed 500 characters")
	ErrInvalidStatus      = errors.New("status must be one of: pending, approved, rejected")
	ErrNotPending         = errors.New("registration is not pending")
	ErrEmptyDecisionActor = errors.New("admin ID is required to decide a registration")
	ErrNotFound           = errors.New("registration not found")
)

// PendingRegistration is a self-submitted membership request awaiting admin disposition.
// Records are never deleted; decided ones stay as an audit trail.
type PendingRegistration struct {
	ID            string
	FirstName     string
	LastName      string
	CodiceFiscale string
	Status        string // pending, approved, rejected
	CreatedAt     time.Time
	Notes         string // set on rejection
	DecidedAt     time.Time
	DecidedBy     string // AccountID of the admin who decided
}

// NormalizeFiscalCode trims surrounding whitespace and upper-cases the code.
func NormalizeFiscalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Validate checks if the PendingRegistration has valid data.
// PRE: PendingRegistration struct is populated
// POST: Returns nil if valid, error otherwise
func (p *PendingRegistration) Validate() error {
	if strings.TrimSpace(p.FirstName) == "" {
		return ErrEmptyFirstName
	}
	if strings.TrimSpace(p.LastName) == "" {
		return ErrEmptyLastName
	}
	if utf8.RuneCountInString(p.FirstName) > MaxNameLength || utf8.RuneCountInString(p.LastName) > MaxNameLength {
		return ErrNameTooLong
	}
	if strings.TrimSpace(p.CodiceFiscale) == "" {
		return ErrEmptyFiscalCode
	}
	if utf8.RuneCountInString(p.CodiceFiscale) > MaxFiscalCodeLength {
		return ErrFiscalCodeTooLong
	}
	if utf8.RuneCountInString(p.Notes) > MaxNotesLength {
		return ErrNotesTooLong
	}
	if !IsValidStatus(p.Status) {
		return ErrInvalidStatus
	}
	return nil
}

// FullName returns "First Last".
func (p *PendingRegistration) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// IsPending returns true if the registration is awaiting decision.
// INVARIANT: Status field is not mutated
func (p *PendingRegistration) IsPending() bool {
	return p.Status == StatusPending
}

// Approve moves the registration to approved status.
// PRE: Registration is pending, adminID is non-empty
// POST: Status is approved, DecidedBy and DecidedAt are set
func (p *PendingRegistration) Approve(adminID string, now time.Time) error {
	if !p.IsPending() {
		return ErrNotPending
	}
	if adminID == "" {
		return ErrEmptyDecisionActor
	}
	p.Status = StatusApproved
	p.DecidedBy = adminID
	p.DecidedAt = now
	return nil
}

// Reject moves the registration to rejected status and records the note.
// An empty note is replaced by DefaultRejectionNote.
// PRE: Registration is pending, adminID is non-empty
// POST: Status is rejected, Notes, DecidedBy and DecidedAt are set
func (p *PendingRegistration) Reject(adminID, notes string, now time.Time) error {
	if !p.IsPending() {
		return ErrNotPending
	}
	if adminID == "" {
		return ErrEmptyDecisionActor
	}
	notes = strings.TrimSpace(notes)
	if notes == "" {
		notes = DefaultRejectionNote
	}
	if utf8.RuneCountInString(notes) > MaxNotesLength {
		return ErrNotesTooLong
	}
	p.Status = StatusRejected
	p.Notes = notes
	p.DecidedBy = adminID
	p.DecidedAt = now
	return nil
}

// IsValidStatus reports whether s is a known registration status.
func IsValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Counts tallies registrations per status.
type Counts struct {
	Pending  int
	Approved int
	Rejected int
}

// Processed returns the number of decided registrations.
func (c Counts) Processed() int {
	return c.Approved + c.Rejected
}

// Tally counts registrations per status. Unknown statuses are ignored.
func Tally(regs []PendingRegistration) Counts {
	var c Counts
	for _, r := range regs {
		switch r.Status {
		case StatusPending:
			c.Pending++
		case StatusApproved:
			c.Approved++
		case StatusRejected:
			c.Rejected++
		}
	}
	return c
}

// SplitPending partitions registrations into pending and processed, preserving order.
func SplitPending(regs []PendingRegistration) (pending, processed []PendingRegistration) {
	for _, r := range regs {
		if r.IsPending() {
			pending = append(pending, r)
		} else {
			processed = append(processed, r)
		}
	}
	return pending, processed
}
