package orchestrators

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"duemari/internal/domain/account"
	"duemari/internal/domain/audit"
	"duemari/internal/domain/registration"
	"duemari/internal/domain/role"
	"duemari/internal/obs"
)

// ErrNotAdmin is returned when a non-admin attempts an admin-only operation.
var ErrNotAdmin = errors.New("admin role required")

// DefaultMemberEmailDomain is the domain of provisioned member emails.
const DefaultMemberEmailDomain = "soci.duemari.com"

// Actor identifies the signed-in user performing an operation.
type Actor struct {
	ID        string
	Email     string
	IPAddress string
	UserAgent string
}

// RoleChecker answers role lookups.
type RoleChecker interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// RoleStoreForProvision defines the role store interface needed by approval.
type RoleStoreForProvision interface {
	RoleChecker
	Assign(ctx context.Context, a role.Assignment) error
}

// RegistrationStoreForDecision defines the store interface needed by approve and reject.
type RegistrationStoreForDecision interface {
	GetByID(ctx context.Context, id string) (registration.PendingRegistration, error)
	ClaimApproval(ctx context.Context, id, adminID string, now time.Time) error
	ReleaseApproval(ctx context.Context, id, adminID string) error
	Reject(ctx context.Context, id, adminID, notes string, now time.Time) error
}

// AccountStoreForProvision defines the account store interface needed by approval.
type AccountStoreForProvision interface {
	GetByEmail(ctx context.Context, email string) (account.Account, error)
	Save(ctx context.Context, a account.Account) error
	Delete(ctx context.Context, id string) error
	SaveActivationToken(ctx context.Context, t account.ActivationToken) error
}

// requireAdmin verifies the actor holds the admin role. Denials are audited.
func requireAdmin(ctx context.Context, roles RoleChecker, rec AuditRecorder, actor Actor, now time.Time) error {
	if actor.ID == "" {
		return ErrNotAdmin
	}
	ok, err := roles.HasRole(ctx, actor.ID, role.RoleAdmin)
	if err != nil {
		return fmt.Errorf("check admin role: %w", err)
	}
	if !ok {
		slog.Warn("auth_event", "event", "admin_denied", "user_id", actor.ID)
		recordAudit(ctx, rec, audit.NewEvent(actor.ID, actor.Email, audit.CategorySecurity, audit.ActionDenied, now).
			WithSeverity(audit.SeverityWarning).
			WithRequest(actor.IPAddress, actor.UserAgent))
		return ErrNotAdmin
	}
	return nil
}

// --- Approve ---

// ApproveRegistrationInput carries input for the orchestrator.
type ApproveRegistrationInput struct {
	RegistrationID string
	Actor          Actor
}

// ApproveRegistrationResult describes the provisioned member account.
type ApproveRegistrationResult struct {
	Registration    registration.PendingRegistration
	AccountID       string
	Email           string
	ActivationToken string
	ExpiresAt       time.Time
}

// ApproveRegistrationDeps holds dependencies for ApproveRegistration.
type ApproveRegistrationDeps struct {
	RegistrationStore RegistrationStoreForDecision
	AccountStore      AccountStoreForProvision
	RoleStore         RoleStoreForProvision
	AuditStore        AuditRecorder // optional
	Metrics           *obs.Metrics
	MemberEmailDomain string // empty uses DefaultMemberEmailDomain
	Now               func() time.Time
}

// ExecuteApproveRegistration approves a pending registration and provisions
// the member's account.
// PRE: Actor holds the admin role
// POST: On success the registration is approved and a pending_activation
// account with role user and an activation token exists. On error the
// registration is left as it was found.
// INVARIANT: a registration is approved at most once
func ExecuteApproveRegistration(ctx context.Context, input ApproveRegistrationInput, deps ApproveRegistrationDeps) (ApproveRegistrationResult, error) {
	now := clock(deps.Now)
	if err := requireAdmin(ctx, deps.RoleStore, deps.AuditStore, input.Actor, now); err != nil {
		deps.Metrics.RegistrationDecided("approve", "denied")
		return ApproveRegistrationResult{}, err
	}

	reg, err := deps.RegistrationStore.GetByID(ctx, input.RegistrationID)
	if err != nil {
		deps.Metrics.RegistrationDecided("approve", "error")
		return ApproveRegistrationResult{}, err
	}
	if !reg.IsPending() {
		deps.Metrics.RegistrationDecided("approve", "conflict")
		return ApproveRegistrationResult{}, registration.ErrNotPending
	}

	// The claim is the serialization point between concurrent admins.
	if err := deps.RegistrationStore.ClaimApproval(ctx, reg.ID, input.Actor.ID, now); err != nil {
		outcome := "error"
		if errors.Is(err, registration.ErrNotPending) {
			outcome = "conflict"
		}
		deps.Metrics.RegistrationDecided("approve", outcome)
		return ApproveRegistrationResult{}, err
	}
	if err := reg.Approve(input.Actor.ID, now); err != nil {
		return ApproveRegistrationResult{}, err
	}

	domain := deps.MemberEmailDomain
	if domain == "" {
		domain = DefaultMemberEmailDomain
	}
	acct, tok, err := provisionMember(ctx, deps, reg, domain, now)
	if err != nil {
		if relErr := deps.RegistrationStore.ReleaseApproval(ctx, reg.ID, input.Actor.ID); relErr != nil {
			slog.Error("registration_event", "event", "approval_release_failed", "registration_id", reg.ID, "error", relErr)
			err = errors.Join(err, fmt.Errorf("release approval: %w", relErr))
		}
		slog.Error("registration_event", "event", "provision_failed", "registration_id", reg.ID, "error", err)
		deps.Metrics.RegistrationDecided("approve", "error")
		return ApproveRegistrationResult{}, err
	}

	deps.Metrics.RegistrationDecided("approve", "ok")
	slog.Info("registration_event", "event", "registration_approved", "registration_id", reg.ID, "account_id", acct.ID, "admin_id", input.Actor.ID)
	recordAudit(ctx, deps.AuditStore, audit.NewEvent(input.Actor.ID, input.Actor.Email, audit.CategoryRegistration, audit.ActionApprove, now).
		WithResource(audit.ResourceRegistration, reg.ID).
		WithDescription(reg.FullName()).
		WithRequest(input.Actor.IPAddress, input.Actor.UserAgent))
	recordAudit(ctx, deps.AuditStore, audit.NewEvent(input.Actor.ID, input.Actor.Email, audit.CategoryAccount, audit.ActionProvision, now).
		WithResource(audit.ResourceAccount, acct.ID).
		WithDescription(acct.Email))

	return ApproveRegistrationResult{
		Registration:    reg,
		AccountID:       acct.ID,
		Email:           acct.Email,
		ActivationToken: tok.Token,
		ExpiresAt:       tok.ExpiresAt,
	}, nil
}

// provisionMember creates the account, role and activation token for reg.
// POST: on error nothing it created is left behind
func provisionMember(ctx context.Context, deps ApproveRegistrationDeps, reg registration.PendingRegistration, domain string, now time.Time) (account.Account, account.ActivationToken, error) {
	email := account.MemberEmail(reg.CodiceFiscale, domain)
	_, err := deps.AccountStore.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return account.Account{}, account.ActivationToken{}, account.ErrEmailTaken
	case !errors.Is(err, account.ErrNotFound):
		return account.Account{}, account.ActivationToken{}, fmt.Errorf("check existing account: %w", err)
	}

	acct := account.Account{
		ID:             uuid.NewString(),
		Email:          email,
		Status:         account.StatusPendingActivation,
		FiscalCode:     reg.CodiceFiscale,
		RegistrationID: reg.ID,
		CreatedAt:      now,
	}
	if err := acct.Validate(); err != nil {
		return account.Account{}, account.ActivationToken{}, err
	}
	if err := deps.AccountStore.Save(ctx, acct); err != nil {
		return account.Account{}, account.ActivationToken{}, fmt.Errorf("save account: %w", err)
	}

	undo := func(cause error) (account.Account, account.ActivationToken, error) {
		if delErr := deps.AccountStore.Delete(ctx, acct.ID); delErr != nil {
			cause = errors.Join(cause, fmt.Errorf("delete account: %w", delErr))
		}
		return account.Account{}, account.ActivationToken{}, cause
	}

	assignment := role.Assignment{ID: uuid.NewString(), UserID: acct.ID, Role: role.RoleUser, CreatedAt: now}
	if err := deps.RoleStore.Assign(ctx, assignment); err != nil {
		return undo(fmt.Errorf("assign role: %w", err))
	}
	tok, err := account.NewActivationToken(uuid.NewString(), acct.ID, now)
	if err != nil {
		return undo(fmt.Errorf("generate activation token: %w", err))
	}
	if err := deps.AccountStore.SaveActivationToken(ctx, tok); err != nil {
		return undo(fmt.Errorf("save activation token: %w", err))
	}
	return acct, tok, nil
}

// --- Reject ---

// RejectRegistrationInput carries input for the orchestrator.
type RejectRegistrationInput struct {
	RegistrationID string
	Notes          string // empty uses registration.DefaultRejectionNote
	Actor          Actor
}

// RejectRegistrationDeps holds dependencies for RejectRegistration.
type RejectRegistrationDeps struct {
	RegistrationStore RegistrationStoreForDecision
	RoleStore         RoleChecker
	AuditStore        AuditRecorder // optional
	Metrics           *obs.Metrics
	Now               func() time.Time
}

// ExecuteRejectRegistration rejects a pending registration.
// PRE: Actor holds the admin role
// POST: Registration is rejected with notes, or unchanged on error
func ExecuteRejectRegistration(ctx context.Context, input RejectRegistrationInput, deps RejectRegistrationDeps) (registration.PendingRegistration, error) {
	now := clock(deps.Now)
	if err := requireAdmin(ctx, deps.RoleStore, deps.AuditStore, input.Actor, now); err != nil {
		deps.Metrics.RegistrationDecided("reject", "denied")
		return registration.PendingRegistration{}, err
	}

	reg, err := deps.RegistrationStore.GetByID(ctx, input.RegistrationID)
	if err != nil {
		deps.Metrics.RegistrationDecided("reject", "error")
		return registration.PendingRegistration{}, err
	}
	if err := reg.Reject(input.Actor.ID, input.Notes, now); err != nil {
		outcome := "invalid"
		if errors.Is(err, registration.ErrNotPending) {
			outcome = "conflict"
		}
		deps.Metrics.RegistrationDecided("reject", outcome)
		return registration.PendingRegistration{}, err
	}
	if err := deps.RegistrationStore.Reject(ctx, reg.ID, input.Actor.ID, reg.Notes, now); err != nil {
		outcome := "error"
		if errors.Is(err, registration.ErrNotPending) {
			outcome = "conflict"
		}
		deps.Metrics.RegistrationDecided("reject", outcome)
		return registration.PendingRegistration{}, err
	}

	deps.Metrics.RegistrationDecided("reject", "ok")
	slog.Info("registration_event", "event", "registration_rejected", "registration_id", reg.ID, "admin_id", input.Actor.ID)
	recordAudit(ctx, deps.AuditStore, audit.NewEvent(input.Actor.ID, input.Actor.Email, audit.CategoryRegistration, audit.ActionReject, now).
		WithResource(audit.ResourceRegistration, reg.ID).
		WithDescription(reg.Notes).
		WithRequest(input.Actor.IPAddress, input.Actor.UserAgent))
	return reg, nil
}
