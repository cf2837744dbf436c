package orchestrators

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"duemari/internal/domain/audit"
	"duemari/internal/domain/outbox"
	"duemari/internal/domain/registration"
	"duemari/internal/obs"
)

// RegistrationStoreForSubmit defines the store interface needed by SubmitRegistration.
type RegistrationStoreForSubmit interface {
	Insert(ctx context.Context, firstName, lastName, codiceFiscale string) (registration.PendingRegistration, error)
}

// AuditRecorder appends audit events.
type AuditRecorder interface {
	Save(ctx context.Context, event audit.Event) error
}

// OutboxEnqueuer queues external actions for background delivery.
type OutboxEnqueuer interface {
	Save(ctx context.Context, e outbox.Entry) error
}

// AdminNotice configures the email sent to admins for each new registration.
// An empty recipient list disables the notice.
type AdminNotice struct {
	To        []string
	Dashboard string // absolute URL of the admin dashboard
}

// SubmitRegistrationInput carries input for the orchestrator.
type SubmitRegistrationInput struct {
	FirstName     string
	LastName      string
	CodiceFiscale string
	IPAddress     string
	UserAgent     string
}

// SubmitRegistrationDeps holds dependencies for SubmitRegistration.
type SubmitRegistrationDeps struct {
	RegistrationStore RegistrationStoreForSubmit
	AuditStore        AuditRecorder  // optional: nil skips the audit trail
	Outbox            OutboxEnqueuer // optional: nil skips the admin notice
	Notice            AdminNotice
	Metrics           *obs.Metrics
	Now               func() time.Time
}

// ExecuteSubmitRegistration records a membership request for admin review.
// PRE: none; all fields are validated here
// POST: On success a pending record exists with id and created_at set by the store
// INVARIANT: validation failures never reach the store
func ExecuteSubmitRegistration(ctx context.Context, input SubmitRegistrationInput, deps SubmitRegistrationDeps) (registration.PendingRegistration, error) {
	candidate := registration.PendingRegistration{
		FirstName:     strings.TrimSpace(input.FirstName),
		LastName:      strings.TrimSpace(input.LastName),
		CodiceFiscale: registration.NormalizeFiscalCode(input.CodiceFiscale),
		Status:        registration.StatusPending,
	}
	if err := candidate.Validate(); err != nil {
		deps.Metrics.RegistrationSubmitted("invalid")
		return registration.PendingRegistration{}, err
	}

	reg, err := deps.RegistrationStore.Insert(ctx, candidate.FirstName, candidate.LastName, candidate.CodiceFiscale)
	if err != nil {
		deps.Metrics.RegistrationSubmitted("error")
		return registration.PendingRegistration{}, fmt.Errorf("save registration: %w", err)
	}
	deps.Metrics.RegistrationSubmitted("ok")
	slog.Info("registration_event", "event", "registration_submitted", "registration_id", reg.ID)

	now := clock(deps.Now)
	recordAudit(ctx, deps.AuditStore, audit.NewEvent("", "", audit.CategoryRegistration, audit.ActionSubmit, now).
		WithResource(audit.ResourceRegistration, reg.ID).
		WithDescription(reg.FullName()).
		WithRequest(input.IPAddress, input.UserAgent))

	if deps.Outbox != nil && len(deps.Notice.To) > 0 {
		if err := enqueueAdminNotice(ctx, deps.Outbox, deps.Notice, reg, now); err != nil {
			slog.Error("registration_event", "event", "admin_notice_enqueue_failed", "registration_id", reg.ID, "error", err)
		}
	}
	return reg, nil
}

// EmailPayload is the outbox payload of an email action. Body is Markdown.
type EmailPayload struct {
	To             []string          `json:"to"`
	Subject        string            `json:"subject"`
	Markdown       string            `json:"markdown"`
	Tags           map[string]string `json:"tags,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
}

func enqueueAdminNotice(ctx context.Context, q OutboxEnqueuer, notice AdminNotice, reg registration.PendingRegistration, now time.Time) error {
	id := audit.NewID(now)
	payload, err := json.Marshal(EmailPayload{
		To:             notice.To,
		Subject:        "Nuova richiesta di registrazione: " + reg.FullName(),
		Markdown:       adminNoticeBody(reg, notice.Dashboard),
		Tags:           map[string]string{"kind": "registration_notice", "registration_id": reg.ID},
		IdempotencyKey: "registration-" + reg.ID,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	entry := outbox.NewEntry(id, outbox.ActionTypeEmail, string(payload), now)
	if err := entry.Validate(); err != nil {
		return err
	}
	return q.Save(ctx, entry)
}

func adminNoticeBody(reg registration.PendingRegistration, dashboard string) string {
	var b strings.Builder
	b.WriteString("**Nuova richiesta di registrazione**\n\n")
	b.WriteString("| Nome | Cognome | Codice fiscale |\n")
	b.WriteString("|---|---|---|\n")
	fmt.Fprintf(&b, "| %s | %s | %s |\n\n", escapeCell(reg.FirstName), escapeCell(reg.LastName), escapeCell(reg.CodiceFiscale))
	fmt.Fprintf(&b, "Ricevuta il %s.", reg.CreatedAt.Local().Format("02/01/2006 15:04"))
	if dashboard != "" {
		fmt.Fprintf(&b, " Approva o rifiuta dalla [dashboard](%s).", dashboard)
	}
	b.WriteString("\n")
	return b.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// clock returns now() or the wall clock when now is nil.
func clock(now func() time.Time) time.Time {
	if now == nil {
		return time.Now()
	}
	return now()
}

// recordAudit saves ev when rec is set. Failures are logged, never returned.
func recordAudit(ctx context.Context, rec AuditRecorder, ev audit.Event) {
	if rec == nil {
		return
	}
	if err := rec.Save(ctx, ev); err != nil {
		slog.Error("audit_event", "event", "audit_save_failed", "category", ev.Category, "action", ev.Action, "error", err)
	}
}
