package web

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gorilla/csrf"

	"duemari/internal/adapters/http/middleware"
	"duemari/internal/application/dashboard"
	"duemari/internal/application/notify"
	"duemari/internal/application/orchestrators"
	"duemari/internal/application/projections"
	"duemari/internal/domain/account"
	"duemari/internal/domain/audit"
	"duemari/internal/domain/registration"
	"duemari/internal/domain/role"
	"duemari/internal/identity"
)

//go:embed templates/*.html
var templateFS embed.FS

// internalError logs the real error and returns a generic message to the client.
// This prevents leaking internal details per OWASP A05.
func internalError(w http.ResponseWriter, err error) {
	slog.Error("internal_error", "error", err.Error())
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// strictDecode decodes JSON from the request body, rejecting unknown fields.
func strictDecode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps a domain or provider error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registration.ErrEmptyFirstName),
		errors.Is(err, registration.ErrEmptyLastName),
		errors.Is(err, registration.ErrEmptyFiscalCode),
		errors.Is(err, registration.ErrFiscalCodeTooLong),
		errors.Is(err, registration.ErrNameTooLong),
		errors.Is(err, registration.ErrNotesTooLong),
		errors.Is(err, account.ErrEmptyPassword),
		errors.Is(err, account.ErrPasswordTooShort),
		errors.Is(err, account.ErrTokenInvalid),
		errors.Is(err, account.ErrTokenExpired),
		errors.Is(err, account.ErrAlreadyActivated),
		errors.Is(err, account.ErrNotPending):
		return http.StatusBadRequest
	case errors.Is(err, identity.ErrInvalidCredentials),
		errors.Is(err, identity.ErrNotActivated),
		errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, orchestrators.ErrUnresolvedIdentity):
		return http.StatusUnauthorized
	case errors.Is(err, orchestrators.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, registration.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registration.ErrNotPending),
		errors.Is(err, account.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, identity.ErrAccountLocked):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// actorFrom describes the signed-in caller for orchestrators.
func actorFrom(r *http.Request) orchestrators.Actor {
	p, _ := middleware.PrincipalFromContext(r.Context())
	return orchestrators.Actor{
		ID:        p.UserID,
		Email:     p.Email,
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// isAdmin reports whether the signed-in caller holds the admin role.
// Lookup errors count as not admin.
func isAdmin(ctx context.Context) bool {
	p, ok := middleware.PrincipalFromContext(ctx)
	if !ok {
		return false
	}
	admin, err := stores.RoleStore.HasRole(ctx, p.UserID, role.RoleAdmin)
	if err != nil {
		slog.Error("auth_event", "event", "role_lookup_failed", "user_id", p.UserID, "error", err)
		return false
	}
	return admin
}

// recordSessionEvent appends a sign-in or sign-out to the audit trail.
// Failures are logged, never returned.
func recordSessionEvent(r *http.Request, action audit.Action, userID, email string, failure error) {
	if stores.AuditStore == nil {
		return
	}
	ev := audit.NewEvent(userID, email, audit.CategorySession, action, timeNow()).
		WithRequest(middleware.ClientIP(r), r.UserAgent())
	if userID != "" {
		ev = ev.WithResource(audit.ResourceAccount, userID)
	}
	if failure != nil {
		ev = ev.WithSeverity(audit.SeverityWarning).WithDescription(failure.Error())
	}
	if err := stores.AuditStore.Save(r.Context(), ev); err != nil {
		slog.Error("audit_event", "event", "audit_save_failed", "action", action, "error", err)
	}
}

func renderTemplate(w http.ResponseWriter, r *http.Request, templateName string, data any) {
	renderTemplateStatus(w, r, http.StatusOK, templateName, data)
}

// pages holds each page template parsed together with the layout.
var pages = mustParsePages()

// pageFuncs are the template functions that do not depend on the request.
var pageFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Local().Format("02/01/2006 15:04")
	},
	"statusLabel": func(status string) string {
		switch status {
		case registration.StatusPending:
			return "In attesa"
		case registration.StatusApproved:
			return "Approvata"
		case registration.StatusRejected:
			return "Rifiutata"
		}
		return status
	},
}

// requestFuncs binds the request-scoped template functions to r. The
// functions only touch r when a template calls them.
func requestFuncs(r *http.Request) template.FuncMap {
	return template.FuncMap{
		"currentEmail": func() string {
			p, _ := middleware.PrincipalFromContext(r.Context())
			return p.Email
		},
		"isLoggedIn": func() bool {
			_, ok := middleware.PrincipalFromContext(r.Context())
			return ok
		},
		"csrfToken": func() string { return csrf.Token(r) },
		"csrfField": func() template.HTML { return csrf.TemplateField(r) },
	}
}

// parsePages parses every page under templates/ with the layout.
func parsePages() (map[string]*template.Template, error) {
	names, err := fs.Glob(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	out := make(map[string]*template.Template, len(names))
	for _, name := range names {
		page := path.Base(name)
		if page == "layout.html" {
			continue
		}
		tpl, err := template.New("layout.html").Funcs(pageFuncs).Funcs(requestFuncs(nil)).
			ParseFS(templateFS, "templates/layout.html", name)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", page, err)
		}
		out[page] = tpl
	}
	return out, nil
}

func mustParsePages() map[string]*template.Template {
	p, err := parsePages()
	if err != nil {
		panic(err)
	}
	return p
}

// renderTemplateStatus executes a page on a clone of its parsed template with
// the request's functions bound.
func renderTemplateStatus(w http.ResponseWriter, r *http.Request, status int, templateName string, data any) {
	page, ok := pages[templateName]
	if !ok {
		internalError(w, fmt.Errorf("unknown template %q", templateName))
		return
	}
	tpl, err := page.Clone()
	if err != nil {
		internalError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := tpl.Funcs(requestFuncs(r)).Execute(&buf, data); err != nil {
		internalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// handleHome renders the landing page (GET /{$}).
func handleHome(w http.ResponseWriter, r *http.Request) {
	renderTemplate(w, r, "home.html", map[string]any{
		"IsAdmin": isAdmin(r.Context()),
	})
}

// handleAuthPage renders the sign-in and registration forms (GET /auth).
// Signed-in visitors are sent home.
func handleAuthPage(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.PrincipalFromContext(r.Context()); ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	renderTemplate(w, r, "auth.html", map[string]any{"Tab": "login"})
}

// handleLoginForm signs in with "admin" or a fiscal code (POST /auth/login).
// PRE: form carries identifier and password
// POST: on success the session cookie is set and the visitor is sent home
func handleLoginForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	identifier := r.FormValue("identifier")
	sess, err := orchestrators.ExecuteSignIn(r.Context(), orchestrators.SignInInput{
		Identifier: identifier,
		Password:   r.FormValue("password"),
	}, signInDeps())
	if err != nil {
		recordSessionEvent(r, audit.ActionLogin, "", "", err)
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("internal_error", "error", err.Error())
			err = nil
		}
		renderTemplateStatus(w, r, status, "auth.html", map[string]any{
			"Tab":        "login",
			"Identifier": identifier,
			"Notice":     notify.SignInFailed(err),
		})
		return
	}

	middleware.SetSessionCookie(w, sess.AccessToken, sess.ExpiresAt)
	recordSessionEvent(r, audit.ActionLogin, sess.User.ID, sess.User.Email, nil)
	slog.Info("auth_event", "event", "signed_in", "user_id", sess.User.ID)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleRegisterForm submits a membership request (POST /auth/register).
func handleRegisterForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	input := orchestrators.SubmitRegistrationInput{
		FirstName:     r.FormValue("first_name"),
		LastName:      r.FormValue("last_name"),
		CodiceFiscale: r.FormValue("codice_fiscale"),
		IPAddress:     middleware.ClientIP(r),
		UserAgent:     r.UserAgent(),
	}
	if _, err := orchestrators.ExecuteSubmitRegistration(r.Context(), input, submitDeps()); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("internal_error", "error", err.Error())
			err = nil
		}
		renderTemplateStatus(w, r, status, "auth.html", map[string]any{
			"Tab":    "register",
			"Form":   input,
			"Notice": notify.RegistrationFailed(err),
		})
		return
	}
	renderTemplate(w, r, "auth.html", map[string]any{
		"Tab":    "login",
		"Notice": notify.RegistrationSubmitted(),
	})
}

// handleLogoutForm revokes the session and clears the cookie (POST /logout).
func handleLogoutForm(w http.ResponseWriter, r *http.Request) {
	if p, ok := middleware.PrincipalFromContext(r.Context()); ok {
		if err := settings.Identity.SignOut(p.AccessToken); err != nil {
			slog.Warn("auth_event", "event", "sign_out_failed", "user_id", p.UserID, "error", err)
		}
		recordSessionEvent(r, audit.ActionLogout, p.UserID, p.Email, nil)
	}
	middleware.ClearSessionCookie(w)
	http.Redirect(w, r, "/auth", http.StatusSeeOther)
}

// handleActivatePage shows the password form for an activation link (GET /activate?token=...).
func handleActivatePage(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		renderTemplateStatus(w, r, http.StatusBadRequest, "activate.html", map[string]any{"Error": account.ErrTokenInvalid.Error()})
		return
	}
	tok, err := stores.AccountStore.GetActivationTokenByToken(r.Context(), token)
	if err == nil {
		err = tok.Check(timeNow())
	}
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			internalError(w, err)
			return
		}
		renderTemplateStatus(w, r, status, "activate.html", map[string]any{"Error": err.Error()})
		return
	}
	renderTemplate(w, r, "activate.html", map[string]any{"Token": token})
}

// handleActivateForm sets the member's password (POST /activate).
// PRE: form carries token, password and confirm
// POST: the account is active and the link is spent
func handleActivateForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	token := r.FormValue("token")
	password := r.FormValue("password")
	if password != r.FormValue("confirm") {
		renderTemplateStatus(w, r, http.StatusBadRequest, "activate.html", map[string]any{
			"Token": token,
			"Error": "Le password non coincidono",
		})
		return
	}

	acct, err := orchestrators.ExecuteActivateAccount(r.Context(), orchestrators.ActivateAccountInput{
		Token:     token,
		Password:  password,
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}, orchestrators.ActivateAccountDeps{
		AccountStore: stores.AccountStore,
		AuditStore:   stores.AuditStore,
		Now:          timeNow,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			internalError(w, err)
			return
		}
		data := map[string]any{"Error": err.Error()}
		if errors.Is(err, account.ErrPasswordTooShort) || errors.Is(err, account.ErrEmptyPassword) {
			data["Token"] = token
		}
		renderTemplateStatus(w, r, status, "activate.html", data)
		return
	}
	renderTemplate(w, r, "activate.html", map[string]any{"Done": true, "Email": acct.Email})
}

// adminPageData loads the dashboard and merges extra into it.
func adminPageData(ctx context.Context, extra map[string]any) (map[string]any, error) {
	result, err := projections.QueryGetRegistrationDashboard(ctx, projections.GetRegistrationDashboardQuery{},
		projections.GetRegistrationDashboardDeps{RegistrationStore: stores.RegistrationStore})
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"Pending":   result.Pending,
		"Processed": result.Processed,
		"Counts":    result.Counts,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data, nil
}

// renderAdmin renders the dashboard with an optional notice.
func renderAdmin(w http.ResponseWriter, r *http.Request, status int, extra map[string]any) {
	data, err := adminPageData(r.Context(), extra)
	if err != nil {
		slog.Error("registration_event", "event", "list_failed", "error", err)
		data = map[string]any{"Notice": notify.LoadFailed()}
		status = http.StatusInternalServerError
	}
	renderTemplateStatus(w, r, status, "admin.html", data)
}

// handleAdminPage renders the registration dashboard (GET /admin).
// PRE: caller is an admin
func handleAdminPage(w http.ResponseWriter, r *http.Request) {
	renderAdmin(w, r, http.StatusOK, nil)
}

// handleAdminApprove approves a registration from the dashboard
// (POST /admin/registrations/{id}/approve) and shows the activation link.
func handleAdminApprove(w http.ResponseWriter, r *http.Request) {
	result, err := orchestrators.ExecuteApproveRegistration(r.Context(), orchestrators.ApproveRegistrationInput{
		RegistrationID: r.PathValue("id"),
		Actor:          actorFrom(r),
	}, approveDeps())
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("internal_error", "error", err.Error())
			err = nil
		}
		renderAdmin(w, r, status, map[string]any{"Notice": notify.ApproveFailed(err)})
		return
	}
	renderAdmin(w, r, http.StatusOK, map[string]any{
		"Notice":   notify.RegistrationApproved(),
		"Approval": approvalFrom(result),
	})
}

// handleAdminReject rejects a registration from the dashboard
// (POST /admin/registrations/{id}/reject).
func handleAdminReject(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form submission", http.StatusBadRequest)
		return
	}
	_, err := orchestrators.ExecuteRejectRegistration(r.Context(), orchestrators.RejectRegistrationInput{
		RegistrationID: r.PathValue("id"),
		Notes:          strings.TrimSpace(r.FormValue("notes")),
		Actor:          actorFrom(r),
	}, rejectDeps())
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("internal_error", "error", err.Error())
			err = nil
		}
		renderAdmin(w, r, status, map[string]any{"Notice": notify.RejectFailed(err)})
		return
	}
	renderAdmin(w, r, http.StatusOK, map[string]any{"Notice": notify.RegistrationRejected()})
}

// approvalFrom describes a provisioned account for API and page responses.
func approvalFrom(res orchestrators.ApproveRegistrationResult) dashboard.Approval {
	return dashboard.Approval{
		RegistrationID:  res.Registration.ID,
		AccountID:       res.AccountID,
		Email:           res.Email,
		ActivationToken: res.ActivationToken,
		ActivationURL:   activationURL(res.ActivationToken),
		ExpiresAt:       res.ExpiresAt,
	}
}
