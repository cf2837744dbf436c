package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"duemari/internal/adapters/http/middleware"
	"duemari/internal/application/orchestrators"
	"duemari/internal/application/projections"
	"duemari/internal/domain/audit"
	"duemari/internal/domain/registration"
	"duemari/internal/domain/role"
)

// registrationJSON is the wire shape of a pending registration.
type registrationJSON struct {
	ID            string     `json:"id"`
	FirstName     string     `json:"first_name"`
	LastName      string     `json:"last_name"`
	CodiceFiscale string     `json:"codice_fiscale"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	Notes         string     `json:"notes,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	DecidedBy     string     `json:"decided_by,omitempty"`
}

func toRegistrationJSON(reg registration.PendingRegistration) registrationJSON {
	out := registrationJSON{
		ID:            reg.ID,
		FirstName:     reg.FirstName,
		LastName:      reg.LastName,
		CodiceFiscale: reg.CodiceFiscale,
		Status:        reg.Status,
		CreatedAt:     reg.CreatedAt,
		Notes:         reg.Notes,
		DecidedBy:     reg.DecidedBy,
	}
	if !reg.DecidedAt.IsZero() {
		decided := reg.DecidedAt
		out.DecidedAt = &decided
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("internal_error", "error", err.Error())
	}
}

// writeAPIError answers with {"error": message}. Unmapped errors are logged
// and reported generically.
func writeAPIError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("internal_error", "error", msg)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// --- Identity provider ---

// handleAPIToken opens a session from an email and password (POST /api/auth/token).
// PRE: body is {"email","password"}
// POST: returns the session; the password never appears in the response
func handleAPIToken(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := strictDecode(r, &input); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	sess, err := settings.Identity.SignInWithPassword(r.Context(), input.Email, input.Password)
	if err != nil {
		recordSessionEvent(r, audit.ActionLogin, "", input.Email, err)
		writeAPIError(w, err)
		return
	}
	recordSessionEvent(r, audit.ActionLogin, sess.User.ID, sess.User.Email, nil)
	writeJSON(w, http.StatusOK, sess)
}

// handleAPILogout revokes the caller's token (POST /api/auth/logout).
func handleAPILogout(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	if err := settings.Identity.SignOut(p.AccessToken); err != nil {
		writeAPIError(w, err)
		return
	}
	recordSessionEvent(r, audit.ActionLogout, p.UserID, p.Email, nil)
	middleware.ClearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleAPIRefresh exchanges the caller's token for a fresh one (POST /api/auth/refresh).
// POST: the old token is revoked
func handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	sess, err := settings.Identity.Refresh(p.AccessToken)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleAPIUser returns the caller's identity (GET /api/auth/user).
func handleAPIUser(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"id": p.UserID, "email": p.Email})
}

// --- Remote procedures ---

// handleRPCAuthenticateByFiscalCode resolves a fiscal code to login emails
// (POST /api/rpc/authenticate_by_fiscal_code). Callable without a session.
// POST: returns a JSON array, empty when nothing matched
func handleRPCAuthenticateByFiscalCode(w http.ResponseWriter, r *http.Request) {
	var input struct {
		CodiceFiscale string `json:"input_codice_fiscale"`
		Password      string `json:"input_password"`
	}
	if err := strictDecode(r, &input); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	matches, err := orchestrators.ExecuteAuthenticateByFiscalCode(r.Context(), orchestrators.AuthenticateByFiscalCodeInput{
		CodiceFiscale: input.CodiceFiscale,
		Password:      input.Password,
	}, orchestrators.AuthenticateByFiscalCodeDeps{AccountStore: stores.AccountStore, Now: timeNow})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if matches == nil {
		matches = []orchestrators.FiscalCodeMatch{}
	}
	writeJSON(w, http.StatusOK, matches)
}

// handleRPCApproveRegistration approves a registration and provisions the
// member account (POST /api/rpc/approve_registration).
// PRE: caller is signed in; the orchestrator checks the admin role
func handleRPCApproveRegistration(w http.ResponseWriter, r *http.Request) {
	var input struct {
		RegistrationID string `json:"registration_id"`
	}
	if err := strictDecode(r, &input); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if input.RegistrationID == "" {
		badRequest(w, "registration_id is required")
		return
	}
	result, err := orchestrators.ExecuteApproveRegistration(r.Context(), orchestrators.ApproveRegistrationInput{
		RegistrationID: input.RegistrationID,
		Actor:          actorFrom(r),
	}, approveDeps())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approvalFrom(result))
}

// handleRPCRejectRegistration rejects a registration (POST /api/rpc/reject_registration).
// PRE: caller is signed in; the orchestrator checks the admin role
func handleRPCRejectRegistration(w http.ResponseWriter, r *http.Request) {
	var input struct {
		RegistrationID string `json:"registration_id"`
		Notes          string `json:"rejection_notes"`
	}
	if err := strictDecode(r, &input); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if input.RegistrationID == "" {
		badRequest(w, "registration_id is required")
		return
	}
	reg, err := orchestrators.ExecuteRejectRegistration(r.Context(), orchestrators.RejectRegistrationInput{
		RegistrationID: input.RegistrationID,
		Notes:          input.Notes,
		Actor:          actorFrom(r),
	}, rejectDeps())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRegistrationJSON(reg))
}

// --- Data ---

// handleAPISubmitRegistration records a membership request (POST /api/registrations).
// Callable without a session.
func handleAPISubmitRegistration(w http.ResponseWriter, r *http.Request) {
	var input struct {
		FirstName     string `json:"first_name"`
		LastName      string `json:"last_name"`
		CodiceFiscale string `json:"codice_fiscale"`
	}
	if err := strictDecode(r, &input); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	reg, err := orchestrators.ExecuteSubmitRegistration(r.Context(), orchestrators.SubmitRegistrationInput{
		FirstName:     input.FirstName,
		LastName:      input.LastName,
		CodiceFiscale: input.CodiceFiscale,
		IPAddress:     middleware.ClientIP(r),
		UserAgent:     r.UserAgent(),
	}, submitDeps())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRegistrationJSON(reg))
}

// handleAPIListRegistrations lists every registration, newest first (GET /api/registrations).
// PRE: caller is an admin
func handleAPIListRegistrations(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !registration.IsValidStatus(status) {
		badRequest(w, registration.ErrInvalidStatus.Error())
		return
	}
	result, err := projections.QueryGetRegistrationDashboard(r.Context(), projections.GetRegistrationDashboardQuery{Status: status},
		projections.GetRegistrationDashboardDeps{RegistrationStore: stores.RegistrationStore})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	out := make([]registrationJSON, 0, len(result.All))
	for _, reg := range result.All {
		out = append(out, toRegistrationJSON(reg))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAPIRoles answers whether a user holds a role (GET /api/roles?user_id=&role=).
// Callers may ask about themselves; asking about anyone else requires admin.
func handleAPIRoles(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.PrincipalFromContext(r.Context())
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = p.UserID
	}
	roleName := r.URL.Query().Get("role")
	if roleName == "" {
		roleName = role.RoleAdmin
	}
	if !role.IsValid(roleName) {
		badRequest(w, role.ErrInvalidRole.Error())
		return
	}
	if userID != p.UserID && !isAdmin(r.Context()) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": orchestrators.ErrNotAdmin.Error()})
		return
	}
	has, err := stores.RoleStore.HasRole(r.Context(), userID, roleName)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "role": roleName, "has_role": has})
}
