package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"duemari/internal/adapters/http/middleware"
	"duemari/internal/adapters/storage/storagetest"
	"duemari/internal/application/dashboard"
	"duemari/internal/application/orchestrators"
	"duemari/internal/domain/outbox"
	"duemari/internal/identity"
	"duemari/internal/obs"

	accountStore "duemari/internal/adapters/storage/account"
	auditStore "duemari/internal/adapters/storage/audit"
	outboxStore "duemari/internal/adapters/storage/outbox"
	registrationStore "duemari/internal/adapters/storage/registration"
	roleStore "duemari/internal/adapters/storage/role"
)

const (
	testAdminEmail    = "admin@duemari.com"
	testAdminPassword = "correct-horse-battery"
	testMemberCode    = "RSSMRA80A01H501Z"
	testMemberPass    = "member-password-1"
)

type fixture struct {
	handler http.Handler
	stores  *Stores
	idp     *identity.Service
	metrics *obs.Metrics
}

type recordingExecutor struct {
	payloads []string
	err      error
}

// Execute records payload and returns the configured error.
func (e *recordingExecutor) Execute(_ context.Context, payload string) (string, error) {
	e.payloads = append(e.payloads, payload)
	if e.err != nil {
		return "", e.err
	}
	return "msg-1", nil
}

// newFixture builds the full server over a migrated in-memory database
// with the administrator seeded.
func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	db := storagetest.Open(t)
	s := &Stores{
		RegistrationStore: registrationStore.NewSQLStore(db),
		AccountStore:      accountStore.NewSQLStore(db),
		RoleStore:         roleStore.NewSQLStore(db),
		AuditStore:        auditStore.NewSQLStore(db),
		OutboxStore:       outboxStore.NewSQLStore(db),
	}
	idp, err := identity.NewService(s.AccountStore, []byte(strings.Repeat("s", 32)), time.Hour)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if _, err := orchestrators.ExecuteSeedAdmin(context.Background(), orchestrators.SeedAdminInput{
		Email: testAdminEmail, Password: testAdminPassword,
	}, orchestrators.SeedAdminDeps{AccountStore: s.AccountStore, RoleStore: s.RoleStore}); err != nil {
		t.Fatalf("ExecuteSeedAdmin() error = %v", err)
	}

	metrics := obs.NewMetrics()
	cfg := Config{
		CSRFKey:    []byte(strings.Repeat("k", 32)),
		RateLimit:  1000,
		RateBurst:  1000,
		BaseURL:    "http://chapter.test",
		AdminEmail: testAdminEmail,
		Identity:   idp,
		Metrics:    metrics,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return &fixture{handler: NewMux(cfg, s), stores: s, idp: idp, metrics: metrics}
}

// do sends a JSON request, authenticated when token is non-empty.
func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = strings.NewReader(string(b))
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func (f *fixture) token(t *testing.T, email, password string) string {
	t.Helper()
	rr := f.do(t, "POST", "/api/auth/token", "", map[string]string{"email": email, "password": password})
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /api/auth/token = %d %s", rr.Code, rr.Body.String())
	}
	return decode[identity.Session](t, rr).AccessToken
}

func (f *fixture) submit(t *testing.T, first, last, code string) registrationJSON {
	t.Helper()
	rr := f.do(t, "POST", "/api/registrations", "", map[string]string{
		"first_name": first, "last_name": last, "codice_fiscale": code,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST /api/registrations = %d %s", rr.Code, rr.Body.String())
	}
	return decode[registrationJSON](t, rr)
}

// activeMember submits, approves and activates a member, returning its email.
func (f *fixture) activeMember(t *testing.T, adminToken string) string {
	t.Helper()
	reg := f.submit(t, "Mario", "Rossi", strings.ToLower(testMemberCode))
	rr := f.do(t, "POST", "/api/rpc/approve_registration", adminToken, map[string]string{"registration_id": reg.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("approve = %d %s", rr.Code, rr.Body.String())
	}
	approval := decode[dashboard.Approval](t, rr)
	if _, err := orchestrators.ExecuteActivateAccount(context.Background(), orchestrators.ActivateAccountInput{
		Token: approval.ActivationToken, Password: testMemberPass,
	}, orchestrators.ActivateAccountDeps{AccountStore: f.stores.AccountStore}); err != nil {
		t.Fatalf("ExecuteActivateAccount() error = %v", err)
	}
	return approval.Email
}

var csrfFieldRE = regexp.MustCompile(`name="gorilla.csrf.Token" value="([^"]+)"`)

// form fetches page to obtain a CSRF token and cookie, then posts values to action.
func (f *fixture) form(t *testing.T, page, action string, values url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	get := httptest.NewRequest("GET", page, nil)
	for _, c := range cookies {
		get.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, get)
	m := csrfFieldRE.FindStringSubmatch(rr.Body.String())
	if m == nil {
		t.Fatalf("GET %s: no CSRF field in %d %q", page, rr.Code, rr.Body.String())
	}
	values.Set("gorilla.csrf.Token", m[1])

	post := httptest.NewRequest("POST", action, strings.NewReader(values.Encode()))
	post.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range append(rr.Result().Cookies(), cookies...) {
		post.AddCookie(c)
	}
	out := httptest.NewRecorder()
	f.handler.ServeHTTP(out, post)
	return out
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == middleware.SessionCookieName && c.Value != "" {
			return c
		}
	}
	t.Fatalf("no session cookie in response %d", rr.Code)
	return nil
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, "GET", "/healthz", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"ok"`) {
		t.Errorf("GET /healthz = %d %q", rr.Code, rr.Body.String())
	}

	f.submit(t, "Mario", "Rossi", testMemberCode)
	rr = f.do(t, "GET", "/metrics", "", nil)
	body := rr.Body.String()
	if !strings.Contains(body, `duemari_registrations_submitted_total{outcome="ok"} 1`) {
		t.Errorf("metrics missing submission counter:\n%s", body)
	}
	if !strings.Contains(body, `path="POST /api/registrations"`) {
		t.Errorf("metrics missing route pattern label:\n%s", body)
	}
}

func TestSubmitRegistrationAPI(t *testing.T) {
	f := newFixture(t, nil)

	reg := f.submit(t, " Mario ", "Rossi", " rssmra80a01h501z ")
	if reg.ID == "" || reg.Status != "pending" || reg.CodiceFiscale != testMemberCode || reg.FirstName != "Mario" {
		t.Errorf("submitted = %+v", reg)
	}
	if reg.CreatedAt.IsZero() {
		t.Error("created_at not set by the store")
	}

	tests := []struct {
		name    string
		body    map[string]string
		wantMsg string
	}{
		{"missing first name", map[string]string{"first_name": " ", "last_name": "Rossi", "codice_fiscale": testMemberCode}, "first name is required"},
		{"missing fiscal code", map[string]string{"first_name": "Mario", "last_name": "Rossi", "codice_fiscale": ""}, "codice fiscale is required"},
		{"fiscal code too long", map[string]string{"first_name": "Mario", "last_name": "Rossi", "codice_fiscale": testMemberCode + "X"}, "cannot exceed 16"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, "POST", "/api/registrations", "", tt.body)
			if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), tt.wantMsg) {
				t.Errorf("POST /api/registrations = %d %q, want 400 %q", rr.Code, rr.Body.String(), tt.wantMsg)
			}
		})
	}

	rr := f.do(t, "POST", "/api/registrations", "", map[string]any{"first_name": "Mario", "status": "approved"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", rr.Code)
	}
}

func TestTokenUserLogout(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, "POST", "/api/auth/token", "", map[string]string{"email": testAdminEmail, "password": "wrong-password!"})
	if rr.Code != http.StatusUnauthorized || !strings.Contains(rr.Body.String(), identity.ErrInvalidCredentials.Error()) {
		t.Errorf("wrong password = %d %q", rr.Code, rr.Body.String())
	}

	token := f.token(t, testAdminEmail, testAdminPassword)
	rr = f.do(t, "GET", "/api/auth/user", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/auth/user = %d", rr.Code)
	}
	if user := decode[map[string]string](t, rr); user["email"] != testAdminEmail {
		t.Errorf("user = %v", user)
	}

	rr = f.do(t, "POST", "/api/auth/refresh", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /api/auth/refresh = %d", rr.Code)
	}
	refreshed := decode[identity.Session](t, rr).AccessToken
	if rr := f.do(t, "GET", "/api/auth/user", token, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("old token after refresh = %d, want 401", rr.Code)
	}

	if rr := f.do(t, "POST", "/api/auth/logout", refreshed, nil); rr.Code != http.StatusNoContent {
		t.Errorf("POST /api/auth/logout = %d, want 204", rr.Code)
	}
	if rr := f.do(t, "GET", "/api/auth/user", refreshed, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("token after logout = %d, want 401", rr.Code)
	}
}

func TestApproveProvisionsMember(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.token(t, testAdminEmail, testAdminPassword)
	reg := f.submit(t, "Mario", "Rossi", testMemberCode)

	rr := f.do(t, "GET", "/api/registrations", admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/registrations = %d", rr.Code)
	}
	if list := decode[[]registrationJSON](t, rr); len(list) != 1 || list[0].ID != reg.ID {
		t.Fatalf("list = %+v", list)
	}

	rr = f.do(t, "POST", "/api/rpc/approve_registration", admin, map[string]string{"registration_id": reg.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("approve = %d %s", rr.Code, rr.Body.String())
	}
	approval := decode[dashboard.Approval](t, rr)
	if approval.Email != "rssmra80a01h501z@soci.duemari.com" {
		t.Errorf("Email = %q", approval.Email)
	}
	if approval.ActivationURL != "http://chapter.test/activate?token="+approval.ActivationToken {
		t.Errorf("ActivationURL = %q", approval.ActivationURL)
	}

	// Not yet activated: the resolver finds nothing and direct sign-in is refused.
	rr = f.do(t, "POST", "/api/rpc/authenticate_by_fiscal_code", "", map[string]string{
		"input_codice_fiscale": testMemberCode, "input_password": testMemberPass,
	})
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("resolver before activation = %d %q, want []", rr.Code, rr.Body.String())
	}

	rr = f.do(t, "POST", "/api/rpc/approve_registration", admin, map[string]string{"registration_id": reg.ID})
	if rr.Code != http.StatusConflict {
		t.Errorf("second approve = %d, want 409", rr.Code)
	}
	rr = f.do(t, "POST", "/api/rpc/approve_registration", admin, map[string]string{"registration_id": "missing"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("approve unknown = %d, want 404", rr.Code)
	}
	rr = f.do(t, "POST", "/api/rpc/approve_registration", "", map[string]string{"registration_id": reg.ID})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("anonymous approve = %d, want 401", rr.Code)
	}
}

func TestMemberSignInAndAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.token(t, testAdminEmail, testAdminPassword)
	email := f.activeMember(t, admin)

	rr := f.do(t, "POST", "/api/rpc/authenticate_by_fiscal_code", "", map[string]string{
		"input_codice_fiscale": strings.ToLower(testMemberCode), "input_password": testMemberPass,
	})
	matches := decode[[]orchestrators.FiscalCodeMatch](t, rr)
	if len(matches) != 1 || matches[0].Email != email {
		t.Fatalf("resolver = %+v, want [%s]", matches, email)
	}

	member := f.token(t, email, testMemberPass)
	other := f.submit(t, "Giovanna", "Verdi", "VRDGNI70B02F205X")

	if rr := f.do(t, "POST", "/api/rpc/approve_registration", member, map[string]string{"registration_id": other.ID}); rr.Code != http.StatusForbidden {
		t.Errorf("member approve = %d, want 403", rr.Code)
	}
	if rr := f.do(t, "POST", "/api/rpc/reject_registration", member, map[string]string{"registration_id": other.ID}); rr.Code != http.StatusForbidden {
		t.Errorf("member reject = %d, want 403", rr.Code)
	}
	if rr := f.do(t, "GET", "/api/registrations", member, nil); rr.Code != http.StatusForbidden {
		t.Errorf("member list = %d, want 403", rr.Code)
	}

	rr = f.do(t, "GET", "/api/roles", member, nil)
	if got := decode[map[string]any](t, rr); got["has_role"] != false {
		t.Errorf("member admin role = %v", got)
	}
	rr = f.do(t, "GET", "/api/roles?role=user", member, nil)
	if got := decode[map[string]any](t, rr); got["has_role"] != true {
		t.Errorf("member user role = %v", got)
	}
	adminUser := decode[map[string]string](t, f.do(t, "GET", "/api/auth/user", admin, nil))
	if rr := f.do(t, "GET", "/api/roles?user_id="+adminUser["id"], member, nil); rr.Code != http.StatusForbidden {
		t.Errorf("member asking about admin = %d, want 403", rr.Code)
	}
	if rr := f.do(t, "GET", "/api/roles?role=owner", member, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("unknown role = %d, want 400", rr.Code)
	}
}

func TestRejectRegistration(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.token(t, testAdminEmail, testAdminPassword)
	reg := f.submit(t, "Mario", "Rossi", testMemberCode)

	rr := f.do(t, "POST", "/api/rpc/reject_registration", admin, map[string]string{"registration_id": reg.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("reject = %d %s", rr.Code, rr.Body.String())
	}
	got := decode[registrationJSON](t, rr)
	if got.Status != "rejected" || got.Notes != "Rifiutata dall'amministratore" || got.DecidedAt == nil {
		t.Errorf("rejected = %+v", got)
	}

	rr = f.do(t, "POST", "/api/rpc/reject_registration", admin, map[string]string{"registration_id": reg.ID, "rejection_notes": "again"})
	if rr.Code != http.StatusConflict {
		t.Errorf("second reject = %d, want 409", rr.Code)
	}
	rr = f.do(t, "POST", "/api/rpc/approve_registration", admin, map[string]string{"registration_id": reg.ID})
	if rr.Code != http.StatusConflict {
		t.Errorf("approve after reject = %d, want 409", rr.Code)
	}
	rr = f.do(t, "POST", "/api/rpc/reject_registration", admin, map[string]string{"registration_id": ""})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("reject without id = %d, want 400", rr.Code)
	}

	rr = f.do(t, "GET", "/api/registrations?status=pending", admin, nil)
	if list := decode[[]registrationJSON](t, rr); len(list) != 0 {
		t.Errorf("pending after reject = %+v", list)
	}
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, "POST", "/api/auth/token", "", map[string]string{"email": testAdminEmail, "password": "wrong-password!"})
	admin := f.token(t, testAdminEmail, testAdminPassword)
	reg := f.submit(t, "Mario", "Rossi", testMemberCode)
	f.do(t, "POST", "/api/rpc/reject_registration", admin, map[string]string{"registration_id": reg.ID})

	rr := f.do(t, "GET", "/api/admin/audit?category=session", admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /api/admin/audit = %d", rr.Code)
	}
	var events []struct {
		Action   string `json:"action"`
		Severity string `json:"severity"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("session events = %+v, want failed and successful login", events)
	}
	for _, ev := range events {
		if ev.Action != "login" {
			t.Errorf("action = %q, want login", ev.Action)
		}
	}

	rr = f.do(t, "GET", "/api/admin/audit?resource_id="+reg.ID, admin, nil)
	if body := rr.Body.String(); !strings.Contains(body, `"submit"`) || !strings.Contains(body, `"reject"`) {
		t.Errorf("registration trail = %s", body)
	}
}

func TestAdminOutbox(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("smtp down")}
	f := newFixture(t, func(cfg *Config) {
		cfg.AdminNotice = orchestrators.AdminNotice{To: []string{"board@duemari.com"}, Dashboard: "http://chapter.test/admin"}
	})
	processor := orchestrators.NewOutboxProcessor(f.stores.OutboxStore, map[string]orchestrators.ActionExecutor{outbox.ActionTypeEmail: exec}, f.metrics)
	admin := f.token(t, testAdminEmail, testAdminPassword)

	// Without a processor manual actions are unavailable.
	if rr := f.do(t, "POST", "/api/admin/outbox/x/retry", admin, nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("retry without processor = %d, want 503", rr.Code)
	}
	settings.Outbox = processor

	f.submit(t, "Mario", "Rossi", testMemberCode)
	rr := f.do(t, "GET", "/api/admin/outbox?status=all", admin, nil)
	var entries []outboxEntryJSON
	if err := json.NewDecoder(rr.Body).Decode(&entries); err != nil || len(entries) != 1 {
		t.Fatalf("queued entries = %+v (%v)", entries, err)
	}
	id := entries[0].ID

	rr = f.do(t, "POST", "/api/admin/outbox/"+id+"/retry", admin, nil)
	if rr.Code != http.StatusOK || len(exec.payloads) != 1 {
		t.Fatalf("retry = %d, payloads %d", rr.Code, len(exec.payloads))
	}
	if !strings.Contains(exec.payloads[0], "board@duemari.com") {
		t.Errorf("payload = %s", exec.payloads[0])
	}

	rr = f.do(t, "POST", "/api/admin/outbox/"+id+"/abandon", admin, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("abandon = %d", rr.Code)
	}
	rr = f.do(t, "POST", "/api/admin/outbox/"+id+"/retry", admin, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("retry abandoned = %d, want 409", rr.Code)
	}
	rr = f.do(t, "POST", "/api/admin/outbox/missing/retry", admin, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("retry missing = %d, want 404", rr.Code)
	}
	rr = f.do(t, "POST", "/api/admin/outbox/"+id+"/resend", admin, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown action = %d, want 400", rr.Code)
	}
}

func TestPagesLoginAndDashboard(t *testing.T) {
	f := newFixture(t, nil)
	reg := f.submit(t, "Mario", "Rossi", testMemberCode)

	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest("GET", "/admin", nil))
	if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/auth" {
		t.Errorf("anonymous /admin = %d -> %q", rr.Code, rr.Header().Get("Location"))
	}

	rr = f.form(t, "/auth", "/auth/login", url.Values{"identifier": {"admin"}, "password": {"nope-nope-nope"}})
	if rr.Code != http.StatusUnauthorized || !strings.Contains(rr.Body.String(), "Errore durante l&#39;accesso") {
		t.Errorf("bad login = %d %q", rr.Code, rr.Body.String())
	}

	rr = f.form(t, "/auth", "/auth/login", url.Values{"identifier": {"ADMIN"}, "password": {testAdminPassword}})
	if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/" {
		t.Fatalf("admin login = %d -> %q", rr.Code, rr.Header().Get("Location"))
	}
	cookie := sessionCookie(t, rr)

	get := httptest.NewRequest("GET", "/admin", nil)
	get.AddCookie(cookie)
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, get)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Dashboard Amministratore") || !strings.Contains(rr.Body.String(), testMemberCode) {
		t.Fatalf("GET /admin = %d %q", rr.Code, rr.Body.String())
	}

	rr = f.form(t, "/admin", "/admin/registrations/"+reg.ID+"/approve", url.Values{}, cookie)
	body := rr.Body.String()
	if rr.Code != http.StatusOK || !strings.Contains(body, "Registrazione approvata") || !strings.Contains(body, "http://chapter.test/activate?token=") {
		t.Errorf("approve page = %d %q", rr.Code, body)
	}

	rr = f.form(t, "/admin", "/admin/registrations/"+reg.ID+"/reject", url.Values{"notes": {"late"}}, cookie)
	if rr.Code != http.StatusConflict || !strings.Contains(rr.Body.String(), "registration is not pending") {
		t.Errorf("reject decided = %d %q", rr.Code, rr.Body.String())
	}

	rr = f.form(t, "/", "/logout", url.Values{}, cookie)
	if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/auth" {
		t.Errorf("logout = %d -> %q", rr.Code, rr.Header().Get("Location"))
	}
	if _, err := f.idp.Verify(cookie.Value); !errors.Is(err, identity.ErrInvalidToken) {
		t.Errorf("Verify after logout = %v, want ErrInvalidToken", err)
	}
}

func TestPagesMemberFlow(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.form(t, "/auth", "/auth/register", url.Values{"first_name": {"Mario"}, "last_name": {""}, "codice_fiscale": {testMemberCode}})
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "last name is required") {
		t.Errorf("invalid register = %d %q", rr.Code, rr.Body.String())
	}
	rr = f.form(t, "/auth", "/auth/register", url.Values{"first_name": {"Mario"}, "last_name": {"Rossi"}, "codice_fiscale": {testMemberCode}})
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Richiesta inviata!") {
		t.Errorf("register = %d %q", rr.Code, rr.Body.String())
	}

	admin := f.token(t, testAdminEmail, testAdminPassword)
	list := decode[[]registrationJSON](t, f.do(t, "GET", "/api/registrations", admin, nil))
	if len(list) != 1 {
		t.Fatalf("registrations = %+v", list)
	}
	approval := decode[dashboard.Approval](t, f.do(t, "POST", "/api/rpc/approve_registration", admin, map[string]string{"registration_id": list[0].ID}))

	activatePage := "/activate?token=" + approval.ActivationToken
	rr = f.form(t, activatePage, "/activate", url.Values{"token": {approval.ActivationToken}, "password": {"short"}, "confirm": {"short"}})
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "at least 12") {
		t.Errorf("short password = %d %q", rr.Code, rr.Body.String())
	}
	rr = f.form(t, activatePage, "/activate", url.Values{"token": {approval.ActivationToken}, "password": {testMemberPass}, "confirm": {testMemberPass}})
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), approval.Email) {
		t.Fatalf("activate = %d %q", rr.Code, rr.Body.String())
	}

	get := httptest.NewRecorder()
	f.handler.ServeHTTP(get, httptest.NewRequest("GET", activatePage, nil))
	if get.Code != http.StatusBadRequest {
		t.Errorf("spent link = %d, want 400", get.Code)
	}

	rr = f.form(t, "/auth", "/auth/login", url.Values{"identifier": {strings.ToLower(testMemberCode)}, "password": {testMemberPass}})
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("member login = %d %q", rr.Code, rr.Body.String())
	}
	cookie := sessionCookie(t, rr)

	req := httptest.NewRequest("GET", "/admin", nil)
	req.AddCookie(cookie)
	out := httptest.NewRecorder()
	f.handler.ServeHTTP(out, req)
	if out.Code != http.StatusSeeOther || out.Header().Get("Location") != "/" {
		t.Errorf("member /admin = %d -> %q, want redirect home", out.Code, out.Header().Get("Location"))
	}

	rr = f.form(t, "/auth", "/auth/login", url.Values{"identifier": {"XXXXXX00X00X000X"}, "password": {testMemberPass}})
	if rr.Code != http.StatusUnauthorized || !strings.Contains(rr.Body.String(), "Credenziali non valide") {
		t.Errorf("unknown code = %d %q", rr.Code, rr.Body.String())
	}
}

func TestFormsRequireCSRF(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest("POST", "/auth/register", strings.NewReader("first_name=Mario&last_name=Rossi&codice_fiscale="+testMemberCode))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("form without token = %d, want 403", rr.Code)
	}
}

func TestPagesParsedOnce(t *testing.T) {
	for _, name := range []string{"home.html", "auth.html", "admin.html", "activate.html"} {
		if pages[name] == nil {
			t.Errorf("page %s not parsed", name)
		}
	}
	if _, ok := pages["layout.html"]; ok {
		t.Error("layout.html parsed as a page")
	}

	home := pages["home.html"]
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		renderTemplate(rr, httptest.NewRequest("GET", "/", nil), "home.html", map[string]any{"IsAdmin": false})
		if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "</html>") {
			t.Fatalf("render %d: status %d body %q", i, rr.Code, rr.Body.String())
		}
	}
	if pages["home.html"] != home {
		t.Error("rendering replaced the parsed template")
	}

	rr := httptest.NewRecorder()
	renderTemplate(rr, httptest.NewRequest("GET", "/", nil), "missing.html", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("unknown page status = %d, want 500", rr.Code)
	}
}
