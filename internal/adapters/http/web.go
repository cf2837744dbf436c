package web

import (
	"context"
	"net/http"
	"time"

	"duemari/internal/adapters/http/middleware"
	accountStore "duemari/internal/adapters/storage/account"
	auditStore "duemari/internal/adapters/storage/audit"
	outboxStore "duemari/internal/adapters/storage/outbox"
	registrationStore "duemari/internal/adapters/storage/registration"
	roleStore "duemari/internal/adapters/storage/role"
	"duemari/internal/application/orchestrators"
	"duemari/internal/identity"
	"duemari/internal/obs"
)

// Stores holds all storage dependencies.
type Stores struct {
	RegistrationStore registrationStore.Store
	AccountStore      accountStore.Store
	RoleStore         roleStore.Store
	AuditStore        auditStore.Store
	OutboxStore       outboxStore.Store
}

// Config carries the server's collaborators and settings.
type Config struct {
	StaticDir      string
	CSRFKey        []byte // 32 bytes
	SecureCookies  bool
	TrustedOrigins []string
	RateLimit      float64 // requests per second per IP
	RateBurst      int
	SlowRequest    time.Duration
	BaseURL        string // absolute URL used in activation links

	AdminEmail        string
	MemberEmailDomain string
	AdminNotice       orchestrators.AdminNotice

	Identity *identity.Service
	Metrics  *obs.Metrics
	Outbox   *orchestrators.OutboxProcessor // optional: nil disables manual retry
}

// Global stores instance (set by NewMux)
var stores *Stores

// Global server settings (set by NewMux)
var settings Config

// timeNow is a variable for testability.
var timeNow = time.Now

// NewMux wires HTTP handlers for the app.
// PRE: cfg.Identity and cfg.CSRFKey are set
func NewMux(cfg Config, s *Stores) http.Handler {
	stores = s
	settings = cfg
	middleware.SecureCookies = cfg.SecureCookies

	if settings.Metrics == nil {
		settings.Metrics = obs.NewMetrics()
	}

	mux := http.NewServeMux()
	if cfg.StaticDir != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticDir))))
	}
	registerRoutes(mux)

	rate, burst := cfg.RateLimit, cfg.RateBurst
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = 20
	}
	limiter := middleware.NewRateLimiter(rate, burst)

	// Metrics sit innermost so they see the request the mux matched.
	// Outermost first: Timing -> RateLimit -> SecurityHeaders -> CSRF -> Auth -> Metrics -> Mux
	return middleware.Chain(mux,
		settings.Metrics.Instrument,
		middleware.Auth(cfg.Identity),
		middleware.CSRF(cfg.CSRFKey, cfg.SecureCookies, cfg.TrustedOrigins),
		middleware.SecurityHeaders,
		middleware.RateLimit(limiter),
		middleware.Timing(cfg.SlowRequest),
	)
}

func registerRoutes(mux *http.ServeMux) {
	requireAuth := middleware.RequireAuth
	requireAdmin := middleware.RequireAdmin(stores.RoleStore)

	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", settings.Metrics.Handler())

	// Identity provider
	mux.HandleFunc("POST /api/auth/token", handleAPIToken)
	mux.Handle("POST /api/auth/logout", requireAuth(http.HandlerFunc(handleAPILogout)))
	mux.Handle("POST /api/auth/refresh", requireAuth(http.HandlerFunc(handleAPIRefresh)))
	mux.Handle("GET /api/auth/user", requireAuth(http.HandlerFunc(handleAPIUser)))

	// Remote procedures. Approve and reject re-check the admin role themselves.
	mux.HandleFunc("POST /api/rpc/authenticate_by_fiscal_code", handleRPCAuthenticateByFiscalCode)
	mux.Handle("POST /api/rpc/approve_registration", requireAuth(http.HandlerFunc(handleRPCApproveRegistration)))
	mux.Handle("POST /api/rpc/reject_registration", requireAuth(http.HandlerFunc(handleRPCRejectRegistration)))

	// Data
	mux.HandleFunc("POST /api/registrations", handleAPISubmitRegistration)
	mux.Handle("GET /api/registrations", requireAdmin(http.HandlerFunc(handleAPIListRegistrations)))
	mux.Handle("GET /api/roles", requireAuth(http.HandlerFunc(handleAPIRoles)))

	// Admin operations
	mux.Handle("GET /api/admin/audit", requireAdmin(http.HandlerFunc(handleAdminAuditTrail)))
	mux.Handle("GET /api/admin/outbox", requireAdmin(http.HandlerFunc(handleAdminOutboxList)))
	mux.Handle("POST /api/admin/outbox/{id}/{action}", requireAdmin(http.HandlerFunc(handleAdminOutboxAction)))

	// Pages
	mux.HandleFunc("GET /{$}", handleHome)
	mux.HandleFunc("GET /auth", handleAuthPage)
	mux.HandleFunc("POST /auth/login", handleLoginForm)
	mux.HandleFunc("POST /auth/register", handleRegisterForm)
	mux.HandleFunc("POST /logout", handleLogoutForm)
	mux.HandleFunc("GET /activate", handleActivatePage)
	mux.HandleFunc("POST /activate", handleActivateForm)
	mux.Handle("GET /admin", requireAdmin(http.HandlerFunc(handleAdminPage)))
	mux.Handle("POST /admin/registrations/{id}/approve", requireAdmin(http.HandlerFunc(handleAdminApprove)))
	mux.Handle("POST /admin/registrations/{id}/reject", requireAdmin(http.HandlerFunc(handleAdminReject)))
}

// handleHealthz reports liveness.
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// passwordAuth adapts the identity service to the sign-in orchestrator.
type passwordAuth struct {
	svc *identity.Service
}

// SignInWithPassword implements orchestrators.PasswordAuthenticator.
func (a passwordAuth) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	sess, err := a.svc.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func signInDeps() orchestrators.SignInDeps {
	return orchestrators.SignInDeps{
		Resolver:   orchestrators.LocalFiscalCodeResolver{Accounts: stores.AccountStore, Now: timeNow},
		Auth:       passwordAuth{svc: settings.Identity},
		AdminEmail: settings.AdminEmail,
		Metrics:    settings.Metrics,
	}
}

func approveDeps() orchestrators.ApproveRegistrationDeps {
	return orchestrators.ApproveRegistrationDeps{
		RegistrationStore: stores.RegistrationStore,
		AccountStore:      stores.AccountStore,
		RoleStore:         stores.RoleStore,
		AuditStore:        stores.AuditStore,
		Metrics:           settings.Metrics,
		MemberEmailDomain: settings.MemberEmailDomain,
		Now:               timeNow,
	}
}

func rejectDeps() orchestrators.RejectRegistrationDeps {
	return orchestrators.RejectRegistrationDeps{
		RegistrationStore: stores.RegistrationStore,
		RoleStore:         stores.RoleStore,
		AuditStore:        stores.AuditStore,
		Metrics:           settings.Metrics,
		Now:               timeNow,
	}
}

func submitDeps() orchestrators.SubmitRegistrationDeps {
	deps := orchestrators.SubmitRegistrationDeps{
		RegistrationStore: stores.RegistrationStore,
		AuditStore:        stores.AuditStore,
		Notice:            settings.AdminNotice,
		Metrics:           settings.Metrics,
		Now:               timeNow,
	}
	if stores.OutboxStore != nil {
		deps.Outbox = stores.OutboxStore
	}
	return deps
}

// activationURL builds the link a new member uses to set their password.
func activationURL(token string) string {
	return settings.BaseURL + "/activate?token=" + token
}
