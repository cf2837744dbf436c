package browser_test

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"

	_ "modernc.org/sqlite"

	web "duemari/internal/adapters/http"
	"duemari/internal/adapters/storage"
	accountStore "duemari/internal/adapters/storage/account"
	auditStore "duemari/internal/adapters/storage/audit"
	outboxStore "duemari/internal/adapters/storage/outbox"
	registrationStore "duemari/internal/adapters/storage/registration"
	roleStore "duemari/internal/adapters/storage/role"
	"duemari/internal/application/orchestrators"
	"duemari/internal/identity"
)

const (
	adminPassword = "TestPass123!-admin"
	staticDir     = "../../static"
)

// testApp holds the running test server and Playwright handles.
type testApp struct {
	BaseURL string
	DB      *sql.DB
	Server  *http.Server
	PW      *playwright.Playwright
	Browser playwright.Browser
	Stores  *web.Stores
}

// newTestApp creates a fully wired app with a temp SQLite DB and starts an HTTP server.
func newTestApp(t *testing.T) *testApp {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}

	dbPath := filepath.Join(t.TempDir(), "test.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)

	if err := storage.MigrateDB(db, storage.DialectSQLite); err != nil {
		t.Fatalf("failed to migrate test DB: %v", err)
	}
	timed := storage.NewTimedDB(db, storage.DialectSQLite, nil, 0)

	stores := &web.Stores{
		RegistrationStore: registrationStore.NewSQLStore(timed),
		AccountStore:      accountStore.NewSQLStore(timed),
		RoleStore:         roleStore.NewSQLStore(timed),
		AuditStore:        auditStore.NewSQLStore(timed),
		OutboxStore:       outboxStore.NewSQLStore(timed),
	}

	ctx := context.Background()
	if _, err := orchestrators.ExecuteSeedAdmin(ctx, orchestrators.SeedAdminInput{
		Email:    orchestrators.DefaultAdminEmail,
		Password: adminPassword,
	}, orchestrators.SeedAdminDeps{AccountStore: stores.AccountStore, RoleStore: stores.RoleStore}); err != nil {
		t.Fatalf("failed to seed admin: %v", err)
	}
	idp, err := identity.NewService(stores.AccountStore, []byte(strings.Repeat("b", 32)), time.Hour)
	if err != nil {
		t.Fatalf("failed to create identity service: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	mux := web.NewMux(web.Config{
		StaticDir:      staticDir,
		CSRFKey:        []byte(strings.Repeat("c", 32)),
		TrustedOrigins: []string{fmt.Sprintf("127.0.0.1:%d", port), fmt.Sprintf("localhost:%d", port)},
		RateLimit:      1000,
		RateBurst:      1000,
		BaseURL:        baseURL,
		AdminEmail:     orchestrators.DefaultAdminEmail,
		Identity:       idp,
	}, stores)
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(listener); err != http.ErrServerClosed {
			log.Printf("test server error: %v", err)
		}
	}()

	pw, err := playwright.Run()
	if err != nil {
		srv.Close()
		db.Close()
		t.Skipf("playwright driver not available: %v", err)
	}
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
	})
	if err != nil {
		pw.Stop()
		srv.Close()
		db.Close()
		t.Skipf("chromium not available: %v", err)
	}

	app := &testApp{
		BaseURL: baseURL,
		DB:      db,
		Server:  srv,
		PW:      pw,
		Browser: browser,
		Stores:  stores,
	}
	t.Cleanup(func() {
		browser.Close()
		pw.Stop()
		srv.Close()
		db.Close()
	})
	return app
}

// newPage creates a new browser page (tab).
func (a *testApp) newPage(t *testing.T) playwright.Page {
	t.Helper()
	page, err := a.Browser.NewPage()
	if err != nil {
		t.Fatalf("failed to create page: %v", err)
	}
	t.Cleanup(func() { page.Close() })
	return page
}

// login signs in from the auth page and waits for the home page.
func (a *testApp) login(t *testing.T, page playwright.Page, identifier, password string) {
	t.Helper()
	if _, err := page.Goto(a.BaseURL + "/auth"); err != nil {
		t.Fatalf("failed to navigate to auth page: %v", err)
	}
	if err := page.Locator("#identifier").Fill(identifier); err != nil {
		t.Fatalf("failed to fill identifier: %v", err)
	}
	if err := page.Locator("#login #password").Fill(password); err != nil {
		t.Fatalf("failed to fill password: %v", err)
	}
	if err := page.Locator("#login button[type=submit]").Click(); err != nil {
		t.Fatalf("failed to click login: %v", err)
	}
	if err := page.WaitForURL(a.BaseURL+"/", playwright.PageWaitForURLOptions{
		Timeout: playwright.Float(10000),
	}); err != nil {
		t.Fatalf("login did not redirect home: %v", err)
	}
}

// logout submits the header logout form.
func (a *testApp) logout(t *testing.T, page playwright.Page) {
	t.Helper()
	if err := page.Locator("form[action='/logout'] button").Click(); err != nil {
		t.Fatalf("failed to click logout: %v", err)
	}
	if err := page.WaitForURL(a.BaseURL+"/auth", playwright.PageWaitForURLOptions{
		Timeout: playwright.Float(10000),
	}); err != nil {
		t.Fatalf("logout did not redirect to auth: %v", err)
	}
}

// waitText waits until text is visible on page.
func waitText(t *testing.T, page playwright.Page, text string) {
	t.Helper()
	if err := page.GetByText(text).First().WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(5000),
	}); err != nil {
		t.Fatalf("text %q not shown: %v", text, err)
	}
}
