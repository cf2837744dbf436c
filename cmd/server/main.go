package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	emailPkg "duemari/internal/adapters/email"
	web "duemari/internal/adapters/http"
	"duemari/internal/adapters/storage"
	accountStore "duemari/internal/adapters/storage/account"
	auditStore "duemari/internal/adapters/storage/audit"
	outboxStorePkg "duemari/internal/adapters/storage/outbox"
	registrationStore "duemari/internal/adapters/storage/registration"
	roleStore "duemari/internal/adapters/storage/role"
	"duemari/internal/application/orchestrators"
	"duemari/internal/config"
	"duemari/internal/domain/outbox"
	"duemari/internal/identity"
	"duemari/internal/obs"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// devAdminPassword is seeded outside production when none is configured.
const devAdminPassword = "duemari-dev-admin"

func main() {
	configFile := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		slog.Error("startup_failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	obs.NewLogger(os.Stderr, cfg.Debug, cfg.LogJSON || cfg.IsProduction())
	if err := cfg.Finalize(); err != nil {
		return err
	}
	csrfKey, err := cfg.CSRFKeyBytes()
	if err != nil {
		return err
	}

	db, dialect, err := openDB(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := storage.MigrateDB(db, dialect); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	metrics := obs.NewMetrics()
	timedDB := storage.NewTimedDB(db, dialect, metrics, cfg.Database.SlowQuery)

	stores := &web.Stores{
		RegistrationStore: registrationStore.NewSQLStore(timedDB),
		AccountStore:      accountStore.NewSQLStore(timedDB),
		RoleStore:         roleStore.NewSQLStore(timedDB),
		AuditStore:        auditStore.NewSQLStore(timedDB),
		OutboxStore:       outboxStorePkg.NewSQLStore(timedDB),
	}

	adminPassword := cfg.Auth.AdminPassword
	if adminPassword == "" {
		adminPassword = devAdminPassword
		slog.Warn("config_event", "event", "dev_admin_password", "hint", "set DUEMARI_AUTH_ADMIN_PASSWORD")
	}
	if _, err := orchestrators.ExecuteSeedAdmin(context.Background(), orchestrators.SeedAdminInput{
		Email:    cfg.Auth.AdminEmail,
		Password: adminPassword,
	}, orchestrators.SeedAdminDeps{AccountStore: stores.AccountStore, RoleStore: stores.RoleStore}); err != nil {
		return fmt.Errorf("failed to seed admin: %w", err)
	}

	idp, err := identity.NewService(stores.AccountStore, []byte(cfg.Auth.Secret), cfg.Auth.SessionTTL)
	if err != nil {
		return err
	}

	var sender emailPkg.Sender
	switch cfg.Email.Provider {
	case config.EmailResend:
		sender = emailPkg.NewResendSender(cfg.Email.ResendAPIKey, cfg.Email.From)
		slog.Info("email_event", "event", "sender_configured", "provider", config.EmailResend)
	default:
		sender = emailPkg.NewNoopSender()
		if len(cfg.Email.AdminNotify) > 0 {
			slog.Warn("email_event", "event", "delivery_disabled", "hint", "set email.provider to resend")
		}
	}
	processor := orchestrators.NewOutboxProcessor(stores.OutboxStore, map[string]orchestrators.ActionExecutor{
		outbox.ActionTypeEmail: &orchestrators.EmailExecutor{Sender: sender},
	}, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := cfg.Email.OutboxInterval
	if interval <= 0 {
		interval = time.Minute
	}
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		processor.Run(ctx, interval)
	}()

	handler := web.NewMux(web.Config{
		StaticDir:         cfg.StaticDir,
		CSRFKey:           csrfKey,
		SecureCookies:     cfg.IsProduction(),
		RateLimit:         cfg.RateLimit,
		RateBurst:         cfg.RateBurst,
		SlowRequest:       cfg.SlowRequest,
		BaseURL:           cfg.BaseURL,
		AdminEmail:        cfg.Auth.AdminEmail,
		MemberEmailDomain: cfg.MemberEmailDomain,
		AdminNotice: orchestrators.AdminNotice{
			To:        cfg.Email.AdminNotify,
			Dashboard: cfg.BaseURL + "/admin",
		},
		Identity: idp,
		Metrics:  metrics,
		Outbox:   processor,
	}, stores)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server_starting", "version", version, "addr", cfg.Addr, "env", cfg.Env,
			"driver", cfg.Database.Driver, "schema", storage.LatestSchemaVersion())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			<-workerDone
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown_failed", "error", err.Error())
	}
	<-workerDone
	return nil
}

// openDB opens and pings the configured database.
func openDB(dbc config.DatabaseConfig) (*sql.DB, storage.Dialect, error) {
	var (
		db      *sql.DB
		dialect storage.Dialect
		err     error
	)
	switch dbc.Driver {
	case config.DriverPostgres:
		dialect = storage.DialectPostgres
		db, err = sql.Open("pgx", dbc.DSN)
	default:
		// WAL mode, foreign keys and busy timeout for concurrent readers.
		dialect = storage.DialectSQLite
		dsn := dbc.DSN + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(25)
		}
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("database unreachable: %w", err)
	}
	return db, dialect, nil
}
