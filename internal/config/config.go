// Package config loads server and client settings from an optional YAML
// file overlaid by DUEMARI_* environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by this package.
const EnvPrefix = "duemari"

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Email providers.
const (
	EmailNoop   = "noop"
	EmailResend = "resend"
)

// Configuration errors.
var (
	ErrMissingSecret = errors.New("secret is required in production")
	ErrBadCSRFKey    = errors.New("csrf key must be 64 hex characters (32 bytes)")
	ErrShortSecret   = errors.New("auth secret must be at least 32 bytes")
	ErrBadDriver     = errors.New("database driver must be sqlite or postgres")
	ErrBadProvider   = errors.New("email provider must be noop or resend")
)

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// SlowQuery is the threshold above which calls are logged as slow_query.
	SlowQuery time.Duration `yaml:"slowQuery" split_words:"true"`
}

type AuthConfig struct {
	Secret     string        `yaml:"secret"`
	SessionTTL time.Duration `yaml:"sessionTtl" envconfig:"SESSION_TTL"`
	CSRFKey    string        `yaml:"csrfKey"    envconfig:"CSRF_KEY"`

	// AdminEmail is the account the "admin" login keyword signs in as.
	AdminEmail    string `yaml:"adminEmail"    split_words:"true"`
	AdminPassword string `yaml:"adminPassword" split_words:"true"`
}

type EmailConfig struct {
	Provider     string   `yaml:"provider"`
	ResendAPIKey string   `yaml:"resendApiKey" envconfig:"RESEND_API_KEY"`
	From         string   `yaml:"from"`
	ReplyTo      string   `yaml:"replyTo"      split_words:"true"`
	AdminNotify  []string `yaml:"adminNotify"  split_words:"true"`

	// OutboxInterval is how often queued emails are retried.
	OutboxInterval time.Duration `yaml:"outboxInterval" split_words:"true"`
}

// Config holds the server settings.
type Config struct {
	Env               string         `yaml:"env"`
	Addr              string         `yaml:"addr"`
	BaseURL           string         `yaml:"baseUrl"           envconfig:"BASE_URL"`
	StaticDir         string         `yaml:"staticDir"         split_words:"true"`
	Debug             bool           `yaml:"debug"`
	LogJSON           bool           `yaml:"logJson"           envconfig:"LOG_JSON"`
	MemberEmailDomain string         `yaml:"memberEmailDomain" split_words:"true"`
	RateLimit         float64        `yaml:"rateLimit"         split_words:"true"`
	RateBurst         int            `yaml:"rateBurst"         split_words:"true"`
	SlowRequest       time.Duration  `yaml:"slowRequest"       split_words:"true"`
	ShutdownTimeout   time.Duration  `yaml:"shutdownTimeout"   split_words:"true"`
	Database          DatabaseConfig `yaml:"database"`
	Auth              AuthConfig     `yaml:"auth"`
	Email             EmailConfig    `yaml:"email"`
}

// Defaults returns the built-in settings.
func Defaults() *Config {
	return &Config{
		Env:               EnvDevelopment,
		Addr:              ":8080",
		BaseURL:           "http://localhost:8080",
		StaticDir:         "static",
		MemberEmailDomain: "soci.duemari.com",
		RateLimit:         10,
		RateBurst:         20,
		SlowRequest:       200 * time.Millisecond,
		ShutdownTimeout:   10 * time.Second,
		Database: DatabaseConfig{
			Driver:    DriverSQLite,
			DSN:       "duemari.db",
			SlowQuery: 100 * time.Millisecond,
		},
		Auth: AuthConfig{
			SessionTTL: 24 * time.Hour,
			AdminEmail: "admin@duemari.com",
		},
		Email: EmailConfig{
			Provider:       EmailNoop,
			From:           "Due Mari Chapter <noreply@duemari.com>",
			OutboxInterval: time.Minute,
		},
	}
}

// Load reads configFile (or the first of ~/.duemari/duemari.yaml and
// /etc/duemari/duemari.yaml that exists when configFile is empty) over the
// defaults, then applies environment variables.
// POST: the returned config has not been validated; call Finalize
func Load(configFile string) (*Config, error) {
	cfg := Defaults()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".duemari", "duemari.yaml"))
	}
	candidates = append(candidates, "/etc/duemari/duemari.yaml")
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsProduction reports whether the production environment is selected.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, EnvProduction)
}

// Finalize validates the settings. Outside production, missing secrets are
// replaced with random ones and a warning is logged.
// POST: on success Auth.Secret and Auth.CSRFKey are set
func (c *Config) Finalize() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("%w: %q", ErrBadDriver, c.Database.Driver)
	}
	switch c.Email.Provider {
	case EmailNoop, EmailResend:
	default:
		return fmt.Errorf("%w: %q", ErrBadProvider, c.Email.Provider)
	}
	if c.Email.Provider == EmailResend && c.Email.ResendAPIKey == "" {
		return fmt.Errorf("resend api key: %w", ErrMissingSecret)
	}

	if c.Auth.CSRFKey == "" {
		if c.IsProduction() {
			return fmt.Errorf("csrf key: %w", ErrMissingSecret)
		}
		key, err := randomHex(32)
		if err != nil {
			return err
		}
		c.Auth.CSRFKey = key
		slog.Warn("config_event", "event", "random_csrf_key", "hint", "forms will not survive a restart; set DUEMARI_AUTH_CSRF_KEY")
	}
	if _, err := c.CSRFKeyBytes(); err != nil {
		return err
	}

	if c.Auth.Secret == "" {
		if c.IsProduction() {
			return fmt.Errorf("auth secret: %w", ErrMissingSecret)
		}
		secret, err := randomHex(32)
		if err != nil {
			return err
		}
		c.Auth.Secret = secret
		slog.Warn("config_event", "event", "random_auth_secret", "hint", "sessions will not survive a restart; set DUEMARI_AUTH_SECRET")
	}
	if len(c.Auth.Secret) < 32 {
		return ErrShortSecret
	}
	if c.IsProduction() && c.Auth.AdminPassword == "" {
		return fmt.Errorf("admin password: %w", ErrMissingSecret)
	}
	return nil
}

// CSRFKeyBytes decodes the CSRF key.
func (c *Config) CSRFKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.Auth.CSRFKey)
	if err != nil || len(key) != 32 {
		return nil, ErrBadCSRFKey
	}
	return key, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ClientConfig holds chapterctl settings.
type ClientConfig struct {
	ServerURL string        `split_words:"true" default:"http://localhost:8080"`
	Timeout   time.Duration `default:"15s"`

	// SessionFile stores the signed-in session between invocations.
	SessionFile string `split_words:"true"`
}

// LoadClient reads DUEMARI_SERVER_URL, DUEMARI_SESSION_FILE and DUEMARI_TIMEOUT.
func LoadClient() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if cfg.SessionFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate home directory: %w", err)
		}
		cfg.SessionFile = filepath.Join(home, ".duemari", "session.json")
	}
	return &cfg, nil
}
