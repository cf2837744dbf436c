// Package client talks to a duemari server over its JSON API. A Client is
// the remote identity provider for the session manager, the fiscal-code
// resolver for sign-in and the backend of the admin dashboard controller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"duemari/internal/application/dashboard"
	"duemari/internal/application/orchestrators"
	"duemari/internal/domain/account"
	"duemari/internal/domain/registration"
	"duemari/internal/identity"
)

// maxResponseBytes caps decoded API responses.
const maxResponseBytes = 10 << 20

// APIError is a non-2xx answer from the server. Its text is the server's
// message so it can be shown to the user as is.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return e.Message
}

// knownErrors maps server error messages back to their sentinels so callers
// can use errors.Is across the wire.
var knownErrors = []error{
	identity.ErrInvalidCredentials,
	identity.ErrNotActivated,
	identity.ErrAccountLocked,
	identity.ErrInvalidToken,
	orchestrators.ErrUnresolvedIdentity,
	orchestrators.ErrNotAdmin,
	registration.ErrNotFound,
	registration.ErrNotPending,
	account.ErrEmailTaken,
}

// Unwrap returns the sentinel matching the server message, if any. Any
// other 401 means the token was not accepted.
func (e *APIError) Unwrap() error {
	for _, known := range knownErrors {
		if e.Message == known.Error() {
			return known
		}
	}
	if e.Status == http.StatusUnauthorized {
		return identity.ErrInvalidToken
	}
	return nil
}

// Client is a duemari API client. It holds at most one session, persisted
// to a file so it survives between invocations. Safe for concurrent use.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	sessionFile string
	now         func() time.Time
	bus         identity.Broadcaster

	mu      sync.Mutex
	current *identity.Session
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSessionFile persists the session at path. Without it the session only
// lives as long as the Client.
func WithSessionFile(path string) ClientOption {
	return func(c *Client) {
		c.sessionFile = path
	}
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// --- identity.Provider ---

// GetSession returns the held session, loading it from the session file on
// first use. An expired session is dropped.
func (c *Client) GetSession(ctx context.Context) (*identity.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		sess, err := c.loadSession()
		if err != nil {
			return nil, err
		}
		c.current = sess
	}
	if c.current == nil {
		return nil, nil
	}
	if c.current.Expired(c.now()) {
		c.current = nil
		if err := c.removeSession(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	s := *c.current
	return &s, nil
}

// SignInWithPassword opens a session and publishes EventSignedIn.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*identity.Session, error) {
	var sess identity.Session
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/token", "", body, &sess); err != nil {
		return nil, err
	}
	if err := c.hold(&sess); err != nil {
		return nil, err
	}
	c.bus.Publish(identity.EventSignedIn, &sess)
	s := sess
	return &s, nil
}

// SignOut revokes the held session and publishes EventSignedOut. A token the
// server no longer knows still counts as signed out.
func (c *Client) SignOut(ctx context.Context) error {
	token := c.token()
	if token != "" {
		err := c.do(ctx, http.MethodPost, "/api/auth/logout", token, nil, nil)
		if err != nil && !errors.Is(err, identity.ErrInvalidToken) {
			return err
		}
	}
	c.mu.Lock()
	c.current = nil
	err := c.removeSession()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.bus.Publish(identity.EventSignedOut, nil)
	return nil
}

// Refresh exchanges the held session for a new one and publishes
// EventTokenRefreshed.
func (c *Client) Refresh(ctx context.Context) (*identity.Session, error) {
	token := c.token()
	if token == "" {
		return nil, identity.ErrInvalidToken
	}
	var sess identity.Session
	if err := c.do(ctx, http.MethodPost, "/api/auth/refresh", token, nil, &sess); err != nil {
		return nil, err
	}
	if err := c.hold(&sess); err != nil {
		return nil, err
	}
	c.bus.Publish(identity.EventTokenRefreshed, &sess)
	s := sess
	return &s, nil
}

// OnAuthStateChange subscribes fn to auth-state events.
func (c *Client) OnAuthStateChange(fn func(identity.Event, *identity.Session)) func() {
	return c.bus.Subscribe(fn)
}

// --- Sign-in support ---

// AuthenticateByFiscalCode asks the server which login email, if any, the
// fiscal code and password belong to. It needs no session.
func (c *Client) AuthenticateByFiscalCode(ctx context.Context, codiceFiscale, password string) ([]orchestrators.FiscalCodeMatch, error) {
	body := map[string]string{"input_codice_fiscale": codiceFiscale, "input_password": password}
	var matches []orchestrators.FiscalCodeMatch
	if err := c.do(ctx, http.MethodPost, "/api/rpc/authenticate_by_fiscal_code", "", body, &matches); err != nil {
		return nil, fmt.Errorf("authenticating by fiscal code: %w", err)
	}
	return matches, nil
}

// HasRole reports whether userID holds roleName, using the held session.
func (c *Client) HasRole(ctx context.Context, userID, roleName string) (bool, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("role", roleName)
	var out struct {
		HasRole bool `json:"has_role"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/roles?"+q.Encode(), c.token(), nil, &out); err != nil {
		return false, fmt.Errorf("checking role: %w", err)
	}
	return out.HasRole, nil
}

// --- Registrations ---

// registrationJSON mirrors the server's registration representation.
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

func (r registrationJSON) domain() registration.PendingRegistration {
	reg := registration.PendingRegistration{
		ID:            r.ID,
		FirstName:     r.FirstName,
		LastName:      r.LastName,
		CodiceFiscale: r.CodiceFiscale,
		Status:        r.Status,
		CreatedAt:     r.CreatedAt,
		Notes:         r.Notes,
		DecidedBy:     r.DecidedBy,
	}
	if r.DecidedAt != nil {
		reg.DecidedAt = *r.DecidedAt
	}
	return reg
}

// SubmitRegistration files a membership request. It needs no session.
func (c *Client) SubmitRegistration(ctx context.Context, firstName, lastName, codiceFiscale string) (registration.PendingRegistration, error) {
	body := map[string]string{"first_name": firstName, "last_name": lastName, "codice_fiscale": codiceFiscale}
	var out registrationJSON
	if err := c.do(ctx, http.MethodPost, "/api/registrations", "", body, &out); err != nil {
		return registration.PendingRegistration{}, fmt.Errorf("submitting registration: %w", err)
	}
	return out.domain(), nil
}

// ListRegistrations returns every registration, newest first.
func (c *Client) ListRegistrations(ctx context.Context) ([]registration.PendingRegistration, error) {
	var out []registrationJSON
	if err := c.do(ctx, http.MethodGet, "/api/registrations", c.token(), nil, &out); err != nil {
		return nil, fmt.Errorf("listing registrations: %w", err)
	}
	regs := make([]registration.PendingRegistration, 0, len(out))
	for _, r := range out {
		regs = append(regs, r.domain())
	}
	return regs, nil
}

// ApproveRegistration approves id and returns the provisioned account.
func (c *Client) ApproveRegistration(ctx context.Context, id string) (dashboard.Approval, error) {
	var out dashboard.Approval
	body := map[string]string{"registration_id": id}
	if err := c.do(ctx, http.MethodPost, "/api/rpc/approve_registration", c.token(), body, &out); err != nil {
		return dashboard.Approval{}, err
	}
	return out, nil
}

// RejectRegistration rejects id with notes.
func (c *Client) RejectRegistration(ctx context.Context, id, notes string) error {
	body := map[string]string{"registration_id": id, "rejection_notes": notes}
	return c.do(ctx, http.MethodPost, "/api/rpc/reject_registration", c.token(), body, nil)
}

// --- Transport ---

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.AccessToken
}

// do sends a JSON request and decodes a JSON answer into out when out is
// non-nil. Non-2xx answers become *APIError.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()
	limited := io.LimitReader(resp.Body, maxResponseBytes)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(limited, 4096))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(limited).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// --- Session file ---

func (c *Client) hold(sess *identity.Session) error {
	s := *sess
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = &s
	return c.saveSession(&s)
}

// loadSession reads the session file. A missing file is (nil, nil).
// PRE: c.mu held
func (c *Client) loadSession() (*identity.Session, error) {
	if c.sessionFile == "" {
		return nil, nil
	}
	buf, err := os.ReadFile(c.sessionFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}
	var sess identity.Session
	if err := json.Unmarshal(buf, &sess); err != nil {
		return nil, fmt.Errorf("parsing session file: %w", err)
	}
	if sess.AccessToken == "" {
		return nil, nil
	}
	return &sess, nil
}

// saveSession writes sess readable by the owner only.
// PRE: c.mu held
func (c *Client) saveSession(sess *identity.Session) error {
	if c.sessionFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.sessionFile), 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	buf, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := os.WriteFile(c.sessionFile, buf, 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return nil
}

// PRE: c.mu held
func (c *Client) removeSession() error {
	if c.sessionFile == "" {
		return nil
	}
	if err := os.Remove(c.sessionFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}
