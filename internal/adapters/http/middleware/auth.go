package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"duemari/internal/domain/role"
	"duemari/internal/identity"
)

// contextKey is an unexported type for context keys in this package.
type contextKey string

const principalContextKey contextKey = "principal"

// Principal is the verified caller of a request.
type Principal struct {
	UserID      string
	Email       string
	AccessToken string
	ExpiresAt   time.Time
}

// TokenVerifier checks access tokens.
type TokenVerifier interface {
	Verify(token string) (identity.Session, error)
}

// RoleChecker answers role lookups.
type RoleChecker interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// SessionCookieName carries the access token for browser pages.
const SessionCookieName = "duemari_session"

// SecureCookies sets the Secure flag on the session cookie. Enabled in production.
var SecureCookies bool

// ErrNoToken is returned when a request carries no credentials.
var ErrNoToken = errors.New("missing bearer token")

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrNoToken
	}
	const scheme = "bearer "
	if len(header) < len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(scheme):])
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// requestToken returns the bearer token, falling back to the session cookie.
func requestToken(r *http.Request) string {
	if token, err := BearerToken(r.Header.Get("Authorization")); err == nil {
		return token
	}
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

// Auth returns middleware that verifies the caller's token and stores the
// principal in the request context. It does NOT block anonymous requests;
// use RequireAuth or RequireAdmin for that.
func Auth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := requestToken(r); token != "" {
				if sess, err := verifier.Verify(token); err == nil {
					r = r.WithContext(ContextWithPrincipal(r.Context(), Principal{
						UserID:      sess.User.ID,
						Email:       sess.User.Email,
						AccessToken: token,
						ExpiresAt:   sess.ExpiresAt,
					}))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isAPI reports whether r targets the JSON API.
func isAPI(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/")
}

// RequireAuth blocks anonymous requests: pages redirect to the login page,
// API calls get 401.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok {
			denyAnonymous(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin blocks callers without the admin role: anonymous callers as
// in RequireAuth, authenticated non-admins are sent home (pages) or get 403.
// A failed role lookup counts as not admin.
func RequireAdmin(roles RoleChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				denyAnonymous(w, r)
				return
			}
			admin, err := roles.HasRole(r.Context(), p.UserID, role.RoleAdmin)
			if err != nil {
				slog.Warn("auth_event", "event", "role_lookup_failed", "user_id", p.UserID, "error", err)
			}
			if !admin {
				slog.Warn("auth_event", "event", "admin_denied", "path", r.URL.Path, "user_id", p.UserID)
				if isAPI(r) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				http.Redirect(w, r, "/", http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func denyAnonymous(w http.ResponseWriter, r *http.Request) {
	slog.Debug("auth_event", "event", "anonymous_denied", "path", r.URL.Path)
	if isAPI(r) {
		http.Error(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	http.Redirect(w, r, "/auth", http.StatusSeeOther)
}

// PrincipalFromContext extracts the principal from the request context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// ContextWithPrincipal returns a context carrying p.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// SetSessionCookie stores the access token in the session cookie until expiresAt.
func SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		HttpOnly: true,
		Secure:   SecureCookies,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
		Expires:  expiresAt,
	})
}

// ClearSessionCookie removes the session cookie.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		HttpOnly: true,
		Secure:   SecureCookies,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
		MaxAge:   -1,
	})
}
