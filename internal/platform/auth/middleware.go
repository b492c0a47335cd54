package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AuthorizeFunc decides whether an authenticated caller may perform the
// request. A non-nil error denies it with 403.
type AuthorizeFunc func(r *http.Request, identity Identity) error

// AuditFunc receives every denied request so denials land in the audit
// trail next to operator actions.
type AuditFunc func(ctx context.Context, event DenyEvent) error

// DenyEvent describes one rejected request.
type DenyEvent struct {
	Time       time.Time
	Status     int
	Reason     string
	Error      string
	RequestID  string
	Method     string
	Path       string
	Subject    string
	Email      string
	Roles      []string
	RemoteAddr string
	UserAgent  string
}

// Middleware guards the run API: every request outside SkipPrefixes is
// authenticated and, when Authorize is set, role-checked.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	Authorize     AuthorizeFunc
	Audit         AuditFunc
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipped(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason, code := "invalid_token", "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason, code = "unauthenticated", "unauthorized"
			}
			m.deny(w, r, denial{
				status: http.StatusUnauthorized,
				code:   code,
				reason: reason,
				err:    err,
			})
			return
		}

		if m.Authorize != nil {
			if err := m.Authorize(r, identity); err != nil {
				m.deny(w, r, denial{
					status:   http.StatusForbidden,
					code:     "forbidden",
					reason:   "forbidden",
					err:      err,
					identity: identity,
				})
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) skipped(path string) bool {
	for _, prefix := range m.SkipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// denial fans out to the log, the audit trail and the response. code is
// the wire error token, reason the audit vocabulary; they differ only
// for missing credentials.
type denial struct {
	status   int
	code     string
	reason   string
	err      error
	identity Identity
}

func (m Middleware) deny(w http.ResponseWriter, r *http.Request, d denial) {
	requestID := r.Header.Get("X-Request-Id")

	if m.Logger != nil {
		fields := []any{
			"reason", d.reason,
			"status", d.status,
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"error", d.err.Error(),
		}
		if d.identity.Subject != "" {
			fields = append(fields, "subject", d.identity.Subject)
		}
		m.Logger.Warn("request denied", fields...)
	}

	if m.Audit != nil {
		event := DenyEvent{
			Time:       time.Now().UTC(),
			Status:     d.status,
			Reason:     d.reason,
			Error:      d.err.Error(),
			RequestID:  requestID,
			Method:     r.Method,
			Path:       r.URL.Path,
			Subject:    d.identity.Subject,
			Email:      d.identity.Email,
			Roles:      d.identity.Roles,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		}
		if err := m.Audit(r.Context(), event); err != nil && m.Logger != nil {
			m.Logger.Warn("audit deny failed", "request_id", requestID, "error", err.Error())
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(d.status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":      d.code,
		"request_id": requestID,
	})
}

// MethodRoleAuthorizer grants read methods to viewers and everything
// else to operators.
func MethodRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if HasAtLeast(identity.Roles, RequiredRoleForRequest(r)) {
			return nil
		}
		return ErrForbidden
	}
}
