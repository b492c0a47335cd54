package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type testAuthenticator struct {
	identity Identity
	err      error
	calls    int
}

func (a *testAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	a.calls++
	return a.identity, a.err
}

func TestMiddlewareDenies(t *testing.T) {
	tests := []struct {
		name       string
		authn      *testAuthenticator
		authorize  AuthorizeFunc
		method     string
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing credentials",
			authn:      &testAuthenticator{err: ErrUnauthenticated},
			method:     http.MethodGet,
			wantStatus: http.StatusUnauthorized,
			wantError:  "unauthorized",
		},
		{
			name:       "garbage token",
			authn:      &testAuthenticator{err: errors.New("token expired")},
			method:     http.MethodGet,
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_token",
		},
		{
			name:       "viewer tries to create a run",
			authn:      &testAuthenticator{identity: Identity{Subject: "alice", Roles: []string{RoleViewer}}},
			authorize:  MethodRoleAuthorizer(),
			method:     http.MethodPost,
			wantStatus: http.StatusForbidden,
			wantError:  "forbidden",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			h := Middleware{
				Authenticator: tc.authn,
				Authorize:     tc.authorize,
			}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(tc.method, "http://pipeline.test/v1/runs", nil)
			req.Header.Set("X-Request-Id", "rid-9")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if called {
				t.Fatalf("handler ran on a denied request")
			}
			if rec.Code != tc.wantStatus {
				t.Fatalf("status=%d, want %d", rec.Code, tc.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal response: %v", err)
			}
			if body["error"] != tc.wantError {
				t.Fatalf("error=%q, want %q", body["error"], tc.wantError)
			}
			if body["request_id"] != "rid-9" {
				t.Fatalf("request_id=%q, want rid-9", body["request_id"])
			}
		})
	}
}

func TestMiddlewarePassesIdentityThrough(t *testing.T) {
	authn := &testAuthenticator{identity: Identity{Subject: "bob", Roles: []string{RoleOperator}}}
	var got Identity
	var ok bool
	h := Middleware{
		Authenticator: authn,
		Authorize:     MethodRoleAuthorizer(),
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = IdentityFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://pipeline.test/v1/runs", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if !ok || got.Subject != "bob" {
		t.Fatalf("identity in context=%+v ok=%v, want subject bob", got, ok)
	}
}

func TestMiddlewareSkipsHealthProbes(t *testing.T) {
	authn := &testAuthenticator{err: ErrUnauthenticated}
	called := false
	h := Middleware{
		Authenticator: authn,
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://pipeline.test/readyz", nil))

	if !called {
		t.Fatalf("probe should bypass authentication")
	}
	if authn.calls != 0 {
		t.Fatalf("authenticator calls=%d, want 0", authn.calls)
	}
}

func TestMiddlewareAuditsDenials(t *testing.T) {
	authn := &testAuthenticator{err: ErrUnauthenticated}
	var events []DenyEvent
	h := Middleware{
		Authenticator: authn,
		Audit: func(ctx context.Context, event DenyEvent) error {
			events = append(events, event)
			return nil
		},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodDelete, "http://pipeline.test/v1/runs/abc", nil)
	req.Header.Set("X-Request-Id", "rid-4")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if len(events) != 1 {
		t.Fatalf("audit events=%d, want 1", len(events))
	}
	event := events[0]
	if event.Reason != "unauthenticated" {
		t.Fatalf("Reason=%q, want unauthenticated", event.Reason)
	}
	if event.RequestID != "rid-4" {
		t.Fatalf("RequestID=%q, want rid-4", event.RequestID)
	}
	if event.Method != http.MethodDelete || event.Path != "/v1/runs/abc" {
		t.Fatalf("Method=%q Path=%q, want DELETE /v1/runs/abc", event.Method, event.Path)
	}
	if event.Time.IsZero() {
		t.Fatalf("Time should be set")
	}
}
