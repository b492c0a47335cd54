package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func wrapHandler(t *testing.T, h http.HandlerFunc) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mux := http.NewServeMux()
	mux.HandleFunc("/runs", h)
	return Wrap(logger, "orchestrator", mux)
}

func TestWrapAssignsRequestID(t *testing.T) {
	h := wrapHandler(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://pipeline.test/runs", nil))

	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected a generated X-Request-Id header")
	}
}

func TestWrapKeepsCallerRequestID(t *testing.T) {
	h := wrapHandler(t, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "http://pipeline.test/runs", nil)
	req.Header.Set("X-Request-Id", "run-trace-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "run-trace-7" {
		t.Fatalf("X-Request-Id=%q, want run-trace-7", got)
	}
}

func TestWrapRecoversHandlerPanic(t *testing.T) {
	h := wrapHandler(t, func(http.ResponseWriter, *http.Request) { panic("gate exploded") })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://pipeline.test/runs", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type=%q, want application/json", ct)
	}
}

func TestReadyzReportsReady(t *testing.T) {
	handler := ReadyzWithChecks("orchestrator",
		ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
		ReadinessCheck{Name: "object-store", Check: func(context.Context) error { return nil }},
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://pipeline.test/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ready"`) {
		t.Fatalf("expected ready payload, got %s", rec.Body.String())
	}
}

func TestReadyzReportsFailingCheck(t *testing.T) {
	handler := ReadyzWithChecks("orchestrator",
		ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return nil }},
		ReadinessCheck{Name: "object-store", Check: func(context.Context) error {
			return errors.New("bucket missing: raw")
		}},
	)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://pipeline.test/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"status":"not_ready"`) {
		t.Fatalf("expected not_ready payload, got %s", body)
	}
	if !strings.Contains(body, "object-store") {
		t.Fatalf("expected the failing check name in payload, got %s", body)
	}
}
