// Package httpserver carries the HTTP plumbing shared by the pipeline
// binaries: request ids, request logging, panic recovery, health and
// readiness endpoints, and a server lifecycle that drains in-flight
// requests on shutdown.
package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Service         string
	Addr            string
	ShutdownTimeout time.Duration
}

// Wrap layers the shared middleware onto a handler. Request id
// assignment sits outermost so the recovery and logging layers can
// read the id from the request context.
func Wrap(logger *slog.Logger, service string, next http.Handler) http.Handler {
	h := withRequestLog(logger, next)
	h = withRecover(logger, h)
	return withRequestID(service, h)
}

// Run serves handler on cfg.Addr until ctx is cancelled, then drains
// in-flight requests for at most cfg.ShutdownTimeout.
func Run(ctx context.Context, logger *slog.Logger, cfg Config, handler http.Handler) error {
	if cfg.Service == "" {
		return errors.New("service is required")
	}
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "service", cfg.Service, "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Healthz reports process liveness only; dependency state belongs to
// ReadyzWithChecks.
func Healthz(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"service": service,
			"status":  "ok",
		})
	}
}

// ReadinessCheck is one named dependency probe.
type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

// ReadyzWithChecks runs every probe on each request and answers 503
// with per-check detail as soon as any of them fails.
func ReadyzWithChecks(service string, checks ...ReadinessCheck) http.HandlerFunc {
	type probeResult struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		DurationMs int64  `json:"duration_ms"`
		Error      string `json:"error,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		overall := "ready"
		results := make([]probeResult, 0, len(checks))

		for _, check := range checks {
			started := time.Now()
			result := probeResult{Name: check.Name, Status: "ok"}
			if err := check.Check(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				overall = "not_ready"
				result.Status = "fail"
				result.Error = err.Error()
			}
			result.DurationMs = time.Since(started).Milliseconds()
			results = append(results, result)
		}

		respondJSON(w, status, map[string]any{
			"service": service,
			"status":  overall,
			"checks":  results,
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

type requestIDKey struct{}

// RequestIDFromContext returns the id assigned by Wrap.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}

func withRequestID(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = newRequestID(service)
		}

		r.Header.Set("X-Request-Id", id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// newRequestID prefers a UUID and falls back to a service-scoped
// timestamp when entropy is unavailable.
func newRequestID(service string) string {
	if u, err := uuid.NewRandom(); err == nil {
		return u.String()
	}
	return fmt.Sprintf("%s-%d", service, time.Now().UnixNano())
}

// responseRecorder captures status and body size for the request log.
// Flush and Hijack pass through so streaming handlers keep working.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *responseRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *responseRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	return hijacker.Hijack()
}

func withRequestLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		id, _ := RequestIDFromContext(r.Context())
		attrs := []any{
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(started).Milliseconds(),
		}
		if rec.status >= 500 {
			logger.Error("http request", attrs...)
			return
		}
		logger.Info("http request", attrs...)
	})
}

func withRecover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				id, _ := RequestIDFromContext(r.Context())
				logger.Error("panic recovered",
					"request_id", id,
					"panic", v,
					"stack", string(debug.Stack()),
				)
				respondJSON(w, http.StatusInternalServerError, map[string]any{
					"error":      "internal_server_error",
					"request_id": id,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
