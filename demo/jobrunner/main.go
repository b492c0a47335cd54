// Demo job runner: an in-memory stand-in for the real discovery, evaluation,
// and transformation workers. It speaks the orchestrator's job API and
// produces deterministic outputs so a full pipeline run can be exercised on a
// laptop. Never deploy it anywhere that matters.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type submission struct {
	Kind   string         `json:"kind"`
	RunID  string         `json:"run_id"`
	Params map[string]any `json:"params,omitempty"`
}

type job struct {
	ID          string
	Kind        string
	RunID       string
	Params      map[string]any
	SubmittedAt time.Time
	DoneAt      time.Time
}

type jobStatus struct {
	JobID     string          `json:"job_id"`
	State     string          `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

type runner struct {
	mu   sync.Mutex
	jobs map[string]*job
	seq  int

	delay           time.Duration
	reportRows      int64
	reportFields    []string
	nonNullFraction float64
	failKind        string
	failRetryable   bool
}

func main() {
	addr := envOr("DEMO_JOBRUNNER_ADDR", ":8090")

	r := &runner{
		jobs:            make(map[string]*job),
		delay:           envDuration("DEMO_JOB_DELAY", 2*time.Second),
		reportRows:      envInt64("DEMO_REPORT_ROWS", 1200),
		reportFields:    splitCSV(envOr("DEMO_REPORT_FIELDS", "order_id")),
		nonNullFraction: envFloat("DEMO_NON_NULL_FRACTION", 1.0),
		failKind:        strings.ToLower(strings.TrimSpace(os.Getenv("DEMO_FAIL_KIND"))),
		failRetryable:   envOr("DEMO_FAIL_RETRYABLE", "true") == "true",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /v1/jobs", r.handleSubmit)
	mux.HandleFunc("GET /v1/jobs/{job_id}", r.handlePoll)

	log.Printf("demo job runner listening on %s (delay=%s rows=%d non_null=%.2f fail_kind=%q)",
		addr, r.delay, r.reportRows, r.nonNullFraction, r.failKind)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

func (r *runner) handleSubmit(w http.ResponseWriter, req *http.Request) {
	var sub submission
	if err := json.NewDecoder(req.Body).Decode(&sub); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
		return
	}
	kind := strings.ToLower(strings.TrimSpace(sub.Kind))
	switch kind {
	case "discover", "evaluate", "transform":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_kind"})
		return
	}
	if strings.TrimSpace(sub.RunID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "run_id_required"})
		return
	}

	r.mu.Lock()
	r.seq++
	j := &job{
		ID:          fmt.Sprintf("demo-%d", r.seq),
		Kind:        kind,
		RunID:       strings.TrimSpace(sub.RunID),
		Params:      sub.Params,
		SubmittedAt: time.Now(),
		DoneAt:      time.Now().Add(r.delay),
	}
	r.jobs[j.ID] = j
	r.mu.Unlock()

	log.Printf("accepted %s job %s for run %s", j.Kind, j.ID, j.RunID)
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": j.ID})
}

func (r *runner) handlePoll(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	j, ok := r.jobs[req.PathValue("job_id")]
	r.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
		return
	}

	if time.Now().Before(j.DoneAt) {
		writeJSON(w, http.StatusOK, jobStatus{JobID: j.ID, State: "running"})
		return
	}

	if r.failKind != "" && j.Kind == r.failKind {
		writeJSON(w, http.StatusOK, jobStatus{
			JobID:     j.ID,
			State:     "failed",
			Reason:    fmt.Sprintf("demo runner is configured to fail %s jobs", j.Kind),
			Retryable: r.failRetryable,
		})
		return
	}

	output, err := r.output(j)
	if err != nil {
		writeJSON(w, http.StatusOK, jobStatus{JobID: j.ID, State: "failed", Reason: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, jobStatus{JobID: j.ID, State: "succeeded", Output: output})
}

// output fabricates the product each job kind owes the orchestrator.
func (r *runner) output(j *job) (json.RawMessage, error) {
	switch j.Kind {
	case "discover":
		database := paramString(j.Params, "catalog_database", "raw")
		ref := fmt.Sprintf("%s.run_%s", database, shortID(j.RunID))
		return json.Marshal(map[string]any{"catalog_ref": ref})
	case "evaluate":
		fields := make(map[string]any, len(r.reportFields))
		for _, name := range r.reportFields {
			fields[name] = map[string]any{
				"non_null_fraction": r.nonNullFraction,
				"distinct_fraction": 1.0,
			}
		}
		return json.Marshal(map[string]any{
			"report": map[string]any{
				"row_count": r.reportRows,
				"fields":    fields,
			},
		})
	case "transform":
		return json.Marshal(map[string]any{
			"rows_written": r.reportRows,
			"target":       paramString(j.Params, "target_location", ""),
		})
	default:
		return nil, fmt.Errorf("unsupported kind %q", j.Kind)
	}
}

func paramString(params map[string]any, key, fallback string) string {
	if params == nil {
		return fallback
	}
	if v, ok := params[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return d
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return f
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}
