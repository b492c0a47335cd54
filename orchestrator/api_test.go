package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sluice-labs/sluice-go/internal/domain"
	"github.com/sluice-labs/sluice-go/internal/repo"
	"github.com/sluice-labs/sluice-go/internal/service/runs"
)

var (
	_ repo.RunRepository        = (*fakeRunRepo)(nil)
	_ repo.TransitionRepository = (*fakeTransitionRepo)(nil)
)

type fakeRunRepo struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{runs: make(map[string]domain.Run)}
}

func (f *fakeRunRepo) CreateRun(ctx context.Context, run domain.Run) (domain.Run, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.runs {
		if existing.SourceKey == run.SourceKey && !existing.State.Terminal() {
			return existing, false, nil
		}
	}
	run.RowVersion = 1
	f.runs[run.ID] = run
	return run, true, nil
}

func (f *fakeRunRepo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeRunRepo) GetActiveRunBySourceKey(ctx context.Context, sourceKey string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.SourceKey == sourceKey && !run.State.Terminal() {
			return run, nil
		}
	}
	return domain.Run{}, repo.ErrNotFound
}

func (f *fakeRunRepo) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Run, 0, len(f.runs))
	for _, run := range f.runs {
		if filter.State != "" && run.State != filter.State {
			continue
		}
		if filter.SourceKey != "" && run.SourceKey != filter.SourceKey {
			continue
		}
		out = append(out, run)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeRunRepo) ListSchedulable(ctx context.Context, now time.Time, limit int) ([]domain.Run, error) {
	return nil, nil
}

func (f *fakeRunRepo) UpdateRun(ctx context.Context, run domain.Run, expectedVersion int64) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run.RowVersion = expectedVersion + 1
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeRunRepo) MarkNotified(ctx context.Context, runID string, at time.Time) error {
	return nil
}

// terminate closes a run out-of-band so replay paths can be exercised.
func (f *fakeRunRepo) terminate(id string, state domain.RunState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := f.runs[id]
	run.State = state
	f.runs[id] = run
}

type fakeTransitionRepo struct {
	mu      sync.Mutex
	entries []domain.Transition
}

func (f *fakeTransitionRepo) Append(ctx context.Context, tr domain.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, tr)
	return nil
}

func (f *fakeTransitionRepo) ListByRun(ctx context.Context, runID string) ([]domain.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Transition, 0, len(f.entries))
	for _, tr := range f.entries {
		if tr.RunID == runID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func testRuleset() domain.Ruleset {
	return domain.Ruleset{
		Schema:  domain.RulesetSchemaV1,
		Version: "2026-03-01",
		Rules:   []domain.Rule{{Name: "orders_present", Kind: domain.RuleKindRowCount}},
	}
}

func newTestAPI(t *testing.T) (*fakeRunRepo, *fakeTransitionRepo, *http.ServeMux) {
	t.Helper()
	runRepo := newFakeRunRepo()
	trRepo := &fakeTransitionRepo{}
	svc := runs.New(runRepo, trRepo)
	if svc == nil {
		t.Fatalf("runs.New() returned nil")
	}
	api := newOrchestratorAPI(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, svc, testRuleset())
	mux := http.NewServeMux()
	api.register(mux)
	return runRepo, trRepo, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://orchestrator.test"+target, rd)
	req.Header.Set("X-Request-Id", "req-test-1")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeRun(t *testing.T, rec *httptest.ResponseRecorder) runDocument {
	t.Helper()
	var doc runDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode run document: %v (body=%s)", err, rec.Body.String())
	}
	return doc
}

func TestCreateRunEndpointIsIdempotent(t *testing.T) {
	_, _, mux := newTestAPI(t)

	body := `{"source_key":"landing/orders/2026-03-01.parquet","location":"s3://sluice-raw/landing/orders/2026-03-01.parquet"}`
	rec := doJSON(t, mux, "POST", "/v1/runs", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first POST status=%d, want 201 (body=%s)", rec.Code, rec.Body.String())
	}
	first := decodeRun(t, rec)
	if first.RunID == "" {
		t.Fatalf("run_id missing in response")
	}
	if first.State != domain.RunStateCreated {
		t.Fatalf("state=%q, want created", first.State)
	}
	if first.Verdict != domain.VerdictUnset {
		t.Fatalf("verdict=%q, want unset", first.Verdict)
	}

	rec = doJSON(t, mux, "POST", "/v1/runs", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate POST status=%d, want 200", rec.Code)
	}
	second := decodeRun(t, rec)
	if second.RunID != first.RunID {
		t.Fatalf("duplicate POST run_id=%q, want %q", second.RunID, first.RunID)
	}
}

func TestCreateRunEndpointValidation(t *testing.T) {
	_, _, mux := newTestAPI(t)

	cases := []struct {
		name string
		body string
		code string
	}{
		{name: "missing source key", body: `{"location":"s3://sluice-raw/x"}`, code: "source_key_required"},
		{name: "missing location", body: `{"source_key":"landing/x"}`, code: "location_required"},
		{name: "malformed json", body: `{"source_key":`, code: "invalid_json"},
		{name: "unknown field", body: `{"source_key":"a","location":"b","extra":1}`, code: "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, mux, "POST", "/v1/runs", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status=%d, want 400", rec.Code)
			}
			var resp map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if resp["error"] != tc.code {
				t.Fatalf("error=%v, want %q", resp["error"], tc.code)
			}
			if resp["request_id"] != "req-test-1" {
				t.Fatalf("request_id=%v, want echo of request header", resp["request_id"])
			}
		})
	}
}

func TestGetRunEndpoint(t *testing.T) {
	_, _, mux := newTestAPI(t)

	rec := doJSON(t, mux, "POST", "/v1/runs", `{"source_key":"landing/a.parquet","location":"s3://sluice-raw/landing/a.parquet"}`)
	created := decodeRun(t, rec)

	rec = doJSON(t, mux, "GET", "/v1/runs/"+created.RunID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status=%d, want 200", rec.Code)
	}
	got := decodeRun(t, rec)
	if got.SourceKey != "landing/a.parquet" {
		t.Fatalf("source_key=%q", got.SourceKey)
	}

	rec = doJSON(t, mux, "GET", "/v1/runs/does-not-exist", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing run status=%d, want 404", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp["error"] != "not_found" {
		t.Fatalf("error=%v, want not_found", resp["error"])
	}
}

func TestListRunsEndpointFilters(t *testing.T) {
	runRepo, _, mux := newTestAPI(t)

	rec := doJSON(t, mux, "POST", "/v1/runs", `{"source_key":"landing/a.parquet","location":"s3://sluice-raw/landing/a.parquet"}`)
	a := decodeRun(t, rec)
	doJSON(t, mux, "POST", "/v1/runs", `{"source_key":"landing/b.parquet","location":"s3://sluice-raw/landing/b.parquet"}`)
	runRepo.terminate(a.RunID, domain.RunStateSucceeded)

	rec = doJSON(t, mux, "GET", "/v1/runs?state=succeeded", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status=%d, want 200", rec.Code)
	}
	var body struct {
		Runs []runDocument `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(body.Runs) != 1 || body.Runs[0].RunID != a.RunID {
		t.Fatalf("filtered list=%+v, want only %s", body.Runs, a.RunID)
	}

	rec = doJSON(t, mux, "GET", "/v1/runs?source_key=landing/b.parquet", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(body.Runs) != 1 || body.Runs[0].SourceKey != "landing/b.parquet" {
		t.Fatalf("source_key filter returned %+v", body.Runs)
	}

	rec = doJSON(t, mux, "GET", "/v1/runs?state=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid state status=%d, want 400", rec.Code)
	}
}

func TestReplayEndpoint(t *testing.T) {
	runRepo, _, mux := newTestAPI(t)

	rec := doJSON(t, mux, "POST", "/v1/runs", `{"source_key":"landing/a.parquet","location":"s3://sluice-raw/landing/a.parquet"}`)
	prior := decodeRun(t, rec)

	rec = doJSON(t, mux, "POST", "/v1/runs/"+prior.RunID+"/replay", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay of active run status=%d, want 409", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp["error"] != "run_not_terminal" {
		t.Fatalf("error=%v, want run_not_terminal", resp["error"])
	}

	runRepo.terminate(prior.RunID, domain.RunStateFailed)

	rec = doJSON(t, mux, "POST", "/v1/runs/"+prior.RunID+"/replay", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("replay status=%d, want 201 (body=%s)", rec.Code, rec.Body.String())
	}
	fresh := decodeRun(t, rec)
	if fresh.RunID == prior.RunID {
		t.Fatalf("replay reused run_id %s", prior.RunID)
	}
	if fresh.SourceKey != prior.SourceKey || fresh.Location != prior.Location {
		t.Fatalf("replay changed object: %+v", fresh)
	}

	// While the fresh run is active, replaying the prior run again returns it.
	rec = doJSON(t, mux, "POST", "/v1/runs/"+prior.RunID+"/replay", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("second replay status=%d, want 200", rec.Code)
	}
	again := decodeRun(t, rec)
	if again.RunID != fresh.RunID {
		t.Fatalf("second replay run_id=%q, want %q", again.RunID, fresh.RunID)
	}

	rec = doJSON(t, mux, "POST", "/v1/runs/does-not-exist/replay", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing run replay status=%d, want 404", rec.Code)
	}
}

func TestTransitionsEndpoint(t *testing.T) {
	_, trRepo, mux := newTestAPI(t)

	rec := doJSON(t, mux, "POST", "/v1/runs", `{"source_key":"landing/a.parquet","location":"s3://sluice-raw/landing/a.parquet"}`)
	created := decodeRun(t, rec)

	now := time.Now().UTC()
	for i, to := range []domain.RunState{domain.RunStateDiscoveringSource, domain.RunStateDiscoveringTarget} {
		err := trRepo.Append(context.Background(), domain.Transition{
			ID:         created.RunID + "-tr-" + string(rune('a'+i)),
			RunID:      created.RunID,
			FromState:  domain.RunStateCreated,
			ToState:    to,
			Stage:      domain.StageForState(to),
			OccurredAt: now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed transition: %v", err)
		}
	}

	rec = doJSON(t, mux, "GET", "/v1/runs/"+created.RunID+"/transitions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("transitions status=%d, want 200", rec.Code)
	}
	var body struct {
		Transitions []transitionDocument `json:"transitions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode transitions: %v", err)
	}
	if len(body.Transitions) != 2 {
		t.Fatalf("transitions=%d, want 2", len(body.Transitions))
	}
	if body.Transitions[0].ToState != domain.RunStateDiscoveringSource {
		t.Fatalf("first to_state=%q", body.Transitions[0].ToState)
	}
	if body.Transitions[1].Stage != domain.StageDiscoverTarget {
		t.Fatalf("second stage=%q", body.Transitions[1].Stage)
	}

	rec = doJSON(t, mux, "GET", "/v1/runs/does-not-exist/transitions", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing run transitions status=%d, want 404", rec.Code)
	}
}

func TestRulesetEndpoint(t *testing.T) {
	_, _, mux := newTestAPI(t)

	rec := doJSON(t, mux, "GET", "/v1/ruleset", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ruleset status=%d, want 200", rec.Code)
	}
	var body struct {
		Version string         `json:"version"`
		Ruleset domain.Ruleset `json:"ruleset"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode ruleset: %v", err)
	}
	if body.Version != "2026-03-01" {
		t.Fatalf("version=%q", body.Version)
	}
	if len(body.Ruleset.Rules) != 1 || body.Ruleset.Rules[0].Name != "orders_present" {
		t.Fatalf("ruleset=%+v", body.Ruleset)
	}
}

func TestDecodeJSON_RejectsExtraValue(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.test/", strings.NewReader("{\"source_key\":\"a\"} {\"source_key\":\"b\"}"))
	var dst createRunRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDecodeJSON_DisallowUnknownFields(t *testing.T) {
	req := httptest.NewRequest("POST", "http://example.test/", strings.NewReader("{\"source_key\":\"a\",\"extra\":1}"))
	var dst createRunRequest
	if err := decodeJSON(req, &dst); err == nil {
		t.Fatalf("expected error")
	}
}
