package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sluice-labs/sluice-go/internal/domain"
	"github.com/sluice-labs/sluice-go/internal/platform/auditlog"
	"github.com/sluice-labs/sluice-go/internal/platform/auth"
	"github.com/sluice-labs/sluice-go/internal/repo"
	"github.com/sluice-labs/sluice-go/internal/service/runs"
)

type orchestratorAPI struct {
	logger  *slog.Logger
	db      *sql.DB
	service *runs.Service
	ruleset domain.Ruleset
}

func newOrchestratorAPI(logger *slog.Logger, db *sql.DB, service *runs.Service, ruleset domain.Ruleset) *orchestratorAPI {
	return &orchestratorAPI{
		logger:  logger,
		db:      db,
		service: service,
		ruleset: ruleset,
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", api.handleCreateRun)
	mux.HandleFunc("GET /v1/runs", api.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/transitions", api.handleListTransitions)
	mux.HandleFunc("POST /v1/runs/{run_id}/replay", api.handleReplayRun)
	mux.HandleFunc("GET /v1/ruleset", api.handleGetRuleset)
}

type runDocument struct {
	RunID          string                `json:"run_id"`
	SourceKey      string                `json:"source_key"`
	Location       string                `json:"location"`
	State          domain.RunState       `json:"state"`
	Verdict        domain.Verdict        `json:"verdict"`
	Attempts       map[domain.Stage]int  `json:"attempts,omitempty"`
	CatalogRefs    map[string]string     `json:"catalog_refs,omitempty"`
	Report         *domain.QualityReport `json:"quality_report,omitempty"`
	Evaluation     *domain.Evaluation    `json:"evaluation,omitempty"`
	RulesetVersion string                `json:"ruleset_version,omitempty"`
	PendingJob     *domain.JobHandle     `json:"pending_job,omitempty"`
	ErrorKind      domain.ErrorKind      `json:"error_kind,omitempty"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	NextAttemptAt  *time.Time            `json:"next_attempt_at,omitempty"`
	NotifiedAt     *time.Time            `json:"notified_at,omitempty"`
	RowVersion     int64                 `json:"row_version"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

func runDoc(run domain.Run) runDocument {
	return runDocument{
		RunID:          run.ID,
		SourceKey:      run.SourceKey,
		Location:       run.Location,
		State:          run.State,
		Verdict:        run.Verdict,
		Attempts:       run.Attempts,
		CatalogRefs:    run.CatalogRefs,
		Report:         run.Report,
		Evaluation:     run.Evaluation,
		RulesetVersion: run.RulesetVersion,
		PendingJob:     run.PendingJob,
		ErrorKind:      run.ErrorKind,
		ErrorMessage:   run.ErrorMessage,
		NextAttemptAt:  run.NextAttemptAt,
		NotifiedAt:     run.NotifiedAt,
		RowVersion:     run.RowVersion,
		CreatedAt:      run.CreatedAt,
		UpdatedAt:      run.UpdatedAt,
	}
}

type transitionDocument struct {
	TransitionID    string          `json:"transition_id"`
	RunID           string          `json:"run_id"`
	FromState       domain.RunState `json:"from_state,omitempty"`
	ToState         domain.RunState `json:"to_state"`
	Stage           domain.Stage    `json:"stage,omitempty"`
	Attempt         int             `json:"attempt"`
	Detail          map[string]any  `json:"detail,omitempty"`
	OccurredAt      time.Time       `json:"occurred_at"`
	IntegritySHA256 string          `json:"integrity_sha256,omitempty"`
}

func transitionDoc(tr domain.Transition) transitionDocument {
	return transitionDocument{
		TransitionID:    tr.ID,
		RunID:           tr.RunID,
		FromState:       tr.FromState,
		ToState:         tr.ToState,
		Stage:           tr.Stage,
		Attempt:         tr.Attempt,
		Detail:          tr.Detail,
		OccurredAt:      tr.OccurredAt,
		IntegritySHA256: tr.IntegritySHA256,
	}
}

type createRunRequest struct {
	SourceKey string `json:"source_key"`
	Location  string `json:"location"`
}

func (api *orchestratorAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	sourceKey := strings.TrimSpace(req.SourceKey)
	if sourceKey == "" {
		api.writeError(w, r, http.StatusBadRequest, "source_key_required")
		return
	}
	location := strings.TrimSpace(req.Location)
	if location == "" {
		api.writeError(w, r, http.StatusBadRequest, "location_required")
		return
	}

	run, created, err := api.service.CreateOrGetRun(r.Context(), sourceKey, location)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.audit(r, "run.create", run, map[string]any{
		"service":  "orchestrator",
		"location": location,
		"created":  created,
		"state":    run.State,
	})

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.writeJSON(w, status, runDoc(run))
}

func (api *orchestratorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		SourceKey: strings.TrimSpace(r.URL.Query().Get("source_key")),
		Limit:     clampInt(parseIntQuery(r, "limit", 50), 1, 500),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state := domain.NormalizeRunState(raw)
		if state == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_state")
			return
		}
		filter.State = state
	}

	list, err := api.service.ListRuns(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]runDocument, 0, len(list))
	for _, run := range list {
		out = append(out, runDoc(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *orchestratorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := api.service.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, runDoc(run))
}

func (api *orchestratorAPI) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	history, err := api.service.History(r.Context(), r.PathValue("run_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]transitionDocument, 0, len(history))
	for _, tr := range history {
		out = append(out, transitionDoc(tr))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"transitions": out})
}

func (api *orchestratorAPI) handleReplayRun(w http.ResponseWriter, r *http.Request) {
	priorID := r.PathValue("run_id")
	run, created, err := api.service.Replay(r.Context(), priorID)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		case errors.Is(err, runs.ErrRunNotTerminal):
			api.writeError(w, r, http.StatusConflict, "run_not_terminal")
		default:
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	api.audit(r, "run.replay", run, map[string]any{
		"service":      "orchestrator",
		"prior_run_id": priorID,
		"created":      created,
	})

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	api.writeJSON(w, status, runDoc(run))
}

func (api *orchestratorAPI) handleGetRuleset(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]any{
		"version": api.ruleset.Version,
		"ruleset": api.ruleset,
	})
}

// audit records a mutation best-effort; the run row is already committed, so a
// failed insert is logged rather than failing the request.
func (api *orchestratorAPI) audit(r *http.Request, action string, run domain.Run, detail map[string]any) {
	if api.db == nil {
		return
	}
	actor := "anonymous"
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && strings.TrimSpace(identity.Subject) != "" {
		actor = identity.Subject
	}
	_, err := auditlog.Append(r.Context(), api.db, auditlog.Entry{
		OccurredAt: time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		RunID:      run.ID,
		Target:     run.SourceKey,
		RequestID:  r.Header.Get("X-Request-Id"),
		RemoteIP:   remoteIP(r.RemoteAddr),
		UserAgent:  r.UserAgent(),
		Detail:     detail,
	})
	if err != nil {
		api.logger.Warn("audit append failed", "action", action, "run_id", run.ID, "error", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
