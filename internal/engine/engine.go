// Package engine drives pipeline runs through their state machine. Each
// Advance call performs at most one action for a run: submit a stage job,
// poll a pending job, apply the quality verdict, quarantine a rejected
// object, or deliver the terminal notification. Persistence goes through
// the run repository with optimistic version checks, so concurrent sweeps
// never apply conflicting writes.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sluice-labs/sluice-go/internal/domain"
	"github.com/sluice-labs/sluice-go/internal/gate"
	"github.com/sluice-labs/sluice-go/internal/jobs"
	"github.com/sluice-labs/sluice-go/internal/notify"
	"github.com/sluice-labs/sluice-go/internal/quarantine"
	"github.com/sluice-labs/sluice-go/internal/repo"
)

// Config carries the tuning knobs for run progression.
type Config struct {
	// RetryCeiling is the maximum number of recorded failures per stage
	// before the run is closed as retry_exhausted.
	RetryCeiling int
	// BackoffBase and BackoffCap bound the retry delay curve.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Budgets holds the wall-clock allowance per job kind. A pending job
	// older than its budget is abandoned and counted as a timeout failure.
	Budgets map[domain.JobKind]time.Duration

	// SourceDatabase and TargetDatabase name the catalog databases used
	// for discovery submissions.
	SourceDatabase string
	TargetDatabase string
	// TargetLocation is the warehouse prefix transform jobs write to.
	TargetLocation string
}

func (c Config) withDefaults() Config {
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Minute
	}
	if c.Budgets == nil {
		c.Budgets = map[domain.JobKind]time.Duration{}
	}
	if c.Budgets[domain.JobKindDiscover] <= 0 {
		c.Budgets[domain.JobKindDiscover] = 15 * time.Minute
	}
	if c.Budgets[domain.JobKindEvaluate] <= 0 {
		c.Budgets[domain.JobKindEvaluate] = 30 * time.Minute
	}
	if c.Budgets[domain.JobKindTransform] <= 0 {
		c.Budgets[domain.JobKindTransform] = 2 * time.Hour
	}
	if c.SourceDatabase == "" {
		c.SourceDatabase = "raw"
	}
	if c.TargetDatabase == "" {
		c.TargetDatabase = "warehouse"
	}
	return c
}

// Engine advances runs one action at a time.
type Engine struct {
	logger      *slog.Logger
	runs        repo.RunRepository
	transitions repo.TransitionRepository
	jobs        jobs.Client
	mover       quarantine.Mover
	notifier    notify.Notifier
	ruleset     domain.Ruleset
	cfg         Config
	now         func() time.Time
}

// New wires an engine. All collaborators are required; the ruleset must be
// valid because every evaluation verdict is derived from it.
func New(logger *slog.Logger, runs repo.RunRepository, transitions repo.TransitionRepository, client jobs.Client, mover quarantine.Mover, notifier notify.Notifier, ruleset domain.Ruleset, cfg Config) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if runs == nil {
		return nil, errors.New("engine: run repository is required")
	}
	if transitions == nil {
		return nil, errors.New("engine: transition repository is required")
	}
	if client == nil {
		return nil, errors.New("engine: job client is required")
	}
	if mover == nil {
		return nil, errors.New("engine: quarantine mover is required")
	}
	if notifier == nil {
		return nil, errors.New("engine: notifier is required")
	}
	if err := ruleset.Validate(); err != nil {
		return nil, fmt.Errorf("engine: ruleset: %w", err)
	}
	return &Engine{
		logger:      logger,
		runs:        runs,
		transitions: transitions,
		jobs:        client,
		mover:       mover,
		notifier:    notifier,
		ruleset:     ruleset,
		cfg:         cfg.withDefaults(),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Advance applies at most one action to the run and reports whether anything
// changed. Callers loop while changed is true to drain a run, and stop on the
// first quiet pass. A run waiting out its backoff window is left untouched.
func (e *Engine) Advance(ctx context.Context, run domain.Run) (domain.Run, bool, error) {
	if run.State.Terminal() {
		if run.NotifiedAt == nil {
			return e.notifyTerminal(ctx, run)
		}
		return run, false, nil
	}
	if run.NextAttemptAt != nil && e.now().Before(*run.NextAttemptAt) {
		return run, false, nil
	}
	switch run.State {
	case domain.RunStateCreated:
		return e.enterPipeline(ctx, run)
	case domain.RunStateQuarantining:
		return e.quarantineObject(ctx, run)
	default:
		if run.PendingJob == nil {
			return e.submitStageJob(ctx, run)
		}
		return e.pollPendingJob(ctx, run)
	}
}

// enterPipeline moves a freshly created run into its first working state.
// The discovery job itself is submitted on the next pass, which keeps a
// single submission path for first attempts and retries alike.
func (e *Engine) enterPipeline(ctx context.Context, run domain.Run) (domain.Run, bool, error) {
	updated := run
	updated.State = domain.RunStateDiscoveringSource
	return e.persist(ctx, run, updated, map[string]any{"reason": "run accepted"})
}

// submitStageJob submits the job for the run's current stage and records the
// returned handle. A rejected submission closes the run permanently; a
// transport failure is counted against the stage's retry budget.
func (e *Engine) submitStageJob(ctx context.Context, run domain.Run) (domain.Run, bool, error) {
	stage := domain.StageForState(run.State)
	if stage == "" {
		return domain.Run{}, false, fmt.Errorf("engine: state %q has no stage", run.State)
	}
	sub, err := e.submission(run, stage)
	if err != nil {
		return domain.Run{}, false, err
	}
	jobID, err := e.jobs.Submit(ctx, sub)
	if err != nil {
		if errors.Is(err, jobs.ErrSubmissionRejected) {
			return e.failTerminal(ctx, run, rejectionKind(stage), err.Error())
		}
		return e.failStage(ctx, run, domain.ErrorKindJobFailure, fmt.Sprintf("submit %s: %v", sub.Kind, err))
	}
	updated := run
	updated.PendingJob = &domain.JobHandle{
		ID:          jobID,
		Kind:        sub.Kind,
		Stage:       stage,
		SubmittedAt: e.now(),
	}
	updated.NextAttemptAt = nil
	return e.persist(ctx, run, updated, map[string]any{
		"job_id":   jobID,
		"job_kind": string(sub.Kind),
	})
}

// pollPendingJob checks the pending job once and reacts to its state. Only
// the handle currently stored on the run is ever polled, so results from
// jobs abandoned by an earlier timeout can never reach the run.
func (e *Engine) pollPendingJob(ctx context.Context, run domain.Run) (domain.Run, bool, error) {
	handle := *run.PendingJob
	status, err := e.jobs.Poll(ctx, handle.ID)
	if err != nil {
		e.log(ctx, slog.LevelWarn, "job poll failed", "run_id", run.ID, "job_id", handle.ID, "error", err)
		return run, false, nil
	}
	switch status.State {
	case jobs.JobStateRunning:
		budget := e.cfg.Budgets[handle.Kind]
		if budget > 0 && e.now().Sub(handle.SubmittedAt) > budget {
			return e.failStage(ctx, run, domain.ErrorKindTimeout, fmt.Sprintf("%s job %s exceeded %s budget", handle.Kind, handle.ID, budget))
		}
		return run, false, nil
	case jobs.JobStateSucceeded:
		return e.completeStage(ctx, run, status)
	case jobs.JobStateFailed:
		reason := status.Reason
		if reason == "" {
			reason = fmt.Sprintf("%s job %s failed", handle.Kind, handle.ID)
		}
		if status.Retryable {
			return e.failStage(ctx, run, domain.ErrorKindJobFailure, reason)
		}
		return e.failTerminal(ctx, run, failureKind(handle.Stage), reason)
	case jobs.JobStateNotFound:
		return e.failStage(ctx, run, domain.ErrorKindJobFailure, fmt.Sprintf("%s job %s not found", handle.Kind, handle.ID))
	default:
		return domain.Run{}, false, fmt.Errorf("engine: job %s reported unknown state %q", handle.ID, status.State)
	}
}

// completeStage applies a succeeded job's output and moves the run forward.
// Error bookkeeping from earlier attempts is cleared; the per-stage failure
// counters are kept as history.
func (e *Engine) completeStage(ctx context.Context, run domain.Run, status jobs.Status) (domain.Run, bool, error) {
	updated := run
	updated.PendingJob = nil
	updated.NextAttemptAt = nil
	updated.ErrorKind = domain.ErrorKindNone
	updated.ErrorMessage = ""
	detail := map[string]any{"job_id": run.PendingJob.ID}

	switch run.State {
	case domain.RunStateDiscoveringSource:
		ref, err := decodeCatalogRef(status.Output)
		if err != nil {
			return e.failStage(ctx, run, domain.ErrorKindJobFailure, fmt.Sprintf("discover-source output: %v", err))
		}
		updated.CatalogRefs = cloneRefs(run.CatalogRefs)
		updated.CatalogRefs["source"] = ref
		updated.State = domain.RunStateDiscoveringTarget
		detail["catalog_ref"] = ref
	case domain.RunStateDiscoveringTarget:
		ref, err := decodeCatalogRef(status.Output)
		if err != nil {
			return e.failStage(ctx, run, domain.ErrorKindJobFailure, fmt.Sprintf("discover-target output: %v", err))
		}
		updated.CatalogRefs = cloneRefs(run.CatalogRefs)
		updated.CatalogRefs["target"] = ref
		updated.State = domain.RunStateEvaluatingQuality
		detail["catalog_ref"] = ref
	case domain.RunStateEvaluatingQuality:
		report, err := decodeReport(status.Output)
		if err != nil {
			return e.failStage(ctx, run, domain.ErrorKindJobFailure, fmt.Sprintf("evaluate output: %v", err))
		}
		evaluation := gate.Evaluate(report, e.ruleset)
		updated.Report = &report
		updated.Evaluation = &evaluation
		updated.Verdict = evaluation.Verdict
		updated.RulesetVersion = e.ruleset.Version
		detail["verdict"] = string(evaluation.Verdict)
		if evaluation.Verdict == domain.VerdictPass {
			updated.State = domain.RunStateTransforming
		} else {
			updated.State = domain.RunStateQuarantining
			detail["failing_rules"] = evaluation.Failing
		}
	case domain.RunStateTransforming:
		updated.State = domain.RunStateSucceeded
	default:
		return domain.Run{}, false, fmt.Errorf("engine: job completion in unexpected state %q", run.State)
	}
	return e.persist(ctx, run, updated, detail)
}

// quarantineObject moves the rejected object aside and closes the run. The
// mover is idempotent, so a crash or failed write between the move and the
// state change is healed by the next sweep.
func (e *Engine) quarantineObject(ctx context.Context, run domain.Run) (domain.Run, bool, error) {
	destKey, err := e.mover.Move(ctx, run.SourceKey)
	if err != nil {
		return e.failStage(ctx, run, domain.ErrorKindJobFailure, fmt.Sprintf("quarantine %s: %v", run.SourceKey, err))
	}
	updated := run
	updated.State = domain.RunStateFailed
	updated.ErrorKind = domain.ErrorKindQualityRejected
	updated.ErrorMessage = rejectionSummary(run.Evaluation)
	updated.PendingJob = nil
	updated.NextAttemptAt = nil
	return e.persist(ctx, run, updated, map[string]any{
		"quarantine_key": destKey,
		"failing_rules":  failingRules(run.Evaluation),
	})
}

// failStage records one retryable failure for the run's current stage. The
// run stays in its state with a backoff deadline until the ceiling is hit,
// at which point it is closed as retry_exhausted.
func (e *Engine) failStage(ctx context.Context, run domain.Run, kind domain.ErrorKind, reason string) (domain.Run, bool, error) {
	stage := domain.StageForState(run.State)
	failures := run.Attempts[stage] + 1

	updated := run
	updated.Attempts = cloneAttempts(run.Attempts)
	updated.Attempts[stage] = failures
	updated.PendingJob = nil
	updated.ErrorKind = kind
	updated.ErrorMessage = reason

	if failures >= e.cfg.RetryCeiling {
		updated.State = domain.RunStateFailed
		updated.ErrorKind = domain.ErrorKindRetryExhausted
		updated.ErrorMessage = fmt.Sprintf("stage %s failed %d times, last: %s", stage, failures, reason)
		updated.NextAttemptAt = nil
		return e.persist(ctx, run, updated, map[string]any{
			"stage":  string(stage),
			"reason": updated.ErrorMessage,
		})
	}
	next := e.now().Add(Backoff(e.cfg.BackoffBase, e.cfg.BackoffCap, failures))
	updated.NextAttemptAt = &next
	return e.persist(ctx, run, updated, map[string]any{
		"stage":           string(stage),
		"reason":          reason,
		"error_kind":      string(kind),
		"next_attempt_at": next.Format(time.RFC3339),
	})
}

// failTerminal closes the run immediately for failures retrying cannot fix.
func (e *Engine) failTerminal(ctx context.Context, run domain.Run, kind domain.ErrorKind, reason string) (domain.Run, bool, error) {
	updated := run
	updated.State = domain.RunStateFailed
	updated.ErrorKind = kind
	updated.ErrorMessage = reason
	updated.PendingJob = nil
	updated.NextAttemptAt = nil
	return e.persist(ctx, run, updated, map[string]any{
		"error_kind": string(kind),
		"reason":     reason,
	})
}

// notifyTerminal delivers the run's outcome exactly once. The notified
// marker is written after the delivery attempt whether or not the endpoint
// accepted it: delivery failures are logged but never retried and never
// reopen the run.
func (e *Engine) notifyTerminal(ctx context.Context, run domain.Run) (domain.Run, bool, error) {
	outcome := notify.Outcome{
		RunID:          run.ID,
		SourceKey:      run.SourceKey,
		Outcome:        string(run.State),
		ErrorKind:      run.ErrorKind,
		Summary:        outcomeSummary(run),
		FailedRules:    failingRules(run.Evaluation),
		RulesetVersion: run.RulesetVersion,
		OccurredAt:     e.now(),
	}
	var deliveryErr string
	if err := e.notifier.Notify(ctx, outcome); err != nil {
		deliveryErr = err.Error()
		e.log(ctx, slog.LevelWarn, "outcome delivery failed", "run_id", run.ID, "outcome", outcome.Outcome, "error", err)
	}
	at := e.now()
	if err := e.runs.MarkNotified(ctx, run.ID, at); err != nil {
		return domain.Run{}, false, fmt.Errorf("mark notified: %w", err)
	}
	detail := map[string]any{"event": "notification", "outcome": outcome.Outcome}
	if deliveryErr != "" {
		detail["delivery_error"] = deliveryErr
	}
	e.appendTransition(ctx, run, run.State, detail)
	updated := run
	updated.NotifiedAt = &at
	return updated, true, nil
}

// persist writes the updated run guarded by the optimistic version of the
// snapshot it was derived from, then appends a history entry. State moves
// are checked against the transition table first; a violation is a
// programming error and is surfaced rather than written.
func (e *Engine) persist(ctx context.Context, prev, updated domain.Run, detail map[string]any) (domain.Run, bool, error) {
	if updated.State != prev.State && !domain.CanTransitionRunState(prev.State, updated.State) {
		return domain.Run{}, false, fmt.Errorf("engine: illegal transition %s -> %s", prev.State, updated.State)
	}
	saved, err := e.runs.UpdateRun(ctx, updated, prev.RowVersion)
	if err != nil {
		return domain.Run{}, false, err
	}
	e.appendTransition(ctx, saved, prev.State, detail)
	return saved, true, nil
}

// appendTransition records a history entry. History is best-effort: a failed
// append is logged and never blocks run progression.
func (e *Engine) appendTransition(ctx context.Context, run domain.Run, from domain.RunState, detail map[string]any) {
	stage := domain.StageForState(run.State)
	if stage == "" {
		stage = domain.StageForState(from)
	}
	tr := domain.Transition{
		ID:         uuid.NewString(),
		RunID:      run.ID,
		FromState:  from,
		ToState:    run.State,
		Stage:      stage,
		Attempt:    run.Attempts[stage],
		Detail:     detail,
		OccurredAt: e.now(),
	}
	if err := e.transitions.Append(ctx, tr); err != nil {
		e.log(ctx, slog.LevelWarn, "transition append failed", "run_id", run.ID, "to_state", string(run.State), "error", err)
	}
}

// submission builds the job request for a stage from the run's accumulated
// state and the engine's catalog configuration.
func (e *Engine) submission(run domain.Run, stage domain.Stage) (jobs.Submission, error) {
	switch stage {
	case domain.StageDiscoverSource:
		return jobs.Submission{
			Kind:  domain.JobKindDiscover,
			RunID: run.ID,
			Params: map[string]any{
				"location":         run.Location,
				"catalog_database": e.cfg.SourceDatabase,
			},
		}, nil
	case domain.StageDiscoverTarget:
		return jobs.Submission{
			Kind:  domain.JobKindDiscover,
			RunID: run.ID,
			Params: map[string]any{
				"location":         e.cfg.TargetLocation,
				"catalog_database": e.cfg.TargetDatabase,
			},
		}, nil
	case domain.StageEvaluate:
		ref := run.CatalogRefs["source"]
		if ref == "" {
			return jobs.Submission{}, fmt.Errorf("engine: run %s has no source catalog ref", run.ID)
		}
		return jobs.Submission{
			Kind:  domain.JobKindEvaluate,
			RunID: run.ID,
			Params: map[string]any{
				"catalog_ref":     ref,
				"ruleset_version": e.ruleset.Version,
			},
		}, nil
	case domain.StageTransform:
		src := run.CatalogRefs["source"]
		tgt := run.CatalogRefs["target"]
		if src == "" || tgt == "" {
			return jobs.Submission{}, fmt.Errorf("engine: run %s is missing catalog refs for transform", run.ID)
		}
		return jobs.Submission{
			Kind:  domain.JobKindTransform,
			RunID: run.ID,
			Params: map[string]any{
				"catalog_ref":        src,
				"target_catalog_ref": tgt,
				"target_location":    e.cfg.TargetLocation,
			},
		}, nil
	default:
		return jobs.Submission{}, fmt.Errorf("engine: stage %q has no submission", stage)
	}
}

func (e *Engine) log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	if e.logger == nil {
		return
	}
	args := make([]any, 0, len(attrs)+2)
	args = append(args, "component", "engine")
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	args = append(args, attrs...)
	e.logger.Log(ctx, level, msg, args...)
}

// rejectionKind maps a rejected submission to its terminal error kind.
func rejectionKind(stage domain.Stage) domain.ErrorKind {
	if stage == domain.StageTransform {
		return domain.ErrorKindTransformError
	}
	return domain.ErrorKindSubmissionError
}

// failureKind maps a permanent job failure to its terminal error kind.
func failureKind(stage domain.Stage) domain.ErrorKind {
	if stage == domain.StageTransform {
		return domain.ErrorKindTransformError
	}
	return domain.ErrorKindJobFailure
}

func outcomeSummary(run domain.Run) string {
	switch {
	case run.State == domain.RunStateSucceeded:
		if ref := run.CatalogRefs["target"]; ref != "" {
			return fmt.Sprintf("transform completed into %s", ref)
		}
		return "transform completed"
	case run.ErrorKind == domain.ErrorKindQualityRejected && run.Evaluation != nil:
		return fmt.Sprintf("quality gate rejected %d of %d rules", len(run.Evaluation.Failing), len(run.Evaluation.Results))
	default:
		return run.ErrorMessage
	}
}

func rejectionSummary(ev *domain.Evaluation) string {
	if ev == nil {
		return "quality gate rejected the object"
	}
	return fmt.Sprintf("quality gate rejected %d of %d rules", len(ev.Failing), len(ev.Results))
}

func failingRules(ev *domain.Evaluation) []string {
	if ev == nil {
		return nil
	}
	return ev.Failing
}

func decodeCatalogRef(raw json.RawMessage) (string, error) {
	var out struct {
		CatalogRef string `json:"catalog_ref"`
	}
	if len(raw) == 0 {
		return "", errors.New("empty output")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	if out.CatalogRef == "" {
		return "", errors.New("missing catalog_ref")
	}
	return out.CatalogRef, nil
}

func decodeReport(raw json.RawMessage) (domain.QualityReport, error) {
	var out struct {
		Report *domain.QualityReport `json:"report"`
	}
	if len(raw) == 0 {
		return domain.QualityReport{}, errors.New("empty output")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.QualityReport{}, err
	}
	if out.Report == nil {
		return domain.QualityReport{}, errors.New("missing report")
	}
	return *out.Report, nil
}

func cloneAttempts(in map[domain.Stage]int) map[domain.Stage]int {
	out := make(map[domain.Stage]int, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneRefs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
