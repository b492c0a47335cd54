package domain

import (
	"errors"
	"strings"
	"time"
)

// RunState represents the position of a run in the pipeline state machine.
type RunState string

const (
	RunStateCreated           RunState = "created"
	RunStateDiscoveringSource RunState = "discovering_source"
	RunStateDiscoveringTarget RunState = "discovering_target"
	RunStateEvaluatingQuality RunState = "evaluating_quality"
	RunStateQuarantining      RunState = "quarantining"
	RunStateTransforming      RunState = "transforming"
	RunStateSucceeded         RunState = "succeeded"
	RunStateFailed            RunState = "failed"
)

// Verdict is the binary quality outcome of a run.
type Verdict string

const (
	VerdictUnset Verdict = "unset"
	VerdictPass  Verdict = "pass"
	VerdictFail  Verdict = "fail"
)

// ErrorKind classifies the last recorded error on a run.
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindSubmissionError ErrorKind = "submission_error"
	ErrorKindJobFailure      ErrorKind = "job_failure"
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindQualityRejected ErrorKind = "quality_rejected"
	ErrorKindRetryExhausted  ErrorKind = "retry_exhausted"
	ErrorKindTransformError  ErrorKind = "transform_error"
)

// Stage names one phase of a run, used as the attempts-map key.
type Stage string

const (
	StageDiscoverSource Stage = "discover_source"
	StageDiscoverTarget Stage = "discover_target"
	StageEvaluate       Stage = "evaluate"
	StageTransform      Stage = "transform"
	StageQuarantine     Stage = "quarantine"
)

// JobKind identifies the kind of external job a stage submits.
type JobKind string

const (
	JobKindDiscover  JobKind = "discover"
	JobKindEvaluate  JobKind = "evaluate"
	JobKindTransform JobKind = "transform"
)

// JobHandle is an opaque reference to an in-flight external job, persisted on
// the run so polling survives a restart.
type JobHandle struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	Stage       Stage     `json:"stage"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Run is one end-to-end pipeline execution for one triggering object.
type Run struct {
	ID             string
	SourceKey      string
	Location       string
	State          RunState
	Verdict        Verdict
	Attempts       map[Stage]int
	CatalogRefs    map[string]string
	Report         *QualityReport
	Evaluation     *Evaluation
	RulesetVersion string
	PendingJob     *JobHandle
	ErrorKind      ErrorKind
	ErrorMessage   string
	NextAttemptAt  *time.Time
	NotifiedAt     *time.Time
	RowVersion     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.SourceKey) == "" {
		return errors.New("source key is required")
	}
	if strings.TrimSpace(r.Location) == "" {
		return errors.New("location is required")
	}
	if NormalizeRunState(string(r.State)) == "" {
		return errors.New("state is required")
	}
	if NormalizeVerdict(string(r.Verdict)) == "" {
		return errors.New("verdict is required")
	}
	return nil
}

// Terminal reports whether no further state transition can occur.
func (s RunState) Terminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed
}

// NormalizeRunState maps free-form status values to canonical run states.
func NormalizeRunState(value string) RunState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStateCreated):
		return RunStateCreated
	case string(RunStateDiscoveringSource):
		return RunStateDiscoveringSource
	case string(RunStateDiscoveringTarget):
		return RunStateDiscoveringTarget
	case string(RunStateEvaluatingQuality):
		return RunStateEvaluatingQuality
	case string(RunStateQuarantining):
		return RunStateQuarantining
	case string(RunStateTransforming):
		return RunStateTransforming
	case string(RunStateSucceeded):
		return RunStateSucceeded
	case string(RunStateFailed):
		return RunStateFailed
	default:
		return ""
	}
}

// NormalizeVerdict maps free-form verdict values to canonical verdicts.
func NormalizeVerdict(value string) Verdict {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(VerdictUnset):
		return VerdictUnset
	case string(VerdictPass):
		return VerdictPass
	case string(VerdictFail):
		return VerdictFail
	default:
		return ""
	}
}

// CanTransitionRunState enforces the fixed transition table. A state may
// always transition to itself (retry bookkeeping within a stage).
func CanTransitionRunState(current, next RunState) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return !current.Terminal()
	}
	for _, allowed := range runStateSuccessors(current) {
		if allowed == next {
			return true
		}
	}
	return false
}

func runStateSuccessors(state RunState) []RunState {
	switch state {
	case RunStateCreated:
		return []RunState{RunStateDiscoveringSource, RunStateFailed}
	case RunStateDiscoveringSource:
		return []RunState{RunStateDiscoveringTarget, RunStateFailed}
	case RunStateDiscoveringTarget:
		return []RunState{RunStateEvaluatingQuality, RunStateFailed}
	case RunStateEvaluatingQuality:
		return []RunState{RunStateQuarantining, RunStateTransforming, RunStateFailed}
	case RunStateQuarantining:
		return []RunState{RunStateFailed}
	case RunStateTransforming:
		return []RunState{RunStateSucceeded, RunStateFailed}
	default:
		return nil
	}
}

// StageForState returns the stage a non-terminal state executes, or "" for
// states that carry no stage work of their own.
func StageForState(state RunState) Stage {
	switch state {
	case RunStateCreated, RunStateDiscoveringSource:
		return StageDiscoverSource
	case RunStateDiscoveringTarget:
		return StageDiscoverTarget
	case RunStateEvaluatingQuality:
		return StageEvaluate
	case RunStateQuarantining:
		return StageQuarantine
	case RunStateTransforming:
		return StageTransform
	default:
		return ""
	}
}

// Transition is one append-only history entry for a run.
type Transition struct {
	ID              string
	RunID           string
	FromState       RunState
	ToState         RunState
	Stage           Stage
	Attempt         int
	Detail          map[string]any
	OccurredAt      time.Time
	IntegritySHA256 string
}

func (t Transition) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("transition id is required")
	}
	if strings.TrimSpace(t.RunID) == "" {
		return errors.New("run id is required")
	}
	if NormalizeRunState(string(t.ToState)) == "" {
		return errors.New("to state is required")
	}
	if t.Attempt < 0 {
		return errors.New("attempt must be >= 0")
	}
	return nil
}
