// Package jobs submits pipeline work to the external job runner and polls it
// for completion. The orchestrator never executes discovery, evaluation, or
// transformation itself.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sluice-labs/sluice-go/internal/domain"
)

// ErrSubmissionRejected marks a permanent submission failure: the runner
// understood the request and refused it. Retrying the same submission will
// not help.
var ErrSubmissionRejected = errors.New("job submission rejected")

// JobState is the runner-side lifecycle of a submitted job.
type JobState string

const (
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateNotFound  JobState = "not_found"
)

// NormalizeJobState maps free-form runner states to canonical job states.
func NormalizeJobState(value string) JobState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pending", "queued", string(JobStateRunning):
		return JobStateRunning
	case string(JobStateSucceeded), "succeed", "success":
		return JobStateSucceeded
	case string(JobStateFailed), "failure", "error":
		return JobStateFailed
	case string(JobStateNotFound):
		return JobStateNotFound
	default:
		return ""
	}
}

// Submission is one request for external work.
type Submission struct {
	Kind   domain.JobKind `json:"kind"`
	RunID  string         `json:"run_id"`
	Params map[string]any `json:"params,omitempty"`
}

func (s Submission) Validate() error {
	switch s.Kind {
	case domain.JobKindDiscover, domain.JobKindEvaluate, domain.JobKindTransform:
	default:
		return errors.New("job kind is required")
	}
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("run id is required")
	}
	return nil
}

// Status is one poll result. Output carries the job's product (catalog refs,
// quality report) and is only meaningful when State is succeeded. Retryable
// is the runner's own judgement of a failed job; the engine still applies its
// retry ceiling on top.
type Status struct {
	State     JobState        `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// Client is the orchestrator's view of the job runner. Submit returns the
// runner's job ID; Poll must be safe to call any number of times and must
// keep answering for terminal jobs.
type Client interface {
	Submit(ctx context.Context, sub Submission) (string, error)
	Poll(ctx context.Context, jobID string) (Status, error)
}
