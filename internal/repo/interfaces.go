package repo

import (
	"context"
	"errors"
	"time"

	"github.com/sluice-labs/sluice-go/internal/domain"
)

var (
	// ErrNotFound marks a lookup that matched no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict marks an optimistic-concurrency failure: the row changed
	// since it was read. Callers should re-read and retry.
	ErrConflict = errors.New("record version conflict")
	// ErrInvalidTransition marks an update the state machine forbids, such as
	// mutating a terminal run or overwriting a set verdict.
	ErrInvalidTransition = errors.New("invalid state transition")
)

type RunFilter struct {
	State     domain.RunState
	SourceKey string
	Limit     int
}

// RunRepository manages pipeline run state with optimistic concurrency.
type RunRepository interface {
	// CreateRun inserts a run unless an active (non-terminal) run already
	// exists for the same source key. It returns the authoritative row and
	// whether this call created it.
	CreateRun(ctx context.Context, run domain.Run) (domain.Run, bool, error)
	GetRun(ctx context.Context, id string) (domain.Run, error)
	GetActiveRunBySourceKey(ctx context.Context, sourceKey string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	// ListSchedulable returns runs the engine should look at now: non-terminal
	// runs whose backoff has elapsed, plus terminal runs not yet notified.
	ListSchedulable(ctx context.Context, now time.Time, limit int) ([]domain.Run, error)
	// UpdateRun persists the run if the stored row still carries
	// expectedVersion. The returned run has the incremented version.
	UpdateRun(ctx context.Context, run domain.Run, expectedVersion int64) (domain.Run, error)
	// MarkNotified stamps the notification time once; marking an already
	// notified run is a no-op.
	MarkNotified(ctx context.Context, runID string, at time.Time) error
}

// TransitionRepository manages the append-only run history.
type TransitionRepository interface {
	Append(ctx context.Context, tr domain.Transition) error
	ListByRun(ctx context.Context, runID string) ([]domain.Transition, error)
}
