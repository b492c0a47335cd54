// Package runs implements the trigger contract: an object event becomes at
// most one active pipeline run per source key, and terminal runs can be
// replayed as fresh runs.
package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sluice-labs/sluice-go/internal/domain"
	"github.com/sluice-labs/sluice-go/internal/repo"
)

// ErrRunNotTerminal marks a replay request for a run that is still moving.
var ErrRunNotTerminal = errors.New("run is not terminal")

type Service struct {
	runs        repo.RunRepository
	transitions repo.TransitionRepository
	now         func() time.Time
}

func New(runRepo repo.RunRepository, transitionRepo repo.TransitionRepository) *Service {
	if runRepo == nil || transitionRepo == nil {
		return nil
	}
	return &Service{
		runs:        runRepo,
		transitions: transitionRepo,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrGetRun makes trigger delivery idempotent: while a non-terminal run
// exists for the source key, that run is returned and nothing new is
// created. Redelivered bucket events and concurrent HTTP triggers therefore
// collapse into one run.
func (s *Service) CreateOrGetRun(ctx context.Context, sourceKey, location string) (domain.Run, bool, error) {
	sourceKey = strings.TrimSpace(sourceKey)
	location = strings.TrimSpace(location)
	if sourceKey == "" {
		return domain.Run{}, false, errors.New("source key is required")
	}
	if location == "" {
		return domain.Run{}, false, errors.New("location is required")
	}
	now := s.now()
	run := domain.Run{
		ID:        uuid.NewString(),
		SourceKey: sourceKey,
		Location:  location,
		State:     domain.RunStateCreated,
		Verdict:   domain.VerdictUnset,
		Attempts:  map[domain.Stage]int{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.runs.CreateRun(ctx, run)
}

// Replay starts a fresh run for the object of a terminal run. The prior run
// is left untouched. If another run for the same source key is already
// active, that run is returned instead of creating one.
func (s *Service) Replay(ctx context.Context, runID string) (domain.Run, bool, error) {
	prior, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, false, err
	}
	if !prior.State.Terminal() {
		return domain.Run{}, false, fmt.Errorf("%w: run %s is %s", ErrRunNotTerminal, prior.ID, prior.State)
	}
	return s.CreateOrGetRun(ctx, prior.SourceKey, prior.Location)
}

// GetRun returns one run by ID.
func (s *Service) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, repo.ErrNotFound
	}
	return s.runs.GetRun(ctx, runID)
}

// ListRuns returns runs matching the filter, newest first.
func (s *Service) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	return s.runs.ListRuns(ctx, filter)
}

// History returns the append-only transition record for a run. The run must
// exist; an empty history for an existing run is valid.
func (s *Service) History(ctx context.Context, runID string) ([]domain.Transition, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, repo.ErrNotFound
	}
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.transitions.ListByRun(ctx, runID)
}
