package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sluice-labs/sluice-go/internal/domain"
	"github.com/sluice-labs/sluice-go/internal/repo"
)

// SchedulerConfig tunes the background sweep loop.
type SchedulerConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
	Workers   int
	// PollRate and PollBurst bound how fast the sweep may call the job
	// runner across all workers.
	PollRate  float64
	PollBurst int
}

// Scheduler periodically lists schedulable runs and drains each one through
// the engine. It is the only component that moves runs forward after the
// initial trigger, so a restart resumes every in-flight run from storage
// with no extra bookkeeping.
type Scheduler struct {
	logger   *slog.Logger
	engine   *Engine
	runs     repo.RunRepository
	interval time.Duration
	batch    int
	workers  int
	limiter  *rate.Limiter
	now      func() time.Time
}

// StartScheduler launches the sweep loop in the background. It returns nil
// when the scheduler is disabled. The loop stops when the context does.
func StartScheduler(ctx context.Context, logger *slog.Logger, eng *Engine, runs repo.RunRepository, cfg SchedulerConfig) (*Scheduler, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if eng == nil {
		return nil, errors.New("scheduler: engine is required")
	}
	if runs == nil {
		return nil, errors.New("scheduler: run repository is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = 10.0
	}
	if cfg.PollBurst <= 0 {
		cfg.PollBurst = 5
	}
	s := &Scheduler{
		logger:   logger,
		engine:   eng,
		runs:     runs,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
		workers:  cfg.Workers,
		limiter:  rate.NewLimiter(rate.Limit(cfg.PollRate), cfg.PollBurst),
		now:      func() time.Time { return time.Now().UTC() },
	}
	go s.run(ctx)
	return s, nil
}

func (s *Scheduler) run(ctx context.Context) {
	s.log(ctx, slog.LevelInfo, "scheduler started",
		"interval", s.interval.String(),
		"batch_size", s.batch,
		"workers", s.workers,
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log(ctx, slog.LevelInfo, "scheduler stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce drains one batch of due runs with bounded parallelism. Runs are
// independent, so a failure on one never aborts the sweep.
func (s *Scheduler) sweepOnce(ctx context.Context) {
	batch, err := s.runs.ListSchedulable(ctx, s.now(), s.batch)
	if err != nil {
		s.log(ctx, slog.LevelWarn, "list schedulable runs failed", "error", err)
		return
	}
	if len(batch) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, run := range batch {
		g.Go(func() error {
			s.drain(gctx, run)
			return nil
		})
	}
	_ = g.Wait()
}

// drain advances one run until it goes quiet. The action bound keeps a
// misbehaving run from monopolizing a worker; anything left over is picked
// up by the next sweep. A version conflict means another sweep advanced the
// run first, so the fresh row is re-read and the drain continues from it.
func (s *Scheduler) drain(ctx context.Context, run domain.Run) {
	const maxActions = 8
	current := run
	for i := 0; i < maxActions; i++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		next, changed, err := s.engine.Advance(ctx, current)
		if err != nil {
			if errors.Is(err, repo.ErrConflict) {
				fresh, getErr := s.runs.GetRun(ctx, current.ID)
				if getErr != nil {
					s.log(ctx, slog.LevelWarn, "run re-read after conflict failed", "run_id", current.ID, "error", getErr)
					return
				}
				current = fresh
				continue
			}
			s.log(ctx, slog.LevelWarn, "run advance failed",
				"run_id", current.ID,
				"state", string(current.State),
				"error", err,
			)
			return
		}
		if !changed {
			return
		}
		current = next
	}
}

func (s *Scheduler) log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	args := make([]any, 0, len(attrs)+2)
	args = append(args, "component", "scheduler")
	for i := 0; i+1 < len(attrs); i += 2 {
		if attrs[i] == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	args = append(args, attrs...)
	s.logger.Log(ctx, level, msg, args...)
}
