package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sluice-labs/sluice-go/internal/domain"
	"github.com/sluice-labs/sluice-go/internal/repo"
)

const runColumns = `run_id, source_key, location, state, verdict, attempts, catalog_refs,
	quality_report, evaluation, ruleset_version, pending_job, error_kind, error_message,
	next_attempt_at, notified_at, row_version, created_at, updated_at`

const (
	insertRunQuery = `INSERT INTO pipeline_runs (
		run_id,
		source_key,
		location,
		state,
		verdict,
		attempts,
		catalog_refs,
		row_version,
		created_at,
		updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	selectRunQuery = `SELECT ` + runColumns + ` FROM pipeline_runs WHERE run_id = $1`

	selectActiveRunBySourceKeyQuery = `SELECT ` + runColumns + ` FROM pipeline_runs
	 WHERE source_key = $1 AND state NOT IN ('succeeded', 'failed')
	 ORDER BY created_at DESC
	 LIMIT 1`

	listSchedulableRunsQuery = `SELECT ` + runColumns + ` FROM pipeline_runs
	 WHERE (state NOT IN ('succeeded', 'failed')
	        AND (next_attempt_at IS NULL OR next_attempt_at <= $1))
	    OR (state IN ('succeeded', 'failed') AND notified_at IS NULL)
	 ORDER BY updated_at ASC
	 LIMIT $2`

	updateRunQuery = `UPDATE pipeline_runs SET
		state = $1,
		verdict = $2,
		attempts = $3,
		catalog_refs = $4,
		quality_report = $5,
		evaluation = $6,
		ruleset_version = $7,
		pending_job = $8,
		error_kind = $9,
		error_message = $10,
		next_attempt_at = $11,
		updated_at = $12,
		row_version = row_version + 1
	 WHERE run_id = $13
	   AND row_version = $14
	   AND state NOT IN ('succeeded', 'failed')
	   AND (verdict = 'unset' OR verdict = $2)
	 RETURNING row_version, created_at, notified_at`

	markRunNotifiedQuery = `UPDATE pipeline_runs SET notified_at = $1, updated_at = $1
	 WHERE run_id = $2 AND notified_at IS NULL`
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) (domain.Run, bool, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, false, fmt.Errorf("run store not initialized")
	}
	run.ID = strings.TrimSpace(run.ID)
	run.SourceKey = strings.TrimSpace(run.SourceKey)
	run.Location = strings.TrimSpace(run.Location)
	if run.State == "" {
		run.State = domain.RunStateCreated
	}
	if run.Verdict == "" {
		run.Verdict = domain.VerdictUnset
	}
	if err := run.Validate(); err != nil {
		return domain.Run{}, false, err
	}

	existing, err := s.GetActiveRunBySourceKey(ctx, run.SourceKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Run{}, false, err
	}

	run.CreatedAt = normalizeTime(run.CreatedAt)
	run.UpdatedAt = run.CreatedAt
	run.RowVersion = 1

	attemptsJSON, err := encodeJSON(run.Attempts)
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("encode attempts: %w", err)
	}
	refsJSON, err := encodeJSON(run.CatalogRefs)
	if err != nil {
		return domain.Run{}, false, fmt.Errorf("encode catalog refs: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		insertRunQuery,
		run.ID,
		run.SourceKey,
		run.Location,
		string(run.State),
		string(run.Verdict),
		attemptsJSON,
		refsJSON,
		run.RowVersion,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		// A concurrent trigger for the same key wins the insert; hand back
		// its row so duplicate deliveries converge on one run.
		if isUniqueViolation(err) {
			existing, selErr := s.GetActiveRunBySourceKey(ctx, run.SourceKey)
			if selErr == nil {
				return existing, false, nil
			}
		}
		return domain.Run{}, false, fmt.Errorf("insert run: %w", err)
	}
	return run, true, nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, selectRunQuery, id)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) GetActiveRunBySourceKey(ctx context.Context, sourceKey string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	sourceKey = strings.TrimSpace(sourceKey)
	if sourceKey == "" {
		return domain.Run{}, fmt.Errorf("source key is required")
	}
	row := s.db.QueryRowContext(ctx, selectActiveRunBySourceKeyQuery, sourceKey)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	if filter.State != "" {
		args = append(args, string(filter.State))
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}
	if strings.TrimSpace(filter.SourceKey) != "" {
		args = append(args, strings.TrimSpace(filter.SourceKey))
		clauses = append(clauses, fmt.Sprintf("source_key = $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) ListSchedulable(ctx context.Context, now time.Time, limit int) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, listSchedulableRunsQuery, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list schedulable runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list schedulable runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) UpdateRun(ctx context.Context, run domain.Run, expectedVersion int64) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return domain.Run{}, err
	}
	if expectedVersion <= 0 {
		return domain.Run{}, fmt.Errorf("expected version must be positive")
	}

	attemptsJSON, err := encodeJSON(run.Attempts)
	if err != nil {
		return domain.Run{}, fmt.Errorf("encode attempts: %w", err)
	}
	refsJSON, err := encodeJSON(run.CatalogRefs)
	if err != nil {
		return domain.Run{}, fmt.Errorf("encode catalog refs: %w", err)
	}
	var reportJSON []byte
	if run.Report != nil {
		if reportJSON, err = json.Marshal(run.Report); err != nil {
			return domain.Run{}, fmt.Errorf("encode report: %w", err)
		}
	}
	var evalJSON []byte
	if run.Evaluation != nil {
		if evalJSON, err = json.Marshal(run.Evaluation); err != nil {
			return domain.Run{}, fmt.Errorf("encode evaluation: %w", err)
		}
	}
	var jobJSON []byte
	if run.PendingJob != nil {
		if jobJSON, err = json.Marshal(run.PendingJob); err != nil {
			return domain.Run{}, fmt.Errorf("encode pending job: %w", err)
		}
	}

	updatedAt := time.Now().UTC()
	row := s.db.QueryRowContext(
		ctx,
		updateRunQuery,
		string(run.State),
		string(run.Verdict),
		attemptsJSON,
		refsJSON,
		reportJSON,
		evalJSON,
		nullIfEmpty(run.RulesetVersion),
		jobJSON,
		nullIfEmpty(string(run.ErrorKind)),
		nullIfEmpty(run.ErrorMessage),
		nullTime(run.NextAttemptAt),
		updatedAt,
		strings.TrimSpace(run.ID),
		expectedVersion,
	)

	var notifiedAt sql.NullTime
	if err := row.Scan(&run.RowVersion, &run.CreatedAt, &notifiedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, s.classifyUpdateMiss(ctx, run, expectedVersion)
		}
		return domain.Run{}, fmt.Errorf("update run: %w", err)
	}
	run.UpdatedAt = updatedAt
	run.NotifiedAt = nil
	if notifiedAt.Valid {
		at := notifiedAt.Time.UTC()
		run.NotifiedAt = &at
	}
	return run, nil
}

// classifyUpdateMiss decides why an optimistic update matched no row.
func (s *RunStore) classifyUpdateMiss(ctx context.Context, run domain.Run, expectedVersion int64) error {
	current, err := s.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if current.RowVersion != expectedVersion {
		return repo.ErrConflict
	}
	return repo.ErrInvalidTransition
}

func (s *RunStore) MarkNotified(ctx context.Context, runID string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	at = normalizeTime(at)
	res, err := s.db.ExecContext(ctx, markRunNotifiedQuery, at, runID)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	if rows == 0 {
		// Either the run does not exist or it was already notified. The
		// latter is a no-op.
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(rs rowScanner) (domain.Run, error) {
	var run domain.Run
	var state, verdict string
	var attemptsJSON, refsJSON, reportJSON, evalJSON, jobJSON []byte
	var rulesetVersion, errorKind, errorMessage sql.NullString
	var nextAttemptAt, notifiedAt sql.NullTime

	if err := rs.Scan(
		&run.ID,
		&run.SourceKey,
		&run.Location,
		&state,
		&verdict,
		&attemptsJSON,
		&refsJSON,
		&reportJSON,
		&evalJSON,
		&rulesetVersion,
		&jobJSON,
		&errorKind,
		&errorMessage,
		&nextAttemptAt,
		&notifiedAt,
		&run.RowVersion,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return domain.Run{}, err
	}

	run.State = domain.RunState(state)
	run.Verdict = domain.Verdict(verdict)
	if rulesetVersion.Valid {
		run.RulesetVersion = rulesetVersion.String
	}
	if errorKind.Valid {
		run.ErrorKind = domain.ErrorKind(errorKind.String)
	}
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}
	if nextAttemptAt.Valid {
		at := nextAttemptAt.Time.UTC()
		run.NextAttemptAt = &at
	}
	if notifiedAt.Valid {
		at := notifiedAt.Time.UTC()
		run.NotifiedAt = &at
	}

	run.Attempts = make(map[domain.Stage]int)
	if err := decodeJSON(attemptsJSON, &run.Attempts); err != nil {
		return domain.Run{}, fmt.Errorf("decode attempts: %w", err)
	}
	run.CatalogRefs = make(map[string]string)
	if err := decodeJSON(refsJSON, &run.CatalogRefs); err != nil {
		return domain.Run{}, fmt.Errorf("decode catalog refs: %w", err)
	}
	if len(reportJSON) > 0 {
		var report domain.QualityReport
		if err := decodeJSON(reportJSON, &report); err != nil {
			return domain.Run{}, fmt.Errorf("decode report: %w", err)
		}
		run.Report = &report
	}
	if len(evalJSON) > 0 {
		var eval domain.Evaluation
		if err := decodeJSON(evalJSON, &eval); err != nil {
			return domain.Run{}, fmt.Errorf("decode evaluation: %w", err)
		}
		run.Evaluation = &eval
	}
	if len(jobJSON) > 0 {
		var job domain.JobHandle
		if err := decodeJSON(jobJSON, &job); err != nil {
			return domain.Run{}, fmt.Errorf("decode pending job: %w", err)
		}
		run.PendingJob = &job
	}

	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return run, nil
}

