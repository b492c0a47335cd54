package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sluice-labs/sluice-go/internal/domain"
)

const (
	insertTransitionQuery = `INSERT INTO run_transitions (
		transition_id,
		run_id,
		from_state,
		to_state,
		stage,
		attempt,
		detail,
		occurred_at,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	listTransitionsByRunQuery = `SELECT transition_id, run_id, from_state, to_state, stage, attempt, detail, occurred_at, integrity_sha256
	 FROM run_transitions
	 WHERE run_id = $1
	 ORDER BY occurred_at ASC, transition_id ASC`
)

type TransitionStore struct {
	db DB
}

func NewTransitionStore(db DB) *TransitionStore {
	if db == nil {
		return nil
	}
	return &TransitionStore{db: db}
}

func (s *TransitionStore) Append(ctx context.Context, tr domain.Transition) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("transition store not initialized")
	}
	tr.ID = strings.TrimSpace(tr.ID)
	tr.RunID = strings.TrimSpace(tr.RunID)
	tr.OccurredAt = normalizeTime(tr.OccurredAt)
	if err := tr.Validate(); err != nil {
		return err
	}

	detailJSON, err := encodeJSON(tr.Detail)
	if err != nil {
		return fmt.Errorf("encode detail: %w", err)
	}
	integrity, err := ComputeTransitionIntegritySHA256(tr, detailJSON)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		insertTransitionQuery,
		tr.ID,
		tr.RunID,
		nullIfEmpty(string(tr.FromState)),
		string(tr.ToState),
		nullIfEmpty(string(tr.Stage)),
		tr.Attempt,
		detailJSON,
		tr.OccurredAt,
		integrity,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *TransitionStore) ListByRun(ctx context.Context, runID string) ([]domain.Transition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("transition store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listTransitionsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	transitions := make([]domain.Transition, 0)
	for rows.Next() {
		var tr domain.Transition
		var fromState, stage sql.NullString
		var toState string
		var detailJSON []byte
		if err := rows.Scan(&tr.ID, &tr.RunID, &fromState, &toState, &stage, &tr.Attempt, &detailJSON, &tr.OccurredAt, &tr.IntegritySHA256); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if fromState.Valid {
			tr.FromState = domain.RunState(fromState.String)
		}
		tr.ToState = domain.RunState(toState)
		if stage.Valid {
			tr.Stage = domain.Stage(stage.String)
		}
		if err := decodeJSON(detailJSON, &tr.Detail); err != nil {
			return nil, fmt.Errorf("decode detail: %w", err)
		}
		tr.OccurredAt = tr.OccurredAt.UTC()
		transitions = append(transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	return transitions, nil
}

// ComputeTransitionIntegritySHA256 hashes the canonical transition fields so
// history tampering is detectable.
func ComputeTransitionIntegritySHA256(tr domain.Transition, detailJSON []byte) (string, error) {
	type integrityInput struct {
		TransitionID string          `json:"transition_id"`
		RunID        string          `json:"run_id"`
		FromState    string          `json:"from_state,omitempty"`
		ToState      string          `json:"to_state"`
		Stage        string          `json:"stage,omitempty"`
		Attempt      int             `json:"attempt"`
		Detail       json.RawMessage `json:"detail"`
		OccurredAt   time.Time       `json:"occurred_at"`
	}

	in := integrityInput{
		TransitionID: strings.TrimSpace(tr.ID),
		RunID:        strings.TrimSpace(tr.RunID),
		FromState:    string(tr.FromState),
		ToState:      string(tr.ToState),
		Stage:        string(tr.Stage),
		Attempt:      tr.Attempt,
		Detail:       detailJSON,
		OccurredAt:   tr.OccurredAt.UTC(),
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
