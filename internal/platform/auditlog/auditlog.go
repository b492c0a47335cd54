// Package auditlog appends operator actions and authorization denials to the
// audit_events table. Rows are append-only; each carries a SHA-256 over its
// canonical content so after-the-fact edits are detectable.
package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Entry is one audited action. RunID is empty for events that are not tied to
// a pipeline run, such as authorization denials.
type Entry struct {
	OccurredAt time.Time
	Actor      string
	Action     string
	RunID      string
	Target     string
	RequestID  string
	RemoteIP   string
	UserAgent  string
	Detail     map[string]any
}

type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (e Entry) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("occurred_at is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("action is required")
	}
	if strings.TrimSpace(e.Target) == "" {
		return errors.New("target is required")
	}
	return nil
}

const appendEntryQuery = `
INSERT INTO audit_events (
	occurred_at,
	actor,
	action,
	run_id,
	target,
	request_id,
	remote_ip,
	user_agent,
	detail,
	integrity_sha256
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING event_id`

// Append writes one entry and returns its event id.
func Append(ctx context.Context, q QueryRower, entry Entry) (int64, error) {
	if q == nil {
		return 0, errors.New("auditlog: queryer is required")
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}
	if err := entry.Validate(); err != nil {
		return 0, err
	}

	detail := entry.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return 0, fmt.Errorf("marshal detail: %w", err)
	}
	integrity, err := EntryIntegritySHA256(entry, detailJSON)
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRowContext(ctx, appendEntryQuery,
		entry.OccurredAt.UTC(),
		strings.TrimSpace(entry.Actor),
		strings.TrimSpace(entry.Action),
		nullable(entry.RunID),
		strings.TrimSpace(entry.Target),
		nullable(entry.RequestID),
		nullable(entry.RemoteIP),
		nullable(entry.UserAgent),
		detailJSON,
		integrity,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append audit entry: %w", err)
	}
	return id, nil
}

// EntryIntegritySHA256 hashes the canonical JSON rendering of an entry. The
// detail blob is hashed exactly as stored so the row and its hash agree.
func EntryIntegritySHA256(entry Entry, detailJSON []byte) (string, error) {
	in := struct {
		OccurredAt time.Time       `json:"occurred_at"`
		Actor      string          `json:"actor"`
		Action     string          `json:"action"`
		RunID      string          `json:"run_id,omitempty"`
		Target     string          `json:"target"`
		RequestID  string          `json:"request_id,omitempty"`
		RemoteIP   string          `json:"remote_ip,omitempty"`
		UserAgent  string          `json:"user_agent,omitempty"`
		Detail     json.RawMessage `json:"detail"`
	}{
		OccurredAt: entry.OccurredAt.UTC(),
		Actor:      strings.TrimSpace(entry.Actor),
		Action:     strings.TrimSpace(entry.Action),
		RunID:      strings.TrimSpace(entry.RunID),
		Target:     strings.TrimSpace(entry.Target),
		RequestID:  strings.TrimSpace(entry.RequestID),
		RemoteIP:   strings.TrimSpace(entry.RemoteIP),
		UserAgent:  strings.TrimSpace(entry.UserAgent),
		Detail:     detailJSON,
	}
	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity input: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func nullable(v string) sql.NullString {
	v = strings.TrimSpace(v)
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
