package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"applyflow-engine/internal/domain"

	"github.com/google/uuid"
)

func (d *DB) CreateSession(ctx context.Context, s domain.Session) error {
	cfgJSON, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("marshal config snapshot: %w", err)
	}

	_, err = d.Pool.ExecContext(ctx, `
INSERT INTO sessions
  (id, user_id, name, status, started_at, max_applications, max_duration_seconds, max_workers, config)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		s.ID.String(), s.UserID.String(), s.Name, string(s.Status),
		s.Started.UTC().Format(time.RFC3339),
		s.Limits.MaxApplications, int(s.Limits.MaxDuration.Seconds()), s.Limits.MaxWorkers,
		string(cfgJSON),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (d *DB) GetSession(ctx context.Context, id uuid.UUID) (domain.Session, error) {
	row := d.Pool.QueryRowContext(ctx, `
SELECT id, user_id, name, status, started_at, ended_at,
       max_applications, max_duration_seconds, max_workers, config,
       attempted, successful, low_effort, medium_effort, high_effort,
       tokens_input, tokens_output, cost_estimate
FROM sessions WHERE id = ?;`, id.String())
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var idStr, userStr, status, startedStr, cfgJSON string
	var endedStr sql.NullString
	var maxApps, maxDurSec, maxWorkers int

	err := row.Scan(
		&idStr, &userStr, &s.Name, &status, &startedStr, &endedStr,
		&maxApps, &maxDurSec, &maxWorkers, &cfgJSON,
		&s.Counters.Attempted, &s.Counters.Successful,
		&s.Counters.LowEffort, &s.Counters.MediumEffort, &s.Counters.HighEffort,
		&s.Counters.TokensInput, &s.Counters.TokensOutput, &s.Counters.CostEstimate,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, fmt.Errorf("scan session: %w", err)
	}

	s.ID, _ = uuid.Parse(idStr)
	s.UserID, _ = uuid.Parse(userStr)
	s.Status = domain.SessionStatus(status)
	s.Started, _ = time.Parse(time.RFC3339, startedStr)
	if endedStr.Valid && endedStr.String != "" {
		t, _ := time.Parse(time.RFC3339, endedStr.String)
		s.Ended = &t
	}
	s.Limits = domain.SessionLimits{
		MaxApplications: maxApps,
		MaxDuration:     time.Duration(maxDurSec) * time.Second,
		MaxWorkers:      maxWorkers,
	}
	_ = json.Unmarshal([]byte(cfgJSON), &s.Config)
	return s, nil
}

func (d *DB) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status domain.SessionStatus, endedAt *time.Time) error {
	var ended any
	if endedAt != nil {
		ended = endedAt.UTC().Format(time.RFC3339)
	}
	res, err := d.Pool.ExecContext(ctx, `
UPDATE sessions SET status = ?, ended_at = COALESCE(?, ended_at)
WHERE id = ?;`, string(status), ended, id.String())
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyResult increments the session's running counters in one atomic UPDATE.
// The read-modify-write happens inside sqlite, so concurrent registrations
// cannot lose updates even without the controller's per-session lock.
func (d *DB) ApplyResult(ctx context.Context, id uuid.UUID, r domain.TaskResult) error {
	var low, medium, high int
	switch r.Effort {
	case domain.EffortLow:
		low = 1
	case domain.EffortHigh:
		high = 1
	default:
		medium = 1
	}
	var success int
	if r.Status == domain.StatusSuccess {
		success = 1
	}

	res, err := d.Pool.ExecContext(ctx, `
UPDATE sessions SET
  attempted = attempted + 1,
  successful = successful + ?,
  low_effort = low_effort + ?,
  medium_effort = medium_effort + ?,
  high_effort = high_effort + ?,
  tokens_input = tokens_input + ?,
  tokens_output = tokens_output + ?,
  cost_estimate = cost_estimate + ?
WHERE id = ?;`,
		success, low, medium, high,
		r.TokensInput, r.TokensOutput, r.CostEstimate,
		id.String(),
	)
	if err != nil {
		return fmt.Errorf("apply result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveSessions returns every session left in a non-terminal state. The
// recovery scan runs this against whatever the previous process persisted.
func (d *DB) ActiveSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := d.Pool.QueryContext(ctx, `
SELECT id, user_id, name, status, started_at, ended_at,
       max_applications, max_duration_seconds, max_workers, config,
       attempted, successful, low_effort, medium_effort, high_effort,
       tokens_input, tokens_output, cost_estimate
FROM sessions
WHERE status IN ('planned', 'running', 'paused')
ORDER BY started_at;`)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
