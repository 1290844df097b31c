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

// SaveDigest persists a digest unless the session already has one. Returns
// (false, nil) when an earlier digest made this call a no-op, which is how
// repeated recovery runs stay idempotent.
func (d *DB) SaveDigest(ctx context.Context, dg domain.Digest) (bool, error) {
	errsJSON, err := json.Marshal(dg.Errors)
	if err != nil {
		return false, fmt.Errorf("marshal digest errors: %w", err)
	}

	// relies on the unique index on session_id
	_, err = d.Pool.ExecContext(ctx, `
INSERT OR IGNORE INTO session_digests
  (id, session_id, generated_at, duration_seconds, summary,
   applications_total, applications_successful, applications_failed, applications_skipped,
   low_effort, medium_effort, high_effort,
   tokens_input, tokens_output, cost_estimate, errors)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		dg.ID.String(), dg.SessionID.String(),
		dg.GeneratedAt.UTC().Format(time.RFC3339), int(dg.Duration.Seconds()), dg.Summary,
		dg.ApplicationsTotal, dg.ApplicationsSuccessful, dg.ApplicationsFailed, dg.ApplicationsSkipped,
		dg.LowEffort, dg.MediumEffort, dg.HighEffort,
		dg.TokensInput, dg.TokensOutput, dg.CostEstimate, string(errsJSON),
	)
	if err != nil {
		return false, fmt.Errorf("insert digest: %w", err)
	}

	var changes int
	if e := d.Pool.QueryRowContext(ctx, `SELECT changes();`).Scan(&changes); e == nil {
		return changes > 0, nil
	}
	return true, nil
}

func (d *DB) GetDigest(ctx context.Context, sessionID uuid.UUID) (domain.Digest, error) {
	var dg domain.Digest
	var idStr, sidStr, genStr, errsJSON string
	var durSec int

	err := d.Pool.QueryRowContext(ctx, `
SELECT id, session_id, generated_at, duration_seconds, summary,
       applications_total, applications_successful, applications_failed, applications_skipped,
       low_effort, medium_effort, high_effort,
       tokens_input, tokens_output, cost_estimate, errors
FROM session_digests WHERE session_id = ?;`, sessionID.String()).Scan(
		&idStr, &sidStr, &genStr, &durSec, &dg.Summary,
		&dg.ApplicationsTotal, &dg.ApplicationsSuccessful, &dg.ApplicationsFailed, &dg.ApplicationsSkipped,
		&dg.LowEffort, &dg.MediumEffort, &dg.HighEffort,
		&dg.TokensInput, &dg.TokensOutput, &dg.CostEstimate, &errsJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return dg, ErrNotFound
	}
	if err != nil {
		return dg, fmt.Errorf("scan digest: %w", err)
	}

	dg.ID, _ = uuid.Parse(idStr)
	dg.SessionID, _ = uuid.Parse(sidStr)
	dg.GeneratedAt, _ = time.Parse(time.RFC3339, genStr)
	dg.Duration = time.Duration(durSec) * time.Second
	_ = json.Unmarshal([]byte(errsJSON), &dg.Errors)
	return dg, nil
}

func (d *DB) HasDigest(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	var one int
	err := d.Pool.QueryRowContext(ctx,
		`SELECT 1 FROM session_digests WHERE session_id = ? LIMIT 1;`,
		sessionID.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
