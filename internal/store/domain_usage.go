package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Per-domain daily outcome counts. Implements throttle.UsageStore so daily
// caps survive engine restarts.

func (d *DB) DayCount(ctx context.Context, domainName, day string) (int, error) {
	var n int
	err := d.Pool.QueryRowContext(ctx,
		`SELECT attempted FROM domain_usage WHERE domain = ? AND day = ?;`,
		domainName, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("domain usage count: %w", err)
	}
	return n, nil
}

func (d *DB) RecordAttempt(ctx context.Context, domainName, day string) error {
	_, err := d.Pool.ExecContext(ctx, `
INSERT INTO domain_usage (domain, day, attempted) VALUES (?, ?, 1)
ON CONFLICT (domain, day)
DO UPDATE SET attempted = attempted + 1;`, domainName, day)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (d *DB) RecordResult(ctx context.Context, domainName, day string, success bool) error {
	var s, f int
	if success {
		s = 1
	} else {
		f = 1
	}
	_, err := d.Pool.ExecContext(ctx, `
INSERT INTO domain_usage (domain, day, successful, failed) VALUES (?, ?, ?, ?)
ON CONFLICT (domain, day)
DO UPDATE SET successful = successful + excluded.successful,
              failed = failed + excluded.failed;`, domainName, day, s, f)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return nil
}
