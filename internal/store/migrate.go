package store

import (
	"database/sql"
)

func Migrate(db *sql.DB) error {

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var v int
	if err := tx.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return err
	}

	if v >= 1 {
		return tx.Commit()
	}

	// ---- Schema v1: tables ----

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'planned',
  started_at TEXT NOT NULL,
  ended_at TEXT,
  max_applications INTEGER NOT NULL DEFAULT 200,
  max_duration_seconds INTEGER NOT NULL DEFAULT 7200,
  max_workers INTEGER NOT NULL DEFAULT 5,
  config TEXT NOT NULL DEFAULT '{}',
  attempted INTEGER NOT NULL DEFAULT 0,
  successful INTEGER NOT NULL DEFAULT 0,
  low_effort INTEGER NOT NULL DEFAULT 0,
  medium_effort INTEGER NOT NULL DEFAULT 0,
  high_effort INTEGER NOT NULL DEFAULT 0,
  tokens_input INTEGER NOT NULL DEFAULT 0,
  tokens_output INTEGER NOT NULL DEFAULT 0,
  cost_estimate REAL NOT NULL DEFAULT 0
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS session_events (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  type TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  payload TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS session_digests (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  generated_at TEXT NOT NULL,
  duration_seconds INTEGER NOT NULL DEFAULT 0,
  summary TEXT NOT NULL DEFAULT '',
  applications_total INTEGER NOT NULL DEFAULT 0,
  applications_successful INTEGER NOT NULL DEFAULT 0,
  applications_failed INTEGER NOT NULL DEFAULT 0,
  applications_skipped INTEGER NOT NULL DEFAULT 0,
  low_effort INTEGER NOT NULL DEFAULT 0,
  medium_effort INTEGER NOT NULL DEFAULT 0,
  high_effort INTEGER NOT NULL DEFAULT 0,
  tokens_input INTEGER NOT NULL DEFAULT 0,
  tokens_output INTEGER NOT NULL DEFAULT 0,
  cost_estimate REAL NOT NULL DEFAULT 0,
  errors TEXT NOT NULL DEFAULT '[]'
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS domain_usage (
  domain TEXT NOT NULL,
  day TEXT NOT NULL,
  attempted INTEGER NOT NULL DEFAULT 0,
  successful INTEGER NOT NULL DEFAULT 0,
  failed INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (domain, day)
);
`); err != nil {
		return err
	}

	// ---- Schema v1: indexes ----

	if _, err := tx.Exec(`
CREATE INDEX IF NOT EXISTS idx_sessions_status
ON sessions(status);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE INDEX IF NOT EXISTS idx_session_events_session
ON session_events(session_id, created_at);
`); err != nil {
		return err
	}

	// One digest per session; recovery relies on this to stay idempotent.
	if _, err := tx.Exec(`
CREATE UNIQUE INDEX IF NOT EXISTS idx_session_digests_session
ON session_digests(session_id);
`); err != nil {
		return err
	}

	// Mark schema v1
	if _, err := tx.Exec(`PRAGMA user_version = 1;`); err != nil {
		return err
	}

	return tx.Commit()
}
