package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for the trace tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id            TEXT PRIMARY KEY,
		label         TEXT NOT NULL DEFAULT '',
		tick_interval TEXT NOT NULL DEFAULT '',
		started_at    TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id         TEXT NOT NULL,
		tick           INTEGER NOT NULL,
		kind           TEXT NOT NULL,
		from_pid       INTEGER NOT NULL DEFAULT 0,
		from_name      TEXT NOT NULL DEFAULT '',
		to_pid         INTEGER NOT NULL DEFAULT 0,
		to_name        TEXT NOT NULL DEFAULT '',
		signal_context INTEGER NOT NULL DEFAULT 0,
		signal         INTEGER NOT NULL DEFAULT 0,
		detail         TEXT NOT NULL DEFAULT '',
		at             TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_tick ON events(run_id, tick)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
