package statestore

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step, applied in order. Schema
// version is tracked in the metadata table so migrations never re-run.
type migration struct {
	version int
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		apply: func(ctx context.Context, tx *sql.Tx) error {
			statements := []string{
				`CREATE TABLE IF NOT EXISTS metadata (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS sync_state (
					path TEXT PRIMARY KEY,
					is_directory INTEGER NOT NULL DEFAULT 0,
					local_hash TEXT NOT NULL DEFAULT '',
					remote_hash TEXT NOT NULL DEFAULT '',
					local_modified INTEGER NOT NULL DEFAULT 0,
					remote_modified INTEGER NOT NULL DEFAULT 0,
					local_size INTEGER NOT NULL DEFAULT 0,
					remote_size INTEGER NOT NULL DEFAULT 0,
					status TEXT NOT NULL,
					last_sync_time INTEGER NOT NULL DEFAULT 0,
					etag TEXT NOT NULL DEFAULT '',
					error_message TEXT NOT NULL DEFAULT '',
					sync_attempts INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS operation_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					path TEXT NOT NULL,
					action_type TEXT NOT NULL,
					is_directory INTEGER NOT NULL DEFAULT 0,
					size INTEGER NOT NULL DEFAULT 0,
					source TEXT NOT NULL,
					started_at INTEGER NOT NULL,
					completed_at INTEGER NOT NULL,
					success INTEGER NOT NULL,
					error_message TEXT NOT NULL DEFAULT '',
					renamed_from TEXT NOT NULL DEFAULT '',
					renamed_to TEXT NOT NULL DEFAULT ''
				)`,
				`CREATE INDEX IF NOT EXISTS idx_operation_log_completed_at ON operation_log(completed_at DESC)`,
			}
			for _, stmt := range statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// runMigrations applies every migration newer than the version recorded in
// the metadata table, each inside its own transaction.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS metadata (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("ensure metadata table: %w", err)
	}

	current := 0
	row := db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'schema_version'`)
	var raw string
	if err := row.Scan(&raw); err == nil {
		fmt.Sscanf(raw, "%d", &current)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.apply(ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value`, fmt.Sprintf("%d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record schema version %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}

	return nil
}
