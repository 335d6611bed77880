// Package statestore persists the sync engine's shadow state and
// append-only operation log in an embedded SQLite database, per §4.5.
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Status is the shadow-state classification of a path as of the last scan.
type Status string

const (
	StatusSynced          Status = "Synced"
	StatusLocalNew        Status = "LocalNew"
	StatusRemoteNew       Status = "RemoteNew"
	StatusLocalModified   Status = "LocalModified"
	StatusRemoteModified  Status = "RemoteModified"
	StatusLocalDeleted    Status = "LocalDeleted"
	StatusRemoteDeleted   Status = "RemoteDeleted"
	StatusConflict        Status = "Conflict"
	StatusError           Status = "Error"
	StatusIgnored         Status = "Ignored"
)

// SyncState is one record per path: the shadow of the last successful sync.
type SyncState struct {
	Path          string
	IsDirectory   bool
	LocalHash     string
	RemoteHash    string
	LocalModified time.Time
	RemoteModified time.Time
	LocalSize     int64
	RemoteSize    int64
	Status        Status
	LastSyncTime  time.Time
	ETag          string
	ErrorMessage  string
	SyncAttempts  int
}

// ActionType enumerates the kinds of operation the engine executes and
// records.
type ActionType string

const (
	ActionUpload       ActionType = "Upload"
	ActionDownload     ActionType = "Download"
	ActionDeleteLocal  ActionType = "DeleteLocal"
	ActionDeleteRemote ActionType = "DeleteRemote"
	ActionConflict     ActionType = "Conflict"
	ActionMove         ActionType = "Move"
)

// Source identifies which side of a sync an OperationLogEntry originated
// from.
type Source string

const (
	SourceLocal  Source = "Local"
	SourceRemote Source = "Remote"
)

// OperationLogEntry is an append-only record of a completed (or failed)
// action.
type OperationLogEntry struct {
	ID           int64
	Path         string
	ActionType   ActionType
	IsDirectory  bool
	Size         int64
	Source       Source
	StartedAt    time.Time
	CompletedAt  time.Time
	Success      bool
	ErrorMessage string
	RenamedFrom  string
	RenamedTo    string
}

// Duration returns the elapsed time between StartedAt and CompletedAt.
func (e OperationLogEntry) Duration() time.Duration {
	return e.CompletedAt.Sub(e.StartedAt)
}

// Stats summarizes sync_state rows grouped by status, plus on-disk size.
type Stats struct {
	CountByStatus map[Status]int
	OnDiskBytes   int64
}

const schemaVersion = 1

// Store is the SQLite-backed implementation of the state-store capability
// (§6): initialize, get/get_all/get_by_status, upsert, delete, clear,
// get_stats, log_operation, get_recent_operations, clear_operation_history.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the SQLite database at path and runs
// any pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-process, serialized writes per §4.5

	s := &Store{db: db, path: path}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the SyncState for path, or (nil, nil) if no record exists.
func (s *Store) Get(ctx context.Context, path string) (*SyncState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, is_directory, local_hash, remote_hash, local_modified, remote_modified,
		       local_size, remote_size, status, last_sync_time, etag, error_message, sync_attempts
		FROM sync_state WHERE path = ?`, path)

	state, err := scanSyncState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state for %q: %w", path, err)
	}
	return state, nil
}

// GetAll returns every SyncState row.
func (s *Store) GetAll(ctx context.Context) ([]*SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, is_directory, local_hash, remote_hash, local_modified, remote_modified,
		       local_size, remote_size, status, last_sync_time, etag, error_message, sync_attempts
		FROM sync_state ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list sync state: %w", err)
	}
	defer rows.Close()

	var out []*SyncState
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync state row: %w", err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// GetByStatus returns every SyncState row matching status.
func (s *Store) GetByStatus(ctx context.Context, status Status) ([]*SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, is_directory, local_hash, remote_hash, local_modified, remote_modified,
		       local_size, remote_size, status, last_sync_time, etag, error_message, sync_attempts
		FROM sync_state WHERE status = ? ORDER BY path`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sync state by status: %w", err)
	}
	defer rows.Close()

	var out []*SyncState
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync state row: %w", err)
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

// Upsert inserts or replaces the SyncState record for state.Path.
func (s *Store) Upsert(ctx context.Context, state *SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (
			path, is_directory, local_hash, remote_hash, local_modified, remote_modified,
			local_size, remote_size, status, last_sync_time, etag, error_message, sync_attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			is_directory=excluded.is_directory,
			local_hash=excluded.local_hash,
			remote_hash=excluded.remote_hash,
			local_modified=excluded.local_modified,
			remote_modified=excluded.remote_modified,
			local_size=excluded.local_size,
			remote_size=excluded.remote_size,
			status=excluded.status,
			last_sync_time=excluded.last_sync_time,
			etag=excluded.etag,
			error_message=excluded.error_message,
			sync_attempts=excluded.sync_attempts`,
		state.Path, state.IsDirectory, state.LocalHash, state.RemoteHash,
		timeToUnix(state.LocalModified), timeToUnix(state.RemoteModified),
		state.LocalSize, state.RemoteSize, string(state.Status),
		timeToUnix(state.LastSyncTime), state.ETag, state.ErrorMessage, state.SyncAttempts)
	if err != nil {
		return fmt.Errorf("upsert sync state for %q: %w", state.Path, err)
	}
	return nil
}

// Delete removes the SyncState record for path, if any.
func (s *Store) Delete(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("delete sync state for %q: %w", path, err)
	}
	return nil
}

// Clear empties both the sync_state and operation_log tables.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state`); err != nil {
		return fmt.Errorf("clear sync_state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM operation_log`); err != nil {
		return fmt.Errorf("clear operation_log: %w", err)
	}
	return tx.Commit()
}

// GetStats returns row counts grouped by status plus the on-disk database
// size.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_state GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("aggregate sync state stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{CountByStatus: make(map[Status]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.CountByStatus[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err == nil {
			stats.OnDiskBytes = pageCount * pageSize
		}
	}

	return stats, nil
}

// LogOperation appends entry to the operation log and returns the ID it was
// assigned.
func (s *Store) LogOperation(ctx context.Context, entry *OperationLogEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operation_log (
			path, action_type, is_directory, size, source, started_at, completed_at,
			success, error_message, renamed_from, renamed_to
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Path, string(entry.ActionType), entry.IsDirectory, entry.Size, string(entry.Source),
		timeToUnix(entry.StartedAt), timeToUnix(entry.CompletedAt), entry.Success,
		entry.ErrorMessage, entry.RenamedFrom, entry.RenamedTo)
	if err != nil {
		return 0, fmt.Errorf("log operation for %q: %w", entry.Path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted operation log id: %w", err)
	}
	return id, nil
}

// GetRecentOperations returns up to limit operation log rows ordered by
// completed_at descending. If since is non-zero, only rows with
// completed_at >= since are returned.
func (s *Store) GetRecentOperations(ctx context.Context, limit int, since time.Time) ([]*OperationLogEntry, error) {
	query := `
		SELECT id, path, action_type, is_directory, size, source, started_at, completed_at,
		       success, error_message, renamed_from, renamed_to
		FROM operation_log`
	args := []any{}
	if !since.IsZero() {
		query += ` WHERE completed_at >= ?`
		args = append(args, timeToUnix(since))
	}
	query += ` ORDER BY completed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent operations: %w", err)
	}
	defer rows.Close()

	var out []*OperationLogEntry
	for rows.Next() {
		entry, err := scanOperationLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation log row: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// ClearOperationHistory deletes rows with completed_at < before and returns
// the count removed.
func (s *Store) ClearOperationHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operation_log WHERE completed_at < ?`, timeToUnix(before))
	if err != nil {
		return 0, fmt.Errorf("clear operation history: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSyncState(row scanner) (*SyncState, error) {
	var s SyncState
	var status string
	var localModified, remoteModified, lastSync int64
	if err := row.Scan(&s.Path, &s.IsDirectory, &s.LocalHash, &s.RemoteHash,
		&localModified, &remoteModified, &s.LocalSize, &s.RemoteSize,
		&status, &lastSync, &s.ETag, &s.ErrorMessage, &s.SyncAttempts); err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.LocalModified = unixToTime(localModified)
	s.RemoteModified = unixToTime(remoteModified)
	s.LastSyncTime = unixToTime(lastSync)
	return &s, nil
}

func scanOperationLogEntry(row scanner) (*OperationLogEntry, error) {
	var e OperationLogEntry
	var actionType, source string
	var startedAt, completedAt int64
	if err := row.Scan(&e.ID, &e.Path, &actionType, &e.IsDirectory, &e.Size, &source,
		&startedAt, &completedAt, &e.Success, &e.ErrorMessage, &e.RenamedFrom, &e.RenamedTo); err != nil {
		return nil, err
	}
	e.ActionType = ActionType(actionType)
	e.Source = Source(source)
	e.StartedAt = unixToTime(startedAt)
	e.CompletedAt = unixToTime(completedAt)
	return &e, nil
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func unixToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
