package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/status"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped on schema changes; mismatched databases must be
// deleted, the journal carries no state worth migrating.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was written by another version.
var ErrSchemaMismatch = errors.New("journal schema version mismatch")

// Store is the SQLite-backed transition journal.
type Store struct {
	db      *sql.DB
	path    string
	maxRows int
}

// Open initializes or connects to the journal database at path.
func Open(path string, maxRows int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, maxRows: maxRows}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

// PublishStatus implements status.Sink by appending the batch.
func (s *Store) PublishStatus(ctx context.Context, updates []status.Update) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, update := range updates {
		isError := 0
		if update.IsError {
			isError = 1
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transitions
			 (seq, expectation_id, container_id, state, reason_user, reason_tech, progress, actual_version_hash, is_error, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			update.Seq,
			string(update.ExpectationID),
			string(update.ContainerID),
			string(update.State),
			update.Reason.User,
			update.Reason.Tech,
			update.Progress,
			update.ActualVersionHash,
			isError,
			update.At.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("append transition: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal tx: %w", err)
	}
	return s.trim(ctx)
}

func (s *Store) trim(ctx context.Context) error {
	if s.maxRows <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM transitions WHERE id <= (
		    SELECT COALESCE(MAX(id), 0) - ? FROM transitions
		 )`, s.maxRows)
	if err != nil {
		return fmt.Errorf("trim journal: %w", err)
	}
	return nil
}

// Entry is one journaled transition.
type Entry struct {
	ID                int64
	Seq               uint64
	ExpectationID     expectation.ID
	ContainerID       container.ID
	State             expectation.State
	Reason            expectation.Reason
	Progress          float64
	ActualVersionHash string
	IsError           bool
	At                time.Time
}

// Tail returns up to limit most recent entries, oldest first. A non-empty
// expectationID filters to that expectation.
func (s *Store) Tail(ctx context.Context, expectationID expectation.ID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, seq, expectation_id, container_id, state, reason_user, reason_tech,
	                 progress, actual_version_hash, is_error, at
	          FROM transitions`
	args := []any{}
	if expectationID != "" {
		query += " WHERE expectation_id = ?"
		args = append(args, string(expectationID))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry   Entry
			expID   string
			contID  string
			state   string
			isError int
			at      string
		)
		if err := rows.Scan(&entry.ID, &entry.Seq, &expID, &contID, &state,
			&entry.Reason.User, &entry.Reason.Tech, &entry.Progress,
			&entry.ActualVersionHash, &isError, &at); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		entry.ExpectationID = expectation.ID(expID)
		entry.ContainerID = container.ID(contID)
		entry.State = expectation.State(state)
		entry.IsError = isError != 0
		if parsed, err := time.Parse(time.RFC3339Nano, at); err == nil {
			entry.At = parsed
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}

	// Reverse to oldest-first for display.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
