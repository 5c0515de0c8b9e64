// Package history stores folder ChangeSets and sync events in an embedded
// SQLite database so the CLI can show them while the daemon runs.
//
// The database runs with WAL enabled so `foldersync log` can read while
// engines write.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/foldersync/internal/vcs"
)

// DB wraps the SQLite connection
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the history database at path and initializes the
// schema. The caller must call Close.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path
func (db *DB) Path() string { return db.path }

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS changesets (
		folder TEXT NOT NULL,
		revision TEXT NOT NULL,
		author_name TEXT NOT NULL,
		author_email TEXT NOT NULL,
		timestamp INTEGER NOT NULL,  -- unix seconds
		message TEXT NOT NULL,
		PRIMARY KEY (folder, revision)
	);

	CREATE TABLE IF NOT EXISTS changes (
		folder TEXT NOT NULL,
		revision TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,  -- added, edited, deleted, moved
		path TEXT NOT NULL,
		old_path TEXT,
		PRIMARY KEY (folder, revision, seq),
		FOREIGN KEY (folder, revision) REFERENCES changesets(folder, revision) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		folder TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT,
		detail TEXT,
		at INTEGER NOT NULL  -- unix milliseconds
	);

	CREATE INDEX IF NOT EXISTS idx_changesets_time ON changesets(folder, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_time ON events(folder, at);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// RecordChangeSets upserts the change sets of a folder. Per-file changes of
// an existing revision are replaced.
func (db *DB) RecordChangeSets(ctx context.Context, folder string, sets []vcs.ChangeSet) error {
	if len(sets) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
	INSERT INTO changesets (folder, revision, author_name, author_email, timestamp, message)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(folder, revision) DO UPDATE SET
		author_name = excluded.author_name,
		author_email = excluded.author_email,
		timestamp = excluded.timestamp,
		message = excluded.message
	`
	for _, cs := range sets {
		if cs.Revision == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, upsert,
			folder, cs.Revision, cs.Author.Name, cs.Author.Email,
			cs.Timestamp.Unix(), cs.Message,
		); err != nil {
			return fmt.Errorf("failed to upsert changeset %s: %w", cs.Revision, err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM changes WHERE folder = ? AND revision = ?`, folder, cs.Revision,
		); err != nil {
			return fmt.Errorf("failed to clear changes of %s: %w", cs.Revision, err)
		}
		for i, ch := range cs.Changes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO changes (folder, revision, seq, kind, path, old_path) VALUES (?, ?, ?, ?, ?, ?)`,
				folder, cs.Revision, i, ch.Kind.String(), ch.Path, nullString(ch.OldPath),
			); err != nil {
				return fmt.Errorf("failed to insert change %s: %w", ch.Path, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Query selects change sets or events
type Query struct {
	// Folder limits results to one folder; empty means all
	Folder string

	// Since excludes entries older than this; zero means no bound
	Since time.Time

	// Limit caps the number of results; zero means 100
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

// Entry is a stored change set with its folder
type Entry struct {
	Folder string
	vcs.ChangeSet
}

// ChangeSets returns stored change sets, newest first.
func (db *DB) ChangeSets(ctx context.Context, q Query) ([]Entry, error) {
	query := `
	SELECT folder, revision, author_name, author_email, timestamp, message
	FROM changesets
	WHERE (? = '' OR folder = ?) AND timestamp >= ?
	ORDER BY timestamp DESC, revision
	LIMIT ?
	`
	rows, err := db.conn.QueryContext(ctx, query, q.Folder, q.Folder, sinceUnix(q.Since), q.limit())
	if err != nil {
		return nil, fmt.Errorf("failed to query changesets: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.Folder, &e.Revision, &e.Author.Name, &e.Author.Email, &ts, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan changeset: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changesets: %w", err)
	}

	for i := range entries {
		changes, err := db.changes(ctx, entries[i].Folder, entries[i].Revision)
		if err != nil {
			return nil, err
		}
		entries[i].Changes = changes
	}
	return entries, nil
}

func (db *DB) changes(ctx context.Context, folder, revision string) ([]vcs.Change, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT kind, path, old_path FROM changes WHERE folder = ? AND revision = ? ORDER BY seq`,
		folder, revision)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var out []vcs.Change
	for rows.Next() {
		var kind string
		var ch vcs.Change
		var old sql.NullString
		if err := rows.Scan(&kind, &ch.Path, &old); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		ch.Kind = parseKind(kind)
		ch.OldPath = old.String
		out = append(out, ch)
	}
	return out, rows.Err()
}

// Event is one recorded engine event
type Event struct {
	ID     int64
	Folder string
	Type   string
	Status string
	Detail string
	At     time.Time
}

// RecordEvent appends an event. A zero At is set to now.
func (db *DB) RecordEvent(ctx context.Context, e Event) error {
	if e.Folder == "" || e.Type == "" {
		return errors.New("event requires folder and type")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO events (folder, type, status, detail, at) VALUES (?, ?, ?, ?, ?)`,
		e.Folder, e.Type, nullString(e.Status), nullString(e.Detail), e.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Events returns recorded events, newest first.
func (db *DB) Events(ctx context.Context, q Query) ([]Event, error) {
	var since int64
	if !q.Since.IsZero() {
		since = q.Since.UnixMilli()
	}
	rows, err := db.conn.QueryContext(ctx, `
	SELECT id, folder, type, status, detail, at FROM events
	WHERE (? = '' OR folder = ?) AND at >= ?
	ORDER BY at DESC, id DESC
	LIMIT ?`, q.Folder, q.Folder, since, q.limit())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var status, detail sql.NullString
		var at int64
		if err := rows.Scan(&e.ID, &e.Folder, &e.Type, &status, &detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Status = status.String
		e.Detail = detail.String
		e.At = time.UnixMilli(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than before and returns how many were removed.
func (db *DB) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

func sinceUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseKind(s string) vcs.ChangeKind {
	for _, k := range []vcs.ChangeKind{vcs.ChangeAdded, vcs.ChangeEdited, vcs.ChangeDeleted, vcs.ChangeMoved} {
		if k.String() == s {
			return k
		}
	}
	return vcs.ChangeEdited
}
