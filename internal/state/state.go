// Package state persists the re-enterable queue slice, user settings, and
// per-task history in a single SQLite file, so an interrupted batch can be
// offered for restore on the next start.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/readydave/ocrestra/internal/pathsafe"
	"github.com/readydave/ocrestra/internal/task"
)

var (
	ErrStateFileSymlink  = errors.New("state file is a symlink")
	ErrStateFileWritable = errors.New("state file is group or world writable")
)

// Item is one re-enterable queue entry: the input path and the options it was
// queued with. Status, progress and output paths are deliberately not
// persisted; a restored item starts over from Queued.
type Item struct {
	InputPath string
	Options   task.Options
}

// Skipped reports one persisted entry that did not survive restore
// validation.
type Skipped struct {
	Path   string
	Reason string
}

// HistoryEntry is one finished task as recorded for later inspection.
type HistoryEntry struct {
	TaskID          string
	InputPath       string
	OutputPath      string
	Status          string
	Result          string
	FallbackUsed    bool
	InputBytes      int64
	OutputBytes     int64
	DurationSeconds float64
	FinishedAt      time.Time
}

type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the state database. The file must not be a symlink
// and must not be writable by group or others; a fresh file is created with
// mode 0600.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("%w: %s", ErrStateFileSymlink, path)
		}
		if info.Mode().Perm()&0o022 != 0 {
			return nil, fmt.Errorf("%w: %s", ErrStateFileWritable, path)
		}
	} else if os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create state file: %w", err)
		}
		_ = f.Close()
	} else {
		return nil, fmt.Errorf("inspect state file: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS queue_items (
  position   INTEGER PRIMARY KEY,
  input_path TEXT NOT NULL,
  options    TEXT NOT NULL,
  saved_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_history (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id          TEXT NOT NULL,
  input_path       TEXT NOT NULL,
  output_path      TEXT,
  status           TEXT NOT NULL,
  result           TEXT,
  fallback_used    INTEGER NOT NULL DEFAULT 0,
  input_bytes      INTEGER NOT NULL DEFAULT 0,
  output_bytes     INTEGER NOT NULL DEFAULT 0,
  duration_seconds REAL NOT NULL DEFAULT 0,
  finished_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_finished ON task_history(finished_at);
`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSnapshot replaces the persisted queue with items, preserving order. An
// empty slice clears the snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, items []Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items`); err != nil {
		return err
	}
	now := time.Now().UTC()
	for i, it := range items {
		opts, err := json.Marshal(it.Options)
		if err != nil {
			return fmt.Errorf("encode options: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_items (position, input_path, options, saved_at)
VALUES (?, ?, ?, ?)`, i, it.InputPath, string(opts), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadSnapshot reads the persisted queue and re-validates every entry against
// the current filesystem. Entries whose file vanished, is no longer a regular
// file, or no longer sniffs as PDF are reported as skipped rather than
// restored. Duplicates collapse to the first occurrence and the result is
// capped at maxItems.
func (s *Store) LoadSnapshot(ctx context.Context, maxItems int) ([]Item, []Skipped, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT input_path, options FROM queue_items ORDER BY position ASC`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var items []Item
	var skipped []Skipped
	seen := make(map[string]bool)
	for rows.Next() {
		var path, optsJSON string
		if err := rows.Scan(&path, &optsJSON); err != nil {
			return nil, nil, err
		}
		if seen[path] {
			continue
		}
		seen[path] = true

		var opts task.Options
		if err := json.Unmarshal([]byte(optsJSON), &opts); err != nil {
			skipped = append(skipped, Skipped{Path: path, Reason: "corrupt options record"})
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			skipped = append(skipped, Skipped{Path: path, Reason: "file no longer exists"})
			continue
		}
		if !info.Mode().IsRegular() {
			skipped = append(skipped, Skipped{Path: path, Reason: "not a regular file"})
			continue
		}
		if err := pathsafe.SniffPDF(path); err != nil {
			skipped = append(skipped, Skipped{Path: path, Reason: "no longer a PDF"})
			continue
		}
		if maxItems > 0 && len(items) >= maxItems {
			skipped = append(skipped, Skipped{Path: path, Reason: "restore limit reached"})
			continue
		}
		items = append(items, Item{InputPath: path, Options: opts})
	}
	return items, skipped, rows.Err()
}

// HasSnapshot reports whether a non-empty queue snapshot is persisted.
func (s *Store) HasSnapshot(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearSnapshot drops the persisted queue.
func (s *Store) ClearSnapshot(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_items`)
	return err
}

// RecordResult appends one finished task to the history table.
func (s *Store) RecordResult(ctx context.Context, tk *task.Task) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_history
  (task_id, input_path, output_path, status, result, fallback_used,
   input_bytes, output_bytes, duration_seconds, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tk.ID, tk.InputPath, tk.OutputPath, string(tk.Status), tk.Result,
		tk.FallbackUsed, tk.Metrics.InputBytes, tk.Metrics.OutputBytes,
		tk.Metrics.DurationSeconds, time.Now().UTC())
	return err
}

// History returns the most recent finished tasks, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT task_id, input_path, output_path, status, result, fallback_used,
       input_bytes, output_bytes, duration_seconds, finished_at
FROM task_history
ORDER BY id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var outputPath, result sql.NullString
		if err := rows.Scan(&e.TaskID, &e.InputPath, &outputPath, &e.Status, &result,
			&e.FallbackUsed, &e.InputBytes, &e.OutputBytes, &e.DurationSeconds, &e.FinishedAt); err != nil {
			return nil, err
		}
		e.OutputPath = outputPath.String
		e.Result = result.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetSetting reads one settings key, returning fallback when absent.
func (s *Store) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return fallback, err
	}
	return v, nil
}

// SetSetting upserts one settings key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
