package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The database is shared between the
// dispatcher and every submission worker process, so WAL mode and a generous
// busy timeout are applied.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := validateSQLiteFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 10000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS submission_status (
  source_id    TEXT PRIMARY KEY,
  source_name  TEXT NOT NULL,
  ver_major    INTEGER NOT NULL,
  ver_minor    INTEGER NOT NULL,
  code         TEXT NOT NULL,
  messages     JSON NOT NULL DEFAULT '[]',
  active       INTEGER NOT NULL DEFAULT 1,
  cancelled    INTEGER NOT NULL DEFAULT 0,
  hibernating  INTEGER NOT NULL DEFAULT 0,
  owner_id     TEXT NOT NULL,
  acl          JSON NOT NULL DEFAULT '[]',
  test         INTEGER NOT NULL DEFAULT 0,
  process_id   TEXT,
  extensions   JSON NOT NULL DEFAULT '[]',
  curation     TEXT,
  revision     INTEGER NOT NULL DEFAULT 1,
  submitted_at TEXT NOT NULL,
  updated_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS work_queue (
  id            TEXT PRIMARY KEY,
  kind          TEXT NOT NULL,
  payload       JSON,
  dedup_key     TEXT,
  receipt       TEXT,
  receive_count INTEGER NOT NULL DEFAULT 0,
  enqueued_at   TEXT NOT NULL,
  visible_at    TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS work_log (
  id            TEXT PRIMARY KEY,
  kind          TEXT NOT NULL,
  dedup_key     TEXT,
  receive_count INTEGER NOT NULL,
  enqueued_at   TEXT NOT NULL,
  acked_at      TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS submission_status_name_idx ON submission_status(source_name, active);`,
		`CREATE INDEX IF NOT EXISTS work_queue_visible_idx ON work_queue(visible_at, enqueued_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS work_queue_dedup_idx ON work_queue(dedup_key) WHERE dedup_key IS NOT NULL;`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
