// Package sqlite provides an embedded SQLite job audit log.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/mcap-recovery/internal/recovery"
)

const defaultTable = "recovery_jobs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JobStore appends one row per finished job to a local SQLite file.
type JobStore struct {
	db    *sql.DB
	table string
}

var _ recovery.AuditStore = (*JobStore)(nil)

// Open opens (and creates if needed) the database at path and ensures the
// audit table exists.
func Open(ctx context.Context, path, table string) (*JobStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(pctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &JobStore{db: db, table: table}
	if err := store.initSchema(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *JobStore) initSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  job_id        TEXT PRIMARY KEY,
  state         TEXT NOT NULL,
  files         JSON NOT NULL,
  recovered     JSON NOT NULL,
  error_text    TEXT NOT NULL DEFAULT '',
  archive_name  TEXT NOT NULL DEFAULT '',
  archive_bytes INTEGER NOT NULL DEFAULT 0,
  checksum      TEXT NOT NULL DEFAULT '',
  archive_uri   TEXT NOT NULL DEFAULT '',
  started_at    TEXT NOT NULL,
  finished_at   TEXT NOT NULL,
  duration_ms   INTEGER NOT NULL
);`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_finished_at ON %s(finished_at);`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *JobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordJob inserts the terminal record for one job.
func (s *JobStore) RecordJob(ctx context.Context, record recovery.JobRecord) error {
	if record.JobID == "" {
		return errors.New("job id is required")
	}
	files, err := json.Marshal(nonNil(record.Files))
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	recovered, err := json.Marshal(nonNil(record.Recovered))
	if err != nil {
		return fmt.Errorf("marshal recovered: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (
  job_id, state, files, recovered, error_text, archive_name, archive_bytes,
  checksum, archive_uri, started_at, finished_at, duration_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err = s.db.ExecContext(ctx, query,
		record.JobID,
		string(record.State),
		string(files),
		string(recovered),
		record.ErrorText,
		record.ArchiveName,
		record.ArchiveBytes,
		record.Checksum,
		record.ArchiveURI,
		record.StartedAt.UTC().Format(time.RFC3339Nano),
		record.FinishedAt.UTC().Format(time.RFC3339Nano),
		record.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert job record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *JobStore) Recent(ctx context.Context, limit int) ([]recovery.JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT job_id, state, files, recovered, error_text, archive_name,
  archive_bytes, checksum, archive_uri, started_at, finished_at
FROM %s ORDER BY finished_at DESC, job_id DESC LIMIT ?`, s.table)
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query job records: %w", err)
	}
	defer rows.Close()

	var out []recovery.JobRecord
	for rows.Next() {
		var (
			rec                 recovery.JobRecord
			state               string
			files, recovered    string
			started, finishedAt string
		)
		if err := rows.Scan(
			&rec.JobID, &state, &files, &recovered, &rec.ErrorText, &rec.ArchiveName,
			&rec.ArchiveBytes, &rec.Checksum, &rec.ArchiveURI, &started, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		rec.State = recovery.JobState(state)
		if err := json.Unmarshal([]byte(files), &rec.Files); err != nil {
			return nil, fmt.Errorf("decode files for %s: %w", rec.JobID, err)
		}
		if err := json.Unmarshal([]byte(recovered), &rec.Recovered); err != nil {
			return nil, fmt.Errorf("decode recovered for %s: %w", rec.JobID, err)
		}
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at for %s: %w", rec.JobID, err)
		}
		if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, fmt.Errorf("parse finished_at for %s: %w", rec.JobID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job records: %w", err)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
