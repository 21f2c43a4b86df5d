// Package postgres provides a Postgres-backed job audit log.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/mcap-recovery/internal/recovery"
)

const defaultTable = "recovery_jobs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for audit rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// JobStore appends one row per finished job.
type JobStore struct {
	pool  execCloser
	table string
}

var _ recovery.AuditStore = (*JobStore)(nil)

// NewJobStore connects to Postgres and makes sure the audit table exists.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("audit.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool execCloser, table string) (*JobStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the audit table when it does not exist.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id        TEXT PRIMARY KEY,
	state         TEXT NOT NULL,
	files         JSONB NOT NULL,
	recovered     JSONB NOT NULL,
	error_text    TEXT NOT NULL DEFAULT '',
	archive_name  TEXT NOT NULL DEFAULT '',
	archive_bytes BIGINT NOT NULL DEFAULT 0,
	checksum      TEXT NOT NULL DEFAULT '',
	archive_uri   TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// RecordJob inserts the terminal record for one job.
func (s *JobStore) RecordJob(ctx context.Context, record recovery.JobRecord) error {
	if s == nil || s.pool == nil {
		return errors.New("job store is not configured")
	}
	if record.JobID == "" {
		return errors.New("job id is required")
	}
	filesJSON, err := json.Marshal(nonNil(record.Files))
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	recoveredJSON, err := json.Marshal(nonNil(record.Recovered))
	if err != nil {
		return fmt.Errorf("marshal recovered: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	state,
	files,
	recovered,
	error_text,
	archive_name,
	archive_bytes,
	checksum,
	archive_uri,
	started_at,
	finished_at,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.table)

	args := []any{
		record.JobID,
		string(record.State),
		filesJSON,
		recoveredJSON,
		record.ErrorText,
		record.ArchiveName,
		record.ArchiveBytes,
		record.Checksum,
		record.ArchiveURI,
		record.StartedAt,
		record.FinishedAt,
		record.Duration().Milliseconds(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job record: %w", err)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
