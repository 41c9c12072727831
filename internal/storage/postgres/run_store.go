// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/parcel-mapper/internal/cadastre"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable holds run history when no table is configured.
const DefaultTable = "parcel_runs"

// RunStoreConfig controls the Postgres connection pool used for run history.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore writes one row per completed run into Postgres.
type RunStore struct {
	pool  execCloser
	table string
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool execCloser, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the run history table if it does not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id        UUID PRIMARY KEY,
	client        TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL,
	attempted     INTEGER NOT NULL,
	succeeded     INTEGER NOT NULL,
	failed        INTEGER NOT NULL,
	total_area_m2 DOUBLE PRECISION NOT NULL,
	artifact_uri  TEXT NOT NULL,
	failures      JSONB NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create run table: %w", err)
	}
	return nil
}

// SaveRun inserts the summary of a completed run.
func (s *RunStore) SaveRun(ctx context.Context, run cadastre.RunRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	if run.Report.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	failures := run.Report.Failures
	if failures == nil {
		failures = []cadastre.FailureEntry{}
	}
	failuresJSON, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	client,
	started_at,
	finished_at,
	attempted,
	succeeded,
	failed,
	total_area_m2,
	artifact_uri,
	failures
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		run.Report.RunID,
		run.Client,
		run.Report.StartedAt,
		run.Report.FinishedAt,
		run.Report.Attempted,
		run.Report.Succeeded,
		run.Report.Failed,
		run.Report.TotalArea(),
		run.ArtifactURI,
		failuresJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const summaryColumns = `run_id::text, client, started_at, finished_at, attempted, succeeded, failed,
	total_area_m2, artifact_uri, failures`

// ListRuns returns up to limit runs ordered by start time, newest first.
func (s *RunStore) ListRuns(ctx context.Context, limit, offset int) ([]cadastre.RunSummary, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("run store is not configured")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY started_at DESC LIMIT $1 OFFSET $2`, summaryColumns, s.table)
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]cadastre.RunSummary, 0, limit)
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// GetRun loads a single run or returns cadastre.ErrRunNotFound.
func (s *RunStore) GetRun(ctx context.Context, runID string) (cadastre.RunSummary, error) {
	if s == nil || s.pool == nil {
		return cadastre.RunSummary{}, fmt.Errorf("run store is not configured")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1`, summaryColumns, s.table)
	sum, err := scanSummary(s.pool.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return cadastre.RunSummary{}, cadastre.ErrRunNotFound
	}
	return sum, err
}

func scanSummary(row pgx.Row) (cadastre.RunSummary, error) {
	var (
		sum          cadastre.RunSummary
		failuresJSON []byte
	)
	err := row.Scan(
		&sum.RunID,
		&sum.Client,
		&sum.StartedAt,
		&sum.FinishedAt,
		&sum.Attempted,
		&sum.Succeeded,
		&sum.Failed,
		&sum.TotalAreaM2,
		&sum.ArtifactURI,
		&failuresJSON,
	)
	if err != nil {
		return cadastre.RunSummary{}, fmt.Errorf("scan run: %w", err)
	}
	if len(failuresJSON) > 0 {
		if err := json.Unmarshal(failuresJSON, &sum.Failures); err != nil {
			return cadastre.RunSummary{}, fmt.Errorf("decode failures: %w", err)
		}
	}
	if sum.Failures == nil {
		sum.Failures = []cadastre.FailureEntry{}
	}
	return sum, nil
}
