// Package postgres provides the Postgres-backed build-run repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/buildwatch/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable = "build_runs"
	defaultLimit = 50
)

// Config controls the Postgres connection pool used for build runs.
type Config struct {
	DSN      string
	Table    string
	MaxConns int32
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements store.BuildRunRepository on Postgres.
type RunStore struct {
	pool  pool
	table string
}

var _ store.BuildRunRepository = (*RunStore)(nil)

// NewRunStore connects to Postgres using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewRunStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool, table string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: p, table: table}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the runs table when it does not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id          uuid PRIMARY KEY,
			repo        text NOT NULL,
			status      text NOT NULL,
			build_id    text NOT NULL DEFAULT '',
			reason      text NOT NULL DEFAULT '',
			stages      text[] NOT NULL DEFAULT '{}',
			started_at  timestamptz NOT NULL,
			finished_at timestamptz NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_repo_finished_idx ON %[1]s (repo, finished_at DESC);
	`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure %s schema: %w", s.table, err)
	}
	return nil
}

// RecordOutcome inserts a resolved run.
func (s *RunStore) RecordOutcome(ctx context.Context, run store.BuildRun) error {
	if run.ID == uuid.Nil {
		return fmt.Errorf("build run id is required")
	}
	stages := run.Stages
	if stages == nil {
		stages = []string{}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, repo, status, build_id, reason, stages, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING;
	`, s.table)
	_, err := s.pool.Exec(ctx, query,
		run.ID.String(),
		run.Repo,
		string(run.Status),
		run.BuildID,
		run.Reason,
		stages,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record build run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (store.BuildRun, error) {
	query := fmt.Sprintf(`
		SELECT id, repo, status, build_id, reason, stages, started_at, finished_at
		FROM %s
		WHERE id = $1;
	`, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.BuildRun{}, store.ErrNotFound
		}
		return store.BuildRun{}, fmt.Errorf("failed to get build run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves the latest runs, optionally scoped to one repository.
func (s *RunStore) ListRuns(ctx context.Context, repo string, limit int) ([]store.BuildRun, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	query := fmt.Sprintf(`
		SELECT id, repo, status, build_id, reason, stages, started_at, finished_at
		FROM %s
		WHERE ($1 = '' OR repo = $1)
		ORDER BY finished_at DESC
		LIMIT $2;
	`, s.table)
	rows, err := s.pool.Query(ctx, query, repo, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list build runs: %w", err)
	}
	defer rows.Close()

	var runs []store.BuildRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate build runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.BuildRun, error) {
	var (
		run    store.BuildRun
		id     string
		status string
	)
	err := row.Scan(
		&id,
		&run.Repo,
		&status,
		&run.BuildID,
		&run.Reason,
		&run.Stages,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return store.BuildRun{}, err
	}
	if run.ID, err = uuid.Parse(id); err != nil {
		return store.BuildRun{}, fmt.Errorf("parse build run id: %w", err)
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
