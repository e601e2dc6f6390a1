// Package postgres provides a Postgres-backed checkpoint store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/poacher/internal/poacher"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Defaults used when Config leaves a field empty.
const (
	DefaultTable = "poacher_checkpoints"
	DefaultName  = "default"
)

// Config controls the Postgres connection pool used for checkpoints.
type Config struct {
	DSN string
	// Table holds one row per checkpoint name.
	Table string
	// Name selects the row, so several deployments can share a table.
	Name            string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// CheckpointStore keeps the session marker in a Postgres row.
type CheckpointStore struct {
	pool  pool
	table string
	name  string
}

// NewCheckpointStore connects to Postgres and ensures the checkpoint table
// exists.
func NewCheckpointStore(ctx context.Context, cfg Config) (*CheckpointStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	store, err := NewCheckpointStoreWithPool(p, cfg.Table, cfg.Name)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewCheckpointStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewCheckpointStoreWithPool(p pool, table, name string) (*CheckpointStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if name == "" {
		name = DefaultName
	}
	return &CheckpointStore{pool: p, table: table, name: name}, nil
}

// Close releases the underlying pool resources.
func (s *CheckpointStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the checkpoint table when it does not exist.
func (s *CheckpointStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	last_known_id BIGINT NOT NULL DEFAULT 0,
	starting_id BIGINT NOT NULL DEFAULT 0,
	newest_id BIGINT NOT NULL DEFAULT 0,
	current_id BIGINT NOT NULL DEFAULT 0,
	session_start TIMESTAMPTZ NOT NULL DEFAULT '0001-01-01T00:00:00Z',
	last_activity TIMESTAMPTZ NOT NULL DEFAULT '0001-01-01T00:00:00Z',
	checkpointed_at TIMESTAMPTZ NOT NULL DEFAULT '0001-01-01T00:00:00Z',
	repos_observed BIGINT NOT NULL DEFAULT 0,
	cumulative_average_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
	session_count BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// Load reads the marker row. A missing row yields a zero marker.
func (s *CheckpointStore) Load(ctx context.Context) (poacher.Marker, error) {
	query := fmt.Sprintf(`
SELECT
	session_id,
	last_known_id,
	starting_id,
	newest_id,
	current_id,
	session_start,
	last_activity,
	checkpointed_at,
	repos_observed,
	cumulative_average_sum,
	session_count
FROM %s
WHERE name = $1`, s.table)

	var m poacher.Marker
	err := s.pool.QueryRow(ctx, query, s.name).Scan(
		&m.SessionID,
		&m.LastKnownID,
		&m.StartingID,
		&m.NewestID,
		&m.CurrentID,
		&m.SessionStart,
		&m.LastActivity,
		&m.CheckpointedAt,
		&m.ReposObserved,
		&m.CumulativeAverageSum,
		&m.SessionCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return poacher.Marker{}, nil
	}
	if err != nil {
		return poacher.Marker{}, fmt.Errorf("load checkpoint %q: %w", s.name, err)
	}
	return m, nil
}

// Save upserts the marker row.
func (s *CheckpointStore) Save(ctx context.Context, m poacher.Marker) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	name,
	session_id,
	last_known_id,
	starting_id,
	newest_id,
	current_id,
	session_start,
	last_activity,
	checkpointed_at,
	repos_observed,
	cumulative_average_sum,
	session_count,
	updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now()
)
ON CONFLICT (name) DO UPDATE SET
	session_id = EXCLUDED.session_id,
	last_known_id = EXCLUDED.last_known_id,
	starting_id = EXCLUDED.starting_id,
	newest_id = EXCLUDED.newest_id,
	current_id = EXCLUDED.current_id,
	session_start = EXCLUDED.session_start,
	last_activity = EXCLUDED.last_activity,
	checkpointed_at = EXCLUDED.checkpointed_at,
	repos_observed = EXCLUDED.repos_observed,
	cumulative_average_sum = EXCLUDED.cumulative_average_sum,
	session_count = EXCLUDED.session_count,
	updated_at = now()`, s.table)

	args := []any{
		s.name,
		m.SessionID,
		m.LastKnownID,
		m.StartingID,
		m.NewestID,
		m.CurrentID,
		m.SessionStart,
		m.LastActivity,
		m.CheckpointedAt,
		m.ReposObserved,
		m.CumulativeAverageSum,
		m.SessionCount,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("save checkpoint %q: %w", s.name, err)
	}
	return nil
}
