// Package postgres mirrors the clause repository into Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/clause-crawler/internal/repository"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "clauses"

// Config controls the Postgres connection pool used for the mirror.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ClauseStore upserts clause records as JSONB rows.
type ClauseStore struct {
	pool  execCloser
	table string
	now   func() time.Time
}

var _ repository.Mirror = (*ClauseStore)(nil)

// NewClauseStore connects to Postgres using cfg.
func NewClauseStore(ctx context.Context, cfg Config) (*ClauseStore, error) {
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
	return &ClauseStore{pool: pool, table: table, now: time.Now}, nil
}

// NewClauseStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewClauseStoreWithPool(pool execCloser, table string) (*ClauseStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ClauseStore{pool: pool, table: name, now: time.Now}, nil
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
func (s *ClauseStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the mirror table when missing.
func (s *ClauseStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id text PRIMARY KEY,
	content jsonb NOT NULL,
	metadata jsonb NOT NULL,
	history jsonb NOT NULL,
	updated_at timestamptz NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create clause table: %w", err)
	}
	return nil
}

// UpsertClause writes rec, replacing any existing row with the same id.
func (s *ClauseStore) UpsertClause(ctx context.Context, rec *repository.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("clause store is not configured")
	}
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	content, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	history, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, content, metadata, history, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET
	content = EXCLUDED.content,
	metadata = EXCLUDED.metadata,
	history = EXCLUDED.history,
	updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, rec.ID, content, metadata, history, s.now().UTC()); err != nil {
		return fmt.Errorf("upsert clause: %w", err)
	}
	return nil
}

// DeleteClause removes the row for id.
func (s *ClauseStore) DeleteClause(ctx context.Context, id string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("clause store is not configured")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete clause: %w", err)
	}
	return nil
}

// Sync upserts every record, stopping at the first failure.
func (s *ClauseStore) Sync(ctx context.Context, records []*repository.Record) (int, error) {
	for i, rec := range records {
		if err := s.UpsertClause(ctx, rec); err != nil {
			return i, fmt.Errorf("sync clause %s: %w", rec.ID, err)
		}
	}
	return len(records), nil
}
