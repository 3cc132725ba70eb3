// Package postgres provides the Postgres-backed store implementation.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // migration driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/appfetch/icon-resolver/internal/store"
	"github.com/appfetch/icon-resolver/migrations"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool dbPool
}

// New connects a pool using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
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
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// RunMigrations applies all embedded SQL migrations against the DSN.
func RunMigrations(dsn string) error {
	sourceDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// GetOrCreateProgram upserts by (program_id, program_name). The conflict
// branch writes the name back onto itself so RETURNING yields the row in
// both cases.
func (s *Store) GetOrCreateProgram(ctx context.Context, programID int64, name string) (*store.Program, error) {
	query := `
INSERT INTO programs (program_id, program_name)
VALUES ($1, $2)
ON CONFLICT (program_id, program_name) DO UPDATE SET program_name = EXCLUDED.program_name
RETURNING id, program_id, program_name, created_at`

	var p store.Program
	err := s.pool.QueryRow(ctx, query, programID, name).
		Scan(&p.ID, &p.ProgramID, &p.Name, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert program: %w", err)
	}
	return &p, nil
}

// GetOrCreateSearchTerm upserts by the unique term string.
func (s *Store) GetOrCreateSearchTerm(ctx context.Context, term string) (*store.SearchTerm, error) {
	query := `
INSERT INTO search_terms (term)
VALUES ($1)
ON CONFLICT (term) DO UPDATE SET term = EXCLUDED.term
RETURNING id, term, attempts, created_at, updated_at`

	var t store.SearchTerm
	err := s.pool.QueryRow(ctx, query, term).
		Scan(&t.ID, &t.Term, &t.Attempts, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert search term: %w", err)
	}
	return &t, nil
}

// IncrementAttempts atomically bumps the attempt counter.
func (s *Store) IncrementAttempts(ctx context.Context, termID int64) (int, error) {
	query := `
UPDATE search_terms
SET attempts = attempts + 1, updated_at = now()
WHERE id = $1
RETURNING attempts`

	var attempts int
	if err := s.pool.QueryRow(ctx, query, termID).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// UpsertSearchResult inserts or refreshes the unique-url row.
func (s *Store) UpsertSearchResult(ctx context.Context, result store.SearchResult) error {
	query := `
INSERT INTO search_results (url, search_term_id, program_id, "position")
VALUES ($1, $2, $3, $4)
ON CONFLICT (url) DO UPDATE SET
	search_term_id = EXCLUDED.search_term_id,
	program_id = EXCLUDED.program_id,
	"position" = EXCLUDED."position",
	updated_at = now()`

	if _, err := s.pool.Exec(ctx, query,
		result.URL, result.SearchTermID, result.ProgramID, result.Position,
	); err != nil {
		return fmt.Errorf("upsert search result: %w", err)
	}
	return nil
}

// FreshResult returns the newest result inside the freshness window.
func (s *Store) FreshResult(ctx context.Context, programID int64, name string, since time.Time) (*store.SearchResult, error) {
	query := `
SELECT sr.id, sr.url, sr.search_term_id, sr.program_id, sr."position", sr.match, sr.created_at, sr.updated_at
FROM search_results sr
JOIN programs p ON p.id = sr.program_id
WHERE p.program_id = $1 AND p.program_name = $2 AND sr.updated_at >= $3
ORDER BY sr.updated_at DESC
LIMIT 1`

	var r store.SearchResult
	err := s.pool.QueryRow(ctx, query, programID, name, since).
		Scan(&r.ID, &r.URL, &r.SearchTermID, &r.ProgramID, &r.Position, &r.Match, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query fresh result: %w", err)
	}
	return &r, nil
}

// MarkMatch records the extraction outcome for a url.
func (s *Store) MarkMatch(ctx context.Context, url string, matched bool) error {
	query := `UPDATE search_results SET match = $2, updated_at = now() WHERE url = $1`
	tag, err := s.pool.Exec(ctx, query, url, matched)
	if err != nil {
		return fmt.Errorf("mark match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
