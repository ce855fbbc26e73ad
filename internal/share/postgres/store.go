// Package postgres implements share.Store as a PostgreSQL archive of shared
// documents. It backs the paste service when that is unavailable and keeps
// documents beyond the paste service's expiry.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/vibecanvas/internal/share"
)

const ddlSharedArtifacts = `
CREATE TABLE IF NOT EXISTS shared_artifacts (
    id          TEXT         PRIMARY KEY,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_shared_artifacts_created_at
    ON shared_artifacts (created_at);
`

// Migrate creates the archive table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlSharedArtifacts); err != nil {
		return fmt.Errorf("postgres share: migrate: %w", err)
	}
	return nil
}

// Store is the PostgreSQL share archive. All operations are safe for
// concurrent use.
type Store struct {
	pool  *pgxpool.Pool
	newID func() string
}

var _ share.Store = (*Store)(nil)

// NewStore connects to dsn, verifies the connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres share: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres share: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres share: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool, newID: newID}, nil
}

// newID returns a url-safe id without separators.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Name implements share.Store.
func (s *Store) Name() string { return "postgres" }

// Put implements share.Store.
func (s *Store) Put(ctx context.Context, content string) (share.Paste, error) {
	const q = `INSERT INTO shared_artifacts (id, content) VALUES ($1, $2)`

	id := s.newID()
	if _, err := s.pool.Exec(ctx, q, id, content); err != nil {
		return share.Paste{}, fmt.Errorf("postgres share: put: %w", err)
	}
	return share.Paste{ID: id}, nil
}

// Get implements share.Store.
func (s *Store) Get(ctx context.Context, id string) (string, error) {
	const q = `SELECT content FROM shared_artifacts WHERE id = $1`

	var content string
	err := s.pool.QueryRow(ctx, q, id).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", share.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres share: get: %w", err)
	}
	return content, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
