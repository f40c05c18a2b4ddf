// Package postgres provides a PostgreSQL-backed [expiry.AccessStore].
//
// Access records live in a single table keyed by track URI:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	sched, err := expiry.New(expiry.Config{Store: store, TTL: expiry.DefaultTTL})
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxstream/internal/cache/expiry"
)

const ddlTrackAccess = `
CREATE TABLE IF NOT EXISTS track_access_uri (
    uri          TEXT         PRIMARY KEY,
    last_access  TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_track_access_uri_last_access
    ON track_access_uri (last_access);
`

var _ expiry.AccessStore = (*Store)(nil)

// Store holds a [pgxpool.Pool] and implements [expiry.AccessStore]. All
// methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres access store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres access store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the access table and its index if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTrackAccess); err != nil {
		return fmt.Errorf("postgres access store: migrate: %w", err)
	}
	return nil
}

// Touch implements [expiry.AccessStore].
func (s *Store) Touch(ctx context.Context, uri string, at time.Time) error {
	const q = `
		INSERT INTO track_access_uri (uri, last_access) VALUES ($1, $2)
		ON CONFLICT (uri) DO UPDATE SET last_access = EXCLUDED.last_access`
	if _, err := s.pool.Exec(ctx, q, uri, at); err != nil {
		return fmt.Errorf("postgres access store: touch %q: %w", uri, err)
	}
	return nil
}

// Stale implements [expiry.AccessStore].
func (s *Store) Stale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT uri FROM track_access_uri WHERE last_access < $1 ORDER BY uri`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres access store: stale: %w", err)
	}
	uris, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres access store: stale: %w", err)
	}
	return uris, nil
}

// Remove implements [expiry.AccessStore].
func (s *Store) Remove(ctx context.Context, uris ...string) error {
	if len(uris) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM track_access_uri WHERE uri = ANY($1)`, uris); err != nil {
		return fmt.Errorf("postgres access store: remove: %w", err)
	}
	return nil
}

// Len implements [expiry.AccessStore].
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM track_access_uri`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres access store: len: %w", err)
	}
	return n, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
