// Package db implements store.Store on Postgres through a pgx pool.
package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"homecore/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps pgxpool.Pool for database operations
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ store.Store = (*DB)(nil)

// NewDB creates a new DB connection pool and checks it answers.
// Entities with malformed rows are logged and skipped by the list queries.
func NewDB(ctx context.Context, url string, logger *zap.Logger) (*DB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool, logger: logger.With(zap.String("component", "db"))}, nil
}

// Migrate creates missing tables. It is safe to run on every start.
func (d *DB) Migrate(ctx context.Context) error {
	// no arguments, so pgx sends it over the simple protocol and multiple statements are allowed
	if _, err := d.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping checks the connection
func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Close closes the connection pool
func (d *DB) Close() {
	d.pool.Close()
}

// Pool returns the underlying pgxpool.Pool
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}
