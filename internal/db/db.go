// Package db wires the control plane's Postgres connection pool and runs
// schema migrations at boot, the way an appliance wires a pool for its own
// checkin queries — generalized here to a process-wide pool shared by
// every repository in the service.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DB wraps the shared connection pool. Every package-level repository
// (orders, checkin, evidence, telemetry, promotion, rollout) takes a *DB
// and issues its own queries against Pool directly — there is no ORM layer.
type DB struct {
	Pool *pgxpool.Pool
}

// Open creates the pool and verifies connectivity.
func Open(ctx context.Context, connString string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate applies every pending migration under migrations/ using goose,
// opened through database/sql since goose drives its own transaction and
// version-tracking on top of a stdlib *sql.DB rather than a pgx pool.
func Migrate(connString string) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer sqlDB.Close()

	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
