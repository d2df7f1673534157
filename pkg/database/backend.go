// Package database is the relational backend facade (spec §6): schema
// bootstrap, index creation, the row codec, trigger setup, and the CRUD
// surface the mutation pipeline and authorization resolver run against. A
// single relational primary is assumed (spec §1 Non-goals) — there is no
// region or shard routing here, unlike the teacher's original layer.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Backend owns the single connection pool to the relational primary and
// the identity of the table every contract lives in.
type Backend struct {
	db               *sql.DB
	table            string
	statementTimeout time.Duration
}

// Options configures a Backend.
type Options struct {
	// DatabaseURL is a libpq connection string or URL.
	DatabaseURL string
	// Table is the contracts table name; defaults to "contracts".
	Table string
	// StatementTimeout bounds every query issued through this Backend
	// (spec §5 "Cancellation and timeouts"); zero disables the bound.
	StatementTimeout time.Duration
	// MaxOpenConns bounds the pool shared by mutating and reading
	// queries (spec §5 "Shared resources" — the listener gets its own
	// dedicated connection, separate from this pool).
	MaxOpenConns int
}

// Open connects to the relational primary and verifies reachability.
func Open(opts Options) (*Backend, error) {
	if opts.Table == "" {
		opts.Table = "contracts"
	}

	db, err := sql.Open("postgres", opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	return &Backend{db: db, table: opts.Table, statementTimeout: opts.StatementTimeout}, nil
}

// newBackendWithDB wraps an already-open *sql.DB, used by unit tests that
// drive this package's SQL against go-sqlmock rather than a live backend.
func newBackendWithDB(db *sql.DB, table string) *Backend {
	return &Backend{db: db, table: table}
}

// Table returns the contracts table name, used by the query compiler.
func (b *Backend) Table() string {
	return b.table
}

// Close releases the pool. The listener connection, if any, is closed
// separately by the stream manager that owns it.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Status reports the backend's reachability, surfaced through the
// kernel's getStatus() operation (spec §6).
type Status struct {
	Connected   bool   `json:"connected"`
	Table       string `json:"table"`
	OpenConns   int    `json:"openConnections"`
	IdleConns   int    `json:"idleConnections"`
	LastPingErr string `json:"lastPingError,omitempty"`
}

// HealthStatus pings the backend and reports pool statistics.
func (b *Backend) HealthStatus(ctx context.Context) Status {
	stats := b.db.Stats()
	status := Status{
		Table:     b.table,
		OpenConns: stats.OpenConnections,
		IdleConns: stats.Idle,
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.db.PingContext(pingCtx); err != nil {
		status.LastPingErr = err.Error()
		return status
	}
	status.Connected = true
	return status
}

// withTimeout derives a context bounded by the configured statement
// timeout, used by every query/exec entry point in this package.
func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.statementTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.statementTimeout)
}
