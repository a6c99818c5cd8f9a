// Package store wraps the relational store behind a narrow connection-pool
// interface. The subsystem never manages schema; it only queries, audits,
// and probes liveness.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/officesync/office-sync/internal/config"
	"github.com/officesync/office-sync/internal/pkg/errors"
)

// Pool is the narrow interface the rest of the subsystem depends on.
type Pool interface {
	// Query runs a read query against the store.
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)

	// Exec runs a write statement (audit inserts).
	Exec(ctx context.Context, query string, args ...any) error

	// Ping probes store liveness with a SELECT 1 equivalent.
	Ping(ctx context.Context) error

	// Stats reports pool occupancy for the system monitor.
	Stats() PoolStats

	// Close releases the pool.
	Close() error
}

// PoolStats describes connection-pool occupancy.
type PoolStats struct {
	OpenConnections int
	InUse           int
	Idle            int
	MaxOpen         int
}

// Occupancy returns pool usage as a percentage of the configured maximum.
func (s PoolStats) Occupancy() float64 {
	if s.MaxOpen <= 0 {
		return 0
	}
	return float64(s.InUse) / float64(s.MaxOpen) * 100
}

// SQLPool is a database/sql backed Pool.
type SQLPool struct {
	db          *sql.DB
	pingTimeout time.Duration
}

// Open opens a Postgres-backed pool with the configured limits.
func Open(cfg config.StoreConfig) (*SQLPool, error) {
	if cfg.DSN == "" {
		return nil, errors.New(errors.CodeValidation, "store DSN cannot be empty")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.DatabaseError("opening store pool", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	pingTimeout := cfg.PingTimeout
	if pingTimeout == 0 {
		pingTimeout = 5 * time.Second
	}

	return &SQLPool{db: db, pingTimeout: pingTimeout}, nil
}

// Query runs a read query against the store.
func (p *SQLPool) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.DatabaseError("query failed", err)
	}
	return rows, nil
}

// Exec runs a write statement.
func (p *SQLPool) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return errors.DatabaseError("exec failed", err)
	}
	return nil
}

// Ping probes store liveness within the configured timeout.
func (p *SQLPool) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.pingTimeout)
	defer cancel()

	if err := p.db.PingContext(ctx); err != nil {
		return errors.DatabaseError("store ping failed", err)
	}
	return nil
}

// Stats reports pool occupancy.
func (p *SQLPool) Stats() PoolStats {
	s := p.db.Stats()
	return PoolStats{
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
		MaxOpen:         s.MaxOpenConnections,
	}
}

// Close releases the pool.
func (p *SQLPool) Close() error {
	return p.db.Close()
}
