// Package db implements the two-backend persistence primitive described by
// the spec's persistence layer: a context-managed connection acquired from a
// pool, a narrow execute(statement, params, fetch) contract, and transparent
// JSON-column round-tripping. A shared relational backend (Postgres via pgx)
// backs deployed operation; an embedded single-file backend (SQLite via
// modernc.org/sqlite, pure Go, no cgo) backs local development. Both are
// driven through database/sql so the rest of the store layer never branches
// on backend — callers write queries with `?` placeholders and Rebind
// translates them to `$n` style for Postgres.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"basegraph.app/analysisd/core/config"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DB wraps a *sql.DB and knows which backend it is talking to, so query
// builders can rebind placeholders and the bootstrap step can pick the right
// DDL dialect.
type DB struct {
	sql     *sql.DB
	backend config.Backend
}

// New opens the backend selected by cfg.DSN and pings it once to fail fast on
// misconfiguration. For the embedded backend, DSN may be "sqlite://path" or a
// bare file path; "sqlite://:memory:" opens an in-process database useful for
// tests.
func New(ctx context.Context, cfg config.DBConfig) (*DB, error) {
	backend := cfg.Backend()

	var (
		sqlDB *sql.DB
		err   error
	)

	switch backend {
	case config.BackendShared:
		connCfg, pErr := pgxPoolConfig(cfg)
		if pErr != nil {
			return nil, fmt.Errorf("parsing database config: %w", pErr)
		}
		sqlDB = stdlib.OpenDB(*connCfg)
	default:
		path := strings.TrimPrefix(cfg.DSN, "sqlite://")
		if path == "" {
			path = "./analysisd.db"
		}
		// Serialized mode with foreign keys enforced, per spec §4.1.
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
		sqlDB, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("opening embedded database: %w", err)
		}
		// modernc.org/sqlite is not safe for unbounded concurrent writers;
		// serialize around a single connection, matching the "serialized mode"
		// contract the spec calls for.
		sqlDB.SetMaxOpenConns(1)
	}

	if backend == config.BackendShared {
		maxConns := cfg.MaxConns
		if maxConns <= 0 {
			maxConns = 5
		}
		sqlDB.SetMaxOpenConns(int(maxConns))
		minConns := cfg.MinConns
		if minConns <= 0 {
			minConns = 1
		}
		sqlDB.SetMaxIdleConns(int(minConns))
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{sql: sqlDB, backend: backend}, nil
}

func (db *DB) Close() error {
	return db.sql.Close()
}

func (db *DB) Backend() config.Backend {
	return db.backend
}

// Rebind rewrites `?`-style placeholders into the backend's native style.
// SQLite accepts `?` natively; Postgres requires `$1, $2, ...`.
func (db *DB) Rebind(query string) string {
	if db.backend != config.BackendShared {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Conn is the narrow interface both a *sql.DB and a *sql.Tx satisfy; store
// code is written against it so the same query functions work whether or not
// they are called inside WithTx.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Exec rebinds and executes a statement expecting no rows back.
func (db *DB) Exec(ctx context.Context, query string, args ...any) error {
	_, err := db.sql.ExecContext(ctx, db.Rebind(query), args...)
	return err
}

// Handle returns the root connection for read/query operations outside a
// transaction. Store code accepts a Conn so it can be handed either this or
// a transaction's *sql.Tx.
func (db *DB) Handle() Conn {
	return rebindingHandle{db: db}
}

// WithTx runs fn inside a transaction, committing on success and rolling back
// on error or panic. All mutations within a job's single persistence step
// (e.g. "save phase result + mark events processed") should share one
// transaction; long-running LLM calls must never be made while one is held.
func (db *DB) WithTx(ctx context.Context, fn func(tx Conn) error) (err error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback() //nolint:errcheck
			panic(p)
		}
	}()

	if err := fn(txRebinder{tx: tx, db: db}); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// txRebinder adapts a *sql.Tx to Conn while applying the backend's Rebind,
// so query text written against a Conn never needs to know whether it is
// executing against the pool or a transaction.
type txRebinder struct {
	tx *sql.Tx
	db *DB
}

func (t txRebinder) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.db.Rebind(query), args...)
}

func (t txRebinder) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.db.Rebind(query), args...)
}

func (t txRebinder) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.db.Rebind(query), args...)
}

// rebindingHandle wraps the pool so plain (non-tx) calls also go through Rebind.
type rebindingHandle struct {
	db *DB
}

func (h rebindingHandle) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return h.db.sql.ExecContext(ctx, h.db.Rebind(query), args...)
}

func (h rebindingHandle) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return h.db.sql.QueryContext(ctx, h.db.Rebind(query), args...)
}

func (h rebindingHandle) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return h.db.sql.QueryRowContext(ctx, h.db.Rebind(query), args...)
}
