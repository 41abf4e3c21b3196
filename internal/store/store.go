// Package store persists events, outcomes, idempotency keys, workflow
// instances, approval signals and model usage through bun.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database backend.
type Config struct {
	Driver string
	DSN    string
}

// Store is the durable system of record. A Store returned inside RunInTx is
// bound to that transaction.
type Store struct {
	root *bun.DB
	db   bun.IDB
	now  func() time.Time
}

// Open connects to the configured database. SQLite is limited to a single
// connection so that transactions serialize instead of failing with
// SQLITE_BUSY.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		db  *bun.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "sqlite3", "":
		db, err = openSQLite(cfg.DSN)
	case DriverPostgres, "postgresql", "pg":
		db, err = openPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return New(db), nil
}

// OpenMemory opens a private in-memory SQLite database and migrates it.
func OpenMemory(ctx context.Context) (*Store, error) {
	dsn := fmt.Sprintf("file:concord-%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	s, err := Open(ctx, Config{Driver: DriverSQLite, DSN: dsn})
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing bun database.
func New(db *bun.DB) *Store {
	return &Store{
		root: db,
		db:   db,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func openSQLite(dsn string) (*bun.DB, error) {
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return bun.NewDB(sqlDB, sqlitedialect.New()), nil
}

func openPostgres(dsn string) (*bun.DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return bun.NewDB(sqlDB, pgdialect.New()), nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.root == nil {
		return nil
	}
	return s.root.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.root == nil {
		return fmt.Errorf("store: not configured")
	}
	return s.root.PingContext(ctx)
}

// RunInTx runs fn in a transaction. Calls made on the Store passed to fn
// commit or roll back together. Nested calls reuse the outer transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx *Store) error) error {
	if _, ok := s.db.(bun.Tx); ok {
		return fn(ctx, s)
	}
	return s.root.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &Store{root: s.root, db: tx, now: s.now})
	})
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	models := []any{
		(*eventRecord)(nil),
		(*outcomeRecord)(nil),
		(*idempotencyRecord)(nil),
		(*workflowRecord)(nil),
		(*signalRecord)(nil),
		(*modelCallRecord)(nil),
		(*usageCounterRecord)(nil),
	}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("store: create table for %T: %w", m, err)
		}
	}

	indexes := []*bun.CreateIndexQuery{
		s.db.NewCreateIndex().Model((*eventRecord)(nil)).
			Index("events_session_idx").
			Column("session_id", "occurred_at"),
		s.db.NewCreateIndex().Model((*outcomeRecord)(nil)).
			Index("event_outcomes_event_version_uidx").Unique().
			Column("event_id", "version"),
		s.db.NewCreateIndex().Model((*workflowRecord)(nil)).
			Index("workflow_instances_status_deadline_idx").
			Column("status", "deadline"),
		s.db.NewCreateIndex().Model((*signalRecord)(nil)).
			Index("approval_signals_applied_gate_uidx").Unique().
			Column("workflow_id", "gate").
			Where("disposition = 'applied'"),
		s.db.NewCreateIndex().Model((*signalRecord)(nil)).
			Index("approval_signals_workflow_idx").
			Column("workflow_id", "created_at"),
		s.db.NewCreateIndex().Model((*modelCallRecord)(nil)).
			Index("model_call_records_model_idx").
			Column("model_id", "created_at"),
	}
	for _, q := range indexes {
		if _, err := q.IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("store: create index: %w", err)
		}
	}
	return nil
}

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
