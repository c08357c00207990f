package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS organizations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		contact_email TEXT,
		contact_user_id INTEGER REFERENCES users(id) ON DELETE SET NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		site_id INTEGER,
		client_id INTEGER,
		client_kind TEXT CHECK (client_kind IN ('organization', 'individual')),
		product_ids TEXT NOT NULL DEFAULT '[]',
		dates TEXT NOT NULL DEFAULT '{}',
		stage TEXT NOT NULL DEFAULT 'bids',
		created_by INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_stage ON jobs(stage)`,
	`CREATE TABLE IF NOT EXISTS job_meta (
		job_id INTEGER NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		meta_key TEXT NOT NULL,
		meta_value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (job_id, meta_key)
	)`,
	`CREATE TABLE IF NOT EXISTS bulk_action_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action_type TEXT NOT NULL,
		pipeline TEXT NOT NULL,
		job_ids TEXT NOT NULL,
		job_count INTEGER NOT NULL,
		performed_by INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('started', 'completed', 'failed', 'partial')),
		error_details TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bulk_action_logs_status ON bulk_action_logs(status, created_at)`,
}

// sqlExecutor is satisfied by both *sql.DB and *sql.Tx
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteQueries implements Queries on top of a database or a transaction
type sqliteQueries struct {
	db sqlExecutor
}

// SQLiteStore is a single-file Store for local development and tests. It uses one
// connection, so transactions are fully serialized.
type SQLiteStore struct {
	*sqliteQueries
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database and applies the schema. Use ":memory:"
// for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pragmas := []string{`PRAGMA foreign_keys = ON`, `PRAGMA busy_timeout = 5000`}
	for _, stmt := range append(pragmas, sqliteSchema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
		}
	}

	return &SQLiteStore{
		sqliteQueries: &sqliteQueries{db: db},
		db:            db,
	}, nil
}

// DB returns the underlying database handle
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// InTx runs fn inside a single SQLite transaction
func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqliteQueries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks the database
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var _ Store = (*SQLiteStore)(nil)
