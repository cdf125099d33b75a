/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists the reporting pipeline's own records (events, batches,
  submission sequences, company configuration), the rubric registry, and
  a development copy of the HR records the pipeline reads. In production
  the HR side is normally another system behind hr.Source; the same
  schema patterns apply to PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:
  pipeline.TxStore: Events, batches, sequences, company configs
  rubric.Store:     Rubric validity windows
  hr.Source:        Companies, employees, terminations, leaves, payrolls

KEY TABLES:
  events:          One row per event revision, payload/document as JSON
  batches:         Submission units
  sequences:       Per-employer submission counter
  company_configs: Reporting settings per employer
  rubrics:         Payroll components with incidence flags
  companies, employees, terminations, leaves, payrolls, payslip_items

CONSTRAINTS:
  - idx_events_logical_revision: one event per (logical key, revision),
    the backstop of idempotent generation
  - idx_batches_one_blocking: at most one OPEN/CLOSED/SENDING/ERROR batch
    per (company, group)

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. WithTx holds the write lock
  for the whole transaction and hands fn a store bound to the sql.Tx, so
  every read inside the transaction sees its own writes.

USAGE:
  store, err := sqlite.New("./data/labor-events.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - pipeline/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/labor-events/pipeline"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	base *conn
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs the queries against a querier. Store wraps it with locking;
// WithTx hands it out bound to the transaction.
type conn struct {
	q querier
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	store, err := Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Open wraps an existing database handle and migrates the schema.
func Open(db *sql.DB) (*Store, error) {
	s := &Store{db: db, base: &conn{q: db}}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Events (one row per revision)
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		type TEXT NOT NULL,
		group_type TEXT NOT NULL,
		status TEXT NOT NULL,
		logical_key TEXT NOT NULL,
		revision INTEGER NOT NULL,
		subject TEXT NOT NULL,
		employee_id TEXT NOT NULL DEFAULT '',
		period_year INTEGER,
		period_month INTEGER,
		batch_id TEXT NOT NULL DEFAULT '',
		sequence INTEGER NOT NULL DEFAULT 0,
		payload_json TEXT NOT NULL,
		document_json TEXT,
		validation_errors_json TEXT NOT NULL DEFAULT '[]',
		submission_error_json TEXT,
		receipt TEXT NOT NULL DEFAULT '',
		references_event_id TEXT NOT NULL DEFAULT '',
		superseded_by TEXT NOT NULL DEFAULT '',
		trigger_date TEXT NOT NULL,
		due_date TEXT,
		generated_at TEXT NOT NULL,
		validated_at TEXT,
		sent_at TEXT,
		processed_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_logical_revision
		ON events(logical_key, revision);
	CREATE INDEX IF NOT EXISTS idx_events_company_status
		ON events(company_id, status);
	CREATE INDEX IF NOT EXISTS idx_events_batch
		ON events(batch_id) WHERE batch_id != '';

	-- Batches
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		group_type TEXT NOT NULL,
		status TEXT NOT NULL,
		protocol_number TEXT NOT NULL DEFAULT '',
		result_summary_json TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		sent_at TEXT,
		processed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: only one non-terminal batch per employer and group
	CREATE UNIQUE INDEX IF NOT EXISTS idx_batches_one_blocking
		ON batches(company_id, group_type)
		WHERE status IN ('OPEN', 'CLOSED', 'SENDING', 'ERROR');

	CREATE INDEX IF NOT EXISTS idx_batches_company_status
		ON batches(company_id, status);

	-- Submission sequences
	CREATE TABLE IF NOT EXISTS sequences (
		company_id TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- Company configuration
	CREATE TABLE IF NOT EXISTS company_configs (
		company_id TEXT PRIMARY KEY,
		environment TEXT NOT NULL,
		employer_classification TEXT NOT NULL,
		software_id TEXT NOT NULL,
		software_version TEXT NOT NULL,
		certificate_ref TEXT NOT NULL,
		auto_generate BOOLEAN NOT NULL DEFAULT FALSE,
		auto_send BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TEXT NOT NULL
	);

	-- Rubrics (validity windows)
	CREATE TABLE IF NOT EXISTS rubrics (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		inc_social_security TEXT NOT NULL,
		inc_income_tax TEXT NOT NULL,
		inc_severance TEXT NOT NULL,
		inc_union_dues TEXT NOT NULL,
		nature_code TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rubrics_company_code
		ON rubrics(company_id, code);

	-- HR source records
	CREATE TABLE IF NOT EXISTS companies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		tax_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		name TEXT NOT NULL,
		tax_id TEXT NOT NULL DEFAULT '',
		social_id TEXT NOT NULL DEFAULT '',
		birth_date TEXT,
		hire_date TEXT NOT NULL,
		job_title TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		salary TEXT NOT NULL DEFAULT '0',
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_employees_company
		ON employees(company_id);

	CREATE TABLE IF NOT EXISTS terminations (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		date TEXT NOT NULL,
		reason_code TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS leaves (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		reason_code TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS payrolls (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		status TEXT NOT NULL,
		UNIQUE(company_id, year, month)
	);

	CREATE TABLE IF NOT EXISTS payslip_items (
		payroll_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		rubric_code TEXT NOT NULL,
		amount TEXT NOT NULL,
		PRIMARY KEY (payroll_id, employee_id, position)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (pipeline.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store pipeline.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

const dateLayout = "2006-01-02"

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func formatDate(t time.Time) string { return t.UTC().Format(dateLayout) }

func formatDatePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(*t), Valid: true}
}

func parseDate(s string) time.Time {
	t, _ := time.Parse(dateLayout, s)
	return t
}

func parseDatePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseDate(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
