/*
Package sqlite provides a SQLite-backed settlement.TxStore.

PURPOSE:
  Durable storage for the settlement engine. Every repository the engine
  needs is implemented on one queries type that runs against either the
  database handle or an open transaction, so the same SQL serves both
  plain reads and WithTx units of work.

KEY TABLES:
  drivers, loads, accessorials, expenses, invoices   upstream inputs
  rules                                              recurring additions/deductions
  advances                                           cash advances + settlement link
  settlements, line_items                            outputs
  negative_balances                                  carried shortfalls
  activity_log                                       append-only audit trail

INVARIANTS ENFORCED BY THE SCHEMA:
  - idx_settlements_active_period: one active auto-generated settlement per
    driver and period; CreateSettlement also checks explicit rows inside the
    same transaction (one connection serializes writers)
  - negative_balances.settlement_id UNIQUE: one balance per originating settlement
  - settlements.version: UpdateSettlement is compare-and-swap

STORAGE FORMATS:
  Money and miles are decimal TEXT. Timestamps are fixed-width UTC TEXT so
  range predicates compare lexicographically. Load ids, the audit record,
  history and line item sources are JSON.

CONCURRENCY:
  The pool is limited to one connection. SQLite allows a single writer;
  serializing at the pool turns "database is locked" into plain waiting.

MIGRATION:
  Schema lives in migrations/*.sql, embedded and applied with goose on New().

USAGE:
  store, err := sqlite.New("./data/settlements.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - settlement/repository.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/warp/settlement-engine/settlement"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements settlement.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

var _ settlement.TxStore = (*Store)(nil)

// New opens (or creates) the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{queries: &queries{q: db}, db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(settlement.Store) error) error {
	return s.inTx(ctx, func(q *queries) error { return fn(q) })
}

func (s *Store) inTx(ctx context.Context, fn func(*queries) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveLoad upserts a load and replaces its accessorials, expenses and invoices.
func (s *Store) SaveLoad(ctx context.Context, l settlement.Load) error {
	return s.inTx(ctx, func(q *queries) error { return q.saveLoad(ctx, l) })
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements settlement.Store on top of a queryer. Rows are always
// drained and closed before the next statement; with a single connection an
// open cursor would block it.
type queries struct {
	q queryer
}

var _ settlement.Store = (*queries)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so stored timestamps sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
