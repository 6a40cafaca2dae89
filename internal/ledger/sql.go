package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder and DDL flavour.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const tableName = "iteration_ledger"

// SQLLedger stores entries in a SQL table shared by every run that points
// at the same database.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect

	mu    sync.Mutex
	ready bool
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB, dialect Dialect) *SQLLedger {
	if dialect == "" {
		dialect = DialectPostgres
	}
	return &SQLLedger{db: db, dialect: dialect}
}

// OpenPostgres connects through the pgx stdlib driver and pings the server.
func OpenPostgres(ctx context.Context, dsn string) (*SQLLedger, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping postgres: %w", err)
	}
	return NewSQL(db, DialectPostgres), nil
}

// OpenSQLite opens (or creates) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*SQLLedger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger: sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// one writer at a time; sqlite serialises anyway
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping sqlite: %w", err)
	}
	return NewSQL(db, DialectSQLite), nil
}

func (l *SQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *SQLLedger) schema() []string {
	id := "id BIGSERIAL PRIMARY KEY"
	if l.dialect == DialectSQLite {
		id = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + tableName + ` (
  ` + id + `,
  run_id TEXT NOT NULL DEFAULT '',
  iteration INTEGER NOT NULL,
  filename TEXT NOT NULL,
  recorded_at TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_iteration_ledger_run_id ON ` + tableName + ` (run_id)`,
	}
}

func (l *SQLLedger) ensureSchema(ctx context.Context) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("ledger: db is nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready {
		return nil
	}
	for _, stmt := range l.schema() {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: ensure schema: %w", err)
		}
	}
	l.ready = true
	return nil
}

func (l *SQLLedger) insertSQL() string {
	if l.dialect == DialectSQLite {
		return `INSERT INTO ` + tableName + ` (run_id, iteration, filename, recorded_at) VALUES (?, ?, ?, ?)`
	}
	return `INSERT INTO ` + tableName + ` (run_id, iteration, filename, recorded_at) VALUES ($1, $2, $3, $4)`
}

// Append inserts all entries in one transaction.
func (l *SQLLedger) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := l.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := l.insertSQL()
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, stmt, e.RunID, e.Iteration, e.Filename, formatTime(e.Timestamp)); err != nil {
			return fmt.Errorf("ledger: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// Entries returns every row in insertion order.
func (l *SQLLedger) Entries(ctx context.Context) ([]Entry, error) {
	return l.query(ctx, "")
}

// EntriesForRun returns the rows written by one run.
func (l *SQLLedger) EntriesForRun(ctx context.Context, runID string) ([]Entry, error) {
	return l.query(ctx, strings.TrimSpace(runID))
}

func (l *SQLLedger) query(ctx context.Context, runID string) ([]Entry, error) {
	if err := l.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := `SELECT run_id, iteration, filename, recorded_at FROM ` + tableName
	var args []any
	if runID != "" {
		if l.dialect == DialectSQLite {
			q += ` WHERE run_id = ?`
		} else {
			q += ` WHERE run_id = $1`
		}
		args = append(args, runID)
	}
	q += ` ORDER BY id`

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 64)
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.RunID, &e.Iteration, &e.Filename, &ts); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("ledger: bad timestamp %q: %w", ts, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
