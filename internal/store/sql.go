package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// schema is written in SQLite types; the postgres dialect rewrites them.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS engines (
    id               TEXT PRIMARY KEY,
    revision         INTEGER NOT NULL,
    owner            TEXT NOT NULL,
    type             TEXT NOT NULL,
    source_language  TEXT NOT NULL,
    target_language  TEXT NOT NULL,
    is_building      BOOLEAN NOT NULL,
    current_build_id TEXT NOT NULL,
    build_revision   INTEGER NOT NULL,
    created_at       DATETIME NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS builds (
    id                TEXT PRIMARY KEY,
    revision          INTEGER NOT NULL,
    engine_ref        TEXT NOT NULL,
    owner             TEXT NOT NULL,
    state             TEXT NOT NULL,
    percent_completed REAL NOT NULL,
    message           TEXT NOT NULL,
    step              INTEGER NOT NULL,
    queue_depth       INTEGER NOT NULL,
    lock_id           TEXT NOT NULL,
    options           BLOB,
    created_at        DATETIME NOT NULL,
    started_at        DATETIME,
    finished_at       DATETIME
)`,
	`CREATE INDEX IF NOT EXISTS builds_engine_ref ON builds (engine_ref)`,
	`CREATE TABLE IF NOT EXISTS outboxes (
    id            TEXT PRIMARY KEY,
    revision      INTEGER NOT NULL,
    current_index BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS outbox_messages (
    outbox_ref TEXT NOT NULL,
    idx        BIGINT NOT NULL,
    kind       TEXT NOT NULL,
    content    BLOB NOT NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (outbox_ref, idx)
)`,
	`CREATE TABLE IF NOT EXISTS rw_locks (
    id       TEXT PRIMARY KEY,
    revision INTEGER NOT NULL,
    doc      TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS webhooks (
    id         TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    url        TEXT NOT NULL,
    secret     TEXT NOT NULL,
    events     TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS webhooks_owner ON webhooks (owner)`,
	`CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id              TEXT PRIMARY KEY,
    hook_id         TEXT NOT NULL,
    event           TEXT NOT NULL,
    body            BLOB NOT NULL,
    status          TEXT NOT NULL,
    attempts        INTEGER NOT NULL,
    next_attempt_ms BIGINT NOT NULL,
    last_status     INTEGER NOT NULL,
    last_error      TEXT NOT NULL,
    created_at      DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS webhook_deliveries_due ON webhook_deliveries (status, next_attempt_ms)`,
}

// dialect captures the differences between the supported SQL databases.
type dialect struct {
	name        string
	numbered    bool // $1, $2 placeholders instead of ?
	types       *strings.Replacer
	isDuplicate func(error) bool
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Compile-time interface satisfaction checks.
var (
	_ Store = (*SQLStore)(nil)
	_ Tx    = (*SQLStore)(nil)
)

// SQLStore implements Store on database/sql. Every conditional update is a
// single statement guarded by the record's revision column.
type SQLStore struct {
	db      *sql.DB
	q       querier
	dialect dialect
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, q: db, dialect: d}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if s.dialect.types != nil {
			stmt = s.dialect.types.Replace(stmt)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a database transaction. Nested calls reuse the outer
// transaction.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &SQLStore{db: s.db, q: tx, dialect: s.dialect}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// expectOne maps a zero-row result to errNone.
func expectOne(result sql.Result, errNone error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return errNone
	}
	return nil
}

// casMiss decides between ErrNotFound and ErrConcurrentModification after a
// revision-guarded update touched no rows.
func (s *SQLStore) casMiss(ctx context.Context, table, id string) error {
	var one int
	err := s.queryRow(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check %s existence: %w", table, err)
	}
	return ErrConcurrentModification
}
