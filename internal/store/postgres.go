package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// pqUniqueViolation is the SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	types: strings.NewReplacer(
		"DATETIME", "TIMESTAMPTZ",
		"BLOB", "BYTEA",
		"REAL", "DOUBLE PRECISION",
	),
	isDuplicate: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
	},
}

// NewPostgresStore connects to the Postgres database at dsn and runs migrations.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return newSQLStore(db, postgresDialect)
}

// Open opens the store for the named driver ("sqlite" or "postgres").
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
