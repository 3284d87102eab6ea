// Package store implements the persisted collections behind the mock relay
// API: chain tasks, events, broadcasts and query correlations. Every write
// is a single-row insert or a single-row status update; there are no
// multi-row transactions.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced to the API layer.
var (
	// ErrNotFound reports an unknown id, hash or cursor.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports an insert for a key that already exists.
	ErrConflict = errors.New("conflict")
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps a sql.DB with its dialect so the stores can share one set of
// queries written with ? placeholders.
type DB struct {
	*sql.DB
	driver string
}

// Open opens a database handle for the given driver ("sqlite" or "postgres").
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == DriverSQLite {
		// modernc sqlite supports a single writer; serialize connections so
		// concurrent resolution goroutines don't race on SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	return &DB{DB: db, driver: driver}, nil
}

// Wrap adapts an existing handle (tests use sqlmock here).
func Wrap(db *sql.DB, driver string) *DB {
	return &DB{DB: db, driver: driver}
}

// Rebind rewrites ? placeholders to $n for the postgres dialect.
func (d *DB) Rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// isUniqueViolation reports whether err is a primary-key/unique-index
// violation in either dialect.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
