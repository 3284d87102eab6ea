package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// QueryRecord correlates a caller-side query id with the contract it was
// issued against and, once known, its result.
type QueryRecord struct {
	ID              string
	ContractAddress string
	Query           string
	Result          string
	Error           string
	CreatedAt       time.Time
}

// QueryStore persists query correlations used by FindByQuery lookups.
type QueryStore struct {
	db  *DB
	now func() time.Time
}

// NewQueryStore creates the store and ensures its schema exists.
func NewQueryStore(db *DB) (*QueryStore, error) {
	s := &QueryStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *QueryStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS queries (
		id TEXT PRIMARY KEY,
		contract_address TEXT NOT NULL,
		query TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Insert records a new query correlation. Duplicate ids are ErrConflict.
func (s *QueryStore) Insert(ctx context.Context, id, contractAddress, query string) error {
	q := s.db.Rebind(`INSERT INTO queries (id, contract_address, query, created_at) VALUES (?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, id, contractAddress, query, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("query %s: %w", id, ErrConflict)
		}
		return fmt.Errorf("insert query %s: %w", id, err)
	}
	return nil
}

// Find returns the stored query document for the id, or ErrNotFound.
func (s *QueryStore) Find(ctx context.Context, id string) (*QueryRecord, error) {
	q := s.db.Rebind(`SELECT id, contract_address, query, result, error, created_at FROM queries WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, q, id)

	var rec QueryRecord
	var createdAt string
	err := row.Scan(&rec.ID, &rec.ContractAddress, &rec.Query, &rec.Result, &rec.Error, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("query %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	rec.CreatedAt = parseTime(createdAt)
	return &rec, nil
}

// FindResult returns only the result and error columns for the id, or
// ErrNotFound.
func (s *QueryStore) FindResult(ctx context.Context, id string) (result, errDetail string, err error) {
	q := s.db.Rebind(`SELECT result, error FROM queries WHERE id = ?`)
	row := s.db.QueryRowContext(ctx, q, id)
	if err := row.Scan(&result, &errDetail); err != nil {
		if err == sql.ErrNoRows {
			return "", "", fmt.Errorf("query %s: %w", id, ErrNotFound)
		}
		return "", "", err
	}
	return result, errDetail, nil
}

// UpdateResult stores the outcome of a resolved query.
func (s *QueryStore) UpdateResult(ctx context.Context, id, result, errDetail string) error {
	q := s.db.Rebind(`UPDATE queries SET result = ?, error = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, result, errDetail, id)
	if err != nil {
		return fmt.Errorf("update query %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("query %s: %w", id, ErrNotFound)
	}
	return nil
}
