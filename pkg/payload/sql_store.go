package payload

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/commonprefix/mock-gmp-api/pkg/store"
)

// SQLStore keeps payload blobs in the relational database alongside the rest
// of the mock's state. This is the default backend.
type SQLStore struct {
	db *store.DB
}

// NewSQLStore creates the store and ensures its schema exists.
func NewSQLStore(db *store.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	query := `
	CREATE TABLE IF NOT EXISTS payloads (
		hash TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		created_at TEXT NOT NULL
	);`
	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return nil, fmt.Errorf("migrate payloads: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := Hash(data)

	exists, err := s.Exists(ctx, hash)
	if err != nil {
		return "", err
	}
	if exists {
		return hash, nil
	}

	query := s.db.Rebind(`INSERT INTO payloads (hash, payload, created_at) VALUES (?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, hash, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		// A concurrent Put of the same bytes already wrote this row.
		if exists, checkErr := s.Exists(ctx, hash); checkErr == nil && exists {
			return hash, nil
		}
		return "", fmt.Errorf("insert payload %s: %w", hash, err)
	}
	return hash, nil
}

func (s *SQLStore) Get(ctx context.Context, hash string) ([]byte, error) {
	normalized, err := NormalizeHash(hash)
	if err != nil {
		return nil, err
	}

	query := s.db.Rebind(`SELECT payload FROM payloads WHERE hash = ?`)
	var data []byte
	if err := s.db.QueryRowContext(ctx, query, normalized).Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("payload %s: %w", normalized, ErrNotFound)
		}
		return nil, fmt.Errorf("get payload %s: %w", normalized, err)
	}
	return data, nil
}

func (s *SQLStore) Exists(ctx context.Context, hash string) (bool, error) {
	normalized, err := NormalizeHash(hash)
	if err != nil {
		return false, err
	}

	query := s.db.Rebind(`SELECT 1 FROM payloads WHERE hash = ?`)
	var one int
	if err := s.db.QueryRowContext(ctx, query, normalized).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check payload %s: %w", normalized, err)
	}
	return true, nil
}
