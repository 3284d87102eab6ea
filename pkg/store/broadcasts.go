package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
)

// BroadcastRecord is the persisted state of one broadcast request. Status is
// the only mutable field set (status, tx_hash, error move together in a
// single atomic write); everything else is fixed at submission.
type BroadcastRecord struct {
	ID              string
	ContractAddress string
	Broadcast       json.RawMessage // canonicalized broadcast payload
	Status          gmp.BroadcastStatus
	TxHash          string
	Error           string
	QueryID         string // correlation key for FindByQuery, empty when none
	CreatedAt       time.Time
}

// BroadcastStore persists broadcast lifecycle records.
type BroadcastStore struct {
	db  *DB
	now func() time.Time
}

// NewBroadcastStore creates the store and ensures its schema exists.
func NewBroadcastStore(db *DB) (*BroadcastStore, error) {
	s := &BroadcastStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BroadcastStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS broadcasts (
		id TEXT PRIMARY KEY,
		contract_address TEXT NOT NULL,
		broadcast TEXT NOT NULL,
		status TEXT NOT NULL,
		tx_hash TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		query_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_broadcasts_query ON broadcasts(query_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Insert persists a fresh RECEIVED record. A duplicate id is ErrConflict:
// re-submission is rejected, not restarted.
func (s *BroadcastStore) Insert(ctx context.Context, rec *BroadcastRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	rec.Status = gmp.BroadcastReceived

	query := s.db.Rebind(`
		INSERT INTO broadcasts (id, contract_address, broadcast, status, tx_hash, error, query_id, created_at)
		VALUES (?, ?, ?, ?, '', '', ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.ContractAddress, string(rec.Broadcast), string(rec.Status), rec.QueryID,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("broadcast %s: %w", rec.ID, ErrConflict)
		}
		return fmt.Errorf("insert broadcast %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record for the broadcast id, or ErrNotFound.
func (s *BroadcastStore) Get(ctx context.Context, id string) (*BroadcastRecord, error) {
	query := s.db.Rebind(`
		SELECT id, contract_address, broadcast, status, tx_hash, error, query_id, created_at
		FROM broadcasts
		WHERE id = ?`)
	return s.queryOne(ctx, query, id)
}

// FindByQuery returns the contract's most recent record correlated to the
// query id, or ErrNotFound. Correlations are scoped per contract; the same
// poll id under another contract never matches.
func (s *BroadcastStore) FindByQuery(ctx context.Context, contractAddress, queryID string) (*BroadcastRecord, error) {
	query := s.db.Rebind(`
		SELECT id, contract_address, broadcast, status, tx_hash, error, query_id, created_at
		FROM broadcasts
		WHERE query_id = ? AND query_id != '' AND contract_address = ?
		ORDER BY created_at DESC
		LIMIT 1`)
	return s.queryOne(ctx, query, queryID, contractAddress)
}

// Resolve writes the terminal outcome of the resolution sequence. The guard
// on the current status makes the transition one-way: a record already in a
// terminal state is left untouched and ErrConflict is returned.
func (s *BroadcastStore) Resolve(ctx context.Context, id string, status gmp.BroadcastStatus, txHash, errDetail string) error {
	if !status.Terminal() {
		return fmt.Errorf("broadcast %s: refusing to persist non-terminal status %s", id, status)
	}

	query := s.db.Rebind(`
		UPDATE broadcasts
		SET status = ?, tx_hash = ?, error = ?
		WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(status), txHash, errDetail, id, string(gmp.BroadcastReceived),
	)
	if err != nil {
		return fmt.Errorf("resolve broadcast %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve broadcast %s: %w", id, err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("broadcast %s already terminal: %w", id, ErrConflict)
	}
	return nil
}

func (s *BroadcastStore) queryOne(ctx context.Context, query string, args ...any) (*BroadcastRecord, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	var (
		id        string
		contract  string
		broadcast string
		status    string
		txHash    string
		errDetail string
		queryID   string
		createdAt string
	)
	err := row.Scan(&id, &contract, &broadcast, &status, &txHash, &errDetail, &queryID, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("broadcast: %w", ErrNotFound)
		}
		return nil, err
	}

	parsed, err := gmp.ParseBroadcastStatus(status)
	if err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", id, err)
	}

	return &BroadcastRecord{
		ID:              id,
		ContractAddress: contract,
		Broadcast:       json.RawMessage(broadcast),
		Status:          parsed,
		TxHash:          txHash,
		Error:           errDetail,
		QueryID:         queryID,
		CreatedAt:       parseTime(createdAt),
	}, nil
}
