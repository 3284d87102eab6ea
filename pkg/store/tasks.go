package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
)

// TaskRecord is one row of the append-only task queue. Tasks are immutable
// once written; the insert sequence number is the per-chain ordering and
// breaks ties between same-timestamp inserts.
type TaskRecord struct {
	Seq       int64
	ID        string
	Chain     string
	Timestamp time.Time
	Kind      gmp.TaskKind
	Meta      json.RawMessage // optional metadata blob, nil when absent
	Task      json.RawMessage // kind-specific task payload
}

// Document assembles the full wire-form task document.
func (r *TaskRecord) Document() map[string]any {
	doc := map[string]any{
		"id":        r.ID,
		"chain":     r.Chain,
		"timestamp": r.Timestamp.UTC().Format(time.RFC3339Nano),
		"type":      string(r.Kind),
		"meta":      nil,
		"task":      json.RawMessage(r.Task),
	}
	if len(r.Meta) > 0 {
		doc["meta"] = json.RawMessage(r.Meta)
	}
	return doc
}

// TaskStore is the per-chain ordered task queue.
type TaskStore struct {
	db  *DB
	now func() time.Time
}

// NewTaskStore creates the store and ensures its schema exists.
func NewTaskStore(db *DB) (*TaskStore, error) {
	s := &TaskStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TaskStore) migrate() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.db.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS tasks (
		seq %s,
		id TEXT NOT NULL UNIQUE,
		chain TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		type TEXT NOT NULL,
		meta TEXT,
		task TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_chain_seq ON tasks(chain, seq);`, serial)
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Enqueue assigns a fresh id and timestamp and appends the task to the
// chain's sequence. A duplicate id is an internal invariant violation, not a
// user-facing conflict.
func (s *TaskStore) Enqueue(ctx context.Context, chain string, kind gmp.TaskKind, meta, taskPayload json.RawMessage) (*TaskRecord, error) {
	rec := &TaskRecord{
		ID:        uuid.New().String(),
		Chain:     chain,
		Timestamp: s.now().UTC(),
		Kind:      kind,
		Meta:      meta,
		Task:      taskPayload,
	}

	query := s.db.Rebind(`INSERT INTO tasks (id, chain, timestamp, type, meta, task) VALUES (?, ?, ?, ?, ?, ?)`)
	var metaCol any
	if len(rec.Meta) > 0 {
		metaCol = string(rec.Meta)
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Chain, rec.Timestamp.Format(time.RFC3339Nano), string(rec.Kind), metaCol, string(rec.Task),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task %s: %w", rec.ID, err)
	}
	return rec, nil
}

// ListSince returns every task for the chain in insertion order. With a
// cursor it returns the strict suffix after that task; an unknown cursor is
// ErrNotFound. An unknown chain yields an empty slice, chains are not
// pre-registered.
func (s *TaskStore) ListSince(ctx context.Context, chain, afterID string) ([]*TaskRecord, error) {
	afterSeq := int64(0)
	if afterID != "" {
		row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT seq FROM tasks WHERE id = ?`), afterID)
		if err := row.Scan(&afterSeq); err != nil {
			if err == sql.ErrNoRows {
				return nil, fmt.Errorf("task cursor %s: %w", afterID, ErrNotFound)
			}
			return nil, fmt.Errorf("resolve task cursor %s: %w", afterID, err)
		}
	}

	query := s.db.Rebind(`
		SELECT seq, id, chain, timestamp, type, meta, task
		FROM tasks
		WHERE chain = ? AND seq > ?
		ORDER BY seq ASC`)
	rows, err := s.db.QueryContext(ctx, query, chain, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", chain, err)
	}
	defer func() { _ = rows.Close() }()

	tasks := []*TaskRecord{}
	for rows.Next() {
		rec, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTaskRow(rows *sql.Rows) (*TaskRecord, error) {
	var (
		seq       int64
		id        string
		chain     string
		timestamp string
		kind      string
		meta      sql.NullString
		task      string
	)
	if err := rows.Scan(&seq, &id, &chain, &timestamp, &kind, &meta, &task); err != nil {
		return nil, err
	}

	rec := &TaskRecord{
		Seq:       seq,
		ID:        id,
		Chain:     chain,
		Timestamp: parseTime(timestamp),
		Kind:      gmp.TaskKind(kind),
		Task:      json.RawMessage(task),
	}
	if meta.Valid && meta.String != "" {
		rec.Meta = json.RawMessage(meta.String)
	}
	return rec, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
