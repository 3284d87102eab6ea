package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
)

// EventRecord is one row of the append-only event log.
type EventRecord struct {
	Seq       int64
	ID        string
	Timestamp time.Time
	Kind      gmp.EventKind
	MessageID string
	Event     json.RawMessage // full event document as received
}

// EventStore is the append-only log of ingested events. Rows are never
// mutated or deleted.
type EventStore struct {
	db  *DB
	now func() time.Time
}

// NewEventStore creates the store and ensures its schema exists.
func NewEventStore(db *DB) (*EventStore, error) {
	s := &EventStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EventStore) migrate() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.db.driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS events (
		seq %s,
		id TEXT NOT NULL UNIQUE,
		timestamp TEXT NOT NULL,
		type TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		event TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_message ON events(type, message_id);`, serial)
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append stores one event keyed by its event id. Re-ingesting an id that
// already exists returns ErrConflict so the caller can treat it as an
// idempotent no-op.
func (s *EventStore) Append(ctx context.Context, event gmp.Event) (*EventRecord, error) {
	kind, err := event.Kind()
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", event.EventID, err)
	}

	rec := &EventRecord{
		ID:        event.EventID,
		Timestamp: s.now().UTC(),
		Kind:      kind,
		MessageID: event.MessageID(),
		Event:     doc,
	}

	query := s.db.Rebind(`INSERT INTO events (id, timestamp, type, message_id, event) VALUES (?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.Timestamp.Format(time.RFC3339Nano), string(rec.Kind), rec.MessageID, string(rec.Event),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("event %s: %w", rec.ID, ErrConflict)
		}
		return nil, fmt.Errorf("insert event %s: %w", rec.ID, err)
	}
	return rec, nil
}

// List returns every stored event in insertion order.
func (s *EventStore) List(ctx context.Context) ([]*EventRecord, error) {
	query := `SELECT seq, id, timestamp, type, message_id, event FROM events ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*EventRecord{}
	for rows.Next() {
		rec, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// FindByMessageID returns every event referencing the message id, in
// insertion order.
func (s *EventStore) FindByMessageID(ctx context.Context, messageID string) ([]*EventRecord, error) {
	query := s.db.Rebind(`
		SELECT seq, id, timestamp, type, message_id, event
		FROM events
		WHERE message_id = ? AND message_id != ''
		ORDER BY seq ASC`)
	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("find events for message %s: %w", messageID, err)
	}
	defer func() { _ = rows.Close() }()

	events := []*EventRecord{}
	for rows.Next() {
		rec, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// FindByKindAndMessageID returns the first event of the given kind that
// references the message id, or ErrNotFound.
func (s *EventStore) FindByKindAndMessageID(ctx context.Context, kind gmp.EventKind, messageID string) (*EventRecord, error) {
	query := s.db.Rebind(`
		SELECT seq, id, timestamp, type, message_id, event
		FROM events
		WHERE type = ? AND message_id = ?
		ORDER BY seq ASC
		LIMIT 1`)
	rows, err := s.db.QueryContext(ctx, query, string(kind), messageID)
	if err != nil {
		return nil, fmt.Errorf("find event %s/%s: %w", kind, messageID, err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("event %s/%s: %w", kind, messageID, ErrNotFound)
	}
	return scanEventRow(rows)
}

func scanEventRow(rows *sql.Rows) (*EventRecord, error) {
	var (
		seq       int64
		id        string
		timestamp string
		kind      string
		messageID string
		event     string
	)
	if err := rows.Scan(&seq, &id, &timestamp, &kind, &messageID, &event); err != nil {
		return nil, err
	}
	return &EventRecord{
		Seq:       seq,
		ID:        id,
		Timestamp: parseTime(timestamp),
		Kind:      gmp.EventKind(kind),
		MessageID: messageID,
		Event:     json.RawMessage(event),
	}, nil
}
