package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteSink mirrors appended entries into a durable table so the audit
// trail survives restarts. The in-memory chain stays authoritative for
// verification; the sink is the recovery copy.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink creates the sink and its schema.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		sequence     INTEGER PRIMARY KEY,
		id           TEXT NOT NULL,
		type         TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		prev_hash    TEXT NOT NULL,
		ts           TEXT NOT NULL,
		data         TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Store appends one entry. Sequence collisions are rejected by the primary
// key, which keeps the mirror append-only.
func (s *SQLiteSink) Store(e *Entry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(), `
	INSERT INTO events (sequence, id, type, content_hash, prev_hash, ts, data)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Sequence, e.ID.String(), e.Type, e.ContentHash, e.PrevHash,
		e.Timestamp.UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("store event: %w", err)
	}
	return nil
}

// Load replays the mirrored entries in sequence order.
func (s *SQLiteSink) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT sequence, id, type, content_hash, prev_hash, ts, data
	FROM events ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			id, ts  string
			rawData string
		)
		if err := rows.Scan(&e.Sequence, &id, &e.Type, &e.ContentHash, &e.PrevHash, &ts, &rawData); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("event id: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("event timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(rawData), &e.Data); err != nil {
			return nil, fmt.Errorf("event data: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
