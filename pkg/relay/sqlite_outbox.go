package relay

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteOutbox persists the relay queue so queued cross-network steps
// survive restarts.
type SQLiteOutbox struct {
	db *sql.DB
}

// NewSQLiteOutbox creates the outbox and its schema.
func NewSQLiteOutbox(db *sql.DB) (*SQLiteOutbox, error) {
	o := &SQLiteOutbox{db: db}
	if err := o.migrate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *SQLiteOutbox) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS relay_outbox (
		id           TEXT PRIMARY KEY,
		seq          INTEGER NOT NULL DEFAULT 0,
		network      INTEGER NOT NULL,
		handler      INTEGER NOT NULL,
		initiator    TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		params       BLOB,
		attempts     INTEGER NOT NULL DEFAULT 0,
		status       TEXT NOT NULL DEFAULT 'PENDING'
	);
	CREATE INDEX IF NOT EXISTS idx_relay_status ON relay_outbox(status, seq);`
	_, err := o.db.ExecContext(context.Background(), query)
	return err
}

func (o *SQLiteOutbox) Enqueue(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	_, err := o.db.ExecContext(ctx, `
	INSERT INTO relay_outbox (id, seq, network, handler, initiator, payload_hash, params, attempts, status)
	VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM relay_outbox), ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Network, e.Handler, e.Initiator.Hex(), e.PayloadHash.Hex(),
		e.Params, e.Attempts, e.Status)
	if err != nil {
		return fmt.Errorf("enqueue relay entry: %w", err)
	}
	return nil
}

func (o *SQLiteOutbox) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	row := o.db.QueryRowContext(ctx, `
	SELECT id, network, handler, initiator, payload_hash, params, attempts, status
	FROM relay_outbox WHERE id = ?`, id.String())
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (o *SQLiteOutbox) Pending(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := o.db.QueryContext(ctx, `
	SELECT id, network, handler, initiator, payload_hash, params, attempts, status
	FROM relay_outbox WHERE status = ? ORDER BY seq LIMIT ?`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending relays: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (o *SQLiteOutbox) Mark(ctx context.Context, id uuid.UUID, status string, attempts int) error {
	res, err := o.db.ExecContext(ctx, `
	UPDATE relay_outbox SET status = ?, attempts = ? WHERE id = ?`,
		status, attempts, id.String())
	if err != nil {
		return fmt.Errorf("mark relay entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e              Entry
		id, init, hash string
	)
	if err := row.Scan(&id, &e.Network, &e.Handler, &init, &hash, &e.Params, &e.Attempts, &e.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan relay entry: %w", err)
	}
	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("relay id: %w", err)
	}
	initiator, err := contracts.ParseAddress(init)
	if err != nil {
		return nil, fmt.Errorf("relay initiator: %w", err)
	}
	e.Initiator = initiator
	payloadHash, err := contracts.ParseHash(hash)
	if err != nil {
		return nil, fmt.Errorf("relay payload hash: %w", err)
	}
	e.PayloadHash = payloadHash
	return &e, nil
}
